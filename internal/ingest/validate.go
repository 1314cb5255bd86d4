package ingest

import (
	"math"
	"sort"

	"github.com/lox/outbreakcast/internal/models"
)

const (
	FlagCasesNegative      = "cases_negative"
	FlagTempOutOfRange     = "temp_out_of_range"
	FlagHumidityInvalid    = "humidity_invalid"
	FlagPrecipNegative     = "precip_negative"
	FlagViralLoadNegative  = "viral_load_negative"
	FlagMissingValue       = "missing_value"
	FlagMissingSchemaField = "missing_schema_column"
)

// ValidateRow returns the quality flags for one row of a source.
func ValidateRow(vals map[string]float64) []string {
	var flags []string
	for _, col := range []string{"cases", "temperature", "humidity", "precipitation", "viral_load"} {
		v, ok := vals[col]
		if !ok {
			continue
		}
		if math.IsNaN(v) {
			flags = append(flags, FlagMissingValue)
			continue
		}
		switch col {
		case "cases":
			if v < 0 {
				flags = append(flags, FlagCasesNegative)
			}
		case "temperature":
			if v < -50 || v > 60 {
				flags = append(flags, FlagTempOutOfRange)
			}
		case "humidity":
			if v < 0 || v > 100 {
				flags = append(flags, FlagHumidityInvalid)
			}
		case "precipitation":
			if v < 0 {
				flags = append(flags, FlagPrecipNegative)
			}
		case "viral_load":
			if v < 0 {
				flags = append(flags, FlagViralLoadNegative)
			}
		}
	}
	return flags
}

// Validate counts rows per quality flag. Expected columns absent from the
// table are reported under FlagMissingSchemaField, once per column.
func Validate(t *models.Table, src Source) map[string]int {
	counts := make(map[string]int)
	for _, c := range src.Columns {
		if !t.HasColumn(c) {
			counts[FlagMissingSchemaField]++
		}
	}
	for i := 0; i < t.Len(); i++ {
		obs := t.Observation(i, src.Name, src.Columns)
		for _, f := range ValidateRow(obs.Metrics) {
			counts[f]++
		}
	}
	return counts
}

// FlagNames returns the flags in counts, sorted.
func FlagNames(counts map[string]int) []string {
	names := make([]string, 0, len(counts))
	for k := range counts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
