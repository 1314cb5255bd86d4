package store

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/lox/outbreakcast/internal/models"
)

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatNull(v sql.NullFloat64) string {
	if !v.Valid {
		return ""
	}
	return formatFloat(v.Float64)
}

// writeCSV writes records to path through a temporary file.
func writeCSV(path string, header []string, records [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return err
	}
	if err := w.WriteAll(records); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// WriteAlignedCSV writes the aligned table sorted by region and date, with
// missing values left blank.
func WriteAlignedCSV(path string, t *models.Table) error {
	if !t.HasDate() {
		return &models.SchemaError{Op: "export aligned", Column: models.ColDate}
	}
	if !t.HasRegion() {
		return &models.SchemaError{Op: "export aligned", Column: models.ColRegion}
	}
	cols := t.Columns()
	header := append([]string{models.ColDate, models.ColRegion}, cols...)

	var records [][]string
	for _, i := range t.SortedIndex() {
		rec := make([]string, 0, len(header))
		rec = append(rec, models.DateKey(t.Dates[i]), t.Regions[i])
		for _, c := range cols {
			rec = append(rec, formatFloat(t.Value(c, i)))
		}
		records = append(records, rec)
	}
	return writeCSV(path, header, records)
}

// WriteForecastCSV writes forecast points in the order given.
func WriteForecastCSV(path string, points []models.ForecastPoint) error {
	header := []string{
		models.ColDate, models.ColRegion, models.ColModel, models.ColForecastHorizon,
		models.ColForecast, models.ColForecastLower, models.ColForecastUpper,
	}
	records := make([][]string, 0, len(points))
	for _, p := range points {
		records = append(records, []string{
			models.DateKey(p.Date), p.Region, p.Model, strconv.Itoa(p.Horizon),
			formatFloat(p.Value), formatNull(p.Lower), formatNull(p.Upper),
		})
	}
	return writeCSV(path, header, records)
}

// WriteRiskCSV writes risk assessments in the order given.
func WriteRiskCSV(path string, recs []models.RiskRecord) error {
	header := []string{
		models.ColRegion, models.ColModel, "max_forecast", "historical_avg", "historical_std",
		"outbreak_threshold", "risk_probability", "risk_level",
	}
	records := make([][]string, 0, len(recs))
	for _, r := range recs {
		records = append(records, []string{
			r.Region, r.Model, formatFloat(r.MaxForecast), formatFloat(r.HistoricalAvg),
			formatFloat(r.HistoricalStd), formatFloat(r.OutbreakThreshold),
			formatFloat(r.RiskProbability), string(r.RiskLevel),
		})
	}
	return writeCSV(path, header, records)
}
