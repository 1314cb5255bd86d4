// Package align cleans per-source time series and fuses them into one
// feature table keyed by (date, region).
package align

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/lox/outbreakcast/internal/models"
)

type Aligner struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Aligner {
	return &Aligner{log: log.With().Str("component", "aligner").Logger()}
}

// Clean fills gaps in every numeric column (forward fill, backward fill,
// then column median) and caps values outside the Tukey fences. Filling
// runs within each region in date order. The input table is not modified.
//
// Clipping is a single pass. It is not idempotent on small columns: the
// fences of a clipped column can be tighter than those of the input.
func (a *Aligner) Clean(t *models.Table) *models.Table {
	out := t.Clone()
	groups := rowGroups(out)
	for _, col := range out.Columns() {
		vals, _ := out.Column(col)
		if fillColumn(vals, groups) {
			a.log.Warn().Str("column", col).Msg("column has no values, filled with 0")
		}
		clipColumn(vals)
	}
	return out
}

// Align namespaces each source's metric columns as {source}_{column},
// cleans each source independently and outer-joins them on (date, region).
// The result is sorted by (region, date) and holds no missing values.
func (a *Aligner) Align(sources map[string]*models.Table) *models.Table {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	type joined struct {
		date   time.Time
		region string
		vals   map[string]float64
	}
	rows := make(map[string]*joined)
	var columns []string
	used := 0

	for _, name := range names {
		src := sources[name]
		if src == nil || src.Len() == 0 {
			a.log.Info().Str("source", name).Msg("skipping empty source")
			continue
		}
		if !src.HasDate() || !src.HasRegion() {
			a.log.Warn().Str("source", name).Msg("skipping source: missing date or region columns")
			continue
		}
		used++

		clean := a.Clean(src)
		srcCols := clean.Columns()
		for _, c := range srcCols {
			columns = append(columns, name+"_"+c)
		}

		dups := 0
		seen := make(map[string]bool, clean.Len())
		for i := 0; i < clean.Len(); i++ {
			key := clean.Regions[i] + "\x00" + models.DateKey(clean.Dates[i])
			if seen[key] {
				dups++
			}
			seen[key] = true
			row, ok := rows[key]
			if !ok {
				row = &joined{date: clean.Dates[i], region: clean.Regions[i], vals: make(map[string]float64)}
				rows[key] = row
			}
			for _, c := range srcCols {
				row.vals[name+"_"+c] = clean.Value(c, i)
			}
		}
		if dups > 0 {
			a.log.Warn().Str("source", name).Int("duplicates", dups).Msg("duplicate (date, region) rows, keeping last")
		}
	}

	out := models.NewTable(columns...)
	if used == 0 {
		return out
	}

	ordered := make([]*joined, 0, len(rows))
	for _, r := range rows {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].region != ordered[j].region {
			return ordered[i].region < ordered[j].region
		}
		return ordered[i].date.Before(ordered[j].date)
	})
	for _, r := range ordered {
		out.AppendRow(r.date, r.region, r.vals)
	}

	// The outer join leaves gaps where a source lacks a key.
	groups := rowGroups(out)
	for _, col := range out.Columns() {
		vals, _ := out.Column(col)
		fillColumn(vals, groups)
	}

	a.log.Info().Int("sources", used).Int("rows", out.Len()).Int("columns", len(columns)).Msg("aligned sources")
	return out
}

// AddTimeFeatures derives calendar features from the date column.
func AddTimeFeatures(t *models.Table) (*models.Table, error) {
	if !t.HasDate() {
		return nil, &models.SchemaError{Op: "add time features", Column: models.ColDate}
	}
	out := t.Clone()
	n := out.Len()
	dow := make([]float64, n)
	month := make([]float64, n)
	year := make([]float64, n)
	day := make([]float64, n)
	doySin := make([]float64, n)
	doyCos := make([]float64, n)
	for i, d := range out.Dates {
		// Monday=0 through Sunday=6.
		dow[i] = float64((int(d.Weekday()) + 6) % 7)
		month[i] = float64(d.Month())
		year[i] = float64(d.Year())
		day[i] = float64(d.Day())
		angle := 2 * math.Pi * float64(d.YearDay()) / 365.25
		doySin[i] = math.Sin(angle)
		doyCos[i] = math.Cos(angle)
	}
	out.SetColumn("day_of_week", dow)
	out.SetColumn("month", month)
	out.SetColumn("year", year)
	out.SetColumn("day", day)
	out.SetColumn("day_of_year_sin", doySin)
	out.SetColumn("day_of_year_cos", doyCos)
	return out, nil
}

// rowGroups returns row indices per fill group: one group per region in
// date order, or a single date-ordered group when there is no region key.
func rowGroups(t *models.Table) [][]int {
	if !t.HasRegion() {
		return [][]int{t.SortedIndex()}
	}
	byRegion := t.RegionRows()
	names := t.RegionNames()
	groups := make([][]int, 0, len(names))
	for _, r := range names {
		groups = append(groups, byRegion[r])
	}
	return groups
}

// fillColumn forward fills then backward fills each group, then fills what
// remains with the column median. It reports whether the column was empty.
func fillColumn(vals []float64, groups [][]int) bool {
	for _, idx := range groups {
		last := math.NaN()
		for _, i := range idx {
			if math.IsNaN(vals[i]) {
				vals[i] = last
			} else {
				last = vals[i]
			}
		}
		next := math.NaN()
		for k := len(idx) - 1; k >= 0; k-- {
			i := idx[k]
			if math.IsNaN(vals[i]) {
				vals[i] = next
			} else {
				next = vals[i]
			}
		}
	}

	med := median(vals)
	empty := false
	if math.IsNaN(med) {
		med = 0
		empty = len(vals) > 0
	}
	for i, v := range vals {
		if math.IsNaN(v) {
			vals[i] = med
		}
	}
	return empty
}

func clipColumn(vals []float64) {
	lower, upper := tukeyFences(vals)
	for i, v := range vals {
		switch {
		case v < lower:
			vals[i] = lower
		case v > upper:
			vals[i] = upper
		}
	}
}
