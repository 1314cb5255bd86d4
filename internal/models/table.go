package models

import (
	"math"
	"slices"
	"sort"
	"time"
)

// Table is a columnar frame keyed by optional date and region columns.
// A nil Dates or Regions slice means the key column is absent; missing
// numeric values are NaN.
type Table struct {
	Dates   []time.Time
	Regions []string

	columns []string
	values  map[string][]float64
}

// NewTable returns an empty table with both key columns and the given
// numeric columns.
func NewTable(columns ...string) *Table {
	t := &Table{
		Dates:   []time.Time{},
		Regions: []string{},
		values:  make(map[string][]float64, len(columns)),
	}
	for _, c := range columns {
		t.SetColumn(c, []float64{})
	}
	return t
}

func (t *Table) HasDate() bool   { return t.Dates != nil }
func (t *Table) HasRegion() bool { return t.Regions != nil }

// Len returns the number of rows.
func (t *Table) Len() int {
	switch {
	case t.Dates != nil:
		return len(t.Dates)
	case t.Regions != nil:
		return len(t.Regions)
	}
	for _, c := range t.columns {
		return len(t.values[c])
	}
	return 0
}

// Columns returns the numeric column names in insertion order.
func (t *Table) Columns() []string {
	return slices.Clone(t.columns)
}

func (t *Table) HasColumn(name string) bool {
	_, ok := t.values[name]
	return ok
}

// Column returns the backing slice for a numeric column. Callers must not
// modify it; use SetColumn to replace values.
func (t *Table) Column(name string) ([]float64, bool) {
	v, ok := t.values[name]
	return v, ok
}

// SetColumn adds or replaces a numeric column.
func (t *Table) SetColumn(name string, vals []float64) {
	if t.values == nil {
		t.values = make(map[string][]float64)
	}
	if _, ok := t.values[name]; !ok {
		t.columns = append(t.columns, name)
	}
	t.values[name] = vals
}

// Value returns the value at row i of a column, or NaN if the column is absent.
func (t *Table) Value(name string, i int) float64 {
	v, ok := t.values[name]
	if !ok || i >= len(v) {
		return math.NaN()
	}
	return v[i]
}

// AppendRow appends one row. Columns not present in vals get NaN; keys in
// vals that are not yet columns are added and back-filled with NaN.
func (t *Table) AppendRow(date time.Time, region string, vals map[string]float64) {
	n := t.Len()
	if t.values == nil {
		t.values = make(map[string][]float64)
	}
	names := make([]string, 0, len(vals))
	for k := range vals {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if _, ok := t.values[k]; !ok {
			t.SetColumn(k, nanSlice(n))
		}
	}
	if t.Dates == nil {
		t.Dates = []time.Time{}
	}
	if t.Regions == nil {
		t.Regions = []string{}
	}
	t.Dates = append(t.Dates, date)
	t.Regions = append(t.Regions, region)
	for _, c := range t.columns {
		v, ok := vals[c]
		if !ok {
			v = math.NaN()
		}
		t.values[c] = append(t.values[c], v)
	}
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	out := &Table{
		columns: slices.Clone(t.columns),
		values:  make(map[string][]float64, len(t.values)),
	}
	if t.Dates != nil {
		out.Dates = slices.Clone(t.Dates)
	}
	if t.Regions != nil {
		out.Regions = slices.Clone(t.Regions)
	}
	for k, v := range t.values {
		out.values[k] = slices.Clone(v)
	}
	return out
}

// Take returns a new table holding the given row indices in order.
func (t *Table) Take(idx []int) *Table {
	out := &Table{
		columns: slices.Clone(t.columns),
		values:  make(map[string][]float64, len(t.values)),
	}
	if t.Dates != nil {
		out.Dates = make([]time.Time, len(idx))
		for j, i := range idx {
			out.Dates[j] = t.Dates[i]
		}
	}
	if t.Regions != nil {
		out.Regions = make([]string, len(idx))
		for j, i := range idx {
			out.Regions[j] = t.Regions[i]
		}
	}
	for _, c := range t.columns {
		src := t.values[c]
		col := make([]float64, len(idx))
		for j, i := range idx {
			col[j] = src[i]
		}
		out.values[c] = col
	}
	return out
}

// Observation returns row i as an observation of source, limited to the
// given columns. Absent columns are omitted.
func (t *Table) Observation(i int, source string, columns []string) Observation {
	obs := Observation{Source: source, Metrics: make(map[string]float64, len(columns))}
	if t.Dates != nil {
		obs.Date = t.Dates[i]
	}
	if t.Regions != nil {
		obs.Region = t.Regions[i]
	}
	for _, c := range columns {
		if v, ok := t.values[c]; ok {
			obs.Metrics[c] = v[i]
		}
	}
	return obs
}

// RegionNames returns the distinct regions in sorted order.
func (t *Table) RegionNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, r := range t.Regions {
		if !seen[r] {
			seen[r] = true
			names = append(names, r)
		}
	}
	sort.Strings(names)
	return names
}

// RegionRows returns row indices grouped by region, each group ordered by
// date (stable for equal dates).
func (t *Table) RegionRows() map[string][]int {
	groups := make(map[string][]int)
	for i, r := range t.Regions {
		groups[r] = append(groups[r], i)
	}
	if t.Dates != nil {
		for _, idx := range groups {
			sort.SliceStable(idx, func(a, b int) bool {
				return t.Dates[idx[a]].Before(t.Dates[idx[b]])
			})
		}
	}
	return groups
}

// SortedIndex returns row indices ordered by (region, date).
func (t *Table) SortedIndex() []int {
	idx := make([]int, t.Len())
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		i, j := idx[a], idx[b]
		if t.Regions != nil && t.Regions[i] != t.Regions[j] {
			return t.Regions[i] < t.Regions[j]
		}
		if t.Dates != nil {
			return t.Dates[i].Before(t.Dates[j])
		}
		return false
	})
	return idx
}

func nanSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

// DateKey normalizes a date to a comparable day key.
func DateKey(d time.Time) string {
	return d.UTC().Format(time.DateOnly)
}
