package models

import (
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(n int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func TestAppendRowBackfillsNewColumns(t *testing.T) {
	tb := NewTable("cases")
	tb.AppendRow(day(0), "A", map[string]float64{"cases": 1})
	tb.AppendRow(day(1), "A", map[string]float64{"cases": 2, "temp": 20})

	assert.Equal(t, 2, tb.Len())
	assert.Equal(t, []string{"cases", "temp"}, tb.Columns())

	temp, ok := tb.Column("temp")
	require.True(t, ok)
	assert.True(t, math.IsNaN(temp[0]))
	assert.Equal(t, 20.0, temp[1])
	assert.True(t, math.IsNaN(tb.Value("missing", 0)))
}

func TestRegionRowsOrderedByDate(t *testing.T) {
	tb := NewTable("v")
	tb.AppendRow(day(2), "B", map[string]float64{"v": 3})
	tb.AppendRow(day(1), "A", map[string]float64{"v": 2})
	tb.AppendRow(day(0), "B", map[string]float64{"v": 1})
	tb.AppendRow(day(0), "A", map[string]float64{"v": 0})

	assert.Equal(t, []string{"A", "B"}, tb.RegionNames())
	groups := tb.RegionRows()
	assert.Equal(t, []int{3, 1}, groups["A"])
	assert.Equal(t, []int{2, 0}, groups["B"])
	assert.Equal(t, []int{3, 1, 2, 0}, tb.SortedIndex())

	b := tb.Take(groups["B"])
	vals, _ := b.Column("v")
	assert.Equal(t, []float64{1, 3}, vals)
	assert.Equal(t, []time.Time{day(0), day(2)}, b.Dates)
}

func TestCloneIsDeep(t *testing.T) {
	tb := NewTable("v")
	tb.AppendRow(day(0), "A", map[string]float64{"v": 1})

	cp := tb.Clone()
	vals, _ := cp.Column("v")
	vals[0] = 99
	cp.Regions[0] = "Z"

	assert.Equal(t, 1.0, tb.Value("v", 0))
	assert.Equal(t, "A", tb.Regions[0])
}

func TestKeyColumnsAbsent(t *testing.T) {
	tb := &Table{}
	tb.SetColumn("v", []float64{1, 2, 3})

	assert.False(t, tb.HasDate())
	assert.False(t, tb.HasRegion())
	assert.Equal(t, 3, tb.Len())
	assert.Empty(t, tb.RegionNames())
}

func TestForecastPointColumn(t *testing.T) {
	p := ForecastPoint{Value: 5, Lower: sql.NullFloat64{Float64: 3, Valid: true}}

	tests := []struct {
		col    string
		want   float64
		wantOK bool
	}{
		{ColForecast, 5, true},
		{ColForecastLower, 3, true},
		{ColForecastUpper, 0, false},
		{"cases", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.col, func(t *testing.T) {
			got, ok := p.Column(tt.col)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.False(t, p.HasInterval())
}

func TestSchemaErrorMessage(t *testing.T) {
	assert.Equal(t, `train: missing required column "region"`, (&SchemaError{Op: "train", Column: ColRegion}).Error())
	assert.Equal(t, `schema: missing required column "date"`, (&SchemaError{Column: ColDate}).Error())
}

func TestDateKeyNormalizesZone(t *testing.T) {
	loc := time.FixedZone("plus10", 10*3600)
	assert.Equal(t, "2024-01-01", DateKey(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2023-12-31", DateKey(time.Date(2024, 1, 1, 5, 0, 0, 0, loc)))
}

func TestObservation(t *testing.T) {
	tb := NewTable("temperature", "humidity")
	tb.AppendRow(day(3), "A", map[string]float64{"temperature": 21, "humidity": 60})

	obs := tb.Observation(0, "weather", []string{"temperature", "precipitation"})
	assert.Equal(t, day(3), obs.Date)
	assert.Equal(t, "A", obs.Region)
	assert.Equal(t, "weather", obs.Source)
	assert.Equal(t, map[string]float64{"temperature": 21}, obs.Metrics)
}
