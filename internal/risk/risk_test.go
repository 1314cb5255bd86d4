package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/outbreakcast/internal/models"
)

func day(n int) time.Time {
	return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func pastCases(region string, vals ...float64) *models.Table {
	tb := models.NewTable(DefaultTarget)
	for i, v := range vals {
		tb.AppendRow(day(i), region, map[string]float64{DefaultTarget: v})
	}
	return tb
}

func forecast(region, model string, vals ...float64) []models.ForecastPoint {
	out := make([]models.ForecastPoint, len(vals))
	for i, v := range vals {
		out[i] = models.ForecastPoint{Date: day(100 + i), Region: region, Model: model, Horizon: i + 1, Value: v}
	}
	return out
}

func TestAssessConstantHistory(t *testing.T) {
	vals := make([]float64, 100)
	for i := range vals {
		vals[i] = 20
	}
	recs, err := NewAssessor("").Assess(forecast("A", "ARIMA", 21, 25, 19), pastCases("A", vals...), DefaultThresholdFactor)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	r := recs[0]
	assert.Equal(t, 0.0, r.HistoricalStd)
	assert.Equal(t, 0.5, r.RiskProbability)
	assert.Equal(t, models.RiskMedium, r.RiskLevel)
	assert.Equal(t, 20.0, r.OutbreakThreshold)
}

func TestAssessHighRisk(t *testing.T) {
	recs, err := NewAssessor("").Assess(forecast("B", "LSTM", 70, 90, 80), pastCases("B", 40, 50, 60), 1.5)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	r := recs[0]
	assert.Equal(t, "B", r.Region)
	assert.Equal(t, "LSTM", r.Model)
	assert.InDelta(t, 50, r.HistoricalAvg, 1e-12)
	assert.InDelta(t, 10, r.HistoricalStd, 1e-12)
	assert.InDelta(t, 65, r.OutbreakThreshold, 1e-12)
	assert.Equal(t, 90.0, r.MaxForecast)
	assert.Equal(t, 1.0, r.RiskProbability)
	assert.Equal(t, models.RiskHigh, r.RiskLevel)
}

func TestAssessPerModelAndSkipsRegionsWithoutHistory(t *testing.T) {
	fc := append(forecast("A", "ARIMA", 10), forecast("A", "Seasonal", 12)...)
	fc = append(fc, forecast("Z", "ARIMA", 99)...)

	recs, err := NewAssessor("").Assess(fc, pastCases("A", 8, 10, 12), 1.5)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "ARIMA", recs[0].Model)
	assert.Equal(t, "Seasonal", recs[1].Model)
}

func TestAssessEmptyInput(t *testing.T) {
	recs, err := NewAssessor("").Assess(nil, pastCases("A", 1, 2), 1.5)
	require.NoError(t, err)
	assert.Empty(t, recs)

	recs, err = NewAssessor("").Assess(forecast("A", "ARIMA", 1), models.NewTable(DefaultTarget), 1.5)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestAssessSingleActualHasZeroSpread(t *testing.T) {
	recs, err := NewAssessor("").Assess(forecast("A", "ARIMA", 100), pastCases("A", 5), 1.5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 0.5, recs[0].RiskProbability)
}

func TestAssessMissingTarget(t *testing.T) {
	_, err := NewAssessor("wastewater_viral_load").Assess(forecast("A", "ARIMA", 1), pastCases("A", 1, 2), 1.5)
	var schemaErr *models.SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, "wastewater_viral_load", schemaErr.Column)
}

func TestProbabilityBoundsAndMonotonic(t *testing.T) {
	prev := -1.0
	for peak := -100.0; peak <= 200; peak += 0.5 {
		p := Probability(peak, 50, 10)
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
		assert.GreaterOrEqual(t, p, prev, "non-decreasing at peak %v", peak)
		prev = p
	}
	assert.Equal(t, 0.5, Probability(1e9, 50, 0))
}

func TestLevel(t *testing.T) {
	tests := []struct {
		prob float64
		want models.RiskLevel
	}{
		{0, models.RiskLow},
		{0.39, models.RiskLow},
		{0.4, models.RiskMedium},
		{0.69, models.RiskMedium},
		{0.7, models.RiskHigh},
		{1, models.RiskHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Level(tt.prob), "prob %v", tt.prob)
	}
}

func TestAlerts(t *testing.T) {
	records := []models.RiskRecord{
		{Region: "A", Model: "ARIMA", RiskProbability: 0.2, RiskLevel: models.RiskLow},
		{Region: "A", Model: "LSTM", RiskProbability: 0.75, RiskLevel: models.RiskHigh},
		{Region: "B", Model: "ARIMA", RiskProbability: 0.9, RiskLevel: models.RiskHigh},
		{Region: "C", Model: "Seasonal", RiskProbability: 0.5, RiskLevel: models.RiskMedium},
	}

	peaks := RegionPeaks(records)
	require.Len(t, peaks, 3)
	assert.Equal(t, []string{"B", "A", "C"}, []string{peaks[0].Region, peaks[1].Region, peaks[2].Region})
	assert.Equal(t, "LSTM", peaks[1].Model)

	alerts := Alerts(records, 0.7, 14)
	require.Len(t, alerts, 2)
	assert.Equal(t, "B", alerts[0].Region)
	assert.Equal(t, "ALERT: A has a 75.0% probability of outbreak in the next 14 days!", alerts[1].Message())
}
