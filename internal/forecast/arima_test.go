package forecast

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trendValues(n int) []float64 {
	rng := rand.New(rand.NewSource(3))
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = 100 + 2*float64(i) + 3*math.Sin(0.7*float64(i)) + rng.NormFloat64()
	}
	return vals
}

func TestARIMAFollowsTrend(t *testing.T) {
	vals := trendValues(120)
	s := fromValues("A", vals)

	m, err := NewARIMA(5, 1, 1).Fit(context.Background(), s)
	require.NoError(t, err)

	steps, err := m.Forecast(context.Background(), s, 7)
	require.NoError(t, err)
	require.Len(t, steps, 7)
	for h, st := range steps {
		want := 100 + 2*float64(120+h)
		assert.InDelta(t, want, st.Value, 20, "step %d", h+1)
		assert.False(t, st.Lower.Valid, "ARIMA has no interval")
	}
	assert.Greater(t, steps[6].Value, steps[0].Value, "drift carried forward")
}

func TestARIMAMeanReversion(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	vals := make([]float64, 300)
	vals[0] = 10
	for i := 1; i < len(vals); i++ {
		vals[i] = 4 + 0.6*vals[i-1] + rng.NormFloat64()
	}
	s := fromValues("A", vals)

	m, err := NewARIMA(1, 0, 0).Fit(context.Background(), s)
	require.NoError(t, err)
	am := m.(*arimaModel)
	assert.InDelta(t, 0.6, am.AR[0], 0.15)

	steps, err := m.Forecast(context.Background(), s, 50)
	require.NoError(t, err)
	assert.InDelta(t, 10, steps[49].Value, 1.5, "long horizon reverts to the process mean")
}

func TestARIMAWhiteNoiseForecastsMean(t *testing.T) {
	vals := make([]float64, 40)
	for i := range vals {
		vals[i] = 5 + float64(i%2)
	}
	s := fromValues("A", vals)

	m, err := NewARIMA(0, 0, 0).Fit(context.Background(), s)
	require.NoError(t, err)
	steps, err := m.Forecast(context.Background(), s, 3)
	require.NoError(t, err)
	for _, st := range steps {
		assert.InDelta(t, 5.5, st.Value, 1e-9)
	}
}

func TestARIMAFitErrors(t *testing.T) {
	tests := []struct {
		name string
		vals []float64
		want error
	}{
		{"too short", trendValues(20), ErrInsufficientData},
		{"non-finite target", append(trendValues(60), math.NaN()), ErrTrainingFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewARIMA(5, 1, 1).Fit(context.Background(), fromValues("A", tt.vals))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestARIMAConstantSeries(t *testing.T) {
	ramp := make([]float64, 100)
	for i := range ramp {
		ramp[i] = 10 + 2*float64(i)
	}
	tests := []struct {
		name  string
		arima *ARIMA
		vals  []float64
		want  []float64
	}{
		{"constant level", NewARIMA(5, 1, 1), repeat(20, 100), []float64{20, 20, 20}},
		{"all zero", NewARIMA(5, 1, 1), repeat(0, 100), []float64{0, 0, 0}},
		{"constant without differencing", NewARIMA(2, 0, 1), repeat(7, 60), []float64{7, 7, 7}},
		{"straight line", NewARIMA(5, 1, 1), ramp, []float64{210, 212, 214}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := fromValues("A", tt.vals)
			m, err := tt.arima.Fit(context.Background(), s)
			require.NoError(t, err)

			steps, err := m.Forecast(context.Background(), s, len(tt.want))
			require.NoError(t, err)
			for i, st := range steps {
				assert.InDelta(t, tt.want[i], st.Value, 1e-9, "step %d", i+1)
			}

			dir := t.TempDir()
			require.NoError(t, tt.arima.Save(dir, map[string]RegionModel{"A": m}))
			_, err = tt.arima.Load(dir)
			require.NoError(t, err)
		})
	}
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestARIMAForecastDoesNotMutateModel(t *testing.T) {
	s := fromValues("A", trendValues(80))
	m, err := NewARIMA(5, 1, 1).Fit(context.Background(), s)
	require.NoError(t, err)

	first, err := m.Forecast(context.Background(), s, 14)
	require.NoError(t, err)
	second, err := m.Forecast(context.Background(), s, 14)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestARIMAMultiStepIsNativeProjection(t *testing.T) {
	s := fromValues("A", trendValues(80))
	m, err := NewARIMA(5, 1, 1).Fit(context.Background(), s)
	require.NoError(t, err)

	short, err := m.Forecast(context.Background(), s, 7)
	require.NoError(t, err)
	long, err := m.Forecast(context.Background(), s, 14)
	require.NoError(t, err)
	assert.Equal(t, short, long[:7], "a longer horizon extends the same path")
}

func TestARIMASaveLoad(t *testing.T) {
	dir := t.TempDir()
	a := NewARIMA(5, 1, 1)
	s := fromValues("North", trendValues(80))
	m, err := a.Fit(context.Background(), s)
	require.NoError(t, err)

	require.NoError(t, a.Save(dir, map[string]RegionModel{"North": m}))
	assert.FileExists(t, filepath.Join(dir, arimaFile))

	loaded, err := a.Load(dir)
	require.NoError(t, err)
	require.Contains(t, loaded, "North")

	want, _ := m.Forecast(context.Background(), s, 7)
	got, err := loaded["North"].Forecast(context.Background(), s, 7)
	require.NoError(t, err)
	for i := range want {
		assert.InDelta(t, want[i].Value, got[i].Value, 1e-9)
	}
}

func TestDifference(t *testing.T) {
	assert.Equal(t, []float64{2, 3}, difference([]float64{1, 3, 6}))
	assert.Nil(t, difference([]float64{1}))
}
