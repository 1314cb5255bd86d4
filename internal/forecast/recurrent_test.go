package forecast

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecurrentInsufficientWindows(t *testing.T) {
	tb := synthetic(nil, "A", 23, 1) // 23 - 14 = 9 windows
	_, err := smallRecurrent().Fit(context.Background(), seriesOf(tb, "A"))
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestRecurrentFitAndForecast(t *testing.T) {
	tb := synthetic(nil, "A", 90, 1)
	s := seriesOf(tb, "A")
	r := smallRecurrent()

	m, err := r.Fit(context.Background(), s)
	require.NoError(t, err)
	rm := m.(*recurrentModel)
	assert.Equal(t, target, rm.Target)
	assert.Equal(t, []string{"weather_temperature"}, rm.Features)

	steps, err := m.Forecast(context.Background(), s, 14)
	require.NoError(t, err)
	require.Len(t, steps, 14)
	for _, st := range steps {
		assert.False(t, math.IsNaN(st.Value))
		assert.False(t, st.Lower.Valid)
	}
}

func TestRecurrentDeterministic(t *testing.T) {
	tb := synthetic(nil, "A", 60, 2)
	s := seriesOf(tb, "A")

	m1, err := smallRecurrent().Fit(context.Background(), s)
	require.NoError(t, err)
	m2, err := smallRecurrent().Fit(context.Background(), s)
	require.NoError(t, err)

	f1, err := m1.Forecast(context.Background(), s, 7)
	require.NoError(t, err)
	f2, err := m2.Forecast(context.Background(), s, 7)
	require.NoError(t, err)
	assert.Equal(t, f1, f2)
}

func TestRecurrentForecastNeedsFullWindow(t *testing.T) {
	tb := synthetic(nil, "A", 60, 2)
	m, err := smallRecurrent().Fit(context.Background(), seriesOf(tb, "A"))
	require.NoError(t, err)

	short := synthetic(nil, "A", 5, 2)
	_, err = m.Forecast(context.Background(), seriesOf(short, "A"), 7)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestRecurrentCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := smallRecurrent().Fit(ctx, seriesOf(synthetic(nil, "A", 60, 2), "A"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecurrentSaveLoad(t *testing.T) {
	dir := t.TempDir()
	r := smallRecurrent()
	s := seriesOf(synthetic(nil, "North/East", 60, 4), "North/East")
	m, err := r.Fit(context.Background(), s)
	require.NoError(t, err)

	require.NoError(t, r.Save(dir, map[string]RegionModel{"North/East": m}))
	assert.FileExists(t, filepath.Join(dir, lstmDir, lstmScalerFile))
	assert.FileExists(t, filepath.Join(dir, lstmDir, "North%2FEast"+lstmSuffix))

	loaded, err := r.Load(dir)
	require.NoError(t, err)
	require.Contains(t, loaded, "North/East")

	want, _ := m.Forecast(context.Background(), s, 7)
	got, err := loaded["North/East"].Forecast(context.Background(), s, 7)
	require.NoError(t, err)
	for i := range want {
		assert.InDelta(t, want[i].Value, got[i].Value, 1e-9)
	}
}

func TestRecurrentLoadSkipsModelWithoutScaler(t *testing.T) {
	dir := t.TempDir()
	r := smallRecurrent()
	tb := synthetic(nil, "A", 60, 4)
	synthetic(tb, "B", 60, 5)
	ma, err := r.Fit(context.Background(), seriesOf(tb, "A"))
	require.NoError(t, err)
	mb, err := r.Fit(context.Background(), seriesOf(tb, "B"))
	require.NoError(t, err)
	require.NoError(t, r.Save(dir, map[string]RegionModel{"A": ma, "B": mb}))

	scalers := map[string]*MinMaxScaler{"A": ma.(*recurrentModel).Scaler}
	require.NoError(t, writeJSON(filepath.Join(dir, lstmDir, lstmScalerFile), scalers))

	loaded, err := r.Load(dir)
	require.NoError(t, err)
	assert.Contains(t, loaded, "A")
	assert.NotContains(t, loaded, "B")
}

func TestRecurrentSaveDropsRegionsFromEarlierSave(t *testing.T) {
	dir := t.TempDir()
	r := smallRecurrent()
	tb := synthetic(nil, "A", 60, 4)
	synthetic(tb, "B", 60, 5)
	ma, err := r.Fit(context.Background(), seriesOf(tb, "A"))
	require.NoError(t, err)
	mb, err := r.Fit(context.Background(), seriesOf(tb, "B"))
	require.NoError(t, err)

	require.NoError(t, r.Save(dir, map[string]RegionModel{"A": ma, "B": mb}))
	require.NoError(t, r.Save(dir, map[string]RegionModel{"A": ma}))

	assert.NoFileExists(t, filepath.Join(dir, lstmDir, "B"+lstmSuffix))
	assert.NoDirExists(t, filepath.Join(dir, lstmDir+".tmp"))
	loaded, err := r.Load(dir)
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
	assert.Contains(t, loaded, "A")
}
