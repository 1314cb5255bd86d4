package training

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/outbreakcast/internal/forecast"
	"github.com/lox/outbreakcast/internal/ingest"
	"github.com/lox/outbreakcast/internal/models"
	"github.com/lox/outbreakcast/internal/store"
)

const target = "cases_cases"

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func addRegion(t *models.Table, region string, n int, value func(i int) float64) {
	for i := 0; i < n; i++ {
		t.AppendRow(epoch.AddDate(0, 0, i), region, map[string]float64{target: value(i)})
	}
}

func weekly(base float64) func(int) float64 {
	return func(i int) float64 {
		return base + 10*math.Sin(2*math.Pi*float64(i)/7) + 0.2*float64(i)
	}
}

func fixture() *models.Table {
	t := models.NewTable(target)
	addRegion(t, "North", 90, weekly(50))
	addRegion(t, "South", 90, weekly(20))
	addRegion(t, "Quiet", 90, func(int) float64 { return 0 })
	addRegion(t, "Tiny", 20, weekly(5))
	return t
}

type harness struct {
	driver *Driver
	store  *store.Store
	clock  *clockwork.FakeClock
}

func newHarness(t *testing.T, strategies ...forecast.Strategy) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	st, err := store.Open(":memory:", clock, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine := forecast.NewEngine(zerolog.Nop(), forecast.EngineOptions{Workers: 2}, strategies...)
	return &harness{driver: NewDriver(engine, st, clock, zerolog.Nop()), store: st, clock: clock}
}

func TestSplit(t *testing.T) {
	train, test, regions, skipped := Split(fixture(), 30)
	assert.Equal(t, []string{"North", "Quiet", "South"}, regions)
	assert.Equal(t, []string{"Tiny"}, skipped)
	assert.Equal(t, 180, train.Len())
	assert.Equal(t, 90, test.Len())

	north := test.Take(test.RegionRows()["North"])
	assert.Equal(t, epoch.AddDate(0, 0, 60), north.Dates[0])
	assert.Equal(t, epoch.AddDate(0, 0, 59), train.Take(train.RegionRows()["North"]).Dates[59])
}

func TestRunFromStoredData(t *testing.T) {
	h := newHarness(t, forecast.NewARIMA(1, 0, 0), forecast.NewSeasonal(2, 1, 0.95))
	ctx := context.Background()
	require.NoError(t, h.store.SaveAligned(ctx, fixture()))

	out := t.TempDir()
	modelDir := filepath.Join(out, "models")
	sum, err := h.driver.Run(ctx, Options{Horizons: []int{7}, OutputDir: out, ModelDir: modelDir})
	require.NoError(t, err)

	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, []string{"North", "Quiet", "South"}, sum.Regions)
	assert.Equal(t, []string{"Tiny"}, sum.Skipped)
	require.Len(t, sum.Horizons, 1)

	hr := sum.Horizons[0]
	assert.Equal(t, []string{"ARIMA", "Seasonal"}, hr.Models())
	for _, model := range []string{"ARIMA", "Seasonal"} {
		var regions []string
		for _, rec := range hr.Evaluations[model] {
			if rec.Region != "Quiet" && rec.Horizon == 1 {
				regions = append(regions, rec.Region)
			}
		}
		assert.Equal(t, []string{"North", "South"}, regions, model)
	}

	var seasonalQuiet bool
	for _, f := range sum.Failures {
		if f.Model == "Seasonal" && f.Region == "Quiet" {
			seasonalQuiet = true
			assert.Equal(t, "train", f.Stage)
			assert.Equal(t, "training_failure", f.Reason)
		}
	}
	assert.True(t, seasonalQuiet, "seasonal cannot fit an all-zero region")

	stored, err := h.store.RunFailures(ctx, sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, sum.Failures, stored)

	run, err := h.store.GetRun(ctx, sum.RunID)
	require.NoError(t, err)
	assert.True(t, run.Success)
	assert.Equal(t, 3, run.Regions)

	runID, points, err := h.store.LatestForecasts(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, sum.RunID, runID)
	assert.Len(t, points, len(hr.Points))
	for _, p := range points {
		if p.Region == "North" && p.Horizon == 1 {
			assert.Equal(t, epoch.AddDate(0, 0, 60), p.Date, "first step follows the training slice")
		}
		assert.GreaterOrEqual(t, p.Value, 0.0)
	}

	_, risks, err := h.store.LatestRisk(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, hr.Risk, risks)

	for _, name := range []string{"forecast_7day.csv", "risk_7day.csv"} {
		_, err := os.Stat(filepath.Join(out, name))
		assert.NoError(t, err, name)
	}
	_, err = os.Stat(filepath.Join(modelDir, "arima_models.json"))
	assert.NoError(t, err)
}

func TestRunFromCSV(t *testing.T) {
	h := newHarness(t, forecast.NewARIMA(1, 0, 0))
	dir := t.TempDir()
	path := filepath.Join(dir, "processed_data.csv")
	require.NoError(t, store.WriteAlignedCSV(path, fixture()))

	sum, err := h.driver.Run(context.Background(), Options{
		DataPath:  path,
		Horizons:  []int{3, 5},
		OutputDir: dir,
		ModelDir:  filepath.Join(dir, "models"),
	})
	require.NoError(t, err)
	require.Len(t, sum.Horizons, 2)
	assert.Equal(t, 5, sum.Horizons[1].Horizon)
}

func TestRunRunsPipelineWhenNothingStored(t *testing.T) {
	h := newHarness(t, forecast.NewARIMA(1, 0, 0))
	dir := t.TempDir()

	body := "date,region,cases\n"
	for i := 0; i < 45; i++ {
		body += epoch.AddDate(0, 0, i).Format(time.DateOnly) + ",East," + []string{"4", "6", "5", "7", "3"}[i%5] + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, ingest.Cases.File), []byte(body), 0o644))

	sum, err := h.driver.Run(context.Background(), Options{
		DataDir:   dir,
		Horizons:  []int{7},
		OutputDir: dir,
		ModelDir:  filepath.Join(dir, "models"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"East"}, sum.Regions)

	stored, err := h.store.LoadAligned(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 45, stored.Len())
}

func TestRunErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing target", func(t *testing.T) {
		h := newHarness(t, forecast.NewARIMA(1, 0, 0))
		tb := models.NewTable("other")
		tb.AppendRow(epoch, "North", map[string]float64{"other": 1})
		require.NoError(t, h.store.SaveAligned(ctx, tb))

		_, err := h.driver.Run(ctx, Options{OutputDir: t.TempDir()})
		var se *models.SchemaError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, target, se.Column)
	})

	t.Run("no eligible region", func(t *testing.T) {
		h := newHarness(t, forecast.NewARIMA(1, 0, 0))
		tb := models.NewTable(target)
		addRegion(tb, "Tiny", 10, weekly(5))
		require.NoError(t, h.store.SaveAligned(ctx, tb))

		_, err := h.driver.Run(ctx, Options{OutputDir: t.TempDir()})
		assert.ErrorIs(t, err, ErrNoRegions)
	})

	t.Run("missing data file", func(t *testing.T) {
		h := newHarness(t, forecast.NewARIMA(1, 0, 0))
		_, err := h.driver.Run(ctx, Options{DataPath: filepath.Join(t.TempDir(), "nope.csv")})
		assert.ErrorIs(t, err, ingest.ErrSourceMissing)
	})
}
