package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/outbreakcast/internal/ingest"
	"github.com/lox/outbreakcast/internal/store"
)

func writeSources(t *testing.T, dir string) {
	t.Helper()
	files := map[string]string{
		ingest.Cases.File: "date,region,cases\n" +
			"2024-01-01,North,10\n2024-01-02,North,12\n2024-01-03,North,\n" +
			"2024-01-01,South,3\n2024-01-02,South,4\n",
		ingest.Weather.File: "date,region,temperature,humidity,precipitation\n" +
			"2024-01-01,North,21,60,0\n2024-01-03,North,23,55,1.5\n",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	writeSources(t, dir)

	st, err := store.Open(":memory:", clockwork.NewFakeClock(), zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, err := New(st, zerolog.Nop()).Run(context.Background(), Options{DataDir: dir})
	require.NoError(t, err)

	assert.Equal(t, 5, got.Len())
	for _, c := range []string{"cases_cases", "weather_temperature", "weather_humidity", "day_of_week", "day_of_year_cos"} {
		assert.True(t, got.HasColumn(c), c)
	}
	assert.False(t, got.HasColumn("wastewater_viral_load"), "missing source contributes no columns")

	// The gap in North's cases is forward filled.
	assert.Equal(t, 12.0, got.Value("cases_cases", 2))

	_, err = os.Stat(filepath.Join(dir, ProcessedFile))
	require.NoError(t, err)

	back, err := ingest.ReadTableCSV(filepath.Join(dir, ProcessedFile))
	require.NoError(t, err)
	assert.Equal(t, got.Len(), back.Len())
	assert.Equal(t, got.Columns(), back.Columns())

	stored, err := st.LoadAligned(context.Background())
	require.NoError(t, err)
	assert.Equal(t, got.Len(), stored.Len())
}

func TestRunWithoutStore(t *testing.T) {
	dir := t.TempDir()
	writeSources(t, dir)
	out := filepath.Join(t.TempDir(), "aligned.csv")

	_, err := New(nil, zerolog.Nop()).Run(context.Background(), Options{DataDir: dir, OutputPath: out})
	require.NoError(t, err)
	_, err = os.Stat(out)
	assert.NoError(t, err)
}

func TestRunNoData(t *testing.T) {
	_, err := New(nil, zerolog.Nop()).Run(context.Background(), Options{DataDir: t.TempDir()})
	assert.ErrorIs(t, err, ErrNoData)
}
