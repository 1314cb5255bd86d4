package main

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCases(t *testing.T, dir string) {
	t.Helper()
	var b strings.Builder
	b.WriteString("date,region,cases\n")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, region := range []string{"North", "South"} {
		for i := 0; i < 60; i++ {
			v := 40 + 8*math.Sin(2*math.Pi*float64(i)/7) + 0.3*float64(i)
			fmt.Fprintf(&b, "%s,%s,%.1f\n", start.AddDate(0, 0, i).Format(time.DateOnly), region, v)
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "case_counts.csv"), []byte(b.String()), 0o644))
}

func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()
	writeCases(t, dir)
	cfgPath := filepath.Join(dir, "outbreakcast.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("arima: {p: 1, d: 0, q: 0}\nengine: {models: [ARIMA]}\n"), 0o644))

	global := []string{
		"--db", filepath.Join(dir, "db", "outbreakcast.db"),
		"--data-dir", dir,
		"--config", cfgPath,
		"--log-format", "json",
		"--metrics-file", filepath.Join(dir, "metrics.prom"),
	}
	invoke := func(args ...string) string {
		t.Helper()
		var stdout, stderr bytes.Buffer
		code := run(append(append([]string{}, global...), args...), &stdout, &stderr)
		require.Equal(t, 0, code, stderr.String())
		return stdout.String()
	}

	assert.Contains(t, invoke("pipeline"), "aligned 120 rows across 2 regions")

	out := invoke("train", "--horizons", "7", "--model-dir", filepath.Join(dir, "models"), "--output-dir", filepath.Join(dir, "out"))
	assert.Contains(t, out, "2 regions trained")
	assert.Contains(t, out, "ARIMA")
	_, err := os.Stat(filepath.Join(dir, "out", "forecast_7day.csv"))
	assert.NoError(t, err)

	out = invoke("risk", "--horizon", "7", "--threshold-factor", "2")
	assert.Contains(t, out, "threshold factor 2.00")
	assert.Contains(t, out, "North")

	out = invoke("bulletin", "--horizon", "7", "--min-probability", "0", "--openai-key", "", "--cache-dir", filepath.Join(dir, "bulletins"))
	assert.Contains(t, out, "ALERT: North has a")

	metrics, err := os.ReadFile(filepath.Join(dir, "metrics.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "outbreakcast_regions_trained_total")
}

func TestRiskWithoutRun(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	code := run([]string{"--db", filepath.Join(dir, "x.db"), "--log-format", "json", "risk"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "no stored run")
}

func TestInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("recurrent: {sequence_length: 1}\n"), 0o644))

	var stdout, stderr bytes.Buffer
	code := run([]string{"--config", cfgPath, "--log-format", "json", "pipeline"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "sequence_length")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(&buf, "warn", "json")
	require.NoError(t, err)
	log.Info().Msg("hidden")
	log.Warn().Str("region", "North").Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"region":"North"`)

	_, err = newLogger(&buf, "loud", "json")
	assert.Error(t, err)
}
