// Package training runs the end-to-end batch: split each region into a
// training slice and a held-out test slice, train every strategy, forecast
// each horizon, then score and risk-assess the forecasts.
package training

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/lox/outbreakcast/internal/evaluate"
	"github.com/lox/outbreakcast/internal/forecast"
	"github.com/lox/outbreakcast/internal/ingest"
	"github.com/lox/outbreakcast/internal/metrics"
	"github.com/lox/outbreakcast/internal/models"
	"github.com/lox/outbreakcast/internal/pipeline"
	"github.com/lox/outbreakcast/internal/risk"
	"github.com/lox/outbreakcast/internal/store"
)

const DefaultTestSize = 30

// ErrNoRegions is returned when no region has enough rows to hold out a
// test slice.
var ErrNoRegions = errors.New("no region has enough data")

type Options struct {
	// DataPath is an aligned CSV. When empty the stored aligned table is
	// used, and when that is empty too the pipeline runs over DataDir.
	DataPath string
	DataDir  string

	ModelDir  string
	OutputDir string

	Target          string
	Horizons        []int
	TestSize        int
	ThresholdFactor float64
}

func (o *Options) setDefaults() {
	if o.Target == "" {
		o.Target = risk.DefaultTarget
	}
	if len(o.Horizons) == 0 {
		o.Horizons = []int{7, 14}
	}
	if o.TestSize <= 0 {
		o.TestSize = DefaultTestSize
	}
	if o.ThresholdFactor == 0 {
		o.ThresholdFactor = risk.DefaultThresholdFactor
	}
	if o.ModelDir == "" {
		o.ModelDir = "models"
	}
	if o.OutputDir == "" {
		o.OutputDir = "."
	}
}

// HorizonResult holds the outputs of one forecast horizon.
type HorizonResult struct {
	Horizon     int
	Points      []models.ForecastPoint
	Evaluations map[string][]models.EvaluationRecord // by model
	Risk        []models.RiskRecord
}

// Summary describes a completed run.
type Summary struct {
	RunID    string
	Regions  []string
	Skipped  []string
	Failures []store.Failure
	Horizons []HorizonResult
	Duration time.Duration
}

type Driver struct {
	engine   *forecast.Engine
	store    *store.Store
	pipeline *pipeline.Pipeline
	clock    clockwork.Clock
	log      zerolog.Logger
}

func NewDriver(engine *forecast.Engine, st *store.Store, clock clockwork.Clock, log zerolog.Logger) *Driver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Driver{
		engine:   engine,
		store:    st,
		pipeline: pipeline.New(st, log),
		clock:    clock,
		log:      log.With().Str("component", "training").Logger(),
	}
}

func (d *Driver) loadData(ctx context.Context, opts Options) (*models.Table, error) {
	if opts.DataPath != "" {
		d.log.Info().Str("path", opts.DataPath).Msg("loading aligned data from file")
		return ingest.ReadTableCSV(opts.DataPath)
	}
	t, err := d.store.LoadAligned(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stored aligned data: %w", err)
	}
	if t.Len() > 0 {
		d.log.Info().Int("rows", t.Len()).Msg("loaded aligned data from store")
		return t, nil
	}
	d.log.Info().Str("dir", opts.DataDir).Msg("no aligned data stored, running pipeline")
	return d.pipeline.Run(ctx, pipeline.Options{DataDir: opts.DataDir})
}

// Split holds each region's last testSize rows out for evaluation. Regions
// with testSize rows or fewer are skipped.
func Split(t *models.Table, testSize int) (train, test *models.Table, regions, skipped []string) {
	groups := t.RegionRows()
	var trainIdx, testIdx []int
	for _, r := range t.RegionNames() {
		idx := groups[r]
		if len(idx) <= testSize {
			skipped = append(skipped, r)
			continue
		}
		cut := len(idx) - testSize
		trainIdx = append(trainIdx, idx[:cut]...)
		testIdx = append(testIdx, idx[cut:]...)
		regions = append(regions, r)
	}
	return t.Take(trainIdx), t.Take(testIdx), regions, skipped
}

// Run executes one training batch. Per-region failures are recorded and
// never abort the run; the returned error is for fatal problems only.
func (d *Driver) Run(ctx context.Context, opts Options) (*Summary, error) {
	opts.setDefaults()
	start := d.clock.Now()

	data, err := d.loadData(ctx, opts)
	if err != nil {
		return nil, err
	}
	if !data.HasDate() {
		return nil, &models.SchemaError{Op: "train", Column: models.ColDate}
	}
	if !data.HasRegion() {
		return nil, &models.SchemaError{Op: "train", Column: models.ColRegion}
	}
	if !data.HasColumn(opts.Target) {
		return nil, &models.SchemaError{Op: "train", Column: opts.Target}
	}

	train, test, regions, skipped := Split(data, opts.TestSize)
	for _, r := range skipped {
		d.log.Warn().Str("region", r).Int("test_size", opts.TestSize).Msg("not enough data for region, skipping")
	}
	if len(regions) == 0 {
		return nil, ErrNoRegions
	}

	run, err := d.store.StartRun(ctx, opts.Target, opts.Horizons)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	log := d.log.With().Str("run_id", run.ID).Logger()
	log.Info().Int("regions", len(regions)).Ints("horizons", opts.Horizons).Msg("training run started")

	summary, err := d.execute(ctx, run, train, test, opts, log)
	run.Regions = len(regions)
	if summary != nil {
		run.Failures = len(summary.Failures)
	}
	run.Success = err == nil
	if err != nil {
		run.ErrorMessage.String, run.ErrorMessage.Valid = err.Error(), true
	}
	if ferr := d.store.FinishRun(context.WithoutCancel(ctx), run); ferr != nil {
		log.Error().Err(ferr).Msg("failed to record run outcome")
	}
	if err != nil {
		return nil, err
	}

	summary.RunID = run.ID
	summary.Regions = regions
	summary.Skipped = skipped
	summary.Duration = d.clock.Since(start)
	log.Info().
		Int("failures", len(summary.Failures)).
		Dur("duration", summary.Duration).
		Msg("training run complete")
	return summary, nil
}

func (d *Driver) execute(ctx context.Context, run *store.TrainingRun, train, test *models.Table, opts Options, log zerolog.Logger) (*Summary, error) {
	summary := &Summary{}

	report, err := d.engine.Train(ctx, train, opts.Target)
	if err != nil {
		return nil, err
	}
	summary.Failures = append(summary.Failures, failures(report)...)

	assessor := risk.NewAssessor(opts.Target)
	for _, h := range opts.Horizons {
		points, frep, err := d.engine.Forecast(ctx, train, h)
		if err != nil {
			return summary, err
		}
		summary.Failures = append(summary.Failures, failures(frep)...)

		hr := HorizonResult{Horizon: h, Points: points, Evaluations: make(map[string][]models.EvaluationRecord)}
		for model, pts := range byModel(points) {
			scores, err := evaluate.Evaluate(test, pts, opts.Target, models.ColForecast)
			if err != nil {
				return summary, err
			}
			recs := evaluate.Summarize(scores)
			hr.Evaluations[model] = recs
			if err := d.store.SaveEvaluations(ctx, run.ID, model, h, recs); err != nil {
				return summary, fmt.Errorf("save evaluations: %w", err)
			}
		}

		if hr.Risk, err = assessor.Assess(points, train, opts.ThresholdFactor); err != nil {
			return summary, err
		}
		for _, r := range hr.Risk {
			metrics.RiskProbability.WithLabelValues(r.Region, r.Model).Set(r.RiskProbability)
		}

		if err := d.store.SaveForecasts(ctx, run.ID, h, points); err != nil {
			return summary, fmt.Errorf("save forecasts: %w", err)
		}
		if err := d.store.SaveRisk(ctx, run.ID, h, hr.Risk); err != nil {
			return summary, fmt.Errorf("save risk: %w", err)
		}

		path := filepath.Join(opts.OutputDir, fmt.Sprintf("forecast_%dday.csv", h))
		if err := store.WriteForecastCSV(path, points); err != nil {
			return summary, fmt.Errorf("write forecasts: %w", err)
		}
		riskPath := filepath.Join(opts.OutputDir, fmt.Sprintf("risk_%dday.csv", h))
		if err := store.WriteRiskCSV(riskPath, hr.Risk); err != nil {
			return summary, fmt.Errorf("write risk: %w", err)
		}
		log.Info().Int("horizon", h).Int("points", len(points)).Int("assessments", len(hr.Risk)).Msg("horizon complete")
		summary.Horizons = append(summary.Horizons, hr)
	}

	if err := d.engine.Save(opts.ModelDir); err != nil {
		return summary, fmt.Errorf("save models: %w", err)
	}
	if err := d.store.RecordFailures(ctx, run.ID, summary.Failures); err != nil {
		return summary, fmt.Errorf("record failures: %w", err)
	}
	return summary, nil
}

// failures converts failed results to store records. Regions skipped at
// forecast time only because training already failed are not repeated.
func failures(rep *forecast.Report) []store.Failure {
	var out []store.Failure
	for _, res := range rep.Failed() {
		if errors.Is(res.Err, forecast.ErrNotTrained) {
			continue
		}
		out = append(out, store.Failure{
			Model:   string(res.Model),
			Region:  res.Region,
			Stage:   string(res.Stage),
			Reason:  res.Reason(),
			Message: res.Err.Error(),
		})
	}
	return out
}

func byModel(points []models.ForecastPoint) map[string][]models.ForecastPoint {
	out := make(map[string][]models.ForecastPoint)
	for _, p := range points {
		out[p.Model] = append(out[p.Model], p)
	}
	return out
}

// Models returns the model names of a horizon result in sorted order.
func (h HorizonResult) Models() []string {
	names := make([]string, 0, len(h.Evaluations))
	for m := range h.Evaluations {
		names = append(names, m)
	}
	sort.Strings(names)
	return names
}
