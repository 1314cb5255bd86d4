package forecast

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lox/outbreakcast/internal/metrics"
	"github.com/lox/outbreakcast/internal/models"
)

// EngineOptions bound per-region work.
type EngineOptions struct {
	// Workers caps concurrent region jobs; 0 means runtime.NumCPU().
	Workers int
	// RegionTimeout bounds each job; 0 means no limit.
	RegionTimeout time.Duration
}

// Engine owns the trained models of each strategy, keyed by region. A
// strategy's model map is replaced as a whole when training completes, so
// a concurrent Forecast sees either the old or the new set.
type Engine struct {
	strategies []Strategy
	opts       EngineOptions
	log        zerolog.Logger

	mu     sync.RWMutex
	models map[Kind]map[string]RegionModel
	states map[Kind]map[string]State
}

func NewEngine(log zerolog.Logger, opts EngineOptions, strategies ...Strategy) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Engine{
		strategies: strategies,
		opts:       opts,
		log:        log.With().Str("component", "engine").Logger(),
		models:     make(map[Kind]map[string]RegionModel),
		states:     make(map[Kind]map[string]State),
	}
}

func (e *Engine) Strategies() []Kind {
	kinds := make([]Kind, len(e.strategies))
	for i, s := range e.strategies {
		kinds[i] = s.Kind()
	}
	return kinds
}

// State reports the lifecycle state of one region model.
func (e *Engine) State(kind Kind, region string) State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st, ok := e.states[kind][region]; ok {
		return st
	}
	return StateUntrained
}

// Regions returns the regions with a trained model for kind.
func (e *Engine) Regions(kind Kind) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.models[kind]))
	for r := range e.models[kind] {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) setState(kind Kind, region string, st State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.states[kind] == nil {
		e.states[kind] = make(map[string]State)
	}
	e.states[kind][region] = st
}

func (e *Engine) model(kind Kind, region string) (RegionModel, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.models[kind][region]
	return m, ok
}

func splitRegions(t *models.Table, op string) (map[string]*models.Table, []string, error) {
	if !t.HasRegion() {
		return nil, nil, &models.SchemaError{Op: op, Column: models.ColRegion}
	}
	if !t.HasDate() {
		return nil, nil, &models.SchemaError{Op: op, Column: models.ColDate}
	}
	groups := t.RegionRows()
	names := t.RegionNames()
	out := make(map[string]*models.Table, len(names))
	for _, r := range names {
		out[r] = t.Take(groups[r])
	}
	return out, names, nil
}

func (e *Engine) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.RegionTimeout > 0 {
		return context.WithTimeout(ctx, e.opts.RegionTimeout)
	}
	return context.WithCancel(ctx)
}

// Train fits every strategy for every region of t. Per-region failures are
// reported in the Report and never stop the batch; the returned error is
// reserved for schema problems.
func (e *Engine) Train(ctx context.Context, t *models.Table, target string) (*Report, error) {
	regions, names, err := splitRegions(t, "train")
	if err != nil {
		return nil, err
	}
	if !t.HasColumn(target) {
		return nil, &models.SchemaError{Op: "train", Column: target}
	}

	type outcome struct {
		kind   Kind
		region string
		model  RegionModel
		result Result
	}
	var (
		mu       sync.Mutex
		outcomes []outcome
	)

	g := new(errgroup.Group)
	g.SetLimit(e.opts.Workers)
	for _, strat := range e.strategies {
		for _, region := range names {
			series := &Series{Region: region, Target: target, Rows: regions[region]}
			g.Go(func() error {
				kind := strat.Kind()
				e.setState(kind, region, StateTraining)

				jobCtx, cancel := e.jobContext(ctx)
				defer cancel()
				start := time.Now()
				m, err := strat.Fit(jobCtx, series)
				res := Result{Region: region, Model: kind, Stage: StageTrain, Duration: time.Since(start), Err: err}

				mu.Lock()
				outcomes = append(outcomes, outcome{kind: kind, region: region, model: m, result: res})
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	report := &Report{}
	fresh := make(map[Kind]map[string]RegionModel, len(e.strategies))
	for _, strat := range e.strategies {
		fresh[strat.Kind()] = make(map[string]RegionModel)
	}
	sort.Slice(outcomes, func(i, j int) bool {
		if outcomes[i].kind != outcomes[j].kind {
			return outcomes[i].kind < outcomes[j].kind
		}
		return outcomes[i].region < outcomes[j].region
	})
	for _, o := range outcomes {
		res := o.result
		report.add(res)
		label := string(o.kind)
		if res.OK() {
			fresh[o.kind][o.region] = o.model
			metrics.RegionsTrained.WithLabelValues(label).Inc()
			metrics.TrainingDuration.WithLabelValues(label).Observe(res.Duration.Seconds())
			continue
		}
		metrics.RegionFailures.WithLabelValues(label, string(StageTrain), res.Reason()).Inc()
		e.log.Warn().Err(res.Err).Str("region", o.region).Str("model", label).Msg("region skipped in training")
	}

	e.mu.Lock()
	for kind, m := range fresh {
		e.models[kind] = m
		states := make(map[string]State, len(m))
		for region := range m {
			states[region] = StateTrained
		}
		e.states[kind] = states
	}
	e.mu.Unlock()

	e.log.Info().
		Int("regions", len(names)).
		Int("trained", len(report.Succeeded())).
		Int("failed", len(report.Failed())).
		Msg("training complete")
	return report, nil
}

// Forecast projects horizon days past the last date of each region in t
// with every trained strategy. Regions without a trained model are skipped
// with an ErrNotTrained result. Points are sorted by model, region and step.
func (e *Engine) Forecast(ctx context.Context, t *models.Table, horizon int) ([]models.ForecastPoint, *Report, error) {
	if horizon < 1 {
		return nil, nil, fmt.Errorf("forecast horizon must be positive, got %d", horizon)
	}
	regions, names, err := splitRegions(t, "forecast")
	if err != nil {
		return nil, nil, err
	}

	type outcome struct {
		points []models.ForecastPoint
		result Result
	}
	var (
		mu       sync.Mutex
		outcomes []outcome
	)
	record := func(o outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(e.opts.Workers)
	for _, strat := range e.strategies {
		kind := strat.Kind()
		for _, region := range names {
			m, ok := e.model(kind, region)
			if !ok {
				record(outcome{result: Result{Region: region, Model: kind, Stage: StageForecast, Err: ErrNotTrained}})
				continue
			}
			series := &Series{Region: region, Rows: regions[region]}
			g.Go(func() error {
				jobCtx, cancel := e.jobContext(ctx)
				defer cancel()
				start := time.Now()
				points, err := forecastRegion(jobCtx, m, kind, series, horizon)
				record(outcome{
					points: points,
					result: Result{Region: region, Model: kind, Stage: StageForecast, Points: len(points), Duration: time.Since(start), Err: err},
				})
				return nil
			})
		}
	}
	_ = g.Wait()

	report := &Report{}
	var points []models.ForecastPoint
	sort.Slice(outcomes, func(i, j int) bool {
		a, b := outcomes[i].result, outcomes[j].result
		if a.Model != b.Model {
			return a.Model < b.Model
		}
		return a.Region < b.Region
	})
	for _, o := range outcomes {
		res := o.result
		report.add(res)
		label := string(res.Model)
		if res.OK() {
			points = append(points, o.points...)
			metrics.ForecastPoints.WithLabelValues(label).Add(float64(len(o.points)))
			continue
		}
		metrics.RegionFailures.WithLabelValues(label, string(StageForecast), res.Reason()).Inc()
		if errors.Is(res.Err, ErrNotTrained) {
			e.log.Debug().Str("region", res.Region).Str("model", label).Msg("no trained model, skipping region")
			continue
		}
		e.log.Warn().Err(res.Err).Str("region", res.Region).Str("model", label).Msg("region skipped in forecast")
	}
	return points, report, nil
}

func forecastRegion(ctx context.Context, m RegionModel, kind Kind, s *Series, horizon int) ([]models.ForecastPoint, error) {
	steps, err := m.Forecast(ctx, s, horizon)
	if err != nil {
		if errors.Is(err, ErrInsufficientData) || errors.Is(err, ErrForecastFailure) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrForecastFailure, err)
	}
	if len(steps) != horizon {
		return nil, fmt.Errorf("%w: got %d steps, want %d", ErrForecastFailure, len(steps), horizon)
	}

	last := s.LastDate()
	points := make([]models.ForecastPoint, horizon)
	for i, st := range steps {
		if math.IsNaN(st.Value) || math.IsInf(st.Value, 0) {
			return nil, fmt.Errorf("%w: non-finite value at step %d", ErrForecastFailure, i+1)
		}
		points[i] = models.ForecastPoint{
			Date:    last.AddDate(0, 0, i+1),
			Region:  s.Region,
			Model:   string(kind),
			Horizon: i + 1,
			Value:   math.Max(0, st.Value),
			Lower:   st.Lower,
			Upper:   st.Upper,
		}
	}
	return points, nil
}

// Save writes every strategy's models under dir.
func (e *Engine) Save(dir string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, strat := range e.strategies {
		kind := strat.Kind()
		if err := strat.Save(dir, e.models[kind]); err != nil {
			return fmt.Errorf("save %s models: %w", kind, err)
		}
		e.log.Info().Str("model", string(kind)).Int("regions", len(e.models[kind])).Str("dir", dir).Msg("saved models")
	}
	return nil
}

// Load restores saved models from dir. A strategy with nothing saved is
// left untouched. Nothing is replaced unless every strategy loads.
func (e *Engine) Load(dir string) error {
	loaded := make(map[Kind]map[string]RegionModel, len(e.strategies))
	for _, strat := range e.strategies {
		kind := strat.Kind()
		m, err := strat.Load(dir)
		if errors.Is(err, fs.ErrNotExist) {
			e.log.Warn().Str("model", string(kind)).Str("dir", dir).Msg("no saved models found")
			continue
		}
		if err != nil {
			return fmt.Errorf("load %s models: %w", kind, err)
		}
		loaded[kind] = m
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for kind, m := range loaded {
		states := make(map[string]State, len(m))
		for region := range m {
			states[region] = StateTrained
		}
		e.models[kind] = m
		e.states[kind] = states
		e.log.Info().Str("model", string(kind)).Int("regions", len(m)).Msg("loaded models")
	}
	return nil
}
