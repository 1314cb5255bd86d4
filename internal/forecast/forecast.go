// Package forecast trains and runs per-region forecasting models.
//
// Three strategies are supported: ARIMA on the target series alone, a
// multiplicative seasonal decomposition with weather and wastewater
// regressors, and a recurrent LSTM over a sliding window of all features.
// An Engine owns one model per (strategy, region) and runs training and
// forecasting for each region as an isolated job.
package forecast

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/lox/outbreakcast/internal/models"
)

// Kind identifies a forecasting strategy. Its value is the model label used
// in forecast output.
type Kind string

const (
	KindARIMA    Kind = "ARIMA"
	KindSeasonal Kind = "Seasonal"
	KindLSTM     Kind = "LSTM"
)

var (
	ErrTrainingFailure  = errors.New("training failure")
	ErrInsufficientData = errors.New("insufficient data")
	ErrForecastFailure  = errors.New("forecast failure")
	ErrNotTrained       = errors.New("region not trained")
)

// Series is the date-ordered slice of the aligned table for one region.
type Series struct {
	Region string
	Target string
	Rows   *models.Table
}

func (s *Series) Len() int { return s.Rows.Len() }

// Values returns a column of the region's rows.
func (s *Series) Values(col string) ([]float64, bool) {
	return s.Rows.Column(col)
}

// LastDate returns the date of the final row, or the zero time when empty.
func (s *Series) LastDate() time.Time {
	if s.Rows.Len() == 0 || !s.Rows.HasDate() {
		return time.Time{}
	}
	return s.Rows.Dates[s.Rows.Len()-1]
}

// targetValues returns the training target, rejecting missing or
// non-finite values.
func (s *Series) targetValues() ([]float64, error) {
	y, ok := s.Values(s.Target)
	if !ok {
		return nil, fmt.Errorf("%w: target column %q absent", ErrTrainingFailure, s.Target)
	}
	for i, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite target at row %d", ErrTrainingFailure, i)
		}
	}
	return y, nil
}

// Step is one projected value. Lower and Upper are set only by strategies
// that produce an interval.
type Step struct {
	Value float64
	Lower sql.NullFloat64
	Upper sql.NullFloat64
}

// Strategy fits region models and persists them.
type Strategy interface {
	Kind() Kind
	Fit(ctx context.Context, s *Series) (RegionModel, error)
	Save(dir string, models map[string]RegionModel) error
	// Load returns an error wrapping fs.ErrNotExist when nothing was saved.
	Load(dir string) (map[string]RegionModel, error)
}

// RegionModel is a trained model for one region. Forecast must not mutate
// the model.
type RegionModel interface {
	Forecast(ctx context.Context, s *Series, horizon int) ([]Step, error)
}

// State is the lifecycle state of one (strategy, region) model.
type State string

const (
	StateUntrained State = "untrained"
	StateTraining  State = "training"
	StateTrained   State = "trained"
)

type Stage string

const (
	StageTrain    Stage = "train"
	StageForecast Stage = "forecast"
)

// Result is the outcome of one per-region job.
type Result struct {
	Region   string
	Model    Kind
	Stage    Stage
	Points   int
	Duration time.Duration
	Err      error
}

func (r Result) OK() bool { return r.Err == nil }

// Reason classifies a failed result for metrics and storage.
func (r Result) Reason() string {
	switch {
	case r.Err == nil:
		return ""
	case errors.Is(r.Err, ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(r.Err, ErrNotTrained):
		return "not_trained"
	case errors.Is(r.Err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(r.Err, context.Canceled):
		return "canceled"
	case errors.Is(r.Err, ErrTrainingFailure):
		return "training_failure"
	case errors.Is(r.Err, ErrForecastFailure):
		return "forecast_failure"
	}
	return "error"
}

// Report collects the per-region results of a batch.
type Report struct {
	Results []Result
}

func (r *Report) add(res Result) {
	r.Results = append(r.Results, res)
}

func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.OK() {
			out = append(out, res)
		}
	}
	return out
}

func (r *Report) Succeeded() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.OK() {
			out = append(out, res)
		}
	}
	return out
}

// Err aggregates every failed result, or returns nil.
func (r *Report) Err() error {
	var result *multierror.Error
	for _, res := range r.Failed() {
		result = multierror.Append(result, fmt.Errorf("%s/%s %s: %w", res.Model, res.Region, res.Stage, res.Err))
	}
	return result.ErrorOrNil()
}
