package forecast

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"gonum.org/v1/gonum/stat"
)

const arimaFile = "arima_models.json"

// ARIMA fits an ARIMA(p,d,q) model to the target series of each region.
// Coefficients are estimated by the Hannan-Rissanen two-stage regression:
// a long autoregression supplies innovation estimates, then the differenced
// series is regressed on p own lags and q lagged innovations.
type ARIMA struct {
	P, D, Q int
}

func NewARIMA(p, d, q int) *ARIMA {
	return &ARIMA{P: p, D: d, Q: q}
}

func (a *ARIMA) Kind() Kind { return KindARIMA }

type arimaModel struct {
	P     int       `json:"p"`
	D     int       `json:"d"`
	Q     int       `json:"q"`
	Const float64   `json:"const"`
	AR    []float64 `json:"ar"`
	MA    []float64 `json:"ma"`
	// Tail state at the end of training, oldest first.
	History []float64 `json:"history"`
	Resid   []float64 `json:"resid"`
	// Levels[k] is the last value of the series differenced k times.
	Levels []float64 `json:"levels"`
	Sigma  float64   `json:"sigma"`
}

// longOrder is the autoregression order used to estimate innovations.
func (a *ARIMA) longOrder() int {
	if a.Q == 0 {
		return 0
	}
	return max(a.P+a.Q+1, 10)
}

func (a *ARIMA) minObservations() int {
	return a.D + a.longOrder() + max(a.P, a.Q) + a.P + a.Q + 10
}

func (a *ARIMA) Fit(ctx context.Context, s *Series) (RegionModel, error) {
	y, err := s.targetValues()
	if err != nil {
		return nil, err
	}
	if len(y) < a.minObservations() {
		return nil, fmt.Errorf("%w: %d observations, need %d", ErrInsufficientData, len(y), a.minObservations())
	}

	levels := make([]float64, a.D)
	w := append([]float64(nil), y...)
	for k := 0; k < a.D; k++ {
		levels[k] = w[len(w)-1]
		w = difference(w)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if flat(w) {
		return a.flatModel(w, levels), nil
	}

	innov, err := a.longInnovations(w)
	if err != nil {
		return nil, fmt.Errorf("%w: innovation regression: %v", ErrTrainingFailure, err)
	}

	m := &arimaModel{P: a.P, D: a.D, Q: a.Q, Levels: levels}
	start := a.P
	if a.Q > 0 {
		start = max(a.P, a.longOrder()+a.Q)
	}
	if a.P == 0 && a.Q == 0 {
		m.Const = stat.Mean(w, nil)
	} else {
		ys := make([]float64, 0, len(w)-start)
		xs := make([][]float64, 0, len(w)-start)
		for t := start; t < len(w); t++ {
			row := make([]float64, 0, a.P+a.Q)
			for i := 1; i <= a.P; i++ {
				row = append(row, w[t-i])
			}
			for j := 1; j <= a.Q; j++ {
				row = append(row, innov[t-j])
			}
			ys = append(ys, w[t])
			xs = append(xs, row)
		}
		coef, err := fitOLS(ys, xs)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTrainingFailure, err)
		}
		m.Const = coef[0]
		m.AR = coef[1 : 1+a.P]
		m.MA = coef[1+a.P:]
		shrinkMA(m.MA)
	}

	resid := m.residuals(w)
	for _, e := range resid {
		if math.IsNaN(e) || math.IsInf(e, 0) {
			return nil, fmt.Errorf("%w: residuals diverge", ErrTrainingFailure)
		}
	}
	m.Sigma = stat.PopStdDev(resid[start:], nil)
	m.History = tail(w, a.P)
	m.Resid = tail(resid, a.Q)
	return m, nil
}

// flat reports whether w has no variation left to model.
func flat(w []float64) bool {
	m, sd := stat.PopMeanStdDev(w, nil)
	return sd <= 1e-12*math.Max(1, math.Abs(m))
}

// flatModel projects the constant differenced level forward: the last
// value for a constant series, the same step for a straight line.
func (a *ARIMA) flatModel(w, levels []float64) *arimaModel {
	return &arimaModel{
		P:       a.P,
		D:       a.D,
		Q:       a.Q,
		Const:   w[len(w)-1],
		AR:      make([]float64, a.P),
		MA:      make([]float64, a.Q),
		History: tail(w, a.P),
		Resid:   make([]float64, a.Q),
		Levels:  levels,
	}
}

// longInnovations fits a long autoregression and returns its residuals,
// zero where the lags are not available.
func (a *ARIMA) longInnovations(w []float64) ([]float64, error) {
	innov := make([]float64, len(w))
	k := a.longOrder()
	if k == 0 {
		return innov, nil
	}
	ys := make([]float64, 0, len(w)-k)
	xs := make([][]float64, 0, len(w)-k)
	for t := k; t < len(w); t++ {
		row := make([]float64, k)
		for i := 1; i <= k; i++ {
			row[i-1] = w[t-i]
		}
		ys = append(ys, w[t])
		xs = append(xs, row)
	}
	coef, err := fitOLS(ys, xs)
	if err != nil {
		return nil, err
	}
	for t := k; t < len(w); t++ {
		innov[t] = w[t] - predictLinear(coef, xs[t-k])
	}
	return innov, nil
}

// residuals runs the fitted recursion over w. Rows without a full set of
// lags get a zero residual.
func (m *arimaModel) residuals(w []float64) []float64 {
	e := make([]float64, len(w))
	for t := max(m.P, m.Q); t < len(w); t++ {
		pred := m.Const
		for i, phi := range m.AR {
			pred += phi * w[t-1-i]
		}
		for j, theta := range m.MA {
			pred += theta * e[t-1-j]
		}
		e[t] = w[t] - pred
	}
	return e
}

// Forecast projects horizon steps past the end of the training series.
// The table only anchors the forecast dates; ARIMA has no regressors.
func (m *arimaModel) Forecast(ctx context.Context, _ *Series, horizon int) ([]Step, error) {
	hist := append([]float64(nil), m.History...)
	resid := append([]float64(nil), m.Resid...)
	levels := append([]float64(nil), m.Levels...)

	out := make([]Step, 0, horizon)
	for h := 0; h < horizon; h++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pred := m.Const
		for i, phi := range m.AR {
			pred += phi * hist[len(hist)-1-i]
		}
		for j, theta := range m.MA {
			pred += theta * resid[len(resid)-1-j]
		}
		hist = append(hist, pred)
		resid = append(resid, 0)

		v := pred
		for k := len(levels) - 1; k >= 0; k-- {
			levels[k] += v
			v = levels[k]
		}
		out = append(out, Step{Value: v})
	}
	return out, nil
}

func (a *ARIMA) Save(dir string, models map[string]RegionModel) error {
	out := make(map[string]*arimaModel, len(models))
	for region, rm := range models {
		m, ok := rm.(*arimaModel)
		if !ok {
			return fmt.Errorf("arima save: region %s has %T", region, rm)
		}
		out[region] = m
	}
	return writeJSON(filepath.Join(dir, arimaFile), out)
}

func (a *ARIMA) Load(dir string) (map[string]RegionModel, error) {
	var in map[string]*arimaModel
	if err := readJSON(filepath.Join(dir, arimaFile), &in); err != nil {
		return nil, err
	}
	out := make(map[string]RegionModel, len(in))
	for region, m := range in {
		if len(m.AR) != m.P || len(m.MA) != m.Q || len(m.History) < m.P || len(m.Resid) < m.Q || len(m.Levels) != m.D {
			return nil, fmt.Errorf("arima load: region %s: inconsistent model state", region)
		}
		out[region] = m
	}
	return out, nil
}

// shrinkMA scales the MA coefficients so their absolute sum stays below
// one, which keeps the innovation recursion from diverging.
func shrinkMA(ma []float64) {
	const limit = 0.95
	var sum float64
	for _, t := range ma {
		sum += math.Abs(t)
	}
	if sum < limit {
		return
	}
	for i := range ma {
		ma[i] *= limit / sum
	}
}

func difference(vals []float64) []float64 {
	if len(vals) < 2 {
		return nil
	}
	out := make([]float64, len(vals)-1)
	for i := 1; i < len(vals); i++ {
		out[i-1] = vals[i] - vals[i-1]
	}
	return out
}

func tail(vals []float64, n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	if n > len(vals) {
		n = len(vals)
	}
	return append([]float64(nil), vals[len(vals)-n:]...)
}
