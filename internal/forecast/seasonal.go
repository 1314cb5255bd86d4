package forecast

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const seasonalFile = "seasonal_models.json"

// RegressorNames are the base names of columns used as seasonal regressors.
var RegressorNames = []string{"temperature", "humidity", "precipitation", "viral_load"}

// Seasonal fits trend * (1 + seasonality + regressors) per region, with
// yearly and weekly Fourier terms. Future regressor values are held at
// their last observed value.
type Seasonal struct {
	YearlyOrder   int
	WeeklyOrder   int
	IntervalWidth float64
}

func NewSeasonal(yearlyOrder, weeklyOrder int, intervalWidth float64) *Seasonal {
	return &Seasonal{YearlyOrder: yearlyOrder, WeeklyOrder: weeklyOrder, IntervalWidth: intervalWidth}
}

func (s *Seasonal) Kind() Kind { return KindSeasonal }

type seasonalModel struct {
	TrendIntercept float64   `json:"trend_intercept"`
	TrendSlope     float64   `json:"trend_slope"`
	TrendFloor     float64   `json:"trend_floor"`
	YearlyOrder    int       `json:"yearly_order"`
	WeeklyOrder    int       `json:"weekly_order"`
	Coef           []float64 `json:"coef"`
	Regressors     []string  `json:"regressors"`
	RegMean        []float64 `json:"reg_mean"`
	RegStd         []float64 `json:"reg_std"`
	LastRegressors []float64 `json:"last_regressors"`
	LastDate       time.Time `json:"last_date"`
	Sigma          float64   `json:"sigma"`
	Z              float64   `json:"z"`
	N              int       `json:"n"`
}

// regressorColumns returns the columns matching a regressor base name
// exactly or as a namespaced suffix.
func regressorColumns(columns []string, target string) []string {
	var out []string
	for _, c := range columns {
		if c == target {
			continue
		}
		for _, base := range RegressorNames {
			if c == base || strings.HasSuffix(c, "_"+base) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// dayNumber is the number of days since the Unix epoch, so seasonal phase
// does not depend on where a region's history starts.
func dayNumber(d time.Time) float64 {
	return float64(d.UTC().Unix()) / 86400
}

func (m *seasonalModel) features(d time.Time, regs []float64) []float64 {
	t := dayNumber(d)
	x := make([]float64, 0, 2*(m.YearlyOrder+m.WeeklyOrder)+len(regs))
	for k := 1; k <= m.YearlyOrder; k++ {
		a := 2 * math.Pi * float64(k) * t / 365.25
		x = append(x, math.Sin(a), math.Cos(a))
	}
	for k := 1; k <= m.WeeklyOrder; k++ {
		a := 2 * math.Pi * float64(k) * t / 7
		x = append(x, math.Sin(a), math.Cos(a))
	}
	for j, v := range regs {
		x = append(x, (v-m.RegMean[j])/m.RegStd[j])
	}
	return x
}

func (m *seasonalModel) trend(d time.Time) float64 {
	return math.Max(m.TrendIntercept+m.TrendSlope*dayNumber(d), m.TrendFloor)
}

func (s *Seasonal) Fit(ctx context.Context, series *Series) (RegionModel, error) {
	y, err := series.targetValues()
	if err != nil {
		return nil, err
	}
	if !series.Rows.HasDate() {
		return nil, fmt.Errorf("%w: no date column", ErrTrainingFailure)
	}
	dates := series.Rows.Dates

	m := &seasonalModel{
		YearlyOrder: s.YearlyOrder,
		WeeklyOrder: s.WeeklyOrder,
		Z:           distuv.UnitNormal.Quantile(0.5 + s.IntervalWidth/2),
		N:           len(y),
		LastDate:    series.LastDate(),
	}
	// Weekly terms are constant on weekly or coarser data.
	if medianSpacingDays(dates) >= 7 {
		m.WeeklyOrder = 0
	}

	var regVals [][]float64
	for _, c := range regressorColumns(series.Rows.Columns(), series.Target) {
		vals, _ := series.Values(c)
		sd := stat.PopStdDev(vals, nil)
		if sd == 0 || math.IsNaN(sd) {
			continue
		}
		m.Regressors = append(m.Regressors, c)
		m.RegMean = append(m.RegMean, stat.Mean(vals, nil))
		m.RegStd = append(m.RegStd, sd)
		m.LastRegressors = append(m.LastRegressors, vals[len(vals)-1])
		regVals = append(regVals, vals)
	}

	need := 2*(m.YearlyOrder+m.WeeklyOrder) + len(m.Regressors) + 14
	if len(y) < need {
		return nil, fmt.Errorf("%w: %d observations, need %d", ErrInsufficientData, len(y), need)
	}
	level := stat.Mean(y, nil)
	if level <= 0 {
		return nil, fmt.Errorf("%w: multiplicative seasonality needs a positive level, got mean %.3f", ErrTrainingFailure, level)
	}

	t := make([][]float64, len(y))
	for i, d := range dates {
		t[i] = []float64{dayNumber(d)}
	}
	trendCoef, err := fitOLS(y, t)
	if err != nil {
		return nil, fmt.Errorf("%w: trend: %v", ErrTrainingFailure, err)
	}
	m.TrendIntercept, m.TrendSlope = trendCoef[0], trendCoef[1]
	m.TrendFloor = 0.1 * level

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trends := make([]float64, len(y))
	ratio := make([]float64, len(y))
	xs := make([][]float64, len(y))
	for i, d := range dates {
		trends[i] = m.trend(d)
		ratio[i] = y[i]/trends[i] - 1
		regs := make([]float64, len(regVals))
		for j := range regVals {
			regs[j] = regVals[j][i]
		}
		xs[i] = m.features(d, regs)
	}
	m.Coef, err = fitOLS(ratio, xs)
	if err != nil {
		return nil, fmt.Errorf("%w: seasonal terms: %v", ErrTrainingFailure, err)
	}

	resid := make([]float64, len(y))
	for i := range y {
		resid[i] = y[i] - trends[i]*(1+predictLinear(m.Coef, xs[i]))
	}
	m.Sigma = stat.PopStdDev(resid, nil)
	return m, nil
}

// Forecast projects from the last date of the given rows, holding each
// regressor at its last observed value in those rows.
func (m *seasonalModel) Forecast(ctx context.Context, s *Series, horizon int) ([]Step, error) {
	last := s.LastDate()
	if last.IsZero() {
		last = m.LastDate
	}
	regs := make([]float64, len(m.Regressors))
	for j, c := range m.Regressors {
		regs[j] = m.LastRegressors[j]
		if vals, ok := s.Values(c); ok && len(vals) > 0 {
			if v := vals[len(vals)-1]; !math.IsNaN(v) {
				regs[j] = v
			}
		}
	}

	out := make([]Step, 0, horizon)
	for h := 1; h <= horizon; h++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d := last.AddDate(0, 0, h)
		v := m.trend(d) * (1 + predictLinear(m.Coef, m.features(d, regs)))
		spread := m.Z * m.Sigma * math.Sqrt(1+float64(h)/float64(max(m.N, 1)))
		out = append(out, Step{
			Value: v,
			Lower: sql.NullFloat64{Float64: math.Max(0, v-spread), Valid: true},
			Upper: sql.NullFloat64{Float64: math.Max(0, v+spread), Valid: true},
		})
	}
	return out, nil
}

func medianSpacingDays(dates []time.Time) float64 {
	if len(dates) < 2 {
		return 0
	}
	gaps := make([]float64, 0, len(dates)-1)
	for i := 1; i < len(dates); i++ {
		gaps = append(gaps, dates[i].Sub(dates[i-1]).Hours()/24)
	}
	slices.Sort(gaps)
	return gaps[len(gaps)/2]
}

func (s *Seasonal) Save(dir string, models map[string]RegionModel) error {
	out := make(map[string]*seasonalModel, len(models))
	for region, rm := range models {
		m, ok := rm.(*seasonalModel)
		if !ok {
			return fmt.Errorf("seasonal save: region %s has %T", region, rm)
		}
		out[region] = m
	}
	return writeJSON(filepath.Join(dir, seasonalFile), out)
}

func (s *Seasonal) Load(dir string) (map[string]RegionModel, error) {
	var in map[string]*seasonalModel
	if err := readJSON(filepath.Join(dir, seasonalFile), &in); err != nil {
		return nil, err
	}
	out := make(map[string]RegionModel, len(in))
	for region, m := range in {
		want := 1 + 2*(m.YearlyOrder+m.WeeklyOrder) + len(m.Regressors)
		if len(m.Coef) != want || len(m.RegMean) != len(m.Regressors) || len(m.RegStd) != len(m.Regressors) || len(m.LastRegressors) != len(m.Regressors) {
			return nil, fmt.Errorf("seasonal load: region %s: inconsistent model state", region)
		}
		out[region] = m
	}
	return out, nil
}
