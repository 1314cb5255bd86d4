// Package evaluate scores forecasts against observed values.
package evaluate

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/lox/outbreakcast/internal/models"
)

// intervalZ converts a 95% interval width to a standard deviation.
const intervalZ = 3.92

type pair struct {
	actual, forecast float64
	// sigma is the interval-derived spread, or NaN when the point has none.
	sigma float64
}

// Evaluate inner-joins actual and forecasts on (date, region) and scores
// each (region, horizon step) group. It returns an empty map when nothing
// matches.
func Evaluate(actual *models.Table, forecasts []models.ForecastPoint, targetCol, forecastCol string) (map[string]map[int]models.Metrics, error) {
	if !actual.HasDate() {
		return nil, &models.SchemaError{Op: "evaluate", Column: models.ColDate}
	}
	if !actual.HasRegion() {
		return nil, &models.SchemaError{Op: "evaluate", Column: models.ColRegion}
	}
	ys, ok := actual.Column(targetCol)
	if !ok {
		return nil, &models.SchemaError{Op: "evaluate", Column: targetCol}
	}

	switch forecastCol {
	case models.ColForecast, models.ColForecastLower, models.ColForecastUpper:
	default:
		return nil, &models.SchemaError{Op: "evaluate", Column: forecastCol}
	}

	observed := make(map[string]float64, actual.Len())
	for i := 0; i < actual.Len(); i++ {
		if math.IsNaN(ys[i]) {
			continue
		}
		observed[actual.Regions[i]+"\x00"+models.DateKey(actual.Dates[i])] = ys[i]
	}

	groups := make(map[string]map[int][]pair)
	for _, p := range forecasts {
		y, ok := observed[p.Region+"\x00"+models.DateKey(p.Date)]
		if !ok {
			continue
		}
		mu, ok := p.Column(forecastCol)
		if !ok {
			continue
		}
		sigma := math.NaN()
		if p.HasInterval() {
			sigma = (p.Upper.Float64 - p.Lower.Float64) / intervalZ
		}
		if groups[p.Region] == nil {
			groups[p.Region] = make(map[int][]pair)
		}
		groups[p.Region][p.Horizon] = append(groups[p.Region][p.Horizon], pair{actual: y, forecast: mu, sigma: sigma})
	}

	out := make(map[string]map[int]models.Metrics, len(groups))
	for region, byStep := range groups {
		out[region] = make(map[int]models.Metrics, len(byStep))
		for step, pairs := range byStep {
			out[region][step] = score(pairs)
		}
	}
	return out, nil
}

func score(pairs []pair) models.Metrics {
	n := float64(len(pairs))
	resid := make([]float64, len(pairs))
	var abs, sq, pct float64
	for i, p := range pairs {
		e := p.actual - p.forecast
		resid[i] = e
		abs += math.Abs(e)
		sq += e * e
		pct += math.Abs(e) / math.Max(1, p.actual)
	}

	spread := stat.PopStdDev(resid, nil)
	var crps float64
	for _, p := range pairs {
		sigma := p.sigma
		if math.IsNaN(sigma) {
			sigma = spread
		}
		crps += CRPSGaussian(p.actual, p.forecast, sigma)
	}

	return models.Metrics{
		MAE:  abs / n,
		RMSE: math.Sqrt(sq / n),
		MAPE: pct / n * 100,
		CRPS: crps / n,
	}
}

// CRPSGaussian is the continuous ranked probability score of a normal
// forecast N(mu, sigma) at y. Below sigma 1e-6 it degenerates to |y-mu|.
func CRPSGaussian(y, mu, sigma float64) float64 {
	if sigma < 1e-6 {
		return math.Abs(y - mu)
	}
	z := (y - mu) / sigma
	return sigma * (z*(2*distuv.UnitNormal.CDF(z)-1) + 2*distuv.UnitNormal.Prob(z) - 1/math.Sqrt(math.Pi))
}

// Summarize flattens metrics into rows sorted by region then horizon.
func Summarize(metrics map[string]map[int]models.Metrics) []models.EvaluationRecord {
	var rows []models.EvaluationRecord
	for region, byStep := range metrics {
		for step, m := range byStep {
			rows = append(rows, models.EvaluationRecord{Region: region, Horizon: step, Metrics: m})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Region != rows[j].Region {
			return rows[i].Region < rows[j].Region
		}
		return rows[i].Horizon < rows[j].Horizon
	})
	return rows
}
