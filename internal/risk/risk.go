// Package risk turns forecasts into per-region outbreak risk levels.
package risk

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/lox/outbreakcast/internal/models"
)

const (
	DefaultThresholdFactor = 1.5
	DefaultTarget          = "cases_cases"

	highThreshold   = 0.7
	mediumThreshold = 0.4
	// zeroVarianceRisk is reported when history has no variation.
	zeroVarianceRisk = 0.5
)

// Assessor compares each (region, model) forecast peak to the region's
// historical distribution of the target column.
type Assessor struct {
	Target string
}

func NewAssessor(target string) *Assessor {
	if target == "" {
		target = DefaultTarget
	}
	return &Assessor{Target: target}
}

type history struct {
	mean, std float64
}

// Assess returns one record per (region, model) with a forecast and at
// least one historical actual, sorted by region then model. Empty input
// yields an empty result.
func (a *Assessor) Assess(forecasts []models.ForecastPoint, actuals *models.Table, thresholdFactor float64) ([]models.RiskRecord, error) {
	if len(forecasts) == 0 {
		return nil, nil
	}
	if !actuals.HasRegion() {
		return nil, &models.SchemaError{Op: "assess risk", Column: models.ColRegion}
	}
	ys, ok := actuals.Column(a.Target)
	if !ok {
		return nil, &models.SchemaError{Op: "assess risk", Column: a.Target}
	}

	byRegion := make(map[string][]float64)
	for i, r := range actuals.Regions {
		if !math.IsNaN(ys[i]) {
			byRegion[r] = append(byRegion[r], ys[i])
		}
	}
	hist := make(map[string]history, len(byRegion))
	for r, vals := range byRegion {
		hist[r] = history{mean: stat.Mean(vals, nil), std: sampleStd(vals)}
	}

	type key struct{ region, model string }
	peaks := make(map[key]float64)
	for _, p := range forecasts {
		k := key{p.Region, p.Model}
		if cur, ok := peaks[k]; !ok || p.Value > cur {
			peaks[k] = p.Value
		}
	}

	var out []models.RiskRecord
	for k, peak := range peaks {
		h, ok := hist[k.region]
		if !ok {
			continue
		}
		prob := Probability(peak, h.mean, h.std)
		out = append(out, models.RiskRecord{
			Region:            k.region,
			Model:             k.model,
			MaxForecast:       peak,
			HistoricalAvg:     h.mean,
			HistoricalStd:     h.std,
			OutbreakThreshold: h.mean + thresholdFactor*h.std,
			RiskProbability:   prob,
			RiskLevel:         Level(prob),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Region != out[j].Region {
			return out[i].Region < out[j].Region
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}

// Probability maps a forecast peak to [0, 1] by its z-score against the
// historical mean: clamp((z-1)/3, 0, 1). Zero historical spread gives 0.5.
func Probability(peak, mean, std float64) float64 {
	if !(std > 0) {
		return zeroVarianceRisk
	}
	z := (peak - mean) / std
	return math.Min(1, math.Max(0, (z-1)/3))
}

func Level(prob float64) models.RiskLevel {
	switch {
	case prob >= highThreshold:
		return models.RiskHigh
	case prob >= mediumThreshold:
		return models.RiskMedium
	}
	return models.RiskLow
}

// RegionPeaks returns the highest-risk record per region, sorted by
// descending probability then region.
func RegionPeaks(records []models.RiskRecord) []models.RiskRecord {
	best := make(map[string]models.RiskRecord)
	for _, r := range records {
		if cur, ok := best[r.Region]; !ok || r.RiskProbability > cur.RiskProbability {
			best[r.Region] = r
		}
	}
	out := make([]models.RiskRecord, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RiskProbability != out[j].RiskProbability {
			return out[i].RiskProbability > out[j].RiskProbability
		}
		return out[i].Region < out[j].Region
	})
	return out
}

// Alert flags a region whose peak risk reached the alerting threshold.
type Alert struct {
	Region      string
	Model       string
	Probability float64
	Level       models.RiskLevel
	Horizon     int
}

func (a Alert) Message() string {
	return fmt.Sprintf("ALERT: %s has a %.1f%% probability of outbreak in the next %d days!", a.Region, a.Probability*100, a.Horizon)
}

// Alerts returns an alert for each region whose peak risk is at least
// minProbability, highest risk first.
func Alerts(records []models.RiskRecord, minProbability float64, horizon int) []Alert {
	var out []Alert
	for _, r := range RegionPeaks(records) {
		if r.RiskProbability < minProbability {
			continue
		}
		out = append(out, Alert{
			Region:      r.Region,
			Model:       r.Model,
			Probability: r.RiskProbability,
			Level:       r.RiskLevel,
			Horizon:     horizon,
		})
	}
	return out
}

// sampleStd is the n-1 standard deviation; fewer than two values give 0.
func sampleStd(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	return stat.StdDev(vals, nil)
}
