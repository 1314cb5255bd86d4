package models

import (
	"database/sql"
	"fmt"
	"time"
)

// Key column names shared by every source and the aligned table.
const (
	ColDate   = "date"
	ColRegion = "region"
)

// Observation is one source's metric values for a (date, region) pair.
type Observation struct {
	Date    time.Time
	Region  string
	Source  string // "cases", "weather", "wastewater"
	Metrics map[string]float64
}

// ForecastPoint is one step of a region forecast produced by a strategy.
type ForecastPoint struct {
	Date    time.Time
	Region  string
	Model   string // "ARIMA", "Seasonal", "LSTM"
	Horizon int    // 1-based step index
	Value   float64
	Lower   sql.NullFloat64
	Upper   sql.NullFloat64
}

// Forecast output column names.
const (
	ColForecast        = "forecast"
	ColForecastLower   = "forecast_lower"
	ColForecastUpper   = "forecast_upper"
	ColForecastHorizon = "forecast_horizon"
	ColModel           = "model"
)

// Column returns the named forecast column value and whether it is set.
func (p ForecastPoint) Column(name string) (float64, bool) {
	switch name {
	case ColForecast:
		return p.Value, true
	case ColForecastLower:
		return p.Lower.Float64, p.Lower.Valid
	case ColForecastUpper:
		return p.Upper.Float64, p.Upper.Valid
	}
	return 0, false
}

// HasInterval reports whether both interval bounds are present.
func (p ForecastPoint) HasInterval() bool {
	return p.Lower.Valid && p.Upper.Valid
}

// Metrics holds forecast accuracy scores for one (region, horizon step) group.
type Metrics struct {
	MAE  float64
	RMSE float64
	MAPE float64
	CRPS float64
}

// EvaluationRecord is a flattened Metrics row.
type EvaluationRecord struct {
	Region  string
	Horizon int
	Metrics
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// RiskRecord is the outbreak assessment for one (region, model) pair.
type RiskRecord struct {
	Region            string
	Model             string
	MaxForecast       float64
	HistoricalAvg     float64
	HistoricalStd     float64
	OutbreakThreshold float64
	RiskProbability   float64
	RiskLevel         RiskLevel
}

// SchemaError reports a required column missing from a table.
type SchemaError struct {
	Op     string
	Column string
}

func (e *SchemaError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("schema: missing required column %q", e.Column)
	}
	return fmt.Sprintf("%s: missing required column %q", e.Op, e.Column)
}
