// Package config holds model hyperparameters loaded from an optional YAML
// file. Command-line flags and environment variables are handled by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/lox/outbreakcast/internal/forecast"
	"github.com/lox/outbreakcast/internal/risk"
)

type ARIMAConfig struct {
	P int `yaml:"p"`
	D int `yaml:"d"`
	Q int `yaml:"q"`
}

type SeasonalConfig struct {
	YearlyOrder   int     `yaml:"yearly_order"`
	WeeklyOrder   int     `yaml:"weekly_order"`
	IntervalWidth float64 `yaml:"interval_width"`
}

type RecurrentConfig struct {
	SequenceLength  int     `yaml:"sequence_length"`
	Hidden          int     `yaml:"hidden"`
	Epochs          int     `yaml:"epochs"`
	BatchSize       int     `yaml:"batch_size"`
	Patience        int     `yaml:"patience"`
	LearningRate    float64 `yaml:"learning_rate"`
	ValidationSplit float64 `yaml:"validation_split"`
	MinWindows      int     `yaml:"min_windows"`
	Seed            int64   `yaml:"seed"`
}

type EngineConfig struct {
	Workers       int           `yaml:"workers"`
	RegionTimeout time.Duration `yaml:"region_timeout"`
	// Models lists the strategies to train; empty means all three.
	Models []string `yaml:"models"`
}

type RiskConfig struct {
	ThresholdFactor float64 `yaml:"threshold_factor"`
	MinProbability  float64 `yaml:"min_probability"`
}

type Config struct {
	ARIMA     ARIMAConfig     `yaml:"arima"`
	Seasonal  SeasonalConfig  `yaml:"seasonal"`
	Recurrent RecurrentConfig `yaml:"recurrent"`
	Engine    EngineConfig    `yaml:"engine"`
	Risk      RiskConfig      `yaml:"risk"`
}

// Default returns the stock hyperparameters.
func Default() *Config {
	r := forecast.NewRecurrent()
	return &Config{
		ARIMA:    ARIMAConfig{P: 5, D: 1, Q: 1},
		Seasonal: SeasonalConfig{YearlyOrder: 10, WeeklyOrder: 3, IntervalWidth: 0.95},
		Recurrent: RecurrentConfig{
			SequenceLength:  r.SequenceLength,
			Hidden:          r.Hidden,
			Epochs:          r.Epochs,
			BatchSize:       r.BatchSize,
			Patience:        r.Patience,
			LearningRate:    r.LearningRate,
			ValidationSplit: r.ValidationSplit,
			MinWindows:      r.MinWindows,
			Seed:            r.Seed,
		},
		Engine: EngineConfig{RegionTimeout: 10 * time.Minute},
		Risk:   RiskConfig{ThresholdFactor: risk.DefaultThresholdFactor, MinProbability: 0.7},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.ARIMA.P < 0 || c.ARIMA.D < 0 || c.ARIMA.Q < 0 {
		fail("arima: orders must be non-negative, got (%d,%d,%d)", c.ARIMA.P, c.ARIMA.D, c.ARIMA.Q)
	}
	if c.ARIMA.D > 2 {
		fail("arima: d must be at most 2, got %d", c.ARIMA.D)
	}

	if c.Seasonal.YearlyOrder < 0 || c.Seasonal.WeeklyOrder < 0 {
		fail("seasonal: fourier orders must be non-negative")
	}
	if c.Seasonal.IntervalWidth <= 0 || c.Seasonal.IntervalWidth >= 1 {
		fail("seasonal: interval_width must be in (0, 1), got %g", c.Seasonal.IntervalWidth)
	}

	rc := c.Recurrent
	if rc.SequenceLength < 2 {
		fail("recurrent: sequence_length must be at least 2, got %d", rc.SequenceLength)
	}
	if rc.Hidden < 1 || rc.Epochs < 1 || rc.BatchSize < 1 {
		fail("recurrent: hidden, epochs and batch_size must be positive")
	}
	if rc.Patience < 0 {
		fail("recurrent: patience must be non-negative")
	}
	if rc.LearningRate <= 0 {
		fail("recurrent: learning_rate must be positive, got %g", rc.LearningRate)
	}
	if rc.ValidationSplit <= 0 || rc.ValidationSplit >= 1 {
		fail("recurrent: validation_split must be in (0, 1), got %g", rc.ValidationSplit)
	}
	if rc.MinWindows < 1 {
		fail("recurrent: min_windows must be positive")
	}

	if c.Engine.Workers < 0 {
		fail("engine: workers must be non-negative")
	}
	if c.Engine.RegionTimeout < 0 {
		fail("engine: region_timeout must be non-negative")
	}
	for _, m := range c.Engine.Models {
		if _, err := parseKind(m); err != nil {
			fail("engine: %v", err)
		}
	}

	if c.Risk.ThresholdFactor < 0 {
		fail("risk: threshold_factor must be non-negative, got %g", c.Risk.ThresholdFactor)
	}
	if c.Risk.MinProbability < 0 || c.Risk.MinProbability > 1 {
		fail("risk: min_probability must be in [0, 1], got %g", c.Risk.MinProbability)
	}
	return result.ErrorOrNil()
}

var errUnknownModel = errors.New("unknown model")

func parseKind(name string) (forecast.Kind, error) {
	for _, k := range []forecast.Kind{forecast.KindARIMA, forecast.KindSeasonal, forecast.KindLSTM} {
		if string(k) == name {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w %q", errUnknownModel, name)
}

// Strategies builds the configured forecasting strategies in ARIMA,
// Seasonal, LSTM order.
func (c *Config) Strategies(log zerolog.Logger) []forecast.Strategy {
	enabled := map[forecast.Kind]bool{}
	for _, m := range c.Engine.Models {
		if k, err := parseKind(m); err == nil {
			enabled[k] = true
		}
	}
	all := len(enabled) == 0

	var out []forecast.Strategy
	if all || enabled[forecast.KindARIMA] {
		out = append(out, forecast.NewARIMA(c.ARIMA.P, c.ARIMA.D, c.ARIMA.Q))
	}
	if all || enabled[forecast.KindSeasonal] {
		out = append(out, forecast.NewSeasonal(c.Seasonal.YearlyOrder, c.Seasonal.WeeklyOrder, c.Seasonal.IntervalWidth))
	}
	if all || enabled[forecast.KindLSTM] {
		rc := c.Recurrent
		out = append(out, &forecast.Recurrent{
			SequenceLength:  rc.SequenceLength,
			Hidden:          rc.Hidden,
			Epochs:          rc.Epochs,
			BatchSize:       rc.BatchSize,
			Patience:        rc.Patience,
			LearningRate:    rc.LearningRate,
			ValidationSplit: rc.ValidationSplit,
			MinWindows:      rc.MinWindows,
			Seed:            rc.Seed,
			Log:             log,
		})
	}
	return out
}

func (c *Config) EngineOptions() forecast.EngineOptions {
	return forecast.EngineOptions{Workers: c.Engine.Workers, RegionTimeout: c.Engine.RegionTimeout}
}
