package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SourceRowsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbreakcast_source_rows_ingested_total",
			Help: "Total rows read from input sources",
		},
		[]string{"source"},
	)

	FTPFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbreakcast_ftp_fetches_total",
			Help: "Total FTP source downloads by outcome",
		},
		[]string{"status"},
	)

	RegionsTrained = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbreakcast_regions_trained_total",
			Help: "Total region models trained successfully",
		},
		[]string{"model"},
	)

	RegionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbreakcast_region_failures_total",
			Help: "Total per-region failures by stage and reason",
		},
		[]string{"model", "stage", "reason"},
	)

	TrainingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outbreakcast_region_training_seconds",
			Help:    "Per-region model training time in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	ForecastPoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbreakcast_forecast_points_total",
			Help: "Total forecast points produced",
		},
		[]string{"model"},
	)

	RiskProbability = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbreakcast_risk_probability",
			Help: "Latest outbreak risk probability per region and model",
		},
		[]string{"region", "model"},
	)
)

// WriteTextfile writes the default registry in the text exposition format,
// for pickup by the node_exporter textfile collector after a batch run.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
