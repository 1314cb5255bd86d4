package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/lox/outbreakcast/internal/bulletin"
	"github.com/lox/outbreakcast/internal/forecast"
	"github.com/lox/outbreakcast/internal/ingest"
	"github.com/lox/outbreakcast/internal/models"
	"github.com/lox/outbreakcast/internal/pipeline"
	"github.com/lox/outbreakcast/internal/risk"
	"github.com/lox/outbreakcast/internal/store"
	"github.com/lox/outbreakcast/internal/training"
)

type PipelineCmd struct {
	Output      string        `help:"Aligned CSV path (default <data-dir>/processed_data.csv)."`
	FTPAddr     string        `name:"ftp-addr" env:"OUTBREAKCAST_FTP_ADDR" help:"Fetch source files from this FTP server (host:port) first."`
	FTPUser     string        `name:"ftp-user" env:"OUTBREAKCAST_FTP_USER" help:"FTP user; anonymous when empty."`
	FTPPassword string        `name:"ftp-password" env:"OUTBREAKCAST_FTP_PASSWORD" help:"FTP password."`
	FTPDir      string        `name:"ftp-dir" env:"OUTBREAKCAST_FTP_DIR" help:"Remote directory holding the source files."`
	FTPTimeout  time.Duration `name:"ftp-timeout" default:"30s" help:"FTP dial timeout."`
}

func (c *PipelineCmd) Run(e *env) error {
	st, err := e.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	opts := pipeline.Options{DataDir: e.g.DataDir, OutputPath: c.Output}
	if c.FTPAddr != "" {
		opts.FTP = &ingest.FTPConfig{
			Addr:      c.FTPAddr,
			User:      c.FTPUser,
			Password:  c.FTPPassword,
			RemoteDir: c.FTPDir,
			Timeout:   c.FTPTimeout,
		}
	}
	t, err := pipeline.New(st, e.log).Run(e.ctx, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "aligned %d rows across %d regions with %d columns\n", t.Len(), len(t.RegionNames()), len(t.Columns()))
	return nil
}

type TrainCmd struct {
	DataPath  string `help:"Aligned CSV to train on; defaults to the stored aligned table."`
	Horizons  []int  `default:"7,14" help:"Forecast horizons in days."`
	Target    string `default:"cases_cases" help:"Target column."`
	TestSize  int    `default:"30" help:"Trailing rows per region held out for evaluation."`
	ModelDir  string `default:"models" env:"OUTBREAKCAST_MODEL_DIR" help:"Directory for saved models."`
	OutputDir string `default:"output" env:"OUTBREAKCAST_OUTPUT_DIR" help:"Directory for forecast and risk CSVs."`
}

func (c *TrainCmd) Run(e *env) error {
	st, err := e.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	engine := forecast.NewEngine(e.log, e.cfg.EngineOptions(), e.cfg.Strategies(e.log)...)
	driver := training.NewDriver(engine, st, e.clock, e.log)
	sum, err := driver.Run(e.ctx, training.Options{
		DataPath:        c.DataPath,
		DataDir:         e.g.DataDir,
		ModelDir:        c.ModelDir,
		OutputDir:       c.OutputDir,
		Target:          c.Target,
		Horizons:        c.Horizons,
		TestSize:        c.TestSize,
		ThresholdFactor: e.cfg.Risk.ThresholdFactor,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(e.out, "run %s: %d regions trained, %d skipped, %d failures in %s\n",
		sum.RunID, len(sum.Regions), len(sum.Skipped), len(sum.Failures), sum.Duration.Round(time.Millisecond))
	for _, h := range sum.Horizons {
		fmt.Fprintf(e.out, "\n%d-day horizon\n", h.Horizon)
		writeEvaluations(e, h)
	}
	return nil
}

// writeEvaluations prints each model's metrics averaged over regions and
// steps.
func writeEvaluations(e *env, h training.HorizonResult) {
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tREGIONS\tMAE\tRMSE\tMAPE\tCRPS")
	for _, model := range h.Models() {
		recs := h.Evaluations[model]
		var sum models.Metrics
		regions := map[string]bool{}
		for _, r := range recs {
			sum.MAE += r.MAE
			sum.RMSE += r.RMSE
			sum.MAPE += r.MAPE
			sum.CRPS += r.CRPS
			regions[r.Region] = true
		}
		n := float64(len(recs))
		if n == 0 {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%.2f\t%.2f\t%.1f%%\t%.2f\n", model, len(regions), sum.MAE/n, sum.RMSE/n, sum.MAPE/n, sum.CRPS/n)
	}
	tw.Flush()
}

type RiskCmd struct {
	Horizon         int     `default:"7" help:"Forecast horizon in days."`
	ThresholdFactor float64 `help:"Outbreak threshold in standard deviations above the mean; defaults to the configured value."`
	Target          string  `default:"cases_cases" help:"Target column."`
	Output          string  `help:"Also write the assessments to this CSV file."`
}

func (c *RiskCmd) Run(e *env) error {
	st, err := e.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	runID, points, err := st.LatestForecasts(e.ctx, c.Horizon)
	if err != nil {
		return err
	}
	actuals, err := st.LoadAligned(e.ctx)
	if err != nil {
		return err
	}

	factor := c.ThresholdFactor
	if factor == 0 {
		factor = e.cfg.Risk.ThresholdFactor
	}
	recs, err := risk.NewAssessor(c.Target).Assess(points, actuals, factor)
	if err != nil {
		return err
	}
	if c.Output != "" {
		if err := store.WriteRiskCSV(c.Output, recs); err != nil {
			return err
		}
	}

	fmt.Fprintf(e.out, "run %s, %d-day horizon, threshold factor %.2f\n", runID, c.Horizon, factor)
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REGION\tMODEL\tMAX FORECAST\tHIST AVG\tTHRESHOLD\tRISK\tLEVEL")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%.1f\t%.1f\t%.1f\t%.1f%%\t%s\n",
			r.Region, r.Model, r.MaxForecast, r.HistoricalAvg, r.OutbreakThreshold, r.RiskProbability*100, r.RiskLevel)
	}
	return tw.Flush()
}

type BulletinCmd struct {
	Horizon        int           `default:"7" help:"Forecast horizon in days."`
	MinProbability float64       `default:"-1" help:"Alert threshold in [0, 1]; defaults to the configured value."`
	OpenAIKey      string        `name:"openai-key" env:"OPENAI_API_KEY" help:"Draft the bulletin with OpenAI when set."`
	Model          string        `env:"OUTBREAKCAST_OPENAI_MODEL" help:"OpenAI chat model."`
	CacheDir       string        `default:"data/bulletins" help:"Directory for drafted bulletins."`
	CacheTTL       time.Duration `default:"24h" help:"How long a drafted bulletin is reused."`
}

func (c *BulletinCmd) Run(e *env) error {
	st, err := e.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	runID, recs, err := st.LatestRisk(e.ctx, c.Horizon)
	if err != nil {
		return err
	}
	minProb := c.MinProbability
	if minProb < 0 {
		minProb = e.cfg.Risk.MinProbability
	}
	alerts := risk.Alerts(recs, minProb, c.Horizon)

	var gen *bulletin.Generator
	if c.OpenAIKey != "" {
		if gen, err = bulletin.NewGenerator(c.OpenAIKey, c.Model, e.log); err != nil {
			return err
		}
	} else {
		e.log.Debug().Msg("no OpenAI key, printing plain alerts")
	}
	cache := bulletin.NewCache(c.CacheDir, c.CacheTTL, e.clock)
	b := bulletin.NewComposer(gen, cache, e.log).Compose(e.ctx, runID, alerts, c.Horizon)

	e.log.Info().Str("run_id", runID).Int("alerts", len(alerts)).Str("source", string(b.Source)).Msg("bulletin ready")
	fmt.Fprintln(e.out, b.Text)
	return nil
}
