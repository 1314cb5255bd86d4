package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/lox/outbreakcast/internal/config"
	"github.com/lox/outbreakcast/internal/metrics"
	"github.com/lox/outbreakcast/internal/store"
)

type Globals struct {
	DB          string `default:"data/outbreakcast.db" env:"OUTBREAKCAST_DB" help:"Path to the SQLite database."`
	DataDir     string `default:"data" env:"OUTBREAKCAST_DATA_DIR" help:"Directory holding the source CSV files."`
	Config      string `env:"OUTBREAKCAST_CONFIG" help:"Optional YAML file with model settings."`
	LogLevel    string `default:"info" enum:"debug,info,warn,error" env:"OUTBREAKCAST_LOG_LEVEL" help:"Log level."`
	LogFormat   string `default:"console" enum:"console,json" env:"OUTBREAKCAST_LOG_FORMAT" help:"Log output format."`
	MetricsFile string `env:"OUTBREAKCAST_METRICS_FILE" help:"Write Prometheus metrics to this file when the command finishes."`
}

type CLI struct {
	Globals

	Pipeline PipelineCmd `cmd:"" help:"Load, align and store the source data."`
	Train    TrainCmd    `cmd:"" help:"Train the forecasting models and assess outbreak risk."`
	Risk     RiskCmd     `cmd:"" help:"Reassess outbreak risk from the latest stored forecasts."`
	Bulletin BulletinCmd `cmd:"" help:"Print the outbreak alert bulletin for the latest run."`
}

// env holds what every command needs once flags are parsed.
type env struct {
	ctx   context.Context
	log   zerolog.Logger
	cfg   *config.Config
	clock clockwork.Clock
	out   io.Writer
	g     *Globals
}

func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func (e *env) openStore() (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(e.g.DB), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	st, err := store.Open(e.g.DB, e.clock, e.log)
	if err != nil {
		return nil, err
	}
	e.log.Debug().Str("path", e.g.DB).Msg("database ready")
	return st, nil
}

func loadDotenv() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func run(args []string, stdout, stderr io.Writer) int {
	if err := loadDotenv(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("outbreakcast"),
		kong.Description("Regional disease outbreak forecasting."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		parser.Errorf("%s", err)
		return 2
	}

	log, err := newLogger(stderr, cli.LogLevel, cli.LogFormat)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	cfg, err := config.Load(cli.Config)
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e := &env{ctx: ctx, log: log, cfg: cfg, clock: clockwork.NewRealClock(), out: stdout, g: &cli.Globals}
	runErr := kctx.Run(e)

	if cli.MetricsFile != "" {
		if err := metrics.WriteTextfile(cli.MetricsFile); err != nil {
			log.Error().Err(err).Str("path", cli.MetricsFile).Msg("could not write metrics")
		}
	}
	if runErr != nil {
		log.Error().Err(runErr).Str("command", strings.Fields(kctx.Command())[0]).Msg("command failed")
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
