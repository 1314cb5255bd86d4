package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/jlaffaye/ftp"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/lox/outbreakcast/internal/metrics"
)

// FTPConfig locates a drop server publishing the source CSVs.
type FTPConfig struct {
	Addr      string
	User      string
	Password  string
	RemoteDir string
	Timeout   time.Duration
	// MaxElapsed bounds retries of a single download.
	MaxElapsed time.Duration
	// TripAfter consecutive failed downloads stop further attempts until
	// the breaker's cool-down has passed.
	TripAfter uint32
}

type FTPFetcher struct {
	cfg     FTPConfig
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

func NewFTPFetcher(cfg FTPConfig, log zerolog.Logger) *FTPFetcher {
	if cfg.User == "" {
		cfg.User = "anonymous"
		cfg.Password = "anonymous"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxElapsed == 0 {
		cfg.MaxElapsed = 2 * time.Minute
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 2
	}
	f := &FTPFetcher{cfg: cfg, log: log.With().Str("component", "ftp").Logger()}
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ftp " + cfg.Addr,
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.TripAfter
		},
		// The server answered; it just does not publish that file.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrSourceMissing)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("ftp breaker state changed")
		},
	})
	return f
}

func isFTPCode(err error, code int) bool {
	var tpErr *textproto.Error
	return errors.As(err, &tpErr) && tpErr.Code == code
}

// Fetch downloads remote to local, retrying transient failures with
// exponential backoff. A file the server does not have yields
// ErrSourceMissing without retrying.
func (f *FTPFetcher) Fetch(ctx context.Context, remote, local string) error {
	operation := func() error {
		conn, err := ftp.Dial(f.cfg.Addr, ftp.DialWithTimeout(f.cfg.Timeout), ftp.DialWithContext(ctx))
		if err != nil {
			return fmt.Errorf("ftp dial: %w", err)
		}
		defer conn.Quit()

		if err := conn.Login(f.cfg.User, f.cfg.Password); err != nil {
			if isFTPCode(err, ftp.StatusNotLoggedIn) {
				return backoff.Permanent(fmt.Errorf("ftp login: %w", err))
			}
			return fmt.Errorf("ftp login: %w", err)
		}

		resp, err := conn.Retr(remote)
		if err != nil {
			if isFTPCode(err, ftp.StatusFileUnavailable) {
				return backoff.Permanent(fmt.Errorf("%w: %s: %v", ErrSourceMissing, remote, err))
			}
			return fmt.Errorf("ftp retr: %w", err)
		}
		defer resp.Close()

		return writeAtomic(local, resp)
	}

	_, err := f.breaker.Execute(func() (any, error) {
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = f.cfg.MaxElapsed
		return nil, backoff.Retry(operation, backoff.WithContext(bo, ctx))
	})
	switch {
	case err == nil:
		metrics.FTPFetchesTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrSourceMissing):
		metrics.FTPFetchesTotal.WithLabelValues("missing").Inc()
	default:
		metrics.FTPFetchesTotal.WithLabelValues("error").Inc()
	}
	return err
}

// FetchSources downloads every known source file into dataDir. Files the
// server lacks are skipped; other failures are collected.
func (f *FTPFetcher) FetchSources(ctx context.Context, dataDir string) error {
	var result *multierror.Error
	for _, src := range Sources {
		remote := path.Join(f.cfg.RemoteDir, src.File)
		local := filepath.Join(dataDir, src.File)
		err := f.Fetch(ctx, remote, local)
		switch {
		case err == nil:
			f.log.Info().Str("source", src.Name).Str("remote", remote).Msg("fetched source")
		case errors.Is(err, ErrSourceMissing):
			f.log.Warn().Str("source", src.Name).Str("remote", remote).Msg("source not published, keeping local copy")
		default:
			f.log.Error().Err(err).Str("source", src.Name).Msg("fetch failed")
			result = multierror.Append(result, fmt.Errorf("%s: %w", src.Name, err))
		}
	}
	return result.ErrorOrNil()
}

func writeAtomic(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return backoff.Permanent(fmt.Errorf("create dir: %w", err))
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".fetch-*")
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create temp: %w", err))
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return backoff.Permanent(fmt.Errorf("close temp: %w", err))
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return backoff.Permanent(fmt.Errorf("rename: %w", err))
	}
	return nil
}
