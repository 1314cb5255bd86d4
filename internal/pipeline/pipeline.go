// Package pipeline turns raw source files into the aligned feature table.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/lox/outbreakcast/internal/align"
	"github.com/lox/outbreakcast/internal/ingest"
	"github.com/lox/outbreakcast/internal/models"
	"github.com/lox/outbreakcast/internal/store"
)

// ProcessedFile is the aligned table's file name within the data directory.
const ProcessedFile = "processed_data.csv"

// ErrNoData is returned when no source produced any rows.
var ErrNoData = errors.New("no source data")

type Options struct {
	DataDir string
	// OutputPath overrides DataDir/processed_data.csv.
	OutputPath string
	// FTP, when set, refreshes the source files before loading.
	FTP *ingest.FTPConfig
}

func (o Options) outputPath() string {
	if o.OutputPath != "" {
		return o.OutputPath
	}
	return filepath.Join(o.DataDir, ProcessedFile)
}

type Pipeline struct {
	store *store.Store
	log   zerolog.Logger
}

// New returns a pipeline. A nil store skips database persistence.
func New(st *store.Store, log zerolog.Logger) *Pipeline {
	return &Pipeline{store: st, log: log.With().Str("component", "pipeline").Logger()}
}

// Run loads every source, aligns them, adds calendar features and writes
// the result to CSV and the store.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*models.Table, error) {
	if opts.FTP != nil {
		fetcher := ingest.NewFTPFetcher(*opts.FTP, p.log)
		if err := fetcher.FetchSources(ctx, opts.DataDir); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.log.Warn().Err(err).Msg("source fetch incomplete, continuing with local files")
		}
	}

	sources := ingest.NewLoader(opts.DataDir, p.log).LoadAll()
	aligned := align.New(p.log).Align(sources)
	if aligned.Len() == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoData, opts.DataDir)
	}

	featured, err := align.AddTimeFeatures(aligned)
	if err != nil {
		return nil, err
	}

	out := opts.outputPath()
	if err := store.WriteAlignedCSV(out, featured); err != nil {
		return nil, fmt.Errorf("write aligned table: %w", err)
	}
	p.log.Info().Str("path", out).Int("rows", featured.Len()).Msg("wrote aligned table")

	if p.store != nil {
		if err := p.store.SaveAligned(ctx, featured); err != nil {
			return nil, fmt.Errorf("store aligned table: %w", err)
		}
	}
	return featured, nil
}
