package ingest

import (
	"errors"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/lox/outbreakcast/internal/metrics"
	"github.com/lox/outbreakcast/internal/models"
)

// Loader reads the source tables from a data directory.
type Loader struct {
	dir string
	log zerolog.Logger
}

func NewLoader(dir string, log zerolog.Logger) *Loader {
	return &Loader{dir: dir, log: log.With().Str("component", "loader").Logger()}
}

// Load reads one source. A missing or unreadable file degrades to an
// empty table with the source's expected schema; the error is returned
// alongside for the caller to report.
func (l *Loader) Load(src Source) (*models.Table, error) {
	path := filepath.Join(l.dir, src.File)
	t, err := ReadTableCSV(path)
	if err != nil {
		if errors.Is(err, ErrSourceMissing) {
			l.log.Warn().Str("source", src.Name).Str("path", path).Msg("source file missing, using empty table")
		} else {
			l.log.Error().Err(err).Str("source", src.Name).Msg("source unreadable, using empty table")
		}
		return models.NewTable(src.Columns...), err
	}

	metrics.SourceRowsIngested.WithLabelValues(src.Name).Add(float64(t.Len()))
	if counts := Validate(t, src); len(counts) > 0 {
		ev := l.log.Warn().Str("source", src.Name)
		for _, f := range FlagNames(counts) {
			ev = ev.Int(f, counts[f])
		}
		ev.Msg("quality flags")
	}
	l.log.Info().Str("source", src.Name).Int("rows", t.Len()).Msg("loaded source")
	return t, nil
}

// LoadAll reads every known source keyed by source name. It never fails;
// problem sources come back as empty tables.
func (l *Loader) LoadAll() map[string]*models.Table {
	out := make(map[string]*models.Table, len(Sources))
	for _, src := range Sources {
		t, _ := l.Load(src)
		out[src.Name] = t
	}
	return out
}
