// Package bulletin turns risk alerts into a public-health bulletin, drafted
// by a language model when one is configured and as plain alert lines
// otherwise.
package bulletin

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lox/outbreakcast/internal/risk"
)

type Source string

const (
	SourcePlain  Source = "plain"
	SourceModel  Source = "model"
	SourceCached Source = "cached"
)

type Bulletin struct {
	RunID   string
	Horizon int
	Alerts  []risk.Alert
	Text    string
	Source  Source
}

// Plain renders alerts as one line each.
func Plain(alerts []risk.Alert, horizon int) string {
	if len(alerts) == 0 {
		return fmt.Sprintf("No region exceeds the alert threshold for the next %d days.", horizon)
	}
	lines := make([]string, len(alerts))
	for i, a := range alerts {
		lines[i] = a.Message()
	}
	return strings.Join(lines, "\n")
}

// Composer chooses between the model, the cache and the plain rendering.
type Composer struct {
	gen   *Generator
	cache *Cache
	log   zerolog.Logger
}

// NewComposer returns a composer. gen and cache are both optional.
func NewComposer(gen *Generator, cache *Cache, log zerolog.Logger) *Composer {
	return &Composer{gen: gen, cache: cache, log: log.With().Str("component", "bulletin").Logger()}
}

// Compose builds the bulletin for a run's alerts. A model failure falls back
// to the plain rendering and is only logged.
func (c *Composer) Compose(ctx context.Context, runID string, alerts []risk.Alert, horizon int) *Bulletin {
	b := &Bulletin{RunID: runID, Horizon: horizon, Alerts: alerts, Source: SourcePlain}
	if len(alerts) == 0 || c.gen == nil {
		b.Text = Plain(alerts, horizon)
		return b
	}

	if c.cache != nil {
		if text, ok := c.cache.Get(runID, horizon); ok {
			b.Text, b.Source = text, SourceCached
			return b
		}
	}

	text, err := c.gen.Draft(ctx, alerts, horizon)
	if err != nil {
		c.log.Warn().Err(err).Msg("bulletin draft failed, using plain alerts")
		b.Text = Plain(alerts, horizon)
		return b
	}
	b.Text, b.Source = text, SourceModel

	if c.cache != nil {
		if err := c.cache.Set(runID, horizon, text); err != nil {
			c.log.Warn().Err(err).Msg("could not cache bulletin")
		}
	}
	return b
}
