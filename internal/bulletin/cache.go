package bulletin

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
)

// Cache keeps drafted bulletins on disk so repeated runs over the same
// training run do not call the model again.
type Cache struct {
	dir    string
	maxAge time.Duration
	clock  clockwork.Clock
}

func NewCache(dir string, maxAge time.Duration, clock clockwork.Clock) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{dir: dir, maxAge: maxAge, clock: clock}
}

func (c *Cache) path(runID string, horizon int) string {
	return filepath.Join(c.dir, fmt.Sprintf("bulletin_%s_%dday.txt", runID, horizon))
}

// Get returns a cached bulletin unless it is missing or older than maxAge.
func (c *Cache) Get(runID string, horizon int) (string, bool) {
	path := c.path(runID, horizon)
	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	if c.maxAge > 0 && c.clock.Since(info.ModTime()) > c.maxAge {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (c *Cache) Set(runID string, horizon int, text string) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create bulletin cache: %w", err)
	}
	path := c.path(runID, horizon)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return err
	}
	now := c.clock.Now()
	return os.Chtimes(path, now, now)
}
