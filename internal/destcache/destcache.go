package destcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/offerpath/dispatch/internal/db"
	"github.com/offerpath/dispatch/internal/observability"
)

// ErrUnavailable is returned when a destination is missing, inactive, or
// negatively cached after a database failure.
var ErrUnavailable = errors.New("destcache: destination unavailable")

// ControlReader is the slice of the control database the cache reads.
type ControlReader interface {
	GetDestination(ctx context.Context, id string) (*db.Destination, error)
	DestinationUpdatedAt(ctx context.Context, id string) (time.Time, error)
}

type entry struct {
	url       string
	updatedAt time.Time
	cachedAt  time.Time
	missing   bool
}

// Cache resolves destination IDs to URLs with an in-process map. Reads
// inside the fast-path window skip the database entirely; outside it a
// cheap updated_at probe revalidates before the full row is refetched.
// Entries are replaced whole, so concurrent readers see either the old or
// the new value, never a partial one.
type Cache struct {
	control  ControlReader
	fastPath time.Duration
	metrics  observability.MetricsRegistry
	logger   *zap.Logger

	mu      sync.RWMutex
	entries map[string]entry

	now func() time.Time
}

// New builds a destination cache. fastPath is the window within which a
// cached URL is returned without any database traffic.
func New(control ControlReader, fastPath time.Duration, metrics observability.MetricsRegistry, logger *zap.Logger) *Cache {
	return &Cache{
		control:  control,
		fastPath: fastPath,
		metrics:  metrics,
		logger:   logger,
		entries:  make(map[string]entry),
		now:      time.Now,
	}
}

// Resolve returns the destination URL for id, or ErrUnavailable when the
// destination is missing, paused, or negatively cached.
func (c *Cache) Resolve(ctx context.Context, id string) (string, error) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()

	if ok && now.Sub(e.cachedAt) < c.fastPath {
		c.metrics.IncrementCacheLookup("destination", "hit")
		if e.missing {
			return "", ErrUnavailable
		}
		return e.url, nil
	}

	if ok && !e.missing {
		updatedAt, err := c.control.DestinationUpdatedAt(ctx, id)
		if err == nil && updatedAt.Equal(e.updatedAt) {
			c.metrics.IncrementCacheLookup("destination", "revalidated")
			c.store(id, entry{url: e.url, updatedAt: e.updatedAt, cachedAt: now})
			return e.url, nil
		}
		if err != nil && !errors.Is(err, db.ErrNoRows) {
			// Control DB down: serve stale rather than failing the click.
			c.logger.Warn("destination revalidation failed, serving stale",
				zap.String("destination_id", id), zap.Error(err))
			c.metrics.IncrementCacheLookup("destination", "stale")
			return e.url, nil
		}
	}

	return c.refetch(ctx, id, now)
}

func (c *Cache) refetch(ctx context.Context, id string, now time.Time) (string, error) {
	d, err := c.control.GetDestination(ctx, id)
	if errors.Is(err, db.ErrNoRows) {
		c.metrics.IncrementCacheLookup("destination", "miss")
		c.store(id, entry{missing: true, cachedAt: now})
		return "", ErrUnavailable
	}
	if err != nil {
		// Negative-cache the failure so a burst doesn't hammer a sick DB.
		c.logger.Error("destination fetch failed",
			zap.String("destination_id", id), zap.Error(err))
		c.metrics.IncrementCacheLookup("destination", "error")
		c.store(id, entry{missing: true, cachedAt: now})
		return "", ErrUnavailable
	}
	c.metrics.IncrementCacheLookup("destination", "refreshed")
	c.store(id, entry{url: d.URL, updatedAt: d.UpdatedAt, cachedAt: now})
	return d.URL, nil
}

func (c *Cache) store(id string, e entry) {
	c.mu.Lock()
	c.entries[id] = e
	c.mu.Unlock()
}
