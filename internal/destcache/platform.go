package destcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/offerpath/dispatch/internal/db"
	"github.com/offerpath/dispatch/internal/kv"
	"github.com/offerpath/dispatch/internal/models"
	"github.com/offerpath/dispatch/internal/observability"
)

// platformKeyPrefix namespaces platform records in the shared cache.
const platformKeyPrefix = "platform:campaign:"

// negativePlatform marks campaigns known to have no platform so the join
// isn't re-run every request.
const negativePlatform = `{"id":"","name":"","click_id_param":""}`

// PlatformReader is the control-plane join the cache falls back to.
type PlatformReader interface {
	GetPlatformForCampaign(ctx context.Context, campaignID string) (*models.Platform, error)
}

// PlatformCache is a read-through campaignId → platform lookup over the
// shared cache, so all dispatcher instances amortize the control-DB join.
type PlatformCache struct {
	store   kv.Store
	control PlatformReader
	ttl     time.Duration
	metrics observability.MetricsRegistry
	logger  *zap.Logger
}

// NewPlatformCache builds the cache. ttl bounds how long a platform edit
// takes to propagate.
func NewPlatformCache(store kv.Store, control PlatformReader, ttl time.Duration, metrics observability.MetricsRegistry, logger *zap.Logger) *PlatformCache {
	return &PlatformCache{store: store, control: control, ttl: ttl, metrics: metrics, logger: logger}
}

// Get returns the platform attached to a campaign, or nil when the campaign
// has none. Lookup failures degrade to nil: platform macros go empty rather
// than failing the dispatch.
func (c *PlatformCache) Get(ctx context.Context, campaignID string) *models.Platform {
	if campaignID == "" {
		return nil
	}
	key := platformKeyPrefix + campaignID

	if raw, err := c.store.Get(ctx, key); err == nil {
		c.metrics.IncrementCacheLookup("platform", "hit")
		var p models.Platform
		if json.Unmarshal(raw, &p) == nil {
			if p.ID == "" {
				return nil
			}
			return &p
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		c.logger.Warn("platform cache read failed",
			zap.String("campaign_id", campaignID), zap.Error(err))
	}
	c.metrics.IncrementCacheLookup("platform", "miss")

	p, err := c.control.GetPlatformForCampaign(ctx, campaignID)
	if errors.Is(err, db.ErrNoRows) {
		c.set(ctx, key, []byte(negativePlatform))
		return nil
	}
	if err != nil {
		c.logger.Error("platform lookup failed",
			zap.String("campaign_id", campaignID), zap.Error(err))
		return nil
	}
	if raw, err := json.Marshal(p); err == nil {
		c.set(ctx, key, raw)
	}
	return p
}

func (c *PlatformCache) set(ctx context.Context, key string, raw []byte) {
	if err := c.store.Set(ctx, key, raw, c.ttl); err != nil {
		c.logger.Warn("platform cache write failed", zap.String("key", key), zap.Error(err))
	}
}
