// Package cache provides the shared position cache that sits between the
// HTTP surfaces and the exchange client. Reads within the TTL are served
// from memory; a successful margin command invalidates so the next read
// reflects the change.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"margin_relay/internal/core"
	"margin_relay/pkg/telemetry"
)

type entry struct {
	positions []core.Position
	fetchedAt time.Time
}

// PositionCache caches position lists per query with a fixed TTL. Concurrent
// misses on the same key collapse into a single upstream fetch. Invalidation
// bumps a generation counter so that a fetch already in flight when the
// invalidation lands cannot store a stale entry; the racing caller still
// receives its data.
type PositionCache struct {
	fetcher core.PositionLister
	ttl     time.Duration
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
	clock   func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
	gen     uint64

	group singleflight.Group
}

// New creates a position cache over the given fetcher. ttl must be positive.
func New(fetcher core.PositionLister, ttl time.Duration, logger core.ILogger) *PositionCache {
	return &PositionCache{
		fetcher: fetcher,
		ttl:     ttl,
		logger:  logger.WithField("component", "position_cache"),
		metrics: telemetry.GetGlobalMetrics(),
		clock:   time.Now,
		entries: make(map[string]entry),
	}
}

// ListPositions returns the cached position list for the query, fetching
// from the exchange on miss or expiry. Failed fetches are never cached.
func (c *PositionCache) ListPositions(ctx context.Context, query core.PositionQuery) ([]core.Position, error) {
	key := query.CacheKey()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.clock().Sub(e.fetchedAt) < c.ttl {
		c.metrics.RecordCacheHit(ctx, key)
		return e.positions, nil
	}
	c.metrics.RecordCacheMiss(ctx, key)

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		c.mu.RLock()
		startGen := c.gen
		e, ok := c.entries[key]
		c.mu.RUnlock()
		// A flight that finished while this caller was queueing may have
		// stored a fresh entry already.
		if ok && c.clock().Sub(e.fetchedAt) < c.ttl {
			return e.positions, nil
		}

		positions, err := c.fetcher.ListPositions(ctx, query)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.gen == startGen {
			c.entries[key] = entry{positions: positions, fetchedAt: c.clock()}
		}
		c.mu.Unlock()
		return positions, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("Coalesced concurrent fetch", "key", key)
	}
	return v.([]core.Position), nil
}

// Invalidate drops the cached entry for one query.
func (c *PositionCache) Invalidate(query core.PositionQuery) {
	key := query.CacheKey()

	c.mu.Lock()
	_, existed := c.entries[key]
	delete(c.entries, key)
	c.gen++
	c.mu.Unlock()

	var dropped int64
	if existed {
		dropped = 1
	}
	c.metrics.RecordInvalidation(context.Background(), dropped)
	c.logger.Debug("Invalidated cache entry", "key", key, "existed", existed)
}

// InvalidateAll drops every cached entry. Called after a successful margin
// command so all readers see post-command state.
func (c *PositionCache) InvalidateAll() {
	c.mu.Lock()
	dropped := int64(len(c.entries))
	c.entries = make(map[string]entry)
	c.gen++
	c.mu.Unlock()

	c.metrics.RecordInvalidation(context.Background(), dropped)
	c.logger.Debug("Invalidated all cache entries", "dropped", dropped)
}

// Len reports the number of live entries, expired or not.
func (c *PositionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
