// Package catalog caches the trial terms and plan catalog. Reads are served from
// memory for up to a TTL; an admin edit bumps the catalog version, which
// invalidates every cache that hears about it regardless of age.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rcourtman/aiquota/internal/store"
	"github.com/rcourtman/aiquota/pkg/quota"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL bounds how long a catalog is trusted without a version signal.
const DefaultTTL = 5 * time.Minute

// Source loads the authoritative catalog.
type Source interface {
	LoadCatalog(ctx context.Context) (quota.Catalog, error)
}

// Cache holds one catalog snapshot with its fetch time.
type Cache struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	current   quota.Catalog
	loaded    bool
	fetchedAt time.Time
	minimum   int64 // highest version announced by Invalidate
	listeners []func(version int64)

	group singleflight.Group
}

// NewCache creates a cache over source. ttl <= 0 selects DefaultTTL.
func NewCache(source Source, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{source: source, ttl: ttl, now: time.Now}
}

// Get returns the cached catalog when it is within TTL and not older than the
// last announced version; otherwise it reloads. When a reload fails and a
// previous snapshot exists, the stale snapshot is served.
func (c *Cache) Get(ctx context.Context) (quota.Catalog, error) {
	c.mu.RLock()
	fresh := c.loaded && c.now().Sub(c.fetchedAt) < c.ttl && c.current.Version >= c.minimum
	cat := c.current
	c.mu.RUnlock()
	if fresh {
		return cat, nil
	}

	cat, err := c.Refresh(ctx)
	if err == nil {
		return cat, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.loaded {
		log.Warn().Err(err).
			Int64("version", c.current.Version).
			Msg("Catalog refresh failed; serving stale snapshot")
		return c.current, nil
	}
	return quota.Catalog{}, err
}

// Refresh reloads from the source, coalescing concurrent callers. A store with
// no catalog yet yields the built-in default.
func (c *Cache) Refresh(ctx context.Context) (quota.Catalog, error) {
	v, err, _ := c.group.Do("catalog", func() (any, error) {
		cat, err := c.source.LoadCatalog(ctx)
		if errors.Is(err, store.ErrNotFound) {
			cat, err = quota.DefaultCatalog(), nil
			cat.Version = 0
		}
		if err != nil {
			return quota.Catalog{}, fmt.Errorf("load catalog: %w", err)
		}

		c.mu.Lock()
		c.current = cat
		c.loaded = true
		c.fetchedAt = c.now()
		c.mu.Unlock()
		return cat, nil
	})
	if err != nil {
		return quota.Catalog{}, err
	}
	return v.(quota.Catalog), nil
}

// Invalidate records that version exists; any cached snapshot older than it
// is reloaded on the next Get.
func (c *Cache) Invalidate(version int64) {
	c.mu.Lock()
	raised := version > c.minimum
	if raised {
		c.minimum = version
	}
	listeners := c.listeners
	c.mu.Unlock()

	if raised {
		for _, fn := range listeners {
			fn(version)
		}
	}
}

// OnChange registers fn to run whenever Invalidate announces a newer version.
// fn runs on the announcing goroutine.
func (c *Cache) OnChange(fn func(version int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Expire forces the next Get to reload while keeping the snapshot as a stale
// fallback.
func (c *Cache) Expire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchedAt = time.Time{}
}

// Version returns the version of the cached snapshot, 0 when nothing is cached.
func (c *Cache) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.Version
}
