package denylist

import (
	"context"
	"sync"
	"sync/atomic"
)

// CacheMetrics is implemented by the metrics package.
type CacheMetrics interface {
	IncCacheLookup(result string)
}

// Cache keeps the last assembled Denylist and reloads it only when the
// current-version pointer moves. Every lookup costs one pointer read.
// Failed loads are not cached.
type Cache struct {
	reader  *Reader
	metrics CacheMetrics

	active atomic.Pointer[Denylist]

	// serializes reloads so a pointer change triggers one load, not one per
	// concurrent caller
	loadMu sync.Mutex
}

func NewCache(r *Reader, m CacheMetrics) *Cache {
	return &Cache{reader: r, metrics: m}
}

// Get returns the current denylist, loading it if the version changed.
func (c *Cache) Get(ctx context.Context) (*Denylist, error) {
	version, ok, err := c.reader.Current(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		c.observe("empty")
		return &Denylist{}, nil
	}

	if d := c.active.Load(); d != nil && d.Version == version {
		c.observe("hit")
		return d, nil
	}

	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if d := c.active.Load(); d != nil && d.Version == version {
		c.observe("hit")
		return d, nil
	}

	c.observe("miss")
	d, err := c.reader.ReadVersion(ctx, version)
	if err != nil {
		return nil, err
	}
	c.active.Store(d)
	return d, nil
}

// Contains reports whether hash is blocked by the current version.
func (c *Cache) Contains(ctx context.Context, hash string) (blocked bool, version string, err error) {
	d, err := c.Get(ctx)
	if err != nil {
		return false, "", err
	}
	return d.Contains(hash), d.Version, nil
}

// Loaded returns the version held in memory, without touching the store.
func (c *Cache) Loaded() string {
	if d := c.active.Load(); d != nil {
		return d.Version
	}
	return ""
}

func (c *Cache) observe(result string) {
	if c.metrics != nil {
		c.metrics.IncCacheLookup(result)
	}
}
