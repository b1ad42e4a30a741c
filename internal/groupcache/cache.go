// Package groupcache keeps per-tenant group metadata in bounded, TTL'd
// stores so that handlers do not hit the network for every message.
package groupcache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Options bounds the cache.
type Options struct {
	MaxTenants  int
	MaxEntries  int // per tenant
	TTL         time.Duration
	StaleGrace  time.Duration
	PrefetchMax int
	SweepEvery  time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxTenants <= 0 {
		o.MaxTenants = 1000
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = 500
	}
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.StaleGrace < 0 {
		o.StaleGrace = 0
	}
	if o.PrefetchMax <= 0 {
		o.PrefetchMax = 200
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Cache maps tenants to their stores. When the tenant cap is reached, the
// least recently used tenant's whole store is dropped.
type Cache struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	tenants *lru.Cache[string, *Store]
}

// New creates a cache.
func New(opts Options, logger *slog.Logger) *Cache {
	opts = opts.withDefaults()
	c := &Cache{
		opts:   opts,
		logger: logger.With("component", "groupcache"),
	}
	tenants, err := lru.NewWithEvict[string, *Store](opts.MaxTenants, func(tenant string, s *Store) {
		s.purge()
		c.logger.Debug("tenant cache evicted", "tenant", tenant)
	})
	if err != nil {
		panic("groupcache: " + err.Error())
	}
	c.tenants = tenants
	return c
}

// Tenant returns the store for tenant, creating it on first use.
func (c *Cache) Tenant(tenant string) *Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.tenants.Get(tenant); ok {
		return s
	}
	s := newStore(tenant, c.opts, c.logger)
	c.tenants.Add(tenant, s)
	return s
}

// Peek returns the tenant's store if it exists, without creating it or
// affecting recency.
func (c *Cache) Peek(tenant string) (*Store, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tenants.Peek(tenant)
}

// Drop discards a tenant's store.
func (c *Cache) Drop(tenant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tenants.Remove(tenant)
}

// Tenants returns the number of tenant stores held.
func (c *Cache) Tenants() int {
	return c.tenants.Len()
}

// Stats reports occupancy per tenant, sorted by tenant id.
func (c *Cache) Stats() []Stats {
	c.mu.Lock()
	stores := c.tenants.Values()
	c.mu.Unlock()

	out := make([]Stats, 0, len(stores))
	for _, s := range stores {
		out = append(out, s.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out
}

// Sweep runs maintenance on every tenant store once.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	stores := c.tenants.Values()
	c.mu.Unlock()

	removed := 0
	for _, s := range stores {
		removed += s.Sweep()
	}
	return removed
}

// Run sweeps periodically until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("cache sweep", "removed", n)
			}
		}
	}
}
