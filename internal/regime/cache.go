package regime

import (
	"sync"

	"github.com/ricaherr/aethelgard/internal/market"
)

type cacheKey struct {
	symbol string
	tf     market.Timeframe
}

// Cache keeps the latest sample per (symbol, timeframe) so downstream
// readers survive data-feed outages on the last known regime.
type Cache struct {
	mu      sync.RWMutex
	samples map[cacheKey]Sample
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{samples: make(map[cacheKey]Sample)}
}

// Put stores a fresh sample.
func (c *Cache) Put(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples[cacheKey{s.Symbol, s.Timeframe}] = s
}

// Get returns the latest sample, if any.
func (c *Cache) Get(symbol string, tf market.Timeframe) (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.samples[cacheKey{symbol, tf}]
	return s, ok
}

// GetDegraded returns the latest sample flagged as served-from-cache,
// for symbols whose feed has gone stale.
func (c *Cache) GetDegraded(symbol string, tf market.Timeframe) (Sample, bool) {
	s, ok := c.Get(symbol, tf)
	if ok {
		s.Degraded = true
	}
	return s, ok
}

// Snapshot returns a copy of every cached sample, for the control
// surface.
func (c *Cache) Snapshot() []Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Sample, 0, len(c.samples))
	for _, s := range c.samples {
		out = append(out, s)
	}
	return out
}
