package providers

import (
	"context"
	"sync"
	"time"
)

// availabilityTTL is how long one probe result is trusted. The router
// checks availability on every turn; probing every time would add a
// round trip per message.
const availabilityTTL = 30 * time.Second

// availCache caches the result of a reachability probe.
type availCache struct {
	mu     sync.Mutex
	probe  func(ctx context.Context) bool
	ttl    time.Duration
	last   time.Time
	cached bool
	now    func() time.Time
}

func newAvailCache(probe func(ctx context.Context) bool) *availCache {
	return &availCache{probe: probe, ttl: availabilityTTL, now: time.Now}
}

// available returns the cached probe result, refreshing when stale.
func (c *availCache) available(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !c.last.IsZero() && now.Sub(c.last) < c.ttl {
		return c.cached
	}
	c.cached = c.probe(ctx)
	c.last = now
	return c.cached
}

// invalidate drops the cached result so the next check probes again.
// Called after a request fails with a reachability error.
func (c *availCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = time.Time{}
}
