// Package ratelimit provides sliding-window rate limiting for tool
// invocations and other keyed operations.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures a keyed sliding-window limiter.
type Config struct {
	// Limit is the number of events allowed inside one window.
	Limit int
	// Window is the sliding window length.
	Window time.Duration
	// Enabled controls whether limiting is active.
	Enabled bool
}

// DefaultConfig allows 60 events per minute, the default budget for
// tool calls within a single turn.
func DefaultConfig() Config {
	return Config{
		Limit:   60,
		Window:  time.Minute,
		Enabled: true,
	}
}

// window tracks event timestamps inside the current sliding window.
type window struct {
	mu     sync.Mutex
	limit  int
	span   time.Duration
	events []time.Time
}

func newWindow(limit int, span time.Duration) *window {
	return &window{limit: limit, span: span}
}

// allow records an event at now if the window has room.
func (w *window) allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(now)
	if len(w.events) >= w.limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// remaining reports how many events fit in the window at now.
func (w *window) remaining(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(now)
	return w.limit - len(w.events)
}

// retryAfter reports how long until the oldest event falls out of the
// window. Zero when the window already has room.
func (w *window) retryAfter(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(now)
	if len(w.events) < w.limit {
		return 0
	}
	return w.events[0].Add(w.span).Sub(now)
}

// trim drops events older than the window (lock held).
func (w *window) trim(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// Limiter tracks a sliding window per key. Keys with a registered
// override get their own limit; all others share the config default.
type Limiter struct {
	mu        sync.Mutex
	cfg       Config
	windows   map[string]*window
	overrides map[string]int
	now       func() time.Time
}

// NewLimiter creates a keyed sliding-window limiter.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{
		cfg:       cfg,
		windows:   make(map[string]*window),
		overrides: make(map[string]int),
		now:       time.Now,
	}
}

// SetOverride gives key its own per-window limit. A limit <= 0 removes
// the override. Changing a key's limit resets its window; re-asserting
// the current limit leaves the window alone, so callers may set the
// override on every use.
func (l *Limiter) SetOverride(key string, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 {
		if _, ok := l.overrides[key]; !ok {
			return
		}
		delete(l.overrides, key)
	} else {
		if l.overrides[key] == limit {
			return
		}
		l.overrides[key] = limit
	}
	delete(l.windows, key)
}

// Allow records an event for key if its window has room.
func (l *Limiter) Allow(key string) bool {
	if !l.cfg.Enabled {
		return true
	}
	return l.getWindow(key).allow(l.now())
}

// Remaining reports how many events key may still record.
func (l *Limiter) Remaining(key string) int {
	if !l.cfg.Enabled {
		return l.cfg.Limit
	}
	return l.getWindow(key).remaining(l.now())
}

// RetryAfter reports how long until key's next event would be allowed.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if !l.cfg.Enabled {
		return 0
	}
	return l.getWindow(key).retryAfter(l.now())
}

// Reset clears key's window.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

func (l *Limiter) getWindow(key string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if ok {
		return w
	}
	limit := l.cfg.Limit
	if override, ok := l.overrides[key]; ok {
		limit = override
	}
	w = newWindow(limit, l.cfg.Window)
	l.windows[key] = w
	return w
}
