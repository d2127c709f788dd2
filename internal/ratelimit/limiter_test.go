package ratelimit

import (
	"testing"
	"time"
)

// fakeClock lets tests slide the window deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = clock.now
	return l, clock
}

func TestAllowUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(Config{Limit: 3, Window: time.Minute, Enabled: true})
	for i := 0; i < 3; i++ {
		if !l.Allow("web_fetch") {
			t.Fatalf("call %d denied before limit", i+1)
		}
	}
	if l.Allow("web_fetch") {
		t.Error("call over limit allowed")
	}
	// A different key has its own window.
	if !l.Allow("read_file") {
		t.Error("independent key denied")
	}
}

func TestWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(Config{Limit: 2, Window: time.Minute, Enabled: true})

	if !l.Allow("k") || !l.Allow("k") {
		t.Fatal("initial calls denied")
	}
	if l.Allow("k") {
		t.Fatal("third call allowed inside window")
	}

	// Half a window later, still full.
	clock.advance(30 * time.Second)
	if l.Allow("k") {
		t.Error("call allowed before oldest event expired")
	}

	// The first event falls out; one slot opens.
	clock.advance(31 * time.Second)
	if !l.Allow("k") {
		t.Error("call denied after window slid past oldest event")
	}
	if l.Allow("k") {
		t.Error("second call allowed with only one free slot")
	}
}

func TestRetryAfter(t *testing.T) {
	l, clock := newTestLimiter(Config{Limit: 1, Window: time.Minute, Enabled: true})
	if got := l.RetryAfter("k"); got != 0 {
		t.Errorf("RetryAfter on empty window = %v, want 0", got)
	}
	l.Allow("k")
	clock.advance(20 * time.Second)
	if got := l.RetryAfter("k"); got != 40*time.Second {
		t.Errorf("RetryAfter = %v, want 40s", got)
	}
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(Config{Limit: 5, Window: time.Minute, Enabled: true})
	if got := l.Remaining("k"); got != 5 {
		t.Errorf("Remaining = %d, want 5", got)
	}
	l.Allow("k")
	l.Allow("k")
	if got := l.Remaining("k"); got != 3 {
		t.Errorf("Remaining = %d, want 3", got)
	}
}

func TestPerKeyOverride(t *testing.T) {
	l, _ := newTestLimiter(Config{Limit: 10, Window: time.Minute, Enabled: true})
	l.SetOverride("shell__run", 1)
	if !l.Allow("shell__run") {
		t.Fatal("first call denied")
	}
	if l.Allow("shell__run") {
		t.Error("override limit not enforced")
	}
	// Other keys keep the default.
	if got := l.Remaining("fs__read_file"); got != 10 {
		t.Errorf("Remaining = %d, want 10", got)
	}
}

func TestOverrideReassertKeepsWindow(t *testing.T) {
	l, _ := newTestLimiter(Config{Limit: 10, Window: time.Minute, Enabled: true})
	l.SetOverride("shell__run", 1)
	if !l.Allow("shell__run") {
		t.Fatal("first call denied")
	}
	// The invoker re-asserts the override before every call; the window
	// must survive that.
	l.SetOverride("shell__run", 1)
	if l.Allow("shell__run") {
		t.Error("re-asserting the override reset the window")
	}
	// An actual limit change starts a fresh window.
	l.SetOverride("shell__run", 2)
	if !l.Allow("shell__run") {
		t.Error("call denied after limit change")
	}
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	l, _ := newTestLimiter(Config{Limit: 1, Window: time.Minute, Enabled: false})
	for i := 0; i < 100; i++ {
		if !l.Allow("k") {
			t.Fatal("disabled limiter denied a call")
		}
	}
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(Config{Limit: 1, Window: time.Minute, Enabled: true})
	l.Allow("k")
	if l.Allow("k") {
		t.Fatal("limit not enforced")
	}
	l.Reset("k")
	if !l.Allow("k") {
		t.Error("call denied after reset")
	}
}
