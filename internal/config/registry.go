// Package config implements the runtime settings registry. Values live
// in the store's settings table, are typed at the edges, and change at
// runtime without a restart. Components subscribe to watch keys they
// care about (the gateway rebuilds the model router when model keys
// change). Secret values are encrypted at rest with a local key file.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/famulus-ai/famulus/internal/store"
)

// Redacted replaces secret values in listings.
const Redacted = "••••••••"

// Change describes one settings update delivered to subscribers.
type Change struct {
	Key string
	Old string
	New string
}

// Registry is the typed view over the settings table. All reads hit an
// in-process cache of decrypted values; writes go through the store
// first so a crash never loses an acknowledged update.
type Registry struct {
	store  store.Store
	cipher *Cipher
	logger *slog.Logger

	mu     sync.RWMutex
	values map[string]string
	subs   []chan Change

	events chan Change
	done   chan struct{}
}

// NewRegistry loads persisted settings, applies defaults for missing
// keys, and starts the change dispatcher.
func NewRegistry(ctx context.Context, st store.Store, cipher *Cipher, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:  st,
		cipher: cipher,
		logger: logger.With("component", "config"),
		values: make(map[string]string, len(defaults)),
		events: make(chan Change, 64),
		done:   make(chan struct{}),
	}

	persisted, err := st.ListSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	for key, def := range defaults {
		raw, ok := persisted[key]
		if !ok {
			r.values[key] = def
			continue
		}
		if IsSecret(key) && raw != "" {
			plain, err := cipher.Open(raw)
			if err != nil {
				// An unreadable secret falls back to the default rather
				// than blocking boot. The operator re-enters it.
				r.logger.Warn("discarding undecryptable secret", "key", key, "error", err)
				r.values[key] = def
				continue
			}
			r.values[key] = plain
			continue
		}
		r.values[key] = raw
	}

	go r.dispatch()
	return r, nil
}

// Close stops the change dispatcher. Subscriber channels are closed.
func (r *Registry) Close() {
	close(r.done)
}

// Get returns the current value for key, or its default when the key
// is unknown.
func (r *Registry) Get(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.values[key]; ok {
		return v
	}
	return defaults[key]
}

// GetInt parses the value as an integer, falling back to the key's
// default on a malformed value.
func (r *Registry) GetInt(key string) int {
	v := r.Get(key)
	n, err := strconv.Atoi(v)
	if err != nil {
		if d, derr := strconv.Atoi(defaults[key]); derr == nil {
			return d
		}
		return 0
	}
	return n
}

// GetBool parses the value as a boolean ("true", "1", "yes" are true).
func (r *Registry) GetBool(key string) bool {
	switch r.Get(key) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// GetDuration parses the value as a time.Duration.
func (r *Registry) GetDuration(key string) time.Duration {
	d, err := time.ParseDuration(r.Get(key))
	if err != nil {
		d, _ = time.ParseDuration(defaults[key])
	}
	return d
}

// Set persists one key and notifies subscribers if the value changed.
func (r *Registry) Set(ctx context.Context, key, value string) error {
	return r.SetMany(ctx, map[string]string{key: value})
}

// SetMany persists all pairs in one store transaction. Subscribers see
// one Change per key whose value actually differs.
func (r *Registry) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	stored := make(map[string]string, len(values))
	for key, value := range values {
		if _, known := defaults[key]; !known {
			return fmt.Errorf("config: unknown key %q", key)
		}
		if IsSecret(key) && value != "" {
			sealed, err := r.cipher.Seal(value)
			if err != nil {
				return fmt.Errorf("config: seal %s: %w", key, err)
			}
			stored[key] = sealed
			continue
		}
		stored[key] = value
	}

	if err := r.store.SetSettings(ctx, stored); err != nil {
		return fmt.Errorf("config: persist settings: %w", err)
	}

	r.mu.Lock()
	var changes []Change
	for key, value := range values {
		old := r.values[key]
		if old == value {
			continue
		}
		r.values[key] = value
		changes = append(changes, Change{Key: key, Old: old, New: value})
	}
	r.mu.Unlock()

	for _, ch := range changes {
		select {
		case r.events <- ch:
		case <-r.done:
			return nil
		}
	}
	return nil
}

// Subscribe returns a channel receiving every settings change made
// after the call. The channel is buffered; a subscriber that falls
// far behind loses the oldest notifications.
func (r *Registry) Subscribe() <-chan Change {
	ch := make(chan Change, 16)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

// dispatch fans changes out to subscribers on its own goroutine so a
// Set caller never blocks on a slow consumer.
func (r *Registry) dispatch() {
	for {
		select {
		case <-r.done:
			r.mu.Lock()
			for _, sub := range r.subs {
				close(sub)
			}
			r.subs = nil
			r.mu.Unlock()
			return
		case ev := <-r.events:
			r.mu.RLock()
			subs := make([]chan Change, len(r.subs))
			copy(subs, r.subs)
			r.mu.RUnlock()
			for _, sub := range subs {
				select {
				case sub <- ev:
				default:
					// Drop the oldest to make room for the newest.
					select {
					case <-sub:
					default:
					}
					select {
					case sub <- ev:
					default:
					}
				}
			}
		}
	}
}

// Snapshot returns all known keys with secrets redacted, sorted by
// key. Used by the settings surface and diagnostics.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]Entry, 0, len(defaults))
	for key := range defaults {
		value, ok := r.values[key]
		if !ok {
			value = defaults[key]
		}
		display := value
		if IsSecret(key) && value != "" {
			display = Redacted
		}
		entries = append(entries, Entry{Key: key, Value: display, Secret: IsSecret(key)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Entry is one row of a redacted settings listing.
type Entry struct {
	Key    string
	Value  string
	Secret bool
}
