// Package work tracks long-running activity: agent runs, plans, tasks,
// reminders. Non-terminal items live in an in-memory cache backed by a
// durable store mirror; every change emits an event to subscribers and
// the transport broadcast hook.
package work

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/famulus-ai/famulus/internal/store"
	"github.com/famulus-ai/famulus/pkg/models"
)

// subscriberBuffer is the per-subscriber queue depth. Overflow drops
// the oldest event.
const subscriberBuffer = 32

// Event is one work item change. Item is a snapshot; receivers may
// keep it.
type Event struct {
	Item *models.WorkItem
}

// Broadcast receives every change event, for fan-out to live transport
// sessions.
type Broadcast func(item *models.WorkItem)

// Registry is the unified work log.
type Registry struct {
	store  store.Store
	logger *slog.Logger

	mu        sync.Mutex
	items     map[string]*models.WorkItem
	subs      map[int]chan Event
	nextSub   int
	broadcast Broadcast
}

// NewRegistry creates a registry over the store mirror.
func NewRegistry(st store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  st,
		logger: logger.With("component", "work"),
		items:  make(map[string]*models.WorkItem),
		subs:   make(map[int]chan Event),
	}
}

// SetBroadcast installs the transport fan-out hook.
func (r *Registry) SetBroadcast(fn Broadcast) {
	r.mu.Lock()
	r.broadcast = fn
	r.mu.Unlock()
}

// Register records a new work item. A missing ID is assigned; a missing
// status defaults to pending. The item is mirrored to the store before
// the change event fires.
func (r *Registry) Register(ctx context.Context, item *models.WorkItem) (*models.WorkItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = models.WorkPending
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	if err := r.store.UpsertWorkItem(ctx, item); err != nil {
		return nil, fmt.Errorf("mirror work item: %w", err)
	}

	snap := cloneItem(item)
	r.mu.Lock()
	if !snap.Status.IsTerminal() {
		r.items[snap.ID] = snap
	}
	r.mu.Unlock()

	r.emit(snap)
	r.logger.Debug("work item registered", "id", snap.ID, "kind", snap.Kind, "status", snap.Status)
	return cloneItem(snap), nil
}

// UpdateStatus moves an item to a new status. Terminal statuses are
// never overwritten; a terminal update evicts the cache entry after the
// event is emitted.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status models.WorkStatus) error {
	r.mu.Lock()
	item, ok := r.items[id]
	if !ok {
		r.mu.Unlock()
		// Already terminal (or unknown): the store guards terminality.
		return r.store.UpdateWorkItemStatus(ctx, id, status)
	}
	if item.Status.IsTerminal() {
		r.mu.Unlock()
		return nil
	}
	item.Status = status
	item.UpdatedAt = time.Now().UTC()
	snap := cloneItem(item)
	terminal := status.IsTerminal()
	r.mu.Unlock()

	if err := r.store.UpdateWorkItemStatus(ctx, id, status); err != nil {
		return fmt.Errorf("mirror status: %w", err)
	}

	r.emit(snap)
	if terminal {
		r.mu.Lock()
		delete(r.items, id)
		r.mu.Unlock()
	}
	r.logger.Debug("work item updated", "id", id, "status", status)
	return nil
}

// Get returns the cached item by id. Terminal items are not cached.
func (r *Registry) Get(id string) (*models.WorkItem, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok {
		return nil, false
	}
	return cloneItem(item), true
}

// ByKind returns the cached items of one kind.
func (r *Registry) ByKind(kind models.WorkKind) []*models.WorkItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.WorkItem
	for _, item := range r.items {
		if item.Kind == kind {
			out = append(out, cloneItem(item))
		}
	}
	return out
}

// ByParent returns the cached children of one item.
func (r *Registry) ByParent(parentID string) []*models.WorkItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.WorkItem
	for _, item := range r.items {
		if item.ParentID == parentID {
			out = append(out, cloneItem(item))
		}
	}
	return out
}

// StatusCounts returns the number of cached items per status.
func (r *Registry) StatusCounts() map[models.WorkStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[models.WorkStatus]int)
	for _, item := range r.items {
		counts[item.Status]++
	}
	return counts
}

// Subscribe returns a change event channel and its cancel function.
// Slow subscribers lose their oldest events rather than blocking
// updates.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

// Close drops all subscribers.
func (r *Registry) Close() {
	r.mu.Lock()
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
	r.mu.Unlock()
}

// emit fans the event out to subscribers (drop-oldest) and the
// broadcast hook.
func (r *Registry) emit(item *models.WorkItem) {
	r.mu.Lock()
	chans := make([]chan Event, 0, len(r.subs))
	for _, ch := range r.subs {
		chans = append(chans, ch)
	}
	broadcast := r.broadcast
	r.mu.Unlock()

	ev := Event{Item: item}
	for _, ch := range chans {
		for {
			select {
			case ch <- ev:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
	if broadcast != nil {
		broadcast(item)
	}
}

func cloneItem(item *models.WorkItem) *models.WorkItem {
	clone := *item
	if item.Metadata != nil {
		clone.Metadata = make(map[string]any, len(item.Metadata))
		for k, v := range item.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
