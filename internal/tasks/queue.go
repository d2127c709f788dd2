// Package tasks runs background jobs with bounded concurrency. The
// queue is in-process and non-durable; task rows in the store record
// outcomes but in-flight work does not survive a crash.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/famulus-ai/famulus/internal/store"
	"github.com/famulus-ai/famulus/pkg/models"
)

// Handler executes one task. The returned string is persisted as the
// task result; an error marks the task failed.
type Handler func(ctx context.Context, payload json.RawMessage) (string, error)

// Queue is the bounded-concurrency background runner. Handlers are
// registered by task type at startup; Submit returns immediately with
// the task id.
type Queue struct {
	store  store.Store
	logger *slog.Logger

	sem chan struct{}

	mu       sync.RWMutex
	handlers map[string]Handler
	running  map[string]context.CancelFunc

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewQueue creates a queue with the given concurrency ceiling.
func NewQueue(st store.Store, concurrency int, logger *slog.Logger) *Queue {
	if concurrency <= 0 {
		concurrency = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:    st,
		logger:   logger.With("component", "tasks"),
		sem:      make(chan struct{}, concurrency),
		handlers: make(map[string]Handler),
		running:  make(map[string]context.CancelFunc),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Register installs the handler for a task type. Registering twice
// for the same type replaces the handler; call only during startup.
func (q *Queue) Register(taskType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[taskType] = h
}

// Submit persists a pending task and schedules it. The id returns
// immediately; execution waits for a free concurrency slot.
func (q *Queue) Submit(ctx context.Context, taskType string, payload json.RawMessage) (string, error) {
	q.mu.RLock()
	_, ok := q.handlers[taskType]
	q.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tasks: no handler registered for type %q", taskType)
	}

	task := &models.Task{Type: taskType, Payload: payload}
	if err := q.store.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("tasks: create task: %w", err)
	}

	q.wg.Add(1)
	go q.run(task.ID, taskType, payload)
	return task.ID, nil
}

// Cancel signals a running task to stop. Cooperative; the handler
// observes it through its context.
func (q *Queue) Cancel(id string) {
	q.mu.RLock()
	cancel, ok := q.running[id]
	q.mu.RUnlock()
	if ok {
		cancel()
	}
}

// Close stops accepting work, cancels running tasks, and waits for
// them to finish.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) run(id, taskType string, payload json.RawMessage) {
	defer q.wg.Done()

	select {
	case q.sem <- struct{}{}:
	case <-q.baseCtx.Done():
		q.setStatus(id, models.TaskCancelled, "", "queue shut down")
		return
	}
	defer func() { <-q.sem }()

	taskCtx, cancel := context.WithCancel(q.baseCtx)
	defer cancel()
	q.mu.Lock()
	q.running[id] = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.running, id)
		q.mu.Unlock()
	}()

	q.setStatus(id, models.TaskRunning, "", "")

	q.mu.RLock()
	handler := q.handlers[taskType]
	q.mu.RUnlock()

	result, err := q.invoke(taskCtx, handler, payload)
	switch {
	case taskCtx.Err() != nil:
		q.setStatus(id, models.TaskCancelled, "", taskCtx.Err().Error())
	case err != nil:
		q.logger.Warn("task failed", "task_id", id, "type", taskType, "error", err)
		q.setStatus(id, models.TaskFailed, "", err.Error())
	default:
		q.setStatus(id, models.TaskCompleted, result, "")
	}
}

// invoke runs the handler, converting panics into errors so one bad
// task never takes down the process.
func (q *Queue) invoke(ctx context.Context, h Handler, payload json.RawMessage) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task handler panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, payload)
}

func (q *Queue) setStatus(id string, status models.TaskStatus, result, errMsg string) {
	// Status writes use a fresh context; the task's own context may
	// already be cancelled.
	ctx := context.Background()
	task := &models.Task{ID: id, Status: status, Result: result, Error: errMsg}
	if err := q.store.UpdateTask(ctx, task); err != nil {
		q.logger.Warn("task status update failed", "task_id", id, "status", status, "error", err)
	}
}
