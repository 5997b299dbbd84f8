// Package eventbus carries task lifecycle, routing and budget events
// between the council and anything observing it, in process.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"council/internal/domain"
)

// matchAll is the reserved subscription key for every event type.
const matchAll = domain.EventType("*")

// Bus fans domain events out to subscribers. Handlers run off the
// publisher's goroutine, so a slow or panicking observer never stalls
// the council.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	byType map[domain.EventType]map[uint64]domain.EventHandler
	byTask map[string]map[uint64]domain.EventHandler
	seq    uint64

	inflight sync.WaitGroup
	closed   atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		byType: make(map[domain.EventType]map[uint64]domain.EventHandler),
		byTask: make(map[string]map[uint64]domain.EventHandler),
	}
}

// Publish delivers the event to its type's subscribers, to all-event
// subscribers, and to subscribers scoped to the event's task id. The
// matching handlers for one event run sequentially on a single
// goroutine; publishing on a closed bus is a no-op.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	var targets []domain.EventHandler
	for _, h := range b.byType[event.Type] {
		targets = append(targets, h)
	}
	for _, h := range b.byType[matchAll] {
		targets = append(targets, h)
	}
	if event.TaskID != "" {
		for _, h := range b.byTask[event.TaskID] {
			targets = append(targets, h)
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		for _, h := range targets {
			b.invoke(ctx, event, h)
		}
	}()
}

// invoke runs one handler, containing its panic so the remaining
// handlers for the event still run.
func (b *Bus) invoke(ctx context.Context, event domain.Event, h domain.EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(event.Type),
				"task_id", event.TaskID,
				"panic", r,
			)
		}
	}()
	h(ctx, event)
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	id := b.seq
	set := b.byType[eventType]
	if set == nil {
		set = make(map[uint64]domain.EventHandler)
		b.byType[eventType] = set
	}
	set[id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.byType[eventType], id)
	}
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.Subscribe(matchAll, handler)
}

// SubscribeTask registers a handler for every event carrying the given
// task id, whatever its type. Useful for watching one task settle.
func (b *Bus) SubscribeTask(taskID string, handler domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	id := b.seq
	set := b.byTask[taskID]
	if set == nil {
		set = make(map[uint64]domain.EventHandler)
		b.byTask[taskID] = set
	}
	set[id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.byTask[taskID], id)
		if len(b.byTask[taskID]) == 0 {
			delete(b.byTask, taskID)
		}
	}
}

// Close stops accepting publishes and waits for in-flight handlers to
// drain. Idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.inflight.Wait()
}
