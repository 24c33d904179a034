// Package events provides the in-process publish/subscribe bus used by the
// governance core. Subscribers are invoked in registration order and every
// subscriber runs inside a recover guard, so a crashing listener never
// propagates to the publisher.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Well-known event keys.
const (
	UserRegistered     = "user.registered"
	TransactionCreated = "transaction.created"
	WorkspaceFrozen    = "workspace.frozen"
	WorkspaceUnfrozen  = "workspace.unfrozen"
	MFAChallengeIssued = "mfa.challenge_issued"
	MFAVerified        = "mfa.verified"
	MFADisabled        = "mfa.disabled"
	SessionDrift       = "session.drift"
	InviteAccepted     = "invite.accepted"
	LedgerBreach       = "ledger.breach"
	JobCompleted       = "job.completed"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	ID          string                 `json:"id"`
	Key         string                 `json:"key"`
	WorkspaceID string                 `json:"workspace_id,omitempty"`
	Time        time.Time              `json:"time"`
	Data        map[string]interface{} `json:"data"`
}

// Handler consumes a single event. Returning an error increments the bus
// error counter; it does not stop delivery to later subscribers.
type Handler func(ctx context.Context, ev Event) error

// Metrics is a point-in-time snapshot of bus counters.
type Metrics struct {
	TotalEvents     uint64 `json:"total_events"`
	TotalErrors     uint64 `json:"total_errors"`
	ActiveListeners int    `json:"active_listeners"`
}

type subscription struct {
	id      uint64
	key     string // "" subscribes to all keys
	handler Handler
}

// Bus dispatches events synchronously to subscribers in registration order.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger

	totalEvents atomic.Uint64
	totalErrors atomic.Uint64
}

// NewBus creates a bus. A nil logger falls back to slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a handler for a specific event key. An empty key
// receives every event. The returned id can be passed to Unsubscribe.
func (b *Bus) Subscribe(key string, h Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs = append(b.subs, subscription{id: b.nextID, key: key, handler: h})
	return b.nextID
}

// Unsubscribe removes a handler by id.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to all matching subscribers, in the order they were
// registered. Subscriber panics are recovered and counted; the publisher
// always returns normally.
func (b *Bus) Publish(ctx context.Context, key, workspaceID string, data map[string]interface{}) Event {
	ev := Event{
		ID:          uuid.New().String(),
		Key:         key,
		WorkspaceID: workspaceID,
		Time:        time.Now().UTC(),
		Data:        data,
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	b.totalEvents.Add(1)

	for _, s := range subs {
		if s.key != "" && s.key != key {
			continue
		}
		b.deliver(ctx, s, ev)
	}
	return ev
}

func (b *Bus) deliver(ctx context.Context, s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.totalErrors.Add(1)
			b.logger.Error("event subscriber panicked",
				"key", ev.Key, "subscriber", s.id, "panic", r)
		}
	}()

	if err := s.handler(ctx, ev); err != nil {
		b.totalErrors.Add(1)
		b.logger.Warn("event subscriber failed",
			"key", ev.Key, "subscriber", s.id, "error", err)
	}
}

// Metrics returns the current counters.
func (b *Bus) Metrics() Metrics {
	b.mu.RLock()
	active := len(b.subs)
	b.mu.RUnlock()
	return Metrics{
		TotalEvents:     b.totalEvents.Load(),
		TotalErrors:     b.totalErrors.Load(),
		ActiveListeners: active,
	}
}
