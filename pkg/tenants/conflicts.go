package tenants

import (
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fincollab/govcore/pkg/fault"
)

// ClockOrder is the result of comparing two vector clocks.
type ClockOrder int

const (
	ClockEqual ClockOrder = iota
	ClockBefore
	ClockAfter
	ClockConcurrent
)

// CompareClocks orders two vector clocks. Concurrent clocks signal a
// conflict that needs capture.
func CompareClocks(a, b map[string]uint64) ClockOrder {
	aLess, bLess := false, false
	for k, av := range a {
		if av < b[k] {
			aLess = true
		} else if av > b[k] {
			bLess = true
		}
	}
	for k, bv := range b {
		if _, ok := a[k]; !ok && bv > 0 {
			aLess = true
		}
	}
	switch {
	case aLess && bLess:
		return ClockConcurrent
	case aLess:
		return ClockBefore
	case bLess:
		return ClockAfter
	default:
		return ClockEqual
	}
}

// ConflictRegistry captures and resolves sync conflicts.
type ConflictRegistry struct {
	mu        sync.Mutex
	conflicts map[string]*SyncConflict
	clock     func() time.Time
}

// NewConflictRegistry creates an empty registry.
func NewConflictRegistry() *ConflictRegistry {
	return &ConflictRegistry{
		conflicts: make(map[string]*SyncConflict),
		clock:     time.Now,
	}
}

// Capture records a conflict between concurrent updates. Returns nil when
// the clocks are actually ordered (no conflict).
func (r *ConflictRegistry) Capture(transactionID string, base, server, client map[string]interface{}, serverClock, clientClock map[string]uint64) *SyncConflict {
	if CompareClocks(serverClock, clientClock) != ClockConcurrent {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := &SyncConflict{
		ID:            uuid.New().String(),
		TransactionID: transactionID,
		BaseState:     base,
		ServerState:   server,
		ClientState:   client,
		ServerClock:   serverClock,
		ClientClock:   clientClock,
		Status:        ConflictOpen,
		CreatedAt:     r.clock().UTC(),
	}
	r.conflicts[c.ID] = c
	cp := *c
	return &cp
}

// Get returns a conflict by id.
func (r *ConflictRegistry) Get(id string) (*SyncConflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "conflict %s", id)
	}
	cp := *c
	return &cp, nil
}

// Open lists unresolved conflicts.
func (r *ConflictRegistry) Open() []*SyncConflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*SyncConflict
	for _, c := range r.conflicts {
		if c.Status == ConflictOpen {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out
}

// Resolve applies a strategy and closes the conflict. Manual resolution
// requires the caller-provided state.
func (r *ConflictRegistry) Resolve(id string, strategy ResolutionStrategy, manual map[string]interface{}) (*SyncConflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conflicts[id]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "conflict %s", id)
	}
	if c.Status != ConflictOpen {
		return nil, fault.Newf(fault.ValidationFailed, "conflict already %s", c.Status)
	}

	switch strategy {
	case ClientWins:
		c.Resolved = c.ClientState
	case ServerWins:
		c.Resolved = c.ServerState
	case Merge:
		c.Resolved = mergeStates(c.BaseState, c.ServerState, c.ClientState)
	case Manual:
		if manual == nil {
			return nil, fault.New(fault.ValidationFailed, "manual resolution requires a state")
		}
		c.Resolved = manual
	default:
		return nil, fault.Newf(fault.ValidationFailed, "unknown strategy %q", strategy)
	}

	c.Strategy = strategy
	c.Status = ConflictResolved
	cp := *c
	return &cp, nil
}

// Ignore closes a conflict without resolving it.
func (r *ConflictRegistry) Ignore(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	if !ok {
		return fault.Newf(fault.NotFound, "conflict %s", id)
	}
	c.Status = ConflictIgnored
	return nil
}

// mergeStates performs a three-way field merge: a side's change relative to
// base wins; when both sides changed the same field, the client wins.
func mergeStates(base, server, client map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(server))
	for k, v := range server {
		out[k] = v
	}
	for k, cv := range client {
		bv, inBase := base[k]
		if !inBase || !reflect.DeepEqual(bv, cv) {
			out[k] = cv
		}
	}
	return out
}
