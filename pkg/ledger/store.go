package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrSequenceConflict means a concurrent appender won the race for the
	// next sequence number; the caller must re-read the head and retry.
	ErrSequenceConflict = errors.New("ledger: sequence conflict")

	// ErrEntryNotFound is returned for missing entries or empty chains.
	ErrEntryNotFound = errors.New("ledger: entry not found")

	// ErrChainPurged is returned for operations on a purged chain.
	ErrChainPurged = errors.New("ledger: chain purged")
)

// QueryFilter selects entries for forensic queries. Zero values match all.
type QueryFilter struct {
	EntityID    string
	EntityModel string
	WorkspaceID string
	Actor       string
	SessionID   string
	IPAddress   string
	RequestID   string
	RiskLevel   string
	// ComplianceFlag matches entries carrying the flag.
	ComplianceFlag string
	From, To       time.Time

	Limit  int
	Offset int
}

// ChainMeta is the per-entity retention state.
type ChainMeta struct {
	EntityID      string     `json:"entityId"`
	State         ChainState `json:"state"`
	HoldReason    string     `json:"holdReason,omitempty"`
	HoldSetBy     string     `json:"holdSetBy,omitempty"`
	LastAppendAt  time.Time  `json:"lastAppendAt"`
}

// Store persists entity chains. Implementations must enforce the uniqueness
// of (entityID, sequence): a second insert for the same slot returns
// ErrSequenceConflict.
type Store interface {
	// Head returns the highest-sequence entry of the chain, or
	// ErrEntryNotFound for an empty chain.
	Head(ctx context.Context, entityID string) (*Entry, error)

	// Append inserts the entry. It fails with ErrSequenceConflict when the
	// (entityID, sequence) slot is already taken.
	Append(ctx context.Context, e *Entry) error

	// Entries returns the chain in sequence order, bounded by maxSeq when
	// maxSeq >= 0.
	Entries(ctx context.Context, entityID string, maxSeq int64) ([]*Entry, error)

	// Query returns matching entries across chains, ordered by timestamp.
	Query(ctx context.Context, f QueryFilter) ([]*Entry, error)

	// Meta returns chain retention state; an unseen chain is OPEN.
	Meta(ctx context.Context, entityID string) (*ChainMeta, error)

	// SetMeta updates chain retention state.
	SetMeta(ctx context.Context, meta *ChainMeta) error
}

// MemoryStore is the in-process Store used by tests and single-node setups.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]*Entry
	meta   map[string]*ChainMeta
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: make(map[string][]*Entry),
		meta:   make(map[string]*ChainMeta),
	}
}

func (s *MemoryStore) Head(ctx context.Context, entityID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[entityID]
	if len(chain) == 0 {
		return nil, ErrEntryNotFound
	}
	e := *chain[len(chain)-1]
	return &e, nil
}

func (s *MemoryStore) Append(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[e.EntityID]
	if uint64(len(chain)) != e.Sequence {
		return ErrSequenceConflict
	}

	cp := *e
	s.chains[e.EntityID] = append(chain, &cp)

	m := s.meta[e.EntityID]
	if m == nil {
		m = &ChainMeta{EntityID: e.EntityID, State: ChainOpen}
		s.meta[e.EntityID] = m
	}
	m.LastAppendAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Entries(ctx context.Context, entityID string, maxSeq int64) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[entityID]
	out := make([]*Entry, 0, len(chain))
	for _, e := range chain {
		if maxSeq >= 0 && e.Sequence > uint64(maxSeq) {
			break
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Query(ctx context.Context, f QueryFilter) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, chain := range s.chains {
		for _, e := range chain {
			if matches(e, f) {
				cp := *e
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].Sequence < out[j].Sequence
	})
	return paginate(out, f.Offset, f.Limit), nil
}

func (s *MemoryStore) Meta(ctx context.Context, entityID string) (*ChainMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.meta[entityID]; ok {
		cp := *m
		return &cp, nil
	}
	return &ChainMeta{EntityID: entityID, State: ChainOpen}, nil
}

func (s *MemoryStore) SetMeta(ctx context.Context, meta *ChainMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *meta
	s.meta[meta.EntityID] = &cp
	return nil
}

// Corrupt overwrites a payload field in place. Test hook for tamper
// scenarios; real stores have no mutation path.
func (s *MemoryStore) Corrupt(entityID string, seq uint64, field string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[entityID]
	for _, e := range chain {
		if e.Sequence == seq {
			if e.Payload == nil {
				e.Payload = map[string]interface{}{}
			}
			e.Payload[field] = value
			return
		}
	}
}

func matches(e *Entry, f QueryFilter) bool {
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.EntityModel != "" && e.EntityModel != f.EntityModel {
		return false
	}
	if f.WorkspaceID != "" && e.Context.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.Actor != "" && e.PerformedBy != f.Actor {
		return false
	}
	if f.SessionID != "" && e.Context.SessionID != f.SessionID {
		return false
	}
	if f.IPAddress != "" && e.Context.IPAddress != f.IPAddress {
		return false
	}
	if f.RequestID != "" && e.Context.RequestID != f.RequestID {
		return false
	}
	if f.RiskLevel != "" && !strings.EqualFold(e.Context.RiskLevel, f.RiskLevel) {
		return false
	}
	if f.ComplianceFlag != "" {
		found := false
		for _, fl := range e.Context.ComplianceFlags {
			if fl == f.ComplianceFlag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		t, err := e.Time()
		if err != nil {
			return false
		}
		if !f.From.IsZero() && t.Before(f.From) {
			return false
		}
		if !f.To.IsZero() && t.After(f.To) {
			return false
		}
	}
	return true
}

func paginate(entries []*Entry, offset, limit int) []*Entry {
	if offset >= len(entries) {
		return nil
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}
