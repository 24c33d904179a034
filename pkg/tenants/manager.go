package tenants

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fincollab/govcore/pkg/events"
	"github.com/fincollab/govcore/pkg/fault"
	"github.com/fincollab/govcore/pkg/ledger"
)

// Recorder is the slice of the ledger the manager needs: every workspace and
// membership mutation goes through it.
type Recorder interface {
	OnMutation(ctx context.Context, m ledger.Mutation) (*ledger.Entry, error)
}

// Manager owns the workspace forest and its memberships.
type Manager struct {
	mu         sync.RWMutex
	workspaces map[string]*Workspace
	members    map[string]map[string]*Membership // workspaceID -> principalID
	principals map[string]*Principal

	recorder Recorder
	bus      *events.Bus
	logger   *slog.Logger
	clock    func() time.Time
}

// NewManager creates an empty manager. recorder and bus may be nil in tests.
func NewManager(recorder Recorder, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		workspaces: make(map[string]*Workspace),
		members:    make(map[string]map[string]*Membership),
		principals: make(map[string]*Principal),
		recorder:   recorder,
		bus:        bus,
		logger:     logger,
		clock:      time.Now,
	}
}

// WithClock overrides the clock for testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// CreateWorkspace adds a node to the forest. The parent chain is validated
// to stay acyclic; the creator becomes the owner.
func (m *Manager) CreateWorkspace(ctx context.Context, ws *Workspace) (*Workspace, error) {
	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}
	if ws.OwnerID == "" {
		return nil, fault.New(fault.ValidationFailed, "workspace requires an owner")
	}

	m.mu.Lock()
	if ws.ParentID != "" {
		if _, ok := m.workspaces[ws.ParentID]; !ok {
			m.mu.Unlock()
			return nil, fault.Newf(fault.NotFound, "parent workspace %s", ws.ParentID)
		}
	}
	ws.Status = StatusActive
	ws.CacheEpoch = 1
	ws.CreatedAt = m.clock().UTC()
	m.workspaces[ws.ID] = ws

	// The owner's membership is implicit but materialized for listing.
	m.setMembershipLocked(&Membership{
		PrincipalID: ws.OwnerID,
		WorkspaceID: ws.ID,
		Role:        "owner",
		Status:      MemberActive,
		JoinedAt:    ws.CreatedAt,
	})
	cp := *ws
	m.mu.Unlock()

	m.record(ctx, ledger.Mutation{
		Model:    "Workspace",
		EntityID: ws.ID,
		After: map[string]interface{}{
			"name": ws.Name, "type": string(ws.Type), "ownerId": ws.OwnerID,
			"parentId": ws.ParentID, "status": string(ws.Status),
		},
		Actor:   ws.OwnerID,
		Context: ledger.EntryContext{WorkspaceID: ws.ID},
	})
	return &cp, nil
}

// Workspace returns a copy of the workspace.
func (m *Manager) Workspace(id string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workspaces[id]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "workspace %s", id)
	}
	cp := *ws
	return &cp, nil
}

// Workspaces lists all workspaces.
func (m *Manager) Workspaces() []*Workspace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		cp := *ws
		out = append(out, &cp)
	}
	return out
}

// ParentChain returns the ancestors of a workspace, nearest first.
func (m *Manager) ParentChain(id string) []*Workspace {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var chain []*Workspace
	seen := map[string]bool{id: true}
	cur := m.workspaces[id]
	for cur != nil && cur.ParentID != "" {
		next, ok := m.workspaces[cur.ParentID]
		if !ok || seen[next.ID] {
			break
		}
		seen[next.ID] = true
		cp := *next
		chain = append(chain, &cp)
		cur = next
	}
	return chain
}

// BumpEpoch advances the workspace cache epoch. Call on any structural
// change; cached reads keyed on the old epoch become logical misses.
func (m *Manager) BumpEpoch(id string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[id]
	if !ok {
		return 0, fault.Newf(fault.NotFound, "workspace %s", id)
	}
	ws.CacheEpoch++
	return ws.CacheEpoch, nil
}

// Epoch reads the current cache epoch.
func (m *Manager) Epoch(id string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ws, ok := m.workspaces[id]; ok {
		return ws.CacheEpoch
	}
	return 0
}

// SetStatus transitions a workspace's status and bumps the epoch. A freeze
// publishes workspace.frozen so job scheduling suspends non-essential work
// for the tenant.
func (m *Manager) SetStatus(ctx context.Context, id string, status WorkspaceStatus, actor, reason string) error {
	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if !ok {
		m.mu.Unlock()
		return fault.Newf(fault.NotFound, "workspace %s", id)
	}
	old := ws.Status
	ws.Status = status
	ws.CacheEpoch++
	m.mu.Unlock()

	m.record(ctx, ledger.Mutation{
		Model:    "Workspace",
		EntityID: id,
		Before:   map[string]interface{}{"status": string(old)},
		After:    map[string]interface{}{"status": string(status)},
		Actor:    actor,
		Context:  ledger.EntryContext{WorkspaceID: id},
	})

	if m.bus != nil {
		switch {
		case status == StatusFrozen && old != StatusFrozen:
			m.bus.Publish(ctx, events.WorkspaceFrozen, id, map[string]interface{}{
				"reason": reason, "actor": actor,
			})
		case status != StatusFrozen && old == StatusFrozen:
			m.bus.Publish(ctx, events.WorkspaceUnfrozen, id, map[string]interface{}{
				"actor": actor,
			})
		}
	}
	return nil
}

// SetMembership installs or replaces a membership and bumps the epoch.
// The membership list is copy-on-write: readers hold copies, the epoch bump
// invalidates caches.
func (m *Manager) SetMembership(ctx context.Context, mem *Membership) error {
	m.mu.Lock()
	if _, ok := m.workspaces[mem.WorkspaceID]; !ok {
		m.mu.Unlock()
		return fault.Newf(fault.NotFound, "workspace %s", mem.WorkspaceID)
	}
	if mem.JoinedAt.IsZero() {
		mem.JoinedAt = m.clock().UTC()
	}
	m.setMembershipLocked(mem)
	m.workspaces[mem.WorkspaceID].CacheEpoch++
	m.mu.Unlock()

	m.record(ctx, ledger.Mutation{
		Model:    "Membership",
		EntityID: mem.WorkspaceID + ":" + mem.PrincipalID,
		After: map[string]interface{}{
			"role": mem.Role, "status": string(mem.Status), "invitedBy": mem.InvitedBy,
		},
		Actor:   mem.InvitedBy,
		Context: ledger.EntryContext{WorkspaceID: mem.WorkspaceID},
	})
	return nil
}

func (m *Manager) setMembershipLocked(mem *Membership) {
	byPrincipal, ok := m.members[mem.WorkspaceID]
	if !ok {
		byPrincipal = make(map[string]*Membership)
		m.members[mem.WorkspaceID] = byPrincipal
	}
	cp := *mem
	byPrincipal[mem.PrincipalID] = &cp
}

// Membership returns the membership for (principal, workspace) without
// walking the parent chain.
func (m *Manager) Membership(workspaceID, principalID string) (*Membership, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if byPrincipal, ok := m.members[workspaceID]; ok {
		if mem, ok := byPrincipal[principalID]; ok {
			cp := *mem
			return &cp, true
		}
	}
	return nil, false
}

// ResolveMembership finds the effective membership for a principal,
// walking up the parent chain while inheritMembers is enabled.
func (m *Manager) ResolveMembership(workspaceID, principalID string) (*Membership, *Workspace, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	cur, ok := m.workspaces[workspaceID]
	if !ok {
		return nil, nil, false
	}
	target := *cur

	for cur != nil && !seen[cur.ID] {
		seen[cur.ID] = true
		if byPrincipal, ok := m.members[cur.ID]; ok {
			if mem, ok := byPrincipal[principalID]; ok {
				cp := *mem
				return &cp, &target, true
			}
		}
		if !cur.Inheritance.InheritMembers || cur.ParentID == "" {
			break
		}
		cur = m.workspaces[cur.ParentID]
	}
	return nil, &target, false
}

// RemoveMembership deletes a membership, bumping the epoch and auditing.
func (m *Manager) RemoveMembership(ctx context.Context, workspaceID, principalID, actor, reason string) error {
	m.mu.Lock()
	byPrincipal, ok := m.members[workspaceID]
	if !ok || byPrincipal[principalID] == nil {
		m.mu.Unlock()
		return fault.Newf(fault.NotFound, "membership %s in %s", principalID, workspaceID)
	}
	old := byPrincipal[principalID]
	delete(byPrincipal, principalID)
	m.workspaces[workspaceID].CacheEpoch++
	m.mu.Unlock()

	m.record(ctx, ledger.Mutation{
		Model:    "Membership",
		EntityID: workspaceID + ":" + principalID,
		Before:   map[string]interface{}{"role": old.Role, "status": string(old.Status)},
		Actor:    actor,
		Context:  ledger.EntryContext{WorkspaceID: workspaceID},
	})
	m.logger.Info("membership removed",
		"workspace", workspaceID, "principal", principalID, "reason", reason)
	return nil
}

// Memberships lists the memberships of a workspace.
func (m *Manager) Memberships(workspaceID string) []*Membership {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Membership
	for _, mem := range m.members[workspaceID] {
		cp := *mem
		out = append(out, &cp)
	}
	return out
}

// UpsertPrincipal registers a principal.
func (m *Manager) UpsertPrincipal(p *Principal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.principals[p.ID] = &cp
}

// PrincipalByID returns a principal if present and not logically deleted.
func (m *Manager) PrincipalByID(id string) (*Principal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.principals[id]
	if !ok || p.Deleted {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// PrincipalByEmail returns a principal by email.
func (m *Manager) PrincipalByEmail(email string) (*Principal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.principals {
		if p.Email == email && !p.Deleted {
			cp := *p
			return &cp, true
		}
	}
	return nil, false
}

func (m *Manager) record(ctx context.Context, mut ledger.Mutation) {
	if m.recorder == nil {
		return
	}
	if _, err := m.recorder.OnMutation(ctx, mut); err != nil {
		// Surfaced to logs; the caller-facing operation already committed.
		m.logger.Error("audit record failed", "model", mut.Model, "entity", mut.EntityID, "error", err)
	}
}
