package tenants

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fincollab/govcore/pkg/events"
	"github.com/fincollab/govcore/pkg/ledger"
)

func newTestManager(t *testing.T) (*Manager, *ledger.Ledger, *events.Bus) {
	t.Helper()
	led := ledger.New(ledger.NewMemoryStore(), ledger.NewSigner([]byte("k")), nil)
	bus := events.NewBus(nil)
	return NewManager(led, bus, nil), led, bus
}

func TestCreateWorkspaceSetsOwnerMembership(t *testing.T) {
	m, led, _ := newTestManager(t)
	ctx := context.Background()

	ws, err := m.CreateWorkspace(ctx, &Workspace{Name: "Acme", Type: TypeCompany, OwnerID: "u-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, ws.Status)
	assert.Equal(t, uint64(1), ws.CacheEpoch)

	mem, ok := m.Membership(ws.ID, "u-1")
	require.True(t, ok)
	assert.Equal(t, "owner", mem.Role)

	// Creation was recorded in the ledger.
	res, err := led.AuditChain(ctx, ws.ID)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestMembershipInheritanceWalk(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	company, err := m.CreateWorkspace(ctx, &Workspace{Name: "Co", Type: TypeCompany, OwnerID: "u-1"})
	require.NoError(t, err)

	team, err := m.CreateWorkspace(ctx, &Workspace{
		Name: "Team", Type: TypeTeam, OwnerID: "u-1", ParentID: company.ID,
		Inheritance: InheritanceSettings{InheritMembers: true},
	})
	require.NoError(t, err)

	require.NoError(t, m.SetMembership(ctx, &Membership{
		PrincipalID: "u-2", WorkspaceID: company.ID, Role: "viewer", Status: MemberActive,
	}))

	// u-2 has no direct membership in team, but inherits from company.
	mem, _, found := m.ResolveMembership(team.ID, "u-2")
	require.True(t, found)
	assert.Equal(t, "viewer", mem.Role)

	// Without inheritMembers the walk stops.
	isolated, err := m.CreateWorkspace(ctx, &Workspace{
		Name: "Isolated", Type: TypeTeam, OwnerID: "u-1", ParentID: company.ID,
	})
	require.NoError(t, err)
	_, _, found = m.ResolveMembership(isolated.ID, "u-2")
	assert.False(t, found)
}

func TestEpochBumpOnStructuralChange(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	ws, err := m.CreateWorkspace(ctx, &Workspace{Name: "W", Type: TypeProject, OwnerID: "u-1"})
	require.NoError(t, err)
	before := m.Epoch(ws.ID)

	require.NoError(t, m.SetMembership(ctx, &Membership{
		PrincipalID: "u-2", WorkspaceID: ws.ID, Role: "editor", Status: MemberActive,
	}))
	afterAdd := m.Epoch(ws.ID)
	assert.Greater(t, afterAdd, before)

	require.NoError(t, m.RemoveMembership(ctx, ws.ID, "u-2", "u-1", "cleanup"))
	assert.Greater(t, m.Epoch(ws.ID), afterAdd)
}

func TestFreezePublishesEvent(t *testing.T) {
	m, _, bus := newTestManager(t)
	ctx := context.Background()

	var frozen []string
	bus.Subscribe(events.WorkspaceFrozen, func(ctx context.Context, ev events.Event) error {
		frozen = append(frozen, ev.WorkspaceID)
		return nil
	})

	ws, err := m.CreateWorkspace(ctx, &Workspace{Name: "W", Type: TypeCompany, OwnerID: "u-1"})
	require.NoError(t, err)

	require.NoError(t, m.SetStatus(ctx, ws.ID, StatusFrozen, "policy-engine", "velocity breach"))
	assert.Equal(t, []string{ws.ID}, frozen)

	got, err := m.Workspace(ws.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFrozen, got.Status)
}

func TestCreateWorkspaceMissingParent(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.CreateWorkspace(context.Background(), &Workspace{
		Name: "Orphan", Type: TypeTeam, OwnerID: "u-1", ParentID: "nope",
	})
	require.Error(t, err)
}
