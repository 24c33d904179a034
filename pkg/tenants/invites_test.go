package tenants

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inviteFixture(t *testing.T) (*InviteService, *Manager, *Workspace) {
	t.Helper()
	m, _, _ := newTestManager(t)
	ws, err := m.CreateWorkspace(context.Background(), &Workspace{
		Name: "W", Type: TypeCompany, OwnerID: "owner-1",
	})
	require.NoError(t, err)
	return NewInviteService(m, "https://app.example.com"), m, ws
}

func TestInviteLifecycle(t *testing.T) {
	svc, m, ws := inviteFixture(t)
	ctx := context.Background()

	inv, token, link, err := svc.Create(ctx, ws.ID, "alice@x.com", "viewer", "", "owner-1", 0)
	require.NoError(t, err)
	assert.Len(t, token, 64) // 32 bytes hex
	assert.Contains(t, link, "/join?token="+token)
	assert.Equal(t, InvitePending, inv.Status)

	// Preview tracks the view.
	seen, err := svc.FindByToken(token)
	require.NoError(t, err)
	assert.Equal(t, 1, seen.ViewCount)

	u := &Principal{ID: "u-9", Email: "alice@x.com"}
	m.UpsertPrincipal(u)

	mem, err := svc.Accept(ctx, token, u)
	require.NoError(t, err)
	assert.Equal(t, "viewer", mem.Role)

	// Second accept reports membership, keeps the first.
	_, err = svc.Accept(ctx, token, u)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already a member")

	got, ok := m.Membership(ws.ID, "u-9")
	require.True(t, ok)
	assert.Equal(t, "viewer", got.Role)
}

func TestInviteTokenNotStoredRaw(t *testing.T) {
	svc, _, ws := inviteFixture(t)

	inv, token, _, err := svc.Create(context.Background(), ws.ID, "bob@x.com", "viewer", "", "owner-1", 0)
	require.NoError(t, err)
	stored := svc.byHash[HashToken(token)]
	require.NotNil(t, stored)
	assert.Equal(t, HashToken(token), stored.TokenHash)
	assert.NotEqual(t, token, stored.TokenHash)

	// The raw token never serializes out of the invite record.
	raw, err := json.Marshal(inv)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), token)
	assert.NotContains(t, string(raw), stored.TokenHash)
}

func TestInviteExpiryBoundary(t *testing.T) {
	svc, _, ws := inviteFixture(t)

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := created
	svc.WithClock(func() time.Time { return now })

	_, token, _, err := svc.Create(context.Background(), ws.ID, "c@x.com", "viewer", "", "owner-1", 1)
	require.NoError(t, err)
	expiresAt := created.Add(24 * time.Hour)

	now = expiresAt.Add(-time.Second)
	inv, err := svc.FindByToken(token)
	require.NoError(t, err)
	assert.Equal(t, InvitePending, inv.Status)

	now = expiresAt.Add(time.Second)
	inv, err = svc.FindByToken(token)
	require.NoError(t, err)
	assert.Equal(t, InviteExpired, inv.Status)
}

func TestInvitePendingUniquenessPerEmail(t *testing.T) {
	svc, _, ws := inviteFixture(t)
	ctx := context.Background()

	_, _, _, err := svc.Create(ctx, ws.ID, "dup@x.com", "viewer", "", "owner-1", 0)
	require.NoError(t, err)
	_, _, _, err = svc.Create(ctx, ws.ID, "dup@x.com", "editor", "", "owner-1", 0)
	require.Error(t, err)
}

func TestAcceptWrongEmailDenied(t *testing.T) {
	svc, m, ws := inviteFixture(t)
	ctx := context.Background()

	_, token, _, err := svc.Create(ctx, ws.ID, "intended@x.com", "viewer", "", "owner-1", 0)
	require.NoError(t, err)

	u := &Principal{ID: "u-2", Email: "other@x.com"}
	m.UpsertPrincipal(u)

	_, err = svc.Accept(ctx, token, u)
	require.Error(t, err)
}
