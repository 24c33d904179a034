package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fincollab/govcore/pkg/cache"
	"github.com/fincollab/govcore/pkg/events"
	"github.com/fincollab/govcore/pkg/ledger"
	"github.com/fincollab/govcore/pkg/tenants"
)

func sweepFixture(t *testing.T) (*tenants.Manager, *ledger.Ledger, string) {
	t.Helper()
	led := ledger.New(ledger.NewMemoryStore(), ledger.NewSigner([]byte("k")), nil)
	m := tenants.NewManager(led, events.NewBus(nil), nil)
	ws, err := m.CreateWorkspace(context.Background(), &tenants.Workspace{
		Name: "W", Type: tenants.TypeCompany, OwnerID: "owner-1",
	})
	require.NoError(t, err)
	m.UpsertPrincipal(&tenants.Principal{ID: "owner-1", Email: "o@x.com"})
	return m, led, ws.ID
}

func TestAccessAuditorRemovesDanglingMemberships(t *testing.T) {
	m, led, ws := sweepFixture(t)
	ctx := context.Background()

	m.UpsertPrincipal(&tenants.Principal{ID: "u-live", Email: "l@x.com"})
	require.NoError(t, m.SetMembership(ctx, &tenants.Membership{
		PrincipalID: "u-live", WorkspaceID: ws, Role: "viewer", Status: tenants.MemberActive,
	}))
	// u-ghost has a membership but no principal record.
	require.NoError(t, m.SetMembership(ctx, &tenants.Membership{
		PrincipalID: "u-ghost", WorkspaceID: ws, Role: "viewer", Status: tenants.MemberActive,
	}))
	// u-oldrole has a principal but an undefined role.
	m.UpsertPrincipal(&tenants.Principal{ID: "u-oldrole", Email: "r@x.com"})
	require.NoError(t, m.SetMembership(ctx, &tenants.Membership{
		PrincipalID: "u-oldrole", WorkspaceID: ws, Role: "retired-role", Status: tenants.MemberActive,
	}))

	sweep := &AccessAuditor{
		Manager:  m,
		HasRole:  func(role string) bool { return role == "viewer" },
		Recorder: led,
	}
	require.NoError(t, sweep.Run(ctx))

	_, ok := m.Membership(ws, "u-ghost")
	assert.False(t, ok)
	_, ok = m.Membership(ws, "u-oldrole")
	assert.False(t, ok)
	_, ok = m.Membership(ws, "u-live")
	assert.True(t, ok)
	_, ok = m.Membership(ws, "owner-1")
	assert.True(t, ok, "owner membership survives even without a registered role")
}

func TestAccessAuditorHonorsCancellation(t *testing.T) {
	m, _, _ := sweepFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sweep := &AccessAuditor{Manager: m}
	assert.ErrorIs(t, sweep.Run(ctx), context.Canceled)
}

type staticLiquidity map[string]LiquiditySnapshot

func (s staticLiquidity) Snapshot(_ context.Context, ws string) (LiquiditySnapshot, error) {
	return s[ws], nil
}

func TestLiquidityAnalyzerFlagsHighRuinProbability(t *testing.T) {
	m, led, ws := sweepFixture(t)
	ctx := context.Background()

	sweep := &LiquidityAnalyzer{
		Manager: m,
		Source: staticLiquidity{
			ws: {Balance: 1000, DailyBurn: 500, BurnStdev: 800},
		},
		Recorder: led,
	}
	require.NoError(t, sweep.Run(ctx))

	entries, err := led.Query(ctx, ledger.QueryFilter{EntityModel: "LiquidityFinding"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "LIQUIDITY_RISK", entries[0].Payload["event"])
}

func TestLiquidityAnalyzerSkipsHealthyWorkspaces(t *testing.T) {
	m, led, ws := sweepFixture(t)
	sweep := &LiquidityAnalyzer{
		Manager: m,
		Source: staticLiquidity{
			ws: {Balance: 1_000_000, DailyBurn: 100, BurnStdev: 20},
		},
		Recorder: led,
	}
	require.NoError(t, sweep.Run(context.Background()))

	entries, err := led.Query(context.Background(), ledger.QueryFilter{EntityModel: "LiquidityFinding"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRuinProbabilityBounds(t *testing.T) {
	assert.Equal(t, 1.0, ruinProbability(LiquiditySnapshot{Balance: 0, DailyBurn: 10}))
	assert.Equal(t, 0.0, ruinProbability(LiquiditySnapshot{Balance: 100, DailyBurn: 0}))
	// Deterministic burn with short runway is certain ruin in-horizon.
	assert.Equal(t, 1.0, ruinProbability(LiquiditySnapshot{Balance: 100, DailyBurn: 10}))
	// Long deterministic runway never ruins.
	assert.Equal(t, 0.0, ruinProbability(LiquiditySnapshot{Balance: 10000, DailyBurn: 10}))

	p := ruinProbability(LiquiditySnapshot{Balance: 1000, DailyBurn: 500, BurnStdev: 800})
	assert.Greater(t, p, 0.0)
	assert.LessOrEqual(t, p, 1.0)
}

type staticSpend map[string]float64

func (s staticSpend) SpendSince(_ context.Context, ws string, _ time.Time) (float64, error) {
	return s[ws], nil
}

func TestVelocityCalculatorFeedsRegistry(t *testing.T) {
	m, _, ws := sweepFixture(t)
	reg := NewVelocityRegistry()
	sweep := &VelocityCalculator{
		Manager:  m,
		Source:   staticSpend{ws: 12000},
		Registry: reg,
	}
	require.NoError(t, sweep.Run(context.Background()))

	metrics := reg.Metrics(ws)
	require.NotNil(t, metrics)
	assert.Equal(t, 12000.0, metrics["dailyVelocity"])
	assert.Nil(t, reg.Metrics("unknown-ws"))
}

func TestVelocityCalculatorSkipsFrozenWorkspace(t *testing.T) {
	m, _, ws := sweepFixture(t)
	require.NoError(t, m.SetStatus(context.Background(), ws, tenants.StatusFrozen, "compliance", "policy"))

	reg := NewVelocityRegistry()
	sweep := &VelocityCalculator{Manager: m, Source: staticSpend{ws: 500}, Registry: reg}
	require.NoError(t, sweep.Run(context.Background()))
	assert.Nil(t, reg.Metrics(ws))
}

type singleEpoch struct{}

func (singleEpoch) Epoch(string) uint64 { return 1 }

func TestCachePrunerDropsExpired(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	now := base
	c := cache.New("t", singleEpoch{}, nil, cache.WithClock(func() time.Time { return now }))
	require.NoError(t, c.Set(context.Background(), "w", "k", 1, time.Minute))

	now = base.Add(time.Hour)
	sweep := &CachePruner{Cache: c}
	require.NoError(t, sweep.Run(context.Background()))

	var got int
	ok, _ := c.Get(context.Background(), "w", "k", &got)
	assert.False(t, ok)
}
