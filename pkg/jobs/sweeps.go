package jobs

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/fincollab/govcore/pkg/cache"
	"github.com/fincollab/govcore/pkg/ledger"
	"github.com/fincollab/govcore/pkg/tenants"
)

// Recorder is the audit slice sweeps write findings to.
type Recorder interface {
	Append(ctx context.Context, in ledger.AppendInput) (*ledger.Entry, error)
}

// AccessAuditor removes memberships whose principal no longer exists or
// whose role is no longer defined.
type AccessAuditor struct {
	Manager  *tenants.Manager
	HasRole  func(role string) bool
	Recorder Recorder
	Logger   *slog.Logger
}

func (a *AccessAuditor) Name() string { return "accessAuditor" }

func (a *AccessAuditor) Run(ctx context.Context) error {
	for _, ws := range a.Manager.Workspaces() {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, mem := range a.Manager.Memberships(ws.ID) {
			dangling := ""
			if _, ok := a.Manager.PrincipalByID(mem.PrincipalID); !ok {
				dangling = "principal deleted"
			} else if mem.Role != "owner" && a.HasRole != nil && !a.HasRole(mem.Role) {
				dangling = "role undefined"
			}
			if dangling == "" {
				continue
			}
			err := a.Manager.RemoveMembership(ctx, ws.ID, mem.PrincipalID, "accessAuditor", dangling)
			if err != nil {
				a.logger().Warn("dangling membership removal failed",
					"workspace", ws.ID, "principal", mem.PrincipalID, "error", err)
				continue
			}
			a.logger().Info("dangling membership removed",
				"workspace", ws.ID, "principal", mem.PrincipalID, "reason", dangling)
		}
	}
	return nil
}

func (a *AccessAuditor) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// LiquiditySnapshot is one workspace's cash position.
type LiquiditySnapshot struct {
	Balance   float64
	DailyBurn float64
	BurnStdev float64
}

// LiquiditySource supplies the positions the analyzer stress-tests.
type LiquiditySource interface {
	Snapshot(ctx context.Context, workspaceID string) (LiquiditySnapshot, error)
}

// LiquidityAnalyzer stress-tests each active workspace and audits the ones
// whose ruin probability crosses the flag threshold.
type LiquidityAnalyzer struct {
	Manager   *tenants.Manager
	Source    LiquiditySource
	Recorder  Recorder
	Threshold float64 // flag when ruin probability exceeds this; default 0.05
	Logger    *slog.Logger
}

func (l *LiquidityAnalyzer) Name() string { return "liquidityAnalyzer" }

func (l *LiquidityAnalyzer) Run(ctx context.Context) error {
	threshold := l.Threshold
	if threshold <= 0 {
		threshold = 0.05
	}
	for _, ws := range l.Manager.Workspaces() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ws.Status != tenants.StatusActive {
			continue
		}
		snap, err := l.Source.Snapshot(ctx, ws.ID)
		if err != nil {
			l.logger().Warn("liquidity snapshot failed", "workspace", ws.ID, "error", err)
			continue
		}
		p := ruinProbability(snap)
		if p <= threshold {
			continue
		}
		l.logger().Warn("liquidity risk flagged", "workspace", ws.ID, "ruinProbability", p)
		if l.Recorder != nil {
			_, _ = l.Recorder.Append(ctx, ledger.AppendInput{
				EntityID:    ws.ID,
				EntityModel: "LiquidityFinding",
				EventType:   ledger.EventCustom,
				Payload: map[string]interface{}{
					"event":           "LIQUIDITY_RISK",
					"ruinProbability": p,
					"balance":         snap.Balance,
					"dailyBurn":       snap.DailyBurn,
				},
				Actor:   "liquidityAnalyzer",
				Context: ledger.EntryContext{WorkspaceID: ws.ID, ComplianceFlags: []string{"liquidity_risk"}},
			})
		}
	}
	return nil
}

func (l *LiquidityAnalyzer) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// ruinProbability approximates the chance the balance is exhausted within
// the stress horizon. A gambler's-ruin bound over the burn drift and
// volatility; clamped to [0, 1].
func ruinProbability(s LiquiditySnapshot) float64 {
	if s.Balance <= 0 {
		return 1
	}
	if s.DailyBurn <= 0 {
		return 0
	}
	variance := s.BurnStdev * s.BurnStdev
	if variance == 0 {
		// Deterministic burn: ruin inside the 90-day horizon or not at all.
		if s.Balance/s.DailyBurn <= 90 {
			return 1
		}
		return 0
	}
	p := math.Exp(-2 * s.Balance * s.DailyBurn / variance)
	if runway := s.Balance / s.DailyBurn; runway < 90 {
		p = math.Max(p, 1-runway/90)
	}
	return math.Min(1, p)
}

// VelocityRegistry holds the latest 24h spend per workspace for the
// compliance context.
type VelocityRegistry struct {
	mu sync.RWMutex
	m  map[string]float64
}

func NewVelocityRegistry() *VelocityRegistry {
	return &VelocityRegistry{m: make(map[string]float64)}
}

func (r *VelocityRegistry) Set(workspaceID string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[workspaceID] = v
}

// Metrics returns the compliance metrics slot for a workspace.
func (r *VelocityRegistry) Metrics(workspaceID string) map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.m[workspaceID]
	if !ok {
		return nil
	}
	return map[string]float64{"dailyVelocity": v}
}

// SpendSource reports workspace spend since a point in time.
type SpendSource interface {
	SpendSince(ctx context.Context, workspaceID string, since time.Time) (float64, error)
}

// VelocityCalculator recomputes 24h spend per active workspace and feeds
// the registry the compliance orchestrator reads from.
type VelocityCalculator struct {
	Manager  *tenants.Manager
	Source   SpendSource
	Registry *VelocityRegistry
	Clock    func() time.Time
	Logger   *slog.Logger
}

func (v *VelocityCalculator) Name() string { return "velocityCalculator" }

func (v *VelocityCalculator) Run(ctx context.Context) error {
	now := time.Now().UTC()
	if v.Clock != nil {
		now = v.Clock()
	}
	since := now.Add(-24 * time.Hour)
	for _, ws := range v.Manager.Workspaces() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ws.Status != tenants.StatusActive {
			continue
		}
		spend, err := v.Source.SpendSince(ctx, ws.ID, since)
		if err != nil {
			v.logger().Warn("spend lookup failed", "workspace", ws.ID, "error", err)
			continue
		}
		v.Registry.Set(ws.ID, spend)
	}
	return nil
}

func (v *VelocityCalculator) logger() *slog.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return slog.Default()
}

// CachePruner drops expired L1 cache entries; L2 expiry is TTL-driven.
type CachePruner struct {
	Cache  *cache.Cache
	Logger *slog.Logger
}

func (c *CachePruner) Name() string { return "cachePruner" }

func (c *CachePruner) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := c.Cache.PruneL1()
	if n > 0 {
		logger := c.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Debug("cache pruned", "entries", n)
	}
	return nil
}
