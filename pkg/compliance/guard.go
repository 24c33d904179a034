package compliance

import (
	"context"
	"log/slog"

	"github.com/fincollab/govcore/pkg/events"
	"github.com/fincollab/govcore/pkg/fault"
	"github.com/fincollab/govcore/pkg/ledger"
)

// Chain is the ledger slice the guard verifies against.
type Chain interface {
	AuditChain(ctx context.Context, entityID string) (*ledger.AuditResult, error)
}

// IntegrityGuard gates mutations behind audit chain verification. Writes
// fail closed on a broken chain; reads fail open with a logged warning.
type IntegrityGuard struct {
	chain  Chain
	bus    *events.Bus
	logger *slog.Logger
}

func NewIntegrityGuard(chain Chain, bus *events.Bus, logger *slog.Logger) *IntegrityGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntegrityGuard{chain: chain, bus: bus, logger: logger}
}

// CheckWrite verifies the entity's chain before a mutation. A broken chain
// rejects the write and publishes a ledger breach event.
func (g *IntegrityGuard) CheckWrite(ctx context.Context, entityID string) error {
	res, err := g.chain.AuditChain(ctx, entityID)
	if err != nil {
		// The chain could not be read at all; a write on an unverifiable
		// entity is refused.
		return fault.Wrap(fault.IntegrityViolation, "chain unverifiable", err)
	}
	if res.Valid {
		return nil
	}
	g.logger.Error("audit chain broken, write rejected",
		"entity", entityID, "reason", res.Reason, "brokenAt", res.BrokenAt)
	if g.bus != nil {
		g.bus.Publish(ctx, events.LedgerBreach, "", map[string]interface{}{
			"entityId": entityID,
			"reason":   res.Reason,
			"brokenAt": res.BrokenAt,
		})
	}
	return fault.New(fault.IntegrityViolation, "audit chain integrity violation").
		WithDetail("reason", res.Reason).
		WithDetail("brokenAt", res.BrokenAt)
}

// CheckRead verifies the chain but never blocks: a breach is logged and the
// read proceeds.
func (g *IntegrityGuard) CheckRead(ctx context.Context, entityID string) {
	res, err := g.chain.AuditChain(ctx, entityID)
	if err != nil {
		g.logger.Warn("audit chain unverifiable on read", "entity", entityID, "error", err)
		return
	}
	if !res.Valid {
		g.logger.Warn("audit chain broken, read permitted",
			"entity", entityID, "reason", res.Reason, "brokenAt", res.BrokenAt)
	}
}
