package finance

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fincollab/govcore/pkg/events"
	"github.com/fincollab/govcore/pkg/jobs"
)

type record struct {
	amount float64
	at     time.Time
}

// ActivityBook accumulates transaction activity per workspace. It feeds
// the velocity calculator (24h spend) and the liquidity analyzer (balance,
// burn rate, burn volatility). Entries older than the horizon are pruned
// on write.
type ActivityBook struct {
	mu       sync.RWMutex
	byWS     map[string][]record
	balances map[string]float64
	horizon  time.Duration
	clock    func() time.Time
}

func NewActivityBook() *ActivityBook {
	return &ActivityBook{
		byWS:     make(map[string][]record),
		balances: make(map[string]float64),
		horizon:  90 * 24 * time.Hour,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (b *ActivityBook) WithClock(clock func() time.Time) *ActivityBook {
	b.clock = clock
	return b
}

// Observe feeds the book from the transaction stream.
func (b *ActivityBook) Observe(bus *events.Bus) {
	bus.Subscribe(events.TransactionCreated, func(ctx context.Context, ev events.Event) error {
		amount, _ := ev.Data["amount"].(float64)
		b.Record(ev.WorkspaceID, amount, ev.Time)
		return nil
	})
}

// SetBalance sets the workspace's current cash position. Recorded spend
// draws it down.
func (b *ActivityBook) SetBalance(workspaceID string, balance float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[workspaceID] = balance
}

// Record books one transaction.
func (b *ActivityBook) Record(workspaceID string, amount float64, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.clock().Add(-b.horizon)
	recs := b.byWS[workspaceID]
	kept := recs[:0]
	for _, r := range recs {
		if r.at.After(cutoff) {
			kept = append(kept, r)
		}
	}
	b.byWS[workspaceID] = append(kept, record{amount: amount, at: at})
	b.balances[workspaceID] -= amount
}

// SpendSince sums spend after the given time.
func (b *ActivityBook) SpendSince(_ context.Context, workspaceID string, since time.Time) (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var total float64
	for _, r := range b.byWS[workspaceID] {
		if r.at.After(since) && r.amount > 0 {
			total += r.amount
		}
	}
	return total, nil
}

// Snapshot derives the workspace's cash position: current balance, mean
// daily burn over the observed window, and the burn's standard deviation.
func (b *ActivityBook) Snapshot(_ context.Context, workspaceID string) (jobs.LiquiditySnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := jobs.LiquiditySnapshot{Balance: b.balances[workspaceID]}
	recs := b.byWS[workspaceID]
	if len(recs) == 0 {
		return snap, nil
	}

	daily := bucketByDay(recs)
	var sum float64
	for _, v := range daily {
		sum += v
	}
	mean := sum / float64(len(daily))

	var sq float64
	for _, v := range daily {
		d := v - mean
		sq += d * d
	}
	snap.DailyBurn = mean
	snap.BurnStdev = math.Sqrt(sq / float64(len(daily)))
	return snap, nil
}

// bucketByDay sums spend per UTC day, ordered oldest first.
func bucketByDay(recs []record) []float64 {
	byDay := make(map[string]float64)
	for _, r := range recs {
		if r.amount > 0 {
			byDay[r.at.UTC().Format("2006-01-02")] += r.amount
		}
	}
	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)

	out := make([]float64, len(days))
	for i, d := range days {
		out[i] = byDay[d]
	}
	return out
}
