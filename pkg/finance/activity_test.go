package finance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fincollab/govcore/pkg/events"
)

func TestMoneyArithmetic(t *testing.T) {
	a := NewMoney(1050, "USD")
	b := NewMoney(250, "USD")

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, int64(1300), sum.AmountMinor)

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, int64(800), diff.AmountMinor)
	assert.Equal(t, 8.0, diff.Float())

	_, err = a.Add(NewMoney(100, "EUR"))
	assert.Error(t, err)
}

func TestSpendSinceWindow(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	book := NewActivityBook().WithClock(func() time.Time { return now })

	book.Record("ws-1", 100, now.Add(-2*time.Hour))
	book.Record("ws-1", 50, now.Add(-23*time.Hour))
	book.Record("ws-1", 999, now.Add(-48*time.Hour))
	book.Record("ws-2", 7, now.Add(-time.Hour))

	spend, err := book.SpendSince(context.Background(), "ws-1", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 150.0, spend)
}

func TestSnapshotBurnStatistics(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	book := NewActivityBook().WithClock(func() time.Time { return now })
	book.SetBalance("ws-1", 1000)

	// Three days of identical burn: stdev 0, mean 100.
	for day := 1; day <= 3; day++ {
		book.Record("ws-1", 100, now.AddDate(0, 0, -day))
	}

	snap, err := book.Snapshot(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.InDelta(t, 700.0, snap.Balance, 1e-9)
	assert.InDelta(t, 100.0, snap.DailyBurn, 1e-9)
	assert.InDelta(t, 0.0, snap.BurnStdev, 1e-9)
}

func TestSnapshotEmptyWorkspace(t *testing.T) {
	book := NewActivityBook()
	snap, err := book.Snapshot(context.Background(), "ws-none")
	require.NoError(t, err)
	assert.Zero(t, snap.DailyBurn)
	assert.Zero(t, snap.BurnStdev)
}

func TestObserveFeedsFromBus(t *testing.T) {
	bus := events.NewBus(nil)
	book := NewActivityBook()
	book.Observe(bus)

	bus.Publish(context.Background(), events.TransactionCreated, "ws-1", map[string]interface{}{
		"amount": 42.0,
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		spend, err := book.SpendSince(context.Background(), "ws-1", time.Now().Add(-time.Minute))
		require.NoError(t, err)
		if spend == 42.0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("transaction never reached the activity book")
}
