package tenants

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareClocks(t *testing.T) {
	tests := []struct {
		name string
		a, b map[string]uint64
		want ClockOrder
	}{
		{"equal", map[string]uint64{"n1": 1}, map[string]uint64{"n1": 1}, ClockEqual},
		{"before", map[string]uint64{"n1": 1}, map[string]uint64{"n1": 2}, ClockBefore},
		{"after", map[string]uint64{"n1": 3}, map[string]uint64{"n1": 2}, ClockAfter},
		{"concurrent", map[string]uint64{"n1": 2, "n2": 1}, map[string]uint64{"n1": 1, "n2": 2}, ClockConcurrent},
		{"missing key counts as zero", map[string]uint64{"n1": 1}, map[string]uint64{"n1": 1, "n2": 1}, ClockBefore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareClocks(tt.a, tt.b))
		})
	}
}

func TestCaptureOnlyOnConcurrency(t *testing.T) {
	r := NewConflictRegistry()

	// Ordered clocks: no conflict.
	c := r.Capture("tx-1", nil, nil, nil,
		map[string]uint64{"s": 1}, map[string]uint64{"s": 2})
	assert.Nil(t, c)

	c = r.Capture("tx-2",
		map[string]interface{}{"amount": 10},
		map[string]interface{}{"amount": 15},
		map[string]interface{}{"amount": 20},
		map[string]uint64{"s": 2, "c": 0},
		map[string]uint64{"s": 1, "c": 1})
	require.NotNil(t, c)
	assert.Equal(t, ConflictOpen, c.Status)
	assert.Len(t, r.Open(), 1)
}

func TestResolveStrategies(t *testing.T) {
	base := map[string]interface{}{"amount": 10, "memo": "x", "tag": "t"}
	server := map[string]interface{}{"amount": 15, "memo": "x", "tag": "t"}
	client := map[string]interface{}{"amount": 10, "memo": "updated", "tag": "t"}

	mkConflict := func(r *ConflictRegistry) *SyncConflict {
		c := r.Capture("tx", base, server, client,
			map[string]uint64{"s": 2, "c": 0}, map[string]uint64{"s": 1, "c": 1})
		require.NotNil(t, c)
		return c
	}

	t.Run("server_wins", func(t *testing.T) {
		r := NewConflictRegistry()
		c := mkConflict(r)
		got, err := r.Resolve(c.ID, ServerWins, nil)
		require.NoError(t, err)
		assert.Equal(t, server, got.Resolved)
	})

	t.Run("merge keeps both sides' changes", func(t *testing.T) {
		r := NewConflictRegistry()
		c := mkConflict(r)
		got, err := r.Resolve(c.ID, Merge, nil)
		require.NoError(t, err)
		assert.Equal(t, 15, got.Resolved["amount"]) // server change
		assert.Equal(t, "updated", got.Resolved["memo"])
	})

	t.Run("manual requires state", func(t *testing.T) {
		r := NewConflictRegistry()
		c := mkConflict(r)
		_, err := r.Resolve(c.ID, Manual, nil)
		require.Error(t, err)
	})

	t.Run("double resolve rejected", func(t *testing.T) {
		r := NewConflictRegistry()
		c := mkConflict(r)
		_, err := r.Resolve(c.ID, ClientWins, nil)
		require.NoError(t, err)
		_, err = r.Resolve(c.ID, ServerWins, nil)
		require.Error(t, err)
	})
}
