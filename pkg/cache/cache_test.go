package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type epochMap struct {
	mu sync.Mutex
	m  map[string]uint64
}

func (e *epochMap) Epoch(ws string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.m[ws]; ok {
		return v
	}
	return 1
}

func (e *epochMap) bump(ws string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.m[ws]; !ok {
		e.m[ws] = 1
	}
	e.m[ws]++
}

type fakeL2 struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newFakeL2() *fakeL2 { return &fakeL2{m: make(map[string][]byte)} }

func (f *fakeL2) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m[key], nil
}

func (f *fakeL2) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[key] = value
	return nil
}

func (f *fakeL2) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, key)
	return nil
}

func TestKeyEmbedsEpoch(t *testing.T) {
	epochs := &epochMap{m: map[string]uint64{"w-1": 3}}
	c := New("perm", epochs, nil)
	assert.Equal(t, "perm:w-1:v3:members", c.Key("w-1", "members"))
}

func TestReadYourWritesWithinEpoch(t *testing.T) {
	epochs := &epochMap{m: map[string]uint64{}}
	c := New("perm", epochs, nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "w-1", "members", []string{"a", "b"}, time.Minute))

	var got []string
	ok, err := c.Get(ctx, "w-1", "members", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestEpochBumpInvalidatesLogically(t *testing.T) {
	epochs := &epochMap{m: map[string]uint64{}}
	l2 := newFakeL2()
	c := New("perm", epochs, nil, WithL2(l2))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "w-1", "members", "old", time.Hour))
	epochs.bump("w-1")

	var got string
	ok, err := c.Get(ctx, "w-1", "members", &got)
	require.NoError(t, err)
	assert.False(t, ok, "entry written under the old epoch must miss")

	// Other workspaces are unaffected.
	require.NoError(t, c.Set(ctx, "w-2", "members", "keep", time.Hour))
	ok, err = c.Get(ctx, "w-2", "members", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "keep", got)
}

func TestTTLExpiryAndPrune(t *testing.T) {
	epochs := &epochMap{m: map[string]uint64{}}
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	now := base
	c := New("perm", epochs, nil, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "w-1", "a", 1, time.Minute))
	require.NoError(t, c.Set(ctx, "w-1", "b", 2, time.Hour))

	now = base.Add(2 * time.Minute)
	var got int
	ok, _ := c.Get(ctx, "w-1", "a", &got)
	assert.False(t, ok)
	ok, _ = c.Get(ctx, "w-1", "b", &got)
	assert.True(t, ok)

	removed := c.PruneL1()
	assert.Equal(t, 1, removed)
	_, _, size := c.Stats()
	assert.Equal(t, 1, size)
}

func TestL2FillsOnL1Miss(t *testing.T) {
	epochs := &epochMap{m: map[string]uint64{}}
	l2 := newFakeL2()
	writer := New("perm", epochs, nil, WithL2(l2))
	reader := New("perm", epochs, nil, WithL2(l2))
	ctx := context.Background()

	require.NoError(t, writer.Set(ctx, "w-1", "shared", 42, time.Minute))

	var got int
	ok, err := reader.Get(ctx, "w-1", "shared", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42, got)
}

func TestL1Bounded(t *testing.T) {
	epochs := &epochMap{m: map[string]uint64{}}
	c := New("perm", epochs, nil, WithMaxEntries(10))
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, c.Set(ctx, "w-1", fmt.Sprintf("k%d", i), i, time.Hour))
	}
	_, _, size := c.Stats()
	assert.LessOrEqual(t, size, 10)
}

func TestDeleteRemovesBothTiers(t *testing.T) {
	epochs := &epochMap{m: map[string]uint64{}}
	l2 := newFakeL2()
	c := New("perm", epochs, nil, WithL2(l2))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "w-1", "k", "v", time.Minute))
	c.Delete(ctx, "w-1", "k")

	var got string
	ok, _ := c.Get(ctx, "w-1", "k", &got)
	assert.False(t, ok)
}
