// Package cache is an epoch-scoped two-tier cache. Keys embed the owning
// workspace's cache epoch, so bumping the epoch logically invalidates every
// prior entry without any eviction work. Read-your-writes holds within an
// epoch; cross-epoch reads may be stale.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultMaxEntries    = 4096
	defaultPruneInterval = 10 * time.Minute
)

// EpochSource reports the current cache epoch for a workspace.
type EpochSource interface {
	Epoch(workspaceID string) uint64
}

// L2 is the shared tier. Implementations must treat a miss as (nil, nil).
type L2 interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type l1Entry struct {
	value     json.RawMessage
	expiresAt time.Time
	storedAt  time.Time
}

// Cache is the two-tier cache. L1 is a bounded process-local map; L2 is
// optional and shared.
type Cache struct {
	prefix     string
	epochs     EpochSource
	l2         L2
	logger     *slog.Logger
	clock      func() time.Time
	maxEntries int

	mu sync.RWMutex
	l1 map[string]l1Entry

	hits, misses uint64
}

// Option tunes cache construction.
type Option func(*Cache)

// WithMaxEntries bounds the L1 map.
func WithMaxEntries(n int) Option {
	return func(c *Cache) { c.maxEntries = n }
}

// WithL2 attaches the shared tier.
func WithL2(l2 L2) Option {
	return func(c *Cache) { c.l2 = l2 }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) { c.clock = clock }
}

func New(prefix string, epochs EpochSource, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		prefix:     prefix,
		epochs:     epochs,
		logger:     logger,
		clock:      func() time.Time { return time.Now().UTC() },
		maxEntries: defaultMaxEntries,
		l1:         make(map[string]l1Entry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Key builds the epoch-scoped key for a workspace-owned entry.
func (c *Cache) Key(workspaceID, suffix string) string {
	return fmt.Sprintf("%s:%s:v%d:%s", c.prefix, workspaceID, c.epochs.Epoch(workspaceID), suffix)
}

// Get loads the value into out. A key minted under an older epoch can never
// be produced again, so stale entries simply miss.
func (c *Cache) Get(ctx context.Context, workspaceID, suffix string, out interface{}) (bool, error) {
	key := c.Key(workspaceID, suffix)
	now := c.clock()

	c.mu.RLock()
	e, ok := c.l1[key]
	c.mu.RUnlock()
	if ok && now.Before(e.expiresAt) {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return true, json.Unmarshal(e.value, out)
	}

	if c.l2 == nil {
		c.countMiss()
		return false, nil
	}
	raw, err := c.l2.Get(ctx, key)
	if err != nil {
		// L2 is best effort; a transport error is a miss.
		c.logger.Warn("cache l2 read failed", "key", key, "error", err)
		c.countMiss()
		return false, nil
	}
	if raw == nil {
		c.countMiss()
		return false, nil
	}
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return true, json.Unmarshal(raw, out)
}

// Set stores the value in both tiers under the current epoch.
func (c *Cache) Set(ctx context.Context, workspaceID, suffix string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	key := c.Key(workspaceID, suffix)
	now := c.clock()

	c.mu.Lock()
	if len(c.l1) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.l1[key] = l1Entry{value: raw, expiresAt: now.Add(ttl), storedAt: now}
	c.mu.Unlock()

	if c.l2 != nil {
		if err := c.l2.Set(ctx, key, raw, ttl); err != nil {
			c.logger.Warn("cache l2 write failed", "key", key, "error", err)
		}
	}
	return nil
}

// Delete removes the entry from both tiers within the current epoch.
func (c *Cache) Delete(ctx context.Context, workspaceID, suffix string) {
	key := c.Key(workspaceID, suffix)
	c.mu.Lock()
	delete(c.l1, key)
	c.mu.Unlock()
	if c.l2 != nil {
		if err := c.l2.Delete(ctx, key); err != nil {
			c.logger.Warn("cache l2 delete failed", "key", key, "error", err)
		}
	}
}

// PruneL1 drops expired L1 entries and returns how many were removed.
func (c *Cache) PruneL1() int {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.l1 {
		if !now.Before(e.expiresAt) {
			delete(c.l1, k)
			removed++
		}
	}
	return removed
}

// StartPruner sweeps L1 every interval (10 minutes when zero) until the
// context is cancelled.
func (c *Cache) StartPruner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultPruneInterval
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := c.PruneL1(); n > 0 {
					c.logger.Debug("cache pruned", "entries", n)
				}
			}
		}
	}()
}

// Stats reports hit/miss counters and the current L1 size.
func (c *Cache) Stats() (hits, misses uint64, l1Size int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, len(c.l1)
}

// evictLocked frees room: expired entries first, then the oldest stored.
func (c *Cache) evictLocked(now time.Time) {
	for k, e := range c.l1 {
		if !now.Before(e.expiresAt) {
			delete(c.l1, k)
		}
	}
	for len(c.l1) >= c.maxEntries {
		var oldestKey string
		var oldestAt time.Time
		for k, e := range c.l1 {
			if oldestKey == "" || e.storedAt.Before(oldestAt) {
				oldestKey, oldestAt = k, e.storedAt
			}
		}
		delete(c.l1, oldestKey)
	}
}

func (c *Cache) countMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}
