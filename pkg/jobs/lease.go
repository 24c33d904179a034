package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fincollab/govcore/pkg/fault"
	"github.com/fincollab/govcore/pkg/retry"
)

// Lease is the cross-process advisory lock a job run must hold. Lease
// expiry allows takeover after a crashed holder.
type Lease interface {
	Acquire(ctx context.Context, jobName string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, jobName string) error
}

// releaseScript deletes the lease only if the caller still owns it, so a
// slow run that outlived its TTL cannot release a successor's lease.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLease implements Lease on a shared Redis. Transient Redis failures on
// acquisition go through the shared retry handler.
type RedisLease struct {
	rdb     redis.UniversalClient
	prefix  string
	retrier *retry.Handler

	mu     sync.Mutex
	tokens map[string]string
}

func NewRedisLease(rdb redis.UniversalClient, prefix string) *RedisLease {
	if prefix == "" {
		prefix = "jobs:lease"
	}
	return &RedisLease{
		rdb:     rdb,
		prefix:  prefix,
		retrier: retry.New(retry.DefaultPolicy()),
		tokens:  make(map[string]string),
	}
}

// WithRetry overrides the transient-failure handler.
func (l *RedisLease) WithRetry(h *retry.Handler) *RedisLease {
	l.retrier = h
	return l
}

func (l *RedisLease) key(jobName string) string {
	return l.prefix + ":" + jobName
}

func (l *RedisLease) Acquire(ctx context.Context, jobName string, ttl time.Duration) (bool, error) {
	token := uuid.New().String()
	var ok bool
	err := l.retrier.Do(ctx, func(ctx context.Context) error {
		got, serr := l.rdb.SetNX(ctx, l.key(jobName), token, ttl).Result()
		if serr != nil {
			return fault.Wrap(fault.Transient, "lease acquire", serr)
		}
		ok = got
		return nil
	})
	if err != nil || !ok {
		return false, err
	}
	l.mu.Lock()
	l.tokens[jobName] = token
	l.mu.Unlock()
	return true, nil
}

func (l *RedisLease) Release(ctx context.Context, jobName string) error {
	l.mu.Lock()
	token, ok := l.tokens[jobName]
	delete(l.tokens, jobName)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return releaseScript.Run(ctx, l.rdb, []string{l.key(jobName)}, token).Err()
}

// LocalLease is a process-local Lease for single-node deployments and tests.
type LocalLease struct {
	mu   sync.Mutex
	held map[string]time.Time
}

func NewLocalLease() *LocalLease {
	return &LocalLease{held: make(map[string]time.Time)}
}

func (l *LocalLease) Acquire(_ context.Context, jobName string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until, ok := l.held[jobName]; ok && time.Now().Before(until) {
		return false, nil
	}
	l.held[jobName] = time.Now().Add(ttl)
	return true, nil
}

func (l *LocalLease) Release(_ context.Context, jobName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, jobName)
	return nil
}
