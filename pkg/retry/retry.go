// Package retry implements the shared backoff handler for transient
// infrastructure failures. Deterministic client errors are never retried;
// eligibility is decided by fault.Retryable.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/fincollab/govcore/pkg/fault"
)

// Policy tunes the exponential backoff schedule.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the fraction of the computed delay randomized in
	// [delay*(1-Jitter), delay*(1+Jitter)].
	Jitter     float64
	MaxRetries int
}

// DefaultPolicy is the handler contract every transient-capable dependency
// goes through unless explicitly overridden.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		Jitter:       0.25,
		MaxRetries:   3,
	}
}

// Handler retries an operation with capped exponential backoff and
// proportional jitter.
type Handler struct {
	policy Policy
	sleep  func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	rng *rand.Rand
}

func New(policy Policy) *Handler {
	if policy.Multiplier <= 1 {
		policy.Multiplier = 2
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = policy.InitialDelay
	}
	return &Handler{
		policy: policy,
		sleep:  sleepCtx,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithSleep overrides the inter-attempt wait for testing.
func (h *Handler) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Handler {
	h.sleep = sleep
	return h
}

// Do runs op, retrying while fault.Retryable(err) holds, up to MaxRetries
// retries after the first attempt. The last error is returned; context
// cancellation during a wait aborts immediately.
func (h *Handler) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil || !fault.Retryable(lastErr) {
			return lastErr
		}
		if attempt >= h.policy.MaxRetries {
			return lastErr
		}
		if err := h.sleep(ctx, h.Delay(attempt)); err != nil {
			return fault.Wrap(fault.Timeout, "retry aborted", lastErr)
		}
	}
}

// Delay computes the wait before retry number attempt (0-based), jittered.
func (h *Handler) Delay(attempt int) time.Duration {
	d := float64(h.policy.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= h.policy.Multiplier
		if d >= float64(h.policy.MaxDelay) {
			d = float64(h.policy.MaxDelay)
			break
		}
	}
	if d > float64(h.policy.MaxDelay) {
		d = float64(h.policy.MaxDelay)
	}
	if h.policy.Jitter > 0 {
		h.mu.Lock()
		f := 1 + h.policy.Jitter*(2*h.rng.Float64()-1)
		h.mu.Unlock()
		d *= f
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
