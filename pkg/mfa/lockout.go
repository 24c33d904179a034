package mfa

import (
	"sync"
	"time"
)

const (
	lockoutWindow   = 15 * time.Minute
	methodCooldown  = 5 * time.Minute
	accountLockTime = 15 * time.Minute
)

// FailureOutcome is the escalation step after a failed verification.
type FailureOutcome string

const (
	OutcomeWarn      FailureOutcome = "warn"
	OutcomeRetryHint FailureOutcome = "retry_hint"
	OutcomeCooldown  FailureOutcome = "cooldown"
	OutcomeLocked    FailureOutcome = "locked"
)

type methodWindow struct {
	failures      []time.Time
	cooldownUntil time.Time
}

// LockoutTracker escalates repeated failures per (principal, method) inside
// a 15-minute sliding window: warn, retry with hint, 5-minute method
// cooldown, then a 15-minute account lock. Success resets the window.
type LockoutTracker struct {
	mu      sync.Mutex
	windows map[string]*methodWindow
	locks   map[string]time.Time
}

func NewLockoutTracker() *LockoutTracker {
	return &LockoutTracker{
		windows: make(map[string]*methodWindow),
		locks:   make(map[string]time.Time),
	}
}

func lockoutKey(principalID string, method Method) string {
	return principalID + "\x00" + string(method)
}

// RecordFailure registers a failed attempt and returns the escalation step.
// When the outcome is OutcomeLocked the account lock applies across methods.
func (t *LockoutTracker) RecordFailure(principalID string, method Method, now time.Time) FailureOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := lockoutKey(principalID, method)
	w, ok := t.windows[key]
	if !ok {
		w = &methodWindow{}
		t.windows[key] = w
	}
	w.failures = append(prune(w.failures, now), now)

	switch n := len(w.failures); {
	case n == 1:
		return OutcomeWarn
	case n == 2:
		return OutcomeRetryHint
	case n == 3:
		w.cooldownUntil = now.Add(methodCooldown)
		return OutcomeCooldown
	default:
		t.locks[principalID] = now.Add(accountLockTime)
		return OutcomeLocked
	}
}

// Blocked reports whether attempts are currently refused, with the earliest
// time a retry is allowed.
func (t *LockoutTracker) Blocked(principalID string, method Method, now time.Time) (bool, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if until, ok := t.locks[principalID]; ok {
		if now.Before(until) {
			return true, until
		}
		delete(t.locks, principalID)
	}
	if w, ok := t.windows[lockoutKey(principalID, method)]; ok && now.Before(w.cooldownUntil) {
		return true, w.cooldownUntil
	}
	return false, time.Time{}
}

// Reset clears the failure window after a successful verification.
func (t *LockoutTracker) Reset(principalID string, method Method) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.windows, lockoutKey(principalID, method))
	delete(t.locks, principalID)
}

func prune(failures []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-lockoutWindow)
	kept := failures[:0]
	for _, f := range failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	return kept
}
