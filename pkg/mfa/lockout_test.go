package mfa

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockoutLadder(t *testing.T) {
	tr := NewLockoutTracker()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, OutcomeWarn, tr.RecordFailure("u", MethodTOTP, now))
	assert.Equal(t, OutcomeRetryHint, tr.RecordFailure("u", MethodTOTP, now.Add(time.Minute)))
	assert.Equal(t, OutcomeCooldown, tr.RecordFailure("u", MethodTOTP, now.Add(2*time.Minute)))
	assert.Equal(t, OutcomeLocked, tr.RecordFailure("u", MethodTOTP, now.Add(8*time.Minute)))

	// The account lock spans methods.
	blocked, until := tr.Blocked("u", MethodBackupCode, now.Add(9*time.Minute))
	assert.True(t, blocked)
	assert.Equal(t, now.Add(8*time.Minute).Add(accountLockTime), until)

	// And lifts after 15 minutes.
	blocked, _ = tr.Blocked("u", MethodTOTP, now.Add(24*time.Minute))
	assert.False(t, blocked)
}

func TestLockoutWindowSlides(t *testing.T) {
	tr := NewLockoutTracker()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	tr.RecordFailure("u", MethodTOTP, now)
	tr.RecordFailure("u", MethodTOTP, now.Add(time.Minute))

	// Outside the 15-minute window the old failures no longer count.
	got := tr.RecordFailure("u", MethodTOTP, now.Add(20*time.Minute))
	assert.Equal(t, OutcomeWarn, got)
}

func TestLockoutCooldownBlocksMethodOnly(t *testing.T) {
	tr := NewLockoutTracker()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	tr.RecordFailure("u", MethodTOTP, now)
	tr.RecordFailure("u", MethodTOTP, now)
	tr.RecordFailure("u", MethodTOTP, now)

	blocked, _ := tr.Blocked("u", MethodTOTP, now.Add(time.Minute))
	assert.True(t, blocked)
	blocked, _ = tr.Blocked("u", MethodBackupCode, now.Add(time.Minute))
	assert.False(t, blocked)
}

func TestLockoutResetOnSuccess(t *testing.T) {
	tr := NewLockoutTracker()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	tr.RecordFailure("u", MethodTOTP, now)
	tr.RecordFailure("u", MethodTOTP, now)
	tr.Reset("u", MethodTOTP)

	assert.Equal(t, OutcomeWarn, tr.RecordFailure("u", MethodTOTP, now.Add(time.Second)))
}

func TestBypassWindows(t *testing.T) {
	r := NewBypassRegistry()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	s := AdaptiveSettings{}

	r.RecordSuccess("u", "d1", "1.1.1.1", RiskLow, now)
	assert.True(t, r.Bypass("u", "d1", "1.1.1.1", false, s, now.Add(23*time.Hour)))
	assert.False(t, r.Bypass("u", "d1", "1.1.1.1", false, s, now.Add(25*time.Hour)))

	r.RecordSuccess("u", "d2", "1.1.1.1", RiskMedium, now)
	assert.True(t, r.Bypass("u", "d2", "1.1.1.1", false, s, now.Add(59*time.Minute)))
	assert.False(t, r.Bypass("u", "d2", "1.1.1.1", false, s, now.Add(61*time.Minute)))

	r.RecordSuccess("u", "d3", "1.1.1.1", RiskHigh, now)
	assert.True(t, r.Bypass("u", "d3", "1.1.1.1", false, s, now.Add(4*time.Minute)))
	assert.False(t, r.Bypass("u", "d3", "1.1.1.1", false, s, now.Add(6*time.Minute)))
}

func TestBypassDeniedOnIPChangeOrCompromise(t *testing.T) {
	r := NewBypassRegistry()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	r.RecordSuccess("u", "d1", "1.1.1.1", RiskLow, now)
	assert.False(t, r.Bypass("u", "d1", "2.2.2.2", false, AdaptiveSettings{}, now.Add(time.Minute)))
	assert.False(t, r.Bypass("u", "d1", "1.1.1.1", true, AdaptiveSettings{}, now.Add(time.Minute)))

	r.Invalidate("u", "d1")
	assert.False(t, r.Bypass("u", "d1", "1.1.1.1", false, AdaptiveSettings{}, now.Add(time.Minute)))
}

func TestBypassCustomWindows(t *testing.T) {
	r := NewBypassRegistry()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	s := AdaptiveSettings{HighRiskCooldown: time.Minute}

	r.RecordSuccess("u", "d1", "1.1.1.1", RiskHigh, now)
	assert.True(t, r.Bypass("u", "d1", "1.1.1.1", false, s, now.Add(30*time.Second)))
	assert.False(t, r.Bypass("u", "d1", "1.1.1.1", false, s, now.Add(90*time.Second)))
}
