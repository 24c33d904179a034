// Package mfa implements adaptive multi-factor authentication: a weighted
// confidence score over contextual signals, minimum-friction challenge
// selection, trusted-device bypass, per-risk cooldowns, sliding-window
// lockout, and single-use backup codes.
package mfa

import (
	"time"
)

// Method is an enrolled verification method.
type Method string

const (
	MethodTOTP       Method = "totp"
	MethodWebAuthn   Method = "webauthn"
	MethodPush       Method = "push"
	MethodBiometric  Method = "biometric"
	MethodKnowledge  Method = "knowledge"
	MethodBackupCode Method = "backup_code"
)

// RiskLevel classifies a request by its confidence score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// State is the per-principal MFA lifecycle state.
type State string

const (
	StateNone         State = "NONE"
	StateSetupPending State = "SETUP_PENDING"
	StateEnabled      State = "ENABLED"
	StateLocked       State = "LOCKED"
	StateDisabled     State = "DISABLED"
)

// BackupCode is a single-use recovery code. Only the hash is persisted.
type BackupCode struct {
	Hash   string     `json:"hash"`
	Used   bool       `json:"used"`
	UsedAt *time.Time `json:"usedAt,omitempty"`
}

// TrustedDevice is a fingerprinted device the principal has verified.
// Counters and the last-used timestamp are mutated under the store lock;
// see Store.RecordDeviceUse.
type TrustedDevice struct {
	Fingerprint          string    `json:"fingerprint"`
	Name                 string    `json:"name,omitempty"`
	Verified             bool      `json:"verified"`
	Active               bool      `json:"active"`
	Compromised          bool      `json:"compromised"`
	AddedAt              time.Time `json:"addedAt"`
	LastUsedAt           time.Time `json:"lastUsedAt"`
	TrustExpiresAt       time.Time `json:"trustExpiresAt"`
	UsageCount           int64     `json:"usageCount"`
	ConsecutiveSuccesses int64     `json:"consecutiveSuccesses"`
	ConsecutiveFailures  int64     `json:"consecutiveFailures"`
}

// AdaptiveSettings tunes scoring thresholds and bypass windows per principal.
// Zero values fall back to the defaults.
type AdaptiveSettings struct {
	LowRiskThreshold    float64       `json:"lowRiskThreshold,omitempty"`    // score >= this is LOW risk
	MediumRiskThreshold float64       `json:"mediumRiskThreshold,omitempty"` // score >= this is MEDIUM risk
	LowRiskCooldown     time.Duration `json:"lowRiskCooldown,omitempty"`
	MediumRiskCooldown  time.Duration `json:"mediumRiskCooldown,omitempty"`
	HighRiskCooldown    time.Duration `json:"highRiskCooldown,omitempty"`
}

// Config is the per-principal MFA record. The TOTP secret is sealed with the
// operator key before it is stored and never appears in logs or JSON.
type Config struct {
	PrincipalID      string           `json:"principalId"`
	State            State            `json:"state"`
	PrimaryMethod    Method           `json:"primaryMethod,omitempty"`
	SealedTOTPSecret string           `json:"-"`
	WebAuthnIDs      []string         `json:"webauthnIds,omitempty"`
	PushTokens       []string         `json:"pushTokens,omitempty"`
	KnowledgeHashes  []string         `json:"-"`
	BackupCodes      []BackupCode     `json:"backupCodes,omitempty"`
	TrustedDevices   []*TrustedDevice `json:"trustedDevices,omitempty"`
	FailureCount     int              `json:"failureCount"`
	LockedUntil      *time.Time       `json:"lockedUntil,omitempty"`
	Adaptive         AdaptiveSettings `json:"adaptive"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Enabled reports whether challenges are currently enforced.
func (c *Config) Enabled() bool {
	return c.State == StateEnabled || c.State == StateLocked
}

// EnrolledMethods returns the availability mask for challenge selection.
func (c *Config) EnrolledMethods() map[Method]bool {
	m := make(map[Method]bool)
	if c.SealedTOTPSecret != "" {
		m[MethodTOTP] = true
	}
	if len(c.WebAuthnIDs) > 0 {
		m[MethodWebAuthn] = true
		m[MethodBiometric] = true
	}
	if len(c.PushTokens) > 0 {
		m[MethodPush] = true
	}
	if len(c.KnowledgeHashes) > 0 {
		m[MethodKnowledge] = true
	}
	return m
}

// Request carries the per-request context the orchestrator evaluates.
type Request struct {
	Fingerprint string
	IP          string
	UserAgent   string
	SessionID   string
	RequestID   string
}

// Decision is the outcome of a required-check.
type Decision struct {
	Required   bool      `json:"required"`
	Challenge  Method    `json:"challenge,omitempty"`
	Confidence float64   `json:"confidence"`
	Risk       RiskLevel `json:"risk,omitempty"`
	Reasoning  []string  `json:"reasoning,omitempty"`
}
