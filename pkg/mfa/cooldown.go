package mfa

import (
	"sync"
	"time"
)

// Default bypass windows per risk level of the original challenge.
const (
	lowRiskBypass    = 24 * time.Hour
	mediumRiskBypass = time.Hour
	highRiskBypass   = 5 * time.Minute
)

type successMarker struct {
	risk RiskLevel
	ip   string
	at   time.Time
}

// BypassRegistry records successful challenges so subsequent requests from
// the same (principal, device) can skip MFA within the risk-scoped window.
type BypassRegistry struct {
	mu      sync.Mutex
	markers map[string]successMarker
}

func NewBypassRegistry() *BypassRegistry {
	return &BypassRegistry{markers: make(map[string]successMarker)}
}

func bypassKey(principalID, fingerprint string) string {
	return principalID + "\x00" + fingerprint
}

// RecordSuccess stores the challenge-success marker, replacing any prior
// marker for the pair.
func (r *BypassRegistry) RecordSuccess(principalID, fingerprint, ip string, risk RiskLevel, now time.Time) {
	if fingerprint == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markers[bypassKey(principalID, fingerprint)] = successMarker{risk: risk, ip: ip, at: now}
}

// Bypass reports whether the pair may skip MFA. A compromised device or an
// IP different from the original challenge context always denies.
func (r *BypassRegistry) Bypass(principalID, fingerprint, ip string, compromised bool, settings AdaptiveSettings, now time.Time) bool {
	if fingerprint == "" || compromised {
		return false
	}
	r.mu.Lock()
	m, ok := r.markers[bypassKey(principalID, fingerprint)]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if ip != m.ip {
		return false
	}
	return now.Sub(m.at) < bypassWindow(m.risk, settings)
}

// Invalidate drops the marker, forcing a fresh challenge.
func (r *BypassRegistry) Invalidate(principalID, fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.markers, bypassKey(principalID, fingerprint))
}

func bypassWindow(risk RiskLevel, s AdaptiveSettings) time.Duration {
	switch risk {
	case RiskLow:
		if s.LowRiskCooldown > 0 {
			return s.LowRiskCooldown
		}
		return lowRiskBypass
	case RiskMedium:
		if s.MediumRiskCooldown > 0 {
			return s.MediumRiskCooldown
		}
		return mediumRiskBypass
	default:
		if s.HighRiskCooldown > 0 {
			return s.HighRiskCooldown
		}
		return highRiskBypass
	}
}
