package mfa

import "time"

// Factor weights. They sum to 1 so the score stays in [0, 1].
const (
	weightDevice    = 0.25
	weightLocation  = 0.20
	weightTime      = 0.15
	weightActivity  = 0.15
	weightAccount   = 0.10
	weightFailures  = 0.15
	neutralScore    = 0.5
	failurePenalty  = 0.4 // per recent failure, linear, floored at 0
	matureDeviceUse = 10
	matureDeviceAge = 30 * 24 * time.Hour
)

// DeviceSignal describes the requesting device's history.
type DeviceSignal struct {
	Known      bool
	UsageCount int64
	FirstSeen  time.Time
}

// Signals are the factor inputs for one request. Nil pointers mean the
// signal is unavailable; unknown factors contribute a neutral 0.5.
type Signals struct {
	Device *DeviceSignal
	// CountryFrequency is the share of successful logins from the current
	// country over the last 90 days, in [0, 1].
	CountryFrequency *float64
	// HourFrequency is the share of logins in the current hour-of-day over
	// the last 30 days, in [0, 1].
	HourFrequency *float64
	// ActivityScore reflects recent suspicious-signal analysis, in [0, 1].
	ActivityScore *float64
	// AccountCreatedAt is the principal's registration time; zero if unknown.
	AccountCreatedAt time.Time
	// RecentFailures counts failed attempts in the recent window.
	RecentFailures *int
}

// ConfidenceScore computes the weighted probability that the request is
// legitimate. The result is clamped to [0, 1].
func ConfidenceScore(s Signals, now time.Time) float64 {
	score := weightDevice*deviceScore(s.Device, now) +
		weightLocation*orNeutral(s.CountryFrequency) +
		weightTime*orNeutral(s.HourFrequency) +
		weightActivity*orNeutral(s.ActivityScore) +
		weightAccount*accountAgeScore(s.AccountCreatedAt, now) +
		weightFailures*failureScore(s.RecentFailures)
	return clamp01(score)
}

// RiskFor maps a confidence score to a risk level using the principal's
// thresholds, defaulting to 0.8 / 0.5.
func RiskFor(score float64, settings AdaptiveSettings) RiskLevel {
	low, medium := settings.LowRiskThreshold, settings.MediumRiskThreshold
	if low == 0 {
		low = 0.8
	}
	if medium == 0 {
		medium = 0.5
	}
	switch {
	case score >= low:
		return RiskLow
	case score >= medium:
		return RiskMedium
	default:
		return RiskHigh
	}
}

func deviceScore(d *DeviceSignal, now time.Time) float64 {
	if d == nil {
		return neutralScore
	}
	if !d.Known {
		return 0.0
	}
	if d.UsageCount >= matureDeviceUse && now.Sub(d.FirstSeen) >= matureDeviceAge {
		return 0.9
	}
	return 0.6
}

func accountAgeScore(createdAt, now time.Time) float64 {
	if createdAt.IsZero() {
		return neutralScore
	}
	age := now.Sub(createdAt)
	switch {
	case age < 24*time.Hour:
		return 0.2
	case age < 7*24*time.Hour:
		return 0.4
	case age < 30*24*time.Hour:
		return 0.6
	default:
		return 0.9
	}
}

func failureScore(n *int) float64 {
	if n == nil {
		return neutralScore
	}
	return clamp01(1.0 - failurePenalty*float64(*n))
}

func orNeutral(v *float64) float64 {
	if v == nil {
		return neutralScore
	}
	return clamp01(*v)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
