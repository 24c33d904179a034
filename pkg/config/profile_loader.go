package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// JurisdictionProfile is a region-specific governance configuration
// profile: MFA strictness, retention, and signature requirements differ
// per jurisdiction.
type JurisdictionProfile struct {
	Name       string          `yaml:"name" json:"name"`
	Code       string          `yaml:"code" json:"code"`
	Compliance []string        `yaml:"compliance" json:"compliance"`
	MFA        MFAProfile      `yaml:"mfa" json:"mfa"`
	Retention  RetentionConfig `yaml:"retention" json:"retention"`
	Signing    SigningConfig   `yaml:"signing" json:"signing"`
}

// MFAProfile tunes the adaptive MFA thresholds per region.
type MFAProfile struct {
	LowRiskThreshold    float64 `yaml:"low_risk_threshold" json:"low_risk_threshold"`
	MediumRiskThreshold float64 `yaml:"medium_risk_threshold" json:"medium_risk_threshold"`
	MaxBypassHours      int     `yaml:"max_bypass_hours" json:"max_bypass_hours"`
	RequireForAdmins    bool    `yaml:"require_for_admins" json:"require_for_admins"`
}

// RetentionConfig defines audit data retention policy.
type RetentionConfig struct {
	AuditLogDays   int  `yaml:"audit_log_days" json:"audit_log_days"`
	RightToErasure bool `yaml:"right_to_erasure,omitempty" json:"right_to_erasure,omitempty"`
}

// SigningConfig controls request-signature enforcement.
type SigningConfig struct {
	RequireRequestSignature bool `yaml:"require_request_signature" json:"require_request_signature"`
	MaxSkewSeconds          int  `yaml:"max_skew_seconds" json:"max_skew_seconds"`
}

// LoadProfile loads a jurisdiction profile YAML by code. It looks for
// profile_<code>.yaml in the profiles directory.
func LoadProfile(profilesDir, code string) (*JurisdictionProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile JurisdictionProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*JurisdictionProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*JurisdictionProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile JurisdictionProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// profile_eu.yaml -> eu
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Code] = &profile
	}
	return profiles, nil
}

// RiskThresholds returns the adaptive thresholds, falling back to the
// global defaults when the profile leaves them unset.
func (p *JurisdictionProfile) RiskThresholds() (low, medium float64) {
	low, medium = 0.8, 0.5
	if p.MFA.LowRiskThreshold > 0 {
		low = p.MFA.LowRiskThreshold
	}
	if p.MFA.MediumRiskThreshold > 0 {
		medium = p.MFA.MediumRiskThreshold
	}
	return low, medium
}
