package mfa

import (
	"sync"
	"time"

	"github.com/fincollab/govcore/pkg/fault"
)

// Store holds per-principal MFA configs. Mutations go through Update so the
// read-modify-write is atomic with respect to concurrent verifiers. Readers
// get snapshots; live records never leave the lock.
type Store struct {
	mu      sync.RWMutex
	configs map[string]*Config
}

func NewStore() *Store {
	return &Store{configs: make(map[string]*Config)}
}

// Get returns a snapshot of the config, creating an empty NONE-state record
// on first use.
func (s *Store) Get(principalID string) *Config {
	s.mu.RLock()
	c, ok := s.configs[principalID]
	if ok {
		snap := c.clone()
		s.mu.RUnlock()
		return snap
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.configs[principalID]; ok {
		return c.clone()
	}
	c = &Config{PrincipalID: principalID, State: StateNone}
	s.configs[principalID] = c
	return c.clone()
}

// Update applies fn to the principal's config under the store lock.
func (s *Store) Update(principalID string, fn func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[principalID]
	if !ok {
		c = &Config{PrincipalID: principalID, State: StateNone}
		s.configs[principalID] = c
	}
	if err := fn(c); err != nil {
		return err
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// Device returns a snapshot of the trusted device record for the
// fingerprint, if any.
func (s *Store) Device(principalID, fingerprint string) *TrustedDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[principalID]
	if !ok {
		return nil
	}
	for _, d := range c.TrustedDevices {
		if d.Fingerprint == fingerprint {
			snap := *d
			return &snap
		}
	}
	return nil
}

// RecordDeviceUse bumps the usage counters and the last-used timestamp under
// the store lock. On success the failure streak resets, and vice versa.
func (s *Store) RecordDeviceUse(principalID, fingerprint string, success bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[principalID]
	if !ok {
		return
	}
	for _, d := range c.TrustedDevices {
		if d.Fingerprint != fingerprint {
			continue
		}
		d.UsageCount++
		if success {
			d.ConsecutiveSuccesses++
			d.ConsecutiveFailures = 0
		} else {
			d.ConsecutiveFailures++
			d.ConsecutiveSuccesses = 0
		}
		d.LastUsedAt = now
		return
	}
}

// UseBackupCode flips the matching unused code to used, exactly once.
func (s *Store) UseBackupCode(principalID, hash string, now time.Time) error {
	return s.Update(principalID, func(c *Config) error {
		for i := range c.BackupCodes {
			bc := &c.BackupCodes[i]
			if bc.Hash != hash {
				continue
			}
			if bc.Used {
				return fault.New(fault.ValidationFailed, "invalid backup code")
			}
			bc.Used = true
			at := now
			bc.UsedAt = &at
			return nil
		}
		return fault.New(fault.ValidationFailed, "invalid backup code")
	})
}

// UnusedBackupCodes counts the codes still available.
func (s *Store) UnusedBackupCodes(principalID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[principalID]
	if !ok {
		return 0
	}
	n := 0
	for _, bc := range c.BackupCodes {
		if !bc.Used {
			n++
		}
	}
	return n
}

// clone deep-copies the record so callers can read it without the lock.
func (c *Config) clone() *Config {
	out := *c
	out.WebAuthnIDs = append([]string(nil), c.WebAuthnIDs...)
	out.PushTokens = append([]string(nil), c.PushTokens...)
	out.KnowledgeHashes = append([]string(nil), c.KnowledgeHashes...)
	out.BackupCodes = append([]BackupCode(nil), c.BackupCodes...)
	if c.LockedUntil != nil {
		until := *c.LockedUntil
		out.LockedUntil = &until
	}
	if len(c.TrustedDevices) > 0 {
		out.TrustedDevices = make([]*TrustedDevice, len(c.TrustedDevices))
		for i, d := range c.TrustedDevices {
			snap := *d
			out.TrustedDevices[i] = &snap
		}
	}
	return &out
}
