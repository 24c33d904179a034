package mfa

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/fincollab/govcore/pkg/events"
	"github.com/fincollab/govcore/pkg/fault"
	"github.com/fincollab/govcore/pkg/ledger"
)

// Recorder is the audit slice the orchestrator writes to.
type Recorder interface {
	Append(ctx context.Context, in ledger.AppendInput) (*ledger.Entry, error)
}

// SignalProvider supplies the contextual factor inputs for a request.
// A nil provider leaves every factor unknown (neutral 0.5).
type SignalProvider interface {
	Signals(ctx context.Context, principalID string, req Request) Signals
}

// ExternalVerifier completes a challenge that needs an out-of-process
// round trip (webauthn assertion, push approval, biometric attestation).
type ExternalVerifier func(ctx context.Context, principalID, challengeData string) (bool, error)

// Notifier fans a message out to the principal over the given channels.
type Notifier interface {
	Notify(ctx context.Context, principalID, severity, message string, channels []Method) error
}

type sessionState struct {
	principalID string
	ip          string
	uaFamily    string
	verified2FA bool
}

// VerifyResult is the outcome of a verification attempt.
type VerifyResult struct {
	Success    bool           `json:"success"`
	Reasoning  []string       `json:"reasoning,omitempty"`
	NextAction string         `json:"nextAction,omitempty"`
	Outcome    FailureOutcome `json:"-"`
	RetryAt    time.Time      `json:"-"`
}

// Orchestrator drives the adaptive MFA flow for all principals.
type Orchestrator struct {
	store     *Store
	sealer    Sealer
	bypass    *BypassRegistry
	lockout   *LockoutTracker
	signals   SignalProvider
	notifier  Notifier
	recorder  Recorder
	bus       *events.Bus
	logger    *slog.Logger
	clock     func() time.Time
	verifiers map[Method]ExternalVerifier
	defaults  AdaptiveSettings

	sessMu   sync.Mutex
	sessions map[string]*sessionState
}

func NewOrchestrator(store *Store, sealer Sealer, recorder Recorder, bus *events.Bus, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		sealer:    sealer,
		bypass:    NewBypassRegistry(),
		lockout:   NewLockoutTracker(),
		recorder:  recorder,
		bus:       bus,
		logger:    logger,
		clock:     func() time.Time { return time.Now().UTC() },
		verifiers: make(map[Method]ExternalVerifier),
		sessions:  make(map[string]*sessionState),
	}
}

// WithClock overrides the clock for testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// WithAdaptiveDefaults sets the jurisdiction-level adaptive settings applied
// wherever a principal has not set their own.
func (o *Orchestrator) WithAdaptiveDefaults(s AdaptiveSettings) *Orchestrator {
	o.defaults = s
	return o
}

// adaptiveFor merges the principal's settings over the jurisdiction
// defaults; zero fields fall through.
func (o *Orchestrator) adaptiveFor(c *Config) AdaptiveSettings {
	s := c.Adaptive
	if s.LowRiskThreshold == 0 {
		s.LowRiskThreshold = o.defaults.LowRiskThreshold
	}
	if s.MediumRiskThreshold == 0 {
		s.MediumRiskThreshold = o.defaults.MediumRiskThreshold
	}
	if s.LowRiskCooldown == 0 {
		s.LowRiskCooldown = o.defaults.LowRiskCooldown
	}
	if s.MediumRiskCooldown == 0 {
		s.MediumRiskCooldown = o.defaults.MediumRiskCooldown
	}
	if s.HighRiskCooldown == 0 {
		s.HighRiskCooldown = o.defaults.HighRiskCooldown
	}
	return s
}

// WithSignals wires the factor-signal provider.
func (o *Orchestrator) WithSignals(p SignalProvider) *Orchestrator {
	o.signals = p
	return o
}

// WithNotifier wires the out-of-band notifier.
func (o *Orchestrator) WithNotifier(n Notifier) *Orchestrator {
	o.notifier = n
	return o
}

// RegisterVerifier installs the external completion hook for a method.
func (o *Orchestrator) RegisterVerifier(m Method, v ExternalVerifier) {
	o.verifiers[m] = v
}

// Setup begins TOTP enrollment. Allowed from NONE and DISABLED; re-running
// while SETUP_PENDING re-issues a fresh secret.
func (o *Orchestrator) Setup(ctx context.Context, principalID, accountName string) (secret, url string, err error) {
	secret, url, err = GenerateTOTPSecret(accountName)
	if err != nil {
		return "", "", fault.Wrap(fault.Internal, "totp enrollment", err)
	}
	sealed, err := o.sealer.Seal(secret)
	if err != nil {
		return "", "", fault.Wrap(fault.Internal, "seal totp secret", err)
	}
	err = o.store.Update(principalID, func(c *Config) error {
		if c.State == StateEnabled || c.State == StateLocked {
			return fault.New(fault.ValidationFailed, "mfa already enabled")
		}
		c.State = StateSetupPending
		c.SealedTOTPSecret = sealed
		return nil
	})
	if err != nil {
		return "", "", err
	}
	o.audit(ctx, principalID, "MFA_SETUP_STARTED", "medium", map[string]interface{}{"method": MethodTOTP}, Request{})
	return secret, url, nil
}

// Enable completes enrollment by verifying a live code. It activates MFA,
// resets the failure counters, and issues a fresh backup code set.
func (o *Orchestrator) Enable(ctx context.Context, principalID, code string) ([]string, error) {
	cfg := o.store.Get(principalID)
	if cfg.State != StateSetupPending {
		return nil, fault.New(fault.ValidationFailed, "no pending mfa setup")
	}
	secret, err := o.sealer.Unseal(cfg.SealedTOTPSecret)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "unseal totp secret", err)
	}
	if !ValidateTOTP(code, secret) {
		return nil, fault.New(fault.ValidationFailed, "invalid totp code")
	}
	raw, hashed, err := GenerateBackupCodes()
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "backup codes", err)
	}
	err = o.store.Update(principalID, func(c *Config) error {
		c.State = StateEnabled
		c.PrimaryMethod = MethodTOTP
		c.BackupCodes = hashed
		c.FailureCount = 0
		c.LockedUntil = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.lockout.Reset(principalID, MethodTOTP)
	o.audit(ctx, principalID, "MFA_ENABLED", "high", map[string]interface{}{"method": MethodTOTP}, Request{})
	o.publish(ctx, events.MFAVerified, principalID, map[string]interface{}{"event": "enabled"})
	return raw, nil
}

// Check2FARequired decides whether the request must complete a challenge.
// Trusted devices and recent successful challenges bypass; otherwise the
// confidence score picks the risk level and the minimum-friction challenge.
func (o *Orchestrator) Check2FARequired(ctx context.Context, principalID string, req Request) (Decision, error) {
	now := o.clock()
	cfg := o.store.Get(principalID)
	if !cfg.Enabled() {
		return Decision{Required: false, Reasoning: []string{"MFA not enabled"}}, nil
	}
	if blocked, until := o.lockout.Blocked(principalID, cfg.PrimaryMethod, now); blocked {
		return Decision{}, fault.New(fault.LockedOut, "too many failed attempts").
			WithDetail("retryAfter", until.Format(time.RFC3339))
	}

	if o.Skip2FA(principalID, req.Fingerprint) {
		o.store.RecordDeviceUse(principalID, req.Fingerprint, true, now)
		d := Decision{Required: false, Confidence: 1, Reasoning: []string{"Trusted device"}}
		o.audit(ctx, principalID, "MFA_BYPASSED", "low", map[string]interface{}{
			"reasoning": d.Reasoning, "fingerprint": req.Fingerprint,
		}, req)
		return d, nil
	}

	compromised := false
	if dev := o.store.Device(principalID, req.Fingerprint); dev != nil {
		compromised = dev.Compromised
	}
	if o.bypass.Bypass(principalID, req.Fingerprint, req.IP, compromised, o.adaptiveFor(cfg), now) {
		d := Decision{Required: false, Confidence: 1, Reasoning: []string{"Recent successful challenge"}}
		o.audit(ctx, principalID, "MFA_BYPASSED", "low", map[string]interface{}{
			"reasoning": d.Reasoning, "fingerprint": req.Fingerprint,
		}, req)
		return d, nil
	}

	var sig Signals
	if o.signals != nil {
		sig = o.signals.Signals(ctx, principalID, req)
	}
	score := ConfidenceScore(sig, now)
	risk := RiskFor(score, o.adaptiveFor(cfg))
	challenge, ok := SelectChallenge(risk, cfg.EnrolledMethods())
	if !ok {
		challenge = MethodTOTP
	}
	d := Decision{
		Required:   true,
		Challenge:  challenge,
		Confidence: score,
		Risk:       risk,
		Reasoning:  []string{"confidence " + riskReason(score, risk)},
	}
	o.publish(ctx, events.MFAChallengeIssued, principalID, map[string]interface{}{
		"challenge": challenge, "risk": risk, "confidence": score,
	})
	o.audit(ctx, principalID, "MFA_CHALLENGE_REQUIRED", string(riskSeverity(risk)), map[string]interface{}{
		"challenge": challenge, "risk": risk, "confidence": score,
	}, req)
	return d, nil
}

// Verify completes a challenge. On success the lockout window resets, a
// bypass marker is recorded, and the session is marked verified.
func (o *Orchestrator) Verify(ctx context.Context, principalID string, method Method, code string, req Request) (*VerifyResult, error) {
	now := o.clock()
	cfg := o.store.Get(principalID)
	if !cfg.Enabled() {
		return nil, fault.New(fault.ValidationFailed, "mfa not enabled")
	}
	if blocked, until := o.lockout.Blocked(principalID, method, now); blocked {
		return nil, fault.New(fault.LockedOut, "verification temporarily blocked").
			WithDetail("retryAfter", until.Format(time.RFC3339))
	}

	ok, err := o.checkCode(ctx, cfg, method, code, now)
	if err != nil {
		return nil, err
	}
	if ok {
		return o.onVerifySuccess(ctx, principalID, method, req, now)
	}
	return o.onVerifyFailure(ctx, principalID, method, req, now)
}

func (o *Orchestrator) checkCode(ctx context.Context, cfg *Config, method Method, code string, now time.Time) (bool, error) {
	switch method {
	case MethodTOTP:
		if cfg.SealedTOTPSecret == "" {
			return false, nil
		}
		secret, err := o.sealer.Unseal(cfg.SealedTOTPSecret)
		if err != nil {
			return false, fault.Wrap(fault.Internal, "unseal totp secret", err)
		}
		return ValidateTOTP(code, secret), nil
	case MethodBackupCode:
		err := o.store.UseBackupCode(cfg.PrincipalID, HashBackupCode(code), now)
		return err == nil, nil
	case MethodKnowledge:
		for _, h := range cfg.KnowledgeHashes {
			if bcrypt.CompareHashAndPassword([]byte(h), []byte(normalizeAnswer(code))) == nil {
				return true, nil
			}
		}
		return false, nil
	case MethodWebAuthn, MethodPush, MethodBiometric:
		v, ok := o.verifiers[method]
		if !ok {
			return false, fault.New(fault.ValidationFailed, "method not available: "+string(method))
		}
		return v(ctx, cfg.PrincipalID, code)
	default:
		return false, fault.New(fault.ValidationFailed, "unknown method: "+string(method))
	}
}

func (o *Orchestrator) onVerifySuccess(ctx context.Context, principalID string, method Method, req Request, now time.Time) (*VerifyResult, error) {
	o.lockout.Reset(principalID, method)

	risk := RiskHigh
	if o.signals != nil {
		score := ConfidenceScore(o.signals.Signals(ctx, principalID, req), now)
		risk = RiskFor(score, o.adaptiveFor(o.store.Get(principalID)))
	}
	o.bypass.RecordSuccess(principalID, req.Fingerprint, req.IP, risk, now)
	o.store.RecordDeviceUse(principalID, req.Fingerprint, true, now)
	o.markSessionVerified(req.SessionID, principalID, req)

	err := o.store.Update(principalID, func(c *Config) error {
		c.FailureCount = 0
		c.LockedUntil = nil
		if c.State == StateLocked {
			c.State = StateEnabled
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, events.MFAVerified, principalID, map[string]interface{}{"method": method})
	o.audit(ctx, principalID, "MFA_VERIFIED", "low", map[string]interface{}{"method": method}, req)
	return &VerifyResult{Success: true, Reasoning: []string{"challenge passed"}}, nil
}

func (o *Orchestrator) onVerifyFailure(ctx context.Context, principalID string, method Method, req Request, now time.Time) (*VerifyResult, error) {
	outcome := o.lockout.RecordFailure(principalID, method, now)
	o.store.RecordDeviceUse(principalID, req.Fingerprint, false, now)

	res := &VerifyResult{Success: false, Outcome: outcome}
	switch outcome {
	case OutcomeWarn:
		res.NextAction = "retry"
		res.Reasoning = []string{"invalid code"}
	case OutcomeRetryHint:
		res.NextAction = "retry_or_alternative"
		res.Reasoning = []string{"invalid code", "consider an alternative method"}
	case OutcomeCooldown:
		res.NextAction = "wait"
		res.RetryAt = now.Add(methodCooldown)
		res.Reasoning = []string{"method cooling down"}
	case OutcomeLocked:
		res.NextAction = "locked"
		res.RetryAt = now.Add(accountLockTime)
		res.Reasoning = []string{"account temporarily locked"}
		until := now.Add(accountLockTime)
		_ = o.store.Update(principalID, func(c *Config) error {
			c.State = StateLocked
			c.LockedUntil = &until
			return nil
		})
	}
	_ = o.store.Update(principalID, func(c *Config) error {
		c.FailureCount++
		return nil
	})
	o.audit(ctx, principalID, "MFA_VERIFICATION_FAILED", "medium", map[string]interface{}{
		"method": method, "outcome": outcome,
	}, req)
	return res, nil
}

// Disable turns MFA off, wipes secrets and codes, and notifies the principal
// over every enrolled channel.
func (o *Orchestrator) Disable(ctx context.Context, principalID, actor string) error {
	cfg := o.store.Get(principalID)
	if cfg.State == StateNone || cfg.State == StateDisabled {
		return fault.New(fault.ValidationFailed, "mfa not enabled")
	}
	channels := enrolledChannels(cfg)
	err := o.store.Update(principalID, func(c *Config) error {
		c.State = StateDisabled
		c.SealedTOTPSecret = ""
		c.BackupCodes = nil
		c.KnowledgeHashes = nil
		c.FailureCount = 0
		c.LockedUntil = nil
		return nil
	})
	if err != nil {
		return err
	}
	o.audit(ctx, principalID, "MFA_DISABLED", "critical", map[string]interface{}{"actor": actor}, Request{})
	o.publish(ctx, events.MFADisabled, principalID, map[string]interface{}{"actor": actor})
	if o.notifier != nil {
		if nerr := o.notifier.Notify(ctx, principalID, "critical", "Two-factor authentication was disabled on your account", channels); nerr != nil {
			o.logger.Error("mfa disable notification failed", "principal", principalID, "error", nerr)
		}
	}
	return nil
}

// RegenerateBackupCodes replaces the backup code set; the prior set becomes
// invalid immediately.
func (o *Orchestrator) RegenerateBackupCodes(ctx context.Context, principalID string) ([]string, error) {
	raw, hashed, err := GenerateBackupCodes()
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "backup codes", err)
	}
	err = o.store.Update(principalID, func(c *Config) error {
		if c.State != StateEnabled {
			return fault.New(fault.ValidationFailed, "mfa not enabled")
		}
		c.BackupCodes = hashed
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.audit(ctx, principalID, "MFA_BACKUP_CODES_REGENERATED", "high", nil, Request{})
	return raw, nil
}

// SetKnowledgeAnswers stores bcrypt hashes of the principal's knowledge
// answers. Raw answers never persist.
func (o *Orchestrator) SetKnowledgeAnswers(principalID string, answers []string) error {
	hashes := make([]string, 0, len(answers))
	for _, a := range answers {
		h, err := bcrypt.GenerateFromPassword([]byte(normalizeAnswer(a)), bcrypt.DefaultCost)
		if err != nil {
			return fault.Wrap(fault.Internal, "hash knowledge answer", err)
		}
		hashes = append(hashes, string(h))
	}
	return o.store.Update(principalID, func(c *Config) error {
		c.KnowledgeHashes = hashes
		return nil
	})
}

// AddTrustedDevice registers a device; trust runs for ttl from now.
func (o *Orchestrator) AddTrustedDevice(ctx context.Context, principalID, fingerprint, name string, ttl time.Duration) error {
	now := o.clock()
	return o.store.Update(principalID, func(c *Config) error {
		for _, d := range c.TrustedDevices {
			if d.Fingerprint == fingerprint {
				return fault.New(fault.ValidationFailed, "device already registered")
			}
		}
		c.TrustedDevices = append(c.TrustedDevices, &TrustedDevice{
			Fingerprint:    fingerprint,
			Name:           name,
			Verified:       true,
			Active:         true,
			AddedAt:        now,
			TrustExpiresAt: now.Add(ttl),
		})
		return nil
	})
}

// MarkDeviceCompromised flags the device; bypass is denied from then on.
func (o *Orchestrator) MarkDeviceCompromised(ctx context.Context, principalID, fingerprint string) error {
	err := o.store.Update(principalID, func(c *Config) error {
		for _, d := range c.TrustedDevices {
			if d.Fingerprint == fingerprint {
				d.Compromised = true
				d.Active = false
				return nil
			}
		}
		return fault.New(fault.NotFound, "device not found")
	})
	if err != nil {
		return err
	}
	o.bypass.Invalidate(principalID, fingerprint)
	o.audit(ctx, principalID, "MFA_DEVICE_COMPROMISED", "high", map[string]interface{}{"fingerprint": fingerprint}, Request{})
	return nil
}

// Skip2FA reports whether a matching trusted device exists that is verified,
// active, not compromised, and whose trust has not expired.
func (o *Orchestrator) Skip2FA(principalID, fingerprint string) bool {
	if fingerprint == "" {
		return false
	}
	d := o.store.Device(principalID, fingerprint)
	if d == nil {
		return false
	}
	return d.Verified && d.Active && !d.Compromised && d.TrustExpiresAt.After(o.clock())
}

// RegisterSession begins drift tracking for a session.
func (o *Orchestrator) RegisterSession(sessionID, principalID, ip, userAgent string) {
	o.sessMu.Lock()
	defer o.sessMu.Unlock()
	o.sessions[sessionID] = &sessionState{
		principalID: principalID,
		ip:          ip,
		uaFamily:    uaFamily(userAgent),
	}
}

// SessionVerified reports whether the session holds a live verified2FA mark.
func (o *Orchestrator) SessionVerified(sessionID string) bool {
	o.sessMu.Lock()
	defer o.sessMu.Unlock()
	s, ok := o.sessions[sessionID]
	return ok && s.verified2FA
}

// ObserveSession applies the drift rule: if a verified session's IP or
// user-agent family changes, the verified mark is cleared and a
// high-severity audit event is emitted; the next sensitive action
// re-challenges.
func (o *Orchestrator) ObserveSession(ctx context.Context, sessionID, ip, userAgent string) {
	o.sessMu.Lock()
	s, ok := o.sessions[sessionID]
	if !ok {
		o.sessMu.Unlock()
		return
	}
	drifted := s.verified2FA && (s.ip != ip || s.uaFamily != uaFamily(userAgent))
	principalID := s.principalID
	if drifted {
		s.verified2FA = false
	}
	s.ip = ip
	s.uaFamily = uaFamily(userAgent)
	o.sessMu.Unlock()

	if !drifted {
		return
	}
	o.publish(ctx, events.SessionDrift, principalID, map[string]interface{}{"sessionId": sessionID})
	o.audit(ctx, principalID, "SESSION_DRIFT", "high", map[string]interface{}{
		"sessionId": sessionID, "ip": ip,
	}, Request{SessionID: sessionID, IP: ip, UserAgent: userAgent})
}

func (o *Orchestrator) markSessionVerified(sessionID, principalID string, req Request) {
	if sessionID == "" {
		return
	}
	o.sessMu.Lock()
	defer o.sessMu.Unlock()
	s, ok := o.sessions[sessionID]
	if !ok {
		s = &sessionState{principalID: principalID, ip: req.IP, uaFamily: uaFamily(req.UserAgent)}
		o.sessions[sessionID] = s
	}
	s.verified2FA = true
}

func (o *Orchestrator) publish(ctx context.Context, key, principalID string, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["principalId"] = principalID
	o.bus.Publish(ctx, key, "", data)
}

func (o *Orchestrator) audit(ctx context.Context, principalID, event, severity string, detail map[string]interface{}, req Request) {
	if o.recorder == nil {
		return
	}
	payload := map[string]interface{}{"event": event, "severity": severity}
	for k, v := range detail {
		payload[k] = v
	}
	_, err := o.recorder.Append(ctx, ledger.AppendInput{
		EntityID:    "mfa:" + principalID,
		EntityModel: "TwoFactorConfig",
		EventType:   ledger.EventCustom,
		Payload:     payload,
		Actor:       principalID,
		Context: ledger.EntryContext{
			SessionID: req.SessionID,
			IPAddress: req.IP,
			RequestID: req.RequestID,
			RiskLevel: severity,
		},
	})
	if err != nil {
		o.logger.Error("mfa audit failed", "principal", principalID, "event", event, "error", err)
	}
}

// enrolledChannels lists every channel the disable notice goes out on.
func enrolledChannels(c *Config) []Method {
	var out []Method
	for m := range c.EnrolledMethods() {
		out = append(out, m)
	}
	return out
}

func riskSeverity(r RiskLevel) RiskLevel { return r }

func riskReason(score float64, risk RiskLevel) string {
	switch risk {
	case RiskLow:
		return "high, low-friction challenge"
	case RiskMedium:
		return "moderate"
	default:
		return "low, strong challenge required"
	}
}

func normalizeAnswer(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}

func uaFamily(ua string) string {
	if i := strings.IndexAny(ua, "/ "); i > 0 {
		return ua[:i]
	}
	return ua
}
