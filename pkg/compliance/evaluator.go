package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/fincollab/govcore/pkg/ledger"
	"github.com/fincollab/govcore/pkg/rbac"
	"github.com/fincollab/govcore/pkg/tenants"
)

const defaultPredicateTimeout = 50 * time.Millisecond

// EvalContext carries the request-side inputs rule predicates see.
type EvalContext struct {
	User    string                 `json:"user"`
	IP      string                 `json:"ip"`
	Method  string                 `json:"method"`
	Time    time.Time              `json:"time"`
	Metrics map[string]float64     `json:"metrics,omitempty"`
	Extra   map[string]interface{} `json:"extra,omitempty"`
}

// Outcome is the orchestrator's verdict on a request.
type Outcome struct {
	Effect   Effect   `json:"effect"`
	PolicyID string   `json:"policyId,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Flags    []string `json:"flags,omitempty"`
}

// Proceed reports whether the request may continue.
func (o Outcome) Proceed() bool {
	return o.Effect == EffectAllow || o.Effect == EffectFlag
}

// Recorder is the ledger slice the orchestrator audits to.
type Recorder interface {
	Append(ctx context.Context, in ledger.AppendInput) (*ledger.Entry, error)
}

// Orchestrator evaluates tenant policies with compiled-program caching and
// drives the workspace circuit breaker on FREEZE.
type Orchestrator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
	policies map[string][]Rule

	manager  *tenants.Manager
	recorder Recorder
	logger   *slog.Logger
	clock    func() time.Time
}

func NewOrchestrator(manager *tenants.Manager, recorder Recorder, logger *slog.Logger) (*Orchestrator, error) {
	env, err := cel.NewEnv(
		cel.Variable("body", cel.DynType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		env:      env,
		programs: make(map[string]cel.Program),
		policies: make(map[string][]Rule),
		manager:  manager,
		recorder: recorder,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the clock for testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// SetPolicy installs a tenant's rule set, pre-compiling every predicate so
// bad expressions are rejected at load time rather than on the hot path.
func (o *Orchestrator) SetPolicy(doc *PolicyDoc) error {
	for i := range doc.Rules {
		if _, err := o.program(doc.Rules[i].Predicate); err != nil {
			return fmt.Errorf("rule %s: %w", doc.Rules[i].ID, err)
		}
		doc.Rules[i].order = i
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.policies[doc.TenantID] = doc.Rules
	return nil
}

// RuleCount reports how many rules the tenant has installed.
func (o *Orchestrator) RuleCount(tenantID string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.policies[tenantID])
}

// Evaluate runs the tenant's rules over (body, context). The first matching
// rule by effect priority, then document order, decides. DENY and FREEZE
// are always audited with the policy id; FREEZE trips the circuit breaker.
func (o *Orchestrator) Evaluate(ctx context.Context, tenantID, resourceType string, body map[string]interface{}, ec EvalContext) Outcome {
	o.mu.RLock()
	rules := o.policies[tenantID]
	o.mu.RUnlock()
	if len(rules) == 0 {
		return Outcome{Effect: EffectAllow}
	}

	input := map[string]interface{}{
		"body": body,
		"context": map[string]interface{}{
			"user":    ec.User,
			"ip":      ec.IP,
			"method":  ec.Method,
			"time":    ec.Time.Unix(),
			"metrics": metricsMap(ec.Metrics),
			"extra":   ec.Extra,
		},
	}

	var flags []string
	for _, rule := range orderRules(rules) {
		if len(rule.ResourceTypes) > 0 && !rbac.MatchAny(rule.ResourceTypes, resourceType) {
			continue
		}
		matched := o.matchRule(ctx, tenantID, rule, input)
		if !matched {
			continue
		}
		switch rule.Effect {
		case EffectDeny:
			out := Outcome{Effect: EffectDeny, PolicyID: rule.ID, Reason: rule.Description, Flags: flags}
			o.audit(ctx, tenantID, resourceType, rule, out, ec)
			return out
		case EffectFreeze:
			out := Outcome{Effect: EffectFreeze, PolicyID: rule.ID, Reason: rule.Description, Flags: flags}
			o.freeze(ctx, tenantID, rule, ec)
			o.audit(ctx, tenantID, resourceType, rule, out, ec)
			return out
		case EffectFlag:
			flags = append(flags, rule.ID)
		case EffectAllow:
			return Outcome{Effect: effectWithFlags(flags), PolicyID: rule.ID, Flags: flags}
		}
	}
	return Outcome{Effect: effectWithFlags(flags), Flags: flags}
}

// matchRule evaluates one predicate with its timeout. A timeout or
// evaluation error is `unknown`: no-match for fail-open rules, match for
// rules marked failClosed.
func (o *Orchestrator) matchRule(ctx context.Context, tenantID string, rule Rule, input map[string]interface{}) bool {
	prg, err := o.program(rule.Predicate)
	if err != nil {
		o.logger.Error("policy predicate compile", "tenant", tenantID, "rule", rule.ID, "error", err)
		return rule.FailClosed
	}

	timeout := rule.Timeout
	if timeout <= 0 {
		timeout = defaultPredicateTimeout
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, _, err := prg.ContextEval(evalCtx, input)
	if err != nil {
		o.logger.Warn("policy predicate unknown", "tenant", tenantID, "rule", rule.ID, "error", err)
		return rule.FailClosed
	}
	b, ok := out.Value().(bool)
	if !ok {
		o.logger.Warn("policy predicate non-boolean", "tenant", tenantID, "rule", rule.ID)
		return rule.FailClosed
	}
	return b
}

func (o *Orchestrator) program(expr string) (cel.Program, error) {
	o.mu.RLock()
	prg, hit := o.programs[expr]
	o.mu.RUnlock()
	if hit {
		return prg, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if prg, hit = o.programs[expr]; hit {
		return prg, nil
	}
	ast, issues := o.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := o.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, err
	}
	o.programs[expr] = prg
	return prg, nil
}

func (o *Orchestrator) freeze(ctx context.Context, tenantID string, rule Rule, ec EvalContext) {
	if o.manager == nil {
		return
	}
	err := o.manager.SetStatus(ctx, tenantID, tenants.StatusFrozen, ec.User, "policy "+rule.ID)
	if err != nil {
		o.logger.Error("workspace freeze failed", "tenant", tenantID, "rule", rule.ID, "error", err)
	}
}

func (o *Orchestrator) audit(ctx context.Context, tenantID, resourceType string, rule Rule, out Outcome, ec EvalContext) {
	if o.recorder == nil {
		return
	}
	_, err := o.recorder.Append(ctx, ledger.AppendInput{
		EntityID:    tenantID,
		EntityModel: "CompliancePolicy",
		EventType:   ledger.EventCustom,
		Payload: map[string]interface{}{
			"event":        "POLICY_" + string(out.Effect),
			"policyId":     rule.ID,
			"resourceType": resourceType,
			"reason":       out.Reason,
		},
		Actor: ec.User,
		Context: ledger.EntryContext{
			WorkspaceID:     tenantID,
			IPAddress:       ec.IP,
			ComplianceFlags: out.Flags,
		},
	})
	if err != nil {
		o.logger.Error("compliance audit failed", "tenant", tenantID, "rule", rule.ID, "error", err)
	}
}

func effectWithFlags(flags []string) Effect {
	if len(flags) > 0 {
		return EffectFlag
	}
	return EffectAllow
}

func metricsMap(m map[string]float64) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
