package rbac

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/fincollab/govcore/pkg/ledger"
	"github.com/fincollab/govcore/pkg/tenants"
)

// Recorder is the ledger slice the evaluator writes access attempts to.
type Recorder interface {
	Append(ctx context.Context, in ledger.AppendInput) (*ledger.Entry, error)
}

// PolicyOverride lets the compliance layer override a permission denial.
// Returning (decision, true) replaces the RBAC outcome.
type PolicyOverride interface {
	Override(ctx context.Context, principalID, workspaceID, permission string, rc RequestContext) (Decision, bool)
}

// Evaluator computes effective permissions over the workspace tree.
type Evaluator struct {
	mu          sync.RWMutex
	roles       map[string]*Role
	permissions map[string]*Permission
	predicates  map[string]CustomPredicate

	manager  *tenants.Manager
	geo      GeoLookup
	recorder Recorder
	override PolicyOverride
	logger   *slog.Logger
}

// NewEvaluator creates an evaluator bound to the workspace manager.
// geo, recorder, and override may be nil; missing geo fails geo conditions
// closed.
func NewEvaluator(manager *tenants.Manager, geo GeoLookup, recorder Recorder, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		roles:       make(map[string]*Role),
		permissions: make(map[string]*Permission),
		predicates:  make(map[string]CustomPredicate),
		manager:     manager,
		geo:         geo,
		recorder:    recorder,
		logger:      logger,
	}
}

// WithOverride wires the policy override hook.
func (e *Evaluator) WithOverride(o PolicyOverride) *Evaluator {
	e.override = o
	return e
}

// RegisterRole installs or replaces a role definition.
func (e *Evaluator) RegisterRole(r *Role) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *r
	e.roles[r.Name] = &cp
}

// RegisterPermission installs a permission definition.
func (e *Evaluator) RegisterPermission(p *Permission) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *p
	e.permissions[p.Code] = &cp
}

// HasRole reports whether the role is defined.
func (e *Evaluator) HasRole(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.roles[name]
	return ok
}

// RegisterPredicate installs a custom condition predicate.
func (e *Evaluator) RegisterPredicate(id string, fn CustomPredicate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.predicates[id] = fn
}

// Evaluate resolves whether the principal holds the permission in the
// workspace. Every evaluation emits an access-attempt audit entry,
// regardless of outcome.
func (e *Evaluator) Evaluate(ctx context.Context, principalID, workspaceID, permission string, rc RequestContext) Decision {
	d := e.evaluate(ctx, principalID, workspaceID, permission, rc)
	e.audit(ctx, principalID, workspaceID, permission, rc, d)
	return d
}

func (e *Evaluator) evaluate(ctx context.Context, principalID, workspaceID, permission string, rc RequestContext) Decision {
	mem, ws, found := e.manager.ResolveMembership(workspaceID, principalID)
	if ws == nil {
		return Decision{Allowed: false, Reason: "workspace not found", Source: SourceNoMembership}
	}

	// Workspace state gates come first: suspended denies everything,
	// compliance-frozen denies writes for everyone and reads for
	// non-privileged roles.
	switch ws.Status {
	case tenants.StatusSuspended:
		return Decision{Allowed: false, Reason: "workspace suspended", Source: SourceWorkspaceState}
	case tenants.StatusFrozen:
		role := ""
		if found {
			role = mem.Role
		}
		if !frozenException(permission, role) {
			return Decision{Allowed: false, Reason: "workspace compliance-frozen", Source: SourceWorkspaceState, Role: role}
		}
	}

	if !found {
		return e.maybeOverride(ctx, principalID, workspaceID, permission, rc,
			Decision{Allowed: false, Reason: "no membership", Source: SourceNoMembership})
	}
	if mem.Status != tenants.MemberActive {
		return Decision{Allowed: false, Reason: "membership inactive", Source: SourceNoMembership, Role: mem.Role}
	}

	// The owner holds every permission in their workspace.
	if ws.OwnerID == principalID {
		return Decision{Allowed: true, Reason: "workspace owner", Source: SourceOwner, Role: "owner"}
	}

	// Restricted grants strictly shadow anything a role chain grants.
	if MatchAny(mem.RestrictedGrants, permission) {
		return Decision{Allowed: false, Reason: "permission restricted for member", Source: SourceRestriction, Role: mem.Role}
	}

	effective := e.effectivePermissions(ctx, mem, workspaceID)
	if !MatchAny(effective, permission) {
		return e.maybeOverride(ctx, principalID, workspaceID, permission, rc,
			Decision{Allowed: false, Reason: "permission not granted", Source: SourceGrant, Role: mem.Role})
	}

	// Attached conditions must all hold.
	if perm := e.permission(permission); perm != nil {
		for _, cond := range perm.Conditions {
			if !e.evalCondition(cond, rc) {
				return e.maybeOverride(ctx, principalID, workspaceID, permission, rc,
					Decision{Allowed: false, Reason: "condition failed: " + string(cond.Type), Source: SourceCondition, Role: mem.Role})
			}
		}
	}

	return Decision{Allowed: true, Reason: "granted", Source: SourceGrant, Role: mem.Role}
}

// effectivePermissions composes E = (rolePerms ∪ customGrants) \ restrictedGrants.
// The restricted set is applied by the caller via MatchAny before this; here
// the union is built. Role chains are walked with a visited set; a cycle is
// audited once and resolution continues with what was accumulated.
func (e *Evaluator) effectivePermissions(ctx context.Context, mem *tenants.Membership, workspaceID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []string
	seen := make(map[string]bool)
	name := mem.Role
	for name != "" {
		if seen[name] {
			e.mu.RUnlock()
			e.auditCycle(ctx, name, workspaceID)
			e.mu.RLock()
			break
		}
		seen[name] = true
		role, ok := e.roles[name]
		if !ok {
			break
		}
		out = append(out, role.Permissions...)
		name = role.InheritsFrom
	}
	out = append(out, mem.CustomGrants...)
	return out
}

func (e *Evaluator) permission(code string) *Permission {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.permissions[code]
}

func (e *Evaluator) evalCondition(c Condition, rc RequestContext) bool {
	switch c.Type {
	case CondTimeWindow:
		h := rc.Time.UTC().Hour()
		if c.StartHour <= c.EndHour {
			return h >= c.StartHour && h < c.EndHour
		}
		return h >= c.StartHour || h < c.EndHour
	case CondGeoAllowlist:
		if e.geo == nil {
			return false
		}
		country, err := e.geo.Country(rc.IP)
		if err != nil {
			return false
		}
		for _, allowed := range c.Countries {
			if strings.EqualFold(country, allowed) {
				return true
			}
		}
		return false
	case CondDeviceAllowlist:
		for _, d := range c.Devices {
			if strings.Contains(rc.UserAgent, d) {
				return true
			}
		}
		return false
	case CondAmountLimit:
		return rc.Amount <= c.MaxAmount
	case CondCustom:
		e.mu.RLock()
		fn := e.predicates[c.PredicateID]
		e.mu.RUnlock()
		if fn == nil {
			return false
		}
		return fn(rc)
	default:
		return false
	}
}

func (e *Evaluator) maybeOverride(ctx context.Context, principalID, workspaceID, permission string, rc RequestContext, denied Decision) Decision {
	if e.override == nil {
		return denied
	}
	if d, ok := e.override.Override(ctx, principalID, workspaceID, permission, rc); ok {
		d.Source = SourcePolicyOverride
		return d
	}
	return denied
}

// frozenException allows read and audit capabilities to privileged roles in
// a compliance-frozen workspace.
func frozenException(permission, role string) bool {
	privileged := role == "owner" || role == "manager"
	if !privileged {
		return false
	}
	return strings.HasSuffix(permission, "_VIEW") ||
		strings.HasSuffix(permission, ":view") ||
		strings.HasPrefix(permission, "AUDIT_") ||
		strings.HasPrefix(permission, "audit:")
}

func (e *Evaluator) audit(ctx context.Context, principalID, workspaceID, permission string, rc RequestContext, d Decision) {
	if e.recorder == nil {
		return
	}
	_, err := e.recorder.Append(ctx, ledger.AppendInput{
		EntityID:    "access:" + principalID,
		EntityModel: "AccessAttempt",
		EventType:   ledger.EventCustom,
		Payload: map[string]interface{}{
			"permission": permission,
			"allowed":    d.Allowed,
			"reason":     d.Reason,
			"source":     d.Source,
		},
		Actor: principalID,
		Context: ledger.EntryContext{
			WorkspaceID: workspaceID,
			IPAddress:   rc.IP,
			SessionID:   rc.SessionID,
			RequestID:   rc.RequestID,
		},
	})
	if err != nil {
		e.logger.Error("access audit failed", "principal", principalID, "error", err)
	}
}

func (e *Evaluator) auditCycle(ctx context.Context, role, workspaceID string) {
	e.logger.Warn("role inheritance cycle", "role", role, "workspace", workspaceID)
	if e.recorder == nil {
		return
	}
	_, _ = e.recorder.Append(ctx, ledger.AppendInput{
		EntityID:    "role:" + role,
		EntityModel: "Role",
		EventType:   ledger.EventCustom,
		Payload: map[string]interface{}{
			"event": "ROLE_CYCLE_DETECTED",
			"role":  role,
		},
		Context: ledger.EntryContext{WorkspaceID: workspaceID},
	})
}

// AssignRole sets a member's role and audits the change.
func (e *Evaluator) AssignRole(ctx context.Context, workspaceID, principalID, role, actor string) error {
	mem, ok := e.manager.Membership(workspaceID, principalID)
	if !ok {
		mem = &tenants.Membership{
			PrincipalID: principalID,
			WorkspaceID: workspaceID,
			Status:      tenants.MemberActive,
			InvitedBy:   actor,
		}
	}
	mem.Role = role
	if err := e.manager.SetMembership(ctx, mem); err != nil {
		return err
	}
	if e.recorder != nil {
		_, _ = e.recorder.Append(ctx, ledger.AppendInput{
			EntityID:    workspaceID + ":" + principalID,
			EntityModel: "Membership",
			EventType:   ledger.EventCustom,
			Payload: map[string]interface{}{
				"event": "ROLE_ASSIGNED",
				"role":  role,
			},
			Actor:   actor,
			Context: ledger.EntryContext{WorkspaceID: workspaceID},
		})
	}
	return nil
}
