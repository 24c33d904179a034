// Package rbac resolves effective permissions for a principal inside the
// workspace tree, honoring role inheritance, per-member custom and
// restricted grants, and contextual conditions.
package rbac

import (
	"time"
)

// Role is a named capability bundle. InheritsFrom forms a DAG; resolution
// guards against cycles with a visited set.
type Role struct {
	Name         string   `json:"name"`
	Permissions  []string `json:"permissions"`
	InheritsFrom string   `json:"inheritsFrom,omitempty"`
}

// ConditionType discriminates the condition sum type.
type ConditionType string

const (
	CondTimeWindow      ConditionType = "time_window"
	CondGeoAllowlist    ConditionType = "geo_allowlist"
	CondDeviceAllowlist ConditionType = "device_allowlist"
	CondAmountLimit     ConditionType = "amount_limit"
	CondCustom          ConditionType = "custom"
)

// Condition restricts when a permission applies. Exactly the fields for its
// type are set.
type Condition struct {
	Type ConditionType `json:"type"`

	// time_window: hours in [Start, End) local to UTC; Start > End wraps
	// past midnight.
	StartHour int `json:"startHour,omitempty"`
	EndHour   int `json:"endHour,omitempty"`

	// geo_allowlist: ISO country codes.
	Countries []string `json:"countries,omitempty"`

	// device_allowlist: user-agent families.
	Devices []string `json:"devices,omitempty"`

	// amount_limit: inclusive upper bound.
	MaxAmount float64 `json:"maxAmount,omitempty"`

	// custom: predicate id resolved by the evaluator's registry.
	PredicateID string `json:"predicateId,omitempty"`
}

// Permission is a capability referenced by its stable code.
type Permission struct {
	Code        string      `json:"code"`
	Module      string      `json:"module"`
	Description string      `json:"description,omitempty"`
	Actions     []string    `json:"actions,omitempty"`
	Conditions  []Condition `json:"conditions,omitempty"`
}

// RequestContext carries the contextual attributes conditions evaluate
// against.
type RequestContext struct {
	IP        string
	UserAgent string
	Time      time.Time
	Amount    float64
	SessionID string
	RequestID string
}

// GeoLookup maps an IP address to a country code. Provided by the host
// process; accuracy is its problem.
type GeoLookup interface {
	Country(ip string) (string, error)
}

// CustomPredicate is a registered condition predicate.
type CustomPredicate func(ctx RequestContext) bool

// Decision is the evaluation outcome.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	// Source identifies what produced the outcome: owner, role grant,
	// custom grant, restriction, policy override, workspace state.
	Source string `json:"source"`
	// Role is the membership role used, for the 403 payload.
	Role string `json:"role,omitempty"`
}

// Decision sources.
const (
	SourceOwner          = "owner"
	SourceGrant          = "grant"
	SourceRestriction    = "restriction"
	SourceCondition      = "condition"
	SourceNoMembership   = "no_membership"
	SourceWorkspaceState = "workspace_state"
	SourcePolicyOverride = "policy_override"
)
