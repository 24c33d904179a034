// Package tenants provides the workspace forest, memberships, invites, and
// sync-conflict capture for the multi-tenant collaboration backend.
package tenants

import (
	"time"
)

// WorkspaceType classifies a node in the tenant forest.
type WorkspaceType string

const (
	TypeCompany    WorkspaceType = "company"
	TypeDepartment WorkspaceType = "department"
	TypeTeam       WorkspaceType = "team"
	TypeProject    WorkspaceType = "project"
	TypeSandbox    WorkspaceType = "sandbox"
)

// WorkspaceStatus is the operational state of a workspace.
type WorkspaceStatus string

const (
	StatusActive    WorkspaceStatus = "active"
	StatusArchived  WorkspaceStatus = "archived"
	StatusSuspended WorkspaceStatus = "suspended"
	StatusFrozen    WorkspaceStatus = "frozen" // compliance-frozen by the circuit breaker
)

// InheritanceSettings control what a child workspace inherits from parents.
type InheritanceSettings struct {
	InheritMembers    bool `json:"inheritMembers"`
	InheritRules      bool `json:"inheritRules"`
	InheritCategories bool `json:"inheritCategories"`
	AllowOverrides    bool `json:"allowOverrides"`
}

// Workspace is a tenant container, a node in the workspace forest.
// CacheEpoch is monotonically non-decreasing and bumped on any structural
// change; cached reads key on it.
type Workspace struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Type        WorkspaceType       `json:"type"`
	ParentID    string              `json:"parentId,omitempty"`
	OwnerID     string              `json:"ownerId"`
	Status      WorkspaceStatus     `json:"status"`
	CacheEpoch  uint64              `json:"cacheEpoch"`
	Inheritance InheritanceSettings `json:"inheritanceSettings"`
	CreatedAt   time.Time           `json:"createdAt"`
}

// MembershipStatus is the lifecycle state of a membership.
type MembershipStatus string

const (
	MemberActive   MembershipStatus = "active"
	MemberInactive MembershipStatus = "inactive"
)

// Membership associates a principal with a workspace and a role.
// At most one active membership exists per (principal, workspace).
type Membership struct {
	PrincipalID      string           `json:"principalId"`
	WorkspaceID      string           `json:"workspaceId"`
	Role             string           `json:"role"`
	Status           MembershipStatus `json:"status"`
	CustomGrants     []string         `json:"customGrants,omitempty"`
	RestrictedGrants []string         `json:"restrictedGrants,omitempty"`
	JoinedAt         time.Time        `json:"joinedAt"`
	InvitedBy        string           `json:"invitedBy,omitempty"`
}

// Principal is a user identity. Deletion is a logical flag.
type Principal struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	CredentialHash string    `json:"-"`
	GlobalRoles    []string  `json:"globalRoles,omitempty"`
	Deleted        bool      `json:"deleted,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// InviteStatus is the lifecycle state of an invite.
type InviteStatus string

const (
	InvitePending  InviteStatus = "pending"
	InviteAccepted InviteStatus = "accepted"
	InviteDeclined InviteStatus = "declined"
	InviteExpired  InviteStatus = "expired"
	InviteRevoked  InviteStatus = "revoked"
)

// Invite is a pending workspace membership offer. The raw token is revealed
// only once at creation; only its SHA-256 is persisted.
type Invite struct {
	ID          string       `json:"id"`
	WorkspaceID string       `json:"workspaceId"`
	Email       string       `json:"email"`
	Role        string       `json:"role"`
	Message     string       `json:"message,omitempty"`
	TokenHash   string       `json:"-"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	Status      InviteStatus `json:"status"`
	ViewCount   int          `json:"viewCount"`
	CreatedBy   string       `json:"createdBy"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// ConflictStatus is the lifecycle state of a sync conflict.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
	ConflictIgnored  ConflictStatus = "ignored"
)

// ResolutionStrategy picks the winning side of a sync conflict.
type ResolutionStrategy string

const (
	ClientWins ResolutionStrategy = "client_wins"
	ServerWins ResolutionStrategy = "server_wins"
	Merge      ResolutionStrategy = "merge"
	Manual     ResolutionStrategy = "manual"
)

// SyncConflict captures two vector-clock-ordered updates that collided.
type SyncConflict struct {
	ID            string                 `json:"id"`
	TransactionID string                 `json:"transactionId"`
	BaseState     map[string]interface{} `json:"baseState"`
	ServerState   map[string]interface{} `json:"serverState"`
	ClientState   map[string]interface{} `json:"clientState"`
	ServerClock   map[string]uint64      `json:"serverClock"`
	ClientClock   map[string]uint64      `json:"clientClock"`
	Status        ConflictStatus         `json:"status"`
	Strategy      ResolutionStrategy     `json:"resolutionStrategy,omitempty"`
	Resolved      map[string]interface{} `json:"resolved,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
}
