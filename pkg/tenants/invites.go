package tenants

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fincollab/govcore/pkg/events"
	"github.com/fincollab/govcore/pkg/fault"
	"github.com/fincollab/govcore/pkg/ledger"
)

const defaultInviteExpiry = 7 * 24 * time.Hour

// InviteService issues and redeems workspace invites. Raw tokens are 32
// bytes of CSPRNG output, hex-encoded, revealed exactly once; the store
// holds only the SHA-256 of the token.
type InviteService struct {
	mu      sync.Mutex
	byHash  map[string]*Invite
	manager *Manager
	clock   func() time.Time
	baseURL string
}

// NewInviteService creates the service. baseURL prefixes generated links.
func NewInviteService(manager *Manager, baseURL string) *InviteService {
	return &InviteService{
		byHash:  make(map[string]*Invite),
		manager: manager,
		clock:   time.Now,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// WithClock overrides the clock for testing.
func (s *InviteService) WithClock(clock func() time.Time) *InviteService {
	s.clock = clock
	return s
}

// HashToken returns the persisted form of a raw invite token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Create issues a new invite. At most one pending invite may exist per
// (workspace, email). Returns the invite, the raw token, and the join link;
// the token is not recoverable afterwards.
func (s *InviteService) Create(ctx context.Context, workspaceID, email, role, message, actor string, expiryDays int) (*Invite, string, string, error) {
	if _, err := s.manager.Workspace(workspaceID); err != nil {
		return nil, "", "", err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, "", "", fault.New(fault.ValidationFailed, "invalid email")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	for _, inv := range s.byHash {
		if inv.WorkspaceID == workspaceID && inv.Email == email && s.effectiveStatus(inv, now) == InvitePending {
			return nil, "", "", fault.New(fault.ValidationFailed, "a pending invite already exists for this email").
				WithDetail("inviteId", inv.ID)
		}
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", "", fault.Wrap(fault.Internal, "token generation", err)
	}
	token := hex.EncodeToString(raw)

	expiry := defaultInviteExpiry
	if expiryDays > 0 {
		expiry = time.Duration(expiryDays) * 24 * time.Hour
	}

	inv := &Invite{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		Email:       email,
		Role:        role,
		Message:     message,
		TokenHash:   HashToken(token),
		ExpiresAt:   now.Add(expiry),
		Status:      InvitePending,
		CreatedBy:   actor,
		CreatedAt:   now,
	}
	s.byHash[inv.TokenHash] = inv

	s.manager.record(ctx, ledger.Mutation{
		Model:    "Invite",
		EntityID: inv.ID,
		After: map[string]interface{}{
			"workspaceId": workspaceID, "email": email, "role": role,
			"expiresAt": inv.ExpiresAt.Format(time.RFC3339),
		},
		Actor:   actor,
		Context: ledger.EntryContext{WorkspaceID: workspaceID},
	})

	link := fmt.Sprintf("%s/join?token=%s", s.baseURL, token)
	cp := *inv
	return &cp, token, link, nil
}

// FindByToken looks up an invite by its raw token and records the view.
// Expiry is evaluated lazily: an invite at expiresAt-1s is valid, at
// expiresAt+1s it reads as expired.
func (s *InviteService) FindByToken(token string) (*Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.byHash[HashToken(token)]
	if !ok {
		return nil, fault.New(fault.NotFound, "invite not found")
	}
	inv.ViewCount++

	cp := *inv
	cp.Status = s.effectiveStatus(inv, s.clock().UTC())
	return &cp, nil
}

// Accept redeems an invite for the given principal. The principal's email
// must match. A second accept returns "already a member" and keeps the
// membership created by the first.
func (s *InviteService) Accept(ctx context.Context, token string, principal *Principal) (*Membership, error) {
	s.mu.Lock()
	inv, ok := s.byHash[HashToken(token)]
	if !ok {
		s.mu.Unlock()
		return nil, fault.New(fault.NotFound, "invite not found")
	}

	now := s.clock().UTC()
	switch s.effectiveStatus(inv, now) {
	case InvitePending:
		// proceed
	case InviteExpired:
		inv.Status = InviteExpired
		s.mu.Unlock()
		return nil, fault.New(fault.ValidationFailed, "invite expired")
	default:
		s.mu.Unlock()
		if _, ok := s.manager.Membership(inv.WorkspaceID, principal.ID); ok {
			return nil, fault.New(fault.ValidationFailed, "already a member")
		}
		return nil, fault.Newf(fault.ValidationFailed, "invite is %s", inv.Status)
	}

	if !strings.EqualFold(principal.Email, inv.Email) {
		s.mu.Unlock()
		return nil, fault.New(fault.PermissionDenied, "invite was issued to a different email")
	}

	if _, ok := s.manager.Membership(inv.WorkspaceID, principal.ID); ok {
		inv.Status = InviteAccepted
		s.mu.Unlock()
		return nil, fault.New(fault.ValidationFailed, "already a member")
	}

	inv.Status = InviteAccepted
	workspaceID, role, invitedBy := inv.WorkspaceID, inv.Role, inv.CreatedBy
	s.mu.Unlock()

	mem := &Membership{
		PrincipalID: principal.ID,
		WorkspaceID: workspaceID,
		Role:        role,
		Status:      MemberActive,
		InvitedBy:   invitedBy,
		JoinedAt:    now,
	}
	if err := s.manager.SetMembership(ctx, mem); err != nil {
		return nil, err
	}
	if s.manager.bus != nil {
		s.manager.bus.Publish(ctx, events.InviteAccepted, workspaceID, map[string]interface{}{
			"principalId": principal.ID, "role": role,
		})
	}
	return mem, nil
}

// Revoke cancels a pending invite.
func (s *InviteService) Revoke(ctx context.Context, inviteID, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.byHash {
		if inv.ID == inviteID {
			if s.effectiveStatus(inv, s.clock().UTC()) != InvitePending {
				return fault.Newf(fault.ValidationFailed, "invite is %s", inv.Status)
			}
			inv.Status = InviteRevoked
			s.manager.record(ctx, ledger.Mutation{
				Model:    "Invite",
				EntityID: inv.ID,
				Before:   map[string]interface{}{"status": string(InvitePending)},
				After:    map[string]interface{}{"status": string(InviteRevoked)},
				Actor:    actor,
				Context:  ledger.EntryContext{WorkspaceID: inv.WorkspaceID},
			})
			return nil
		}
	}
	return fault.New(fault.NotFound, "invite not found")
}

func (s *InviteService) effectiveStatus(inv *Invite, now time.Time) InviteStatus {
	if inv.Status == InvitePending && now.After(inv.ExpiresAt) {
		return InviteExpired
	}
	return inv.Status
}
