package api

import (
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fincollab/govcore/pkg/auth"
	"github.com/fincollab/govcore/pkg/compliance"
	"github.com/fincollab/govcore/pkg/events"
	"github.com/fincollab/govcore/pkg/fault"
	"github.com/fincollab/govcore/pkg/ledger"
	"github.com/fincollab/govcore/pkg/rbac"
	"github.com/fincollab/govcore/pkg/tenants"
)

func (s *Server) authorize(r *http.Request, p *auth.Principal, workspaceID, permission string, amount float64) error {
	d := s.deps.Access.Evaluate(r.Context(), p.ID, workspaceID, permission, rbac.RequestContext{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Time:      time.Now().UTC(),
		Amount:    amount,
		RequestID: auth.GetRequestID(r.Context()),
	})
	if !d.Allowed {
		return fault.New(fault.PermissionDenied, d.Reason).
			WithDetail("permission", permission).
			WithDetail("role", d.Role)
	}
	return nil
}

func (s *Server) handleInviteCreate(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	workspaceID := r.PathValue("id")
	if err := s.authorize(r, p, workspaceID, "MEMBER_INVITE", 0); err != nil {
		WriteFault(w, err)
		return
	}
	var body struct {
		Email      string `json:"email"`
		Role       string `json:"role"`
		Message    string `json:"message"`
		ExpiryDays int    `json:"expiryDays"`
	}
	if err := decode(r, &body); err != nil {
		WriteFault(w, err)
		return
	}
	if body.Role == "" {
		body.Role = "viewer"
	}
	inv, _, link, err := s.deps.Invites.Create(r.Context(), workspaceID, body.Email, body.Role, body.Message, p.ID, body.ExpiryDays)
	if err != nil {
		WriteFault(w, err)
		return
	}
	Success(w, http.StatusCreated, map[string]interface{}{
		"invite":     inv,
		"inviteLink": link,
	})
}

func (s *Server) handleInvitePreview(w http.ResponseWriter, r *http.Request) {
	inv, err := s.deps.Invites.FindByToken(r.PathValue("token"))
	if err != nil {
		WriteFault(w, err)
		return
	}
	workspaceName := ""
	if ws, err := s.deps.Manager.Workspace(inv.WorkspaceID); err == nil {
		workspaceName = ws.Name
	}
	Success(w, http.StatusOK, map[string]interface{}{
		"workspaceName": workspaceName,
		"email":         inv.Email,
		"role":          inv.Role,
		"message":       inv.Message,
		"status":        inv.Status,
		"expiresAt":     inv.ExpiresAt,
		"viewCount":     inv.ViewCount,
	})
}

func (s *Server) handleInviteAccept(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PrincipalID string `json:"principalId"`
		Email       string `json:"email"`
	}
	if err := decode(r, &body); err != nil {
		WriteFault(w, err)
		return
	}
	// The accept path is reachable both with a session and, during signup,
	// with just the token and the registering identity.
	acceptor := &tenants.Principal{ID: body.PrincipalID, Email: body.Email}
	if p, err := auth.GetPrincipal(r.Context()); err == nil {
		acceptor = &tenants.Principal{ID: p.ID, Email: p.Email}
	}
	if acceptor.ID == "" {
		WriteFault(w, fault.New(fault.ValidationFailed, "principalId is required"))
		return
	}
	mem, err := s.deps.Invites.Accept(r.Context(), r.PathValue("token"), acceptor)
	if err != nil {
		WriteFault(w, err)
		return
	}
	Success(w, http.StatusOK, map[string]interface{}{"membership": mem})
}

func (s *Server) handlePolicyPut(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	workspaceID := r.PathValue("id")
	if err := s.authorize(r, p, workspaceID, "POLICY_MANAGE", 0); err != nil {
		WriteFault(w, err)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteFault(w, fault.Wrap(fault.ValidationFailed, "read policy document", err))
		return
	}
	doc, err := compliance.ParsePolicyDoc(raw)
	if err != nil {
		WriteFault(w, fault.Wrap(fault.ValidationFailed, "invalid policy document", err))
		return
	}
	doc.TenantID = workspaceID
	if err := s.deps.Policies.SetPolicy(doc); err != nil {
		WriteFault(w, fault.Wrap(fault.ValidationFailed, "policy rejected", err))
		return
	}
	Success(w, http.StatusOK, map[string]interface{}{
		"tenantId": workspaceID,
		"rules":    len(doc.Rules),
	})
}

func (s *Server) handleTransactionCreate(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	workspaceID := r.PathValue("id")

	var body map[string]interface{}
	if err := decode(r, &body); err != nil {
		WriteFault(w, err)
		return
	}
	if body == nil {
		body = map[string]interface{}{}
	}
	amount, _ := body["amount"].(float64)

	if err := s.authorize(r, p, workspaceID, "TRANSACTION_CREATE", amount); err != nil {
		WriteFault(w, err)
		return
	}

	// Writes against a workspace with a tampered audit chain are refused.
	if err := s.deps.Guard.CheckWrite(r.Context(), workspaceID); err != nil {
		WriteFault(w, err)
		return
	}

	var metrics map[string]float64
	if s.deps.Velocity != nil {
		metrics = s.deps.Velocity.Metrics(workspaceID)
	}
	outcome := s.deps.Policies.Evaluate(r.Context(), workspaceID, "transaction", body, compliance.EvalContext{
		User:    p.ID,
		IP:      clientIP(r),
		Method:  r.Method,
		Time:    time.Now().UTC(),
		Metrics: metrics,
	})
	if !outcome.Proceed() {
		kind := fault.PermissionDenied
		if outcome.Effect == compliance.EffectFreeze {
			kind = fault.CircuitFrozen
		}
		WriteFault(w, fault.New(kind, "transaction blocked by policy").
			WithDetail("policyId", outcome.PolicyID).
			WithDetail("effect", string(outcome.Effect)))
		return
	}

	txnID := "txn:" + uuid.New().String()
	entry, err := s.deps.Ledger.Append(r.Context(), ledger.AppendInput{
		EntityID:    txnID,
		EntityModel: "Transaction",
		EventType:   ledger.EventCreated,
		Payload:     body,
		Actor:       p.ID,
		Context: ledger.EntryContext{
			WorkspaceID:     workspaceID,
			IPAddress:       clientIP(r),
			RequestID:       auth.GetRequestID(r.Context()),
			ComplianceFlags: outcome.Flags,
		},
	})
	if err != nil {
		WriteFault(w, err)
		return
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(r.Context(), events.TransactionCreated, workspaceID, map[string]interface{}{
			"transactionId": txnID,
			"amount":        amount,
			"actor":         p.ID,
		})
	}
	Success(w, http.StatusCreated, map[string]interface{}{
		"transactionId": txnID,
		"sequence":      entry.Sequence,
		"flags":         outcome.Flags,
	})
}
