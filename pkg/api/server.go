package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/fincollab/govcore/pkg/auth"
	"github.com/fincollab/govcore/pkg/compliance"
	"github.com/fincollab/govcore/pkg/events"
	"github.com/fincollab/govcore/pkg/fault"
	"github.com/fincollab/govcore/pkg/jobs"
	"github.com/fincollab/govcore/pkg/ledger"
	"github.com/fincollab/govcore/pkg/mfa"
	"github.com/fincollab/govcore/pkg/rbac"
	"github.com/fincollab/govcore/pkg/tenants"
)

const maxBodyBytes = 1 << 20

// Deps are the wired services the HTTP surface exposes.
type Deps struct {
	MFA      *mfa.Orchestrator
	Manager  *tenants.Manager
	Invites  *tenants.InviteService
	Jobs     *jobs.Orchestrator
	Ledger   *ledger.Ledger
	Access   *rbac.Evaluator
	Policies *compliance.Orchestrator
	Guard    *compliance.IntegrityGuard
	Velocity *jobs.VelocityRegistry
	Bus      *events.Bus
	Logger   *slog.Logger
}

// Server routes HTTP requests to the governance services.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{deps: deps, logger: logger}
}

// Routes builds the request mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleHealth)

	mux.HandleFunc("POST /2fa/setup/initiate", s.handleMFASetupInitiate)
	mux.HandleFunc("POST /2fa/setup/verify", s.handleMFASetupVerify)
	mux.HandleFunc("POST /2fa/check", s.handleMFACheck)
	mux.HandleFunc("POST /2fa/verify", s.handleMFAVerify)
	mux.HandleFunc("POST /2fa/disable", s.handleMFADisable)
	mux.HandleFunc("POST /2fa/backup-codes/regenerate", s.handleMFARegenerateBackupCodes)

	mux.HandleFunc("POST /workspaces/{id}/invites", s.handleInviteCreate)
	mux.HandleFunc("GET /invites/{token}", s.handleInvitePreview)
	mux.HandleFunc("POST /invites/{token}/accept", s.handleInviteAccept)

	mux.HandleFunc("PUT /workspaces/{id}/policy", s.handlePolicyPut)
	mux.HandleFunc("POST /workspaces/{id}/transactions", s.handleTransactionCreate)

	mux.HandleFunc("POST /jobs/{name}/trigger", s.handleJobTrigger)
	mux.HandleFunc("PATCH /jobs/{name}/toggle", s.handleJobToggle)

	mux.HandleFunc("GET /ledger/{entityId}", s.handleLedgerGet)
	mux.HandleFunc("POST /ledger/{entityId}/reconstruct", s.handleLedgerReconstruct)

	mux.HandleFunc("GET /admin/tenants", s.handleAdminTenants)
	mux.HandleFunc("PATCH /admin/tenants/{workspaceId}", s.handleAdminTenantPatch)
	mux.HandleFunc("GET /admin/workspaces/{id}/liquidity-audit", s.handleLiquidityAudit)
	mux.HandleFunc("GET /admin/workspaces/{id}/scorecard", s.handleScorecard)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	Success(w, http.StatusOK, map[string]interface{}{"healthy": true})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fault.Wrap(fault.ValidationFailed, "invalid request body", err)
	}
	return nil
}

// principal extracts the authenticated caller or fails the request.
func principal(r *http.Request) (*auth.Principal, error) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		return nil, fault.New(fault.AuthRequired, "authentication required")
	}
	return p, nil
}

// requireOperator gates the admin surface to system callers and global
// admins.
func requireOperator(r *http.Request) (*auth.Principal, error) {
	p, err := principal(r)
	if err != nil {
		return nil, err
	}
	if p.System {
		return p, nil
	}
	for _, role := range p.Roles {
		if role == "admin" {
			return p, nil
		}
	}
	return nil, fault.New(fault.PermissionDenied, "operator access required")
}

// clientIP prefers the first X-Forwarded-For hop over the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
