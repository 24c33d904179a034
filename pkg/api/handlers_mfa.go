package api

import (
	"net/http"

	"github.com/fincollab/govcore/pkg/auth"
	"github.com/fincollab/govcore/pkg/mfa"
)

func (s *Server) mfaRequest(r *http.Request, fingerprint, sessionID string) mfa.Request {
	return mfa.Request{
		Fingerprint: fingerprint,
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
		SessionID:   sessionID,
		RequestID:   auth.GetRequestID(r.Context()),
	}
}

func (s *Server) handleMFASetupInitiate(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	account := p.Email
	if account == "" {
		account = p.ID
	}
	secret, url, err := s.deps.MFA.Setup(r.Context(), p.ID, account)
	if err != nil {
		WriteFault(w, err)
		return
	}
	Success(w, http.StatusOK, map[string]interface{}{
		"secret":         secret,
		"qrCode":         url,
		"manualEntryKey": secret,
	})
}

func (s *Server) handleMFASetupVerify(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := decode(r, &body); err != nil {
		WriteFault(w, err)
		return
	}
	codes, err := s.deps.MFA.Enable(r.Context(), p.ID, body.Code)
	if err != nil {
		WriteFault(w, err)
		return
	}
	Success(w, http.StatusOK, map[string]interface{}{"backupCodes": codes})
}

func (s *Server) handleMFACheck(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	var body struct {
		Fingerprint string `json:"fingerprint"`
		SessionID   string `json:"sessionId"`
	}
	if err := decode(r, &body); err != nil {
		WriteFault(w, err)
		return
	}
	fp := deviceFingerprint(r, body.Fingerprint)
	d, err := s.deps.MFA.Check2FARequired(r.Context(), p.ID, s.mfaRequest(r, fp, body.SessionID))
	if err != nil {
		WriteFault(w, err)
		return
	}
	if d.Required {
		Fail(w, http.StatusForbidden, "two-factor verification required", map[string]interface{}{
			"code":       "REQUIRE_ADAPTIVE_MFA",
			"challenge":  d.Challenge,
			"confidence": d.Confidence,
			"risk":       d.Risk,
			"reasoning":  d.Reasoning,
		})
		return
	}
	Success(w, http.StatusOK, d)
}

// deviceFingerprint prefers the x-device-fingerprint header over the body
// field.
func deviceFingerprint(r *http.Request, body string) string {
	if h := r.Header.Get("x-device-fingerprint"); h != "" {
		return h
	}
	return body
}

func (s *Server) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	var body struct {
		Method      string `json:"method"`
		Code        string `json:"code"`
		Fingerprint string `json:"fingerprint"`
		SessionID   string `json:"sessionId"`
	}
	if err := decode(r, &body); err != nil {
		WriteFault(w, err)
		return
	}
	if body.Method == "" {
		body.Method = string(mfa.MethodTOTP)
	}
	res, err := s.deps.MFA.Verify(r.Context(), p.ID, mfa.Method(body.Method), body.Code,
		s.mfaRequest(r, deviceFingerprint(r, body.Fingerprint), body.SessionID))
	if err != nil {
		WriteFault(w, err)
		return
	}
	if !res.Success {
		Fail(w, http.StatusBadRequest, "verification failed", map[string]interface{}{
			"code":       "MFA_VERIFICATION_FAILED",
			"nextAction": res.NextAction,
			"reasoning":  res.Reasoning,
		})
		return
	}
	Success(w, http.StatusOK, res)
}

func (s *Server) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	var body struct {
		PrincipalID string `json:"principalId"`
	}
	if err := decode(r, &body); err != nil {
		WriteFault(w, err)
		return
	}
	// Operators may disable on behalf of a locked-out user.
	target := p.ID
	if body.PrincipalID != "" && body.PrincipalID != p.ID {
		if _, err := requireOperator(r); err != nil {
			WriteFault(w, err)
			return
		}
		target = body.PrincipalID
	}
	if err := s.deps.MFA.Disable(r.Context(), target, p.ID); err != nil {
		WriteFault(w, err)
		return
	}
	Success(w, http.StatusOK, map[string]interface{}{"disabled": true})
}

func (s *Server) handleMFARegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	codes, err := s.deps.MFA.RegenerateBackupCodes(r.Context(), p.ID)
	if err != nil {
		WriteFault(w, err)
		return
	}
	Success(w, http.StatusOK, map[string]interface{}{"backupCodes": codes})
}
