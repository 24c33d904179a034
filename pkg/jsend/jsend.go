// Package jsend writes HTTP responses in the JSend envelope:
// {status: success|fail|error, message?, data?}. It is a leaf package so
// that both the API handlers and the auth middleware can share the
// writers without an import cycle.
package jsend

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fincollab/govcore/pkg/fault"
)

type envelope struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Default().Error("response encode failed", "error", err)
	}
}

// Success writes a JSend success envelope.
func Success(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, envelope{Status: "success", Data: data})
}

// Fail writes a JSend fail envelope (client-side problem).
func Fail(w http.ResponseWriter, status int, message string, data interface{}) {
	writeJSON(w, status, envelope{Status: "fail", Message: message, Data: data})
}

// Error writes a JSend error envelope (server-side problem).
func Error(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Status: "error", Message: message})
}

// WriteFault maps an error to its HTTP status and JSend envelope per the
// error taxonomy. Unclassified errors become an opaque 500.
func WriteFault(w http.ResponseWriter, err error) {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		slog.Default().Error("unclassified error", "error", err)
		Error(w, http.StatusInternalServerError, "Something went wrong")
		return
	}

	data := map[string]interface{}{"code": string(fe.Kind)}
	for k, v := range fe.Detail {
		data[k] = v
	}

	switch fe.Kind {
	case fault.ValidationFailed:
		Fail(w, http.StatusBadRequest, fe.Msg, data)
	case fault.AuthRequired:
		Fail(w, http.StatusUnauthorized, fe.Msg, data)
	case fault.PermissionDenied, fault.IntegrityViolation, fault.CircuitFrozen:
		Fail(w, http.StatusForbidden, fe.Msg, data)
	case fault.NotFound:
		Fail(w, http.StatusNotFound, fe.Msg, data)
	case fault.ConflictSequence:
		Fail(w, http.StatusConflict, fe.Msg, data)
	case fault.LockedOut:
		if ra, ok := fe.Detail["retryAfter"].(string); ok {
			w.Header().Set("Retry-After", ra)
		}
		Fail(w, http.StatusTooManyRequests, fe.Msg, data)
	case fault.Timeout:
		Error(w, http.StatusGatewayTimeout, fe.Msg)
	case fault.Transient:
		Error(w, http.StatusServiceUnavailable, fe.Msg)
	default:
		slog.Default().Error("internal error", "error", err)
		Error(w, http.StatusInternalServerError, "Something went wrong")
	}
}
