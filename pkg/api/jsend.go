// Package api is the HTTP surface of the governance core. Responses use the
// JSend envelope: {status: success|fail|error, message?, data?}.
package api

import (
	"net/http"

	"github.com/fincollab/govcore/pkg/jsend"
)

// Success writes a JSend success envelope.
func Success(w http.ResponseWriter, status int, data interface{}) {
	jsend.Success(w, status, data)
}

// Fail writes a JSend fail envelope (client-side problem).
func Fail(w http.ResponseWriter, status int, message string, data interface{}) {
	jsend.Fail(w, status, message, data)
}

// Error writes a JSend error envelope (server-side problem).
func Error(w http.ResponseWriter, status int, message string) {
	jsend.Error(w, status, message)
}

// WriteFault maps an error to its HTTP status and JSend envelope per the
// error taxonomy. Unclassified errors become an opaque 500.
func WriteFault(w http.ResponseWriter, err error) {
	jsend.WriteFault(w, err)
}
