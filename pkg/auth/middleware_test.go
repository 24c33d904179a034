package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("auth-middleware-test-signing-key")

func makeToken(t *testing.T, key []byte, claims Claims) string {
	t.Helper()
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func captureHandler(captured **Principal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, err := GetPrincipal(r.Context()); err == nil {
			*captured = p
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareValidToken(t *testing.T) {
	var got *Principal
	h := Middleware(NewJWTValidator(testKey), "")(captureHandler(&got))

	token := makeToken(t, testKey, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1"},
		Email:            "u1@example.com",
		WorkspaceID:      "ws-1",
		Roles:            []string{"editor"},
	})
	req := httptest.NewRequest(http.MethodGet, "/workspaces", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "u-1", got.ID)
	assert.Equal(t, "ws-1", got.WorkspaceID)
	assert.Equal(t, []string{"editor"}, got.Roles)
	assert.False(t, got.System)
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	h := Middleware(NewJWTValidator(testKey), "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	cases := map[string]func(r *http.Request){
		"missing header": func(r *http.Request) {},
		"not bearer": func(r *http.Request) {
			r.Header.Set("Authorization", "Basic abc")
		},
		"wrong key": func(r *http.Request) {
			tok := makeToken(t, []byte("some-other-key-entirely-32bytes!"), Claims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1"},
			})
			r.Header.Set("Authorization", "Bearer "+tok)
		},
		"expired": func(r *http.Request) {
			tok := makeToken(t, testKey, Claims{RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "u-1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			}})
			r.Header.Set("Authorization", "Bearer "+tok)
		},
		"no subject": func(r *http.Request) {
			tok := makeToken(t, testKey, Claims{Email: "x@example.com"})
			r.Header.Set("Authorization", "Bearer "+tok)
		},
	}
	for name, prep := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/workspaces", nil)
			prep(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestMiddlewareSystemToken(t *testing.T) {
	var got *Principal
	h := Middleware(NewJWTValidator(testKey), "shared-system-token")(captureHandler(&got))

	req := httptest.NewRequest(http.MethodPost, "/jobs/accessAuditor/trigger", nil)
	req.Header.Set("x-system-token", "shared-system-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.True(t, got.System)
	assert.Equal(t, "system", got.ID)
}

func TestMiddlewareRejectsWrongSystemToken(t *testing.T) {
	var got *Principal
	h := Middleware(NewJWTValidator(testKey), "shared-system-token")(captureHandler(&got))

	// Same length as the configured token.
	req := httptest.NewRequest(http.MethodPost, "/jobs/accessAuditor/trigger", nil)
	req.Header.Set("x-system-token", "shared-system-tokem")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, got)
}

func TestMiddlewareWorkspaceHeaderOverride(t *testing.T) {
	var got *Principal
	h := Middleware(NewJWTValidator(testKey), "")(captureHandler(&got))

	token := makeToken(t, testKey, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1"},
		WorkspaceID:      "ws-claim",
	})
	req := httptest.NewRequest(http.MethodGet, "/workspaces", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-workspace-id", "ws-header")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "ws-header", got.WorkspaceID)
}

func TestMiddlewarePublicPaths(t *testing.T) {
	h := Middleware(NewJWTValidator(testKey), "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/health", "/readiness", "/invites/tok-123", "/invites/tok-123/accept"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, "max-age=31536000; includeSubDomains; preload", rec.Header().Get("Strict-Transport-Security"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-Id"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "client-chosen")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "client-chosen", seen)
}
