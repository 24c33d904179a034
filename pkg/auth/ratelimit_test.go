package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimiterPerActorBuckets(t *testing.T) {
	l := NewLimiter(0.001, 2)

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	// Other actors keep their own bucket.
	assert.True(t, l.Allow("b"))
}

func TestRateLimitMiddleware(t *testing.T) {
	l := NewLimiter(0.001, 1)
	h := RateLimitMiddleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/workspaces", nil)
	req = req.WithContext(WithPrincipal(req.Context(), &Principal{ID: "u-1", WorkspaceID: "ws-1"}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// An anonymous caller from a different address is unaffected.
	other := httptest.NewRequest(http.MethodGet, "/workspaces", nil)
	other.RemoteAddr = "10.0.0.9:4242"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitMiddlewareNilLimiterFailsOpen(t *testing.T) {
	h := RateLimitMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/workspaces", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
