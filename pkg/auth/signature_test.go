package auth

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sigKey = []byte("request-signing-key-for-tests!!!")

func signedRequest(key []byte, method, path string, body []byte, at time.Time, nonce string) *http.Request {
	ts := strconv.FormatInt(at.Unix(), 10)
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("x-request-timestamp", ts)
	req.Header.Set("x-request-nonce", nonce)
	req.Header.Set("x-request-signature", SignRequest(key, method, path, ts, nonce, body))
	return req
}

func TestSignatureMiddlewareValidRequest(t *testing.T) {
	now := time.Now()
	var gotBody []byte
	h := SignatureMiddleware(sigKey, NewMemoryNonceStore(), true, func() time.Time { return now })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			gotBody = b
			w.WriteHeader(http.StatusOK)
		}))

	body := []byte(`{"amount":100}`)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(sigKey, http.MethodPost, "/transactions", body, now, "n-1"))

	assert.Equal(t, http.StatusOK, rec.Code)
	// The handler still sees the body the middleware consumed.
	assert.Equal(t, body, gotBody)
}

func TestSignatureMiddlewareRejectsStaleTimestamp(t *testing.T) {
	now := time.Now()
	h := SignatureMiddleware(sigKey, NewMemoryNonceStore(), true, func() time.Time { return now })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not run")
		}))

	for name, at := range map[string]time.Time{
		"too old":        now.Add(-6 * time.Minute),
		"from the future": now.Add(6 * time.Minute),
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, signedRequest(sigKey, http.MethodPost, "/transactions", nil, at, "n-skew"))
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestSignatureMiddlewareRejectsReplay(t *testing.T) {
	now := time.Now()
	h := SignatureMiddleware(sigKey, NewMemoryNonceStore(), true, func() time.Time { return now })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	body := []byte(`{"amount":100}`)
	first := signedRequest(sigKey, http.MethodPost, "/transactions", body, now, "n-replay")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, first)
	require.Equal(t, http.StatusOK, rec.Code)

	replay := signedRequest(sigKey, http.MethodPost, "/transactions", body, now, "n-replay")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, replay)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSignatureMiddlewareRejectsTamperedBody(t *testing.T) {
	now := time.Now()
	h := SignatureMiddleware(sigKey, NewMemoryNonceStore(), true, func() time.Time { return now })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not run")
		}))

	req := signedRequest(sigKey, http.MethodPost, "/transactions", []byte(`{"amount":100}`), now, "n-tamper")
	req.Body = io.NopCloser(bytes.NewReader([]byte(`{"amount":999999}`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSignatureMiddlewareTamperedNonceBurnsNothing(t *testing.T) {
	now := time.Now()
	nonces := NewMemoryNonceStore()
	h := SignatureMiddleware(sigKey, nonces, true, func() time.Time { return now })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	// A forged request carrying the victim's nonce fails the signature
	// check and must not consume the nonce.
	forged := signedRequest(sigKey, http.MethodPost, "/transactions", nil, now, "n-victim")
	forged.Header.Set("x-request-signature", "deadbeef")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, forged)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(sigKey, http.MethodPost, "/transactions", nil, now, "n-victim"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignatureMiddlewareOptionalMode(t *testing.T) {
	now := time.Now()
	h := SignatureMiddleware(sigKey, NewMemoryNonceStore(), false, func() time.Time { return now })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	// Unsigned requests pass when signatures are optional.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/transactions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Partial headers are always rejected.
	req := httptest.NewRequest(http.MethodPost, "/transactions", nil)
	req.Header.Set("x-request-nonce", "n-only")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSignatureMiddlewareRequiredMode(t *testing.T) {
	now := time.Now()
	h := SignatureMiddleware(sigKey, NewMemoryNonceStore(), true, func() time.Time { return now })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/transactions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Reads are never forced to sign.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/workspaces", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
