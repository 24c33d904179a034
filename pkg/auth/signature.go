package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fincollab/govcore/pkg/jsend"
)

const signatureSkew = 5 * time.Minute

// NonceStore enforces single use of request nonces within the skew window.
type NonceStore interface {
	// Use marks the nonce consumed; false means it was already used.
	Use(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// MemoryNonceStore is the in-process NonceStore.
type MemoryNonceStore struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock func() time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]time.Time), clock: time.Now}
}

func (s *MemoryNonceStore) Use(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for n, exp := range s.seen {
		if now.After(exp) {
			delete(s.seen, n)
		}
	}
	if _, used := s.seen[nonce]; used {
		return false, nil
	}
	s.seen[nonce] = now.Add(ttl)
	return true, nil
}

// RedisNonceStore shares nonce state across processes.
type RedisNonceStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisNonceStore(rdb redis.UniversalClient, prefix string) *RedisNonceStore {
	if prefix == "" {
		prefix = "sig:nonce"
	}
	return &RedisNonceStore{rdb: rdb, prefix: prefix}
}

func (s *RedisNonceStore) Use(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, s.prefix+":"+nonce, 1, ttl).Result()
}

// SignRequest computes the hex HMAC-SHA256 over the canonical request
// string: method, path, timestamp, nonce, and body, newline separated.
func SignRequest(key []byte, method, path, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(method))
	mac.Write([]byte("\n"))
	mac.Write([]byte(path))
	mac.Write([]byte("\n"))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write([]byte(nonce))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureMiddleware verifies x-request-signature, x-request-timestamp,
// and x-request-nonce on mutating requests: the timestamp must be inside
// the 5-minute skew, the nonce single-use, and the HMAC valid. Requests
// without signature headers pass through when required is false.
func SignatureMiddleware(key []byte, nonces NonceStore, required bool, clock func() time.Time) func(http.Handler) http.Handler {
	if clock == nil {
		clock = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sig := r.Header.Get("x-request-signature")
			ts := r.Header.Get("x-request-timestamp")
			nonce := r.Header.Get("x-request-nonce")

			if sig == "" && ts == "" && nonce == "" {
				if required && mutating(r.Method) {
					jsend.Fail(w, http.StatusUnauthorized, "request signature required", nil)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if sig == "" || ts == "" || nonce == "" {
				jsend.Fail(w, http.StatusUnauthorized, "incomplete signature headers", nil)
				return
			}

			unix, err := strconv.ParseInt(ts, 10, 64)
			if err != nil {
				jsend.Fail(w, http.StatusUnauthorized, "invalid signature timestamp", nil)
				return
			}
			now := clock()
			at := time.Unix(unix, 0)
			if at.Before(now.Add(-signatureSkew)) || at.After(now.Add(signatureSkew)) {
				jsend.Fail(w, http.StatusUnauthorized, "signature timestamp outside allowed skew", nil)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				jsend.Error(w, http.StatusInternalServerError, "Something went wrong")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			want := SignRequest(key, r.Method, r.URL.Path, ts, nonce, body)
			if !hmac.Equal([]byte(want), []byte(sig)) {
				jsend.Fail(w, http.StatusUnauthorized, "invalid request signature", nil)
				return
			}

			// Nonce consumption comes after signature validation so an
			// attacker cannot burn nonces with forged requests.
			fresh, err := nonces.Use(r.Context(), nonce, 2*signatureSkew)
			if err != nil {
				jsend.Error(w, http.StatusServiceUnavailable, "signature verification unavailable")
				return
			}
			if !fresh {
				jsend.Fail(w, http.StatusUnauthorized, "nonce already used", nil)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
