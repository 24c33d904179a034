package auth

import (
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"github.com/fincollab/govcore/pkg/jsend"
)

// Limiter tracks a token bucket per actor. Actors are the authenticated
// principal when available, the remote address otherwise.
type Limiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) bucket(actor string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[actor]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[actor] = b
	}
	return b
}

// Allow consumes one token for the actor.
func (l *Limiter) Allow(actor string) bool {
	return l.bucket(actor).Allow()
}

// RateLimitMiddleware rejects over-limit requests with 429 and a
// Retry-After hint. A nil limiter fails open.
func RateLimitMiddleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l == nil {
				next.ServeHTTP(w, r)
				return
			}
			actor := r.RemoteAddr
			if p, err := GetPrincipal(r.Context()); err == nil {
				actor = p.WorkspaceID + "/" + p.ID
			}
			if !l.Allow(actor) {
				retryAfter := 1
				if l.rps > 0 && l.rps < 1 {
					retryAfter = int(1 / float64(l.rps))
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				jsend.Fail(w, http.StatusTooManyRequests, "rate limit exceeded",
					map[string]interface{}{"retryAfter": retryAfter})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
