package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fincollab/govcore/pkg/jsend"
)

// Claims are the JWT claims the governance core expects.
type Claims struct {
	jwt.RegisteredClaims
	Email       string   `json:"email,omitempty"`
	WorkspaceID string   `json:"workspace_id,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	System      bool     `json:"system,omitempty"`
}

// JWTValidator validates bearer tokens with an HMAC signing key.
type JWTValidator struct {
	key []byte
}

func NewJWTValidator(key []byte) *JWTValidator {
	return &JWTValidator{key: key}
}

// Validate parses and validates a token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// publicPaths do not require authentication.
var publicPaths = map[string]bool{
	"/health":    true,
	"/readiness": true,
}

func isPublicPath(path string) bool {
	if publicPaths[path] {
		return true
	}
	// Invite preview and accept are reachable by the token alone.
	return strings.HasPrefix(path, "/invites/")
}

// Middleware authenticates every non-public request and injects the
// principal. A nil validator fails closed.
func Middleware(validator *JWTValidator, systemToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			// System-to-system callers (job triggers) present a shared token.
			if st := r.Header.Get("x-system-token"); st != "" && systemToken != "" &&
				subtle.ConstantTimeCompare([]byte(st), []byte(systemToken)) == 1 {
				ctx := WithPrincipal(r.Context(), &Principal{ID: "system", System: true})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				jsend.Fail(w, http.StatusUnauthorized, "missing Authorization header", nil)
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				jsend.Fail(w, http.StatusUnauthorized, "invalid Authorization header format", nil)
				return
			}
			if validator == nil {
				jsend.Fail(w, http.StatusUnauthorized, "authentication not configured", nil)
				return
			}

			claims, err := validator.Validate(parts[1])
			if err != nil {
				jsend.Fail(w, http.StatusUnauthorized, "invalid or expired token", nil)
				return
			}
			if claims.Subject == "" {
				jsend.Fail(w, http.StatusUnauthorized, "token subject is required", nil)
				return
			}

			workspaceID := claims.WorkspaceID
			if hdr := r.Header.Get("x-workspace-id"); hdr != "" {
				workspaceID = hdr
			}
			ctx := WithPrincipal(r.Context(), &Principal{
				ID:          claims.Subject,
				Email:       claims.Email,
				WorkspaceID: workspaceID,
				Roles:       claims.Roles,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
