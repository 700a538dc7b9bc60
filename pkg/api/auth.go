package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/opx-platform/opx-core/pkg/contracts"
)

type contextKey string

const authorityKey contextKey = "opx.authority"

// Claims are the JWT claims the control plane expects. The subject is the
// authority ID; authority_type selects the permission class.
type Claims struct {
	jwt.RegisteredClaims
	AuthorityType string `json:"authority_type"`
	Justification string `json:"justification,omitempty"`
}

// JWTVerifier validates bearer tokens signed with the shared HMAC secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier builds a verifier. An empty secret yields nil; the auth
// middleware then rejects every protected request (fail closed).
func NewJWTVerifier(secret string) *JWTVerifier {
	if secret == "" {
		return nil
	}
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses the token and extracts the authority.
func (v *JWTVerifier) Verify(tokenStr string) (contracts.Authority, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return contracts.Authority{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return contracts.Authority{}, fmt.Errorf("invalid token")
	}
	authority := contracts.Authority{
		ID:            claims.Subject,
		Type:          contracts.AuthorityType(claims.AuthorityType),
		Justification: claims.Justification,
	}
	if authority.ID == "" {
		return contracts.Authority{}, fmt.Errorf("token subject is required")
	}
	if !authority.Type.Valid() {
		return contracts.Authority{}, fmt.Errorf("unknown authority type %q", claims.AuthorityType)
	}
	return authority, nil
}

// publicPaths are endpoints reachable without authentication.
var publicPaths = []string{
	"/healthz",
	"/readyz",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// AuthMiddleware extracts the authority from the bearer token and injects it
// into the request context. A nil verifier rejects all protected requests.
func AuthMiddleware(verifier *JWTVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				WriteUnauthorized(w, r, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteUnauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if verifier == nil {
				WriteUnauthorized(w, r, "Authentication not configured")
				return
			}

			authority, err := verifier.Verify(parts[1])
			if err != nil {
				WriteUnauthorized(w, r, "Invalid or expired token")
				return
			}
			ctx := context.WithValue(r.Context(), authorityKey, authority)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthorityFrom returns the authority the auth middleware attached.
func AuthorityFrom(ctx context.Context) (contracts.Authority, bool) {
	a, ok := ctx.Value(authorityKey).(contracts.Authority)
	return a, ok
}
