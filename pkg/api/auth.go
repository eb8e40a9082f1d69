package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Scope ranks API capability: viewer reads, runner executes, admin
// deletes. Higher scopes include the lower ones.
type Scope string

const (
	ScopeViewer Scope = "viewer"
	ScopeRunner Scope = "runner"
	ScopeAdmin  Scope = "admin"
)

var scopeRank = map[Scope]int{
	ScopeViewer: 1,
	ScopeRunner: 2,
	ScopeAdmin:  3,
}

// Claims are the bearer token claims. Scope is a single ranked value,
// not a list.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// authenticator validates HS256 bearer tokens against a shared secret.
// A nil authenticator disables auth entirely.
type authenticator struct {
	secret []byte
}

func newAuthenticator(secret string) *authenticator {
	if secret == "" {
		return nil
	}
	return &authenticator{secret: []byte(secret)}
}

// IssueToken signs a token carrying the scope claim. Used by the CLI
// and by tests; the server itself only validates.
func (a *authenticator) IssueToken(scope Scope, claims jwt.RegisteredClaims) (string, error) {
	if a == nil {
		return "", fmt.Errorf("auth not configured")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Scope:            string(scope),
		RegisteredClaims: claims,
	})
	return token.SignedString(a.secret)
}

func (a *authenticator) validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// require returns middleware enforcing the minimum scope. On a nil
// authenticator it is a pass-through.
func (a *authenticator) require(min Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenString == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
				return
			}

			claims, err := a.validate(strings.TrimSpace(tokenString))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
				return
			}

			if scopeRank[Scope(claims.Scope)] < scopeRank[min] {
				writeError(w, http.StatusForbidden, "FORBIDDEN", fmt.Sprintf("scope %q required", min))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
