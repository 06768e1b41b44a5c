/*
auth.go - Bearer token identity

PURPOSE:
  The engine doesn't authenticate anyone; the society app's auth service
  issues HS256 tokens and this middleware turns them into an Identity
  the handlers check against. Claims:

    sub            user ID (the resident ID stored on bills)
    society_admin  society IDs the user administers
    units          unit IDs the user lives in
    exp            expiry (required)

ACCESS RULES:
  /api/societies/{societyID}/*  admin of that society
  /api/units/{unitID}/*         resident of the unit, or admin of its society
  /api/bills/{billID}           the bill's resident, or admin of its society
  /api/bills/{billID}/pay       the bill's resident only (checked by the engine)

SEE ALSO:
  - server.go: Where the middleware is mounted
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/warp/maintenance-engine/maintenance"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID  string
	AdminOf []maintenance.SocietyID
	Units   []maintenance.UnitID
}

// IsAdmin reports whether the caller administers societyID.
func (id Identity) IsAdmin(societyID maintenance.SocietyID) bool {
	for _, s := range id.AdminOf {
		if s == societyID {
			return true
		}
	}
	return false
}

// LivesIn reports whether the caller is a resident of unitID.
func (id Identity) LivesIn(unitID maintenance.UnitID) bool {
	for _, u := range id.Units {
		if u == unitID {
			return true
		}
	}
	return false
}

type identityKey struct{}

// IdentityFrom returns the caller stored by Authenticator.Middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// =============================================================================
// AUTHENTICATOR
// =============================================================================

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	Secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{Secret: []byte(secret)}
}

// Middleware rejects requests without a valid token and stores the Identity.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := extractBearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized", err)
			return
		}

		id, err := a.Verify(tokenString)
		if err != nil {
			log.Printf("[auth] rejected token: %v", err)
			writeError(w, http.StatusUnauthorized, "Unauthorized", err)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Verify parses and checks a token.
func (a *Authenticator) Verify(tokenString string) (Identity, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("invalid token: %w", err)
	}
	if _, ok := claims["exp"]; !ok {
		return Identity{}, errors.New("token has no exp")
	}

	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return Identity{}, errors.New("token has no sub")
	}

	id := Identity{UserID: sub}
	for _, s := range toStringSlice(claims["society_admin"]) {
		id.AdminOf = append(id.AdminOf, maintenance.SocietyID(s))
	}
	for _, u := range toStringSlice(claims["units"]) {
		id.Units = append(id.Units, maintenance.UnitID(u))
	}
	return id, nil
}

// Issue signs a token for id. Used by the CLI and tests; production tokens
// come from the auth service.
func (a *Authenticator) Issue(id Identity, ttl time.Duration) (string, error) {
	admin := make([]string, len(id.AdminOf))
	for i, s := range id.AdminOf {
		admin[i] = string(s)
	}
	units := make([]string, len(id.Units))
	for i, u := range id.Units {
		units[i] = string(u)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":           id.UserID,
		"society_admin": admin,
		"units":         units,
		"iat":           time.Now().Unix(),
		"exp":           time.Now().Add(ttl).Unix(),
	})
	return token.SignedString(a.Secret)
}

func extractBearerToken(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", errors.New("no token provided")
	}
	fields := strings.Fields(auth)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	tok := strings.Trim(fields[1], "\"'")
	if tok == "" {
		return "", errors.New("empty token")
	}
	return tok, nil
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	case string:
		if t == "" {
			return nil
		}
		return strings.Split(t, ",")
	}
	return nil
}
