package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// Authorization failures.
var (
	ErrUnauthenticated = errors.New("missing or invalid credentials")
	ErrForbidden       = errors.New("administrator role required")
)

// APIKeyHeader carries a raw API key.
const APIKeyHeader = "X-API-Key"

// Principal is an authenticated caller.
type Principal struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
	Method  string `json:"method"` // "jwt" or "api_key"
}

type principalKey struct{}

// PrincipalFromContext returns the caller set by RequireAdmin, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalKey{}).(*Principal); ok {
		return p
	}
	return nil
}

// Authorizer answers "is this caller an administrator". It accepts a
// Bearer JWT whose role is the admin role, or an API key matching one of
// the configured bcrypt hashes. API keys always act as administrators.
type Authorizer struct {
	tokens    *TokenService
	keyHashes []string
	adminRole string
}

// NewAuthorizer creates an Authorizer. An empty adminRole means RoleAdmin.
func NewAuthorizer(tokens *TokenService, keyHashes []string, adminRole string) *Authorizer {
	if adminRole == "" {
		adminRole = RoleAdmin
	}
	return &Authorizer{tokens: tokens, keyHashes: keyHashes, adminRole: adminRole}
}

// Authenticate identifies the caller without checking the role.
func (a *Authorizer) Authenticate(r *http.Request) (*Principal, error) {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		for _, h := range a.keyHashes {
			if CheckAPIKey(h, key) {
				return &Principal{Subject: "api-key", Role: a.adminRole, Method: "api_key"}, nil
			}
		}
		return nil, ErrUnauthenticated
	}

	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return nil, ErrUnauthenticated
	}
	return a.principalFromToken(strings.TrimPrefix(header, "Bearer "))
}

// AuthorizeToken validates a raw access token and requires the admin role.
// Used where headers are unavailable, such as WebSocket query parameters.
func (a *Authorizer) AuthorizeToken(token string) (*Principal, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	p, err := a.principalFromToken(token)
	if err != nil {
		return nil, err
	}
	if p.Role != a.adminRole {
		return nil, ErrForbidden
	}
	return p, nil
}

// IsAdmin reports whether the request carries administrator credentials.
func (a *Authorizer) IsAdmin(r *http.Request) bool {
	p, err := a.Authenticate(r)
	return err == nil && p.Role == a.adminRole
}

// RequireAdmin rejects requests that are not from an administrator:
// 401 without valid credentials, 403 for any other role.
func (a *Authorizer) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Authenticate(r)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if p.Role != a.adminRole {
			writeAuthError(w, http.StatusForbidden, ErrForbidden.Error())
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authorizer) principalFromToken(token string) (*Principal, error) {
	if a.tokens == nil {
		return nil, ErrUnauthenticated
	}
	claims, err := a.tokens.ValidateAccessToken(token)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	return &Principal{Subject: claims.Subject, Role: claims.Role, Method: "jwt"}, nil
}

func writeAuthError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "urn:sitebackup:problem:auth-error",
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
