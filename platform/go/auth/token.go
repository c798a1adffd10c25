package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// Resolution failures. Callers at the HTTP boundary collapse all of them into a
// generic unauthorized response.
var (
	ErrInvalidToken   = errors.New("invalid session token")
	ErrExpired        = errors.New("session expired")
	ErrNoActiveTenant = errors.New("session has no active tenant")
)

const sessionIssuer = "hospital-ops-core"

type sessionClaims struct {
	UserID      string   `json:"uid"`
	Role        Role     `json:"role"`
	TenantID    string   `json:"tid,omitempty"`
	GroupID     string   `json:"gid,omitempty"`
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// Grant describes the principal a new session is issued for.
type Grant struct {
	UserID      string
	Role        Role
	TenantID    string
	GroupID     string
	Permissions []string
}

// TokenConfig configures session signing.
type TokenConfig struct {
	Secret []byte
	TTL    time.Duration
	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
}

// Tokens issues and resolves HS256-signed session tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

// NewTokens builds a token issuer/resolver. It panics when the secret is shorter than 32 bytes.
func NewTokens(cfg TokenConfig) *Tokens {
	if len(cfg.Secret) < 32 {
		panic("auth tokens: secret must be at least 32 bytes")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Tokens{
		secret: cfg.Secret,
		ttl:    ttl,
		now:    now,
		// Expiry is checked by Resolve against the injected clock so it can be reported distinctly.
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation()),
	}
}

// TTL returns the lifetime of newly issued sessions.
func (t *Tokens) TTL() time.Duration {
	return t.ttl
}

// Issue signs a new session for the grant.
func (t *Tokens) Issue(g Grant) (string, Session, error) {
	if strings.TrimSpace(g.UserID) == "" {
		return "", Session{}, errors.New("user id is required")
	}
	if _, ok := ParseRole(string(g.Role)); !ok {
		return "", Session{}, fmt.Errorf("unknown role %q", g.Role)
	}
	if g.Role.RequiresTenant() && g.TenantID == "" {
		return "", Session{}, ErrNoActiveTenant
	}

	now := t.now().UTC().Truncate(time.Second)
	session := Session{
		ID:             uuid.NewString(),
		UserID:         g.UserID,
		Role:           g.Role,
		ActiveTenantID: g.TenantID,
		GroupID:        g.GroupID,
		Permissions:    append([]string(nil), g.Permissions...),
		IssuedAt:       now,
		ExpiresAt:      now.Add(t.ttl),
	}

	claims := sessionClaims{
		UserID:      session.UserID,
		Role:        session.Role,
		TenantID:    session.ActiveTenantID,
		GroupID:     session.GroupID,
		Permissions: session.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        session.ID,
			Issuer:    sessionIssuer,
			Subject:   session.UserID,
			IssuedAt:  jwt.NewNumericDate(session.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", Session{}, fmt.Errorf("sign session: %w", err)
	}
	return signed, session, nil
}

// Resolve verifies and decodes a raw session token. It has no side effects.
func (t *Tokens) Resolve(raw string) (Session, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Session{}, ErrInvalidToken
	}

	claims := &sessionClaims{}
	token, err := t.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return Session{}, ErrInvalidToken
	}
	if claims.Issuer != sessionIssuer || claims.ID == "" || claims.UserID == "" || claims.ExpiresAt == nil {
		return Session{}, ErrInvalidToken
	}

	role, ok := ParseRole(string(claims.Role))
	if !ok {
		return Session{}, ErrInvalidToken
	}

	session := Session{
		ID:             claims.ID,
		UserID:         claims.UserID,
		Role:           role,
		ActiveTenantID: claims.TenantID,
		GroupID:        claims.GroupID,
		Permissions:    claims.Permissions,
		ExpiresAt:      claims.ExpiresAt.Time.UTC(),
	}
	if claims.IssuedAt != nil {
		session.IssuedAt = claims.IssuedAt.Time.UTC()
	}

	if t.now().After(session.ExpiresAt) {
		return Session{}, ErrExpired
	}
	if role.RequiresTenant() && !session.HasTenant() {
		return Session{}, ErrNoActiveTenant
	}

	return session, nil
}
