package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestIssueAndResolveRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tokens := NewTokens(TokenConfig{Secret: testSecret, TTL: time.Hour, Now: fixedClock(now)})

	raw, issued, err := tokens.Issue(Grant{
		UserID:      "u1",
		Role:        RoleStaff,
		TenantID:    "hospital-a",
		GroupID:     "g1",
		Permissions: []string{string(PermBedsRead)},
	})
	require.NoError(t, err)

	session, err := tokens.Resolve(raw)
	require.NoError(t, err)
	require.Equal(t, issued.ID, session.ID)
	require.Equal(t, "u1", session.UserID)
	require.Equal(t, RoleStaff, session.Role)
	require.Equal(t, "hospital-a", session.ActiveTenantID)
	require.Equal(t, "g1", session.GroupID)
	require.Equal(t, now, session.IssuedAt)
	require.Equal(t, now.Add(time.Hour), session.ExpiresAt)
}

func TestResolveFailures(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tokens := NewTokens(TokenConfig{Secret: testSecret, TTL: time.Hour, Now: fixedClock(now)})
	raw, _, err := tokens.Issue(Grant{UserID: "u1", Role: RoleAdmin, TenantID: "hospital-a"})
	require.NoError(t, err)

	later := NewTokens(TokenConfig{Secret: testSecret, TTL: time.Hour, Now: fixedClock(now.Add(2 * time.Hour))})
	otherKey := NewTokens(TokenConfig{Secret: []byte("ffffffffffffffffffffffffffffffff"), Now: fixedClock(now)})

	parts := strings.Split(raw, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"uid": "u1", "role": "admin", "tid": "hospital-a"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name     string
		resolver *Tokens
		raw      string
		expected error
	}{
		{name: "empty", resolver: tokens, raw: "", expected: ErrInvalidToken},
		{name: "malformed", resolver: tokens, raw: "not-a-token", expected: ErrInvalidToken},
		{name: "tampered payload", resolver: tokens, raw: tampered, expected: ErrInvalidToken},
		{name: "wrong key", resolver: otherKey, raw: raw, expected: ErrInvalidToken},
		{name: "alg none", resolver: tokens, raw: noneToken, expected: ErrInvalidToken},
		{name: "expired", resolver: later, raw: raw, expected: ErrExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := tt.resolver.Resolve(tt.raw)
			require.ErrorIs(t, err, tt.expected)
		})
	}
}

func TestResolveTenantRequirement(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tokens := NewTokens(TokenConfig{Secret: testSecret, Now: fixedClock(now)})

	raw, _, err := tokens.Issue(Grant{UserID: "owner", Role: RolePlatformOwner})
	require.NoError(t, err)
	session, err := tokens.Resolve(raw)
	require.NoError(t, err)
	require.False(t, session.HasTenant())

	_, _, err = tokens.Issue(Grant{UserID: "u1", Role: RoleStaff})
	require.ErrorIs(t, err, ErrNoActiveTenant)

	claims := sessionClaims{
		UserID: "u1",
		Role:   RoleStaff,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "sid",
			Issuer:    sessionIssuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)

	_, err = tokens.Resolve(forged)
	require.ErrorIs(t, err, ErrNoActiveTenant)
}

func TestNewTokensRejectsShortSecret(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() { NewTokens(TokenConfig{Secret: []byte("short")}) })
}

func TestAuthorize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		caps    Capabilities
		perm    Permission
		allowed bool
	}{
		{name: "admin bypass", caps: Capabilities{Role: RoleAdmin}, perm: PermAuditRead, allowed: true},
		{name: "owner bypass", caps: Capabilities{Role: RolePlatformOwner}, perm: PermBedsWrite, allowed: true},
		{name: "explicit grant", caps: Capabilities{Role: RoleStaff, Permissions: []string{string(PermBedsRead)}}, perm: PermBedsRead, allowed: true},
		{name: "missing grant", caps: Capabilities{Role: RoleStaff, Permissions: []string{string(PermBedsRead)}}, perm: PermBedsWrite},
		{name: "group admin is not admin", caps: Capabilities{Role: RoleGroupAdmin}, perm: PermUsersManage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := Authorize(tt.caps, tt.perm)
			if tt.allowed {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrForbidden)
			}
		})
	}
}
