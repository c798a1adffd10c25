package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"firebase.google.com/go/v4/auth"
)

// Identity is the externally verified principal presented at login. It is only
// used to look up the local user record; sessions never carry it directly.
type Identity struct {
	UID           string
	Email         string
	EmailVerified bool
	Name          *string
	// PlatformOwner is set from the isAdmin custom claim.
	PlatformOwner bool
	// TenantHint is the identity provider tenant the user signed in through, if any.
	TenantHint string
}

// VerifyFunc validates an identity provider token and returns its claims map.
type VerifyFunc func(ctx context.Context, token string) (map[string]interface{}, error)

// ExtractFunc converts a claims map into an Identity.
type ExtractFunc func(claims map[string]interface{}) (Identity, error)

// IdentityVerifier couples token verification and claim extraction.
type IdentityVerifier struct {
	verify  VerifyFunc
	extract ExtractFunc
}

// NewIdentityVerifier builds a verifier; a nil extract uses DefaultIdentityExtractor.
func NewIdentityVerifier(verify VerifyFunc, extract ExtractFunc) *IdentityVerifier {
	if verify == nil {
		panic("auth: verify func must not be nil")
	}
	if extract == nil {
		extract = DefaultIdentityExtractor
	}
	return &IdentityVerifier{verify: verify, extract: extract}
}

// Verify checks the token and returns the identity it carries.
func (v *IdentityVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	claims, err := v.verify(ctx, token)
	if err != nil {
		return Identity{}, fmt.Errorf("verify identity token: %w", err)
	}
	return v.extract(claims)
}

// DefaultIdentityExtractor converts Firebase-shaped claims into an Identity.
func DefaultIdentityExtractor(claims map[string]interface{}) (Identity, error) {
	if claims == nil {
		return Identity{}, errors.New("missing claims")
	}

	id := Identity{
		UID:           fallbackStringClaim(claims, []string{"uid", "user_id", "sub"}, ""),
		Email:         strings.ToLower(extractStringClaim(claims, "email")),
		EmailVerified: extractBoolClaim(claims, "email_verified"),
		Name:          extractOptionalStringClaim(claims, "name"),
		PlatformOwner: extractBoolClaim(claims, "isAdmin"),
		TenantHint:    extractTenantClaim(claims),
	}
	if id.UID == "" {
		return Identity{}, errors.New("identity subject missing")
	}
	if id.Email == "" {
		return Identity{}, errors.New("identity email missing")
	}
	return id, nil
}

func extractBoolClaim(claims map[string]interface{}, key string) bool {
	if v, ok := claims[key]; ok {
		if boolVal, valid := v.(bool); valid {
			return boolVal
		}
	}
	return false
}

func extractStringClaim(claims map[string]interface{}, key string) string {
	if v, ok := claims[key]; ok {
		if strVal, valid := v.(string); valid {
			return strVal
		}
	}
	return ""
}

func extractOptionalStringClaim(claims map[string]interface{}, key string) *string {
	if v := extractStringClaim(claims, key); v != "" {
		return &v
	}
	return nil
}

func extractTenantClaim(claims map[string]interface{}) string {
	firebaseClaim, ok := claims["firebase"].(map[string]interface{})
	if !ok {
		return ""
	}
	tenant, _ := firebaseClaim["tenant"].(string)
	return tenant
}

func fallbackStringClaim(claims map[string]interface{}, keys []string, def string) string {
	for _, key := range keys {
		if v := extractStringClaim(claims, key); v != "" {
			return v
		}
	}
	return def
}

// FirebaseTokenVerifier returns a VerifyFunc that validates ID tokens via Firebase Auth.
func FirebaseTokenVerifier(fbAuth *auth.Client) VerifyFunc {
	return func(ctx context.Context, token string) (map[string]interface{}, error) {
		t, err := fbAuth.VerifyIDToken(ctx, token)
		if err != nil {
			return nil, err
		}

		claims := make(map[string]interface{}, len(t.Claims)+2)
		for k, v := range t.Claims {
			claims[k] = v
		}
		claims["uid"] = t.UID
		claims["sub"] = t.Subject
		if tenant := t.Firebase.Tenant; tenant != "" {
			firebaseClaim, ok := claims["firebase"].(map[string]interface{})
			if !ok {
				firebaseClaim = map[string]interface{}{}
			}
			firebaseClaim["tenant"] = tenant
			claims["firebase"] = firebaseClaim
		}

		return claims, nil
	}
}

// UnsignedTokenVerifier decodes unsigned token payloads without validation. Development only.
func UnsignedTokenVerifier() VerifyFunc {
	return func(ctx context.Context, token string) (map[string]interface{}, error) {
		parts := strings.Split(token, ".")
		if len(parts) < 2 {
			return nil, errors.New("invalid token format")
		}

		decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
		if err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}

		claims := make(map[string]interface{})
		if err := json.Unmarshal(decoded, &claims); err != nil {
			return nil, fmt.Errorf("unmarshal claims: %w", err)
		}
		return claims, nil
	}
}

// ExtractBearerToken returns the token from an Authorization: Bearer header.
func ExtractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(authHeader[len(prefix):])
	return token, token != ""
}
