// Package devtoken mints unsigned identity tokens for AUTH_PROVIDER=dev logins and tests.
package devtoken

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Params carries the identity claims of the token. Tenant is empty for platform owners.
type Params struct {
	ProjectID     string
	Tenant        string
	UserID        string
	Email         string
	Name          string
	EmailVerified bool
	PlatformOwner bool
	ExpiresIn     time.Duration // default 1h
}

// BuildUnsignedIdentityToken returns a two-segment token (alg "none", no signature)
// shaped like a Firebase ID token.
func BuildUnsignedIdentityToken(p Params, now time.Time) (string, error) {
	if strings.TrimSpace(p.ProjectID) == "" {
		return "", errors.New("projectID is required")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return "", errors.New("userID is required")
	}
	if strings.TrimSpace(p.Email) == "" {
		return "", errors.New("email is required")
	}
	if !p.PlatformOwner && strings.TrimSpace(p.Tenant) == "" {
		return "", errors.New("tenant is required unless the identity is a platform owner")
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}
	expiresIn := p.ExpiresIn
	if expiresIn == 0 {
		expiresIn = time.Hour
	}

	firebaseClaim := map[string]interface{}{
		"identities":       map[string]interface{}{"email": []string{p.Email}},
		"sign_in_provider": "password",
	}
	if p.Tenant != "" {
		firebaseClaim["tenant"] = p.Tenant
	}

	payload := map[string]interface{}{
		"iss":            "https://securetoken.google.com/" + p.ProjectID,
		"aud":            p.ProjectID,
		"auth_time":      now.Unix(),
		"user_id":        p.UserID,
		"sub":            p.UserID,
		"iat":            now.Unix(),
		"exp":            now.Add(expiresIn).Unix(),
		"email":          p.Email,
		"email_verified": p.EmailVerified,
		"name":           p.Name,
		"isAdmin":        p.PlatformOwner,
		"firebase":       firebaseClaim,
	}

	headerSegment, err := encodeSegment(map[string]interface{}{"alg": "none", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payloadSegment, err := encodeSegment(payload)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s.%s", headerSegment, payloadSegment), nil
}

func encodeSegment(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
