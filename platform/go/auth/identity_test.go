package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/auth/devtoken"
)

func TestUnsignedIdentityVerifier(t *testing.T) {
	t.Parallel()

	token, err := devtoken.BuildUnsignedIdentityToken(devtoken.Params{
		ProjectID: "hospital-ops-dev",
		Tenant:    "hospital-a",
		UserID:    "firebase-uid-1",
		Email:     "Nurse@Example.com",
		Name:      "Nurse One",
	}, time.Now())
	require.NoError(t, err)

	verifier := NewIdentityVerifier(UnsignedTokenVerifier(), nil)
	identity, err := verifier.Verify(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "firebase-uid-1", identity.UID)
	require.Equal(t, "nurse@example.com", identity.Email)
	require.Equal(t, "hospital-a", identity.TenantHint)
	require.False(t, identity.PlatformOwner)
	require.NotNil(t, identity.Name)
}

func TestDefaultIdentityExtractorRequiresEmail(t *testing.T) {
	t.Parallel()

	_, err := DefaultIdentityExtractor(map[string]interface{}{"uid": "u1"})
	require.Error(t, err)

	_, err = DefaultIdentityExtractor(nil)
	require.Error(t, err)
}
