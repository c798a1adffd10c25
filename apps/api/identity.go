package main

import (
	"context"

	"go.uber.org/zap"

	platformauth "github.com/zenGate-Global/hospital-ops-core/platform/go/auth"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/gcp"
)

// buildIdentityVerifier selects how login identity tokens are checked.
func buildIdentityVerifier(ctx context.Context, cfg config, logger *zap.Logger) *platformauth.IdentityVerifier {
	var verify platformauth.VerifyFunc
	switch cfg.AuthProvider {
	case "firebase":
		fbAuth, err := gcp.InitFirebaseAuth(ctx, gcp.FirebaseConfig{
			ProjectID:       cfg.FirebaseProjectID,
			CredentialsFile: cfg.FirebaseCredentialsFile,
		})
		if err != nil {
			logger.Fatal("init firebase auth", zap.Error(err))
		}
		verify = platformauth.FirebaseTokenVerifier(fbAuth)
	case "dev":
		logger.Warn("using unsigned identity tokens; do not use in production")
		verify = platformauth.UnsignedTokenVerifier()
	default:
		logger.Fatal("unsupported auth provider", zap.String("provider", cfg.AuthProvider))
	}

	return platformauth.NewIdentityVerifier(verify, platformauth.DefaultIdentityExtractor)
}
