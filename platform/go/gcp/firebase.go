// Package gcp wires Google Cloud clients used at login.
package gcp

import (
	"context"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

// FirebaseConfig selects the project and credentials. Empty fields fall back
// to Application Default Credentials.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// InitFirebaseAuth initializes the Firebase app and returns its Auth client,
// which verifies identity tokens presented at login.
func InitFirebaseAuth(ctx context.Context, cfg FirebaseConfig) (*firebaseauth.Client, error) {
	var opts []option.ClientOption
	if path := strings.TrimSpace(cfg.CredentialsFile); path != "" {
		opts = append(opts, option.WithCredentialsFile(path))
	}

	var appCfg *firebase.Config
	if cfg.ProjectID != "" {
		appCfg = &firebase.Config{ProjectID: cfg.ProjectID}
	}

	app, err := firebase.NewApp(ctx, appCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase auth: %w", err)
	}
	return client, nil
}
