// Package service turns verified identities into local sessions.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	platformauth "github.com/zenGate-Global/hospital-ops-core/platform/go/auth"
	platformlogging "github.com/zenGate-Global/hospital-ops-core/platform/go/logging"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/persistence"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant/router"
)

var (
	// ErrUnauthenticated covers every login failure the caller must not distinguish.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrTenantUnavailable is returned when the tenant is unknown or blocked.
	ErrTenantUnavailable = errors.New("tenant unavailable")
	// ErrNotPlatformOwner guards owner-only operations.
	ErrNotPlatformOwner = errors.New("platform owner required")
	// ErrValidation reports a malformed login or switch request.
	ErrValidation = errors.New("invalid request")
)

// IdentityVerifier validates identity provider tokens.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (platformauth.Identity, error)
}

// SessionIssuer signs sessions.
type SessionIssuer interface {
	Issue(g platformauth.Grant) (string, platformauth.Session, error)
}

// TenantRouter resolves a tenant to its partition.
type TenantRouter interface {
	Route(ctx context.Context, tenantID string) (tenant.Space, error)
}

// Users is the slice of the user store login needs.
type Users interface {
	GetUserByEmail(ctx context.Context, space tenant.Space, email string) (persistence.User, error)
	GetUser(ctx context.Context, space tenant.Space, id uuid.UUID) (persistence.User, error)
	TouchLastLogin(ctx context.Context, space tenant.Space, id uuid.UUID, at time.Time) error
}

// Detacher runs work that must not hold up the response.
type Detacher interface {
	Detach(ctx context.Context, task string, fn func(ctx context.Context) error) <-chan struct{}
}

// LoginInput carries the identity token and an optional tenant choice.
type LoginInput struct {
	IDToken  string
	TenantID string
}

// Issued is a freshly signed session.
type Issued struct {
	Token   string
	Session platformauth.Session
}

// Profile describes the caller for /auth/me.
type Profile struct {
	Session      platformauth.Session
	User         *persistence.User
	Tenant       *tenant.Space
	Capabilities platformauth.Capabilities
}

type Config struct {
	Verifier    IdentityVerifier
	Tokens      SessionIssuer
	Router      TenantRouter
	Users       Users
	Revocations platformauth.RevocationList
	Detacher    Detacher
	Now         func() time.Time
	Logger      *zap.Logger
}

// Service implements login, logout, me and tenant switching.
type Service struct {
	verifier    IdentityVerifier
	tokens      SessionIssuer
	router      TenantRouter
	users       Users
	revocations platformauth.RevocationList
	detacher    Detacher
	now         func() time.Time
	logger      *zap.Logger
}

func New(cfg Config) *Service {
	if cfg.Verifier == nil || cfg.Tokens == nil || cfg.Router == nil || cfg.Users == nil || cfg.Revocations == nil || cfg.Detacher == nil {
		panic("auth service requires verifier, tokens, router, users, revocations and detacher")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		verifier:    cfg.Verifier,
		tokens:      cfg.Tokens,
		router:      cfg.Router,
		users:       cfg.Users,
		revocations: cfg.Revocations,
		detacher:    cfg.Detacher,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
}

// Login verifies the identity token and issues a session. Platform owners may
// log in without a tenant; everyone else must match an active user in the
// tenant's partition.
func (s *Service) Login(ctx context.Context, input LoginInput) (Issued, error) {
	logger := platformlogging.For(ctx, s.logger)

	token := strings.TrimSpace(input.IDToken)
	if token == "" {
		return Issued{}, fmt.Errorf("%w: idToken is required", ErrValidation)
	}

	identity, err := s.verifier.Verify(ctx, token)
	if err != nil {
		logger.Info("login rejected", zap.String("reason", "identity"), zap.Error(err))
		return Issued{}, ErrUnauthenticated
	}

	tenantID := strings.TrimSpace(input.TenantID)
	if tenantID == "" {
		tenantID = identity.TenantHint
	}

	if identity.PlatformOwner {
		grant := platformauth.Grant{UserID: identity.UID, Role: platformauth.RolePlatformOwner}
		if tenantID != "" {
			space, err := s.route(ctx, tenantID)
			if err != nil {
				return Issued{}, err
			}
			grant.TenantID = space.TenantID
		}
		return s.issue(grant)
	}

	if tenantID == "" {
		logger.Info("login rejected", zap.String("reason", "no_tenant"), zap.String("uid", identity.UID))
		return Issued{}, ErrUnauthenticated
	}
	space, err := s.route(ctx, tenantID)
	if err != nil {
		return Issued{}, err
	}

	user, err := s.users.GetUserByEmail(ctx, space, identity.Email)
	if err != nil {
		if errors.Is(err, persistence.ErrUserNotFound) {
			logger.Info("login rejected", zap.String("reason", "unknown_user"), zap.String("tenant_id", space.TenantID))
			return Issued{}, ErrUnauthenticated
		}
		return Issued{}, fmt.Errorf("lookup user: %w", err)
	}
	if !user.IsActive {
		logger.Info("login rejected", zap.String("reason", "inactive_user"), zap.String("tenant_id", space.TenantID))
		return Issued{}, ErrUnauthenticated
	}

	role, ok := platformauth.ParseRole(user.Role)
	if !ok || role == platformauth.RolePlatformOwner {
		logger.Warn("login rejected", zap.String("reason", "bad_role"), zap.String("role", user.Role))
		return Issued{}, ErrUnauthenticated
	}

	grant := platformauth.Grant{
		UserID:      user.UserID.String(),
		Role:        role,
		TenantID:    space.TenantID,
		Permissions: user.Permissions,
	}
	if user.GroupID != nil {
		grant.GroupID = *user.GroupID
	}
	issued, err := s.issue(grant)
	if err != nil {
		return Issued{}, err
	}

	userID := user.UserID
	at := s.now().UTC()
	s.detacher.Detach(ctx, "touch_last_login", func(ctx context.Context) error {
		return s.users.TouchLastLogin(ctx, space, userID, at)
	})

	return issued, nil
}

// Logout revokes the session until its natural expiry.
func (s *Service) Logout(ctx context.Context, session platformauth.Session) error {
	if err := s.revocations.Revoke(ctx, session.ID, session.ExpiresAt); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// Me describes the session. The user record is loaded when a tenant is active
// and the principal is a tenant user.
func (s *Service) Me(ctx context.Context, session platformauth.Session) (Profile, error) {
	profile := Profile{Session: session, Capabilities: session.Capabilities()}
	if !session.HasTenant() {
		return profile, nil
	}

	space, err := s.route(ctx, session.ActiveTenantID)
	if err != nil {
		return Profile{}, err
	}
	profile.Tenant = &space

	if session.Role == platformauth.RolePlatformOwner {
		return profile, nil
	}
	id, err := uuid.Parse(session.UserID)
	if err != nil {
		return Profile{}, ErrUnauthenticated
	}
	user, err := s.users.GetUser(ctx, space, id)
	if err != nil {
		if errors.Is(err, persistence.ErrUserNotFound) {
			return Profile{}, ErrUnauthenticated
		}
		return Profile{}, fmt.Errorf("load user: %w", err)
	}
	profile.User = &user
	return profile, nil
}

// SwitchTenant rotates a platform owner's session onto another tenant. An
// empty tenant id returns the owner to the console without a tenant.
func (s *Service) SwitchTenant(ctx context.Context, session platformauth.Session, tenantID string) (Issued, error) {
	if session.Role != platformauth.RolePlatformOwner {
		return Issued{}, ErrNotPlatformOwner
	}

	grant := platformauth.Grant{UserID: session.UserID, Role: platformauth.RolePlatformOwner}
	if id := strings.TrimSpace(tenantID); id != "" {
		space, err := s.route(ctx, id)
		if err != nil {
			return Issued{}, err
		}
		grant.TenantID = space.TenantID
	}

	issued, err := s.issue(grant)
	if err != nil {
		return Issued{}, err
	}
	if err := s.revocations.Revoke(ctx, session.ID, session.ExpiresAt); err != nil {
		return Issued{}, fmt.Errorf("revoke previous session: %w", err)
	}

	platformlogging.For(ctx, s.logger).Info("tenant switched",
		zap.String("from_tenant", session.ActiveTenantID), zap.String("to_tenant", grant.TenantID))
	return issued, nil
}

func (s *Service) route(ctx context.Context, tenantID string) (tenant.Space, error) {
	normalized, err := tenant.NormalizeTenantID(tenantID)
	if err != nil {
		return tenant.Space{}, fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	space, err := s.router.Route(ctx, normalized)
	if err != nil {
		if errors.Is(err, router.ErrTenantNotFound) {
			platformlogging.For(ctx, s.logger).Warn("tenant unavailable", zap.String("tenant_id", normalized))
			return tenant.Space{}, ErrTenantUnavailable
		}
		return tenant.Space{}, fmt.Errorf("route tenant: %w", err)
	}
	return space, nil
}

func (s *Service) issue(g platformauth.Grant) (Issued, error) {
	token, session, err := s.tokens.Issue(g)
	if err != nil {
		return Issued{}, fmt.Errorf("issue session: %w", err)
	}
	return Issued{Token: token, Session: session}, nil
}
