package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/zenGate-Global/hospital-ops-core/contracts"
	audithandler "github.com/zenGate-Global/hospital-ops-core/domains/audit/be/handler"
	authhandler "github.com/zenGate-Global/hospital-ops-core/domains/auth/be/handler"
	authservice "github.com/zenGate-Global/hospital-ops-core/domains/auth/be/service"
	bedshandler "github.com/zenGate-Global/hospital-ops-core/domains/clinical-infra/be/handler"
	bedsrepo "github.com/zenGate-Global/hospital-ops-core/domains/clinical-infra/be/repo"
	bedsservice "github.com/zenGate-Global/hospital-ops-core/domains/clinical-infra/be/service"
	policieshandler "github.com/zenGate-Global/hospital-ops-core/domains/policies/be/handler"
	policiesrepo "github.com/zenGate-Global/hospital-ops-core/domains/policies/be/repo"
	policiesservice "github.com/zenGate-Global/hospital-ops-core/domains/policies/be/service"
	quotashandler "github.com/zenGate-Global/hospital-ops-core/domains/quotas/be/handler"
	quotasservice "github.com/zenGate-Global/hospital-ops-core/domains/quotas/be/service"
	tenantshandler "github.com/zenGate-Global/hospital-ops-core/domains/tenants/be/handler"
	tenantsservice "github.com/zenGate-Global/hospital-ops-core/domains/tenants/be/service"
	usershandler "github.com/zenGate-Global/hospital-ops-core/domains/users/be/handler"
	usersrepo "github.com/zenGate-Global/hospital-ops-core/domains/users/be/repo"
	usersservice "github.com/zenGate-Global/hospital-ops-core/domains/users/be/service"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/async"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/audit"
	platformauth "github.com/zenGate-Global/hospital-ops-core/platform/go/auth"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/idempotency"
	platformlogging "github.com/zenGate-Global/hospital-ops-core/platform/go/logging"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/metrics"
	platformmiddleware "github.com/zenGate-Global/hospital-ops-core/platform/go/middleware"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/persistence"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/quota"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/sweeper"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
	tenantmiddleware "github.com/zenGate-Global/hospital-ops-core/platform/go/tenant/middleware"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant/router"
)

type config struct {
	Port               string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL        string        `env:"DATABASE_URL,required"`
	DBMaxConns         int32         `env:"DB_MAX_CONNS" envDefault:"20"`
	DBStatementTimeout time.Duration `env:"DB_STATEMENT_TIMEOUT" envDefault:"10s"`
	EnvKey             string        `env:"ENV_KEY,required"`
	CORSOrigin         string        `env:"CORS_ALLOWED_ORIGIN"`

	AuthProvider            string `env:"AUTH_PROVIDER" envDefault:"firebase"` // firebase | dev
	FirebaseProjectID       string `env:"FIREBASE_PROJECT_ID"`
	FirebaseCredentialsFile string `env:"FIREBASE_CREDENTIALS_FILE"`

	SessionSecret       string        `env:"SESSION_SECRET,required"`
	SessionTTL          time.Duration `env:"SESSION_TTL" envDefault:"168h"`
	SessionCookieName   string        `env:"SESSION_COOKIE_NAME" envDefault:"auth-token"`
	SessionCookieSecure bool          `env:"SESSION_COOKIE_SECURE" envDefault:"true"`
	RedisURL            string        `env:"REDIS_URL"` // empty keeps revocations in memory

	TenantCacheTTL  time.Duration `env:"TENANT_CACHE_TTL" envDefault:"5m"`
	TenantCacheSize int           `env:"TENANT_CACHE_SIZE" envDefault:"1024"`

	IdempotencyStaleAfter time.Duration `env:"IDEMPOTENCY_STALE_AFTER" envDefault:"30s"`
	IdempotencyRetention  time.Duration `env:"IDEMPOTENCY_RETENTION" envDefault:"24h"`
	AuditRetentionDays    int           `env:"AUDIT_RETENTION_DAYS" envDefault:"365"`
	SweepSchedule         string        `env:"SWEEP_SCHEDULE" envDefault:"@every 15m"`
	DetachedTaskTimeout   time.Duration `env:"DETACHED_TASK_TIMEOUT" envDefault:"10s"`

	LegacyTenantModeUntil time.Time `env:"LEGACY_TENANT_MODE_UNTIL"`
	MetricsEnabled        bool      `env:"METRICS_ENABLED" envDefault:"true"`
}

// partitions provisions tenant partitions and drops stale router entries.
type partitions struct {
	provisioner *persistence.PartitionProvisioner
	router      *router.Router
}

func (p partitions) Ensure(ctx context.Context, space tenant.Space) error {
	return p.provisioner.Ensure(ctx, space)
}

func (p partitions) Invalidate(tenantID string) {
	p.router.Invalidate(tenantID)
}

func main() {
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "api-server",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if len(cfg.SessionSecret) < 32 {
		logger.Fatal("SESSION_SECRET must be at least 32 bytes")
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New(prometheus.NewRegistry())
	}

	spec, err := contracts.Load()
	if err != nil {
		logger.Fatal("load api contract", zap.Error(err))
	}

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{
		ConnString:       cfg.DatabaseURL,
		ApplicationName:  "hospital-ops-api",
		MaxConns:         cfg.DBMaxConns,
		StatementTimeout: cfg.DBStatementTimeout,
	})
	if err != nil {
		logger.Fatal("init postgres pool", zap.Error(err))
	}
	defer persistence.ClosePool(pool)

	platformSchema := tenant.BuildPlatformSchemaName(cfg.EnvKey)
	if err := persistence.BootstrapPlatformSchema(ctx, pool, platformSchema); err != nil {
		logger.Fatal("bootstrap platform schema", zap.Error(err))
	}

	tenantDB := persistence.NewTenantDB(persistence.TenantDBConfig{
		Pool:           pool,
		PlatformSchema: platformSchema,
	})
	scope := persistence.NewScopeBuilder(persistence.ScopeBuilderConfig{
		LegacyUntil: cfg.LegacyTenantModeUntil,
		Logger:      logger,
	})

	tenantStore := persistence.NewTenantStore(tenantDB)
	userStore := persistence.NewUserStore(tenantDB, scope)
	documentStore := persistence.NewDocumentStore(tenantDB, scope)
	auditStore := persistence.NewAuditStore(tenantDB, scope)
	idempotencyStore := persistence.NewIdempotencyStore(tenantDB, scope)
	quotaStore := persistence.NewQuotaStore(tenantDB, scope)
	provisioner := persistence.NewPartitionProvisioner(pool, tenantDB)
	validator := persistence.NewDocumentValidator()

	tenantRouter := router.New(router.Config{
		Registry:    tenantStore,
		Provisioner: provisioner,
		CacheSize:   cfg.TenantCacheSize,
		CacheTTL:    cfg.TenantCacheTTL,
		Logger:      logger,
		Metrics:     m,
	})

	var revocations platformauth.RevocationList
	if cfg.RedisURL != "" {
		redisClient, err := platformauth.NewRedisClient(cfg.RedisURL)
		if err != nil {
			logger.Fatal("init redis client", zap.Error(err))
		}
		defer redisClient.Close()
		revocations = platformauth.NewRedisRevocations(redisClient)
	} else {
		logger.Warn("REDIS_URL not set; session revocations are kept in process memory")
		revocations = platformauth.NewMemoryRevocations()
	}

	tokens := platformauth.NewTokens(platformauth.TokenConfig{
		Secret: []byte(cfg.SessionSecret),
		TTL:    cfg.SessionTTL,
	})
	cookie := platformauth.CookieConfig{Name: cfg.SessionCookieName, Secure: cfg.SessionCookieSecure}
	requireSession := platformauth.RequireSession(tokens, platformauth.MiddlewareConfig{
		CookieName:  cfg.SessionCookieName,
		Revocations: revocations,
		Metrics:     m,
		Logger:      logger,
	})

	auditor := audit.NewLogger(audit.Config{Store: auditStore, Logger: logger, Metrics: m})
	guard := quota.NewGuard(quota.GuardConfig{Store: quotaStore, Logger: logger, Metrics: m})
	idem := idempotency.NewService(idempotency.Config{
		Store:      idempotencyStore,
		StaleAfter: cfg.IdempotencyStaleAfter,
		Logger:     logger,
		Metrics:    m,
	})
	detacher := async.New(async.Config{Logger: logger, Metrics: m, Timeout: cfg.DetachedTaskTimeout})

	tenantService := tenantsservice.New(tenantsservice.Config{
		Repo:       tenantStore,
		Partitions: partitions{provisioner: provisioner, router: tenantRouter},
		Users:      userStore,
		Audit:      auditor,
		EnvKey:     cfg.EnvKey,
		Logger:     logger,
	})
	tenantHTTPHandler := tenantshandler.New(tenantService, logger)

	authService := authservice.New(authservice.Config{
		Verifier:    buildIdentityVerifier(ctx, cfg, logger),
		Tokens:      tokens,
		Router:      tenantRouter,
		Users:       userStore,
		Revocations: revocations,
		Detacher:    detacher,
		Logger:      logger,
	})
	authHTTPHandler := authhandler.New(authService, cookie, logger)

	userService := usersservice.New(usersrepo.NewPostgresRepository(userStore), auditor)
	userHTTPHandler := usershandler.New(userService, logger)

	quotaService := quotasservice.New(quotaStore, guard, auditor)
	quotaHTTPHandler := quotashandler.New(quotaService, logger)

	auditHTTPHandler := audithandler.New(auditor, logger)

	bedService, err := bedsservice.New(bedsrepo.NewDocumentRepository(documentStore, scope.LegacyActive), validator, auditor)
	if err != nil {
		logger.Fatal("init clinical infrastructure service", zap.Error(err))
	}
	bedHTTPHandler := bedshandler.New(bedService, logger)

	policyService, err := policiesservice.New(policiesrepo.NewDocumentRepository(documentStore, scope.LegacyActive), validator, auditor)
	if err != nil {
		logger.Fatal("init policy service", zap.Error(err))
	}
	policyHTTPHandler := policieshandler.New(policyService, logger)

	sweep, err := sweeper.New(sweeper.Config{
		Tenants:              tenantStore,
		Idempotency:          idempotencyStore,
		Audit:                auditStore,
		Schedule:             cfg.SweepSchedule,
		IdempotencyRetention: cfg.IdempotencyRetention,
		IdempotencyStale:     cfg.IdempotencyStaleAfter,
		AuditRetention:       time.Duration(cfg.AuditRetentionDays) * 24 * time.Hour,
		Logger:               logger,
		Metrics:              m,
	})
	if err != nil {
		logger.Fatal("init sweeper", zap.Error(err))
	}

	rootRouter := chi.NewRouter()

	rootRouter.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.RequestTimeout),
		platformmiddleware.DefaultCORS(cfg.CORSOrigin),
	)

	rootRouter.Use(platformlogging.RequestLogger(logger))
	if m != nil {
		rootRouter.Use(m.Middleware)
		rootRouter.Handle("/metrics", m.Handler())
	}

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			platformlogging.FromRequest(r, logger).Warn("readiness ping failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	registerDocsRoutes(rootRouter, spec, logger)

	apiRouter := chi.NewRouter()
	apiRouter.Use(platformmiddleware.ContractValidator(spec, logger))

	apiRouter.Route("/auth", func(r chi.Router) {
		r.Use(platformmiddleware.RequestTrace)
		authHTTPHandler.Routes(r, requireSession)
	})

	apiRouter.Group(func(r chi.Router) {
		r.Use(requireSession)
		r.Use(platformmiddleware.RequestTrace)

		r.Route("/owner/tenants", func(r chi.Router) {
			r.Use(platformauth.RequireRole(platformauth.RolePlatformOwner))
			tenantHTTPHandler.Routes(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(tenantmiddleware.WithTenantSpace(tenantRouter, logger))

			r.Route("/users", func(r chi.Router) {
				r.Use(platformauth.RequirePermission(platformauth.PermUsersManage))
				userHTTPHandler.Routes(r, idem.Middleware)
			})

			r.Route("/admin/quotas", func(r chi.Router) {
				r.Use(platformauth.RequireRole(platformauth.RoleAdmin, platformauth.RoleGroupAdmin))
				quotaHTTPHandler.AdminRoutes(r)
			})
			r.Get("/quota/{featureKey}", quotaHTTPHandler.Allowance)

			r.With(platformauth.RequirePermission(platformauth.PermAuditRead)).
				Get("/admin/audit", auditHTTPHandler.List)

			r.Route("/clinical-infra/beds", func(r chi.Router) {
				r.Use(tenantmiddleware.RequireEntitlement(tenant.PlatformHealth))
				r.Use(platformauth.RequirePermission(platformauth.PermBedsRead))
				bedHTTPHandler.Routes(r,
					platformauth.RequirePermission(platformauth.PermBedsWrite),
					idem.Middleware,
				)
			})

			r.Route("/policies", func(r chi.Router) {
				r.Use(tenantmiddleware.RequireEntitlement(tenant.PlatformSAM))
				r.Use(platformauth.RequirePermission(platformauth.PermPoliciesRead))
				policyHTTPHandler.Routes(r, policieshandler.Middlewares{
					Create: []func(http.Handler) http.Handler{
						platformauth.RequirePermission(platformauth.PermPoliciesWrite),
					},
					Search: []func(http.Handler) http.Handler{guard.Middleware("policy.search")},
					View:   []func(http.Handler) http.Handler{guard.Middleware("policy.view")},
				})
			})
		})
	})

	rootRouter.Mount("/api/v1", apiRouter)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(rootRouter, "hospital-ops-api"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	sweep.Start()

	go func() {
		logger.Info("starting api server", zap.String("port", cfg.Port), zap.String("platform_schema", platformSchema))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	sweep.Stop(shutdownCtx)
}
