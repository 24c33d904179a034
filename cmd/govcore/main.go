// Command govcore runs the security governance core: adaptive MFA,
// hierarchical RBAC, the hash-chained audit ledger, compliance policy
// enforcement, and the background sweeps, behind one HTTP surface.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq" // postgres driver

	"github.com/fincollab/govcore/pkg/api"
	"github.com/fincollab/govcore/pkg/auth"
	"github.com/fincollab/govcore/pkg/cache"
	"github.com/fincollab/govcore/pkg/compliance"
	"github.com/fincollab/govcore/pkg/config"
	"github.com/fincollab/govcore/pkg/events"
	"github.com/fincollab/govcore/pkg/finance"
	"github.com/fincollab/govcore/pkg/jobs"
	"github.com/fincollab/govcore/pkg/ledger"
	"github.com/fincollab/govcore/pkg/mfa"
	"github.com/fincollab/govcore/pkg/observability"
	"github.com/fincollab/govcore/pkg/rbac"
	"github.com/fincollab/govcore/pkg/tenants"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "govcore",
		Environment:  getenvDefault("ENVIRONMENT", "development"),
		OTLPEndpoint: cfg.OTLPTarget,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPTarget != "",
		Insecure:     true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	var rdb redis.UniversalClient
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	// Ledger store: postgres when configured, sqlite otherwise.
	store, closeStore, err := openLedgerStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	led := ledger.New(store, ledger.NewSigner([]byte(cfg.LedgerSigningKey)), logger)

	// Jurisdiction profile: adaptive MFA thresholds, audit retention, and
	// signature enforcement for the deployment's region.
	var profile *config.JurisdictionProfile
	if cfg.Jurisdiction != "" {
		profile, err = config.LoadProfile(cfg.ProfilesDir, cfg.Jurisdiction)
		if err != nil {
			return err
		}
		logger.Info("jurisdiction profile", "code", profile.Code, "name", profile.Name)
		if profile.Retention.AuditLogDays > 0 {
			led.WithRetention(time.Duration(profile.Retention.AuditLogDays) * 24 * time.Hour)
		}
		if profile.Signing.RequireRequestSignature {
			cfg.RequireSignature = true
		}
	}

	bus := events.NewBus(logger)
	manager := tenants.NewManager(led, bus, logger)
	invites := tenants.NewInviteService(manager, cfg.BaseURL)

	evaluator := rbac.NewEvaluator(manager, nil, led, logger)
	registerDefaultRoles(evaluator)

	policies, err := compliance.NewOrchestrator(manager, led, logger)
	if err != nil {
		return err
	}
	guard := compliance.NewIntegrityGuard(led, bus, logger)

	sealer, err := mfa.NewAESSealer([]byte(cfg.MFASealKey))
	if err != nil {
		return err
	}
	mfaOrch := mfa.NewOrchestrator(mfa.NewStore(), sealer, led, bus, logger)
	if profile != nil {
		low, medium := profile.RiskThresholds()
		defaults := mfa.AdaptiveSettings{LowRiskThreshold: low, MediumRiskThreshold: medium}
		if profile.MFA.MaxBypassHours > 0 {
			defaults.LowRiskCooldown = time.Duration(profile.MFA.MaxBypassHours) * time.Hour
		}
		mfaOrch.WithAdaptiveDefaults(defaults)
	}

	var l2 cache.L2
	if rdb != nil {
		l2 = cache.NewRedisL2(rdb)
	}
	cacheOpts := []cache.Option{}
	if l2 != nil {
		cacheOpts = append(cacheOpts, cache.WithL2(l2))
	}
	tierCache := cache.New("govcore", manager, logger, cacheOpts...)
	tierCache.StartPruner(ctx, 10*time.Minute)

	book := finance.NewActivityBook()
	book.Observe(bus)
	velocity := jobs.NewVelocityRegistry()

	var lease jobs.Lease
	if rdb != nil {
		lease = jobs.NewRedisLease(rdb, "govcore:lease")
	}
	sweeper := jobs.NewOrchestrator(jobs.NewMemoryStateStore(), lease, bus, logger)
	sweeper.Register(&jobs.AccessAuditor{
		Manager:  manager,
		HasRole:  evaluator.HasRole,
		Recorder: led,
		Logger:   logger,
	}, 24*time.Hour, 2*time.Minute)
	sweeper.Register(&jobs.LiquidityAnalyzer{
		Manager:  manager,
		Source:   book,
		Recorder: led,
		Logger:   logger,
	}, 24*time.Hour, 5*time.Minute)
	sweeper.Register(&jobs.VelocityCalculator{
		Manager:  manager,
		Source:   book,
		Registry: velocity,
		Logger:   logger,
	}, 10*time.Minute, time.Minute)
	sweeper.Register(&jobs.CachePruner{Cache: tierCache, Logger: logger}, 10*time.Minute, time.Minute)
	sweeper.Start(ctx)

	srv := api.NewServer(api.Deps{
		MFA:      mfaOrch,
		Manager:  manager,
		Invites:  invites,
		Jobs:     sweeper,
		Ledger:   led,
		Access:   evaluator,
		Policies: policies,
		Guard:    guard,
		Velocity: velocity,
		Bus:      bus,
		Logger:   logger,
	})

	var nonces auth.NonceStore = auth.NewMemoryNonceStore()
	if rdb != nil {
		nonces = auth.NewRedisNonceStore(rdb, "govcore:sig:nonce")
	}

	handler := srv.Routes()
	if cfg.RequestSigningKey != "" {
		handler = auth.SignatureMiddleware([]byte(cfg.RequestSigningKey), nonces, cfg.RequireSignature, nil)(handler)
	}
	handler = auth.Middleware(auth.NewJWTValidator([]byte(cfg.JWTSigningKey)), cfg.SystemToken)(handler)
	handler = auth.RateLimitMiddleware(auth.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst))(handler)
	handler = auth.SecurityHeadersMiddleware(handler)
	handler = auth.RequestIDMiddleware(handler)
	handler = obs.Middleware(handler)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("govcore listening", "port", cfg.Port)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

func openLedgerStore(cfg *config.Config, logger *slog.Logger) (ledger.Store, func(), error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		st, err := ledger.NewPostgresStore(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("ledger store", "backend", "postgres")
		return st, func() { db.Close() }, nil
	}

	path := getenvDefault("LEDGER_SQLITE_PATH", "govcore.db")
	st, err := ledger.OpenSQLiteStore(path)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("ledger store", "backend", "sqlite", "path", path)
	return st, func() { st.Close() }, nil
}

// registerDefaultRoles installs the built-in role hierarchy:
// viewer < editor < manager, with owner implicit.
func registerDefaultRoles(e *rbac.Evaluator) {
	e.RegisterRole(&rbac.Role{
		Name:        "viewer",
		Permissions: []string{"TRANSACTION_VIEW", "WORKSPACE_VIEW", "MEMBER_VIEW"},
	})
	e.RegisterRole(&rbac.Role{
		Name:         "editor",
		Permissions:  []string{"TRANSACTION_CREATE", "TRANSACTION_UPDATE"},
		InheritsFrom: "viewer",
	})
	e.RegisterRole(&rbac.Role{
		Name:         "manager",
		Permissions:  []string{"MEMBER_INVITE", "MEMBER_REMOVE", "POLICY_MANAGE", "AUDIT_VIEW"},
		InheritsFrom: "editor",
	})
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
