package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telecrm/internal/audit"
	"telecrm/internal/auth"
	"telecrm/internal/calls"
	"telecrm/internal/config"
	"telecrm/internal/httpapi"
	"telecrm/internal/metrics"
	"telecrm/internal/reporting"
	"telecrm/internal/session"
	"telecrm/internal/signaling"
	"telecrm/internal/telephony"
	"telecrm/internal/webhook"
	"telecrm/migrations"
	"telecrm/pkg/logger"
	"telecrm/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("api exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	startedAt := time.Now()

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth init: %w", err)
	}

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return fmt.Errorf("postgres init: %w", err)
	}
	defer db.Close()

	if cfg.DB.AutoMigrate {
		scripts, err := migrations.Scripts()
		if err != nil {
			return fmt.Errorf("load migrations: %w", err)
		}
		if err := utils.Migrate(ctx, db, scripts); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info("schema migrated", "scripts", len(scripts))
	}

	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb, err = utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			return fmt.Errorf("redis init: %w", err)
		}
		defer rdb.Close()
	}

	gateway, err := newGateway(cfg.Provider)
	if err != nil {
		return fmt.Errorf("gateway init: %w", err)
	}
	verifier := newVerifier(cfg)

	var sessions session.Registry = session.NewMemoryRegistry()
	if cfg.Session.Backend == config.SessionRedis {
		sessions = session.NewRedisRegistry(rdb, cfg.Session.MaxAge+cfg.Session.TerminalGrace)
	}

	// The cap is shared when sessions are; a slot outlives a leaked session
	// by at most the session max age.
	var capClient redis.UniversalClient
	if cfg.Session.Backend == config.SessionRedis {
		capClient = rdb
	}
	limiter := calls.NewLimiter(capClient, cfg.Calls.MaxActivePerAgent, cfg.Session.MaxAge)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store := calls.NewPostgresStore(db)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db), log)

	manager := calls.NewManager(calls.Deps{
		Store:     store,
		Sessions:  sessions,
		Gateway:   gateway,
		Limiter:   limiter,
		Observers: []calls.Observer{auditSvc, m},
		Logger:    log,
	}, calls.ManagerConfig{
		Normalizer:      telephony.Normalizer{CountryCode: cfg.Provider.CountryCode, NationalLength: 10},
		ProviderTimeout: cfg.Provider.Timeout,
		StuckTimeout:    cfg.Calls.StuckTimeout,
		SessionMaxAge:   cfg.Session.MaxAge,
		TerminalGrace:   cfg.Session.TerminalGrace,
	})

	reconciler := webhook.NewReconciler(manager, webhook.Config{
		PendingWindow: cfg.Webhook.PendingWindow,
		PendingMax:    cfg.Webhook.PendingMax,
	}, log)
	reconciler.OnOutcome(m.WebhookOutcome)
	manager.OnProviderAssigned(reconciler.Flush)

	relay := signaling.NewRelay(0)
	relay.OnDrop(m.RelayDropped)

	reg.MustRegister(metrics.NewCollector(sessions, reconciler, startedAt))

	var rl *httpapi.IPRateLimiter
	if cfg.RateLimit.RPS > 0 {
		rl = httpapi.NewIPRateLimiter(httpapi.RateLimitConfig{Rate: rate.Limit(cfg.RateLimit.RPS), Burst: cfg.RateLimit.Burst})
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		db:      db,
		auth:    authManager,
		limiter: rl,
		metrics: reg,
		webhook: webhook.StatusHandler{Reconciler: reconciler, Verifier: verifier},
		signal:  signaling.NewHandler(relay, manager, sessions),
		api: httpapi.Handlers{
			Auth:     authManager,
			Calls:    manager,
			Reports:  reporting.NewService(store),
			Audit:    auditSvc,
			DevLogin: cfg.Auth.DevLogin,
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "provider", gateway.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		every(gctx, cfg.Calls.ReaperInterval, func(ctx context.Context) {
			stats, err := manager.Reap(ctx)
			if err != nil {
				log.Warn("reaper pass failed", "err", err)
				return
			}
			if stats.Failed+stats.Ended+stats.Removed > 0 {
				log.Info("reaper pass", "failed", stats.Failed, "ended", stats.Ended, "removed", stats.Removed)
			}
		})
		return nil
	})

	g.Go(func() error {
		every(gctx, 5*time.Second, func(ctx context.Context) {
			stats := reconciler.Retry(ctx)
			if stats.Applied+stats.Dropped > 0 {
				log.Info("webhook retry pass", "applied", stats.Applied, "dropped", stats.Dropped, "pending", stats.Pending)
			}
		})
		return nil
	})

	if rl != nil {
		g.Go(func() error { return rl.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		return nil
	})

	return g.Wait()
}

// every runs fn each interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
		}
	}
}

func newGateway(p config.ProviderConfig) (telephony.Gateway, error) {
	switch p.Kind {
	case config.ProviderTwilio:
		return telephony.NewTwilioGateway(telephony.TwilioConfig{
			AccountSID:        p.AccountSID,
			AuthToken:         p.APIToken,
			CallerID:          p.CallerID,
			StatusCallbackURL: p.StatusCallbackURL,
			Timeout:           p.Timeout,
			Record:            p.Record,
		})
	default:
		return telephony.NewHTTPGateway(telephony.HTTPConfig{
			BaseURL:           p.BaseURL,
			AccountSID:        p.AccountSID,
			APIKey:            p.APIKey,
			APIToken:          p.APIToken,
			CallerID:          p.CallerID,
			StatusCallbackURL: p.StatusCallbackURL,
			Timeout:           p.Timeout,
			Record:            p.Record,
		})
	}
}

func newVerifier(cfg config.Config) telephony.Verifier {
	switch cfg.Webhook.Verify {
	case config.VerifyTwilio:
		return telephony.NewTwilioVerifier(cfg.Provider.APIToken, cfg.Provider.StatusCallbackURL)
	case config.VerifyToken:
		return telephony.TokenVerifier{Token: cfg.Webhook.Token}
	default:
		return telephony.NoopVerifier{}
	}
}

type routeDeps struct {
	db      *sql.DB
	auth    *auth.Manager
	limiter *httpapi.IPRateLimiter
	metrics prometheus.Gatherer
	webhook webhook.StatusHandler
	signal  *signaling.Handler
	api     httpapi.Handlers
}
