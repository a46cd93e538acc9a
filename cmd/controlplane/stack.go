package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/riandyrn/otelchi"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/loomworks/controlplane/internal/adapter/bootstrap"
	"github.com/loomworks/controlplane/internal/adapter/fsm"
	telemetry "github.com/loomworks/controlplane/internal/adapter/otel"
	"github.com/loomworks/controlplane/internal/adapter/postgres"
	metrics "github.com/loomworks/controlplane/internal/adapter/prometheus"
	notify "github.com/loomworks/controlplane/internal/adapter/redis"
	"github.com/loomworks/controlplane/internal/adapter/sqlite"
	"github.com/loomworks/controlplane/internal/adapter/sqliteengine"
	"github.com/loomworks/controlplane/internal/app"
	"github.com/loomworks/controlplane/internal/config"
	"github.com/loomworks/controlplane/internal/domain"

	handler "github.com/loomworks/controlplane/internal/adapter/http"
)

const serviceName = "controlplane"

// stack is the wired control plane with everything that must be released
// on exit.
type stack struct {
	db       *sql.DB
	svc      *app.Service
	registry *prometheus.Registry
	closers  []func() error
}

// buildStack opens the control-plane database and wires every adapter
// selected by cfg into a loaded Service.
func buildStack(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *stack, err error) {
	s := &stack{registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.Close())
		}
	}()

	// --- Adapters (out) ---
	s.db, err = telemetry.OpenDB(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.db.Close)

	repo, err := sqlite.NewFromDB(s.db)
	if err != nil {
		return nil, err
	}

	engine, err := newEngine(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if c, ok := engine.(interface{ Close() }); ok {
		s.closers = append(s.closers, func() error { c.Close(); return nil })
	}

	var bootstrapper domain.Bootstrapper = bootstrap.Noop{Logger: logger.Named("bootstrap")}
	if cfg.BootstrapURL != "" {
		bootstrapper = bootstrap.NewHTTPClient(cfg.BootstrapURL, cfg.BootstrapToken, cfg.BootstrapTimeout)
	}

	var notifier domain.Notifier
	if cfg.RedisURL != "" {
		n, err := notify.NewNotifier(cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, n.Close)
		if err := n.Ping(ctx); err != nil {
			logger.Warn("notification channel unreachable; notifications will be retried per event",
				zap.String("channel", n.Channel()), zap.Error(err))
		}
		notifier = n
	}

	m, err := metrics.NewMetrics(s.registry)
	if err != nil {
		return nil, err
	}

	// --- Application ---
	s.svc = app.NewService(app.Config{
		Tenants:      telemetry.NewTracingRepository(repo),
		Usage:        telemetry.NewTracingUsageRepository(sqlite.NewUsageRepository(s.db)),
		AuditLog:     telemetry.NewTracingAuditLog(sqlite.NewAuditLog(s.db)),
		Notifier:     notifier,
		Validator:    fsm.New(),
		Engine:       telemetry.NewTracingEngine(engine),
		Bootstrapper: telemetry.NewTracingBootstrapper(bootstrapper),
		Metrics:      m,
		Logger:       logger,
		BaseDomain:   cfg.BaseDomain,
		Retention:    cfg.RetentionPeriod,
		Modules:      cfg.BootstrapModules,
		AdminLogin:   cfg.AdminLogin,
	})
	if err := s.svc.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading tenants: %w", err)
	}

	if err := s.registry.Register(metrics.TenantGauge(s.svc.TenantCounts)); err != nil {
		return nil, fmt.Errorf("registering tenant gauge: %w", err)
	}
	if err := s.registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("registering go collector: %w", err)
	}

	return s, nil
}

func newEngine(ctx context.Context, cfg config.Config) (domain.DatabaseEngine, error) {
	if cfg.Engine == config.EnginePostgres {
		pool, err := postgres.Connect(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		return postgres.NewEngine(pool), nil
	}
	engine, err := sqliteengine.New(cfg.EngineDir)
	if err != nil {
		return nil, err
	}
	return engine, nil
}

// Close releases resources in reverse order of acquisition.
func (s *stack) Close() error {
	var err error
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i]())
	}
	s.closers = nil
	return err
}

// newHandler builds the HTTP surface: the admin API and /metrics on
// non-tenant hosts, the request router on tenant subdomains. jobs may be nil.
func newHandler(s *stack, jobs handler.Dispatcher, cfg config.Config, logger *zap.Logger) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(otelchi.Middleware(serviceName, otelchi.WithChiRoutes(router)))
	router.Use(requestLogger(logger.Named("http")))

	api := humachi.New(router, huma.DefaultConfig("Loomworks control plane", version))
	handler.Register(api, s.svc, jobs)
	router.Handle("/metrics", metrics.Handler(s.registry))

	tenants := handler.NewRoutingHandler(s.svc.Router(), cfg.SupportContact, logger.Named("routing"))
	return handler.HostSwitch(s.svc.Router(), tenants, router)
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
