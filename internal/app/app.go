// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/xconfess/internal/audit"
	"github.com/bissquit/xconfess/internal/config"
	"github.com/bissquit/xconfess/internal/domain"
	"github.com/bissquit/xconfess/internal/notifications"
	"github.com/bissquit/xconfess/internal/notifications/email"
	notificationspostgres "github.com/bissquit/xconfess/internal/notifications/postgres"
	"github.com/bissquit/xconfess/internal/outbox"
	outboxpostgres "github.com/bissquit/xconfess/internal/outbox/postgres"
	"github.com/bissquit/xconfess/internal/pkg/auth"
	"github.com/bissquit/xconfess/internal/pkg/ctxlog"
	"github.com/bissquit/xconfess/internal/pkg/httputil"
	"github.com/bissquit/xconfess/internal/pkg/metrics"
	"github.com/bissquit/xconfess/internal/pkg/pii"
	"github.com/bissquit/xconfess/internal/pkg/postgres"
	"github.com/bissquit/xconfess/internal/recipient"
	recipientpostgres "github.com/bissquit/xconfess/internal/recipient/postgres"
	"github.com/bissquit/xconfess/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const collectInterval = 15 * time.Second

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server

	queue      *notifications.Queue
	worker     *notifications.Worker
	dispatcher *outbox.Dispatcher
	reconciler *outbox.Reconciler

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	piiKey, err := cfg.PIIKey()
	if err != nil {
		return nil, err
	}
	cipher, err := pii.NewCipher(piiKey, pii.Algorithm(cfg.PII.Algorithm))
	if err != nil {
		return nil, fmt.Errorf("create pii cipher: %w", err)
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
		MaxRetryBackoff: cfg.Database.MaxRetryBackoff,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(cfg.Database.MigrationsPath, cfg.Database.URL); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	app := &App{
		config: cfg,
		logger: logger,
		db:     db,
	}

	router, err := app.setup(cipher)
	if err != nil {
		db.Close()
		return nil, err
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// setup builds the notification pipeline and the HTTP router.
func (a *App) setup(cipher *pii.Cipher) (http.Handler, error) {
	cfg := a.config

	a.queue = notifications.NewQueue(notifications.QueueConfig{
		Name:             cfg.Notifications.Queue.Name,
		DefaultAttempts:  cfg.Notifications.Queue.Attempts,
		DefaultBackoff:   cfg.Notifications.Queue.Backoff,
		DefaultDedupeTTL: cfg.Notifications.Queue.DedupeTTL,
	}, notificationspostgres.NewRepository(a.db), audit.NewWriter(a.db), a.logger)

	a.logger.Info("notifications configured",
		"enabled", cfg.Notifications.Enabled,
		"email_enabled", cfg.Notifications.Email.Enabled,
		"outbox_enabled", cfg.Outbox.Enabled,
	)

	if cfg.Notifications.Enabled {
		mailer, err := email.NewSender(email.Config{
			Enabled:      cfg.Notifications.Email.Enabled,
			SMTPHost:     cfg.Notifications.Email.SMTPHost,
			SMTPPort:     cfg.Notifications.Email.SMTPPort,
			SMTPUser:     cfg.Notifications.Email.SMTPUser,
			SMTPPassword: cfg.Notifications.Email.SMTPPassword,
			FromAddress:  cfg.Notifications.Email.FromAddress,
			RateLimit:    cfg.Notifications.Email.RateLimit,
			RateBurst:    cfg.Notifications.Email.RateBurst,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("create email sender: %w", err)
		}
		if !cfg.Notifications.Email.Enabled {
			a.logger.Warn("email sender is disabled: notification jobs will complete without sending mail")
		}

		renderer, err := notifications.NewRenderer(cfg.Notifications.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("create notification renderer: %w", err)
		}

		resolver := recipient.NewResolver(
			recipientpostgres.NewRepository(a.db),
			cipher,
			recipient.WithLogger(a.logger),
			recipient.WithConcurrency(cfg.Notifications.ResolverConcurrency),
		)

		registry := notifications.NewRegistry()
		notifications.NewEmailHandler(resolver, renderer, mailer, a.logger).Register(registry)

		a.worker = a.queue.NewWorker(notifications.WorkerConfig{
			BatchSize:       cfg.Notifications.Worker.BatchSize,
			PollInterval:    cfg.Notifications.Worker.PollInterval,
			NumWorkers:      cfg.Notifications.Worker.NumWorkers,
			LeaseDuration:   cfg.Notifications.Worker.LeaseDuration,
			JobTimeout:      cfg.Notifications.Worker.JobTimeout,
			MaxBackoff:      cfg.Notifications.Worker.MaxBackoff,
			StalledInterval: cfg.Notifications.Worker.StalledInterval,
		}, registry)
	}

	if cfg.Outbox.Enabled {
		store := outboxpostgres.NewRepository(a.db)
		a.dispatcher = outbox.NewDispatcher(outbox.Config{
			PollInterval: cfg.Outbox.PollInterval,
			BatchSize:    cfg.Outbox.BatchSize,
			MaxRetries:   cfg.Outbox.MaxRetries,
			DedupeTTL:    cfg.Outbox.DedupeTTL,
		}, store, a.queue, a.logger)
		a.reconciler = outbox.NewReconciler(store, cfg.Outbox.StuckAfter, cfg.Outbox.ReconcileInterval, a.logger)
	}

	return a.setupRouter(), nil
}

// Run starts background processing and the HTTP servers. It blocks until
// the API server stops.
func (a *App) Run() error {
	a.Start()

	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"version", version.Get().Short(),
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Start launches the worker, the outbox dispatcher, its reconciler and the
// gauge collectors without serving HTTP. Run calls it.
func (a *App) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.bgCancel = cancel

	if a.worker != nil {
		a.worker.Start(ctx)
	}
	if a.dispatcher != nil {
		a.dispatcher.Start(ctx)
	}
	if a.reconciler != nil {
		a.reconciler.Start(ctx)
	}

	a.bgWG.Add(1)
	go a.collectMetrics(ctx)
}

// Shutdown stops the HTTP servers, then the dispatcher, the reconciler and
// the worker, and finally closes the database pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	for name, srv := range map[string]*http.Server{"server": a.server, "metrics server": a.metricsServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	a.stopBackground()
	a.db.Close()

	return errors.Join(errs...)
}

func (a *App) stopBackground() {
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}
	if a.reconciler != nil {
		a.reconciler.Stop()
	}
	a.queue.Close()

	if a.bgCancel != nil {
		a.bgCancel()
	}
	a.bgWG.Wait()
}

func (a *App) collectMetrics(ctx context.Context) {
	defer a.bgWG.Done()

	collect := func() {
		metrics.RecordDBPoolMetrics(a.db)
		if _, _, err := a.queue.RefreshDepth(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("failed to refresh queue depth", "error", err)
		}
	}
	collect()

	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			collect()
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Queue returns the notification queue.
func (a *App) Queue() *notifications.Queue {
	return a.queue
}

// Dispatcher returns the outbox dispatcher, or nil when the outbox is disabled.
func (a *App) Dispatcher() *outbox.Dispatcher {
	return a.dispatcher
}

// DB returns the database pool.
func (a *App) DB() *pgxpool.Pool {
	return a.db
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	handler := notifications.NewHandler(a.queue, notifications.NewDiagnostics(a.queue, nil))
	validator := auth.NewValidator(a.config.JWT.SecretKey, a.config.JWT.Issuer)

	r.Group(func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(validator))

		r.Route("/admin", func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleAdmin))
			handler.RegisterAdminRoutes(r)
		})

		r.Route("/app", func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleOperator))
			handler.RegisterDiagnosticsRoutes(r)
		})
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
