// Package server wires the escrow engine into an HTTP service.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"github.com/kocbridge/escrow/internal/auth"
	"github.com/kocbridge/escrow/internal/autorelease"
	"github.com/kocbridge/escrow/internal/config"
	"github.com/kocbridge/escrow/internal/dispute"
	"github.com/kocbridge/escrow/internal/escrow"
	"github.com/kocbridge/escrow/internal/health"
	"github.com/kocbridge/escrow/internal/idgen"
	"github.com/kocbridge/escrow/internal/ipn"
	"github.com/kocbridge/escrow/internal/logging"
	"github.com/kocbridge/escrow/internal/metrics"
	"github.com/kocbridge/escrow/internal/notify"
	"github.com/kocbridge/escrow/internal/provider"
	"github.com/kocbridge/escrow/internal/ratelimit"
	"github.com/kocbridge/escrow/internal/reconciliation"
	"github.com/kocbridge/escrow/internal/security"
	"github.com/kocbridge/escrow/internal/syncutil"
	"github.com/kocbridge/escrow/internal/traces"
	"github.com/kocbridge/escrow/internal/validation"
)

// Version is reported by the health endpoint; cmd/server sets it.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the escrow engine.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB // nil if using in-memory
	redis  *syncutil.RedisLease
	lease  syncutil.Lease
	rails  *rails

	relay       *notify.WebhookNotifier
	escrow      *escrow.Service
	autoRelease *autorelease.Service
	disputes    *dispute.Service
	runner      *autorelease.Runner
	reconciler  *reconciliation.Timer

	tokens      *auth.Tokens
	rateLimiter *ratelimit.Limiter
	health      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithProviders replaces the configured payment rails (for testing).
func WithProviders(r *provider.Registry) Option {
	return func(s *Server) {
		s.rails = &rails{registry: r}
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}
	ctx := context.Background()

	if s.rails == nil {
		r, err := buildRails(cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.rails = r
	}

	var (
		escrowStore  escrow.Store
		releaseStore autorelease.Store
		disputeStore dispute.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		releaseStore = autorelease.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		escrowStore = escrow.NewMemoryStore()
		releaseStore = autorelease.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.lease = syncutil.NewLocalLease()
	if cfg.RedisURL != "" {
		rl, err := syncutil.NewRedisLease(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = rl
		s.lease = rl
		s.logger.Info("distributed sweep lease enabled")
	}

	notifier := notify.Multi{notify.LogNotifier{}}
	if cfg.NotifyWebhookURL != "" {
		if cfg.IsProduction() {
			if err := security.ValidateRelayURL(ctx, cfg.NotifyWebhookURL, nil); err != nil {
				return nil, fmt.Errorf("NOTIFY_WEBHOOK_URL: %w", err)
			}
		}
		s.relay = notify.NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, s.logger.With("component", "notify"))
		notifier = append(notifier, s.relay)
	}

	rules := autorelease.DefaultRules()
	if cfg.AutoReleaseRulesFile != "" {
		r, err := autorelease.LoadRules(cfg.AutoReleaseRulesFile)
		if err != nil {
			return nil, fmt.Errorf("auto-release rules: %w", err)
		}
		rules = r
	}

	s.escrow = escrow.NewService(escrowStore, s.rails.registry).
		WithNotifier(notifier).
		WithLogger(s.logger.With("component", "escrow")).
		WithProviderTimeout(cfg.ProviderTimeout)
	s.autoRelease = autorelease.NewService(releaseStore, s.escrow, escrowStore).
		WithRules(rules).
		WithNotifier(notifier).
		WithMaxRetries(cfg.AutoReleaseMaxRetries).
		WithLogger(s.logger.With("component", "autorelease"))
	s.escrow.WithScheduler(s.autoRelease)
	s.disputes = dispute.NewService(disputeStore, s.escrow).
		WithNotifier(notifier).
		WithSLA(cfg.DisputeSLA).
		WithLogger(s.logger.With("component", "dispute"))

	s.runner = autorelease.NewRunner(s.autoRelease, s.lease, cfg.DueSweepSchedule, cfg.WarningSweepSchedule, s.logger.With("component", "scheduler"))
	s.reconciler = reconciliation.NewTimer(reconciliation.NewService(s.escrow), s.lease, cfg.ReconcileInterval, s.logger.With("component", "reconciliation"))

	s.tokens = auth.NewTokens(cfg.JWTSecret, 0)
	limits := ratelimit.DefaultConfig()
	if cfg.RateLimitRPS > 0 {
		limits.RequestsPerSecond = float64(cfg.RateLimitRPS)
		limits.BurstSize = cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(limits)
	s.health = s.healthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

func (s *Server) healthChecks() *health.Registry {
	reg := health.NewRegistry(5 * time.Second)
	if s.db != nil {
		reg.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
	}
	if s.redis != nil {
		reg.RegisterAdvisory("redis", func(ctx context.Context) health.Status {
			if err := s.redis.Ping(ctx); err != nil {
				return health.Status{Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
	}
	for _, name := range s.rails.registry.Names() {
		p, err := s.rails.registry.Get(name)
		if err != nil {
			continue
		}
		hc, ok := p.(provider.HealthChecker)
		if !ok {
			continue
		}
		reg.RegisterAdvisory("provider:"+name, func(ctx context.Context) health.Status {
			if err := hc.HealthCheck(ctx); err != nil {
				return health.Status{Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
	}
	return reg
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
		}
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/metrics" || path == "/health/live" || path == "/health/ready":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Provider callbacks authenticate by signature, not by actor token.
	var gateways ipn.GatewayVerifier
	if s.rails.gateways != nil {
		gateways = s.rails.gateways
	}
	ipn.NewHandler(s.rails.registry, gateways, s.escrow, s.logger.With("component", "ipn")).RegisterRoutes(s.router)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.tokens), s.rateLimiter.Middleware(), auth.RequireAuth())

	escrow.NewHandler(s.escrow).RegisterProtectedRoutes(v1)
	autorelease.NewHandler(s.autoRelease, s.escrow).RegisterProtectedRoutes(v1)
	dispute.NewHandler(s.disputes).RegisterProtectedRoutes(v1)

	admin := v1.Group("/admin", auth.RequireRole(auth.RoleAdmin, auth.RoleSystem))
	admin.GET("/gateways", s.gatewaysHandler)
	admin.POST("/sweeps/:name", s.runSweepHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	report := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	code := http.StatusOK
	switch {
	case !report.Healthy:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case report.Degraded:
		status = "degraded"
	}
	c.JSON(code, gin.H{
		"status":    status,
		"version":   Version,
		"checks":    report.Checks,
		"providers": s.rails.registry.Names(),
		"scheduler": s.runner.Running(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if report := s.health.CheckAll(c.Request.Context()); !report.Healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": report.Checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) gatewaysHandler(c *gin.Context) {
	if s.rails.gateways == nil {
		c.JSON(http.StatusOK, gin.H{"failover": false, "gateways": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"failover": true,
		"primary":  s.rails.gateways.Primary(),
		"backup":   s.rails.gateways.Backup(),
		"gateways": s.rails.gateways.Health(c.Request.Context()),
	})
}

// runSweepHandler triggers a sweep out of schedule. The sweep still takes
// its lease, so it cannot overlap a scheduled run.
func (s *Server) runSweepHandler(c *gin.Context) {
	ctx := context.WithoutCancel(c.Request.Context())
	switch c.Param("name") {
	case "due":
		s.runner.RunDue(ctx)
	case "warnings":
		s.runner.RunWarnings(ctx)
	case "reconciliation":
		s.reconciler.RunNow(ctx)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_sweep", "message": "sweep must be due, warnings or reconciliation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweep": c.Param("name"), "ran": true})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, and blocks until ctx
// is cancelled, a termination signal arrives, or a worker fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := traces.Init(ctx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := s.runner.Start(gctx); err != nil {
		_ = shutdownTracing(context.Background())
		return err
	}
	if s.relay != nil {
		s.relay.Start(gctx)
	}

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "providers", s.rails.registry.Names())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.reconciler.Start(gctx)
		return nil
	})
	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second)
			return nil
		})
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutdown requested")
		return s.Shutdown(shutdownTracing)
	})

	return g.Wait()
}

// Shutdown drains HTTP traffic, then stops the sweeps and closes the
// stores and provider connections.
func (s *Server) Shutdown(shutdownTracing func(context.Context) error) error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	s.runner.Stop(ctx)
	s.reconciler.Stop()
	if s.relay != nil {
		s.relay.Stop()
	}
	s.rateLimiter.Stop()

	for _, c := range s.rails.closers {
		if err := c.Close(); err != nil {
			s.logger.Error("provider close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
