// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/gigescrow/internal/accounts"
	"github.com/mbd888/gigescrow/internal/admin"
	"github.com/mbd888/gigescrow/internal/auth"
	"github.com/mbd888/gigescrow/internal/balance"
	"github.com/mbd888/gigescrow/internal/cache"
	"github.com/mbd888/gigescrow/internal/config"
	"github.com/mbd888/gigescrow/internal/contracts"
	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/health"
	"github.com/mbd888/gigescrow/internal/ledger"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/payments"
	"github.com/mbd888/gigescrow/internal/ratelimit"
	"github.com/mbd888/gigescrow/internal/security"
	"github.com/mbd888/gigescrow/internal/syncutil"
	"github.com/mbd888/gigescrow/internal/traces"
	"github.com/mbd888/gigescrow/internal/validation"
	"github.com/mbd888/gigescrow/internal/webhooks"
	"github.com/mbd888/gigescrow/internal/withdrawals"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db      *sql.DB // nil if using in-memory
	cache   cache.Cache
	gateway payments.Gateway

	authMgr           *auth.Manager
	contractService   *contracts.Service
	escrowService     *escrow.Service
	releaseWorker     *escrow.ReleaseWorker
	accountService    *accounts.Service
	withdrawalService *withdrawals.Service
	balanceManager    *balance.Manager
	syncTimer         *balance.SyncTimer
	reconciler        *webhooks.Reconciler
	verifiers         webhooks.Verifiers

	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error

	// Health state
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

// WithVersion sets the build version reported by /health.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithGateway replaces the configured payment gateway (for testing)
func WithGateway(g payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// stores groups the persistence backends selected from configuration.
type stores struct {
	contracts   contracts.Store
	escrow      escrow.Store
	accounts    accounts.Store
	withdrawals withdrawals.Store
	ledger      ledger.Store
	events      webhooks.EventStore
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(2 * time.Second),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.traceShutdown = shutdown
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	st, err := s.openStores(ctx)
	if err != nil {
		return nil, err
	}

	// Cache: Redis if REDIS_URL set, otherwise in-process
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.cache = rc
		s.health.RegisterOptional("cache", health.PingChecker(rc))
		s.logger.Info("using Redis cache", "url", maskDSN(cfg.RedisURL))
	} else {
		s.cache = cache.NewMemoryCache(time.Minute)
		s.logger.Info("using in-memory cache")
	}

	// Payment gateway: Stripe if a key is set, otherwise the in-process fake
	if s.gateway == nil {
		if cfg.StripeSecretKey != "" {
			s.gateway = payments.NewStripeGateway(payments.StripeConfig{
				SecretKey:  cfg.StripeSecretKey,
				Timeout:    cfg.GatewayTimeout,
				ReturnURL:  cfg.ConnectReturnURL,
				RefreshURL: cfg.ConnectRefreshURL,
			})
			s.logger.Info("using Stripe gateway")
		} else {
			s.gateway = payments.NewMemoryGateway()
			s.logger.Warn("STRIPE_SECRET_KEY not set, using in-memory gateway")
		}
	}

	// Contract and escrow writers share one lock per contract.
	locks := syncutil.NewKeyedMutex(0)

	s.contractService = contracts.NewService(st.contracts, locks, cfg.Currency)

	s.accountService = accounts.NewService(st.accounts, s.gateway, s.cache, cfg.CacheTTL)

	s.escrowService = escrow.NewService(st.escrow, st.contracts, s.gateway, s.accountService,
		st.ledger, s.cache, locks, escrow.Config{
			FeeRate:  money.Rate(cfg.PlatformFeeBPS),
			Currency: cfg.Currency,
		})
	s.releaseWorker = escrow.NewReleaseWorker(s.escrowService, cfg.ReleaseRetryInterval, s.logger)

	s.balanceManager = balance.NewManager(st.escrow, st.withdrawals, st.ledger, s.cache, cfg.CacheTTL)
	s.syncTimer = balance.NewSyncTimer(s.balanceManager, cfg.BalanceSyncInterval, s.logger)

	s.withdrawalService = withdrawals.NewService(st.withdrawals, st.ledger, s.gateway, s.accountService,
		s.cache, cfg.Currency).WithBalanceSource(s.balanceManager)

	s.reconciler = webhooks.NewReconciler(st.events, s.escrowService, s.accountService, s.withdrawalService)
	s.verifiers = webhooks.Verifiers{
		Platform: webhooks.NewVerifier(cfg.StripeWebhookSecret),
		Connect:  webhooks.NewVerifier(cfg.StripeConnectSecret, cfg.StripeWebhookSecret),
		Identity: webhooks.NewVerifier(cfg.StripeIdentitySecret, cfg.StripeWebhookSecret),
	}
	if !s.verifiers.Platform.Configured() {
		s.logger.Warn("STRIPE_WEBHOOK_SECRET not set, webhook deliveries will be rejected")
	}

	secret := cfg.SessionSecret
	if secret == "" {
		s.logger.Warn("SESSION_SECRET not set, generating an ephemeral secret")
		secret = generateRequestID() + generateRequestID()
	}
	s.authMgr = auth.NewManager(secret)

	// Setup router
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) openStores(ctx context.Context) (*stores, error) {
	cfg := s.cfg
	if cfg.DatabaseURL == "" {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
		cs := contracts.NewMemoryStore()
		return &stores{
			contracts:   cs,
			escrow:      escrow.NewMemoryStore(cs),
			accounts:    accounts.NewMemoryStore(),
			withdrawals: withdrawals.NewMemoryStore(),
			ledger:      ledger.NewMemoryStore(),
			events:      webhooks.NewMemoryStore(),
		}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.health.Register("database", health.PingChecker(db))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

	return &stores{
		contracts:   contracts.NewPostgresStore(db),
		escrow:      escrow.NewPostgresStore(db),
		accounts:    accounts.NewPostgresStore(db),
		withdrawals: withdrawals.NewPostgresStore(db),
		ledger:      ledger.NewPostgresStore(db),
		events:      webhooks.NewPostgresStore(db),
	}, nil
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

// originOf reduces a URL to the scheme://host form browsers send in Origin.
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"details": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware(!s.cfg.IsDevelopment()))

	// CORS: the web app's origins in production, anything in development
	origins := []string{"*"}
	if !s.cfg.IsDevelopment() {
		origins = []string{originOf(s.cfg.ConnectReturnURL), originOf(s.cfg.ConnectRefreshURL)}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health and metrics
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Webhooks authenticate by signature, not by session
	webhooks.NewHandler(s.reconciler, s.verifiers).RegisterRoutes(s.router)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr), auth.RequireAuth())

	contractHandler := contracts.NewHandler(s.contractService)
	contractHandler.RegisterRoutes(v1)
	escrow.NewHandler(s.escrowService).RegisterRoutes(v1)
	accounts.NewHandler(s.accountService).RegisterRoutes(v1)
	withdrawals.NewHandler(s.withdrawalService).RegisterRoutes(v1)
	balance.NewHandler(s.balanceManager).RegisterRoutes(v1)

	adminGroup := v1.Group("/admin", auth.RequireAdmin())
	contractHandler.RegisterAdminRoutes(adminGroup)
	admin.NewHandler().
		WithReleaseQueue(s.escrowService).
		WithReleaseRunner(s.releaseWorker).
		RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		for _, ch := range checks {
			if !ch.Healthy {
				status = "degraded"
				break
			}
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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
	if healthy, _ := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "dependencies_unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Retry releases whose transfer failed after completion
	go s.releaseWorker.Start(runCtx)

	// Periodic balance sync
	go s.syncTimer.Start(runCtx)

	// Connection pool gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.releaseWorker.Stop()
	s.logger.Info("release worker stopped")

	s.syncTimer.Stop()
	s.logger.Info("balance sync timer stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("cache close error", "error", err)
		}
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace flush error", "error", err)
		}
	}

	s.closeDB()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Auth returns the session manager, used by tests to mint tokens.
func (s *Server) Auth() *auth.Manager {
	return s.authMgr
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
