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
	"github.com/redis/go-redis/v9"

	"github.com/fortressbank/transfers/internal/auth"
	"github.com/fortressbank/transfers/internal/challenge"
	"github.com/fortressbank/transfers/internal/circuitbreaker"
	"github.com/fortressbank/transfers/internal/config"
	"github.com/fortressbank/transfers/internal/health"
	"github.com/fortressbank/transfers/internal/ledgerclient"
	"github.com/fortressbank/transfers/internal/logging"
	"github.com/fortressbank/transfers/internal/metrics"
	"github.com/fortressbank/transfers/internal/notify"
	"github.com/fortressbank/transfers/internal/ratelimit"
	"github.com/fortressbank/transfers/internal/realtime"
	"github.com/fortressbank/transfers/internal/risk"
	"github.com/fortressbank/transfers/internal/security"
	"github.com/fortressbank/transfers/internal/stripeclient"
	"github.com/fortressbank/transfers/internal/transfer"
	"github.com/fortressbank/transfers/internal/validation"
	"github.com/fortressbank/transfers/internal/velocity"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	svc          *transfer.Service
	timer        *transfer.Timer
	scorer       *risk.Scorer
	authMgr      *auth.Manager
	notifier     *notify.Dispatcher
	hub          *realtime.Hub
	ledger       ledgerclient.Client
	stripe       stripeclient.Client
	checks       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB       // nil if using in-memory storage
	redis        *redis.Client // nil if using in-memory challenge/velocity stores
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithLedger sets a custom account ledger client (for testing)
func WithLedger(c ledgerclient.Client) Option {
	return func(s *Server) {
		s.ledger = c
	}
}

// WithStripe sets a custom external transfer client (for testing)
func WithStripe(c stripeclient.Client) Option {
	return func(s *Server) {
		s.stripe = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set ledger/stripe/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		txStore    transfer.Store
		limitStore transfer.LimitStore
		profiles   transfer.DeviceRegistry
		authStore  auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		txStore = transfer.NewPostgresStore(db)
		limitStore = transfer.NewPostgresLimitStore(db)
		profiles = risk.NewPostgresProfiles(db)
		authStore = auth.NewPostgresStore(db)
		s.checks.Register("postgres", health.Database("postgres", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		txStore = transfer.NewMemoryStore()
		limitStore = transfer.NewMemoryLimitStore()
		profiles = risk.NewMemoryProfiles()
		authStore = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	s.authMgr = auth.NewManager(authStore)

	// Challenge and velocity state (Redis if REDIS_URL set, otherwise in-memory)
	var (
		chStore  challenge.Store
		velStore velocity.Store
	)
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		chStore = challenge.NewRedisStore(client)
		velStore = velocity.NewRedisStore(client)
		s.checks.Register("redis", health.Redis("redis", client))
		s.logger.Info("using Redis for challenge and velocity state")
	} else {
		chStore = challenge.NewMemoryStore()
		velStore = velocity.NewMemoryStore()
	}

	// Account ledger collaborator
	if s.ledger == nil {
		if cfg.LedgerBaseURL != "" {
			breaker := circuitbreaker.New(5, 30*time.Second)
			s.ledger = ledgerclient.NewHTTPClient(cfg.LedgerBaseURL, cfg.LedgerTimeout, breaker)
			s.logger.Info("account ledger configured", "url", cfg.LedgerBaseURL)
		} else {
			s.ledger = ledgerclient.NewMemory()
			s.logger.Info("using in-memory account ledger (development only)")
		}
	}

	// External transfer rail
	if s.stripe == nil {
		if cfg.StripeSecretKey != "" {
			s.stripe = stripeclient.New(cfg.StripeSecretKey).WithLogger(s.logger)
			s.logger.Info("external transfer rail enabled")
		} else if cfg.IsDevelopment() {
			s.stripe = stripeclient.NewMock()
			s.logger.Info("external transfer rail mocked (development)")
		}
	}

	// Notification delivery
	var sender notify.Sender
	if cfg.NotifyURL != "" {
		if err := security.ValidateEndpointURL(cfg.NotifyURL); err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_URL: %w", err)
		}
		sender = notify.NewHTTPSender(cfg.NotifyURL)
		s.logger.Info("notification gateway configured", "url", cfg.NotifyURL)
	} else {
		sender = &notify.LogSender{}
		s.logger.Info("notifications logged only (no gateway configured)")
	}
	s.notifier = notify.NewDispatcher(sender, 256).WithLogger(s.logger)

	// Realtime hub for WebSocket status streaming
	s.hub = realtime.NewHub(s.logger)

	// Risk assessment and challenge issuance
	tracker := velocity.NewTracker(velStore, cfg.VelocityDailyLimit, cfg.VelocityWindow).WithLogger(s.logger)
	s.scorer = risk.NewScorer(profiles, tracker, cfg.HighAmountThreshold).
		WithOverrides(cfg.HighRiskOverrideList).
		WithLogger(s.logger)
	challenges := challenge.NewService(chStore, cfg.ChallengeTTL, cfg.ChallengeMaxAttempts, cfg.ResendCooldown).
		WithLogger(s.logger)

	// Transfer orchestrator
	s.svc = transfer.NewService(txStore, limitStore, s.ledger, s.scorer, challenges, profiles, tracker, transfer.Options{
		RiskTimeout:         cfg.RiskTimeout,
		DefaultDailyLimit:   cfg.DailyTransferLimit,
		DefaultMonthlyLimit: cfg.MonthlyTransferLimit,
	}).
		WithNotifier(s.notifier).
		WithPublisher(s.hub).
		WithLogger(s.logger)
	if s.stripe != nil {
		s.svc = s.svc.WithStripe(s.stripe)
	}
	s.timer = transfer.NewTimer(s.svc, s.logger)

	// Configure gin
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
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limitCfg)
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

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time transfer status streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	transferHandler := transfer.NewHandlers(s.svc)
	authHandler := auth.NewHandler(s.authMgr)
	riskHandler := risk.NewHandlers(s.scorer)

	// V1 API group
	v1 := s.router.Group("/v1")

	// CALLBACK ROUTES authenticated by HMAC signature, not API keys.
	// The deposit gateway and the face verification provider call these.
	callbacks := v1.Group("")
	callbacks.Use(security.WebhookAuth(s.cfg.WebhookSecret))
	{
		callbacks.POST("/webhooks/deposits", transferHandler.DepositWebhook)
		callbacks.POST("/transfers/:id/face-confirm", transferHandler.FaceConfirm)
	}

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth())
	{
		protected.POST("/transfers", transferHandler.Create)
		protected.GET("/transfers", transferHandler.History)
		protected.GET("/transfers/:id", transferHandler.Get)
		protected.POST("/transfers/:id/cancel", transferHandler.Cancel)

		protected.POST("/risk/assess", riskHandler.Assess)

		// API key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.GET("/auth/me", authHandler.Whoami)
	}

	// Challenge verification gets a tighter per-user rate limit. These
	// endpoints accept guessable secrets, so the budget is small.
	verify := v1.Group("")
	verify.Use(auth.Middleware(s.authMgr), auth.RequireAuth(), ratelimit.MiddlewareWithConfig(ratelimit.VerifyConfig()))
	{
		verify.POST("/transfers/:id/verify", transferHandler.Verify)
		verify.POST("/transfers/:id/resend", transferHandler.Resend)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start challenge expiry sweeper
	go s.timer.Start(runCtx)

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

	// Cancel the context for all background goroutines (hub, timer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop challenge expiry sweeper
	if s.timer != nil {
		s.timer.Stop()
		s.logger.Info("expiry timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Drain pending notifications
	if s.notifier != nil {
		s.notifier.Close()
		s.logger.Info("notification dispatcher stopped")
	}

	// Close Redis connection
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
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
