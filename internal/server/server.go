// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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

	"github.com/fundlock/fundlock/internal/capture"
	"github.com/fundlock/fundlock/internal/config"
	"github.com/fundlock/fundlock/internal/contracts"
	"github.com/fundlock/fundlock/internal/escrow"
	"github.com/fundlock/fundlock/internal/health"
	"github.com/fundlock/fundlock/internal/idgen"
	"github.com/fundlock/fundlock/internal/ledger"
	"github.com/fundlock/fundlock/internal/logging"
	"github.com/fundlock/fundlock/internal/metrics"
	"github.com/fundlock/fundlock/internal/ratelimit"
	"github.com/fundlock/fundlock/internal/security"
	"github.com/fundlock/fundlock/internal/traces"
	"github.com/fundlock/fundlock/internal/validation"
	"github.com/fundlock/fundlock/internal/webhooks"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	ledger        *ledger.Ledger
	contractStore contracts.Store
	escrowService *escrow.Service
	webhookStore  webhooks.Store
	verifier      capture.Verifier
	rateLimiter   *ratelimit.Limiter
	healthReg     *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	shutdownTrace func(context.Context) error
	cancelRunCtx  context.CancelFunc

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVerifier sets a custom payment-capture verifier (for testing)
func WithVerifier(v capture.Verifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	var (
		ledgerStore ledger.Store
		escrowStore escrow.Store
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		ledgerStore = ledger.NewPostgresStore(db, cfg.Currency)
		escrowStore = escrow.NewPostgresStore(db, cfg.Currency)
		s.contractStore = contracts.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.healthReg.Register("database", health.DBChecker(db))
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")

		memLedger := ledger.NewMemoryStore(cfg.Currency)
		ledgerStore = memLedger
		escrowStore = escrow.NewMemoryStore(memLedger)
		s.contractStore = contracts.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
	}

	s.ledger = ledger.New(ledgerStore, cfg.Currency)

	// Payment capture: Stripe when configured, permissive verifier in dev.
	if s.verifier == nil {
		if cfg.StripeAPIKey != "" {
			s.verifier = capture.NewStripeVerifier(cfg.StripeAPIKey)
			s.logger.Info("payment capture verification via Stripe")
		} else if cfg.IsProduction() {
			return nil, fmt.Errorf("STRIPE_API_KEY is required in production")
		} else {
			s.verifier = capture.StaticVerifier{}
			s.logger.Warn("payment capture verification disabled (dev mode)")
		}
	}

	dispatcher := webhooks.NewDispatcher(s.webhookStore).WithFallbackSecret(cfg.WebhookSecret)
	emitter := webhooks.NewEmitter(dispatcher, s.logger)
	s.escrowService = escrow.NewService(escrowStore, s.contractStore, cfg.Currency).
		WithEmitter(emitter).
		WithTimeout(cfg.OperationTimeout).
		WithRetries(cfg.ConflictRetries)

	gin.SetMode(ginMode(cfg))
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func ginMode(cfg *config.Config) string {
	if cfg.IsDevelopment() {
		return gin.DebugMode
	}
	return gin.ReleaseMode
}

// maskDSN hides credentials when logging the database URL.
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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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
			requestID = idgen.Hex(16)
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

// identityMiddleware resolves the caller from headers. The auth gateway in
// front of this service sets X-User-ID; the dispute-resolution actor
// authenticates with the admin secret.
func (s *Server) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret := c.GetHeader("X-Admin-Secret"); secret != "" {
			if s.cfg.AdminSecret != "" && secret == s.cfg.AdminSecret {
				c.Set("isAdmin", true)
			} else {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "unauthorized",
					"message": "Invalid admin secret",
				})
				return
			}
		}

		userID := c.GetHeader("X-User-ID")
		if userID == "" && !c.GetBool("isAdmin") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "X-User-ID header is required",
			})
			return
		}
		if userID != "" && !validation.IsValidID(userID) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Malformed X-User-ID header",
			})
			return
		}
		c.Set("authUserID", userID)

		c.Next()
	}
}

func (s *Server) setupRoutes() {
	// Operational endpoints
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(s.identityMiddleware())

	contractHandler := contracts.NewHandler(s.contractStore)
	contractHandler.RegisterRoutes(v1)

	escrowHandler := escrow.NewHandler(s.escrowService, s.ledger)
	escrowHandler.RegisterRoutes(v1)

	walletHandler := ledger.NewHandler(s.ledger, s.verifier)
	walletHandler.RegisterRoutes(v1)

	webhookHandler := webhooks.NewHandler(s.webhookStore)
	webhookHandler.RegisterRoutes(v1)

	admin := v1.Group("")
	admin.Use(s.adminOnlyMiddleware())
	contractHandler.RegisterAdminRoutes(admin)
}

func (s *Server) adminOnlyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool("isAdmin") {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Admin access required",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"healthy": healthy, "checks": statuses})
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTrace, err := traces.Init(runCtx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed", "error", err)
	} else {
		s.shutdownTrace = shutdownTrace
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Warn("trace shutdown error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
