// Package server wires the GearShare escrow core together: stores, the
// payment gateway, the release engine, webhook reconciliation and the HTTP
// surface, with graceful startup and shutdown.
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
	_ "github.com/lib/pq"

	"github.com/gearshareapp/gearshare/internal/booking"
	"github.com/gearshareapp/gearshare/internal/claims"
	"github.com/gearshareapp/gearshare/internal/config"
	"github.com/gearshareapp/gearshare/internal/connect"
	"github.com/gearshareapp/gearshare/internal/escrow"
	"github.com/gearshareapp/gearshare/internal/events"
	"github.com/gearshareapp/gearshare/internal/logging"
	"github.com/gearshareapp/gearshare/internal/metrics"
	"github.com/gearshareapp/gearshare/internal/notify"
	"github.com/gearshareapp/gearshare/internal/payments"
	"github.com/gearshareapp/gearshare/internal/ratelimit"
	"github.com/gearshareapp/gearshare/internal/realtime"
	"github.com/gearshareapp/gearshare/internal/security"
	"github.com/gearshareapp/gearshare/internal/traces"
	"github.com/gearshareapp/gearshare/internal/user"
	"github.com/gearshareapp/gearshare/internal/validation"
	"github.com/gearshareapp/gearshare/internal/webhook"
)

// Version is set via ldflags at build time.
var Version = "dev"

// Server is the GearShare escrow core service.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	router  *gin.Engine
	httpSrv *http.Server
	db      *sql.DB

	bus     *events.Bus
	gateway payments.Gateway

	bookings      booking.Store
	escrows       escrow.Store
	users         user.Store
	accounts      connect.Store
	claimStore    claims.Store
	notifications notify.Store

	engine     *escrow.Engine
	checkout   *booking.CheckoutService
	connectSvc *connect.Service
	claimsSvc  *claims.Service
	reconciler *webhook.Reconciler
	hub        *realtime.Hub

	rateLimiter   *ratelimit.Limiter
	traceShutdown func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool

	cancelRunCtx context.CancelFunc
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway overrides the payment gateway (tests).
func WithGateway(g payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a fully wired server from configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		format := "text"
		if cfg.IsProduction() {
			format = "json"
		}
		s.logger = logging.New(cfg.LogLevel, format)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()

	traceShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.traceShutdown = traceShutdown

	if err := s.setupStores(ctx); err != nil {
		return nil, err
	}

	if s.gateway == nil {
		s.gateway = payments.New(cfg.StripeSecretKey)
	}
	s.bus = events.NewBus()

	s.connectSvc = connect.NewService(s.accounts, s.users, s.gateway)
	s.engine = escrow.NewEngine(s.bookings, s.escrows, s.gateway, s.connectSvc, s.bus, cfg.Currency)
	s.checkout = booking.NewCheckoutService(s.bookings, s.engine, s.gateway,
		cfg.PlatformFeeBPS, cfg.Currency, cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL)
	s.claimsSvc = claims.NewService(s.claimStore, s.bookings, s.engine, s.bus)
	s.reconciler = webhook.NewReconciler(cfg.StripeWebhookSecret,
		s.bookings, s.escrows, s.gateway, s.connectSvc, s.bus)

	s.hub = realtime.NewHub(s.logger)
	s.hub.Attach(s.bus)
	notify.NewDispatcher(s.notifications).Attach(s.bus)

	rlCfg := ratelimit.DefaultConfig()
	if cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = cfg.RateLimitRPS * 60
		rlCfg.BurstSize = cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(rlCfg)

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupStores selects Postgres or in-memory stores based on DATABASE_URL.
func (s *Server) setupStores(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.logger.Warn("DATABASE_URL not set, using in-memory stores (state is lost on restart)")
		s.bookings = booking.NewMemoryStore()
		s.escrows = escrow.NewMemoryStore()
		s.users = user.NewMemoryStore()
		s.accounts = connect.NewMemoryStore()
		s.claimStore = claims.NewMemoryStore()
		s.notifications = notify.NewMemoryStore()
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping database: %w", err)
	}

	s.db = db
	s.logger.Info("connected to postgres", "dsn", maskDSN(s.cfg.DatabaseURL))

	s.bookings = booking.NewPostgresStore(db)
	s.escrows = escrow.NewPostgresStore(db)
	s.users = user.NewPostgresStore(db)
	s.accounts = connect.NewPostgresStore(db)
	s.claimStore = claims.NewPostgresStore(db)
	s.notifications = notify.NewPostgresStore(db)
	return nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("panic recovered", "error", recovered, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An internal error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

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
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", logging.RequestID(c.Request.Context()),
		}

		switch {
		case status >= 500:
			s.logger.Error("request", attrs...)
		case status >= 400:
			s.logger.Warn("request", attrs...)
		default:
			s.logger.Info("request", attrs...)
		}
	}
}

// adminAuthMiddleware guards operational endpoints with a shared secret.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin endpoints are disabled (ADMIN_SECRET not set)",
			})
			c.Abort()
			return
		}
		if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin secret",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	// Health and metrics
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket event stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// Stripe webhooks stay outside the rate limiter: redelivery bursts after
	// an outage must not be throttled.
	webhook.NewHandler(s.reconciler).RegisterRoutes(&s.router.RouterGroup)

	v1 := s.router.Group("/v1")
	v1.Use(s.rateLimiter.Middleware())
	{
		booking.NewHandler(s.bookings, s.checkout).RegisterRoutes(v1)
		escrow.NewHandler(s.engine, s.escrows).RegisterRoutes(v1)
		claims.NewHandler(s.claimsSvc, s.claimStore).RegisterRoutes(v1)
		connect.NewHandler(s.connectSvc, s.accounts).RegisterRoutes(v1)
		notify.NewHandler(s.notifications).RegisterRoutes(v1)
	}

	admin := s.router.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	{
		escrow.NewHandler(s.engine, s.escrows).RegisterAdminRoutes(admin)
		claims.NewHandler(s.claimsSvc, s.claimStore).RegisterAdminRoutes(admin)
		connect.NewHandler(s.connectSvc, s.accounts).RegisterAdminRoutes(admin)
		admin.GET("/realtime/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.hub.Stats())
		})
	}
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := map[string]string{}
	status := "healthy"
	code := http.StatusOK

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unreachable"
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "in-memory"
	}

	if !s.healthy.Load() {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.hub.Run(runCtx)

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
		s.logger.Info("server listening", "addr", s.httpSrv.Addr, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark ready after the listener has had a moment to bind.
	time.AfterFunc(100*time.Millisecond, func() {
		s.ready.Store(true)
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		s.logger.Info("shutdown signal received", "signal", sig.String())
		return s.Shutdown()
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	s.ready.Store(false)

	// Give load balancers time to drain before closing the listener.
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
		}
	}

	s.rateLimiter.Stop()

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable dsn)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
