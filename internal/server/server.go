// Package server wires the settlement services into the HTTP admin API.
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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/marketsettle/internal/circuitbreaker"
	"github.com/mbd888/marketsettle/internal/commission"
	"github.com/mbd888/marketsettle/internal/config"
	"github.com/mbd888/marketsettle/internal/escrow"
	"github.com/mbd888/marketsettle/internal/health"
	"github.com/mbd888/marketsettle/internal/idgen"
	"github.com/mbd888/marketsettle/internal/logging"
	"github.com/mbd888/marketsettle/internal/metrics"
	"github.com/mbd888/marketsettle/internal/money"
	"github.com/mbd888/marketsettle/internal/orders"
	"github.com/mbd888/marketsettle/internal/provider"
	"github.com/mbd888/marketsettle/internal/ratelimit"
	"github.com/mbd888/marketsettle/internal/reconciliation"
	"github.com/mbd888/marketsettle/internal/refund"
	"github.com/mbd888/marketsettle/internal/security"
	"github.com/mbd888/marketsettle/internal/traces"
	"github.com/mbd888/marketsettle/internal/txn"
	"github.com/mbd888/marketsettle/internal/validation"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil without REDIS_URL
	orderStore  orders.Store
	extraProvs  []provider.Provider
	providers   *provider.Registry
	healthReg   *health.Registry
	rateLimiter *ratelimit.Limiter

	commissionService *commission.Service
	escrowService     *escrow.Service
	refundService     *refund.Service
	reconciler        *reconciliation.Service
	escrowTimer       *escrow.Timer
	reconcileTimer    *reconciliation.Timer

	router         *gin.Engine
	httpSrv        *http.Server
	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	drainDelay     time.Duration

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

// WithOrderStore replaces the order read model. The order workflow that
// embeds the settlement engine supplies its own; tests seed a memory store.
func WithOrderStore(store orders.Store) Option {
	return func(s *Server) {
		s.orderStore = store
	}
}

// WithProvider registers an additional payment provider, replacing any
// built-in provider of the same name. It is wrapped in a circuit breaker
// like the built-ins.
func WithProvider(p provider.Provider) Option {
	return func(s *Server) {
		s.extraProvs = append(s.extraProvs, p)
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		healthReg:  health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Environment: cfg.Env,
		Version:     Version,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdown

	st, err := s.openStores(ctx)
	if err != nil {
		return nil, err
	}
	if s.orderStore == nil {
		s.orderStore = st.orders
	}
	if m, ok := st.runner.(*txn.MemoryRunner); ok {
		if snap, ok := s.orderStore.(txn.Snapshotter); ok && s.orderStore != st.orders {
			m.Register(snap)
		}
	}

	if err := s.setupServices(st); err != nil {
		return nil, err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// stores is the storage backend chosen at startup.
type stores struct {
	rules    commission.RuleStore
	audits   commission.AuditStore
	defaults commission.DefaultConfigSource
	orders   orders.Store
	escrows  escrow.Store
	refunds  refund.Store
	runner   txn.Runner
}

// openStores picks Postgres when DATABASE_URL is set, otherwise in-memory.
func (s *Server) openStores(ctx context.Context) (*stores, error) {
	if s.cfg.DatabaseURL == "" {
		s.logger.Warn("DATABASE_URL not set, using in-memory stores")
		rules := commission.NewMemoryStore()
		orderStore := orders.NewMemoryStore()
		escrows := escrow.NewMemoryStore()
		refunds := refund.NewMemoryStore()
		return &stores{
			rules:   rules,
			audits:  rules,
			orders:  orderStore,
			escrows: escrows,
			refunds: refunds,
			runner:  txn.NewMemoryRunner(rules, orderStore, escrows, refunds),
		}, nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s.db = db
	s.healthReg.Register("database", health.Database(db))
	s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))

	rules := commission.NewPostgresStore(db)
	return &stores{
		rules:    rules,
		audits:   rules,
		defaults: rules,
		orders:   orders.NewPostgresStore(db),
		escrows:  escrow.NewPostgresStore(db),
		refunds:  refund.NewPostgresStore(db),
		runner:   txn.NewSQLRunner(db),
	}, nil
}

func (s *Server) setupServices(st *stores) error {
	var source commission.RuleSource = st.rules
	var cache *commission.RedisCache
	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opts)
		s.healthReg.Register("redis", health.Redis(s.redis))
		cache = commission.NewRedisCache(s.redis, st.rules, s.cfg.RuleCacheTTL, s.logger)
		source = cache
		s.logger.Info("commission rule cache enabled", "ttl", s.cfg.RuleCacheTTL)
	}

	defaults := st.defaults
	if s.cfg.HasDefaultCommission() {
		pct, _ := money.ParseRate(s.cfg.DefaultCommissionPercent)
		fixed, _ := money.Parse(s.cfg.DefaultCommissionFixed)
		defaults = commission.StaticDefaults{Config: &commission.DefaultConfig{
			Percentage: pct, FixedAmount: fixed, Active: true,
		}}
		s.logger.Info("default commission configured", "percent", pct.String(), "fixed", money.Format(fixed))
	}

	resolver := commission.NewResolver(source, st.rules)
	calc := commission.NewCalculator(resolver, defaults, s.logger)
	s.commissionService = commission.NewService(st.rules, resolver, calc, st.runner, s.logger)
	if cache != nil {
		s.commissionService = s.commissionService.WithCache(cache)
	}

	s.escrowService = escrow.NewService(st.escrows, s.orderStore, calc, st.audits, st.runner).
		WithHoldDays(s.cfg.EscrowHoldDays)
	s.escrowTimer = escrow.NewTimer(s.escrowService, s.cfg.SweepInterval, s.logger)

	s.providers = s.buildProviders()
	s.refundService = refund.NewService(st.refunds, s.orderStore, s.escrowService, s.providers, st.runner)

	s.reconciler = reconciliation.NewService(st.escrows, st.refunds, s.orderStore, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, s.cfg.ReconcileInterval, s.logger)

	s.healthReg.Register("payment_providers", s.providerHealth)
	return nil
}

// buildProviders registers manual refunds always and stripe when a key is
// configured. Each provider gets its own breaker.
func (s *Server) buildProviders() *provider.Registry {
	guard := func(p provider.Provider) provider.Provider {
		return provider.NewGuarded(p, circuitbreaker.New(s.cfg.ProviderBreakerThreshold, s.cfg.ProviderBreakerCooldown))
	}

	reg := provider.NewRegistry(guard(provider.NewManualProvider()))
	if s.cfg.StripeSecretKey != "" {
		reg.Register(guard(provider.NewStripeProvider(s.cfg.StripeSecretKey)))
	} else {
		s.logger.Warn("STRIPE_SECRET_KEY not set, stripe refunds will fail")
	}
	for _, p := range s.extraProvs {
		reg.Register(guard(p))
	}
	s.logger.Info("payment providers registered", "providers", reg.Names())
	return reg
}

func (s *Server) providerHealth(context.Context) health.Status {
	st := health.Status{Name: "payment_providers", Healthy: true}
	for _, name := range s.providers.Names() {
		p, err := s.providers.Get(name)
		if err != nil {
			continue
		}
		if g, ok := p.(*provider.Guarded); ok && g.Open() {
			st.Healthy = false
			st.Detail = name + " circuit open"
			return st
		}
	}
	return st
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latencyMs", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "clientIp", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
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

	if s.cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set, admin API is unauthenticated")
	}
	admin := s.router.Group("/v1/admin")
	admin.Use(security.AdminAuth(s.cfg.AdminSecret))
	admin.Use(validation.IDParamMiddleware("id", "subId"))

	commission.NewHandler(s.commissionService).RegisterAdminRoutes(admin)
	escrow.NewHandler(s.escrowService, s.escrowTimer).RegisterAdminRoutes(admin)
	refund.NewHandler(s.refundService).RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthReg.CheckAll(ctx)
	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
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

// Run starts the HTTP server and background jobs and blocks until a signal,
// ctx cancellation or a server error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second, // refunds wait on the provider
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.escrowTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.escrowTimer.Stop()
	s.reconcileTimer.Stop()
	s.rateLimiter.Stop()
	s.logger.Info("background jobs stopped")

	if err := s.shutdownTraces(ctx); err != nil {
		s.logger.Error("trace shutdown error", "error", err)
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

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
