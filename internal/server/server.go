// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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
	"github.com/mbd888/settleflow/internal/cache"
	"github.com/mbd888/settleflow/internal/config"
	"github.com/mbd888/settleflow/internal/health"
	"github.com/mbd888/settleflow/internal/httpx"
	"github.com/mbd888/settleflow/internal/idempotency"
	"github.com/mbd888/settleflow/internal/jobs"
	"github.com/mbd888/settleflow/internal/logging"
	"github.com/mbd888/settleflow/internal/merchant"
	"github.com/mbd888/settleflow/internal/metrics"
	"github.com/mbd888/settleflow/internal/ratelimit"
	"github.com/mbd888/settleflow/internal/security"
	"github.com/mbd888/settleflow/internal/settlement"
	"github.com/mbd888/settleflow/internal/transaction"
	"github.com/mbd888/settleflow/internal/validation"
	"github.com/mbd888/settleflow/internal/webhook"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	router     *gin.Engine
	httpServer *http.Server

	db        *sql.DB            // nil when running on in-memory stores
	boltStore *idempotency.BoltStore // nil unless IDEMPOTENCY_DB_PATH is set

	merchants    *merchant.Service
	transactions *transaction.Service
	webhookStore webhook.Store
	gate         *idempotency.Gate
	idemStore    idempotency.Store
	queue        *jobs.Queue
	engine       *settlement.Engine
	dispatcher   *webhook.Dispatcher
	limiter      *ratelimit.Limiter
	readCache    cache.Cache
	checks       *health.Registry

	// ready flips once the queue is running; /health/ready reports it so a
	// load balancer never routes to an instance that cannot settle.
	ready atomic.Bool

	cancelRunCtx context.CancelFunc
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a server with all dependencies wired. With DATABASE_URL set it
// runs on Postgres; otherwise everything lives in memory (optionally with a
// bolt-backed idempotency store so replay survives restarts).
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRunCtx = cancel

	var (
		merchantStore merchant.Store
		txStore       transaction.Store
		idemStore     idempotency.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := openDB(cfg.DatabaseURL)
		if err != nil {
			cancel()
			return nil, err
		}
		s.db = db
		s.logger.Info("using postgres stores", "dsn", maskDSN(cfg.DatabaseURL))

		merchantStore = merchant.NewPostgresStore(db)
		txStore = transaction.NewPostgresStore(db)
		s.webhookStore = webhook.NewPostgresStore(db)
		idemStore = idempotency.NewPostgresStore(db)

		metrics.StartDBStatsCollector(runCtx, db, 15*time.Second)
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Info("DATABASE_URL not set, using in-memory stores")
		merchantStore = merchant.NewMemoryStore()
		txStore = transaction.NewMemoryStore()
		s.webhookStore = webhook.NewMemoryStore()

		if cfg.IdempotencyDBPath != "" {
			bs, err := idempotency.NewBoltStore(cfg.IdempotencyDBPath)
			if err != nil {
				cancel()
				return nil, fmt.Errorf("open idempotency db: %w", err)
			}
			s.boltStore = bs
			idemStore = bs
			s.logger.Info("idempotency records persisted", "path", cfg.IdempotencyDBPath)
		} else {
			idemStore = idempotency.NewMemoryStore()
		}
	}
	s.idemStore = idemStore
	s.gate = idempotency.NewGate(idemStore)

	s.queue = jobs.New(jobs.Config{
		Workers:     cfg.JobWorkers,
		MaxAttempts: cfg.JobMaxAttempts,
		BaseDelay:   500 * time.Millisecond,
		BufferSize:  1024,
	}, s.logger)
	s.checks.Register("jobs", func(ctx context.Context) health.Status {
		if !s.ready.Load() {
			return health.Status{Name: "jobs", Healthy: false, Detail: "queue not started"}
		}
		return health.Status{Name: "jobs", Healthy: true}
	})

	s.readCache = cache.NewMemory(runCtx, cfg.CacheTTL)

	s.merchants = merchant.NewService(merchantStore)
	s.transactions = transaction.NewService(txStore, s.merchants, s.queue, s.readCache, cfg.CacheTTL)

	s.engine = settlement.NewEngine(txStore, s.queue,
		settlement.WeightedPolicy{SuccessRate: cfg.SettlementSuccessRate},
		s.readCache,
		settlement.Config{MinDelay: cfg.SettlementMinDelay, MaxDelay: cfg.SettlementMaxDelay})

	s.dispatcher = webhook.NewDispatcher(s.webhookStore, txStore, s.queue, webhook.Config{
		Timeout:     cfg.WebhookTimeout,
		MaxAttempts: cfg.WebhookMaxAttempts,
		BaseDelay:   cfg.WebhookBaseDelay,
	})

	s.queue.Register(jobs.TypeSettle, s.engine.HandleJob)
	s.queue.Register(jobs.TypeWebhookFanOut, s.dispatcher.HandleFanOut)
	s.queue.Register(jobs.TypeWebhookDeliver, s.dispatcher.HandleDeliver)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// maskDSN hides credentials in a connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery first so panics anywhere below still produce an envelope
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered", "panic", fmt.Sprint(recovered))
		httpx.Fail(c, http.StatusInternalServerError, "internal server error")
		c.Abort()
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(1 << 20)) // 1 MB

	s.limiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.limiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

// requestIDMiddleware attaches a request ID to the context and response
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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

// loggingMiddleware logs each request with latency and status
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logging.L(c.Request.Context()).Info("request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/health/live", s.handleLive)
	s.router.GET("/health/ready", s.handleReady)
	s.router.GET("/metrics", metrics.Handler())

	merchants := merchant.NewHandler(s.merchants)
	txs := transaction.NewHandler(s.transactions)
	hooks := webhook.NewHandler(s.webhookStore)
	if s.cfg.IsProduction() {
		// SSRF guard: outbound deliveries must never target internal addresses
		hooks.CheckURL = security.ValidateEndpointURL
	}

	v1 := s.router.Group("/v1")
	{
		v1.POST("/register", merchants.Register)
		v1.POST("/login", merchants.Login)

		authed := v1.Group("")
		authed.Use(merchant.RequireAuth(s.merchants))
		{
			authed.POST("/payment_keys", merchants.CreatePaymentKey)
			authed.GET("/payment_keys", merchants.ListPaymentKeys)
			authed.DELETE("/payment_keys/:id", merchants.DeactivatePaymentKey)

			authed.POST("/transactions", s.gate.Middleware(), txs.Create)
			authed.GET("/transactions", txs.List)
			authed.GET("/transactions/:id", txs.Get)

			authed.POST("/refunds", s.gate.Middleware(), txs.CreateRefund)
			authed.GET("/refunds/:id", txs.GetRefund)

			authed.POST("/webhooks", hooks.Create)
			authed.GET("/webhooks", hooks.List)
			authed.DELETE("/webhooks/:id", hooks.Delete)
		}
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) handleHealth(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())
	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "checks": statuses})
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Router returns the gin router, mainly for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the job workers and HTTP server, then blocks until a shutdown
// signal arrives or the server fails
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	prev := s.cancelRunCtx
	s.cancelRunCtx = func() { cancel(); prev() }

	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		s.queue.Start(runCtx)
	}()
	s.ready.Store(true)

	// Old idempotency records are garbage once the retry window has long
	// passed; sweep them hourly.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				n, err := s.idemStore.Sweep(runCtx, 24*time.Hour)
				if err != nil {
					s.logger.Warn("idempotency sweep failed", "error", err)
				} else if n > 0 {
					s.logger.Info("idempotency sweep", "removed", n)
				}
			}
		}
	}()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		s.cancelRunCtx()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	case sig := <-quit:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	}

	return s.Shutdown(queueDone)
}

// Shutdown gracefully stops the server: stop accepting requests, drain
// in-flight jobs, then release resources
func (s *Server) Shutdown(queueDone <-chan struct{}) error {
	s.ready.Store(false)

	// Give load balancers a moment to notice the readiness flip
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown error", "error", err)
	}

	// Stop workers; Start returns only after in-flight jobs finish
	s.cancelRunCtx()
	if queueDone != nil {
		select {
		case <-queueDone:
		case <-ctx.Done():
			s.logger.Warn("job queue did not drain in time")
		}
	}

	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.boltStore != nil {
		if err := s.boltStore.Close(); err != nil {
			s.logger.Error("idempotency db close error", "error", err)
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
