// Package server wires the HTTP server, storage, chain access, and
// background sweeping together.
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

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/midswap/midswap/internal/admin"
	"github.com/midswap/midswap/internal/chain"
	"github.com/midswap/midswap/internal/config"
	"github.com/midswap/midswap/internal/escrow"
	"github.com/midswap/midswap/internal/health"
	"github.com/midswap/midswap/internal/kv"
	"github.com/midswap/midswap/internal/logging"
	"github.com/midswap/midswap/internal/metrics"
	"github.com/midswap/midswap/internal/offerlock"
	"github.com/midswap/midswap/internal/offers"
	"github.com/midswap/midswap/internal/ratelimit"
	"github.com/midswap/midswap/internal/security"
	"github.com/midswap/midswap/internal/sigauth"
	"github.com/midswap/midswap/internal/store"
	"github.com/midswap/midswap/internal/sweeper"
	"github.com/midswap/midswap/internal/validation"
)

const lamportsPerSol = 1_000_000_000

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg *config.Config

	db          *sql.DB // nil when using in-memory storage
	offerStore  store.Store
	kvStore     kv.Store
	chainClient chain.Client
	executor    *escrow.Executor
	locks       *offerlock.Manager
	guard       *sigauth.Guard
	offerSvc    *offers.Service
	sweeper     *sweeper.Sweeper
	sweepTimer  *sweeper.Timer
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

	ready atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithChainClient injects a chain client, used by tests to avoid real
// RPC traffic.
func WithChainClient(client chain.Client) Option {
	return func(s *Server) {
		s.chainClient = client
	}
}

// New creates a server instance from config.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.chainClient == nil {
		s.chainClient = chain.NewHTTPClient(cfg.RPCURL, cfg.DASURL)
	}

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db
		s.offerStore = store.NewPostgresStore(db)
		s.kvStore = kv.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.offerStore = store.NewMemoryStore()
		s.kvStore = kv.NewMemoryStore()
		s.logger.Warn("using in-memory storage; offers do not survive restarts")
	}

	signer, err := solana.PrivateKeyFromBase58(cfg.EscrowPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse escrow keypair: %w", err)
	}

	var feeWallet solana.PublicKey
	if cfg.FeeWallet != "" {
		feeWallet, err = solana.PublicKeyFromBase58(cfg.FeeWallet)
		if err != nil {
			return nil, fmt.Errorf("parse fee wallet: %w", err)
		}
	}

	s.executor = escrow.NewExecutor(s.chainClient, signer, feeWallet)
	s.locks = offerlock.NewManager(s.kvStore).WithTTL(cfg.LockTTL)
	s.guard = sigauth.NewGuard(s.kvStore).WithMaxAge(cfg.MaxMessageAge)
	claims := escrow.NewTxClaims(s.kvStore)

	s.offerSvc = offers.NewService(s.offerStore, s.locks, claims, s.executor, s.chainClient, offers.Limits{
		MaxNftsPerSide:     cfg.MaxNftsPerSide,
		MaxLamportsPerSide: uint64(cfg.MaxSolPerSide * lamportsPerSol),
		OfferExpiry:        cfg.OfferExpiry,
		MaxActiveOffers:    cfg.MaxActiveOffers,
		PlatformFeeRate:    cfg.PlatformFeeRate,
		HolderCollection:   cfg.HolderCollection,
	})

	s.sweeper = sweeper.New(s.offerStore, s.locks, s.offerSvc, sweeper.Config{
		Interval:          cfg.SweepInterval,
		EscrowStuckAfter:  cfg.EscrowStuckAfter,
		ForceReturnAfter:  cfg.ForceReturnAfter,
		MaxCleanupRetries: cfg.MaxCleanupRetries,
		BatchSize:         100,
	})
	s.sweepTimer = sweeper.NewTimer(s.sweeper, s.logger)

	s.rateLimiter = ratelimit.New(s.kvStore, ratelimit.Config{
		RequestsPerWindow: int64(cfg.RateLimitRPM),
		Window:            time.Minute,
	})

	s.checks = health.NewRegistry()
	s.checks.Register("store", health.StoreCheck(s.offerStore))
	s.checks.Register("rpc", health.RPCCheck(s.chainClient))
	s.checks.Register("escrow_wallet", health.EscrowBalanceCheck(s.chainClient, s.executor.EscrowWallet(), health.MinEscrowLamports))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

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
	s.router.Use(security.CORSMiddleware(s.corsOrigins()))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) corsOrigins() []string {
	if s.cfg.IsProduction() {
		return []string{"https://midswap.io", "https://www.midswap.io"}
	}
	return []string{"*"}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/livez", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group("/api", s.rateLimiter.Middleware("offers"))
	offers.NewHandler(s.offerSvc, s.guard).RegisterRoutes(api)

	adminSvc := admin.NewService(s.offerStore, s.locks, s.offerSvc, s.executor)
	adminGrp := s.router.Group("/admin",
		s.rateLimiter.Middleware("admin"),
		admin.SecretMiddleware(s.cfg.AdminSecret))
	admin.NewHandler(adminSvc, s.checks).RegisterRoutes(adminGrp)

	// Cron gets its own secret so the scheduler never holds admin power.
	cronGrp := s.router.Group("/cron", admin.SecretMiddleware(s.cfg.CronSecret))
	sweeper.NewHandler(s.sweeper, s.sweepTimer).RegisterRoutes(cronGrp)
}

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

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

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

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"healthy": healthy,
		"checks":  statuses,
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"escrow_wallet", s.executor.EscrowWallet().String(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.sweepTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.sweepTimer.Stop()
	s.logger.Info("sweep timer stopped")

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return shutdownErr
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// maskDSN hides credentials in a database URL for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<unparseable>"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
