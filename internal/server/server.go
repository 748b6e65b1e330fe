// Package server wires the services together and serves the HTTP API
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
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/fiatbridge/internal/auth"
	"github.com/mbd888/fiatbridge/internal/capacity"
	"github.com/mbd888/fiatbridge/internal/chain"
	"github.com/mbd888/fiatbridge/internal/config"
	"github.com/mbd888/fiatbridge/internal/dispute"
	"github.com/mbd888/fiatbridge/internal/escrow"
	"github.com/mbd888/fiatbridge/internal/exchange"
	"github.com/mbd888/fiatbridge/internal/health"
	"github.com/mbd888/fiatbridge/internal/jobs"
	"github.com/mbd888/fiatbridge/internal/ledger"
	"github.com/mbd888/fiatbridge/internal/logging"
	"github.com/mbd888/fiatbridge/internal/metrics"
	"github.com/mbd888/fiatbridge/internal/notify"
	"github.com/mbd888/fiatbridge/internal/ratelimit"
	"github.com/mbd888/fiatbridge/internal/reconciliation"
	"github.com/mbd888/fiatbridge/internal/security"
	"github.com/mbd888/fiatbridge/internal/storage"
	"github.com/mbd888/fiatbridge/internal/tokens"
	"github.com/mbd888/fiatbridge/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger

	store    ledger.Store
	db       *sql.DB // nil if using in-memory
	rates    *tokens.Table
	verifier chain.Verifier
	uploader storage.Uploader
	closers  []func()

	hub      *notify.Hub
	notifier *notify.Async

	ledger    *ledger.Ledger
	capacity  *capacity.Service
	escrow    *escrow.Service
	exchange  *exchange.Service
	disputes  *dispute.Service
	reconcile *reconciliation.Service

	escrowTimer *escrow.Timer
	jobs        *jobs.Scheduler
	health      *health.Registry
	authMgr     *auth.Manager
	rateLimiter *ratelimit.Limiter

	router    *gin.Engine
	httpSrv   *http.Server
	closeOnce sync.Once
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported by the info endpoint
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithStore overrides the configured store (for testing)
func WithStore(store ledger.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithVerifier overrides the deposit verifier (for testing)
func WithVerifier(v chain.Verifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

// WithUploader overrides the proof uploader (for testing)
func WithUploader(u storage.Uploader) Option {
	return func(s *Server) {
		s.uploader = u
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set store/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.initStore(ctx); err != nil {
		return nil, err
	}
	if err := s.initRates(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.initNotifier(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.initAdapters(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.initServices(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.initAuth(); err != nil {
		s.Close()
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// initStore picks Postgres when DATABASE_URL is set, otherwise in-memory.
func (s *Server) initStore(ctx context.Context) error {
	if s.store != nil {
		s.logger.Info("using injected storage")
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.store = ledger.NewMemoryStore()
		s.logger.Warn("using in-memory storage (data will be lost on restart)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(s.cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.DBConnMaxLife)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return err
		}
		s.logger.Info("database migrations applied")
	}

	s.db = db
	s.store = ledger.NewPostgresStore(db).WithRetries(s.cfg.TxRetryAttempts)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) initRates() error {
	if s.cfg.RatesFile == "" {
		s.rates = tokens.NewTable(tokens.DefaultRates())
		return nil
	}
	r, err := tokens.LoadRates(s.cfg.RatesFile)
	if err != nil {
		return fmt.Errorf("load rates: %w", err)
	}
	s.rates = tokens.NewTable(r)
	s.logger.Info("exchange rates loaded", "file", s.cfg.RatesFile)
	return nil
}

// initNotifier fans every notification out to connected sockets and, when
// configured, a signed webhook. Delivery runs off the request path.
func (s *Server) initNotifier() error {
	s.hub = notify.NewHub(s.logger)
	sinks := notify.Multi{s.hub}

	if s.cfg.NotifyWebhookURL != "" {
		if err := security.ValidateOutboundURL(s.cfg.NotifyWebhookURL, !s.cfg.IsProduction()); err != nil {
			return fmt.Errorf("NOTIFY_WEBHOOK_URL: %w", err)
		}
		sinks = append(sinks, notify.NewWebhookSink(s.cfg.NotifyWebhookURL, s.cfg.NotifyWebhookSecret))
		s.logger.Info("webhook notifications enabled")
	}

	s.notifier = notify.NewAsync(sinks, s.cfg.NotifyTimeout, s.logger)
	return nil
}

// initAdapters builds the chain verifier and proof uploader.
func (s *Server) initAdapters(ctx context.Context) error {
	if s.verifier == nil {
		if s.cfg.ChainEnabled() {
			v, err := chain.NewEthVerifier(chain.Config{
				RPCURL:         s.cfg.RPCURL,
				TokenContract:  s.cfg.USDTContract,
				DepositAddress: s.cfg.DepositAddress,
				Confirmations:  s.cfg.Confirmations,
				Timeout:        s.cfg.ChainTimeout,
				Decimals:       6,
			}, chain.WithLogger(s.logger))
			if err != nil {
				return fmt.Errorf("chain verifier: %w", err)
			}
			s.verifier = v
			s.closers = append(s.closers, v.Close)
			s.logger.Info("on-chain deposit verification enabled", "confirmations", s.cfg.Confirmations)
		} else {
			s.verifier = chain.Static{}
			s.logger.Warn("deposit verification disabled (RPC_URL not set)")
		}
	}

	if s.uploader == nil {
		if s.cfg.S3Enabled() {
			u, err := storage.NewS3Uploader(ctx, storage.S3Config{
				Bucket:    s.cfg.S3Bucket,
				Region:    s.cfg.S3Region,
				Endpoint:  s.cfg.S3Endpoint,
				AccessKey: s.cfg.S3AccessKey,
				SecretKey: s.cfg.S3SecretKey,
				PublicURL: s.cfg.S3PublicURL,
			})
			if err != nil {
				return fmt.Errorf("proof storage: %w", err)
			}
			s.uploader = u
			s.logger.Info("proof uploads go to object storage", "bucket", s.cfg.S3Bucket)
		} else {
			s.uploader = storage.NewMemoryUploader("memory://proofs")
			s.logger.Warn("proof uploads kept in memory (S3_BUCKET not set)")
		}
	}
	return nil
}

func (s *Server) initServices(ctx context.Context) error {
	cfg := s.cfg

	s.ledger = ledger.New(s.store, s.rates).
		WithFees(cfg.TransferFeeRate, cfg.SwapFeeRate).
		WithPlatformUser(cfg.PlatformUserID).
		WithNotifier(s.notifier).
		WithLogger(s.logger)

	s.capacity = capacity.NewService(s.store, s.rates, s.verifier).
		WithMinDeposit(cfg.MinAgentDepositUSD).
		WithCommissionRate(cfg.AgentCommissionRate).
		WithNotifier(s.notifier).
		WithLogger(s.logger)

	s.escrow = escrow.NewService(s.store, s.capacity).
		WithTimeout(cfg.BurnTTL).
		WithNotifier(s.notifier).
		WithLogger(s.logger)

	s.exchange = exchange.NewService(s.store, s.capacity, s.escrow, s.uploader).
		WithLifetimes(exchange.Lifetimes{
			MintPending: cfg.MintPendingTTL,
			MintReview:  cfg.MintReviewTTL,
			Burn:        cfg.BurnTTL,
			FiatSent:    cfg.BurnFiatSentTTL,
		}).
		WithNotifier(s.notifier).
		WithLogger(s.logger)

	s.disputes = dispute.NewService(s.store, s.escrow, s.exchange, s.capacity).
		WithNotifier(s.notifier).
		WithLogger(s.logger)

	// Expired escrows open disputes instead of silently refunding.
	s.escrow.WithDisputeOpener(s.disputes)

	s.reconcile = reconciliation.NewService(s.store).WithLogger(s.logger)

	s.escrowTimer = escrow.NewTimer(s.escrow, cfg.EscrowSweepInterval, cfg.EscrowSweepBatch, s.logger)

	sched, err := jobs.New(ctx, jobs.Config{
		MintExpiryInterval: cfg.MintExpiryInterval,
		MintExpiryBatch:    cfg.EscrowSweepBatch,
		ReconcileInterval:  cfg.ReconcileInterval,
	}, s.exchange, s.reconcile, s.logger)
	if err != nil {
		return err
	}
	s.jobs = sched

	s.health = health.NewRegistry()
	s.health.Register("database", health.Store(s.store))
	s.health.Register("escrow_timer", health.Worker(s.escrowTimer.Running))
	return nil
}

// initAuth sets up token verification. Development without JWT_SECRET gets
// an ephemeral secret so the server still boots.
func (s *Server) initAuth() error {
	secret := s.cfg.JWTSecret
	if secret == "" {
		if s.cfg.IsProduction() {
			return errors.New("JWT_SECRET is required in production")
		}
		secret = generateRequestID() + generateRequestID()
		s.logger.Warn("JWT_SECRET not set, using an ephemeral secret (tokens will not survive restart)")
	}
	s.authMgr = auth.NewManager(secret, s.cfg.JWTIssuer)
	return nil
}

// syncUser mirrors a verified identity into the users table on first sight.
func (s *Server) syncUser(ctx context.Context, id auth.Identity) error {
	return s.ledger.SyncUser(ctx, ledger.User{
		ID:    id.UserID,
		Email: id.Email,
		Role:  ledger.Role(id.Role),
	})
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
	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))

	// CORS (no cross-origin access unless CORS_ORIGINS lists it)
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (proof uploads are the largest bodies)
	s.router.Use(security.BodyLimit(s.cfg.MaxBodyBytes))

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
		if requestID == "" || len(requestID) > 64 {
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
			logger.Debug("request completed",
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
	s.router.GET("/", s.infoHandler)
	s.router.GET("/health", health.Live)
	s.router.GET("/health/live", health.Live)
	s.router.GET("/health/ready", s.health.Ready())
	s.router.GET("/metrics", metrics.Handler())

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	if s.cfg.RateLimitBurst > 0 {
		rl.BurstSize = s.cfg.RateLimitBurst
	}
	s.rateLimiter = ratelimit.New(rl)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr, s.syncUser))
	v1.Use(s.rateLimiter.Middleware())

	// Browsers cannot set headers on a WebSocket handshake, so the
	// notification socket also accepts ?token=.
	v1.GET("/ws", s.websocketHandler)

	api := v1.Group("")
	api.Use(auth.RequireAuth())

	ledgerHandler := ledger.NewHandler(s.ledger)
	capacityHandler := capacity.NewHandler(s.capacity)
	escrowHandler := escrow.NewHandler(s.escrow)
	exchangeHandler := exchange.NewHandler(s.exchange)
	disputeHandler := dispute.NewHandler(s.disputes)

	ledgerHandler.RegisterRoutes(api)
	capacityHandler.RegisterRoutes(api)
	escrowHandler.RegisterRoutes(api)
	exchangeHandler.RegisterRoutes(api)
	disputeHandler.RegisterRoutes(api)

	admin := api.Group("/admin")
	admin.Use(auth.RequireAdmin())
	ledgerHandler.RegisterAdminRoutes(admin)
	capacityHandler.RegisterAdminRoutes(admin)
	escrowHandler.RegisterAdminRoutes(admin)
	exchangeHandler.RegisterAdminRoutes(admin)
	disputeHandler.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconcile).RegisterAdminRoutes(admin)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "fiatbridge",
		"version": s.version,
		"tokens":  tokens.All,
	})
}

func (s *Server) websocketHandler(c *gin.Context) {
	id, ok := auth.GetIdentity(c)
	if !ok {
		verified, err := s.authMgr.Verify(c.Query("token"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		id = verified
	}
	s.hub.Serve(c.Writer, c.Request, id.UserID)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves HTTP and runs the background workers until ctx is done or the
// listener fails, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		s.escrowTimer.Start(gctx)
		return nil
	})

	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second)
			return nil
		})
	}

	s.jobs.Start()

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("starting graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	s.Close()
	return err
}

// Close stops the workers and releases connections. It is safe to call more
// than once and on a server that never ran.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.escrowTimer != nil {
			s.escrowTimer.Stop()
		}
		if s.jobs != nil {
			if err := s.jobs.Shutdown(); err != nil {
				s.logger.Error("scheduler shutdown error", "error", err)
			}
		}
		if s.rateLimiter != nil {
			s.rateLimiter.Stop()
		}
		if s.notifier != nil {
			s.notifier.Wait()
		}
		for i := len(s.closers) - 1; i >= 0; i-- {
			s.closers[i]()
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
	})
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
