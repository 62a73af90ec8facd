package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/rueidis"
	"golang.org/x/sync/errgroup"

	"transfer-saga/internal/client"
	"transfer-saga/internal/config"
	"transfer-saga/internal/domain"
	"transfer-saga/internal/gateway"
	"transfer-saga/internal/handler"
	"transfer-saga/internal/messaging"
	"transfer-saga/internal/metrics"
	"transfer-saga/internal/otp"
	"transfer-saga/internal/repository"
	"transfer-saga/internal/resilience"
	"transfer-saga/internal/service"
)

const metricsNamespace = "transfer_saga"

// Server represents the HTTP server and its background workers.
type Server struct {
	router   *mux.Router
	server   *http.Server
	db       *sql.DB
	redis    rueidis.Client
	logger   *slog.Logger
	port     string
	outbox   *service.OutboxService
	recovery *service.RecoveryWorker
	cancel   context.CancelFunc
	workers  *errgroup.Group
}

type options struct {
	autoMigrate bool
	registry    *prometheus.Registry
	gateway     domain.PaymentGateway
	risk        domain.RiskAssessor
	identity    domain.IdentityVerifier
	notifier    domain.Notifier
}

// Option overrides part of the default wiring.
type Option func(*options)

// WithAutoMigrate applies pending migrations before serving.
func WithAutoMigrate() Option {
	return func(o *options) { o.autoMigrate = true }
}

func WithRegistry(registry *prometheus.Registry) Option {
	return func(o *options) { o.registry = registry }
}

// WithGateway replaces the configured payment gateway. It is still wrapped
// in the retrying breaker.
func WithGateway(g domain.PaymentGateway) Option {
	return func(o *options) { o.gateway = g }
}

func WithRiskAssessor(r domain.RiskAssessor) Option {
	return func(o *options) { o.risk = r }
}

func WithIdentityVerifier(v domain.IdentityVerifier) Option {
	return func(o *options) { o.identity = v }
}

func WithNotifier(n domain.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// OpenDatabase opens and pings the postgres pool.
func OpenDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDBConnectionString())
	if err != nil {
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := OpenDatabase(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("Successfully connected to database")

	if o.autoMigrate {
		if _, err := repository.Migrate(context.Background(), db, logger); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	registry := o.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	collector := metrics.NewPrometheusCollector(metricsNamespace)
	if err := collector.Register(registry); err != nil {
		db.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	s := &Server{db: db, logger: logger}

	// OTP records and events go to redis when configured, otherwise they
	// stay in process and events are only logged.
	var (
		otpStore  otp.KeyValueStore
		publisher interface {
			domain.EventPublisher
			domain.Notifier
		}
	)
	if cfg.RedisAddr != "" {
		s.redis, err = rueidis.NewClient(rueidis.ClientOption{
			InitAddress:  []string{cfg.RedisAddr},
			Password:     cfg.RedisPassword,
			DisableCache: true,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		otpStore = otp.NewRedisStore(s.redis, "otp:")
		publisher = messaging.NewStreamPublisher(s.redis, "events:", logger)
		logger.Info("Using redis for OTP and events", "addr", cfg.RedisAddr)
	} else {
		otpStore = otp.NewMemoryStore()
		publisher = messaging.NewLogPublisher(logger)
		logger.Warn("REDIS_ADDR not set, OTP records are kept in memory")
	}
	notifier := o.notifier
	if notifier == nil {
		notifier = publisher
	}

	risk := o.risk
	if risk == nil {
		if cfg.RiskEngineURL != "" {
			breaker := resilience.NewBreaker("risk", resilience.DefaultBreakerConfig(), collector, logger)
			risk = client.NewRiskClient(cfg.RiskEngineURL, cfg.ClientTimeout, breaker)
		} else {
			risk = client.NewThresholdAssessor()
		}
	}

	identity := o.identity
	if identity == nil {
		if cfg.IdentityServiceURL != "" {
			breaker := resilience.NewBreaker("identity", resilience.DefaultBreakerConfig(), collector, logger)
			identity = client.NewIdentityClient(cfg.IdentityServiceURL, cfg.ClientTimeout, breaker)
		} else {
			identity = client.NoIdentity{}
		}
	}

	payments := o.gateway
	if payments == nil {
		if cfg.StripeSecretKey != "" {
			payments = gateway.NewStripeGateway(cfg.StripeSecretKey, logger)
		} else {
			logger.Warn("STRIPE_SECRET_KEY not set, using sandbox gateway")
			payments = gateway.NewSandboxGateway(logger)
		}
	}
	payments = gateway.NewRetryingGateway(payments,
		resilience.NewBreaker("gateway", resilience.DefaultBreakerConfig(), collector, logger),
		gateway.RetryPolicy{
			MaxRetries:      uint64(cfg.GatewayMaxRetries),
			InitialInterval: cfg.GatewayInitialBackoff,
			MaxInterval:     cfg.GatewayMaxBackoff,
		}, collector, logger)

	// Initialize store (Unit of Work)
	store := repository.NewStore(db, logger)

	// Initialize services
	limits := service.NewLimitService(store, cfg.DefaultDailyLimit, cfg.DefaultMonthlyLimit, logger)
	s.outbox = service.NewOutboxService(store, publisher, collector, service.OutboxConfig{
		BatchSize:    cfg.OutboxBatchSize,
		MaxRetries:   cfg.OutboxMaxRetries,
		PollInterval: cfg.OutboxPollInterval,
	}, logger)
	transfers := service.NewTransferService(service.TransferDeps{
		Store:     store,
		Ledger:    service.NewLedgerService(logger),
		Limits:    limits,
		Router:    service.NewChallengeRouter(identity, cfg.SmartOTPTTL, collector, logger),
		Outbox:    s.outbox,
		Risk:      risk,
		Identity:  identity,
		OTP:       otp.NewService(otpStore, cfg.OTPMaxAttempts, cfg.OTPTTL, logger),
		Gateway:   payments,
		Notifier:  notifier,
		Collector: collector,
		Logger:    logger,
	}, service.TransferConfig{
		OTPTTL:            cfg.OTPTTL,
		OTPResendCooldown: cfg.OTPResendCooldown,
		SmartOTPTTL:       cfg.SmartOTPTTL,
	})
	accounts := service.NewAccountService(store, limits, logger)
	webhooks := service.NewWebhookService(store, transfers, s.outbox, collector,
		service.WebhookConfig{Secret: cfg.WebhookSecret}, logger)
	s.recovery = service.NewRecoveryWorker(transfers, service.RecoveryConfig{
		Interval:   cfg.RecoveryInterval,
		StaleAfter: cfg.RecoveryStaleAfter,
	}, logger)

	// Initialize handlers
	accountHandler := handler.NewAccountHandler(accounts, transfers)
	transactionHandler := handler.NewTransactionHandler(transfers)
	webhookHandler := handler.NewWebhookHandler(webhooks)

	// Setup router
	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger))

	// Account routes
	router.HandleFunc("/accounts", accountHandler.CreateAccount).Methods("POST")
	router.HandleFunc("/accounts/{account_id}", accountHandler.GetAccount).Methods("GET")
	router.HandleFunc("/accounts/{account_id}/lock", accountHandler.LockAccount).Methods("POST")
	router.HandleFunc("/accounts/{account_id}/unlock", accountHandler.UnlockAccount).Methods("POST")
	router.HandleFunc("/accounts/{account_id}/limits", accountHandler.GetLimits).Methods("GET")
	router.HandleFunc("/accounts/{account_number}/transactions", accountHandler.ListTransactions).Methods("GET")

	// Transaction routes
	router.HandleFunc("/transactions", transactionHandler.CreateTransfer).Methods("POST")
	router.HandleFunc("/transactions/transfers", transactionHandler.CreateTransfer).Methods("POST")
	router.HandleFunc("/transactions/{transaction_id}", transactionHandler.GetTransaction).Methods("GET")
	router.HandleFunc("/transactions/{transaction_id}/verify-otp", transactionHandler.VerifyOTP).Methods("POST")
	router.HandleFunc("/transactions/{transaction_id}/verify-device", transactionHandler.VerifyDevice).Methods("POST")
	router.HandleFunc("/transactions/{transaction_id}/verify-face", transactionHandler.VerifyFace).Methods("POST")
	router.HandleFunc("/transactions/{transaction_id}/resend-otp", transactionHandler.ResendOTP).Methods("POST")
	router.HandleFunc("/internal/transactions/{transaction_id}/face-verified", transactionHandler.FaceVerified).Methods("POST")
	router.HandleFunc("/admin/deposits", transactionHandler.AdminDeposit).Methods("POST")

	// Gateway callbacks
	router.HandleFunc("/webhooks/gateway", webhookHandler.GatewayEvent).Methods("POST")

	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/health", s.health).Methods("GET")

	s.router = router
	return s, nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.db.PingContext(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": "database unavailable"})
		return
	}
	if s.redis != nil {
		if err := s.redis.Do(r.Context(), s.redis.B().Ping().Build()).Error(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": "redis unavailable"})
			return
		}
	}

	json.NewEncoder(w).Encode(map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// loggingMiddleware adds request logging
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"duration", time.Since(start),
				"user_agent", r.UserAgent(),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start binds the listener, serves in the background and starts the outbox
// and recovery workers.
func (s *Server) Start(port string) (string, error) {
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return "", err
	}

	addr := listener.Addr().(*net.TCPAddr)
	s.port = strconv.Itoa(addr.Port)

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting server", "port", s.port)

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server failed to start", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.workers, ctx = errgroup.WithContext(ctx)
	s.workers.Go(func() error { return s.outbox.Run(ctx) })
	s.workers.Go(func() error { return s.recovery.Run(ctx) })

	return s.port, nil
}

// Stop drains HTTP, stops the workers and closes the connections.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	var shutdownErr error
	if s.server != nil {
		shutdownErr = s.server.Shutdown(ctx)
	}

	if s.cancel != nil {
		s.cancel()
		if err := s.workers.Wait(); err != nil {
			s.logger.Error("Worker exited with error", "error", err)
		}
	}

	if s.redis != nil {
		s.redis.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	return shutdownErr
}

// GetPort returns the port the server is listening on
func (s *Server) GetPort() string {
	return s.port
}

// GetBaseURL returns the base URL for the server
func (s *Server) GetBaseURL() string {
	return "http://localhost:" + s.port
}

// GetRouter returns the router for testing purposes
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// NewLogger builds the process logger. Port "0" means a test run and logs
// are discarded.
func NewLogger(cfg *config.Config) *slog.Logger {
	if cfg.ServerPort == "0" {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

// StartServer starts the server with the given configuration
func StartServer(cfg *config.Config, opts ...Option) (*Server, string, error) {
	server, err := NewServer(cfg, NewLogger(cfg), opts...)
	if err != nil {
		return nil, "", err
	}

	port, err := server.Start(cfg.ServerPort)
	if err != nil {
		server.Stop(context.Background())
		return nil, "", err
	}

	return server, port, nil
}
