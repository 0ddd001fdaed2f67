package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Nzyazin/ledger/internal/core/broadcast"
	"github.com/Nzyazin/ledger/internal/core/handler"
	"github.com/Nzyazin/ledger/internal/core/logger"
	"github.com/Nzyazin/ledger/internal/core/metrics"
	middlWre "github.com/Nzyazin/ledger/internal/core/middleware"
	"github.com/Nzyazin/ledger/internal/core/notify"
	"github.com/Nzyazin/ledger/internal/core/repository"
	"github.com/Nzyazin/ledger/internal/core/repository/memory"
	"github.com/Nzyazin/ledger/internal/core/repository/postgres"
	"github.com/Nzyazin/ledger/internal/core/usecase"
	"github.com/Nzyazin/ledger/pkg/config"
	"github.com/Nzyazin/ledger/pkg/postgresdb"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpmetrics "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"
)

type Server struct {
	cfg        *config.Config
	router     *mux.Router
	log        logger.Logger
	httpServer *http.Server

	db         *postgresdb.Database
	rdb        *redis.Client
	hub        *broadcast.Hub
	dispatcher *notify.Dispatcher
	stopRelay  context.CancelFunc
	relayDone  chan struct{}
}

type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) PingContext(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

func NewServer(cfg *config.Config, log logger.Logger) (*Server, error) {
	server := &Server{
		cfg:    cfg,
		log:    log,
		router: mux.NewRouter(),
	}
	checks := map[string]handler.Pinger{}

	store, err := server.openStore(checks)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ledgerMetrics := metrics.NewLedger(reg)

	server.hub = broadcast.NewHub(cfg.Events.Buffer, ledgerMetrics, log)
	var events usecase.EventPublisher = server.hub
	if cfg.Redis.Addr != "" {
		publisher, err := server.startRelay(checks)
		if err != nil {
			server.closeStorage()
			return nil, err
		}
		events = publisher
	}

	var sender notify.Sender = notify.NewLogSender(log)
	if cfg.Notify.WebhookURL != "" {
		sender = notify.NewWebhookSender(cfg.Notify.WebhookURL, &http.Client{Timeout: cfg.Notify.Timeout})
	}
	server.dispatcher = notify.NewDispatcher(sender, cfg.Notify.QueueSize, cfg.Notify.Timeout, ledgerMetrics, log)
	server.dispatcher.Start(cfg.Notify.Workers)

	accounts := usecase.NewAccountResolver(store, log)
	engine := usecase.NewBalanceEngine(store, events, server.dispatcher, ledgerMetrics, log)
	withdrawals := usecase.NewWithdrawalWorkflow(store, engine, log)
	commissions := usecase.NewCommissionLedger(store, accounts, engine, log)
	checkout := usecase.NewCheckout(accounts, engine, commissions, cfg.Ledger.TreasuryUserID, log)

	auth := middlWre.NewAuthenticator(cfg.Auth.JWTSecret, log)
	mw := middleware.New(middleware.Config{
		Recorder: httpmetrics.NewRecorder(httpmetrics.Config{Registry: reg}),
	})

	server.RegisterRoutes(routes{
		auth:    auth,
		metrics: mw,
		promReg: reg,
		health:  handler.NewHealthHandler(checks),
		wallet:  handler.NewWalletHandler(accounts, engine, withdrawals, checkout, engine.Currency(), log),
		admin:   handler.NewAdminHandler(accounts, engine, withdrawals, log),
		agent:   handler.NewAgentHandler(accounts, engine, checkout, commissions, cfg.Ledger.CommissionRate, log),
	})

	return server, nil
}

func (s *Server) openStore(checks map[string]handler.Pinger) (repository.Store, error) {
	if s.cfg.Ledger.Store == "memory" {
		s.log.Warn("Using in-memory ledger store, balances are lost on restart")
		return memory.NewStore(memory.WithLockTimeout(s.cfg.Ledger.LockTimeout)), nil
	}

	db, err := postgresdb.NewPostgresDB(s.cfg.DB, s.log)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := postgresdb.Migrate(ctx, db.DB, s.log); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.db = db
	checks["postgres"] = db
	return postgres.NewStore(db.DB, s.cfg.Ledger.LockTimeout, s.log), nil
}

// startRelay connects to Redis and starts feeding events from every instance
// into the local hub.
func (s *Server) startRelay(checks map[string]handler.Pinger) (*broadcast.RedisPublisher, error) {
	s.rdb = redis.NewClient(&redis.Options{
		Addr:     s.cfg.Redis.Addr,
		Password: s.cfg.Redis.Password,
		DB:       s.cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	checks["redis"] = redisPinger{rdb: s.rdb}

	relay := broadcast.NewRedisRelay(s.rdb, s.cfg.Redis.Channel, s.hub, s.log)
	relayCtx, stop := context.WithCancel(context.Background())
	s.stopRelay = stop
	s.relayDone = make(chan struct{})
	go func() {
		defer close(s.relayDone)
		if err := relay.Run(relayCtx); err != nil {
			s.log.Error("Event relay stopped", logger.ErrorField("error", err))
		}
	}()

	return broadcast.NewRedisPublisher(s.rdb, s.cfg.Redis.Channel, s.hub, s.log), nil
}

type routes struct {
	auth    *middlWre.Authenticator
	metrics middleware.Middleware
	promReg *prometheus.Registry
	health  *handler.HealthHandler
	wallet  *handler.WalletHandler
	admin   *handler.AdminHandler
	agent   *handler.AgentHandler
}

func (s *Server) RegisterRoutes(h routes) {
	s.router.Use(
		middlWre.RequestID,
		middlWre.Recovery(s.log),
	)
	s.router.Handle("/metrics", promhttp.HandlerFor(h.promReg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.Handle("/healthz", h.health).Methods(http.MethodGet)

	// Long-lived streams stay out of the request metrics and error handler.
	stream := s.router.PathPrefix("/api/v1/stream").Subrouter()
	stream.Use(h.auth.Middleware)
	stream.HandleFunc("/events", broadcast.SSEHandler(s.hub, middlWre.UserID, s.log)).Methods(http.MethodGet)
	stream.HandleFunc("/ws", broadcast.WebSocketHandler(s.hub, middlWre.UserID, s.cfg.HTTP.AllowedOrigins, s.log)).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(
		loggingMiddleware(s.log),
		metricsMiddleware(h.metrics),
		middlWre.WithErrorHandler(s.log),
		h.auth.Middleware,
	)
	h.wallet.RegisterRoutes(api)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(middlWre.RequireRole(middlWre.RoleAdmin))
	h.admin.RegisterRoutes(admin)

	agent := api.PathPrefix("/agent").Subrouter()
	agent.Use(middlWre.RequireRole(middlWre.RoleAgent))
	h.agent.RegisterRoutes(agent)
}

func (s *Server) Addr() string { return s.cfg.HTTP.Addr }

func (s *Server) newHTTPServer(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTP.ReadTimeout,
		WriteTimeout:      s.cfg.HTTP.WriteTimeout,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Stream handlers return once the hub closes their subscriptions.
	srv.RegisterOnShutdown(s.hub.Close)
	s.httpServer = srv
	return srv
}

func (s *Server) Run(addr string) error {
	return s.newHTTPServer(addr).ListenAndServe()
}

func (s *Server) RunTLS(addr, certFile, keyFile string) error {
	srv := s.newHTTPServer(addr)
	srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	return srv.ListenAndServeTLS(certFile, keyFile)
}

// Start serves plain HTTP or TLS depending on configuration.
func (s *Server) Start() error {
	if s.cfg.HTTP.TLSCertFile != "" {
		return s.RunTLS(s.cfg.HTTP.Addr, s.cfg.HTTP.TLSCertFile, s.cfg.HTTP.TLSKeyFile)
	}
	return s.Run(s.cfg.HTTP.Addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	var shutdownErr error

	go func() {
		defer close(done)

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.log.Error("failed to shutdown HTTP server", logger.ErrorField("error", err))
				shutdownErr = errors.Join(shutdownErr, fmt.Errorf("HTTP server shutdown error: %w", err))
			}
		}
		s.hub.Close()

		if s.stopRelay != nil {
			s.stopRelay()
			<-s.relayDone
		}
		s.dispatcher.Shutdown()

		if err := s.closeStorage(); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
	}()

	select {
	case <-done:
		return shutdownErr
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func (s *Server) closeStorage() error {
	var errs []error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.log.Error("failed to close redis connection", logger.ErrorField("error", err))
			errs = append(errs, fmt.Errorf("redis shutdown error: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Error("failed to close database connection", logger.ErrorField("error", err))
			errs = append(errs, fmt.Errorf("database shutdown error: %w", err))
		}
	}
	return errors.Join(errs...)
}

func loggingMiddleware(log logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Info("HTTP request",
				logger.StringField("method", r.Method),
				logger.StringField("path", r.URL.Path),
				logger.StringField("remote_addr", r.RemoteAddr),
				logger.StringField("request_id", middlWre.GetRequestID(r.Context())),
			)
			next.ServeHTTP(w, r)
		})
	}
}

// metricsMiddleware labels requests by route template so ids in the path do
// not create a series each.
func metricsMiddleware(mw middleware.Middleware) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					id = tpl
				}
			}
			std.Handler(id, mw, next).ServeHTTP(w, r)
		})
	}
}
