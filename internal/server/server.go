// Package server provides the HTTP control surface for the hub: gateway
// control, health and recovery views, publisher metrics, recent logs and
// the websocket status stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/quantmesh/tickhub/internal/domain"
	"github.com/quantmesh/tickhub/internal/publisher"
	"github.com/quantmesh/tickhub/internal/pushhub"
	"github.com/quantmesh/tickhub/internal/validator"
)

// GatewayController is the supervisor surface the API uses.
type GatewayController interface {
	StartGateway(id string) error
	StopGateway(id string) error
	RestartGateway(id string) error
	StatusView() []domain.GatewayStatus
	ResubscribeCanaries() int
}

// HealthSource exposes the health monitor's records.
type HealthSource interface {
	Snapshot() map[string]domain.HealthRecord
}

// RecoveryController exposes recovery state and the manual reset.
type RecoveryController interface {
	Status() map[string]map[string]interface{}
	Reset(id string) error
}

// FailoverSource exposes failover records.
type FailoverSource interface {
	Records() map[string]map[string]interface{}
}

// PublisherSource exposes tick publisher metrics.
type PublisherSource interface {
	Metrics() publisher.Report
	Grade() publisher.Grade
}

// LogSource exposes the push hub's recent-logs ring.
type LogSource interface {
	RecentLogs(limit int) []pushhub.LogEntry
}

// AccountValidator runs a pre-flight credential check.
type AccountValidator interface {
	Validate(ctx context.Context, account domain.Account) (*validator.Result, error)
}

// Config holds server dependencies.
type Config struct {
	Log        zerolog.Logger
	Port       int
	DevMode    bool
	Supervisor GatewayController
	Health     HealthSource
	Recovery   RecoveryController
	Failover   FailoverSource
	Publisher  PublisherSource
	Logs       LogSource
	Validator  AccountValidator
	Accounts   domain.AccountStore
	WSHandler  http.HandlerFunc
}

// Server is the HTTP server.
type Server struct {
	router     *chi.Mux
	server     *http.Server
	log        zerolog.Logger
	port       int
	supervisor GatewayController
	health     HealthSource
	recovery   RecoveryController
	failover   FailoverSource
	publisher  PublisherSource
	logs       LogSource
	validator  AccountValidator
	accounts   domain.AccountStore
	wsHandler  http.HandlerFunc
	started    time.Time
}

// New creates the HTTP server and wires middleware and routes.
func New(cfg Config) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		log:        cfg.Log.With().Str("component", "http_server").Logger(),
		port:       cfg.Port,
		supervisor: cfg.Supervisor,
		health:     cfg.Health,
		recovery:   cfg.Recovery,
		failover:   cfg.Failover,
		publisher:  cfg.Publisher,
		logs:       cfg.Logs,
		validator:  cfg.Validator,
		accounts:   cfg.Accounts,
		wsHandler:  cfg.WSHandler,
		started:    time.Now(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.router,
	}
	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/gateways", s.handleGatewayList)
		r.Post("/gateways/canary/resubscribe", s.handleCanaryResubscribe)
		r.Post("/gateways/{id}/start", s.gatewayControl("start", s.supervisor.StartGateway))
		r.Post("/gateways/{id}/stop", s.gatewayControl("stop", s.supervisor.StopGateway))
		r.Post("/gateways/{id}/restart", s.gatewayControl("restart", s.supervisor.RestartGateway))

		r.Get("/health/gateways", s.handleHealthGateways)
		r.Get("/recovery/status", s.handleRecoveryStatus)
		r.Post("/recovery/{id}/reset", s.handleRecoveryReset)
		r.Get("/failover/status", s.handleFailoverStatus)
		r.Get("/publisher/metrics", s.handlePublisherMetrics)
		r.Get("/logs/recent", s.handleRecentLogs)
		r.Post("/accounts/validate", s.handleAccountValidate)
		r.Get("/system/status", s.handleSystemStatus)
	})

	if s.wsHandler != nil {
		s.router.Get("/ws/status", s.wsHandler)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start starts the HTTP server. Blocks until shutdown.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
