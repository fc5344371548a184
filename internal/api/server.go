package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/crowdguard/internal/alert"
	"github.com/opensource-finance/crowdguard/internal/domain"
	"github.com/opensource-finance/crowdguard/internal/otp"
	"github.com/opensource-finance/crowdguard/internal/protection"
	"github.com/opensource-finance/crowdguard/internal/push"
	"github.com/opensource-finance/crowdguard/internal/report"
	"github.com/opensource-finance/crowdguard/internal/risk"
	"github.com/opensource-finance/crowdguard/internal/rules"
)

// Deps are the components the API serves.
type Deps struct {
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Reports  *report.Service
	Engine   *risk.Engine
	Weigher  *rules.ExpressionWeigher // optional
	Registry *protection.Registry
	Pipeline *alert.Pipeline
	OTP      *otp.Manager
	Hub      *push.Hub
	Codes    CodeSender
	Gatherer prometheus.Gatherer // optional, serves /metrics

	RateLimit   domain.RateLimitConfig
	AsyncIngest bool
	Heartbeat   time.Duration // SSE keepalive
	Clock       domain.Clock
	Version     string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)    // CORS for browser clients
	router.Use(RecoverMiddleware) // Recover from panics
	router.Use(TracingMiddleware) // OpenTelemetry tracing
	router.Use(LoggingMiddleware) // Request logging
	router.Use(middleware.RealIP) // Extract real IP

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if deps.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Realtime stream, uncompressed
	router.Get("/users/{userID}/alerts/stream", handler.StreamAlerts)

	router.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5)) // Gzip compression

		// Risk checks (public, rate limited per client)
		r.Group(func(r chi.Router) {
			r.Use(RateLimitMiddleware(deps.Cache, "check_risk", deps.RateLimit.CheckRiskPerMinute))
			r.Post("/check-risk", handler.CheckRisk)
			r.Get("/check-risk/{entity}", handler.CheckRiskPath)
		})

		// Fraud reports
		r.Post("/reports", handler.CreateReport)
		r.Get("/reports/{id}", handler.GetReport)
		r.Delete("/reports/{id}", handler.DeactivateReport)
		r.Get("/stats/overview", handler.Stats)

		// Weighting policy
		r.Get("/risk/expression", handler.GetExpression)
		r.Put("/risk/expression", handler.ReloadExpression)

		// Password reset codes
		r.Post("/auth/reset-code", handler.SendResetCode)
		r.Post("/auth/reset-code/verify", handler.VerifyResetCode)

		// Contact attempts
		r.Post("/contact-attempts", handler.ContactAttempt)

		// Users
		r.Post("/users", handler.CreateUser)
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/", handler.GetUser)

			r.Get("/protection", handler.ListProtection)
			r.Get("/protection/{channel}", handler.GetProtection)
			r.Put("/protection/{channel}", handler.PutProtection)
			r.Delete("/protection/{channel}", handler.DisableProtection)
			r.Post("/protection/{channel}/otp", handler.SendChannelCode)
			r.Post("/protection/{channel}/verify", handler.VerifyChannelCode)

			r.Get("/alerts", handler.ListAlerts)
			r.Post("/alerts/{alertID}/ack", handler.AcknowledgeAlert)

			r.Get("/marks", handler.ListMarks)
			r.Post("/marks/{kind}", handler.MarkEntity)

			r.Get("/activity", handler.ListActivity)
		})
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
