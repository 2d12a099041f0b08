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

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/investigate"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. A nil gatherer serves the default
// Prometheus registry.
func NewServer(cfg domain.ServerConfig, svc *investigate.Service, bus domain.EventBus, gatherer prometheus.Gatherer, version string) *Server {
	handler := NewHandler(svc, bus, version)
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	router.Post("/bootstrap", handler.Bootstrap)
	router.Post("/normalize", handler.Normalize)
	router.Post("/score/relationships", handler.ScoreRelationships)
	router.Post("/behavior/profile", handler.BehaviorProfile)

	router.Get("/rules", handler.ListRules)
	router.Get("/rules/{id}", handler.GetRule)
	router.Post("/rules", handler.CreateRule)
	router.Post("/rules/reload", handler.ReloadRules)

	router.Route("/cases/{caseID}", func(r chi.Router) {
		r.Use(CaseMiddleware)

		r.Post("/records", handler.IngestRecords)
		r.Post("/build", handler.Build)
		r.Get("/identities", handler.Identities)

		r.Post("/score/pair", handler.ScorePair)
		r.Get("/hypotheses", handler.Hypotheses)
		r.Get("/runs", handler.Runs)
		r.Post("/behavior/analyze", handler.BehaviorAnalyze)

		r.Post("/mobility/timeline", handler.MobilityTimeline)
		r.Post("/places/safehouses", handler.SafeHouses)
		r.Get("/link-candidates", handler.LinkCandidates)
		r.Get("/suspicious-paths", handler.SuspiciousPaths)

		r.Get("/custody/{artifactID}/verify", handler.VerifyCustody)
		r.Post("/custody/{artifactID}/transfer", handler.TransferCustody)
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
