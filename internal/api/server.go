package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edvin/onboarding/internal/api/handler"
	mw "github.com/edvin/onboarding/internal/api/middleware"
	"github.com/edvin/onboarding/internal/config"
	"github.com/edvin/onboarding/internal/core"
	"github.com/edvin/onboarding/internal/engine"
)

type Server struct {
	router   chi.Router
	logger   zerolog.Logger
	services *core.Services
	engine   *engine.Engine
	objects  handler.ObjectGetter
	pool     *pgxpool.Pool
	cfg      *config.Config
}

func NewServer(logger zerolog.Logger, pool *pgxpool.Pool, services *core.Services, eng *engine.Engine, objects handler.ObjectGetter, cfg *config.Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		logger:   logger,
		services: services,
		engine:   eng,
		objects:  objects,
		pool:     pool,
		cfg:      cfg,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint
	s.router.Handle("/metrics", promhttp.Handler())

	// Health check endpoints
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Workflows
		workflow := handler.NewWorkflow(s.services.Workflow, s.services.Event, s.engine)
		r.Post("/workflows", workflow.Create)
		r.Get("/workflows", workflow.List)
		r.Get("/workflows/{id}", workflow.Get)
		r.Get("/workflows/{id}/events", workflow.Events)
		r.Post("/workflows/{id}/terminate", workflow.Terminate)
		r.Post("/workflows/{id}/resume", workflow.Resume)
		r.Post("/workflows/{id}/decisions", workflow.Deliver)
		r.Post("/workflows/{id}/documents", workflow.UploadDocument)

		// Documents
		document := handler.NewDocument(s.services.Document, s.objects)
		r.Get("/workflows/{id}/documents", document.ListByWorkflow)
		r.Get("/workflows/{id}/documents/{docID}", document.Download)

		// Notifications
		notification := handler.NewNotification(s.services.Notification)
		r.Get("/applicants/{id}/notifications", notification.ListByApplicant)
		r.Post("/notifications/{id}/read", notification.MarkRead)

		// Inbound callbacks from external services. Signed when a key is
		// configured.
		callback := handler.NewCallback(s.engine)
		r.Group(func(r chi.Router) {
			r.Use(mw.VerifyWebhookSignature(s.cfg.WebhookSigningKey))
			r.Post("/callbacks/quote", callback.Quote)
		})
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := s.pool.Ping(ctx); err != nil {
		checks["db"] = err.Error()
		healthy = false
	} else {
		checks["db"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(checks)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
