// Package mcpserver exposes the onboarding workflow surface as MCP tools so
// operations agents can inspect and unblock workflows.
package mcpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/edvin/onboarding/internal/core"
	"github.com/edvin/onboarding/internal/engine"
)

// Server hosts the MCP tool endpoint over streamable HTTP.
type Server struct {
	router chi.Router
	logger zerolog.Logger
}

// New builds the MCP server on top of the core services and the engine's
// gatekeeper surface.
func New(logger zerolog.Logger, services *core.Services, eng *engine.Engine) *Server {
	tools := buildTools(services, eng)

	mcpSrv := server.NewMCPServer(
		"onboarding",
		"1.0.0",
		server.WithInstructions("Applicant onboarding workflow operations: inspect workflows and their audit logs, deliver human decisions, resume escalated workflows, and execute the kill switch."),
	)
	mcpSrv.AddTools(tools...)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	router.Mount("/mcp", server.NewStreamableHTTPServer(mcpSrv,
		server.WithEndpointPath("/"),
	))

	logger.Info().Int("tools", len(tools)).Msg("mounted MCP endpoint at /mcp")

	return &Server{
		router: router,
		logger: logger,
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
