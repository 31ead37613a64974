// Package api assembles the HTTP surface: middleware stack, route
// tree, and the live event stream endpoint.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kilnworks/kiln/internal/api/handlers"
	"github.com/kilnworks/kiln/internal/api/middleware"
)

// NewRouter creates the HTTP router with all API routes. origins lists
// the allowed CORS origins; empty allows any.
func NewRouter(h *handlers.Handlers, auth *middleware.APIKeyAuth, origins []string) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Global middleware. Tenant runs before Logger so request lines
	// carry the resolved workspace.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Tenant)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Workspace-ID", "X-Trace-ID", "X-Span-ID"},
		ExposedHeaders:   []string{"X-Trace-ID", "X-Span-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(auth.Middleware)

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", h.GetVersion)

	// Live event stream
	r.Get("/ws", h.Stream)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.CreateAgent)
			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/", h.GetAgent)
				r.Put("/", h.UpdateAgent)
				r.Delete("/", h.DeleteAgent)
				r.Post("/run", h.RunAgent)

				r.Route("/files", func(r chi.Router) {
					r.Get("/", h.ListAgentFiles)
					r.Post("/", h.UploadAgentFile)
					r.Get("/{fileID}", h.GetAgentFile)
					r.Delete("/{fileID}", h.DeleteAgentFile)
				})
			})
		})

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", h.ListWorkflows)
			r.Post("/", h.CreateWorkflow)
			r.Route("/{workflowID}", func(r chi.Router) {
				r.Get("/", h.GetWorkflow)
				r.Put("/", h.UpdateWorkflow)
				r.Delete("/", h.DeleteWorkflow)
				r.Post("/run", h.RunWorkflow)
			})
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Get("/stats", h.RunStats)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", h.GetRun)
				r.Delete("/", h.DeleteRun)
				r.Post("/cancel", h.CancelRun)
			})
		})

		r.Route("/tools", func(r chi.Router) {
			r.Get("/", h.ListTools)

			r.Route("/custom", func(r chi.Router) {
				r.Get("/", h.ListCustomTools)
				r.Post("/", h.CreateCustomTool)
				r.Route("/{toolID}", func(r chi.Router) {
					r.Get("/", h.GetCustomTool)
					r.Put("/", h.UpdateCustomTool)
					r.Delete("/", h.DeleteCustomTool)
				})
			})

			r.Get("/{toolName}", h.GetTool)
		})

		r.Route("/mcp/servers", func(r chi.Router) {
			r.Get("/", h.ListMCPServers)
			r.Post("/", h.CreateMCPServer)
			r.Route("/{serverID}", func(r chi.Router) {
				r.Get("/", h.GetMCPServer)
				r.Put("/", h.UpdateMCPServer)
				r.Delete("/", h.DeleteMCPServer)
			})
		})
	})

	return r
}
