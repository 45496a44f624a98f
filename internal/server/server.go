// Package server implements the HTTP transport layer for the Relay gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/app"
	"github.com/modelrelay/relay/internal/circuitbreaker"
	"github.com/modelrelay/relay/internal/storage"
	"github.com/modelrelay/relay/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Authenticator validates request credentials and resolves the calling user.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*gateway.User, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           Authenticator
	Chat           *app.ChatService
	Catalog        *app.CatalogService
	Users          *app.UserManager
	Activity       storage.ActivityStore    // nil = activity listing disabled
	Breakers       *circuitbreaker.Registry // nil = no breaker states in /health
	Metrics        *telemetry.Metrics       // nil = no request metrics
	MetricsHandler http.Handler             // nil = /metrics not mounted
	AdminKey       string                   // empty = admin endpoints disabled
	Ready          ReadyChecker             // nil = always ready
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/ping", s.handlePing)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Client-facing API (auth required) -- OpenAI-compatible surface
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post(app.EndpointChat, s.handleChat(app.EndpointChat))
		r.Post(app.EndpointResponses, s.handleChat(app.EndpointResponses))
		r.Get("/v1/models", s.handleListModels)
		r.Get("/catalog/model/{gateway}/*", s.handleCatalogModel)
	})

	// Admin API (separate key)
	if deps.AdminKey != "" {
		s.mountAdminRoutes(r)
	}

	return r
}

type server struct {
	deps Deps
}
