// Package server exposes the checkpoint engine and the study pipeline
// over HTTP: JSON in, JSON out, chi for routing.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/finrisklabs/finrisk/internal/checkpoint"
	"github.com/finrisklabs/finrisk/internal/study"
)

// Server routes HTTP traffic to the checkpoint engine and study service.
type Server struct {
	engine  *checkpoint.Engine
	study   *study.Service
	log     *zap.Logger
	metrics http.Handler
	origins []string
	router  chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and error logger. Nil means no logging.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetricsHandler mounts the handler on GET /metrics. Nil leaves the
// route unmounted.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithAllowedOrigins sets the CORS allow-list. Default: all origins.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

// New assembles the router over the given engine and study service.
func New(engine *checkpoint.Engine, studySvc *study.Service, opts ...Option) *Server {
	s := &Server{
		engine:  engine,
		study:   studySvc,
		log:     zap.NewNop(),
		origins: []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the assembled router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/checkpoints", func(r chi.Router) {
			r.Get("/field-types", s.handleFieldTypes)
			r.Route("/definitions", func(r chi.Router) {
				r.Get("/", s.handleListDefinitions)
				r.Post("/", s.handleCreateDefinition)
				r.Route("/{definitionID}", func(r chi.Router) {
					r.Get("/", s.handleGetDefinition)
					r.Put("/", s.handleUpdateDefinition)
					r.Delete("/", s.handleDeleteDefinition)
					r.Post("/toggle", s.handleToggleDefinition)
				})
			})
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/start", s.handleStartSession)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Post("/next-phase", s.handleNextPhase)
				r.Post("/complete", s.handleCompleteSession)
			})
		})

		r.Route("/tasks/{taskID}", func(r chi.Router) {
			r.Post("/query", s.handleRunQuery)
			r.Post("/select-nodes", s.handleSelectNodes)
			r.Post("/generate", s.handleGenerate)
			r.Post("/edit-summary", s.handleEditSummary)
			r.Post("/complete", s.handleCompleteTask)

			r.Route("/checkpoints", func(r chi.Router) {
				r.Get("/", s.handleResolveCheckpoints)
				r.Route("/{instanceID}", func(r chi.Router) {
					r.Get("/", s.handleGetInstance)
					r.Post("/submit", s.handleSubmitCheckpoint)
					r.Post("/skip", s.handleSkipCheckpoint)
					r.Post("/retry", s.handleRetryCheckpoint)
					r.Post("/timeout", s.handleTimeoutCheckpoint)
				})
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFieldTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, checkpoint.FieldTypes())
}
