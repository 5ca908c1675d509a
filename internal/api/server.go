package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/terra-clan/assessment-engine/internal/config"
	"github.com/terra-clan/assessment-engine/internal/health"
	"github.com/terra-clan/assessment-engine/internal/models"
	"github.com/terra-clan/assessment-engine/internal/submission"
)

// Server represents the HTTP API server
type Server struct {
	config         config.ServerConfig
	router         *chi.Mux
	manager        submission.Manager
	health         *health.Registry
	authMiddleware *AuthMiddleware
	candidateAuth  *CandidateAuth
	limiter        *RateLimiter
	tickInterval   time.Duration
}

// NewServer creates a new API server. limiter may be nil to disable rate limiting.
func NewServer(
	cfg config.ServerConfig,
	manager submission.Manager,
	clients ClientStore,
	registry *health.Registry,
	candidateAuth *CandidateAuth,
	limiter *RateLimiter,
) *Server {
	if registry == nil {
		registry = health.NewRegistry(0)
	}

	s := &Server{
		config:         cfg,
		manager:        manager,
		health:         registry,
		authMiddleware: NewAuthMiddleware(clients),
		candidateAuth:  candidateAuth,
		limiter:        limiter,
		tickInterval:   time.Second,
	}
	s.setupRouter()
	return s
}

// Router returns the configured router
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRouter configures all routes and middleware
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (outside versioned API - public)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		// Candidate routes, authenticated by bearer token
		r.Route("/submissions", func(r chi.Router) {
			r.Use(s.candidateAuth.Authenticate)
			if s.limiter != nil {
				r.Use(s.limiter.Middleware)
			}

			// The timer stream holds its connection open, so it skips the timeout
			r.Get("/{id}/timer", s.handleTimerWS)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(30 * time.Second))

				r.Post("/start", s.handleStart)
				r.Post("/finalize", s.handleFinalize)
				r.Get("/{id}", s.handleGetSubmission)
				r.Post("/{id}/heartbeat", s.handleHeartbeat)
				r.Post("/{id}/events", s.handleRecordEvents)
			})
		})

		// Admin routes, authenticated by API key
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.authMiddleware.Authenticate)
			r.Use(middleware.Timeout(60 * time.Second))

			r.Route("/submissions", func(r chi.Router) {
				r.Use(s.authMiddleware.RequirePermission(models.PermSubmissionsRead))
				r.Get("/", s.handleAdminListSubmissions)
				r.Get("/{id}", s.handleAdminGetSubmission)
			})

			r.Route("/assessments", func(r chi.Router) {
				r.Use(s.authMiddleware.RequirePermission(models.PermAssessmentsRead))
				r.Get("/", s.handleAdminListAssessments)
				r.Get("/{id}", s.handleAdminGetAssessment)
			})
		})
	})

	s.router = r
}

// loggingMiddleware logs HTTP requests using slog
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r)
	})
}
