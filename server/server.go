// Package server is the HTTP ingress for the leveling-guide pipeline: PDF
// upload, status polling, signed PDF download, and the rendered results view,
// plus admin login, health, and metrics. It validates at the boundary and
// enqueues work; all pipeline logic lives behind the task runner.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/levelingai/levelingai/apperr"
	"github.com/levelingai/levelingai/config"
	"github.com/levelingai/levelingai/metrics"
	"github.com/levelingai/levelingai/pipeline"
	"github.com/levelingai/levelingai/storage"
	"github.com/levelingai/levelingai/store"
)

// Blobs is the slice of the storage client the ingress needs.
type Blobs interface {
	Bucket() string
	UploadPDF(ctx context.Context, companyID uuid.UUID, filename, contentType string, data []byte) (storage.Object, error)
	SignedURL(ctx context.Context, obj storage.Object, expiresIn time.Duration) (string, error)
}

// Results renders the populated matrix for one guide.
type Results interface {
	GetResults(ctx context.Context, guideID uuid.UUID, promptVersion string) (*pipeline.Results, error)
}

// Pinger verifies LLM provider connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the ingress dependencies and the router.
type Server struct {
	store   store.Store
	blobs   Blobs
	queue   pipeline.Enqueuer
	results Results
	llm     Pinger
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics attaches Prometheus instruments and enables /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLLM attaches the provider ping used by /api/llm/health.
func WithLLM(p Pinger) Option {
	return func(s *Server) { s.llm = p }
}

// New creates a Server.
func New(st store.Store, blobs Blobs, queue pipeline.Enqueuer, results Results, cfg config.Config, opts ...Option) *Server {
	s := &Server{
		store:   st,
		blobs:   blobs,
		queue:   queue,
		results: results,
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))
	}

	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/api/guides", s.handleCreateGuide)
		r.Get("/api/guides/{guideID}/status", s.handleGuideStatus)
		r.Get("/api/guides/{guideID}/pdf", s.handleGuidePDF)
		r.Get("/api/guides/{guideID}/results", s.handleGuideResults)
		r.Get("/api/llm/health", s.handleLLMHealth)
	})

	return r
}

// ListenAndServe runs the HTTP server until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.App.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("HTTP server listening", "addr", s.cfg.App.ListenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLLMHealth(w http.ResponseWriter, r *http.Request) {
	if s.llm == nil {
		s.respondError(w, apperr.New(apperr.CodeConfig, "no LLM provider configured"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.LLM.Timeout())
	defer cancel()
	if err := s.llm.Ping(ctx); err != nil {
		s.logger.Warn("LLM health check failed", "error", err)
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"provider": s.cfg.LLM.Provider,
		"model":    s.cfg.LLM.GeminiModel,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// respondError maps application errors to their HTTP status; anything else is
// a 500 with a generic message so internals never leak to the caller.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	appErr := apperr.As(err)
	if appErr == nil {
		s.logger.Error("unhandled error", "error", err)
		appErr = apperr.New(apperr.CodeInternal, "internal error")
	}
	s.respondJSON(w, appErr.HTTPStatus(), map[string]any{
		"error": map[string]string{
			"code":    string(appErr.Code),
			"message": appErr.Message,
		},
	})
}
