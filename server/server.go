// Package server exposes the de-identification pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hannes/yaak-deid/config"
	"github.com/hannes/yaak-deid/pipeline"
	"github.com/hannes/yaak-deid/store"
)

// Runner executes one de-identification run. *pipeline.Pipeline is the
// production implementation.
type Runner interface {
	Run(ctx context.Context, data []byte, cfg config.PipelineConfig) (*pipeline.Output, error)
}

// ModelHealth reports the state of the process-wide models.
type ModelHealth interface {
	IsHealthy() bool
	GetInfo() map[string]interface{}
}

// Server represents the HTTP server
type Server struct {
	config  *config.Config
	runner  Runner
	reports store.ReportStore
	models  ModelHealth
	limiter *rate.Limiter
	logger  zerolog.Logger
	handler http.Handler
}

// NewServer creates a new server instance. models may be nil.
func NewServer(cfg *config.Config, runner Runner, reports store.ReportStore, models ModelHealth, logger zerolog.Logger) *Server {
	s := &Server{
		config:  cfg,
		runner:  runner,
		reports: reports,
		models:  models,
		logger:  logger.With().Str("component", "server").Logger(),
	}
	if cfg.Server.RateLimit > 0 {
		burst := cfg.Server.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Server.RateLimit), burst)
	}
	s.handler = s.routes()
	return s
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)

	r.Get("/health", s.healthCheck)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Use(s.limitBody)
			r.Post("/redact", s.handleRedact)
			r.Post("/inspect", s.handleInspect)
		})
		r.Get("/categories", s.handleCategories)
		r.Get("/reports", s.handleListReports)
		r.Get("/reports/{id}", s.handleGetReport)
	})

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Server.Address,
		Handler:      s.handler,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	if s.config.Database.CleanupHours > 0 {
		go s.cleanupLoop(ctx, time.Duration(s.config.Database.CleanupHours)*time.Hour)
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		s.logger.Info().Msg("Shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			return fmt.Errorf("forced shutdown failed: %w", err)
		}
	}
	s.logger.Info().Msg("Server stopped")
	return nil
}

// cleanupLoop removes reports older than maxAge once an hour.
func (s *Server) cleanupLoop(ctx context.Context, maxAge time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		s.cleanupReports(ctx, maxAge)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) cleanupReports(ctx context.Context, maxAge time.Duration) {
	removed, err := s.reports.CleanupOldReports(ctx, maxAge)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("Failed to clean up old reports")
		}
		return
	}
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Dur("max_age", maxAge).Msg("Cleaned up old reports")
	}
}

// Close closes the report store
func (s *Server) Close() error {
	if s.reports != nil {
		return s.reports.Close()
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Msg("Request handled")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Server.MaxUploadBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxUploadBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// healthCheck reports service and model health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	resp := map[string]interface{}{
		"service": s.config.Logging.Service,
	}
	if s.models != nil {
		resp["models"] = s.models.GetInfo()
		if !s.models.IsHealthy() {
			status = "degraded"
		}
	}
	resp["status"] = status
	s.writeJSON(w, http.StatusOK, resp)
}
