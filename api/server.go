// Package api provides the HTTP API server for QuoteGenius.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"quotegenius/db/postgres"
	"quotegenius/decision/coordinator"
	"quotegenius/decision/knowledge"
	qapi "quotegenius/pkg/api"
	qerrors "quotegenius/pkg/errors"
	"quotegenius/pkg/platform"
)

// Version is reported by the health endpoint.
var Version = "0.1.0"

// QuoteGenerator runs the quote pipeline and re-prices stored quotes.
type QuoteGenerator interface {
	GenerateQuote(ctx context.Context, req qapi.Request) (*coordinator.Result, error)
	Reoptimize(ctx context.Context, quoteID string) (*coordinator.Reoptimization, error)
}

// QuoteStore serves persisted quotes. Satisfied by *postgres.Store.
type QuoteStore interface {
	Ping(ctx context.Context) error
	GetQuote(ctx context.Context, quoteID string) (*postgres.StoredQuote, error)
	CustomerQuotes(ctx context.Context, customerID string, limit int) ([]postgres.QuoteSummary, error)
	RecordFeedback(ctx context.Context, fb qapi.Feedback) error
	Analytics(ctx context.Context) (*postgres.Analytics, error)
}

// Server is the HTTP API server
type Server struct {
	httpServer *http.Server
	generator  QuoteGenerator
	rules      *knowledge.Base
	store      QuoteStore
	config     *Config
	logger     zerolog.Logger
	startTime  time.Time
}

// Config holds server configuration
type Config struct {
	Port           int
	APIKey         string
	RateLimit      float64
	RateBurst      int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxRequestSize int64
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:           8080,
		RateLimit:      20,
		RateBurst:      40,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		RequestTimeout: 60 * time.Second,
		MaxRequestSize: 1 << 20,
	}
}

// NewServer creates a new API server. store may be nil, in which case the
// persistence endpoints answer 503.
func NewServer(generator QuoteGenerator, rules *knowledge.Base, store QuoteStore, config *Config, logger zerolog.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{
		generator: generator,
		rules:     rules,
		store:     store,
		config:    config,
		logger:    platform.Component(logger, "api"),
		startTime: time.Now(),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	if s.config.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.config.RequestTimeout))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(platform.APIKeyMiddleware(s.config.APIKey))
		if s.config.RateLimit > 0 {
			r.Use(rateLimitMiddleware(rate.NewLimiter(rate.Limit(s.config.RateLimit), max(s.config.RateBurst, 1))))
		}

		r.Post("/quotes", s.handleCreateQuote)
		r.Get("/quotes/{id}", s.handleGetQuote)
		r.Post("/quotes/{id}/feedback", s.handleFeedback)
		r.Post("/quotes/{id}/optimize", s.handleReoptimize)
		r.Get("/customers/{id}/quotes", s.handleCustomerQuotes)
		r.Get("/rules", s.handleRules)
		r.Get("/analytics", s.handleAnalytics)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info().Int("port", s.config.Port).Str("version", Version).Msg("Starting QuoteGenius API server")
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		s.logger.Info().Msg("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// HEALTH ENDPOINTS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{
		"status":  "healthy",
		"service": "quotegenius",
		"version": Version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.rules != nil {
		body["rule_set_version"] = s.rules.Snapshot().Version
	}
	jsonResponse(w, http.StatusOK, body)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			jsonError(w, http.StatusServiceUnavailable, "database not ready")
			return
		}
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ready"})
}

// =============================================================================
// QUOTE ENDPOINTS
// =============================================================================

func (s *Server) handleCreateQuote(w http.ResponseWriter, r *http.Request) {
	var req qapi.Request
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.generator.GenerateQuote(r.Context(), req)
	if err != nil {
		if result == nil {
			jsonError(w, http.StatusInternalServerError, err.Error())
			return
		}
		jsonResponse(w, statusForFailure(err), result)
		return
	}
	jsonResponse(w, http.StatusCreated, result)
}

// statusForFailure maps a pipeline error code to an HTTP status.
func statusForFailure(err error) int {
	switch qerrors.CodeOf(err) {
	case qerrors.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case qerrors.ErrCodeInsufficientData:
		return http.StatusUnprocessableEntity
	case qerrors.ErrCodeStageTimeout:
		return http.StatusGatewayTimeout
	case qerrors.ErrCodeCancelled, qerrors.ErrCodeRetrievalUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	stored, err := s.store.GetQuote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, stored)
}

func (s *Server) handleReoptimize(w http.ResponseWriter, r *http.Request) {
	out, err := s.generator.Reoptimize(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		jsonResponse(w, http.StatusOK, out)
	case errors.Is(err, coordinator.ErrNoQuoteSource):
		jsonError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, postgres.ErrNotFound):
		jsonError(w, http.StatusNotFound, "quote not found")
	case qerrors.CodeOf(err) != "":
		jsonError(w, statusForFailure(err), err.Error())
	default:
		s.logger.Error().Err(err).Msg("Re-optimization failed")
		jsonError(w, http.StatusInternalServerError, "re-optimization failed")
	}
}

type feedbackBody struct {
	Accepted *bool  `json:"accepted"`
	Feedback string `json:"feedback"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var body feedbackBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.Accepted == nil {
		jsonError(w, http.StatusBadRequest, "accepted is required")
		return
	}

	fb := qapi.Feedback{QuoteID: chi.URLParam(r, "id"), Accepted: *body.Accepted, Text: body.Feedback}
	if err := s.store.RecordFeedback(r.Context(), fb); err != nil {
		s.storeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{
		"quote_id": fb.QuoteID,
		"status":   postgres.StatusFor(fb.Accepted),
	})
}

func (s *Server) handleCustomerQuotes(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			jsonError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	quotes, err := s.store.CustomerQuotes(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if quotes == nil {
		quotes = []postgres.QuoteSummary{}
	}
	jsonResponse(w, http.StatusOK, quotes)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, s.rules.ApplicableRules(r.URL.Query().Get("customer_id")))
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	analytics, err := s.store.Analytics(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, analytics)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if s.config.MaxRequestSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		jsonError(w, http.StatusServiceUnavailable, "quote storage not configured")
		return false
	}
	return true
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, postgres.ErrNotFound) {
		jsonError(w, http.StatusNotFound, "quote not found")
		return
	}
	s.logger.Error().Err(err).Msg("Store request failed")
	jsonError(w, http.StatusInternalServerError, "storage error")
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
