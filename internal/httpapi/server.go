// Package httpapi exposes the dotpaths engine over HTTP. Event endpoints
// follow the delivery contract of the notification platform: 2xx acknowledges,
// 4xx rejects without redelivery and 5xx asks for redelivery.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/dotpaths/internal/dotpaths"
	"github.com/agentworkforce/dotpaths/internal/logging"
	"github.com/agentworkforce/dotpaths/internal/metrics"
	"github.com/agentworkforce/dotpaths/internal/trigger"
)

const (
	correlationHeader = "X-Correlation-Id"

	cleanupFinishedBody = "Upload cleanup finished"
	cleanupForbidden    = `Security key does not match. Make sure your "key" URL query parameter matches the configured cleanup key.`
	internalErrorBody   = "Internal error"
)

type ServerConfig struct {
	MaxBodyBytes int64
	// UploadRateLimit bounds upload creations per client IP per window. Zero disables it.
	UploadRateLimit  int
	UploadRateWindow time.Duration
	// IgnoreChangeEvents acknowledges upload-written deliveries without
	// counting them, for deployments where the in-process feed counts.
	IgnoreChangeEvents bool
}

// Deps are the engine components the server drives. Store should be the
// observed store so upload writes reach the counter.
type Deps struct {
	Store      dotpaths.Store
	Codes      dotpaths.CodeResolver
	Verifier   *dotpaths.UploadVerifier
	Paths      *dotpaths.PathAggregator
	Counter    *dotpaths.CounterMaintainer
	Cleanup    *dotpaths.CleanupScheduler
	Dispatcher *trigger.Dispatcher
	Logger     *zerolog.Logger
	Now        func() time.Time
}

type Server struct {
	deps   Deps
	cfg    ServerConfig
	log    zerolog.Logger
	now    func() time.Time
	router chi.Router
}

func NewServer(deps Deps, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.UploadRateLimit < 0 {
		cfg.UploadRateLimit = 0
	}
	if cfg.UploadRateWindow <= 0 {
		cfg.UploadRateWindow = time.Minute
	}
	s := &Server{
		deps: deps,
		cfg:  cfg,
		log:  logging.Component("httpapi"),
		now:  deps.Now,
	}
	if deps.Logger != nil {
		s.log = *deps.Logger
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.correlation)
	r.Use(chimiddleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.instrument)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/cleanup", s.handleCleanup)
	r.Post("/cleanup", s.handleCleanup)

	r.Route("/v1", func(r chi.Router) {
		r.With(s.uploadRateLimit()).Post("/uploads", s.handleCreateUpload)
		r.Get("/uploads/{id}", s.handleGetUpload)

		r.Post("/events/object-finalized", s.handleObjectFinalized)
		r.Post("/events/upload-written", s.handleUploadWritten)

		r.Get("/dots/{dot}", s.handleGetDot)
		r.Get("/paths/latest", s.handleLatestChange)
		r.Get("/stats", s.handleStats)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireKey)
			r.Post("/purge/{collection}", s.handlePurge)
			r.Get("/dead-letters", s.handleDeadLetters)
		})
	})
	return r
}

// uploadRateLimit keys on the client IP that RealIP resolved.
func (s *Server) uploadRateLimit() func(http.Handler) http.Handler {
	if s.cfg.UploadRateLimit == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		s.cfg.UploadRateLimit,
		s.cfg.UploadRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
		}),
	)
}

func (s *Server) correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" {
			id = logging.NewCorrelationID()
			r.Header.Set(correlationHeader, id)
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithCorrelationID(r.Context(), id)))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logging.Ctx(r.Context(), s.log).Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
				writeError(w, http.StatusInternalServerError, "internal_error", internalErrorBody, getCorrelationID(r))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		metrics.RecordHTTP(route, status, elapsed)
		logging.Ctx(r.Context(), s.log).Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed).
			Msg("request served")
	})
}

// statusFor maps an engine error to the HTTP status used when no endpoint
// overrides it.
func statusFor(err error) (int, string) {
	switch dotpaths.KindOf(err) {
	case dotpaths.KindNotFound:
		return http.StatusNotFound, "not_found"
	case dotpaths.KindNotPending:
		return http.StatusConflict, "not_pending"
	case dotpaths.KindCodeNotFound:
		return http.StatusUnprocessableEntity, "code_not_found"
	case dotpaths.KindMissingCounterDocument:
		return http.StatusFailedDependency, "missing_counter_document"
	case dotpaths.KindAuthMismatch:
		return http.StatusForbidden, "forbidden"
	case dotpaths.KindBatchDelete:
		return http.StatusInternalServerError, "batch_delete"
	case dotpaths.KindInvalidInput:
		return http.StatusBadRequest, "bad_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		logging.Ctx(r.Context(), s.log).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		if code == "internal_error" {
			message = internalErrorBody
		}
	}
	writeError(w, status, code, message, getCorrelationID(r))
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get(correlationHeader)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, fmt.Errorf("out of range")
	}
	return parsed, nil
}
