// Package httpapi exposes the REST surface: workflow reads, reviewer
// decisions, preference administration, webhook ingress, the realtime
// socket, and the operational endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pullsmith/pullsmith/apperr"
	"github.com/pullsmith/pullsmith/engine"
	"github.com/pullsmith/pullsmith/metrics"
	"github.com/pullsmith/pullsmith/predict"
	"github.com/pullsmith/pullsmith/prefs"
	"github.com/pullsmith/pullsmith/storage"
)

// maxBodyBytes limits request bodies; the API only takes small JSON.
const maxBodyBytes = 1 << 20

// Deps are the wired components the API fronts. Webhooks and Realtime
// are optional; their routes are omitted when nil.
type Deps struct {
	Store     *storage.Store
	Engine    *engine.Engine
	Predictor *predict.Predictor
	Prefs     *prefs.Store
	Webhooks  http.Handler
	Realtime  http.Handler
	NC        *nats.Conn
	Logger    *slog.Logger
}

// Server routes API requests to the wired components.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// New builds the API server.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		deps:   deps,
		logger: logger.With(slog.String("component", "httpapi")),
	}
}

// Handler builds the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /workflows/{id}", s.handleWorkflow)
	mux.HandleFunc("GET /workflows/{id}/predictions", s.handlePredictions)
	mux.HandleFunc("POST /decisions", s.handleDecision)
	mux.HandleFunc("GET /repositories/{owner}/{name}/preferences", s.handlePreferences)
	mux.HandleFunc("PATCH /repositories/{owner}/{name}/preferences", s.handlePatchPreferences)
	if s.deps.Webhooks != nil {
		mux.Handle("POST /api/webhooks/{provider}", s.deps.Webhooks)
	}
	if s.deps.Realtime != nil {
		mux.Handle("GET /ws", s.deps.Realtime)
	}
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return s.instrument(mux)
}

type ctxKey int

const requestIDKey ctxKey = iota

// requestID returns the correlation id stamped by the middleware.
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

// instrument stamps a request id, recovers panics into the error
// envelope, and records the access log and metrics. The WebSocket route
// bypasses the recorder; gorilla needs the raw hijackable writer.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, id))

		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("Handler panic",
					slog.Any("panic", v),
					slog.String("path", r.URL.Path),
					slog.String("request_id", id))
				if !rec.wrote {
					writeJSON(s.logger, rec, http.StatusInternalServerError, errorBody{
						Code:      string(apperr.KindInternal),
						Message:   "internal error",
						RequestID: id,
					})
				}
			}
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
			s.logger.Info("HTTP request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", id))
		}()
		next.ServeHTTP(rec, r)
	})
}

// errorBody is the envelope every failed request returns.
type errorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"requestId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func writeJSON(logger *slog.Logger, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Failed to write JSON response", slog.String("error", err.Error()))
	}
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	writeJSON(s.logger, w, status, data)
}

// classify maps an error to its API kind. Storage sentinels translate
// here so handlers can pass errors through untouched.
func classify(err error) *apperr.Error {
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		return ae
	case errors.Is(err, storage.ErrNotFound):
		return apperr.Wrap(apperr.KindNotFound, "not found", err)
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrRevision):
		return apperr.Wrap(apperr.KindConflict, "conflicting update", err)
	default:
		return apperr.Wrap(apperr.KindInternal, "internal error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := classify(err)
	id := requestID(r.Context())
	status := ae.Kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", id),
			slog.String("error", err.Error()))
	}
	s.respond(w, status, errorBody{
		Code:      string(ae.Kind),
		Message:   ae.Message,
		RequestID: id,
		Details:   ae.Details,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.NC == nil || !s.deps.NC.IsConnected() {
		s.respond(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "bus": "disconnected"})
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
