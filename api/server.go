// Package api exposes the rate limiter over HTTP: a stats query endpoint, a
// check/reset command endpoint, the Guard middleware for other handlers,
// and the operational endpoints (/healthz, /readyz, /metrics).
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/toolink/throttle/health"
	"github.com/toolink/throttle/limiter"
)

// maxBodyBytes bounds command request bodies.
const maxBodyBytes = 64 << 10

// timeRanges are the look-backs accepted by the stats endpoint.
var timeRanges = map[string]int{
	"1h":  1,
	"24h": 24,
	"7d":  7 * 24,
}

const defaultTimeRange = "24h"

// ParseTimeRange converts 1h, 24h or 7d into hours. An empty string means
// 24h.
func ParseTimeRange(s string) (int, error) {
	if s == "" {
		s = defaultTimeRange
	}
	hours, ok := timeRanges[s]
	if !ok {
		return 0, fmt.Errorf("timeRange must be one of 1h, 24h, 7d; got '%s'", s)
	}
	return hours, nil
}

// Engine is the part of limiter.Engine the HTTP surface uses.
type Engine interface {
	Checker
	Reset(ctx context.Context, id limiter.Identifier, typ limiter.OperationType) error
	Stats(ctx context.Context, id *limiter.Identifier, typ limiter.OperationType, hours int) (limiter.StatsSummary, error)
	StatsAll(ctx context.Context, hours int) ([]limiter.StatsSummary, error)
}

var _ Engine = (*limiter.Engine)(nil)

// Server routes the HTTP surface.
type Server struct {
	engine   Engine
	health   *health.Aggregator
	gatherer prometheus.Gatherer
	router   chi.Router
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHealth serves /readyz from agg. Without it /readyz always reports up.
func WithHealth(agg *health.Aggregator) ServerOption {
	return func(s *Server) {
		s.health = agg
	}
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// NewServer builds the router.
func NewServer(engine Engine, opts ...ServerOption) *Server {
	s := &Server{
		engine:   engine,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = health.NewAggregator(0)
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(AccessLog)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/healthz", health.LivenessHandler())
	r.Method(http.MethodGet, "/readyz", s.health.ReadinessHandler())
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Get("/v1/rate-limits", s.handleStats)
	r.Post("/v1/rate-limits", s.handleCommand)

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the router so callers can mount guarded routes.
func (s *Server) Router() chi.Router {
	return s.router
}

type statsResponse struct {
	TimeRange string                                       `json:"timeRange"`
	Stats     []limiter.StatsSummary                       `json:"stats"`
	Config    map[limiter.OperationType]limiter.TypeConfig `json:"config"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	timeRange := q.Get("timeRange")
	hours, err := ParseTimeRange(timeRange)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_time_range", err.Error())
		return
	}
	if timeRange == "" {
		timeRange = defaultTimeRange
	}

	var stats []limiter.StatsSummary
	if typ := q.Get("type"); typ != "" {
		var one limiter.StatsSummary
		one, err = s.engine.Stats(r.Context(), nil, limiter.OperationType(typ), hours)
		stats = []limiter.StatsSummary{one}
	} else {
		stats, err = s.engine.StatsAll(r.Context(), hours)
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{TimeRange: timeRange, Stats: stats, Config: s.engine.Table()})
}

// commandRequest is the body of POST /v1/rate-limits. The identifier is
// either an object {kind, value} or a "kind:value" string.
type commandRequest struct {
	Action     string          `json:"action"`
	Identifier json.RawMessage `json:"identifier"`
	Type       string          `json:"type"`
}

func (c commandRequest) identifier() (limiter.Identifier, error) {
	raw := bytes.TrimSpace(c.Identifier)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return limiter.Identifier{}, fmt.Errorf("%w: identifier is required", limiter.ErrInvalidIdentifier)
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return limiter.Identifier{}, fmt.Errorf("%w: %v", limiter.ErrInvalidIdentifier, err)
		}
		return limiter.ParseIdentifier(s)
	}
	var id limiter.Identifier
	if err := json.Unmarshal(raw, &id); err != nil {
		return limiter.Identifier{}, fmt.Errorf("%w: %v", limiter.ErrInvalidIdentifier, err)
	}
	return id, nil
}

type resetResponse struct {
	Reset bool `json:"reset"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "type is required")
		return
	}
	id, err := req.identifier()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_identifier", err.Error())
		return
	}
	typ := limiter.OperationType(req.Type)

	switch strings.ToLower(req.Action) {
	case "check":
		d, err := s.engine.Check(r.Context(), id, typ)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	case "reset":
		if err := s.engine.Reset(r.Context(), id, typ); err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resetResponse{Reset: true})
	default:
		writeError(w, http.StatusBadRequest, "invalid_action", fmt.Sprintf("action must be 'check' or 'reset', got '%s'", req.Action))
	}
}

// writeEngineError maps engine errors onto status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case limiter.IsConfigurationError(err):
		writeError(w, http.StatusBadRequest, "configuration_error", err.Error())
	case errors.Is(err, limiter.ErrInvalidIdentifier), errors.Is(err, limiter.ErrInvalidHours):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, limiter.ErrStoreUnavailable):
		log.Error().Err(err).Msg("rate limit store unavailable")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "rate limit store unavailable")
	default:
		log.Error().Err(err).Msg("rate limit request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}
