// Package api exposes ingestion, query, and exposition over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v3"
	"github.com/google/uuid"

	"github.com/vjranagit/countervane/pkg/export"
	"github.com/vjranagit/countervane/pkg/ingest"
	"github.com/vjranagit/countervane/pkg/query"
	"github.com/vjranagit/countervane/pkg/types"
)

// Defaults for the cache analytics endpoint when the caller does not name
// the token metric explicitly.
const (
	defaultCacheMetric    = "tokens"
	defaultCacheTypeLabel = "type"
)

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	ingestor   *ingest.Ingestor
	engine     *query.Engine
	exporter   *export.Writer
	pricing    query.Pricing
	logger     *slog.Logger
}

// NewServer creates the API server.
func NewServer(addr string, timeout time.Duration, logger *slog.Logger,
	ingestor *ingest.Ingestor, engine *query.Engine, exporter *export.Writer,
	pricing query.Pricing) *Server {

	s := &Server{
		ingestor: ingestor,
		engine:   engine,
		exporter: exporter,
		pricing:  pricing,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httplog.RequestLogger(logger, &httplog.Options{
		Level:  slog.LevelDebug,
		Schema: httplog.SchemaECS.Concise(true),
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/ingest", s.handleIngest)
		r.Get("/sum", s.handleSum)
		r.Get("/ratio", s.handleRatio)
		r.Get("/cache", s.handleCache)
	})
	r.Get("/metrics", s.handleMetrics)
	r.Get("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("API server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the server's HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type pointPayload struct {
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels,omitempty"`
	Delta     float64           `json:"delta"`
	Timestamp *time.Time        `json:"timestamp,omitempty"`
}

type ingestRequest struct {
	Points []pointPayload `json:"points"`
}

type ingestResponse struct {
	ID       string `json:"id"`
	Accepted int    `json:"accepted"`
}

// handleIngest accepts a batch of counter increments.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	points := make([]types.MetricPoint, len(req.Points))
	for i, p := range req.Points {
		points[i] = types.MetricPoint{
			Name:   p.Name,
			Labels: p.Labels,
			Delta:  p.Delta,
		}
		if p.Timestamp != nil {
			points[i].Timestamp = *p.Timestamp
		}
	}

	accepted, err := s.ingestor.IngestBatch(r.Context(), points)
	if err != nil {
		if errors.Is(err, types.ErrInvalidDelta) ||
			errors.Is(err, types.ErrInvalidLabel) ||
			errors.Is(err, types.ErrInvalidName) {
			http.Error(w, fmt.Sprintf("Ingest rejected: %v", err), http.StatusBadRequest)
			return
		}
		http.Error(w, fmt.Sprintf("Ingest failed: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, ingestResponse{
		ID:       uuid.NewString(),
		Accepted: accepted,
	})
}

type groupPayload struct {
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
}

// handleSum evaluates a grouped or global sum.
// Query params: name (required), by (comma-separated label names, optional),
// label (repeated "key=value" filter pairs, optional).
func (s *Server) handleSum(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "Missing name parameter", http.StatusBadRequest)
		return
	}

	filter, err := parsePairs(r.URL.Query()["label"])
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid label filter: %v", err), http.StatusBadRequest)
		return
	}

	byParam := r.URL.Query().Get("by")
	if byParam == "" {
		writeJSON(w, http.StatusOK, map[string]float64{
			"value": s.engine.Sum(name, filter),
		})
		return
	}

	by := strings.Split(byParam, ",")
	groups := s.engine.SumBy(by, name, filter)

	out := make([]groupPayload, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupPayload{Labels: g.Labels.Map(), Value: g.Value})
	}
	writeJSON(w, http.StatusOK, map[string][]groupPayload{"groups": out})
}

// handleRatio evaluates sum(num) / (sum(num) + sum of each den).
// Query params: name (required), num (one selector), den (repeated
// selectors); a selector is comma-separated "key=value" pairs.
func (s *Server) handleRatio(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "Missing name parameter", http.StatusBadRequest)
		return
	}

	num, err := parseSelector(r.URL.Query().Get("num"))
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid num selector: %v", err), http.StatusBadRequest)
		return
	}

	var denominators []map[string]string
	for _, raw := range r.URL.Query()["den"] {
		den, err := parseSelector(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid den selector: %v", err), http.StatusBadRequest)
			return
		}
		denominators = append(denominators, den)
	}

	ratio := s.engine.RatioOf(name, num, denominators...)
	writeJSON(w, http.StatusOK, map[string]query.Ratio{"ratio": ratio})
}

// handleCache returns the cache efficiency report.
// Query params: name (token metric, default "tokens"), label (type label
// key, default "type").
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	metric := r.URL.Query().Get("name")
	if metric == "" {
		metric = defaultCacheMetric
	}
	typeLabel := r.URL.Query().Get("label")
	if typeLabel == "" {
		typeLabel = defaultCacheTypeLabel
	}

	writeJSON(w, http.StatusOK, s.engine.CacheReport(metric, typeLabel, s.pricing))
}

// handleMetrics writes the exposition text.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", export.ContentType)
	if err := s.exporter.WriteTo(r.Context(), w); err != nil {
		s.logger.Error("export interrupted", "err", err)
	}
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// parseSelector parses comma-separated "key=value" pairs. An empty string
// is a match-all selector.
func parseSelector(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	return parsePairs(strings.Split(raw, ","))
}

func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed pair %q", pair)
		}
		out[k] = v
	}
	return out, nil
}
