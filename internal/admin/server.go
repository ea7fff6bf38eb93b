package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tezland/metadata-indexer/internal/domain/event"
	"github.com/tezland/metadata-indexer/internal/domain/model"
	"github.com/tezland/metadata-indexer/internal/metrics"
	"github.com/tezland/metadata-indexer/internal/pipeline"
	"github.com/tezland/metadata-indexer/internal/store"
)

const (
	defaultQuarantineListLimit = 50
	maxQuarantineListLimit     = 500

	shutdownTimeout = 5 * time.Second
)

// PipelineController is the slice of the pipeline the admin server needs:
// the aggregate status report and the requeue intake. In production this is
// satisfied by *pipeline.Pipeline, but tests can provide a simple mock.
type PipelineController interface {
	Status() pipeline.StatusReport
	Requeue(ctx context.Context, ev event.MetadataEvent) error
}

// Server provides the operational HTTP surface: liveness and readiness
// probes, Prometheus metrics, and the quarantine admin API.
type Server struct {
	addr       string
	pipeline   PipelineController
	quarantine store.QuarantineRepository
	logger     *slog.Logger
	authToken  string
	limiter    *RateLimitMiddleware
}

// ServerOption customizes optional Server behavior.
type ServerOption func(*Server)

// WithAuthToken protects the /admin/v1 routes with a bearer token.
// Probes and metrics stay unauthenticated.
func WithAuthToken(token string) ServerOption {
	return func(s *Server) { s.authToken = token }
}

// WithRateLimiter applies per-endpoint, per-IP rate limiting to the
// /admin/v1 routes. The server takes ownership and stops the limiter
// when Run returns.
func WithRateLimiter(rl *RateLimitMiddleware) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// NewServer creates an admin server bound to the given pipeline and
// quarantine store.
func NewServer(addr string, pl PipelineController, quarantine store.QuarantineRepository, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		addr:       addr,
		pipeline:   pl,
		quarantine: quarantine,
		logger:     logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the configured HTTP handler. Mutating admin routes pass
// through the audit log; all /admin/v1 routes sit behind the optional
// bearer auth and rate limiter.
func (s *Server) Handler() http.Handler {
	adminMux := http.NewServeMux()
	adminMux.Handle("GET /admin/v1/status", s.instrument("status", s.handleStatus))
	adminMux.Handle("GET /admin/v1/quarantine", s.instrument("quarantine_list", s.handleListQuarantine))
	adminMux.Handle("POST /admin/v1/quarantine/{id}/requeue", s.instrument("quarantine_requeue", s.handleRequeueQuarantine))

	var admin http.Handler = adminMux
	admin = AuditMiddleware(s.logger, admin)
	if s.authToken != "" {
		admin = BearerAuth(s.authToken, admin)
	}
	if s.limiter != nil {
		admin = s.limiter.Wrap(admin)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/admin/v1/", admin)
	return mux
}

// Run serves until ctx is cancelled, then drains in-flight requests with a
// short grace period.
func (s *Server) Run(ctx context.Context) error {
	if s.limiter != nil {
		defer s.limiter.Stop()
	}

	server := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("admin server shutdown error", "error", err)
		}
	}()

	s.logger.Info("admin server listening", "addr", s.addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		s.logger.Warn("healthz write failed", "error", err)
	}
}

// handleReadyz reports ready while the pipeline is HEALTHY or DEGRADED.
// A degraded pipeline is slow, not broken; pulling it out of rotation
// would only pile up the backlog elsewhere.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	health := s.pipeline.Status().Health
	switch pipeline.HealthStatus(health.Status) {
	case pipeline.HealthStatusHealthy, pipeline.HealthStatusDegraded:
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ready")); err != nil {
			s.logger.Warn("readyz write failed", "error", err)
		}
	default:
		writeJSON(w, http.StatusServiceUnavailable, health)
	}
}

// statusResponse extends the pipeline status report with sink-side counts
// only the admin server can see.
type statusResponse struct {
	pipeline.StatusReport
	QuarantineTotal int64 `json:"quarantine_total"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, err := s.quarantine.Count(r.Context())
	if err != nil {
		s.logger.Error("quarantine count failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		StatusReport:    s.pipeline.Status(),
		QuarantineTotal: count,
	})
}

// quarantineItemResponse is the API shape of a quarantined event. Inline
// payloads are reported by size only; the raw bytes stay in the store.
type quarantineItemResponse struct {
	ID            uuid.UUID       `json:"id"`
	Contract      string          `json:"contract"`
	TokenIndex    int64           `json:"token_index"`
	Kind          model.TokenKind `json:"kind"`
	URI           string          `json:"uri,omitempty"`
	InlineBytes   int             `json:"inline_bytes,omitempty"`
	ObservedAt    int64           `json:"observed_at"`
	Attempts      int             `json:"attempts"`
	LastErrorKind string          `json:"last_error_kind"`
	LastError     string          `json:"last_error"`
	QuarantinedAt time.Time       `json:"quarantined_at"`
}

func (s *Server) handleListQuarantine(w http.ResponseWriter, r *http.Request) {
	limit := defaultQuarantineListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, `{"error":"limit must be a positive integer"}`, http.StatusBadRequest)
			return
		}
		if n > maxQuarantineListLimit {
			n = maxQuarantineListLimit
		}
		limit = n
	}

	events, err := s.quarantine.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("quarantine list failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	resp := make([]quarantineItemResponse, len(events))
	for i, q := range events {
		resp[i] = quarantineItemResponse{
			ID:            q.ID,
			Contract:      q.Contract,
			TokenIndex:    q.TokenIndex,
			Kind:          q.Kind,
			URI:           q.URI,
			InlineBytes:   len(q.Inline),
			ObservedAt:    q.ObservedAt,
			Attempts:      q.Attempts,
			LastErrorKind: q.LastErrorKind,
			LastError:     q.LastError,
			QuarantinedAt: q.QuarantinedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type requeueResponse struct {
	Requeued bool      `json:"requeued"`
	ID       uuid.UUID `json:"id"`
}

func (s *Server) handleRequeueQuarantine(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid quarantine id"}`, http.StatusBadRequest)
		return
	}

	q, err := s.quarantine.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("quarantine get failed", "error", err, "id", id)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if q == nil {
		http.Error(w, `{"error":"quarantined event not found"}`, http.StatusNotFound)
		return
	}

	// Requeue before delete. A crash between the two redelivers the event
	// instead of losing it, and the stale-write guard absorbs the duplicate.
	ev := event.MetadataEvent{
		Token:      q.Token(),
		URI:        q.URI,
		Inline:     q.Inline,
		ObservedAt: q.ObservedAt,
	}
	if err := s.pipeline.Requeue(r.Context(), ev); err != nil {
		s.logger.Error("requeue failed", "error", err, "id", id)
		http.Error(w, `{"error":"requeue failed"}`, http.StatusServiceUnavailable)
		return
	}
	if err := s.quarantine.Delete(r.Context(), id); err != nil {
		s.logger.Error("quarantine delete failed", "error", err, "id", id)
		http.Error(w, `{"error":"event requeued but not removed from quarantine"}`, http.StatusInternalServerError)
		return
	}

	metrics.AdminRequeuesTotal.Inc()
	s.logger.Info("quarantined event requeued", "id", id, "token", ev.Token.String())
	writeJSON(w, http.StatusOK, requeueResponse{Requeued: true, ID: id})
}

// instrument counts requests per logical route so metric cardinality stays
// bounded regardless of path parameters.
func (s *Server) instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(sw, r)
		metrics.AdminRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.statusCode)).Inc()
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
