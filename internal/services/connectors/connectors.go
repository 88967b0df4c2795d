// Package connectors is the operator surface over the ingestion fleet:
// per-connector health, DLQ inspection and replay, manual collection
package connectors

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"casefile/internal/ingest"
	"casefile/internal/modkit/httpkit"
	perr "casefile/internal/platform/errors"
	"casefile/internal/platform/logger"
	"casefile/internal/services/dlq"
	evdom "casefile/internal/services/events/domain"
	evhttp "casefile/internal/services/events/http"
)

// RoleOperator may replay DLQ entries and trigger collection; viewers may only read
const RoleOperator = "operator"

// Collector runs one connector invocation through the shared scheduler path
type Collector interface {
	RunOnce(ctx context.Context, c *ingest.Connector) evdom.IngestStats
}

// Status is the health view of one connector
type Status struct {
	Source               string    `json:"source"`
	CircuitState         string    `json:"circuit_state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailureAt        time.Time `json:"last_failure_at,omitzero"`
	LastSuccessAt        time.Time `json:"last_success_at,omitzero"`
	LastStateChangeAt    time.Time `json:"last_state_change_at,omitzero"`
	DLQSize              int       `json:"dlq_size"`
}

// Service answers operator queries about the connector fleet
type Service struct {
	log       logger.Logger
	reg       *ingest.Registry
	dlq       *dlq.Service
	collector Collector
}

// New wires the operator surface
func New(reg *ingest.Registry, q *dlq.Service, collector Collector) *Service {
	return &Service{
		log:       *logger.Named("connectors"),
		reg:       reg,
		dlq:       q,
		collector: collector,
	}
}

// StatusAll reports per-connector health including DLQ depth
func (s *Service) StatusAll(ctx context.Context) ([]Status, error) {
	out := []Status{}
	for _, c := range s.reg.All() {
		snap := c.Breaker().Snap()
		size, err := s.dlq.SizeBySource(ctx, c.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, Status{
			Source:               c.Name(),
			CircuitState:         string(snap.State),
			ConsecutiveFailures:  snap.ConsecutiveFailures,
			ConsecutiveSuccesses: snap.ConsecutiveSuccesses,
			LastFailureAt:        snap.LastFailureAt,
			LastSuccessAt:        snap.LastSuccessAt,
			LastStateChangeAt:    snap.LastStateChangeAt,
			DLQSize:              size,
		})
	}
	return out, nil
}

// Trigger runs one collect for the named connector outside its schedule
func (s *Service) Trigger(ctx context.Context, source string) (evdom.IngestStats, error) {
	c := s.reg.Get(source)
	if c == nil {
		return evdom.IngestStats{}, perr.NotFoundf("connector %s not found", source)
	}
	s.log.Info().Str("source", source).Msg("operator-triggered collect")
	return s.collector.RunOnce(ctx, c), nil
}

type handlers struct{ svc *Service }

// Register mounts the connector routes on r
func Register(r httpkit.Router, svc *Service) {
	h := &handlers{svc: svc}

	httpkit.Get(r, "/connectors/status", h.status)
	httpkit.Get(r, "/connectors/{source}/dlq", h.dlqList)
	httpkit.Post(r, "/connectors/{source}/dlq/{id}/retry", h.dlqRetry)
	httpkit.Delete(r, "/connectors/{source}/dlq", h.dlqPurge)
	httpkit.Post(r, "/connectors/{source}/collect", h.collect)
}

func (h *handlers) status(r *http.Request) (any, error) {
	statuses, err := h.svc.StatusAll(r.Context())
	if err != nil {
		return nil, err
	}
	return map[string]any{"connectors": statuses}, nil
}

func (h *handlers) source(r *http.Request) (string, error) {
	source := chi.URLParam(r, "source")
	if h.svc.reg.Get(source) == nil {
		return "", perr.NotFoundf("connector %s not found", source)
	}
	return source, nil
}

type dlqEntryDTO struct {
	ID             string         `json:"id"`
	Source         string         `json:"source"`
	Event          evhttp.EventDTO `json:"event"`
	Error          string         `json:"error"`
	RetryCount     int            `json:"retry_count"`
	FirstFailureAt time.Time      `json:"first_failure_at"`
	LastFailureAt  time.Time      `json:"last_failure_at"`
}

func (h *handlers) dlqList(r *http.Request) (any, error) {
	source, err := h.source(r)
	if err != nil {
		return nil, err
	}
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		return nil, perr.Validationf("limit must be an integer")
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		return nil, perr.Validationf("offset must be an integer")
	}

	entries, total, err := h.svc.dlq.List(r.Context(), source, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]dlqEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, dlqEntryDTO{
			ID:             e.ID,
			Source:         e.Source,
			Event:          evhttp.ToDTO(e.Event),
			Error:          e.Error,
			RetryCount:     e.RetryCount,
			FirstFailureAt: e.FirstFailureAt,
			LastFailureAt:  e.LastFailureAt,
		})
	}
	return map[string]any{"entries": out, "total": total}, nil
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func (h *handlers) dlqRetry(r *http.Request) (any, error) {
	if err := httpkit.RequireRole(r, RoleOperator); err != nil {
		return nil, err
	}
	if _, err := h.source(r); err != nil {
		return nil, err
	}
	ev, err := h.svc.dlq.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"replayed": true, "event": evhttp.ToDTO(ev)}, nil
}

func (h *handlers) dlqPurge(r *http.Request) (any, error) {
	if err := httpkit.RequireRole(r, RoleOperator); err != nil {
		return nil, err
	}
	source, err := h.source(r)
	if err != nil {
		return nil, err
	}
	n, err := h.svc.dlq.Purge(r.Context(), source)
	if err != nil {
		return nil, err
	}
	return map[string]any{"purged": n}, nil
}

func (h *handlers) collect(r *http.Request) (any, error) {
	if err := httpkit.RequireRole(r, RoleOperator); err != nil {
		return nil, err
	}
	source, err := h.source(r)
	if err != nil {
		return nil, err
	}
	stats, err := h.svc.Trigger(r.Context(), source)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"source":     source,
		"inserted":   stats.Inserted,
		"duplicates": stats.Duplicates,
	}, nil
}
