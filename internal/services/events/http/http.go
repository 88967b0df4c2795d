// Package http wires event endpoints onto the shared router
package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"casefile/internal/modkit/httpkit"
	perr "casefile/internal/platform/errors"
	"casefile/internal/services/events/domain"
)

type handlers struct {
	writer domain.WriterPort
	query  domain.QueryPort
	links  domain.LinkPort
}

// Register mounts the events routes on r
func Register(r httpkit.Router, writer domain.WriterPort, query domain.QueryPort, links domain.LinkPort) {
	h := &handlers{writer: writer, query: query, links: links}

	httpkit.Get(r, "/events", h.list)
	httpkit.PostJSON[createEventRequest](r, "/events", h.create)
	httpkit.Get(r, "/events/{id}", h.get)
	httpkit.PatchJSON[updateEventRequest](r, "/events/{id}", h.update)
	httpkit.Delete(r, "/events/{id}", h.remove)
	httpkit.Post(r, "/events/{id}/restore", h.restore)
}

type createEventRequest struct {
	Source     string         `json:"source" validate:"required,event_source"`
	SourceID   string         `json:"source_id" validate:"omitempty,max=200"`
	EventType  string         `json:"event_type" validate:"required,max=200"`
	Severity   string         `json:"severity" validate:"omitempty,severity"`
	OccurredAt *time.Time     `json:"occurred_at" validate:"omitempty"`
	Payload    map[string]any `json:"payload"`
	Tags       []string       `json:"tags" validate:"omitempty,max=32,dive,max=100"`
}

type updateEventRequest struct {
	EventType  *string        `json:"event_type" validate:"omitempty,min=1,max=200"`
	Severity   *string        `json:"severity" validate:"omitempty,severity"`
	OccurredAt *time.Time     `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
	Tags       []string       `json:"tags" validate:"omitempty,max=32,dive,max=100"`
}

// EventDTO is the wire shape of one event
type EventDTO struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	SourceID   string         `json:"source_id,omitempty"`
	EventType  string         `json:"event_type"`
	Severity   string         `json:"severity"`
	OccurredAt time.Time      `json:"occurred_at"`
	IngestedAt time.Time      `json:"ingested_at"`
	Payload    map[string]any `json:"payload,omitempty"`
	Tags       []string       `json:"tags"`
	Deleted    bool           `json:"deleted,omitempty"`
}

// ToDTO converts a domain event to its wire shape
func ToDTO(ev domain.Event) EventDTO {
	tags := ev.Tags
	if tags == nil {
		tags = []string{}
	}
	return EventDTO{
		ID:         ev.ID,
		Source:     string(ev.Source),
		SourceID:   ev.SourceID,
		EventType:  ev.EventType,
		Severity:   string(ev.Severity),
		OccurredAt: ev.OccurredAt,
		IngestedAt: ev.IngestedAt,
		Payload:    ev.Payload,
		Tags:       tags,
		Deleted:    ev.DeletedAt != nil,
	}
}

// ToDTOs converts a slice, never returning nil
func ToDTOs(evs []domain.Event) []EventDTO {
	out := make([]EventDTO, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ToDTO(ev))
	}
	return out
}

// FilterFromQuery builds an event filter from list query params
func FilterFromQuery(r *http.Request) (domain.Filter, error) {
	q := r.URL.Query()
	f := domain.Filter{
		Source:    domain.Source(q.Get("source")),
		Severity:  domain.Severity(q.Get("severity")),
		EventType: q.Get("event_type"),
		Tag:       q.Get("tag"),
	}
	for _, spec := range []struct {
		key  string
		dest **time.Time
	}{{"start", &f.Since}, {"end", &f.Until}} {
		if raw := q.Get(spec.key); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return f, perr.Validationf("%s is not an RFC3339 timestamp", spec.key)
			}
			*spec.dest = &t
		}
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		return f, perr.Validationf("limit must be an integer")
	}
	if f.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		return f, perr.Validationf("offset must be an integer")
	}
	return f, nil
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func (h *handlers) list(r *http.Request) (any, error) {
	f, err := FilterFromQuery(r)
	if err != nil {
		return nil, err
	}
	evs, total, err := h.query.List(r.Context(), f)
	if err != nil {
		return nil, err
	}
	page := 1
	if f.Limit > 0 {
		page = f.Offset/f.Limit + 1
	}
	return httpkit.List(ToDTOs(evs), total, page, f.Limit), nil
}

func (h *handlers) get(r *http.Request) (any, error) {
	ev, err := h.query.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	return ToDTO(ev), nil
}

func (h *handlers) create(r *http.Request, req createEventRequest) (any, error) {
	ev := domain.Event{
		Source:    domain.Source(req.Source),
		SourceID:  req.SourceID,
		EventType: req.EventType,
		Severity:  domain.Severity(req.Severity),
		Payload:   req.Payload,
		Tags:      req.Tags,
	}
	if req.OccurredAt != nil {
		ev.OccurredAt = *req.OccurredAt
	}
	out, created, err := h.writer.Create(r.Context(), ev)
	if err != nil {
		return nil, err
	}
	if !created {
		return httpkit.OK(map[string]any{"created": false}), nil
	}
	return httpkit.Created(ToDTO(out)), nil
}

func (h *handlers) update(r *http.Request, req updateEventRequest) (any, error) {
	p := domain.Patch{
		EventType:  req.EventType,
		OccurredAt: req.OccurredAt,
		Payload:    req.Payload,
	}
	if req.Severity != nil {
		sev := domain.Severity(*req.Severity)
		p.Severity = &sev
	}
	if req.Tags != nil {
		p.Tags = req.Tags
		p.SetTags = true
	}
	id := chi.URLParam(r, "id")
	if err := h.writer.Update(r.Context(), id, p); err != nil {
		return nil, err
	}
	ev, err := h.query.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return ToDTO(ev), nil
}

func (h *handlers) remove(r *http.Request) (any, error) {
	if err := h.writer.SoftDelete(r.Context(), chi.URLParam(r, "id")); err != nil {
		return nil, err
	}
	return httpkit.NoContent(), nil
}

func (h *handlers) restore(r *http.Request) (any, error) {
	if err := h.writer.Restore(r.Context(), chi.URLParam(r, "id")); err != nil {
		return nil, err
	}
	ev, err := h.query.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	return ToDTO(ev), nil
}
