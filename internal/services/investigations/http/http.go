// Package http wires investigation endpoints onto the shared router
package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"casefile/internal/modkit/httpkit"
	perr "casefile/internal/platform/errors"
	evdom "casefile/internal/services/events/domain"
	evhttp "casefile/internal/services/events/http"
	"casefile/internal/services/investigations/domain"
)

// EventLinks is the slice of the event store these handlers need
type EventLinks interface {
	Link(ctx context.Context, eventID, investigationID string) (bool, error)
	Unlink(ctx context.Context, eventID, investigationID string) error
	ListByInvestigation(ctx context.Context, investigationID string, f evdom.Filter) ([]evdom.Event, int, error)
}

// Linker correlates stored events with an investigation
type Linker interface {
	AutoLink(ctx context.Context, investigationID string, window time.Duration, semantic bool) ([]evdom.Event, error)
	Suggest(ctx context.Context, investigationID string, limit int) ([]evdom.Event, error)
}

type handlers struct {
	store  domain.StorePort
	notes  domain.AnnotationPort
	rel    domain.RelationPort
	events EventLinks
	linker Linker
}

// Register mounts the investigation routes on r
func Register(
	r httpkit.Router,
	store domain.StorePort,
	notes domain.AnnotationPort,
	rel domain.RelationPort,
	events EventLinks,
	linker Linker,
) {
	h := &handlers{store: store, notes: notes, rel: rel, events: events, linker: linker}

	httpkit.PostJSON[upsertRequest](r, "/investigations", h.create)
	httpkit.Get(r, "/investigations", h.list)
	httpkit.Get(r, "/investigations/{id}", h.get)
	httpkit.PatchJSON[upsertRequest](r, "/investigations/{id}", h.update)
	httpkit.PutJSON[upsertRequest](r, "/investigations/{id}", h.update)
	httpkit.Delete(r, "/investigations/{id}", h.remove)

	httpkit.PostJSON[linkRequest](r, "/investigations/{id}/events/link", h.linkEvent)
	httpkit.Delete(r, "/investigations/{id}/events/{eventID}", h.unlinkEvent)
	httpkit.Post(r, "/investigations/{id}/events/auto-link", h.autoLink)
	httpkit.Get(r, "/investigations/{id}/events", h.linkedEvents)
	httpkit.Get(r, "/investigations/{id}/events/suggestions", h.suggestions)

	httpkit.PostJSON[annotateRequest](r, "/investigations/{id}/annotations", h.annotate)
	httpkit.Get(r, "/investigations/{id}/annotations", h.annotations)
	httpkit.Delete(r, "/annotations/{annID}", h.deleteAnnotation)

	httpkit.PostJSON[relateRequest](r, "/investigations/{id}/related", h.relate)
	httpkit.Get(r, "/investigations/{id}/related", h.related)
	httpkit.Delete(r, "/investigations/{id}/related/{relatedID}", h.unrelate)
}

type upsertRequest struct {
	Title          *string    `json:"title" validate:"omitempty,max=2000"`
	Description    *string    `json:"description" validate:"omitempty,max=2000"`
	Status         *string    `json:"status" validate:"omitempty,inv_status"`
	Severity       *string    `json:"severity" validate:"omitempty,oneof=critical high medium low"`
	Priority       *string    `json:"priority" validate:"omitempty,max=100"`
	Component      *string    `json:"component" validate:"omitempty,max=2000"`
	Service        *string    `json:"service" validate:"omitempty,max=2000"`
	RootCause      *string    `json:"root_cause" validate:"omitempty,max=2000"`
	Remediation    *string    `json:"remediation" validate:"omitempty,max=2000"`
	LessonsLearned *string    `json:"lessons_learned" validate:"omitempty,max=2000"`
	DetectedAt     *time.Time `json:"detected_at"`
	StartedAt      *time.Time `json:"started_at"`
	ResolvedAt     *time.Time `json:"resolved_at"`
	Tags           []string   `json:"tags" validate:"omitempty,max=32,dive,max=100"`
	AssignedTo     *string    `json:"assigned_to" validate:"omitempty,max=200"`
}

// InvestigationDTO is the wire shape of one investigation
type InvestigationDTO struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Status         string     `json:"status"`
	Severity       string     `json:"severity"`
	Priority       string     `json:"priority,omitempty"`
	Component      string     `json:"component,omitempty"`
	Service        string     `json:"service,omitempty"`
	RootCause      string     `json:"root_cause,omitempty"`
	Remediation    string     `json:"remediation,omitempty"`
	LessonsLearned string     `json:"lessons_learned,omitempty"`
	DetectedAt     *time.Time `json:"detected_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	Tags           []string   `json:"tags"`
	CreatedBy      string     `json:"created_by,omitempty"`
	AssignedTo     string     `json:"assigned_to,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func toDTO(inv domain.Investigation) InvestigationDTO {
	tags := inv.Tags
	if tags == nil {
		tags = []string{}
	}
	return InvestigationDTO{
		ID:             inv.ID,
		Title:          inv.Title,
		Description:    inv.Description,
		Status:         string(inv.Status),
		Severity:       string(inv.Severity),
		Priority:       inv.Priority,
		Component:      inv.Component,
		Service:        inv.Service,
		RootCause:      inv.RootCause,
		Remediation:    inv.Remediation,
		LessonsLearned: inv.LessonsLearned,
		DetectedAt:     inv.DetectedAt,
		StartedAt:      inv.StartedAt,
		ResolvedAt:     inv.ResolvedAt,
		Tags:           tags,
		CreatedBy:      inv.CreatedBy,
		AssignedTo:     inv.AssignedTo,
		CreatedAt:      inv.CreatedAt,
		UpdatedAt:      inv.UpdatedAt,
	}
}

func toDTOs(invs []domain.Investigation) []InvestigationDTO {
	out := make([]InvestigationDTO, 0, len(invs))
	for _, inv := range invs {
		out = append(out, toDTO(inv))
	}
	return out
}

func (h *handlers) create(r *http.Request, req upsertRequest) (any, error) {
	if req.Title == nil {
		return nil, perr.Validationf("title is required")
	}
	uid, err := httpkit.User(r)
	if err != nil {
		return nil, err
	}
	inv := domain.Investigation{
		Title:      *req.Title,
		DetectedAt: req.DetectedAt,
		StartedAt:  req.StartedAt,
		Tags:       req.Tags,
		CreatedBy:  uid,
	}
	assign := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	assign(&inv.Description, req.Description)
	assign(&inv.Priority, req.Priority)
	assign(&inv.Component, req.Component)
	assign(&inv.Service, req.Service)
	assign(&inv.RootCause, req.RootCause)
	assign(&inv.Remediation, req.Remediation)
	assign(&inv.LessonsLearned, req.LessonsLearned)
	assign(&inv.AssignedTo, req.AssignedTo)
	if req.Status != nil {
		inv.Status = domain.Status(*req.Status)
	}
	if req.Severity != nil {
		inv.Severity = domain.Severity(*req.Severity)
	}

	out, err := h.store.Create(r.Context(), inv)
	if err != nil {
		return nil, err
	}
	return httpkit.Created(toDTO(out)), nil
}

func (h *handlers) list(r *http.Request) (any, error) {
	q := r.URL.Query()
	f := domain.Filter{
		Status:    domain.Status(q.Get("status")),
		Severity:  domain.Severity(q.Get("severity")),
		Search:    q.Get("search"),
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
	}
	var err error
	if f.Page, err = intParam(q.Get("page"), 1); err != nil {
		return nil, perr.Validationf("page must be an integer")
	}
	if f.PageSize, err = intParam(q.Get("page_size"), 0); err != nil {
		return nil, perr.Validationf("page_size must be an integer")
	}
	invs, total, err := h.store.List(r.Context(), f)
	if err != nil {
		return nil, err
	}
	size := f.PageSize
	if size <= 0 {
		size = len(invs)
	}
	return httpkit.List(toDTOs(invs), total, f.Page, size), nil
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func (h *handlers) get(r *http.Request) (any, error) {
	inv, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	return toDTO(inv), nil
}

func (h *handlers) update(r *http.Request, req upsertRequest) (any, error) {
	p := domain.Patch{
		Title:          req.Title,
		Description:    req.Description,
		Priority:       req.Priority,
		Component:      req.Component,
		Service:        req.Service,
		RootCause:      req.RootCause,
		Remediation:    req.Remediation,
		LessonsLearned: req.LessonsLearned,
		DetectedAt:     req.DetectedAt,
		StartedAt:      req.StartedAt,
		ResolvedAt:     req.ResolvedAt,
		AssignedTo:     req.AssignedTo,
	}
	if req.Status != nil {
		st := domain.Status(*req.Status)
		p.Status = &st
	}
	if req.Severity != nil {
		sev := domain.Severity(*req.Severity)
		p.Severity = &sev
	}
	if req.Tags != nil {
		p.Tags = req.Tags
		p.SetTags = true
	}
	inv, err := h.store.Update(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		return nil, err
	}
	return toDTO(inv), nil
}

func (h *handlers) remove(r *http.Request) (any, error) {
	if err := h.store.SoftDelete(r.Context(), chi.URLParam(r, "id")); err != nil {
		return nil, err
	}
	return httpkit.NoContent(), nil
}

type linkRequest struct {
	EventID string `json:"event_id" validate:"required"`
}

func (h *handlers) linkEvent(r *http.Request, req linkRequest) (any, error) {
	if req.EventID == "" {
		return nil, perr.Validationf("event_id is required")
	}
	id := chi.URLParam(r, "id")
	if _, err := h.store.Get(r.Context(), id); err != nil {
		return nil, err
	}
	linked, err := h.events.Link(r.Context(), req.EventID, id)
	if err != nil {
		return nil, err
	}
	if linked {
		return httpkit.Created(map[string]any{"linked": true}), nil
	}
	return map[string]any{"linked": false}, nil
}

func (h *handlers) unlinkEvent(r *http.Request) (any, error) {
	err := h.events.Unlink(r.Context(), chi.URLParam(r, "eventID"), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	return httpkit.NoContent(), nil
}

func (h *handlers) autoLink(r *http.Request) (any, error) {
	q := r.URL.Query()
	window := 60 * time.Minute
	if raw := q.Get("time_window_minutes"); raw != "" {
		mins, err := strconv.Atoi(raw)
		if err != nil || mins <= 0 {
			return nil, perr.Validationf("time_window_minutes must be a positive integer")
		}
		window = time.Duration(mins) * time.Minute
	}
	semantic := true
	if raw := q.Get("semantic_matching"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, perr.Validationf("semantic_matching must be a boolean")
		}
		semantic = v
	}
	linked, err := h.linker.AutoLink(r.Context(), chi.URLParam(r, "id"), window, semantic)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"linked_count": len(linked),
		"events":       evhttp.ToDTOs(linked),
	}, nil
}

func (h *handlers) linkedEvents(r *http.Request) (any, error) {
	f, err := evhttp.FilterFromQuery(r)
	if err != nil {
		return nil, err
	}
	evs, total, err := h.events.ListByInvestigation(r.Context(), chi.URLParam(r, "id"), f)
	if err != nil {
		return nil, err
	}
	page := 1
	if f.Limit > 0 {
		page = f.Offset/f.Limit + 1
	}
	return httpkit.List(evhttp.ToDTOs(evs), total, page, f.Limit), nil
}

func (h *handlers) suggestions(r *http.Request) (any, error) {
	limit, err := intParam(r.URL.Query().Get("limit"), 20)
	if err != nil || limit <= 0 {
		return nil, perr.Validationf("limit must be a positive integer")
	}
	evs, err := h.linker.Suggest(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"suggestions": evhttp.ToDTOs(evs)}, nil
}

type annotateRequest struct {
	Text     string `json:"text" validate:"required,max=2000"`
	ParentID string `json:"parent_id" validate:"omitempty,max=100"`
}

func (h *handlers) annotate(r *http.Request, req annotateRequest) (any, error) {
	uid, err := httpkit.User(r)
	if err != nil {
		return nil, err
	}
	a, err := h.notes.Annotate(r.Context(), domain.Annotation{
		InvestigationID: chi.URLParam(r, "id"),
		ParentID:        req.ParentID,
		Author:          uid,
		Text:            req.Text,
	})
	if err != nil {
		return nil, err
	}
	return httpkit.Created(annotationDTO(a)), nil
}

func annotationDTO(a domain.Annotation) map[string]any {
	out := map[string]any{
		"id":               a.ID,
		"investigation_id": a.InvestigationID,
		"author":           a.Author,
		"text":             a.Text,
		"created_at":       a.CreatedAt,
	}
	if a.ParentID != "" {
		out["parent_id"] = a.ParentID
	}
	return out
}

func (h *handlers) annotations(r *http.Request) (any, error) {
	notes, err := h.notes.Annotations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(notes))
	for _, a := range notes {
		out = append(out, annotationDTO(a))
	}
	return map[string]any{"annotations": out}, nil
}

func (h *handlers) deleteAnnotation(r *http.Request) (any, error) {
	if err := h.notes.DeleteAnnotation(r.Context(), chi.URLParam(r, "annID")); err != nil {
		return nil, err
	}
	return httpkit.NoContent(), nil
}

type relateRequest struct {
	RelatedID string `json:"related_id" validate:"required"`
}

func (h *handlers) relate(r *http.Request, req relateRequest) (any, error) {
	if req.RelatedID == "" {
		return nil, perr.Validationf("related_id is required")
	}
	if err := h.rel.Relate(r.Context(), chi.URLParam(r, "id"), req.RelatedID); err != nil {
		return nil, err
	}
	return httpkit.Created(map[string]any{"related": true}), nil
}

func (h *handlers) related(r *http.Request) (any, error) {
	invs, err := h.rel.Related(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"related": toDTOs(invs)}, nil
}

func (h *handlers) unrelate(r *http.Request) (any, error) {
	err := h.rel.Unrelate(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "relatedID"))
	if err != nil {
		return nil, err
	}
	return httpkit.NoContent(), nil
}
