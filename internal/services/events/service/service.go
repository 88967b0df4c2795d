// Package service implements the events business logic
package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"casefile/internal/modkit"
	"casefile/internal/modkit/repokit"
	perr "casefile/internal/platform/errors"
	"casefile/internal/platform/logger"
	"casefile/internal/platform/metrics"
	"casefile/internal/services/events/domain"
	"casefile/internal/services/events/repo"
)

// Caps on inbound data. Oversized events are rejected, not truncated
const (
	maxEventType = 200
	maxTags      = 32
	maxTagLen    = 100
	maxListLimit = 500
)

// Service implements the event store ports
type Service struct {
	log  logger.Logger
	pg   repokit.TxRunner
	repo repokit.Binder[repo.Repo]
	now  func() time.Time
}

// Compile-time port checks
var (
	_ domain.WriterPort = (*Service)(nil)
	_ domain.QueryPort  = (*Service)(nil)
	_ domain.LinkPort   = (*Service)(nil)
)

// New constructs the events service
func New(d modkit.Deps, b repokit.Binder[repo.Repo]) *Service {
	return &Service{
		log:  *logger.Named("events"),
		pg:   d.PG,
		repo: b,
		now:  time.Now,
	}
}

func normalize(now time.Time, ev domain.Event) (domain.Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if !ev.Source.Valid() {
		return ev, perr.Validationf("unknown source %q", ev.Source)
	}
	if ev.Severity == "" {
		ev.Severity = domain.SeverityInfo
	}
	if !ev.Severity.Valid() {
		return ev, perr.Validationf("unknown severity %q", ev.Severity)
	}
	ev.EventType = strings.TrimSpace(ev.EventType)
	if ev.EventType == "" {
		return ev, perr.Validationf("event_type is required")
	}
	if len(ev.EventType) > maxEventType {
		return ev, perr.Validationf("event_type exceeds %d characters", maxEventType)
	}
	if len(ev.Tags) > maxTags {
		return ev, perr.Validationf("too many tags (max %d)", maxTags)
	}
	for _, t := range ev.Tags {
		if len(t) > maxTagLen {
			return ev, perr.Validationf("tag exceeds %d characters", maxTagLen)
		}
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	ev.IngestedAt = now
	return ev, nil
}

// Create validates and inserts one event.
// A duplicate (source, source_id) is reported as created=false, never an error
func (s *Service) Create(ctx context.Context, ev domain.Event) (domain.Event, bool, error) {
	ev, err := normalize(s.now().UTC(), ev)
	if err != nil {
		return domain.Event{}, false, err
	}
	created, err := repokit.MustBind(s.repo, s.pg).Insert(ctx, ev)
	if err != nil {
		return domain.Event{}, false, err
	}
	status := "inserted"
	if !created {
		status = "duplicate"
	}
	metrics.CountIngested(string(ev.Source), status, 1)
	return ev, created, nil
}

// Ingest inserts a batch in order, absorbing per-event duplicates.
// An invalid event fails the whole batch before any insert happens
func (s *Service) Ingest(ctx context.Context, evs []domain.Event) (domain.IngestStats, error) {
	now := s.now().UTC()
	normed := make([]domain.Event, 0, len(evs))
	for i, ev := range evs {
		n, err := normalize(now, ev)
		if err != nil {
			return domain.IngestStats{}, perr.Wrapf(err, perr.ErrorCodeValidation, "event %d invalid", i)
		}
		normed = append(normed, n)
	}

	var stats domain.IngestStats
	err := repokit.WithTx(ctx, s.pg, func(q repokit.Queryer) error {
		r := s.repo.Bind(q)
		for _, ev := range normed {
			created, err := r.Insert(ctx, ev)
			if err != nil {
				return err
			}
			if created {
				stats.Inserted++
			} else {
				stats.Duplicates++
			}
		}
		return nil
	})
	if err != nil {
		return domain.IngestStats{}, err
	}
	if len(normed) > 0 {
		src := string(normed[0].Source)
		metrics.CountIngested(src, "inserted", stats.Inserted)
		metrics.CountIngested(src, "duplicate", stats.Duplicates)
	}
	s.log.Debug().
		Int("inserted", stats.Inserted).
		Int("duplicates", stats.Duplicates).
		Msg("event batch ingested")
	return stats, nil
}

// Update applies a partial patch
func (s *Service) Update(ctx context.Context, id string, p domain.Patch) error {
	if p.Severity != nil && !p.Severity.Valid() {
		return perr.Validationf("unknown severity %q", *p.Severity)
	}
	if p.EventType != nil {
		t := strings.TrimSpace(*p.EventType)
		if t == "" {
			return perr.Validationf("event_type cannot be empty")
		}
		if len(t) > maxEventType {
			return perr.Validationf("event_type exceeds %d characters", maxEventType)
		}
		p.EventType = &t
	}
	if p.SetTags && len(p.Tags) > maxTags {
		return perr.Validationf("too many tags (max %d)", maxTags)
	}
	return repokit.MustBind(s.repo, s.pg).Update(ctx, id, p)
}

// SoftDelete hides an event from default queries
func (s *Service) SoftDelete(ctx context.Context, id string) error {
	return repokit.MustBind(s.repo, s.pg).SetDeleted(ctx, id, true)
}

// Restore brings a soft-deleted event back
func (s *Service) Restore(ctx context.Context, id string) error {
	return repokit.MustBind(s.repo, s.pg).SetDeleted(ctx, id, false)
}

// Get returns one live event
func (s *Service) Get(ctx context.Context, id string) (domain.Event, error) {
	return repokit.MustBind(s.repo, s.pg).Get(ctx, id, false)
}

// List returns filtered events plus the total match count
func (s *Service) List(ctx context.Context, f domain.Filter) ([]domain.Event, int, error) {
	if f.Source != "" && !f.Source.Valid() {
		return nil, 0, perr.Validationf("unknown source %q", f.Source)
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return nil, 0, perr.Validationf("unknown severity %q", f.Severity)
	}
	if f.Since != nil && f.Until != nil && f.Until.Before(*f.Since) {
		return nil, 0, perr.Validationf("until precedes since")
	}
	if f.Limit <= 0 || f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return repokit.MustBind(s.repo, s.pg).List(ctx, f)
}

// Link associates an event with an investigation; repeat links are no-ops
func (s *Service) Link(ctx context.Context, eventID, investigationID string) (bool, error) {
	if eventID == "" || investigationID == "" {
		return false, perr.Validationf("event id and investigation id are required")
	}
	// Reject links to missing or deleted events up front for a clean 404
	if _, err := repokit.MustBind(s.repo, s.pg).Get(ctx, eventID, false); err != nil {
		return false, err
	}
	linked, err := repokit.MustBind(s.repo, s.pg).InsertLink(ctx, eventID, investigationID)
	if err != nil {
		return false, err
	}
	if linked {
		metrics.CountLink("manual")
	}
	return linked, nil
}

// Unlink removes an association, tolerating absence
func (s *Service) Unlink(ctx context.Context, eventID, investigationID string) error {
	return repokit.MustBind(s.repo, s.pg).DeleteLink(ctx, eventID, investigationID)
}

// ListByInvestigation returns events linked to one investigation
func (s *Service) ListByInvestigation(ctx context.Context, investigationID string, f domain.Filter) ([]domain.Event, int, error) {
	f.InvestigationID = investigationID
	return s.List(ctx, f)
}
