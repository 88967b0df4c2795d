// Package service implements the investigations business logic
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
	ptime "casefile/internal/platform/time"
	"casefile/internal/services/investigations/domain"
	"casefile/internal/services/investigations/repo"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Service implements the investigation ports
type Service struct {
	log  logger.Logger
	pg   repokit.TxRunner
	repo repokit.Binder[repo.Repo]
	now  func() time.Time
}

var (
	_ domain.StorePort      = (*Service)(nil)
	_ domain.AnnotationPort = (*Service)(nil)
	_ domain.RelationPort   = (*Service)(nil)
)

// New constructs the investigations service
func New(d modkit.Deps, b repokit.Binder[repo.Repo]) *Service {
	return &Service{
		log:  *logger.Named("investigations"),
		pg:   d.PG,
		repo: b,
		now:  time.Now,
	}
}

// bounded rejects free text beyond the fixed cap
func bounded(field, v string) error {
	if len(v) > domain.MaxTextLen {
		return perr.Validationf("%s exceeds %d characters", field, domain.MaxTextLen)
	}
	return nil
}

func checkTexts(inv domain.Investigation) error {
	for _, f := range []struct{ name, v string }{
		{"title", inv.Title},
		{"description", inv.Description},
		{"root_cause", inv.RootCause},
		{"remediation", inv.Remediation},
		{"lessons_learned", inv.LessonsLearned},
		{"component", inv.Component},
		{"service", inv.Service},
	} {
		if err := bounded(f.name, f.v); err != nil {
			return err
		}
	}
	return nil
}

// Create validates and inserts a new investigation
func (s *Service) Create(ctx context.Context, inv domain.Investigation) (domain.Investigation, error) {
	inv.Title = strings.TrimSpace(inv.Title)
	if inv.Title == "" {
		return domain.Investigation{}, perr.Validationf("title is required")
	}
	if inv.Status == "" {
		inv.Status = domain.StatusOpen
	}
	if !inv.Status.Valid() {
		return domain.Investigation{}, perr.Validationf("unknown status %q", inv.Status)
	}
	if inv.Severity == "" {
		inv.Severity = domain.SeverityMedium
	}
	if !inv.Severity.Valid() {
		return domain.Investigation{}, perr.Validationf("unknown severity %q", inv.Severity)
	}
	if err := checkTexts(inv); err != nil {
		return domain.Investigation{}, err
	}

	now := s.now().UTC()
	inv.ID = uuid.NewString()
	inv.CreatedAt = now
	inv.UpdatedAt = now
	inv.DeletedAt = nil

	if err := repokit.MustBind(s.repo, s.pg).Insert(ctx, inv); err != nil {
		return domain.Investigation{}, err
	}
	s.log.Info().Str("investigation_id", inv.ID).Str("severity", string(inv.Severity)).Msg("investigation opened")
	return inv, nil
}

// Get returns one live investigation
func (s *Service) Get(ctx context.Context, id string) (domain.Investigation, error) {
	return repokit.MustBind(s.repo, s.pg).Get(ctx, id)
}

// Update applies a patch. Status only moves toward closed; resolving stamps
// resolved_at when the caller did not supply one
func (s *Service) Update(ctx context.Context, id string, p domain.Patch) (domain.Investigation, error) {
	var out domain.Investigation
	err := repokit.WithTx(ctx, s.pg, func(q repokit.Queryer) error {
		r := s.repo.Bind(q)
		inv, err := r.Get(ctx, id)
		if err != nil {
			return err
		}

		if p.Status != nil {
			if !p.Status.Valid() {
				return perr.Validationf("unknown status %q", *p.Status)
			}
			if !inv.Status.CanTransitionTo(*p.Status) {
				return perr.Conflictf("status cannot move from %s back to %s", inv.Status, *p.Status)
			}
			if (*p.Status == domain.StatusResolved || *p.Status == domain.StatusClosed) &&
				inv.ResolvedAt == nil && p.ResolvedAt == nil {
				inv.ResolvedAt = ptime.Ptr(s.now().UTC())
			}
			inv.Status = *p.Status
		}
		if p.Severity != nil {
			if !p.Severity.Valid() {
				return perr.Validationf("unknown severity %q", *p.Severity)
			}
			inv.Severity = *p.Severity
		}
		if p.Title != nil {
			t := strings.TrimSpace(*p.Title)
			if t == "" {
				return perr.Validationf("title cannot be empty")
			}
			inv.Title = t
		}
		if p.Description != nil {
			inv.Description = *p.Description
		}
		if p.Priority != nil {
			inv.Priority = *p.Priority
		}
		if p.Component != nil {
			inv.Component = *p.Component
		}
		if p.Service != nil {
			inv.Service = *p.Service
		}
		if p.RootCause != nil {
			inv.RootCause = *p.RootCause
		}
		if p.Remediation != nil {
			inv.Remediation = *p.Remediation
		}
		if p.LessonsLearned != nil {
			inv.LessonsLearned = *p.LessonsLearned
		}
		if p.DetectedAt != nil {
			inv.DetectedAt = p.DetectedAt
		}
		if p.StartedAt != nil {
			inv.StartedAt = p.StartedAt
		}
		if p.ResolvedAt != nil {
			inv.ResolvedAt = p.ResolvedAt
		}
		if p.SetTags {
			inv.Tags = p.Tags
		}
		if p.AssignedTo != nil {
			inv.AssignedTo = *p.AssignedTo
		}
		if err := checkTexts(inv); err != nil {
			return err
		}

		inv.UpdatedAt = s.now().UTC()
		if err := r.Update(ctx, inv); err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		return domain.Investigation{}, err
	}
	return out, nil
}

// SoftDelete hides the investigation and cascades to annotations in one transaction
func (s *Service) SoftDelete(ctx context.Context, id string) error {
	return repokit.WithTx(ctx, s.pg, func(q repokit.Queryer) error {
		return s.repo.Bind(q).SoftDelete(ctx, id)
	})
}

// List returns filtered investigations plus the total match count
func (s *Service) List(ctx context.Context, f domain.Filter) ([]domain.Investigation, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, perr.Validationf("unknown status %q", f.Status)
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return nil, 0, perr.Validationf("unknown severity %q", f.Severity)
	}
	switch f.SortBy {
	case "", domain.SortCreatedAt, domain.SortUpdatedAt, domain.SortSeverity, domain.SortStatus:
	default:
		return nil, 0, perr.Validationf("unknown sort column %q", f.SortBy)
	}
	switch strings.ToLower(f.SortOrder) {
	case "", "asc", "desc":
	default:
		return nil, 0, perr.Validationf("sort_order must be asc or desc")
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
	return repokit.MustBind(s.repo, s.pg).List(ctx, f)
}

// Annotate adds a threaded note. A parent must be a live note on the same investigation
func (s *Service) Annotate(ctx context.Context, a domain.Annotation) (domain.Annotation, error) {
	a.Text = strings.TrimSpace(a.Text)
	if a.Text == "" {
		return domain.Annotation{}, perr.Validationf("annotation text is required")
	}
	if err := bounded("annotation text", a.Text); err != nil {
		return domain.Annotation{}, err
	}

	r := repokit.MustBind(s.repo, s.pg)
	if _, err := r.Get(ctx, a.InvestigationID); err != nil {
		return domain.Annotation{}, err
	}
	if a.ParentID != "" {
		parent, err := r.GetAnnotation(ctx, a.ParentID)
		if err != nil {
			return domain.Annotation{}, err
		}
		if parent.InvestigationID != a.InvestigationID {
			return domain.Annotation{}, perr.Validationf("parent annotation belongs to a different investigation")
		}
	}

	a.ID = uuid.NewString()
	a.CreatedAt = s.now().UTC()
	a.DeletedAt = nil
	if err := r.InsertAnnotation(ctx, a); err != nil {
		return domain.Annotation{}, err
	}
	return a, nil
}

// Annotations lists live notes for one investigation, oldest first
func (s *Service) Annotations(ctx context.Context, investigationID string) ([]domain.Annotation, error) {
	r := repokit.MustBind(s.repo, s.pg)
	if _, err := r.Get(ctx, investigationID); err != nil {
		return nil, err
	}
	return r.Annotations(ctx, investigationID)
}

// DeleteAnnotation removes a note and its replies
func (s *Service) DeleteAnnotation(ctx context.Context, id string) error {
	return repokit.MustBind(s.repo, s.pg).DeleteAnnotation(ctx, id)
}

// Relate links two investigations; self relations are rejected
func (s *Service) Relate(ctx context.Context, id, relatedID string) error {
	if id == relatedID {
		return perr.Validationf("an investigation cannot relate to itself")
	}
	r := repokit.MustBind(s.repo, s.pg)
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	if _, err := r.Get(ctx, relatedID); err != nil {
		return err
	}
	return r.InsertRelation(ctx, id, relatedID)
}

// Unrelate removes the association in both directions
func (s *Service) Unrelate(ctx context.Context, id, relatedID string) error {
	return repokit.MustBind(s.repo, s.pg).DeleteRelation(ctx, id, relatedID)
}

// Related returns live investigations associated with id
func (s *Service) Related(ctx context.Context, id string) ([]domain.Investigation, error) {
	r := repokit.MustBind(s.repo, s.pg)
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	return r.Related(ctx, id)
}
