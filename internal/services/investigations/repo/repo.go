// Package repo provides the investigations repository implementation
package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"casefile/internal/modkit/repokit"
	perr "casefile/internal/platform/errors"
	"casefile/internal/platform/store"
	pstrings "casefile/internal/platform/strings"
	"casefile/internal/services/investigations/domain"
)

// Repo is the investigations persistence surface
type Repo interface {
	Insert(ctx context.Context, inv domain.Investigation) error
	Get(ctx context.Context, id string) (domain.Investigation, error)
	Update(ctx context.Context, inv domain.Investigation) error
	// SoftDelete stamps the investigation and cascades a delete marker to its
	// annotations; callers run it inside a transaction
	SoftDelete(ctx context.Context, id string) error
	List(ctx context.Context, f domain.Filter) ([]domain.Investigation, int, error)

	InsertAnnotation(ctx context.Context, a domain.Annotation) error
	GetAnnotation(ctx context.Context, id string) (domain.Annotation, error)
	Annotations(ctx context.Context, investigationID string) ([]domain.Annotation, error)
	DeleteAnnotation(ctx context.Context, id string) error

	InsertRelation(ctx context.Context, id, relatedID string) error
	DeleteRelation(ctx context.Context, id, relatedID string) error
	Related(ctx context.Context, id string) ([]domain.Investigation, error)
}

type (
	// PG is a Postgres implementation of the investigations repo
	PG      struct{}
	queries struct{ q repokit.Queryer }
)

// NewPG returns a binder for the Postgres implementation
func NewPG() repokit.Binder[Repo] { return PG{} }

// Bind attaches a Queryer to the Postgres implementation
func (PG) Bind(q repokit.Queryer) Repo { return &queries{q: q} }

const invCols = `
	id, title, COALESCE(description, ''), status, severity,
	COALESCE(priority, ''), COALESCE(component, ''), COALESCE(service, ''),
	COALESCE(root_cause, ''), COALESCE(remediation, ''), COALESCE(lessons_learned, ''),
	detected_at, started_at, resolved_at, tags,
	COALESCE(created_by, ''), COALESCE(assigned_to, ''),
	created_at, updated_at, deleted_at`

func scanInvestigation(row repokit.Row) (domain.Investigation, error) {
	var (
		inv    domain.Investigation
		status string
		sev    string
	)
	if err := row.Scan(
		&inv.ID, &inv.Title, &inv.Description, &status, &sev,
		&inv.Priority, &inv.Component, &inv.Service,
		&inv.RootCause, &inv.Remediation, &inv.LessonsLearned,
		&inv.DetectedAt, &inv.StartedAt, &inv.ResolvedAt, &inv.Tags,
		&inv.CreatedBy, &inv.AssignedTo,
		&inv.CreatedAt, &inv.UpdatedAt, &inv.DeletedAt,
	); err != nil {
		return domain.Investigation{}, err
	}
	inv.Status = domain.Status(status)
	inv.Severity = domain.Severity(sev)
	return inv, nil
}

func (r *queries) Insert(ctx context.Context, inv domain.Investigation) error {
	const sql = `
		INSERT INTO investigations (
			id, title, description, status, severity, priority, component, service,
			root_cause, remediation, lessons_learned,
			detected_at, started_at, resolved_at, tags,
			created_by, assigned_to, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19
		)
	`
	_, err := r.q.Exec(ctx, sql,
		inv.ID, inv.Title, pstrings.SQLNull(inv.Description),
		string(inv.Status), string(inv.Severity),
		pstrings.SQLNull(inv.Priority), pstrings.SQLNull(inv.Component), pstrings.SQLNull(inv.Service),
		pstrings.SQLNull(inv.RootCause), pstrings.SQLNull(inv.Remediation), pstrings.SQLNull(inv.LessonsLearned),
		inv.DetectedAt, inv.StartedAt, inv.ResolvedAt, inv.Tags,
		pstrings.SQLNull(inv.CreatedBy), pstrings.SQLNull(inv.AssignedTo),
		inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return perr.FromPostgres(err, "investigation insert failed")
	}
	return nil
}

func (r *queries) Get(ctx context.Context, id string) (domain.Investigation, error) {
	sql := `SELECT ` + invCols + ` FROM investigations WHERE id = $1 AND deleted_at IS NULL`
	inv, err := store.One(ctx, r.q, scanInvestigation, sql, id)
	if err != nil {
		if errors.Is(err, perr.ErrNotFound) {
			return domain.Investigation{}, perr.NotFoundf("investigation %s not found", id)
		}
		return domain.Investigation{}, perr.FromPostgres(err, "investigation get failed")
	}
	return inv, nil
}

// Update writes the full row; the service resolves the patch first
func (r *queries) Update(ctx context.Context, inv domain.Investigation) error {
	const sql = `
		UPDATE investigations SET
			title = $2, description = $3, status = $4, severity = $5,
			priority = $6, component = $7, service = $8,
			root_cause = $9, remediation = $10, lessons_learned = $11,
			detected_at = $12, started_at = $13, resolved_at = $14, tags = $15,
			assigned_to = $16, updated_at = $17
		WHERE id = $1 AND deleted_at IS NULL
	`
	tag, err := r.q.Exec(ctx, sql,
		inv.ID, inv.Title, pstrings.SQLNull(inv.Description),
		string(inv.Status), string(inv.Severity),
		pstrings.SQLNull(inv.Priority), pstrings.SQLNull(inv.Component), pstrings.SQLNull(inv.Service),
		pstrings.SQLNull(inv.RootCause), pstrings.SQLNull(inv.Remediation), pstrings.SQLNull(inv.LessonsLearned),
		inv.DetectedAt, inv.StartedAt, inv.ResolvedAt, inv.Tags,
		pstrings.SQLNull(inv.AssignedTo), inv.UpdatedAt,
	)
	if err != nil {
		return perr.FromPostgres(err, "investigation update failed")
	}
	if tag.RowsAffected() == 0 {
		return perr.NotFoundf("investigation %s not found", inv.ID)
	}
	return nil
}

func (r *queries) SoftDelete(ctx context.Context, id string) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE investigations SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return perr.FromPostgres(err, "investigation delete failed")
	}
	if tag.RowsAffected() == 0 {
		return perr.NotFoundf("investigation %s not found", id)
	}
	if _, err := r.q.Exec(ctx,
		`UPDATE annotations SET deleted_at = NOW()
		 WHERE investigation_id = $1 AND deleted_at IS NULL`, id); err != nil {
		return perr.FromPostgres(err, "annotation cascade failed")
	}
	return nil
}

var sortCols = map[string]string{
	domain.SortCreatedAt: "created_at",
	domain.SortUpdatedAt: "updated_at",
	domain.SortStatus:    "status",
	// severity sorts by impact, not alphabetically
	domain.SortSeverity: `array_position(ARRAY['critical','high','medium','low'], severity)`,
}

func (r *queries) List(ctx context.Context, f domain.Filter) ([]domain.Investigation, int, error) {
	conds := []string{"deleted_at IS NULL"}
	args := []any{}
	n := 1

	if f.Status != "" {
		conds = append(conds, fmt.Sprintf("status = $%d", n))
		args = append(args, string(f.Status))
		n++
	}
	if f.Severity != "" {
		conds = append(conds, fmt.Sprintf("severity = $%d", n))
		args = append(args, string(f.Severity))
		n++
	}
	if f.Search != "" {
		conds = append(conds, fmt.Sprintf("(title ILIKE $%d OR description ILIKE $%d)", n, n))
		args = append(args, "%"+f.Search+"%")
		n++
	}
	where := " WHERE " + strings.Join(conds, " AND ")

	total, err := store.Scalar[int](ctx, r.q, `SELECT COUNT(*) FROM investigations`+where, args...)
	if err != nil {
		return nil, 0, perr.FromPostgres(err, "investigation count failed")
	}

	col, ok := sortCols[f.SortBy]
	if !ok {
		col = "created_at"
	}
	dir := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		dir = "ASC"
	}

	sql := `SELECT ` + invCols + ` FROM investigations` + where +
		fmt.Sprintf(" ORDER BY %s %s, id ASC", col, dir) +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", n, n+1)
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)

	out, err := store.Many(ctx, r.q, scanInvestigation, sql, args...)
	if err != nil {
		return nil, 0, perr.FromPostgres(err, "investigation list failed")
	}
	if out == nil {
		out = []domain.Investigation{}
	}
	return out, total, nil
}

const annCols = `id, investigation_id, COALESCE(parent_id, ''), author, body, created_at, deleted_at`

func scanAnnotation(row repokit.Row) (domain.Annotation, error) {
	var a domain.Annotation
	err := row.Scan(&a.ID, &a.InvestigationID, &a.ParentID, &a.Author, &a.Text, &a.CreatedAt, &a.DeletedAt)
	return a, err
}

func (r *queries) InsertAnnotation(ctx context.Context, a domain.Annotation) error {
	const sql = `
		INSERT INTO annotations (id, investigation_id, parent_id, author, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.q.Exec(ctx, sql,
		a.ID, a.InvestigationID, pstrings.SQLNull(a.ParentID), a.Author, a.Text, a.CreatedAt)
	if err != nil {
		return perr.FromPostgres(err, "annotation insert failed")
	}
	return nil
}

func (r *queries) GetAnnotation(ctx context.Context, id string) (domain.Annotation, error) {
	sql := `SELECT ` + annCols + ` FROM annotations WHERE id = $1 AND deleted_at IS NULL`
	a, err := store.One(ctx, r.q, scanAnnotation, sql, id)
	if err != nil {
		if errors.Is(err, perr.ErrNotFound) {
			return domain.Annotation{}, perr.NotFoundf("annotation %s not found", id)
		}
		return domain.Annotation{}, perr.FromPostgres(err, "annotation get failed")
	}
	return a, nil
}

func (r *queries) Annotations(ctx context.Context, investigationID string) ([]domain.Annotation, error) {
	sql := `SELECT ` + annCols + ` FROM annotations
		WHERE investigation_id = $1 AND deleted_at IS NULL
		ORDER BY created_at ASC, id ASC`
	out, err := store.Many(ctx, r.q, scanAnnotation, sql, investigationID)
	if err != nil {
		return nil, perr.FromPostgres(err, "annotation list failed")
	}
	if out == nil {
		out = []domain.Annotation{}
	}
	return out, nil
}

// DeleteAnnotation removes the note and any replies threaded under it
func (r *queries) DeleteAnnotation(ctx context.Context, id string) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE annotations SET deleted_at = NOW()
		 WHERE (id = $1 OR parent_id = $1) AND deleted_at IS NULL`, id)
	if err != nil {
		return perr.FromPostgres(err, "annotation delete failed")
	}
	if tag.RowsAffected() == 0 {
		return perr.NotFoundf("annotation %s not found", id)
	}
	return nil
}

func (r *queries) InsertRelation(ctx context.Context, id, relatedID string) error {
	const sql = `
		INSERT INTO investigation_relations (investigation_id, related_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (investigation_id, related_id) DO NOTHING
	`
	if _, err := r.q.Exec(ctx, sql, id, relatedID); err != nil {
		return perr.FromPostgres(err, "relation insert failed")
	}
	return nil
}

func (r *queries) DeleteRelation(ctx context.Context, id, relatedID string) error {
	const sql = `
		DELETE FROM investigation_relations
		WHERE (investigation_id = $1 AND related_id = $2)
		   OR (investigation_id = $2 AND related_id = $1)
	`
	if _, err := r.q.Exec(ctx, sql, id, relatedID); err != nil {
		return perr.FromPostgres(err, "relation delete failed")
	}
	return nil
}

// Related resolves relations in both directions
func (r *queries) Related(ctx context.Context, id string) ([]domain.Investigation, error) {
	sql := `SELECT ` + invCols + ` FROM investigations
		WHERE deleted_at IS NULL AND id IN (
			SELECT related_id FROM investigation_relations WHERE investigation_id = $1
			UNION
			SELECT investigation_id FROM investigation_relations WHERE related_id = $1
		)
		ORDER BY created_at DESC, id ASC`
	out, err := store.Many(ctx, r.q, scanInvestigation, sql, id)
	if err != nil {
		return nil, perr.FromPostgres(err, "related list failed")
	}
	if out == nil {
		out = []domain.Investigation{}
	}
	return out, nil
}
