// Package repo provides the events repository implementation
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"casefile/internal/modkit/repokit"
	perr "casefile/internal/platform/errors"
	"casefile/internal/platform/store"
	pstrings "casefile/internal/platform/strings"
	"casefile/internal/services/events/domain"
)

// Repo is the events persistence surface used by the service layer
type Repo interface {
	// Insert reports created=false when the (source, source_id) pair already exists
	Insert(ctx context.Context, ev domain.Event) (created bool, err error)
	Get(ctx context.Context, id string, includeDeleted bool) (domain.Event, error)
	Update(ctx context.Context, id string, p domain.Patch) error
	SetDeleted(ctx context.Context, id string, deleted bool) error
	List(ctx context.Context, f domain.Filter) ([]domain.Event, int, error)

	InsertLink(ctx context.Context, eventID, investigationID string) (linked bool, err error)
	DeleteLink(ctx context.Context, eventID, investigationID string) error
}

type (
	// PG is a Postgres implementation of the events repo
	PG      struct{}
	queries struct{ q repokit.Queryer }
)

// NewPG returns a binder for the Postgres implementation
func NewPG() repokit.Binder[Repo] { return PG{} }

// Bind attaches a Queryer to the Postgres implementation
func (PG) Bind(q repokit.Queryer) Repo { return &queries{q: q} }

const eventCols = `
	id, source, COALESCE(source_id, ''), event_type, severity,
	occurred_at, ingested_at, payload, tags, deleted_at`

const eventColsAliased = `
	e.id, e.source, COALESCE(e.source_id, ''), e.event_type, e.severity,
	e.occurred_at, e.ingested_at, e.payload, e.tags, e.deleted_at`

// Insert absorbs duplicate (source, source_id) pairs without mutation
func (r *queries) Insert(ctx context.Context, ev domain.Event) (bool, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return false, perr.Wrapf(err, perr.ErrorCodeJSON, "event payload marshal failed")
	}
	if ev.IngestedAt.IsZero() {
		ev.IngestedAt = time.Now().UTC()
	}

	const sql = `
		INSERT INTO events (
			id, source, source_id, event_type, severity,
			occurred_at, ingested_at, payload, tags
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (source, source_id) WHERE source_id IS NOT NULL DO NOTHING
	`
	tag, err := r.q.Exec(ctx, sql,
		ev.ID, string(ev.Source), pstrings.SQLNull(ev.SourceID), ev.EventType, string(ev.Severity),
		ev.OccurredAt, ev.IngestedAt, payload, ev.Tags,
	)
	if err != nil {
		return false, perr.FromPostgres(err, "events insert failed")
	}
	return tag.RowsAffected() == 1, nil
}

func scanEvent(row repokit.Row) (domain.Event, error) {
	var (
		ev      domain.Event
		source  string
		sev     string
		payload []byte
	)
	if err := row.Scan(
		&ev.ID, &source, &ev.SourceID, &ev.EventType, &sev,
		&ev.OccurredAt, &ev.IngestedAt, &payload, &ev.Tags, &ev.DeletedAt,
	); err != nil {
		return domain.Event{}, err
	}
	ev.Source = domain.Source(source)
	ev.Severity = domain.Severity(sev)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return domain.Event{}, perr.Wrapf(err, perr.ErrorCodeJSON, "event payload unmarshal failed")
		}
	}
	return ev, nil
}

// Get returns one event by id
func (r *queries) Get(ctx context.Context, id string, includeDeleted bool) (domain.Event, error) {
	sql := `SELECT ` + eventCols + ` FROM events WHERE id = $1`
	if !includeDeleted {
		sql += ` AND deleted_at IS NULL`
	}
	ev, err := store.One(ctx, r.q, scanEvent, sql, id)
	if err != nil {
		if errors.Is(err, perr.ErrNotFound) {
			return domain.Event{}, perr.NotFoundf("event %s not found", id)
		}
		return domain.Event{}, perr.FromPostgres(err, "events get failed")
	}
	return ev, nil
}

// Update applies a partial patch to a live event
func (r *queries) Update(ctx context.Context, id string, p domain.Patch) error {
	sets := []string{}
	args := []any{}
	n := 1

	add := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, v)
		n++
	}
	if p.EventType != nil {
		add("event_type", *p.EventType)
	}
	if p.Severity != nil {
		add("severity", string(*p.Severity))
	}
	if p.OccurredAt != nil {
		add("occurred_at", *p.OccurredAt)
	}
	if p.Payload != nil {
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return perr.Wrapf(err, perr.ErrorCodeJSON, "event payload marshal failed")
		}
		add("payload", payload)
	}
	if p.SetTags {
		add("tags", p.Tags)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	sql := fmt.Sprintf(
		`UPDATE events SET %s WHERE id = $%d AND deleted_at IS NULL`,
		strings.Join(sets, ", "), n,
	)
	tag, err := r.q.Exec(ctx, sql, args...)
	if err != nil {
		return perr.FromPostgres(err, "events update failed")
	}
	if tag.RowsAffected() == 0 {
		return perr.NotFoundf("event %s not found", id)
	}
	return nil
}

// SetDeleted sets or clears the soft delete marker
func (r *queries) SetDeleted(ctx context.Context, id string, deleted bool) error {
	var sql string
	if deleted {
		sql = `UPDATE events SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`
	} else {
		sql = `UPDATE events SET deleted_at = NULL WHERE id = $1 AND deleted_at IS NOT NULL`
	}
	tag, err := r.q.Exec(ctx, sql, id)
	if err != nil {
		return perr.FromPostgres(err, "events delete flag failed")
	}
	if tag.RowsAffected() == 0 {
		return perr.NotFoundf("event %s not found", id)
	}
	return nil
}

// whereFor builds the filter clause; args start at $1
func whereFor(f domain.Filter) (string, []any) {
	conds := []string{}
	args := []any{}
	n := 1

	add := func(cond string, v any) {
		conds = append(conds, fmt.Sprintf(cond, n))
		args = append(args, v)
		n++
	}
	if !f.IncludeDeleted {
		conds = append(conds, "e.deleted_at IS NULL")
	}
	if f.Source != "" {
		add("e.source = $%d", string(f.Source))
	}
	if f.Severity != "" {
		add("e.severity = $%d", string(f.Severity))
	}
	if f.EventType != "" {
		add("e.event_type = $%d", f.EventType)
	}
	if f.Tag != "" {
		add("$%d = ANY(e.tags)", f.Tag)
	}
	if f.Since != nil {
		add("e.occurred_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("e.occurred_at <= $%d", *f.Until)
	}
	if f.InvestigationID != "" {
		// links to a soft-deleted investigation are hidden, not removed
		add(`EXISTS (
			SELECT 1 FROM event_investigation_links l
			JOIN investigations i ON i.id = l.investigation_id AND i.deleted_at IS NULL
			WHERE l.event_id = e.id AND l.investigation_id = $%d
		)`, f.InvestigationID)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns matching events newest occurrence first plus the total count
func (r *queries) List(ctx context.Context, f domain.Filter) ([]domain.Event, int, error) {
	where, args := whereFor(f)

	total, err := r.count(ctx, where, args)
	if err != nil {
		return nil, 0, err
	}

	sql := `SELECT ` + eventColsAliased + ` FROM events e` + where +
		` ORDER BY e.occurred_at DESC, e.ingested_at DESC, e.id ASC`
	n := len(args)
	if f.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT $%d", n+1)
		args = append(args, f.Limit)
		n++
	}
	if f.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET $%d", n+1)
		args = append(args, f.Offset)
	}

	out, err := store.Many(ctx, r.q, scanEvent, sql, args...)
	if err != nil {
		return nil, 0, perr.FromPostgres(err, "events list failed")
	}
	if out == nil {
		out = []domain.Event{}
	}
	return out, total, nil
}

func (r *queries) count(ctx context.Context, where string, args []any) (int, error) {
	total, err := store.Scalar[int](ctx, r.q, `SELECT COUNT(*) FROM events e`+where, args...)
	if err != nil {
		return 0, perr.FromPostgres(err, "events count failed")
	}
	return total, nil
}

// InsertLink is idempotent; linked_at is written only on first insert
func (r *queries) InsertLink(ctx context.Context, eventID, investigationID string) (bool, error) {
	const sql = `
		INSERT INTO event_investigation_links (event_id, investigation_id, linked_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (event_id, investigation_id) DO NOTHING
	`
	tag, err := r.q.Exec(ctx, sql, eventID, investigationID)
	if err != nil {
		return false, perr.FromPostgres(err, "event link failed")
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteLink removes one association, tolerating absence
func (r *queries) DeleteLink(ctx context.Context, eventID, investigationID string) error {
	const sql = `DELETE FROM event_investigation_links WHERE event_id = $1 AND investigation_id = $2`
	if _, err := r.q.Exec(ctx, sql, eventID, investigationID); err != nil {
		return perr.FromPostgres(err, "event unlink failed")
	}
	return nil
}
