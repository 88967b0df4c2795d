// Package dlq stores events that failed ingestion for operator replay
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"casefile/internal/ingest"
	"casefile/internal/modkit"
	"casefile/internal/modkit/repokit"
	perr "casefile/internal/platform/errors"
	"casefile/internal/platform/logger"
	"casefile/internal/platform/metrics"
	"casefile/internal/platform/store"
	evdom "casefile/internal/services/events/domain"
)

// Entry is one dead-lettered event
type Entry struct {
	ID             string // the failed event's id
	Source         string
	Event          evdom.Event
	Error          string
	RetryCount     int
	FirstFailureAt time.Time
	LastFailureAt  time.Time
}

// Repo is the DLQ persistence surface
type Repo interface {
	// Upsert keeps the first failure instant and refreshes the rest
	Upsert(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (Entry, error)
	List(ctx context.Context, source string, limit, offset int) ([]Entry, int, error)
	Remove(ctx context.Context, id string) error
	Purge(ctx context.Context, source string) (int, error)
	Size(ctx context.Context) (int, error)
	SizeBySource(ctx context.Context, source string) (int, error)
}

type (
	// PG is a Postgres implementation of the DLQ repo
	PG      struct{}
	queries struct{ q repokit.Queryer }
)

// NewPG returns a binder for the Postgres implementation
func NewPG() repokit.Binder[Repo] { return PG{} }

// Bind attaches a Queryer to the Postgres implementation
func (PG) Bind(q repokit.Queryer) Repo { return &queries{q: q} }

func (r *queries) Upsert(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(wireEvent(e.Event))
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeJSON, "dlq event marshal failed")
	}
	const sql = `
		INSERT INTO dlq_events (id, source, event, error, retry_count, first_failure_at, last_failure_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			event = EXCLUDED.event,
			error = EXCLUDED.error,
			retry_count = EXCLUDED.retry_count,
			last_failure_at = EXCLUDED.last_failure_at
	`
	_, err = r.q.Exec(ctx, sql,
		e.ID, e.Source, payload, e.Error, e.RetryCount, e.FirstFailureAt, e.LastFailureAt)
	if err != nil {
		return perr.FromPostgres(err, "dlq upsert failed")
	}
	return nil
}

const dlqCols = `id, source, event, error, retry_count, first_failure_at, last_failure_at`

func scanEntry(row repokit.Row) (Entry, error) {
	var (
		e       Entry
		payload []byte
	)
	if err := row.Scan(
		&e.ID, &e.Source, &payload, &e.Error, &e.RetryCount, &e.FirstFailureAt, &e.LastFailureAt,
	); err != nil {
		return Entry{}, err
	}
	var w eventWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return Entry{}, perr.Wrapf(err, perr.ErrorCodeJSON, "dlq event unmarshal failed")
	}
	e.Event = w.toDomain()
	return e, nil
}

func (r *queries) Get(ctx context.Context, id string) (Entry, error) {
	sql := `SELECT ` + dlqCols + ` FROM dlq_events WHERE id = $1`
	e, err := store.One(ctx, r.q, scanEntry, sql, id)
	if err != nil {
		if errors.Is(err, perr.ErrNotFound) {
			return Entry{}, perr.NotFoundf("dlq entry %s not found", id)
		}
		return Entry{}, perr.FromPostgres(err, "dlq get failed")
	}
	return e, nil
}

func (r *queries) List(ctx context.Context, source string, limit, offset int) ([]Entry, int, error) {
	where := ""
	args := []any{}
	if source != "" {
		where = ` WHERE source = $1`
		args = append(args, source)
	}
	total, err := store.Scalar[int](ctx, r.q, `SELECT COUNT(*) FROM dlq_events`+where, args...)
	if err != nil {
		return nil, 0, perr.FromPostgres(err, "dlq count failed")
	}

	n := len(args)
	sql := `SELECT ` + dlqCols + ` FROM dlq_events` + where +
		` ORDER BY last_failure_at DESC, id ASC`
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", n+1, n+2)
		args = append(args, limit, offset)
	}
	out, err := store.Many(ctx, r.q, scanEntry, sql, args...)
	if err != nil {
		return nil, 0, perr.FromPostgres(err, "dlq list failed")
	}
	if out == nil {
		out = []Entry{}
	}
	return out, total, nil
}

func (r *queries) Remove(ctx context.Context, id string) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM dlq_events WHERE id = $1`, id); err != nil {
		return perr.FromPostgres(err, "dlq remove failed")
	}
	return nil
}

func (r *queries) Purge(ctx context.Context, source string) (int, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM dlq_events WHERE source = $1`, source)
	if err != nil {
		return 0, perr.FromPostgres(err, "dlq purge failed")
	}
	return int(tag.RowsAffected()), nil
}

func (r *queries) Size(ctx context.Context) (int, error) {
	return store.Scalar[int](ctx, r.q, `SELECT COUNT(*) FROM dlq_events`)
}

func (r *queries) SizeBySource(ctx context.Context, source string) (int, error) {
	return store.Scalar[int](ctx, r.q, `SELECT COUNT(*) FROM dlq_events WHERE source = $1`, source)
}

// eventWire is the stable serialized form of a quarantined event
type eventWire struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	SourceID   string         `json:"source_id,omitempty"`
	EventType  string         `json:"event_type"`
	Severity   string         `json:"severity"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
}

func wireEvent(ev evdom.Event) eventWire {
	return eventWire{
		ID:         ev.ID,
		Source:     string(ev.Source),
		SourceID:   ev.SourceID,
		EventType:  ev.EventType,
		Severity:   string(ev.Severity),
		OccurredAt: ev.OccurredAt,
		Payload:    ev.Payload,
		Tags:       ev.Tags,
	}
}

func (w eventWire) toDomain() evdom.Event {
	return evdom.Event{
		ID:         w.ID,
		Source:     evdom.Source(w.Source),
		SourceID:   w.SourceID,
		EventType:  w.EventType,
		Severity:   evdom.Severity(w.Severity),
		OccurredAt: w.OccurredAt,
		Payload:    w.Payload,
		Tags:       w.Tags,
	}
}

// Service is the DLQ behavior exposed to connectors and operators.
// Put never returns an error so ingestion paths cannot fail on the DLQ itself
type Service struct {
	log    logger.Logger
	pg     repokit.TxRunner
	repo   repokit.Binder[Repo]
	writer evdom.WriterPort
	now    func() time.Time
}

var _ ingest.DeadLetter = (*Service)(nil)

// New constructs the DLQ service; writer is used for replay
func New(d modkit.Deps, b repokit.Binder[Repo], writer evdom.WriterPort) *Service {
	return &Service{
		log:    *logger.Named("dlq"),
		pg:     d.PG,
		repo:   b,
		writer: writer,
		now:    time.Now,
	}
}

// Put parks a failed event. Failures are logged and reported as false, never raised
func (s *Service) Put(ctx context.Context, ev evdom.Event, cause string, retryCount int) bool {
	if ev.ID == "" {
		return false
	}
	now := s.now().UTC()
	err := s.repo.Bind(s.pg).Upsert(ctx, Entry{
		ID:             ev.ID,
		Source:         string(ev.Source),
		Event:          ev,
		Error:          cause,
		RetryCount:     retryCount,
		FirstFailureAt: now,
		LastFailureAt:  now,
	})
	if err != nil {
		s.log.Error().Err(err).Str("event_id", ev.ID).Msg("dlq park failed")
		return false
	}
	s.refreshGauge(ctx)
	return true
}

// List returns entries newest failure first
func (s *Service) List(ctx context.Context, source string, limit, offset int) ([]Entry, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.Bind(s.pg).List(ctx, source, limit, offset)
}

// Replay re-ingests one entry and removes it on success.
// A duplicate on replay counts as success since the event is already stored
func (s *Service) Replay(ctx context.Context, id string) (evdom.Event, error) {
	r := s.repo.Bind(s.pg)
	entry, err := r.Get(ctx, id)
	if err != nil {
		return evdom.Event{}, err
	}
	out, _, err := s.writer.Create(ctx, entry.Event)
	if err != nil {
		return evdom.Event{}, err
	}
	if err := r.Remove(ctx, id); err != nil {
		return evdom.Event{}, err
	}
	s.log.Info().Str("event_id", id).Str("source", entry.Source).Msg("dlq entry replayed")
	s.refreshGauge(ctx)
	return out, nil
}

// Remove drops an entry without replaying it
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.repo.Bind(s.pg).Remove(ctx, id); err != nil {
		return err
	}
	s.refreshGauge(ctx)
	return nil
}

// Purge drops every entry for one source and returns the count removed
func (s *Service) Purge(ctx context.Context, source string) (int, error) {
	n, err := s.repo.Bind(s.pg).Purge(ctx, source)
	if err != nil {
		return 0, err
	}
	s.log.Info().Str("source", source).Int("removed", n).Msg("dlq purged")
	s.refreshGauge(ctx)
	return n, nil
}

// SizeBySource reports the entry count for one source
func (s *Service) SizeBySource(ctx context.Context, source string) (int, error) {
	return s.repo.Bind(s.pg).SizeBySource(ctx, source)
}

func (s *Service) refreshGauge(ctx context.Context) {
	if n, err := s.repo.Bind(s.pg).Size(ctx); err == nil {
		metrics.SetDLQSize(n)
	}
}
