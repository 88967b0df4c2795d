//go:build integration_pg
// +build integration_pg

package repo

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	perr "casefile/internal/platform/errors"
	"casefile/internal/platform/store"
	"casefile/internal/services/events/domain"
)

// startPostgres launches a disposable Postgres with the schema applied
// and returns a bound repo plus the raw querier for fixture rows
func startPostgres(t *testing.T) (Repo, store.TxRunner, func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("casefile"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.WithInitScripts(
			filepath.Join("..", "..", "..", "..", "migrations", "0001_init.sql"),
			filepath.Join("..", "..", "..", "..", "migrations", "0002_dlq_auth.sql"),
		),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2*time.Minute),
		),
	)
	if err != nil {
		cancel()
		t.Fatalf("failed to start postgres container: %v", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = ctr.Terminate(context.Background())
		cancel()
		t.Fatalf("failed to resolve dsn: %v", err)
	}

	st, err := store.Open(ctx, store.Config{
		AppName: "casefile-repo-integration",
		PG: store.PGConfig{
			Enabled:  true,
			URL:      dsn,
			MaxConns: 2,
		},
	}, store.WithLogger(zerolog.New(io.Discard)))
	if err != nil {
		_ = ctr.Terminate(context.Background())
		cancel()
		t.Fatalf("store open failed: %v", err)
	}

	stop := func() {
		_ = st.Close(context.Background())
		_ = ctr.Terminate(context.Background())
		cancel()
	}
	return NewPG().Bind(st.PG), st.PG, stop
}

func seedEvent(id string) domain.Event {
	return domain.Event{
		ID:         id,
		Source:     domain.SourceGit,
		SourceID:   "",
		EventType:  "commit",
		Severity:   domain.SeverityInfo,
		OccurredAt: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		IngestedAt: time.Date(2026, 3, 14, 12, 0, 5, 0, time.UTC),
		Payload:    map[string]any{"message": "fix flaky retry"},
		Tags:       []string{"payments"},
	}
}

func seedInvestigation(ctx context.Context, t *testing.T, q store.RowQuerier, id string) {
	t.Helper()
	_, err := q.Exec(ctx,
		`INSERT INTO investigations (id, title) VALUES ($1, $2)`, id, "checkout latency")
	if err != nil {
		t.Fatalf("seed investigation: %v", err)
	}
}

func TestRepo_Integration_InsertDedupeAndGet(t *testing.T) {
	r, _, stop := startPostgres(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	ev := seedEvent("evt-1")
	ev.SourceID = "abc123"

	created, err := r.Insert(ctx, ev)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !created {
		t.Fatal("first insert should create")
	}

	// same foreign id is absorbed without mutation
	dup := ev
	dup.ID = "evt-1-retry"
	dup.EventType = "commit-changed"
	created, err = r.Insert(ctx, dup)
	if err != nil {
		t.Fatalf("dup insert: %v", err)
	}
	if created {
		t.Fatal("duplicate (source, source_id) should be absorbed")
	}

	got, err := r.Get(ctx, "evt-1", false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EventType != "commit" || got.SourceID != "abc123" {
		t.Fatalf("stored row mutated: %+v", got)
	}
	if msg, _ := got.Payload["message"].(string); msg != "fix flaky retry" {
		t.Fatalf("payload did not round trip: %#v", got.Payload)
	}

	if _, err := r.Get(ctx, "nope", false); !errors.Is(err, perr.ErrNotFound) {
		t.Fatalf("missing id should yield not found, got %v", err)
	}

	// rows without a foreign id never collide
	e2 := seedEvent("evt-2")
	e3 := seedEvent("evt-3")
	for _, e := range []domain.Event{e2, e3} {
		created, err := r.Insert(ctx, e)
		if err != nil || !created {
			t.Fatalf("insert %s: created=%v err=%v", e.ID, created, err)
		}
	}
}

func TestRepo_Integration_ListFilters(t *testing.T) {
	r, _, stop := startPostgres(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	fixtures := []domain.Event{
		{ID: "g1", Source: domain.SourceGit, EventType: "commit", Severity: domain.SeverityInfo,
			OccurredAt: base, Tags: []string{"payments"}},
		{ID: "c1", Source: domain.SourceCI, EventType: "build_failed", Severity: domain.SeverityHigh,
			OccurredAt: base.Add(10 * time.Minute), Tags: []string{"payments", "ci"}},
		{ID: "l1", Source: domain.SourceLogs, EventType: "error_burst", Severity: domain.SeverityHigh,
			OccurredAt: base.Add(3 * time.Hour)},
	}
	for _, ev := range fixtures {
		if _, err := r.Insert(ctx, ev); err != nil {
			t.Fatalf("seed %s: %v", ev.ID, err)
		}
	}

	evs, total, err := r.List(ctx, domain.Filter{Source: domain.SourceCI, Limit: 10})
	if err != nil {
		t.Fatalf("list by source: %v", err)
	}
	if total != 1 || len(evs) != 1 || evs[0].ID != "c1" {
		t.Fatalf("source filter mismatch: total=%d evs=%+v", total, evs)
	}

	evs, total, err = r.List(ctx, domain.Filter{Tag: "payments", Limit: 10})
	if err != nil {
		t.Fatalf("list by tag: %v", err)
	}
	if total != 2 {
		t.Fatalf("tag filter total=%d want=2", total)
	}

	until := base.Add(time.Hour)
	evs, total, err = r.List(ctx, domain.Filter{Since: &base, Until: &until, Limit: 10})
	if err != nil {
		t.Fatalf("list by window: %v", err)
	}
	if total != 2 {
		t.Fatalf("window total=%d want=2", total)
	}
	for _, ev := range evs {
		if ev.ID == "l1" {
			t.Fatal("event outside the window leaked in")
		}
	}

	// newest occurred_at first
	evs, _, err = r.List(ctx, domain.Filter{Limit: 10})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(evs) != 3 || evs[0].ID != "l1" || evs[2].ID != "g1" {
		t.Fatalf("ordering mismatch: %+v", evs)
	}

	// paging keeps the total stable
	evs, total, err = r.List(ctx, domain.Filter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if total != 3 || len(evs) != 1 || evs[0].ID != "c1" {
		t.Fatalf("paging mismatch: total=%d evs=%+v", total, evs)
	}
}

func TestRepo_Integration_LinksAndSoftDeletedInvestigations(t *testing.T) {
	r, q, stop := startPostgres(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	if _, err := r.Insert(ctx, seedEvent("evt-1")); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	seedInvestigation(ctx, t, q, "inv-1")

	linked, err := r.InsertLink(ctx, "evt-1", "inv-1")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if !linked {
		t.Fatal("first link should report linked")
	}

	// re-link is absorbed
	linked, err = r.InsertLink(ctx, "evt-1", "inv-1")
	if err != nil {
		t.Fatalf("re-link: %v", err)
	}
	if linked {
		t.Fatal("second link should be a no-op")
	}

	evs, total, err := r.List(ctx, domain.Filter{InvestigationID: "inv-1", Limit: 10})
	if err != nil {
		t.Fatalf("list by investigation: %v", err)
	}
	if total != 1 || len(evs) != 1 || evs[0].ID != "evt-1" {
		t.Fatalf("linked listing mismatch: total=%d evs=%+v", total, evs)
	}

	// soft deleting the investigation hides its events without dropping link rows
	if _, err := q.Exec(ctx,
		`UPDATE investigations SET deleted_at = NOW() WHERE id = $1`, "inv-1"); err != nil {
		t.Fatalf("soft delete investigation: %v", err)
	}
	_, total, err = r.List(ctx, domain.Filter{InvestigationID: "inv-1", Limit: 10})
	if err != nil {
		t.Fatalf("list after soft delete: %v", err)
	}
	if total != 0 {
		t.Fatalf("soft deleted investigation still lists events: total=%d", total)
	}

	var links int
	if err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM event_investigation_links WHERE investigation_id = $1`, "inv-1").
		Scan(&links); err != nil {
		t.Fatalf("count links: %v", err)
	}
	if links != 1 {
		t.Fatalf("link rows should survive soft delete, got %d", links)
	}

	// restoring the investigation brings the events back
	if _, err := q.Exec(ctx,
		`UPDATE investigations SET deleted_at = NULL WHERE id = $1`, "inv-1"); err != nil {
		t.Fatalf("restore investigation: %v", err)
	}
	_, total, err = r.List(ctx, domain.Filter{InvestigationID: "inv-1", Limit: 10})
	if err != nil {
		t.Fatalf("list after restore: %v", err)
	}
	if total != 1 {
		t.Fatalf("restored investigation should list events again: total=%d", total)
	}

	if err := r.DeleteLink(ctx, "evt-1", "inv-1"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	_, total, err = r.List(ctx, domain.Filter{InvestigationID: "inv-1", Limit: 10})
	if err != nil {
		t.Fatalf("list after unlink: %v", err)
	}
	if total != 0 {
		t.Fatalf("unlinked event still listed: total=%d", total)
	}
}

func TestRepo_Integration_SoftDeleteAndRestoreEvent(t *testing.T) {
	r, _, stop := startPostgres(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	if _, err := r.Insert(ctx, seedEvent("evt-1")); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	if err := r.SetDeleted(ctx, "evt-1", true); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := r.Get(ctx, "evt-1", false); !errors.Is(err, perr.ErrNotFound) {
		t.Fatalf("soft deleted event should be hidden, got %v", err)
	}
	got, err := r.Get(ctx, "evt-1", true)
	if err != nil {
		t.Fatalf("get with deleted: %v", err)
	}
	if got.DeletedAt == nil {
		t.Fatal("deleted_at should be stamped")
	}

	if err := r.SetDeleted(ctx, "evt-1", false); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got, err = r.Get(ctx, "evt-1", false)
	if err != nil {
		t.Fatalf("get after restore: %v", err)
	}
	if got.DeletedAt != nil {
		t.Fatal("restore should clear deleted_at")
	}
}
