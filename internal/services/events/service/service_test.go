package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"casefile/internal/modkit"
	"casefile/internal/modkit/repokit"
	perr "casefile/internal/platform/errors"
	"casefile/internal/services/events/domain"
	"casefile/internal/services/events/repo"
)

// nopQueryer satisfies the store seam so binding succeeds; the fake repo ignores it
type nopQueryer struct{}

func (nopQueryer) Exec(context.Context, string, ...any) (repokit.CommandTag, error) {
	return nil, errors.New("not implemented")
}
func (nopQueryer) Query(context.Context, string, ...any) (repokit.Rows, error) {
	return nil, errors.New("not implemented")
}
func (nopQueryer) QueryRow(context.Context, string, ...any) repokit.Row { return nil }
func (nopQueryer) Tx(ctx context.Context, fn func(q repokit.Queryer) error) error {
	return fn(nopQueryer{})
}

type memRepo struct {
	events map[string]domain.Event
	byKey  map[string]string // source+"\x00"+sourceID -> event id
	links  map[string]bool   // eventID+"\x00"+invID
	order  []string

	insertErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		events: map[string]domain.Event{},
		byKey:  map[string]string{},
		links:  map[string]bool{},
	}
}

func (m *memRepo) key(ev domain.Event) string { return string(ev.Source) + "\x00" + ev.SourceID }

func (m *memRepo) Insert(_ context.Context, ev domain.Event) (bool, error) {
	if m.insertErr != nil {
		return false, m.insertErr
	}
	if ev.SourceID != "" {
		if _, dup := m.byKey[m.key(ev)]; dup {
			return false, nil
		}
		m.byKey[m.key(ev)] = ev.ID
	}
	m.events[ev.ID] = ev
	m.order = append(m.order, ev.ID)
	return true, nil
}

func (m *memRepo) Get(_ context.Context, id string, includeDeleted bool) (domain.Event, error) {
	ev, ok := m.events[id]
	if !ok || (!includeDeleted && ev.DeletedAt != nil) {
		return domain.Event{}, perr.NotFoundf("event %s not found", id)
	}
	return ev, nil
}

func (m *memRepo) Update(_ context.Context, id string, p domain.Patch) error {
	ev, ok := m.events[id]
	if !ok || ev.DeletedAt != nil {
		return perr.NotFoundf("event %s not found", id)
	}
	if p.EventType != nil {
		ev.EventType = *p.EventType
	}
	if p.Severity != nil {
		ev.Severity = *p.Severity
	}
	if p.SetTags {
		ev.Tags = p.Tags
	}
	m.events[id] = ev
	return nil
}

func (m *memRepo) SetDeleted(_ context.Context, id string, deleted bool) error {
	ev, ok := m.events[id]
	if !ok {
		return perr.NotFoundf("event %s not found", id)
	}
	if deleted {
		now := time.Now()
		ev.DeletedAt = &now
	} else {
		ev.DeletedAt = nil
	}
	m.events[id] = ev
	return nil
}

func (m *memRepo) List(_ context.Context, f domain.Filter) ([]domain.Event, int, error) {
	out := []domain.Event{}
	for _, id := range m.order {
		ev := m.events[id]
		if ev.DeletedAt != nil && !f.IncludeDeleted {
			continue
		}
		if f.Source != "" && ev.Source != f.Source {
			continue
		}
		if f.InvestigationID != "" && !m.links[id+"\x00"+f.InvestigationID] {
			continue
		}
		out = append(out, ev)
	}
	return out, len(out), nil
}

func (m *memRepo) InsertLink(_ context.Context, eventID, invID string) (bool, error) {
	k := eventID + "\x00" + invID
	if m.links[k] {
		return false, nil
	}
	m.links[k] = true
	return true, nil
}

func (m *memRepo) DeleteLink(_ context.Context, eventID, invID string) error {
	delete(m.links, eventID+"\x00"+invID)
	return nil
}

func newService(m *memRepo) *Service {
	deps := modkit.Deps{PG: nopQueryer{}}
	s := New(deps, repokit.BindFunc[repo.Repo](func(repokit.Queryer) repo.Repo { return m }))
	s.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestCreateNormalizes(t *testing.T) {
	t.Parallel()
	m := newMemRepo()
	s := newService(m)

	out, created, err := s.Create(context.Background(), domain.Event{
		Source:    domain.SourceGit,
		SourceID:  "abc123",
		EventType: "commit",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatal("expected created=true")
	}
	if out.ID == "" {
		t.Error("expected an assigned id")
	}
	if out.Severity != domain.SeverityInfo {
		t.Errorf("severity = %q, want info default", out.Severity)
	}
	if out.OccurredAt.IsZero() || out.IngestedAt.IsZero() {
		t.Error("timestamps not stamped")
	}
}

func TestCreateDuplicateAbsorbed(t *testing.T) {
	t.Parallel()
	m := newMemRepo()
	s := newService(m)

	ev := domain.Event{Source: domain.SourceCI, SourceID: "build-9", EventType: "ci_run"}
	if _, created, err := s.Create(context.Background(), ev); err != nil || !created {
		t.Fatalf("first create = (%v, %v)", created, err)
	}
	_, created, err := s.Create(context.Background(), ev)
	if err != nil {
		t.Fatalf("duplicate create errored: %v", err)
	}
	if created {
		t.Error("duplicate reported created=true")
	}
	if len(m.events) != 1 {
		t.Errorf("store holds %d rows, want 1", len(m.events))
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := newService(newMemRepo())

	cases := []struct {
		name string
		ev   domain.Event
	}{
		{"unknown source", domain.Event{Source: "pager", EventType: "x"}},
		{"unknown severity", domain.Event{Source: domain.SourceGit, EventType: "x", Severity: "mild"}},
		{"missing event type", domain.Event{Source: domain.SourceGit}},
		{"too many tags", domain.Event{Source: domain.SourceGit, EventType: "x", Tags: make([]string, 33)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, _, err := s.Create(context.Background(), tc.ev); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestIngestCountsInsertedAndDuplicates(t *testing.T) {
	t.Parallel()
	m := newMemRepo()
	s := newService(m)

	batch := []domain.Event{
		{Source: domain.SourceGit, SourceID: "c1", EventType: "commit"},
		{Source: domain.SourceGit, SourceID: "c2", EventType: "commit"},
		{Source: domain.SourceGit, SourceID: "c1", EventType: "commit"},
	}
	stats, err := s.Ingest(context.Background(), batch)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if stats.Inserted != 2 || stats.Duplicates != 1 {
		t.Errorf("stats = %+v, want 2 inserted 1 duplicate", stats)
	}
}

func TestIngestRejectsWholeBatchOnInvalidEvent(t *testing.T) {
	t.Parallel()
	m := newMemRepo()
	s := newService(m)

	batch := []domain.Event{
		{Source: domain.SourceGit, SourceID: "c1", EventType: "commit"},
		{Source: "nope", SourceID: "c2", EventType: "commit"},
	}
	if _, err := s.Ingest(context.Background(), batch); err == nil {
		t.Fatal("expected batch rejection")
	}
	if len(m.events) != 0 {
		t.Errorf("store holds %d rows, want 0", len(m.events))
	}
}

func TestListClampsLimit(t *testing.T) {
	t.Parallel()
	m := newMemRepo()
	s := newService(m)

	if _, _, err := s.List(context.Background(), domain.Filter{Limit: 100000, Offset: -4}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, _, err := s.List(context.Background(), domain.Filter{Source: "pager"}); err == nil {
		t.Fatal("expected validation error for unknown source")
	}
}

func TestLinkRequiresLiveEvent(t *testing.T) {
	t.Parallel()
	m := newMemRepo()
	s := newService(m)

	if _, err := s.Link(context.Background(), "missing", "inv-1"); err == nil {
		t.Fatal("expected not found")
	}

	out, _, err := s.Create(context.Background(), domain.Event{
		Source: domain.SourceLogs, EventType: "log_error",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	linked, err := s.Link(context.Background(), out.ID, "inv-1")
	if err != nil || !linked {
		t.Fatalf("link = (%v, %v), want (true, nil)", linked, err)
	}
	linked, err = s.Link(context.Background(), out.ID, "inv-1")
	if err != nil {
		t.Fatalf("repeat link errored: %v", err)
	}
	if linked {
		t.Error("repeat link reported linked=true")
	}
}

func TestSoftDeleteHidesFromGet(t *testing.T) {
	t.Parallel()
	m := newMemRepo()
	s := newService(m)

	out, _, err := s.Create(context.Background(), domain.Event{
		Source: domain.SourceTraces, EventType: "slow_trace",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SoftDelete(context.Background(), out.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := s.Get(context.Background(), out.ID); err == nil {
		t.Fatal("expected not found after soft delete")
	}
	if err := s.Restore(context.Background(), out.ID); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := s.Get(context.Background(), out.ID); err != nil {
		t.Fatalf("get after restore: %v", err)
	}
}
