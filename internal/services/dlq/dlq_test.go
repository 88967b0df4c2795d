package dlq

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"casefile/internal/ingest"
	"casefile/internal/ingest/sources/git"
	"casefile/internal/modkit"
	"casefile/internal/modkit/repokit"
	perr "casefile/internal/platform/errors"
	"casefile/internal/platform/testkit"
	"casefile/internal/services/events/domain"
	evrepo "casefile/internal/services/events/repo"
	evservice "casefile/internal/services/events/service"
)

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
	entries map[string]Entry
	order   []string

	upsertErr error
	removeErr error
}

func newMemRepo() *memRepo {
	return &memRepo{entries: map[string]Entry{}}
}

func (m *memRepo) Upsert(_ context.Context, e Entry) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	if prev, ok := m.entries[e.ID]; ok {
		// first failure instant survives refreshes
		e.FirstFailureAt = prev.FirstFailureAt
		m.entries[e.ID] = e
		return nil
	}
	m.entries[e.ID] = e
	m.order = append(m.order, e.ID)
	return nil
}

func (m *memRepo) Get(_ context.Context, id string) (Entry, error) {
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, perr.NotFoundf("dlq entry %s not found", id)
	}
	return e, nil
}

func (m *memRepo) List(_ context.Context, source string, limit, offset int) ([]Entry, int, error) {
	out := []Entry{}
	for _, id := range m.order {
		e := m.entries[id]
		if source != "" && e.Source != source {
			continue
		}
		out = append(out, e)
	}
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *memRepo) Remove(_ context.Context, id string) error {
	if m.removeErr != nil {
		return m.removeErr
	}
	delete(m.entries, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *memRepo) Purge(_ context.Context, source string) (int, error) {
	n := 0
	kept := m.order[:0]
	for _, id := range m.order {
		if m.entries[id].Source == source {
			delete(m.entries, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return n, nil
}

func (m *memRepo) Size(_ context.Context) (int, error) { return len(m.entries), nil }

func (m *memRepo) SizeBySource(_ context.Context, source string) (int, error) {
	n := 0
	for _, e := range m.entries {
		if e.Source == source {
			n++
		}
	}
	return n, nil
}

type fakeWriter struct {
	created   []domain.Event
	createErr error
	duplicate bool
}

func (f *fakeWriter) Create(_ context.Context, ev domain.Event) (domain.Event, bool, error) {
	if f.createErr != nil {
		return domain.Event{}, false, f.createErr
	}
	if f.duplicate {
		return ev, false, nil
	}
	f.created = append(f.created, ev)
	return ev, true, nil
}

func (f *fakeWriter) Ingest(context.Context, []domain.Event) (domain.IngestStats, error) {
	return domain.IngestStats{}, errors.New("not implemented")
}
func (f *fakeWriter) Update(context.Context, string, domain.Patch) error {
	return errors.New("not implemented")
}
func (f *fakeWriter) SoftDelete(context.Context, string) error { return errors.New("not implemented") }
func (f *fakeWriter) Restore(context.Context, string) error    { return errors.New("not implemented") }

func newService(m *memRepo, w *fakeWriter) *Service {
	s := &Service{
		log:    zerolog.New(io.Discard),
		pg:     nopQueryer{},
		repo:   repokit.BindFunc[Repo](func(repokit.Queryer) Repo { return m }),
		writer: w,
		now:    func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) },
	}
	return s
}

func failedEvent(id string) domain.Event {
	return domain.Event{
		ID:         id,
		Source:     domain.SourceCI,
		EventType:  "build_failed",
		Severity:   domain.SeverityHigh,
		OccurredAt: time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC),
	}
}

func TestPutParksEvent(t *testing.T) {
	t.Parallel()

	m := newMemRepo()
	s := newService(m, &fakeWriter{})

	if ok := s.Put(context.Background(), failedEvent("evt-1"), "connect refused", 3); !ok {
		t.Fatal("put should succeed")
	}
	e, ok := m.entries["evt-1"]
	if !ok {
		t.Fatal("entry not stored")
	}
	if e.Source != "ci" || e.Error != "connect refused" || e.RetryCount != 3 {
		t.Fatalf("entry mismatch: %+v", e)
	}
}

func TestPutKeepsFirstFailureInstant(t *testing.T) {
	t.Parallel()

	m := newMemRepo()
	s := newService(m, &fakeWriter{})

	first := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	testkit.Swap(t, &s.now, func() time.Time { return first })
	s.Put(context.Background(), failedEvent("evt-1"), "timeout", 1)

	later := first.Add(time.Hour)
	testkit.Swap(t, &s.now, func() time.Time { return later })
	s.Put(context.Background(), failedEvent("evt-1"), "timeout again", 2)

	e := m.entries["evt-1"]
	if !e.FirstFailureAt.Equal(first) {
		t.Fatalf("first failure moved: %v", e.FirstFailureAt)
	}
	if !e.LastFailureAt.Equal(later) {
		t.Fatalf("last failure not refreshed: %v", e.LastFailureAt)
	}
	if e.RetryCount != 2 || e.Error != "timeout again" {
		t.Fatalf("refresh fields not updated: %+v", e)
	}
}

func TestPutNeverRaises(t *testing.T) {
	t.Parallel()

	m := newMemRepo()
	m.upsertErr = errors.New("disk full")
	s := newService(m, &fakeWriter{})

	if ok := s.Put(context.Background(), failedEvent("evt-1"), "boom", 1); ok {
		t.Fatal("storage failure should report false")
	}
}

func TestPutSkipsEmptyID(t *testing.T) {
	t.Parallel()

	m := newMemRepo()
	s := newService(m, &fakeWriter{})

	if ok := s.Put(context.Background(), domain.Event{}, "boom", 1); ok {
		t.Fatal("event without id should be rejected")
	}
	if len(m.entries) != 0 {
		t.Fatal("nothing should be stored")
	}
}

func TestReplayReingestsAndRemoves(t *testing.T) {
	t.Parallel()

	m := newMemRepo()
	w := &fakeWriter{}
	s := newService(m, w)
	s.Put(context.Background(), failedEvent("evt-1"), "timeout", 1)

	out, err := s.Replay(context.Background(), "evt-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if out.ID != "evt-1" {
		t.Fatalf("unexpected replayed event: %+v", out)
	}
	if len(w.created) != 1 {
		t.Fatalf("writer should be called once, got %d", len(w.created))
	}
	if _, ok := m.entries["evt-1"]; ok {
		t.Fatal("entry should be removed after replay")
	}
}

func TestReplayDuplicateCountsAsSuccess(t *testing.T) {
	t.Parallel()

	m := newMemRepo()
	s := newService(m, &fakeWriter{duplicate: true})
	s.Put(context.Background(), failedEvent("evt-1"), "timeout", 1)

	if _, err := s.Replay(context.Background(), "evt-1"); err != nil {
		t.Fatalf("duplicate replay should succeed: %v", err)
	}
	if _, ok := m.entries["evt-1"]; ok {
		t.Fatal("entry should be removed when the event already exists")
	}
}

func TestReplayKeepsEntryOnWriteFailure(t *testing.T) {
	t.Parallel()

	m := newMemRepo()
	s := newService(m, &fakeWriter{createErr: errors.New("db down")})
	s.Put(context.Background(), failedEvent("evt-1"), "timeout", 1)

	if _, err := s.Replay(context.Background(), "evt-1"); err == nil {
		t.Fatal("replay should surface the write failure")
	}
	if _, ok := m.entries["evt-1"]; !ok {
		t.Fatal("entry must survive a failed replay")
	}
}

func TestReplayUnknownEntry(t *testing.T) {
	t.Parallel()

	s := newService(newMemRepo(), &fakeWriter{})
	if _, err := s.Replay(context.Background(), "nope"); err == nil {
		t.Fatal("unknown entry should error")
	}
}

func TestPurgeRemovesOnlyOneSource(t *testing.T) {
	t.Parallel()

	m := newMemRepo()
	s := newService(m, &fakeWriter{})

	ci := failedEvent("evt-ci")
	git := failedEvent("evt-git")
	git.Source = domain.SourceGit
	s.Put(context.Background(), ci, "timeout", 1)
	s.Put(context.Background(), git, "timeout", 1)

	n, err := s.Purge(context.Background(), "ci")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d want 1", n)
	}
	if _, ok := m.entries["evt-git"]; !ok {
		t.Fatal("other sources must survive a purge")
	}
}

func TestListClampsLimit(t *testing.T) {
	t.Parallel()

	m := newMemRepo()
	s := newService(m, &fakeWriter{})
	for _, id := range []string{"a", "b", "c"} {
		s.Put(context.Background(), failedEvent("evt-"+id), "timeout", 1)
	}

	entries, total, err := s.List(context.Background(), "", -5, -1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(entries) != 3 {
		t.Fatalf("list mismatch: total=%d n=%d", total, len(entries))
	}

	entries, total, err = s.List(context.Background(), "", 2, 0)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if total != 3 || len(entries) != 2 {
		t.Fatalf("limit not applied: total=%d n=%d", total, len(entries))
	}
}

// memEventRepo is just enough of the events repo for replay to land
type memEventRepo struct {
	events map[string]domain.Event
}

func (m *memEventRepo) Insert(_ context.Context, ev domain.Event) (bool, error) {
	if _, ok := m.events[ev.ID]; ok {
		return false, nil
	}
	m.events[ev.ID] = ev
	return true, nil
}

func (m *memEventRepo) Get(_ context.Context, id string, _ bool) (domain.Event, error) {
	ev, ok := m.events[id]
	if !ok {
		return domain.Event{}, perr.NotFoundf("event %s not found", id)
	}
	return ev, nil
}

func (m *memEventRepo) Update(context.Context, string, domain.Patch) error {
	return errors.New("not implemented")
}
func (m *memEventRepo) SetDeleted(context.Context, string, bool) error {
	return errors.New("not implemented")
}
func (m *memEventRepo) List(context.Context, domain.Filter) ([]domain.Event, int, error) {
	return nil, 0, errors.New("not implemented")
}
func (m *memEventRepo) InsertLink(context.Context, string, string) (bool, error) {
	return false, errors.New("not implemented")
}
func (m *memEventRepo) DeleteLink(context.Context, string, string) error {
	return errors.New("not implemented")
}

func TestReplayQuarantinedRawItem(t *testing.T) {
	t.Parallel()

	// upstream serves one good commit and one with an unparseable timestamp
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"hash":"feedbeef","repo":"checkout","branch":"main","author":"zoe",
			 "message":"retry fix","timestamp":"2026-03-14T11:00:00Z","files_changed":2},
			{"hash":"badcafe1","repo":"checkout","branch":"main","author":"ada",
			 "message":"hotfix payment timeout","timestamp":"yesterday-ish","files_changed":1}
		]`))
	}))
	defer upstream.Close()

	evRepo := &memEventRepo{events: map[string]domain.Event{}}
	writer := evservice.New(
		modkit.Deps{PG: nopQueryer{}},
		repokit.BindFunc[evrepo.Repo](func(repokit.Queryer) evrepo.Repo { return evRepo }),
	)

	dlqRepo := newMemRepo()
	svc := newService(dlqRepo, nil)
	svc.writer = writer

	src := git.New(git.Options{BaseURL: upstream.URL, Repo: "checkout"}, &ingest.Quarantine{
		DLQ: svc,
		Log: zerolog.New(io.Discard),
	})

	evs, err := src.FetchAndTransform(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("want 1 transformed event, got %d", len(evs))
	}

	entry, ok := dlqRepo.entries["badcafe1"]
	if !ok {
		t.Fatal("bad commit should be quarantined under its hash")
	}
	if entry.Event.EventType != "commit" {
		t.Fatalf("quarantined event must keep a concrete type, got %q", entry.Event.EventType)
	}
	if msg, _ := entry.Event.Payload["message"].(string); msg != "hotfix payment timeout" {
		t.Fatalf("raw item contents lost: %#v", entry.Event.Payload)
	}

	out, err := svc.Replay(context.Background(), "badcafe1")
	if err != nil {
		t.Fatalf("replay of a quarantined raw item must succeed: %v", err)
	}
	if out.EventType != "commit" || out.OccurredAt.IsZero() {
		t.Fatalf("replayed event not normalized: %+v", out)
	}
	stored, ok := evRepo.events[out.ID]
	if !ok {
		t.Fatal("replayed event not stored")
	}
	if stored.SourceID != "badcafe1" {
		t.Fatalf("replayed event lost its foreign id: %+v", stored)
	}
	if _, ok := dlqRepo.entries["badcafe1"]; ok {
		t.Fatal("entry should be removed after successful replay")
	}
}

func TestEventWireRoundTrip(t *testing.T) {
	t.Parallel()

	ev := failedEvent("evt-1")
	ev.SourceID = "build-42"
	ev.Payload = map[string]any{"job": "deploy"}
	ev.Tags = []string{"ci"}

	got := wireEvent(ev).toDomain()
	if got.ID != ev.ID || got.Source != ev.Source || got.SourceID != ev.SourceID {
		t.Fatalf("identity fields lost: %+v", got)
	}
	if got.EventType != ev.EventType || got.Severity != ev.Severity {
		t.Fatalf("classification lost: %+v", got)
	}
	if job, _ := got.Payload["job"].(string); job != "deploy" {
		t.Fatalf("payload lost: %#v", got.Payload)
	}
}
