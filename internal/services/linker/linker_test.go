package linker

import (
	"context"
	"errors"
	"testing"
	"time"

	perr "casefile/internal/platform/errors"
	evdom "casefile/internal/services/events/domain"
	invdom "casefile/internal/services/investigations/domain"
)

type fakeEvents struct {
	events  []evdom.Event
	links   map[string]map[string]bool // invID -> eventID
	linkErr map[string]error           // eventID -> error
}

func newFakeEvents(evs ...evdom.Event) *fakeEvents {
	return &fakeEvents{
		events:  evs,
		links:   map[string]map[string]bool{},
		linkErr: map[string]error{},
	}
}

func (f *fakeEvents) Get(_ context.Context, id string) (evdom.Event, error) {
	for _, ev := range f.events {
		if ev.ID == id {
			return ev, nil
		}
	}
	return evdom.Event{}, perr.NotFoundf("event %s not found", id)
}

func (f *fakeEvents) List(_ context.Context, flt evdom.Filter) ([]evdom.Event, int, error) {
	out := []evdom.Event{}
	for _, ev := range f.events {
		if flt.Source != "" && ev.Source != flt.Source {
			continue
		}
		if flt.EventType != "" && ev.EventType != flt.EventType {
			continue
		}
		if flt.Since != nil && ev.OccurredAt.Before(*flt.Since) {
			continue
		}
		if flt.Until != nil && ev.OccurredAt.After(*flt.Until) {
			continue
		}
		out = append(out, ev)
	}
	return out, len(out), nil
}

func (f *fakeEvents) Link(_ context.Context, eventID, invID string) (bool, error) {
	if err := f.linkErr[eventID]; err != nil {
		return false, err
	}
	if f.links[invID] == nil {
		f.links[invID] = map[string]bool{}
	}
	if f.links[invID][eventID] {
		return false, nil
	}
	f.links[invID][eventID] = true
	return true, nil
}

func (f *fakeEvents) Unlink(_ context.Context, eventID, invID string) error {
	delete(f.links[invID], eventID)
	return nil
}

func (f *fakeEvents) ListByInvestigation(_ context.Context, invID string, _ evdom.Filter) ([]evdom.Event, int, error) {
	out := []evdom.Event{}
	for _, ev := range f.events {
		if f.links[invID][ev.ID] {
			out = append(out, ev)
		}
	}
	return out, len(out), nil
}

type fakeInvs map[string]invdom.Investigation

func (f fakeInvs) Get(_ context.Context, id string) (invdom.Investigation, error) {
	inv, ok := f[id]
	if !ok {
		return invdom.Investigation{}, perr.NotFoundf("investigation %s not found", id)
	}
	return inv, nil
}

var ref = time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)

func ev(id string, at time.Time, payload map[string]any) evdom.Event {
	return evdom.Event{
		ID:         id,
		Source:     evdom.SourceLogs,
		EventType:  "log_error",
		Severity:   evdom.SeverityHigh,
		OccurredAt: at,
		Payload:    payload,
	}
}

func TestAutoLinkRespectsWindow(t *testing.T) {
	t.Parallel()
	near := ev("near", ref.Add(-30*time.Minute), nil)
	far := ev("far", ref.Add(3*time.Hour), nil)
	events := newFakeEvents(near, far)
	invs := fakeInvs{"inv-1": {ID: "inv-1", Title: "", CreatedAt: ref}}

	s := New(events, events, invs)
	linked, err := s.AutoLink(context.Background(), "inv-1", 60*time.Minute, false)
	if err != nil {
		t.Fatalf("auto-link: %v", err)
	}
	if len(linked) != 1 || linked[0].ID != "near" {
		t.Fatalf("linked = %v, want only the event 30m before the reference", linked)
	}
	if events.links["inv-1"]["far"] {
		t.Error("event 3h out was linked")
	}
}

func TestAutoLinkSemanticMatch(t *testing.T) {
	t.Parallel()
	a := ev("a", ref, map[string]any{"message": "Database connection pool fix"})
	b := ev("b", ref, map[string]any{"message": "UI refactor"})
	events := newFakeEvents(a, b)
	invs := fakeInvs{"inv-1": {ID: "inv-1", Title: "Database Connection Timeout", CreatedAt: ref}}

	s := New(events, events, invs)
	linked, err := s.AutoLink(context.Background(), "inv-1", 0, true)
	if err != nil {
		t.Fatalf("auto-link: %v", err)
	}
	if len(linked) != 1 || linked[0].ID != "a" {
		t.Fatalf("linked = %v, want only the matching message", linked)
	}
}

func TestAutoLinkEmptyTokenSetMatchesAll(t *testing.T) {
	t.Parallel()
	a := ev("a", ref, map[string]any{"message": "anything"})
	events := newFakeEvents(a)
	// every title word is too short to become a token
	invs := fakeInvs{"inv-1": {ID: "inv-1", Title: "db up b", CreatedAt: ref}}

	s := New(events, events, invs)
	linked, err := s.AutoLink(context.Background(), "inv-1", 0, true)
	if err != nil {
		t.Fatalf("auto-link: %v", err)
	}
	if len(linked) != 1 {
		t.Fatalf("linked %d events, want 1", len(linked))
	}
}

func TestAutoLinkSkipsPerEventFailures(t *testing.T) {
	t.Parallel()
	a := ev("a", ref, nil)
	b := ev("b", ref, nil)
	events := newFakeEvents(a, b)
	events.linkErr["a"] = errors.New("write failed")
	invs := fakeInvs{"inv-1": {ID: "inv-1", CreatedAt: ref}}

	s := New(events, events, invs)
	linked, err := s.AutoLink(context.Background(), "inv-1", 0, false)
	if err != nil {
		t.Fatalf("auto-link raised: %v", err)
	}
	if len(linked) != 1 || linked[0].ID != "b" {
		t.Fatalf("linked = %v, want only b", linked)
	}
}

func TestAutoLinkAlreadyLinkedNotReturned(t *testing.T) {
	t.Parallel()
	a := ev("a", ref, nil)
	events := newFakeEvents(a)
	invs := fakeInvs{"inv-1": {ID: "inv-1", CreatedAt: ref}}

	s := New(events, events, invs)
	if _, err := s.AutoLink(context.Background(), "inv-1", 0, false); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	linked, err := s.AutoLink(context.Background(), "inv-1", 0, false)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(linked) != 0 {
		t.Fatalf("second pass re-reported %d links", len(linked))
	}
}

func TestSuggestExcludesLinked(t *testing.T) {
	t.Parallel()
	a := ev("a", ref.Add(-10*time.Minute), map[string]any{"message": "database timeout"})
	b := ev("b", ref.Add(10*time.Minute), map[string]any{"message": "database deadlock"})
	far := ev("far", ref.Add(2*time.Hour), map[string]any{"message": "database slow"})
	events := newFakeEvents(a, b, far)
	invs := fakeInvs{"inv-1": {ID: "inv-1", Title: "database incident", CreatedAt: ref}}

	s := New(events, events, invs)
	if _, err := events.Link(context.Background(), "a", "inv-1"); err != nil {
		t.Fatalf("seed link: %v", err)
	}

	got, err := s.Suggest(context.Background(), "inv-1", 10)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("suggest = %v, want only b", got)
	}
	// suggestions never write
	if events.links["inv-1"]["b"] {
		t.Error("suggest created a link")
	}
}

func TestSearchFixedFields(t *testing.T) {
	t.Parallel()
	a := ev("a", ref, map[string]any{"message": "Connection refused"})
	b := ev("b", ref, map[string]any{"author": "V. Connor"})
	c := ev("c", ref, map[string]any{"detail": "connection hidden in wrong field"})
	events := newFakeEvents(a, b, c)

	s := New(events, events, fakeInvs{})
	got, err := s.Search(context.Background(), "conn", "", "", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	ids := map[string]bool{}
	for _, ev := range got {
		ids[ev.ID] = true
	}
	if !ids["a"] || !ids["b"] || ids["c"] {
		t.Fatalf("search hit %v, want a and b only", ids)
	}
}

func TestSearchLimit(t *testing.T) {
	t.Parallel()
	evs := []evdom.Event{}
	for i := 0; i < 5; i++ {
		evs = append(evs, ev(string(rune('a'+i)), ref, map[string]any{"message": "timeout"}))
	}
	events := newFakeEvents(evs...)

	s := New(events, events, fakeInvs{})
	got, err := s.Search(context.Background(), "timeout", "", "", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
}

func TestTokens(t *testing.T) {
	t.Parallel()
	got := tokens("Database Connection Timeout in db")
	want := map[string]bool{"database": true, "connection": true, "timeout": true}
	if len(got) != len(want) {
		t.Fatalf("tokens = %v", got)
	}
	for _, tok := range got {
		if !want[tok] {
			t.Errorf("unexpected token %q", tok)
		}
	}
}
