package traces

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	evdom "casefile/internal/services/events/domain"
)

func span(id string, startUs, endUs int64) rawSpan {
	return rawSpan{SpanID: id, Operation: "op-" + id, Service: "svc", StartUs: startUs, EndUs: endUs}
}

func TestSlowTraceWithSpanError(t *testing.T) {
	t.Parallel()

	// one span of 6s tagged error=true with a timeout message
	sp := span("s1", 0, 6_000_000)
	sp.Tags = map[string]any{"error": true}
	sp.Logs = []rawSpanLog{{Fields: map[string]any{"message": "timeout"}}}

	evs, err := Extract(rawTrace{TraceID: "t1", Spans: []rawSpan{sp}})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("got %d events, want slow_trace + span_error", len(evs))
	}

	slow, srr := evs[0], evs[1]
	if slow.EventType != "slow_trace" || slow.Severity != evdom.SeverityCritical {
		t.Fatalf("slow event = %+v, want critical slow_trace", slow)
	}
	if slow.Payload["duration_ms"] != int64(6000) {
		t.Fatalf("duration_ms = %v", slow.Payload["duration_ms"])
	}
	if srr.EventType != "span_error" || srr.Severity != evdom.SeverityHigh {
		t.Fatalf("error event = %+v, want high span_error", srr)
	}
	if srr.Payload["message"] != "timeout" {
		t.Fatalf("span error message = %v", srr.Payload["message"])
	}
}

func TestLatencyTiersFirstMatch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		durationUs int64
		want       evdom.Severity
		emits      bool
	}{
		{6_000_000, evdom.SeverityCritical, true},
		{2_000_000, evdom.SeverityHigh, true},
		{700_000, evdom.SeverityMedium, true},
		{300_000, "", false},
	}
	for _, tc := range cases {
		evs, err := Extract(rawTrace{TraceID: "t", Spans: []rawSpan{span("s", 0, tc.durationUs)}})
		if err != nil {
			t.Fatal(err)
		}
		if !tc.emits {
			if len(evs) != 0 {
				t.Errorf("duration %dus: got %d events, want none", tc.durationUs, len(evs))
			}
			continue
		}
		if len(evs) != 1 || evs[0].Severity != tc.want {
			t.Errorf("duration %dus: events = %+v, want one %s slow_trace", tc.durationUs, evs, tc.want)
		}
	}
}

func TestTraceDurationSpansWholeTrace(t *testing.T) {
	t.Parallel()

	// two half-second spans that together cover 1.2s wall time
	evs, err := Extract(rawTrace{TraceID: "t", Spans: []rawSpan{
		span("a", 0, 500_000),
		span("b", 700_000, 1_200_000),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Severity != evdom.SeverityHigh {
		t.Fatalf("events = %+v, want one high slow_trace for 1200ms", evs)
	}
	if evs[0].Payload["duration_ms"] != int64(1200) {
		t.Fatalf("duration_ms = %v", evs[0].Payload["duration_ms"])
	}
}

func TestErrorTagVariants(t *testing.T) {
	t.Parallel()

	mk := func(tag any) rawSpan {
		sp := span("s", 0, 1000)
		sp.Tags = map[string]any{"error": tag}
		return sp
	}

	for _, tag := range []any{true, "true"} {
		evs, err := Extract(rawTrace{TraceID: "t", Spans: []rawSpan{mk(tag)}})
		if err != nil {
			t.Fatal(err)
		}
		if len(evs) != 1 || evs[0].EventType != "span_error" {
			t.Errorf("tag %v: events = %+v, want span_error", tag, evs)
		}
	}
	for _, tag := range []any{false, "false", 1} {
		evs, err := Extract(rawTrace{TraceID: "t", Spans: []rawSpan{mk(tag)}})
		if err != nil {
			t.Fatal(err)
		}
		if len(evs) != 0 {
			t.Errorf("tag %v: events = %+v, want none", tag, evs)
		}
	}
}

func TestErrorMsgFallbackField(t *testing.T) {
	t.Parallel()

	sp := span("s", 0, 1000)
	sp.Tags = map[string]any{"error": true}
	sp.Logs = []rawSpanLog{{Fields: map[string]any{"error.msg": "conn refused"}}}

	evs, err := Extract(rawTrace{TraceID: "t", Spans: []rawSpan{sp}})
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Payload["message"] != "conn refused" {
		t.Fatalf("events = %+v, want error.msg fallback", evs)
	}
}

func TestFetchAndTransform(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"trace_id":"t1","spans":[
				{"span_id":"s1","operation":"db.query","service":"api",
				 "start_us":0,"end_us":6000000,"tags":{"error":true},
				 "logs":[{"fields":{"message":"timeout"}}]}
			]},
			{"trace_id":"","spans":[{"span_id":"sx","start_us":0,"end_us":100}]}
		]`))
	}))
	defer srv.Close()

	s := New(Options{BaseURL: srv.URL}, nil)
	evs, err := s.FetchAndTransform(context.Background())
	if err != nil {
		t.Fatalf("FetchAndTransform: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("got %d events, want 2 from the valid trace", len(evs))
	}
	if evs[0].OccurredAt.After(evs[1].OccurredAt) {
		t.Fatal("events out of occurrence order")
	}
}

func TestParkedTraceIsReplayable(t *testing.T) {
	t.Parallel()

	rt := rawTrace{TraceID: "tr-1", Spans: []rawSpan{
		span("b", 2_000_000, 3_000_000),
		span("a", 1_000_000, 2_500_000),
	}}
	ev := parked(rt)

	if ev.ID != "tr-1" || ev.SourceID != "tr-1" || ev.Source != evdom.SourceTraces {
		t.Fatalf("identity mismatch: %+v", ev)
	}
	if ev.EventType != "trace" {
		t.Fatalf("parked trace must keep a concrete type, got %q", ev.EventType)
	}
	if n, _ := ev.Payload["span_count"].(int); n != 2 {
		t.Fatalf("raw contents lost: %#v", ev.Payload)
	}
	if ev.OccurredAt.UnixMicro() != 1_000_000 {
		t.Fatalf("occurred_at should be the earliest span start, got %v", ev.OccurredAt)
	}
}
