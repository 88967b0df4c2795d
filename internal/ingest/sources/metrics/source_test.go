package metrics

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	evdom "casefile/internal/services/events/domain"
)

func TestDetectCPUAnomaly(t *testing.T) {
	t.Parallel()

	sr := Series{
		Name:    "cpu_usage",
		Value:   95.0,
		History: []float64{10, 12, 11, 13, 12},
		At:      time.Date(2026, 1, 27, 10, 0, 0, 0, time.UTC),
	}
	ev, ok := detect(sr)
	if !ok {
		t.Fatal("expected an anomaly for a value far outside history")
	}
	if ev.EventType != "metric_anomaly" || ev.Source != evdom.SourceMetrics {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Severity != evdom.SeverityCritical && ev.Severity != evdom.SeverityHigh {
		t.Fatalf("severity = %s, want high or critical", ev.Severity)
	}
	if ev.Payload["metric_type"] != "cpu" {
		t.Fatalf("metric_type = %v", ev.Payload["metric_type"])
	}
	z, _ := ev.Payload["z_score"].(float64)
	if math.Abs(z) < 2.0 {
		t.Fatalf("z_score = %v, want beyond cpu threshold", z)
	}
}

func TestDetectRequiresHistoryAndSpread(t *testing.T) {
	t.Parallel()

	if _, ok := detect(Series{Name: "cpu", Value: 99, History: []float64{10}}); ok {
		t.Fatal("anomaly with one history point")
	}
	if _, ok := detect(Series{Name: "cpu", Value: 99, History: []float64{10, 10, 10}}); ok {
		t.Fatal("anomaly with zero stdev")
	}
}

func TestDetectWithinThresholdIsQuiet(t *testing.T) {
	t.Parallel()

	sr := Series{Name: "cpu_usage", Value: 12.5, History: []float64{10, 12, 11, 13, 12}}
	if _, ok := detect(sr); ok {
		t.Fatal("anomaly for a value inside the band")
	}
}

func TestLatencyThresholdHigher(t *testing.T) {
	t.Parallel()

	// z of ~2.2: anomalous for cpu (t=2.0) but not latency (t=2.5)
	history := []float64{10, 12, 11, 13, 12, 11, 12}
	mean, stdev := meanStdev(history)
	value := mean + 2.2*stdev

	if _, ok := detect(Series{Name: "cpu_usage", Value: value, History: history}); !ok {
		t.Fatal("cpu series should trip at z=2.2")
	}
	if _, ok := detect(Series{Name: "request_latency", Value: value, History: history}); ok {
		t.Fatal("latency series should not trip at z=2.2")
	}
}

func TestClassifyMetric(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"cpu_usage":        "cpu",
		"node_memory_used": "memory",
		"disk_io_wait":     "disk",
		"request_latency":  "latency",
		"p99_duration":     "latency",
		"error_rate_5xx":   "error_rate",
		"queue_depth":      "other",
	}
	for name, want := range cases {
		if got := classifyMetric(name); got != want {
			t.Errorf("classifyMetric(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestSeverityTiers(t *testing.T) {
	t.Parallel()

	if got := severityFor(4.1, 2.0); got != evdom.SeverityCritical {
		t.Fatalf("severityFor(4.1, 2.0) = %s", got)
	}
	if got := severityFor(3.2, 2.0); got != evdom.SeverityHigh {
		t.Fatalf("severityFor(3.2, 2.0) = %s", got)
	}
	if got := severityFor(2.4, 2.0); got != evdom.SeverityMedium {
		t.Fatalf("severityFor(2.4, 2.0) = %s", got)
	}
}

type fakeFetcher struct {
	series []Series
	err    error
}

func (f fakeFetcher) FetchSeries(context.Context) ([]Series, error) { return f.series, f.err }

func TestFetchAndTransform(t *testing.T) {
	t.Parallel()

	s := NewWithFetcher(fakeFetcher{series: []Series{
		{Name: "cpu_usage", Value: 95, History: []float64{10, 12, 11, 13, 12}},
		{Name: "memory_used", Value: 50, History: []float64{49, 50, 51, 50}},
	}})

	evs, err := s.FetchAndTransform(context.Background())
	if err != nil {
		t.Fatalf("FetchAndTransform: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("got %d events, want only the cpu anomaly", len(evs))
	}
	if evs[0].Payload["metric"] != "cpu_usage" {
		t.Fatalf("event = %+v", evs[0])
	}
}

func TestFetchErrorPropagates(t *testing.T) {
	t.Parallel()

	s := NewWithFetcher(fakeFetcher{err: errors.New("influx down")})
	if _, err := s.FetchAndTransform(context.Background()); err == nil {
		t.Fatal("expected fetch error to propagate")
	}
}
