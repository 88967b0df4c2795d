// Package traces pulls distributed trace batches and emits slow_trace and
// span_error events
package traces

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"casefile/internal/ingest"
	"casefile/internal/platform/config"
	perr "casefile/internal/platform/errors"
	"casefile/internal/platform/logger"
	evdom "casefile/internal/services/events/domain"

	"github.com/google/uuid"
)

const (
	defaultWindow  = 15 * time.Minute
	defaultTimeout = 10 * time.Second
)

// latency tiers in milliseconds, checked in order
var slowTiers = []struct {
	ms  int64
	sev evdom.Severity
}{
	{5000, evdom.SeverityCritical},
	{1000, evdom.SeverityHigh},
	{500, evdom.SeverityMedium},
}

// Options configures the traces source
type Options struct {
	BaseURL string
	Token   string
	Window  time.Duration
	Timeout time.Duration
}

// FromConfig reads INGEST_TRACES_* settings
func FromConfig(cfg config.Conf) Options {
	tf := cfg.Prefix("INGEST_TRACES_")
	return Options{
		BaseURL: tf.MayString("URL", ""),
		Token:   tf.MayString("TOKEN", ""),
		Window:  tf.MayDuration("WINDOW", defaultWindow),
		Timeout: tf.MayDuration("TIMEOUT", defaultTimeout),
	}
}

// rawSpanLog is one structured log attached to a span
type rawSpanLog struct {
	Fields map[string]any `json:"fields"`
}

// rawSpan is the upstream wire shape; instants are epoch microseconds
type rawSpan struct {
	SpanID    string         `json:"span_id"`
	Operation string         `json:"operation"`
	Service   string         `json:"service"`
	StartUs   int64          `json:"start_us"`
	EndUs     int64          `json:"end_us"`
	Tags      map[string]any `json:"tags"`
	Logs      []rawSpanLog   `json:"logs"`
}

// rawTrace is one trace with its spans
type rawTrace struct {
	TraceID string    `json:"trace_id"`
	Spans   []rawSpan `json:"spans"`
}

// Source implements ingest.Source for trace extraction
type Source struct {
	http *http.Client
	opts Options
	q    *ingest.Quarantine
	log  logger.Logger
}

// New constructs the traces source
func New(opts Options, q *ingest.Quarantine) *Source {
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Source{
		http: &http.Client{Timeout: opts.Timeout},
		opts: opts,
		q:    q,
		log:  *logger.Named("traces"),
	}
}

// Name satisfies ingest.Source
func (s *Source) Name() string { return string(evdom.SourceTraces) }

// FetchAndTransform pulls one trace window and extracts latency and error events
func (s *Source) FetchAndTransform(ctx context.Context) ([]evdom.Event, error) {
	raws, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}

	evs := make([]evdom.Event, 0, len(raws))
	for _, rt := range raws {
		out, err := Extract(rt)
		if err != nil {
			s.q.Park(ctx, parked(rt), err)
			continue
		}
		evs = append(evs, out...)
	}
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].OccurredAt.Before(evs[j].OccurredAt) })
	return evs, nil
}

func (s *Source) fetch(ctx context.Context) ([]rawTrace, error) {
	url := fmt.Sprintf("%s/traces?window=%s", s.opts.BaseURL, s.opts.Window)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnknown, "traces new request failed")
	}
	req.Header.Set("Accept", "application/json")
	if s.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.opts.Token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "traces fetch failed")
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			s.log.Error().Err(cerr).Msg("traces close body failed")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, perr.Newf(perr.ErrorCodeUnavailable, "traces unexpected status %d body %s", resp.StatusCode, string(body))
	}

	var out []rawTrace
	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "traces read body failed")
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeJSON, "traces decode failed")
	}
	return out, nil
}

// parked carries the full raw trace so a quarantined item can be replayed
func parked(rt rawTrace) evdom.Event {
	ev := evdom.Event{
		ID:        rt.TraceID,
		Source:    evdom.SourceTraces,
		SourceID:  rt.TraceID,
		EventType: "trace",
		Payload: map[string]any{
			"trace_id":   rt.TraceID,
			"span_count": len(rt.Spans),
			"spans":      rt.Spans,
		},
		Tags: []string{"trace"},
	}
	if len(rt.Spans) > 0 {
		minStart := rt.Spans[0].StartUs
		for _, sp := range rt.Spans {
			if sp.StartUs < minStart {
				minStart = sp.StartUs
			}
		}
		ev.OccurredAt = time.UnixMicro(minStart).UTC()
	}
	return ev
}

// Extract emits at most one slow_trace event per trace plus one span_error per failed span
func Extract(rt rawTrace) ([]evdom.Event, error) {
	if rt.TraceID == "" {
		return nil, perr.Validationf("trace missing id")
	}
	if len(rt.Spans) == 0 {
		return nil, nil
	}

	minStart, maxEnd := rt.Spans[0].StartUs, rt.Spans[0].EndUs
	slowest := rt.Spans[0]
	for _, sp := range rt.Spans {
		if sp.StartUs < minStart {
			minStart = sp.StartUs
		}
		if sp.EndUs > maxEnd {
			maxEnd = sp.EndUs
		}
		if sp.EndUs-sp.StartUs > slowest.EndUs-slowest.StartUs {
			slowest = sp
		}
	}
	durationMs := (maxEnd - minStart) / 1000
	occurred := time.UnixMicro(minStart).UTC()

	var evs []evdom.Event
	for _, tier := range slowTiers {
		if durationMs > tier.ms {
			evs = append(evs, evdom.Event{
				ID:         uuid.NewString(),
				Source:     evdom.SourceTraces,
				SourceID:   rt.TraceID,
				EventType:  "slow_trace",
				Severity:   tier.sev,
				OccurredAt: occurred,
				Payload: map[string]any{
					"trace_id":          rt.TraceID,
					"duration_ms":       durationMs,
					"span_count":        len(rt.Spans),
					"slowest_operation": slowest.Operation,
					"slowest_service":   slowest.Service,
					"slowest_ms":        (slowest.EndUs - slowest.StartUs) / 1000,
				},
				Tags: []string{"slow_trace", "latency"},
			})
			break
		}
	}

	for _, sp := range rt.Spans {
		if !isErrorSpan(sp) {
			continue
		}
		evs = append(evs, evdom.Event{
			ID:         uuid.NewString(),
			Source:     evdom.SourceTraces,
			SourceID:   sp.SpanID,
			EventType:  "span_error",
			Severity:   evdom.SeverityHigh,
			OccurredAt: time.UnixMicro(sp.StartUs).UTC(),
			Payload: map[string]any{
				"trace_id":  rt.TraceID,
				"span_id":   sp.SpanID,
				"operation": sp.Operation,
				"service":   sp.Service,
				"message":   errorMessage(sp),
			},
			Tags: []string{"span_error", "error"},
		})
	}
	return evs, nil
}

// isErrorSpan checks the error tag as bool true or string "true"
func isErrorSpan(sp rawSpan) bool {
	v, ok := sp.Tags["error"]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true"
	}
	return false
}

// errorMessage pulls the first span log field named message or error.msg
func errorMessage(sp rawSpan) string {
	for _, lg := range sp.Logs {
		if m, ok := lg.Fields["message"].(string); ok && m != "" {
			return m
		}
		if m, ok := lg.Fields["error.msg"].(string); ok && m != "" {
			return m
		}
	}
	return ""
}
