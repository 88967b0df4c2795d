// Package logs pulls structured JSON log lines and emits events for the
// warning-and-above levels with severity and tag classification
package logs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"casefile/internal/ingest"
	"casefile/internal/platform/config"
	perr "casefile/internal/platform/errors"
	"casefile/internal/platform/logger"
	evdom "casefile/internal/services/events/domain"

	"github.com/google/uuid"
)

const (
	defaultBatch   = 200
	defaultTimeout = 10 * time.Second
)

// Options configures the logs source
type Options struct {
	BaseURL string
	Token   string
	Batch   int
	Timeout time.Duration
}

// FromConfig reads INGEST_LOGS_* settings
func FromConfig(cfg config.Conf) Options {
	lf := cfg.Prefix("INGEST_LOGS_")
	return Options{
		BaseURL: lf.MayString("URL", ""),
		Token:   lf.MayString("TOKEN", ""),
		Batch:   lf.MayInt("BATCH", defaultBatch),
		Timeout: lf.MayDuration("TIMEOUT", defaultTimeout),
	}
}

// rawLine is the upstream wire shape; unknown fields are dropped
type rawLine struct {
	Level         string `json:"level"`
	Message       string `json:"message"`
	Timestamp     string `json:"timestamp"`
	Service       string `json:"service"`
	Component     string `json:"component"`
	StackTrace    string `json:"stack_trace"`
	RequestID     string `json:"request_id"`
	TraceID       string `json:"trace_id"`
	CorrelationID string `json:"correlation_id"`
	UserID        string `json:"user_id"`
}

// Source implements ingest.Source for structured logs
type Source struct {
	http *http.Client
	opts Options
	q    *ingest.Quarantine
	log  logger.Logger
}

// New constructs the logs source
func New(opts Options, q *ingest.Quarantine) *Source {
	if opts.Batch <= 0 {
		opts.Batch = defaultBatch
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Source{
		http: &http.Client{Timeout: opts.Timeout},
		opts: opts,
		q:    q,
		log:  *logger.Named("logs"),
	}
}

// Name satisfies ingest.Source
func (s *Source) Name() string { return string(evdom.SourceLogs) }

// FetchAndTransform pulls one batch of log lines and normalizes the keepers
func (s *Source) FetchAndTransform(ctx context.Context) ([]evdom.Event, error) {
	raws, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}

	evs := make([]evdom.Event, 0, len(raws))
	for _, rl := range raws {
		ev, keep, err := Transform(rl)
		if err != nil {
			// log lines carry no stable identifier, skip without DLQ
			s.log.Warn().Err(err).Str("level", rl.Level).Msg("log line skipped")
			continue
		}
		if keep {
			evs = append(evs, ev)
		}
	}
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].OccurredAt.Before(evs[j].OccurredAt) })
	return evs, nil
}

func (s *Source) fetch(ctx context.Context) ([]rawLine, error) {
	url := fmt.Sprintf("%s/logs?limit=%d", s.opts.BaseURL, s.opts.Batch)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnknown, "logs new request failed")
	}
	req.Header.Set("Accept", "application/json")
	if s.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.opts.Token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "logs fetch failed")
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			s.log.Error().Err(cerr).Msg("logs close body failed")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, perr.Newf(perr.ErrorCodeUnavailable, "logs unexpected status %d body %s", resp.StatusCode, string(body))
	}

	var out []rawLine
	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "logs read body failed")
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeJSON, "logs decode failed")
	}
	return out, nil
}

// Transform classifies one raw line. keep is false for levels below warning
func Transform(rl rawLine) (ev evdom.Event, keep bool, err error) {
	level := strings.ToLower(strings.TrimSpace(rl.Level))
	switch level {
	case "warn", "warning", "error", "critical", "fatal":
	default:
		return evdom.Event{}, false, nil
	}

	at, terr := time.Parse(time.RFC3339, rl.Timestamp)
	if terr != nil {
		return evdom.Event{}, false, perr.Validationf("log line bad timestamp %q", rl.Timestamp)
	}

	payload := map[string]any{
		"level":   level,
		"message": rl.Message,
	}
	for k, v := range map[string]string{
		"service":        rl.Service,
		"component":      rl.Component,
		"stack_trace":    rl.StackTrace,
		"request_id":     rl.RequestID,
		"trace_id":       rl.TraceID,
		"correlation_id": rl.CorrelationID,
		"user_id":        rl.UserID,
	} {
		if v != "" {
			payload[k] = v
		}
	}

	return evdom.Event{
		ID:         uuid.NewString(),
		Source:     evdom.SourceLogs,
		EventType:  "log_entry",
		Severity:   classify(level, rl.Message),
		OccurredAt: at,
		Payload:    payload,
		Tags:       tags(level, rl.Message),
	}, true, nil
}

// classify maps level (and message keywords for warnings) to severity
func classify(level, message string) evdom.Severity {
	msg := strings.ToLower(message)
	switch level {
	case "fatal", "critical":
		return evdom.SeverityCritical
	case "error":
		return evdom.SeverityHigh
	case "warn", "warning":
		if strings.Contains(msg, "deadlock") ||
			strings.Contains(msg, "timeout") ||
			strings.Contains(msg, "out-of-memory") {
			return evdom.SeverityHigh
		}
		return evdom.SeverityMedium
	default:
		return evdom.SeverityLow
	}
}

// tags always include the level keyword; message substrings add failure classes
func tags(level, message string) []string {
	out := []string{level}
	msg := strings.ToLower(message)
	if strings.Contains(msg, "timeout") {
		out = append(out, "timeout")
	}
	if strings.Contains(msg, "connection") {
		out = append(out, "connection_error")
	}
	if strings.Contains(msg, "auth") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") {
		out = append(out, "auth_error")
	}
	if strings.Contains(msg, "database") || strings.Contains(msg, "sql") || strings.Contains(msg, "db ") {
		out = append(out, "database")
	}
	return out
}
