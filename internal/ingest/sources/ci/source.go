// Package ci pulls recent CI runs and emits one normalized event per run
package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
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
	defaultLookback = 50
	defaultTimeout  = 10 * time.Second
)

var (
	failurePattern = regexp.MustCompile(`failed|error|cancelled|timeout`)
	successPattern = regexp.MustCompile(`success|passed`)
)

// Options configures the ci source
type Options struct {
	BaseURL  string
	Token    string
	Lookback int
	Timeout  time.Duration
}

// FromConfig reads INGEST_CI_* settings
func FromConfig(cfg config.Conf) Options {
	cf := cfg.Prefix("INGEST_CI_")
	return Options{
		BaseURL:  cf.MayString("URL", ""),
		Token:    cf.MayString("TOKEN", ""),
		Lookback: cf.MayInt("LOOKBACK", defaultLookback),
		Timeout:  cf.MayDuration("TIMEOUT", defaultTimeout),
	}
}

// rawRun is the upstream wire shape
type rawRun struct {
	ID         string `json:"id"`
	Job        string `json:"job"`
	Status     string `json:"status"`
	Branch     string `json:"branch"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	DurationMs int64  `json:"duration_ms"`
	URL        string `json:"url"`
}

// Source implements ingest.Source for CI runs
type Source struct {
	http *http.Client
	opts Options
	q    *ingest.Quarantine
	log  logger.Logger
}

// New constructs the ci source
func New(opts Options, q *ingest.Quarantine) *Source {
	if opts.Lookback <= 0 {
		opts.Lookback = defaultLookback
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Source{
		http: &http.Client{Timeout: opts.Timeout},
		opts: opts,
		q:    q,
		log:  *logger.Named("ci"),
	}
}

// Name satisfies ingest.Source
func (s *Source) Name() string { return string(evdom.SourceCI) }

// FetchAndTransform pulls the recent run window and normalizes it
func (s *Source) FetchAndTransform(ctx context.Context) ([]evdom.Event, error) {
	raws, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}

	evs := make([]evdom.Event, 0, len(raws))
	for _, rr := range raws {
		ev, err := s.transform(rr)
		if err != nil {
			s.q.Park(ctx, parked(rr), err)
			continue
		}
		evs = append(evs, ev)
	}
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].OccurredAt.Before(evs[j].OccurredAt) })
	return evs, nil
}

func (s *Source) fetch(ctx context.Context) ([]rawRun, error) {
	url := fmt.Sprintf("%s/runs?limit=%d", s.opts.BaseURL, s.opts.Lookback)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnknown, "ci new request failed")
	}
	req.Header.Set("Accept", "application/json")
	if s.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.opts.Token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "ci fetch failed")
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			s.log.Error().Err(cerr).Msg("ci close body failed")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, perr.Newf(perr.ErrorCodeUnavailable, "ci unexpected status %d body %s", resp.StatusCode, string(body))
	}

	var out []rawRun
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "ci read body failed")
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeJSON, "ci decode failed")
	}
	return out, nil
}

func (s *Source) transform(rr rawRun) (evdom.Event, error) {
	if rr.ID == "" {
		return evdom.Event{}, perr.Validationf("ci run missing id")
	}
	ts := rr.FinishedAt
	if ts == "" {
		ts = rr.StartedAt
	}
	at, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return evdom.Event{}, perr.Validationf("ci run %s bad timestamp %q", rr.ID, ts)
	}

	sev := classify(rr.Status)
	return evdom.Event{
		ID:         uuid.NewString(),
		Source:     evdom.SourceCI,
		SourceID:   rr.ID,
		EventType:  "ci_run",
		Severity:   sev,
		OccurredAt: at,
		Payload: map[string]any{
			"job":         rr.Job,
			"status":      rr.Status,
			"branch":      rr.Branch,
			"duration_ms": rr.DurationMs,
			"url":         rr.URL,
		},
		Tags: []string{"ci_run", strings.ToLower(rr.Status)},
	}, nil
}

// parked carries the full raw run so a quarantined item can be replayed
func parked(rr rawRun) evdom.Event {
	ev := evdom.Event{
		ID:        rr.ID,
		Source:    evdom.SourceCI,
		SourceID:  rr.ID,
		EventType: "ci_run",
		Severity:  classify(rr.Status),
		Payload: map[string]any{
			"job":         rr.Job,
			"status":      rr.Status,
			"branch":      rr.Branch,
			"started_at":  rr.StartedAt,
			"finished_at": rr.FinishedAt,
			"duration_ms": rr.DurationMs,
			"url":         rr.URL,
		},
		Tags: []string{"ci_run"},
	}
	ts := rr.FinishedAt
	if ts == "" {
		ts = rr.StartedAt
	}
	if at, err := time.Parse(time.RFC3339, ts); err == nil {
		ev.OccurredAt = at
	}
	return ev
}

// classify maps a run status to severity: failures high, successes low, the rest medium
func classify(status string) evdom.Severity {
	st := strings.ToLower(status)
	switch {
	case failurePattern.MatchString(st):
		return evdom.SeverityHigh
	case successPattern.MatchString(st):
		return evdom.SeverityLow
	default:
		return evdom.SeverityMedium
	}
}
