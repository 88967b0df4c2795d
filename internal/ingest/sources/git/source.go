// Package git pulls recent commits from a repository hosting API and emits
// one normalized event per commit
package git

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
	defaultLookback = 50
	defaultTimeout  = 10 * time.Second
)

// Options configures the git source
type Options struct {
	BaseURL  string
	Token    string
	Repo     string
	Lookback int // commit count per fetch
	Timeout  time.Duration
}

// FromConfig reads INGEST_GIT_* settings
func FromConfig(cfg config.Conf) Options {
	gf := cfg.Prefix("INGEST_GIT_")
	return Options{
		BaseURL:  gf.MayString("URL", ""),
		Token:    gf.MayString("TOKEN", ""),
		Repo:     gf.MayString("REPO", ""),
		Lookback: gf.MayInt("LOOKBACK", defaultLookback),
		Timeout:  gf.MayDuration("TIMEOUT", defaultTimeout),
	}
}

// rawCommit is the upstream wire shape
type rawCommit struct {
	Hash         string `json:"hash"`
	Repo         string `json:"repo"`
	Branch       string `json:"branch"`
	Author       string `json:"author"`
	Message      string `json:"message"`
	Timestamp    string `json:"timestamp"`
	FilesChanged int    `json:"files_changed"`
	Insertions   int    `json:"insertions"`
	Deletions    int    `json:"deletions"`
}

// Source implements ingest.Source for commits
type Source struct {
	http *http.Client
	opts Options
	q    *ingest.Quarantine
	log  logger.Logger
}

// New constructs the git source
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
		log:  *logger.Named("git"),
	}
}

// Name satisfies ingest.Source
func (s *Source) Name() string { return string(evdom.SourceGit) }

// FetchAndTransform pulls the recent commit window and normalizes it
func (s *Source) FetchAndTransform(ctx context.Context) ([]evdom.Event, error) {
	raws, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}

	evs := make([]evdom.Event, 0, len(raws))
	for _, rc := range raws {
		ev, err := s.transform(rc)
		if err != nil {
			s.q.Park(ctx, parked(rc), err)
			continue
		}
		evs = append(evs, ev)
	}
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].OccurredAt.Before(evs[j].OccurredAt) })
	return evs, nil
}

func (s *Source) fetch(ctx context.Context) ([]rawCommit, error) {
	url := fmt.Sprintf("%s/commits?repo=%s&limit=%d", s.opts.BaseURL, s.opts.Repo, s.opts.Lookback)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnknown, "git new request failed")
	}
	req.Header.Set("Accept", "application/json")
	if s.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.opts.Token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "git fetch failed")
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			s.log.Error().Err(cerr).Msg("git close body failed")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, perr.Newf(perr.ErrorCodeUnavailable, "git unexpected status %d body %s", resp.StatusCode, string(body))
	}

	var out []rawCommit
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "git read body failed")
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeJSON, "git decode failed")
	}
	return out, nil
}

func (s *Source) transform(rc rawCommit) (evdom.Event, error) {
	if rc.Hash == "" {
		return evdom.Event{}, perr.Validationf("commit missing hash")
	}
	at, err := time.Parse(time.RFC3339, rc.Timestamp)
	if err != nil {
		return evdom.Event{}, perr.Validationf("commit %s bad timestamp %q", rc.Hash, rc.Timestamp)
	}

	return evdom.Event{
		ID:         uuid.NewString(),
		Source:     evdom.SourceGit,
		SourceID:   rc.Hash,
		EventType:  "commit",
		Severity:   classify(rc),
		OccurredAt: at,
		Payload: map[string]any{
			"hash":          rc.Hash,
			"repo":          rc.Repo,
			"branch":        rc.Branch,
			"author":        rc.Author,
			"message":       rc.Message,
			"files_changed": rc.FilesChanged,
			"insertions":    rc.Insertions,
			"deletions":     rc.Deletions,
		},
		Tags: []string{"commit"},
	}, nil
}

// parked carries the full raw commit so a quarantined item can be replayed
func parked(rc rawCommit) evdom.Event {
	ev := evdom.Event{
		ID:        rc.Hash,
		Source:    evdom.SourceGit,
		SourceID:  rc.Hash,
		EventType: "commit",
		Severity:  classify(rc),
		Payload: map[string]any{
			"hash":          rc.Hash,
			"repo":          rc.Repo,
			"branch":        rc.Branch,
			"author":        rc.Author,
			"message":       rc.Message,
			"timestamp":     rc.Timestamp,
			"files_changed": rc.FilesChanged,
			"insertions":    rc.Insertions,
			"deletions":     rc.Deletions,
		},
		Tags: []string{"commit"},
	}
	if at, err := time.Parse(time.RFC3339, rc.Timestamp); err == nil {
		ev.OccurredAt = at
	}
	return ev
}

// classify infers severity from the scale of the change
func classify(rc rawCommit) evdom.Severity {
	churn := rc.Insertions + rc.Deletions
	switch {
	case rc.FilesChanged >= 25 || churn >= 1000:
		return evdom.SeverityHigh
	case rc.FilesChanged >= 10 || churn >= 300:
		return evdom.SeverityMedium
	default:
		return evdom.SeverityLow
	}
}
