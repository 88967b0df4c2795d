// Package linker correlates stored events with investigations by time
// window and title keyword overlap
package linker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"casefile/internal/platform/logger"
	"casefile/internal/platform/metrics"
	evdom "casefile/internal/services/events/domain"
	invdom "casefile/internal/services/investigations/domain"
)

const (
	// DefaultWindow is the half-window around the investigation's creation instant
	DefaultWindow = 60 * time.Minute

	// suggestWindow is the fixed half-window used for suggestions
	suggestWindow = 30 * time.Minute

	// minTokenLen is the exclusive lower bound on matchable title tokens
	minTokenLen = 3

	// candidateCap bounds how many stored events one pass considers
	candidateCap = 500

	defaultSearchLimit = 50
)

// Service implements auto-link, search and suggest over the stored events
type Service struct {
	log    logger.Logger
	events evdom.QueryPort
	links  evdom.LinkPort
	invs   invdom.ReferencePort
}

// New constructs the linker
func New(events evdom.QueryPort, links evdom.LinkPort, invs invdom.ReferencePort) *Service {
	return &Service{
		log:    *logger.Named("linker"),
		events: events,
		links:  links,
		invs:   invs,
	}
}

// tokens extracts lowercased title words longer than minTokenLen
func tokens(title string) []string {
	fields := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	out := []string{}
	for _, f := range fields {
		if len(f) > minTokenLen {
			out = append(out, f)
		}
	}
	return out
}

// searchableText flattens an event's scalar payload fields, type and tags
// into one lowercased haystack
func searchableText(ev evdom.Event) string {
	var b strings.Builder
	b.WriteString(ev.EventType)
	for _, t := range ev.Tags {
		b.WriteByte(' ')
		b.WriteString(t)
	}
	for _, v := range ev.Payload {
		switch x := v.(type) {
		case string:
			b.WriteByte(' ')
			b.WriteString(x)
		case float64:
			fmt.Fprintf(&b, " %g", x)
		case int:
			fmt.Fprintf(&b, " %d", x)
		case int64:
			fmt.Fprintf(&b, " %d", x)
		case bool:
			fmt.Fprintf(&b, " %t", x)
		}
	}
	return strings.ToLower(b.String())
}

// matches reports whether any token hits the event's searchable text.
// An empty token set matches everything
func matches(toks []string, ev evdom.Event) bool {
	if len(toks) == 0 {
		return true
	}
	text := searchableText(ev)
	for _, tok := range toks {
		if strings.Contains(text, tok) {
			return true
		}
	}
	return false
}

// candidates returns stored events inside [ref-window, ref+window],
// optionally narrowed by the semantic token match
func (s *Service) candidates(
	ctx context.Context, inv invdom.Investigation, window time.Duration, semantic bool,
) ([]evdom.Event, error) {
	since := inv.CreatedAt.Add(-window)
	until := inv.CreatedAt.Add(window)
	evs, _, err := s.events.List(ctx, evdom.Filter{
		Since: &since,
		Until: &until,
		Limit: candidateCap,
	})
	if err != nil {
		return nil, err
	}

	var toks []string
	if semantic {
		toks = tokens(inv.Title)
	}
	out := []evdom.Event{}
	for _, ev := range evs {
		if ev.OccurredAt.IsZero() {
			continue
		}
		if semantic && !matches(toks, ev) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// AutoLink records links for every candidate event and returns the events
// newly linked. Per-event link failures are logged and skipped
func (s *Service) AutoLink(
	ctx context.Context, investigationID string, window time.Duration, semantic bool,
) ([]evdom.Event, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	inv, err := s.invs.Get(ctx, investigationID)
	if err != nil {
		return nil, err
	}
	cands, err := s.candidates(ctx, inv, window, semantic)
	if err != nil {
		return nil, err
	}

	linked := []evdom.Event{}
	for _, ev := range cands {
		ok, err := s.links.Link(ctx, ev.ID, inv.ID)
		if err != nil {
			s.log.Warn().Err(err).
				Str("event_id", ev.ID).
				Str("investigation_id", inv.ID).
				Msg("auto-link skipped event")
			continue
		}
		if ok {
			metrics.CountLink("auto")
			linked = append(linked, ev)
		}
	}
	s.log.Info().
		Str("investigation_id", inv.ID).
		Int("candidates", len(cands)).
		Int("linked", len(linked)).
		Dur("window", window).
		Msg("auto-link pass complete")
	return linked, nil
}

// searchFields is the fixed payload field list substring search inspects
var searchFields = []string{"message", "repo", "branch", "author", "job", "status"}

// Search scans recent events for a case-insensitive substring on the fixed
// field list, newest first
func (s *Service) Search(
	ctx context.Context, query, source, eventType string, limit int,
) ([]evdom.Event, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	evs, _, err := s.events.List(ctx, evdom.Filter{
		Source:    evdom.Source(source),
		EventType: eventType,
		Limit:     candidateCap,
	})
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(strings.TrimSpace(query))
	out := []evdom.Event{}
	for _, ev := range evs {
		if q == "" || fieldMatch(ev, q) {
			out = append(out, ev)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func fieldMatch(ev evdom.Event, q string) bool {
	for _, f := range searchFields {
		v, ok := ev.Payload[f].(string)
		if ok && strings.Contains(strings.ToLower(v), q) {
			return true
		}
	}
	return false
}

// Suggest runs the auto-link selection with a fixed 30 minute half-window,
// excludes already linked events and writes nothing
func (s *Service) Suggest(ctx context.Context, investigationID string, limit int) ([]evdom.Event, error) {
	inv, err := s.invs.Get(ctx, investigationID)
	if err != nil {
		return nil, err
	}
	cands, err := s.candidates(ctx, inv, suggestWindow, true)
	if err != nil {
		return nil, err
	}

	already, _, err := s.links.ListByInvestigation(ctx, inv.ID, evdom.Filter{Limit: candidateCap})
	if err != nil {
		return nil, err
	}
	linked := make(map[string]bool, len(already))
	for _, ev := range already {
		linked[ev.ID] = true
	}

	out := []evdom.Event{}
	for _, ev := range cands {
		if linked[ev.ID] {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
