// Package ingest provides the pluggable connector framework: a Source adapter
// wrapped with retry, circuit breaker, and dead letter quarantine
package ingest

import (
	"context"

	"casefile/internal/ingest/breaker"
	"casefile/internal/ingest/retry"
	"casefile/internal/platform/logger"
	evdom "casefile/internal/services/events/domain"
)

// Source is the capability a concrete connector implements: pull one raw
// batch from its upstream and return normalized events
type Source interface {
	Name() string
	FetchAndTransform(ctx context.Context) ([]evdom.Event, error)
}

// DeadLetter is the parking surface the framework and sources write to
type DeadLetter interface {
	// Put upserts by event id and reports success; it never returns an error
	Put(ctx context.Context, ev evdom.Event, cause string, retryCount int) bool
}

// Quarantine parks raw items that fail per-item transformation. Sources hold
// one and call Park for each bad item that still carries an identifier
type Quarantine struct {
	DLQ DeadLetter
	Log logger.Logger
}

// Park records the failed item in the DLQ when a handle is wired, logging either way
func (q *Quarantine) Park(ctx context.Context, ev evdom.Event, cause error) {
	if q == nil {
		return
	}
	evt := q.Log.Warn().
		Str("source", string(ev.Source)).
		Str("event_id", ev.ID).
		Err(cause)
	if q.DLQ == nil || ev.ID == "" {
		evt.Msg("item skipped")
		return
	}
	if ok := q.DLQ.Put(ctx, ev, cause.Error(), 0); !ok {
		evt.Msg("item skipped, dead letter write failed")
		return
	}
	evt.Msg("item quarantined")
}

// Connector composes a Source with the resilience primitives. Collect is the
// only public entry and is not re-entrant per instance; callers serialize
type Connector struct {
	src    Source
	policy retry.Policy
	brk    *breaker.Breaker
	log    logger.Logger
}

// NewConnector wraps src with the given policy and breaker
func NewConnector(src Source, policy retry.Policy, brk *breaker.Breaker, log logger.Logger) *Connector {
	return &Connector{
		src:    src,
		policy: policy,
		brk:    brk,
		log:    log,
	}
}

// Name returns the source name
func (c *Connector) Name() string { return c.src.Name() }

// Breaker exposes the circuit for the status surface
func (c *Connector) Breaker() *breaker.Breaker { return c.brk }

// Collect performs a single guarded invocation and returns normalized events.
// It never returns an error: fetch failures retry per the policy, exhaustion
// trips the circuit, and an open circuit short-circuits to an empty batch
func (c *Connector) Collect(ctx context.Context) (evs []evdom.Event) {
	defer func() {
		if v := recover(); v != nil {
			c.log.Error().
				Str("source", c.src.Name()).
				Interface("panic", v).
				Msg("connector panic trapped")
			c.brk.RecordFailure()
			evs = nil
		}
	}()

	if !c.brk.CanExecute() {
		c.log.Debug().Str("source", c.src.Name()).Msg("circuit open, collect skipped")
		return nil
	}

	for k := 0; k <= c.policy.MaxRetries; k++ {
		out, err := c.src.FetchAndTransform(ctx)
		if err == nil {
			c.brk.RecordSuccess()
			return out
		}

		c.log.Warn().
			Str("source", c.src.Name()).
			Int("attempt", k).
			Err(err).
			Msg("fetch failed")

		if k < c.policy.MaxRetries {
			if !c.policy.Sleep(ctx.Done(), k) {
				// deadline expired mid-backoff, return what exists
				return nil
			}
		}
	}

	c.brk.RecordFailure()
	return nil
}
