package ingest

import (
	"context"
	"sync"
	"time"

	"casefile/internal/platform/logger"
	"casefile/internal/platform/metrics"
	evdom "casefile/internal/services/events/domain"
)

// Sink is where collected batches land, in connector order, conflict absorbing
type Sink interface {
	Ingest(ctx context.Context, evs []evdom.Event) (evdom.IngestStats, error)
}

// SchedulerConfig controls the per-connector loops
type SchedulerConfig struct {
	// Interval between collect invocations per connector
	Interval time.Duration
	// Timeout is the deadline applied to each invocation
	Timeout time.Duration
}

// DefaultSchedulerConfig polls every minute with a 30s per-invocation deadline
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: time.Minute,
		Timeout:  30 * time.Second,
	}
}

// Scheduler runs one loop per registered connector, feeding batches to the sink.
// Each connector's invocations are serialized by its loop
type Scheduler struct {
	reg  *Registry
	sink Sink
	cfg  SchedulerConfig
	log  logger.Logger

	wg sync.WaitGroup
}

// NewScheduler wires the registry to the sink
func NewScheduler(reg *Registry, sink Sink, cfg SchedulerConfig, log logger.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSchedulerConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSchedulerConfig().Timeout
	}
	return &Scheduler{reg: reg, sink: sink, cfg: cfg, log: log}
}

// Run starts the loops and blocks until ctx is done and all loops have drained
func (s *Scheduler) Run(ctx context.Context) {
	for _, c := range s.reg.All() {
		s.wg.Add(1)
		go func(c *Connector) {
			defer s.wg.Done()
			s.loop(ctx, c)
		}(c)
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, c *Connector) {
	name := c.Name()
	s.log.Info().Str("source", name).Dur("interval", s.cfg.Interval).Msg("connector loop started")

	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Str("source", name).Msg("connector loop stopped")
			return
		case <-t.C:
			s.RunOnce(ctx, c)
		}
	}
}

// RunOnce performs one deadline-bounded collect and persists the batch.
// Exposed so operator-triggered collection shares the scheduler path
func (s *Scheduler) RunOnce(ctx context.Context, c *Connector) evdom.IngestStats {
	name := c.Name()
	cctx, cancel := context.WithTimeout(logger.WithSource(ctx, name), s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	evs := c.Collect(cctx)
	if len(evs) == 0 {
		metrics.ObserveCollection(name, time.Since(start), metrics.OutcomeSuccess)
		return evdom.IngestStats{}
	}

	stats, err := s.sink.Ingest(cctx, evs)
	if err != nil {
		metrics.ObserveCollection(name, time.Since(start), metrics.OutcomeError)
		s.log.Error().Str("source", name).Err(err).Msg("batch insert failed")
		return stats
	}

	metrics.ObserveCollection(name, time.Since(start), metrics.OutcomeSuccess)
	s.log.Info().
		Str("source", name).
		Int("inserted", stats.Inserted).
		Int("duplicates", stats.Duplicates).
		Msg("collect cycle done")
	return stats
}
