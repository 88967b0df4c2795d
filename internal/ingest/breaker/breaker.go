// Package breaker provides a per-connector three state circuit breaker
package breaker

import (
	"sync"
	"time"

	"casefile/internal/platform/logger"
	"casefile/internal/platform/metrics"
)

// State is one of closed, open, half-open
type State string

// Breaker states
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

func (s State) gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Config holds the breaker thresholds
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the circuit
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a half-open probe
	RecoveryTimeout time.Duration
	// SuccessThreshold is the consecutive success count that closes a half-open circuit
	SuccessThreshold int
}

// DefaultConfig returns the stock thresholds: open after 5, probe after 60s, close after 2
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}
}

// Snapshot is a point in time copy of the breaker bookkeeping
type Snapshot struct {
	Name                 string
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastFailureAt        time.Time
	LastSuccessAt        time.Time
	LastStateChangeAt    time.Time
}

// Breaker gates calls to one failing dependency. It never returns errors;
// callers query CanExecute and report outcomes
type Breaker struct {
	name string
	cfg  Config
	log  logger.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	lastFail  time.Time
	lastOK    time.Time
	changed   time.Time

	// seam for tests
	now func() time.Time
}

// New constructs a closed breaker named after its connector
func New(name string, cfg Config, log logger.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	return &Breaker{
		name:    name,
		cfg:     cfg,
		log:     log,
		state:   StateClosed,
		changed: time.Now(),
		now:     time.Now,
	}
}

// CanExecute reports whether a call may proceed. In the open state it first
// checks whether the recovery timeout has elapsed and probes half-open
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFail) > b.cfg.RecoveryTimeout {
			b.transition(StateHalfOpen)
			b.successes = 0
			return true
		}
		return false
	}
	return false
}

// RecordSuccess reports a successful call
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastOK = b.now()
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure reports a failed call
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFail = b.now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.failures++
		b.transition(StateOpen)
	case StateOpen:
		b.failures++
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snap returns a copy of the bookkeeping for the status surface
func (b *Breaker) Snap() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                 b.name,
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		LastFailureAt:        b.lastFail,
		LastSuccessAt:        b.lastOK,
		LastStateChangeAt:    b.changed,
	}
}

// transition must run under b.mu
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.changed = b.now()
	metrics.SetCircuitState(b.name, to.gauge())
	b.log.Info().
		Str("connector", b.name).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("circuit state change")
}
