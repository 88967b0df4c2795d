// Package retry provides the backoff policy used between connector attempts
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy is an immutable backoff description shared across connectors
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Base         float64
	Jitter       bool
}

// Default returns the stock policy: 3 retries, 1s initial, 30s cap, doubling, jittered
func Default() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Base:         2.0,
		Jitter:       true,
	}
}

// Delay returns the sleep before the k-th retry: min(initial * base^k, max),
// multiplied by a uniform factor in [0.9, 1.1] when jitter is on.
// Negative k returns 0
func (p Policy) Delay(k int) time.Duration {
	if k < 0 {
		return 0
	}
	base := p.Base
	if base <= 0 {
		base = 2.0
	}
	d := float64(p.InitialDelay) * math.Pow(base, float64(k))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	if p.Jitter {
		d *= 0.9 + 0.2*rand.Float64()
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Sleep waits Delay(k) or until done closes, returning false when interrupted
func (p Policy) Sleep(done <-chan struct{}, k int) bool {
	d := p.Delay(k)
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	}
}
