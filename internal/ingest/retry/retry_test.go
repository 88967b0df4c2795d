package retry

import (
	"testing"
	"time"
)

func TestDelayExponentialNoJitter(t *testing.T) {
	t.Parallel()

	p := Policy{
		MaxRetries:   5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Base:         2.0,
		Jitter:       false,
	}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second,
	}
	for k, w := range want {
		if got := p.Delay(k); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", k, got, w)
		}
	}
}

func TestDelayMonotonic(t *testing.T) {
	t.Parallel()

	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, Base: 1.7}
	prev := time.Duration(-1)
	for k := 0; k < 12; k++ {
		d := p.Delay(k)
		if d < prev {
			t.Fatalf("Delay(%d) = %v decreased from %v", k, d, prev)
		}
		prev = d
	}
}

func TestDelayNegativeK(t *testing.T) {
	t.Parallel()

	p := Default()
	if got := p.Delay(-1); got != 0 {
		t.Fatalf("Delay(-1) = %v, want 0", got)
	}
}

func TestDelayJitterBounds(t *testing.T) {
	t.Parallel()

	p := Policy{InitialDelay: time.Second, MaxDelay: time.Minute, Base: 2.0, Jitter: true}
	for i := 0; i < 200; i++ {
		d := p.Delay(2) // 4s nominal
		lo, hi := time.Duration(float64(4*time.Second)*0.9), time.Duration(float64(4*time.Second)*1.1)
		if d < lo || d > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, lo, hi)
		}
	}
}

func TestSleepCancellable(t *testing.T) {
	t.Parallel()

	p := Policy{InitialDelay: 10 * time.Second, MaxDelay: time.Minute, Base: 2.0}
	done := make(chan struct{})
	close(done)

	start := time.Now()
	if p.Sleep(done, 0) {
		t.Fatal("Sleep returned true on closed done channel")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Sleep took %v, expected immediate return", elapsed)
	}
}
