package mantle

import (
	"context"
	"errors"
	"testing"
	"time"
)

// testClock is a manually advanced clock swapped into breakers under test.
type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg BreakerConfig) (*CircuitBreaker, *testClock) {
	b := NewCircuitBreaker("dep", cfg)
	clock := &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b.now = clock.now
	return b, clock
}

func TestBreakerStartsClosed(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{})
	if b.State() != BreakerClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow on closed breaker: %v", err)
	}
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, Window: time.Minute})
	for i := 0; i < 2; i++ {
		b.Record(false)
	}
	if b.State() != BreakerClosed {
		t.Fatalf("tripped before threshold")
	}
	b.Record(false)
	if b.State() != BreakerOpen {
		t.Errorf("state = %v after %d failures, want open", b.State(), 3)
	}
	var open *ErrCircuitOpen
	if err := b.Allow(); !errors.As(err, &open) {
		t.Errorf("Allow on open breaker = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerWindowExpiresOldFailures(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 3, Window: time.Minute})
	b.Record(false)
	b.Record(false)
	clock.advance(2 * time.Minute)
	b.Record(false) // the two old failures aged out of the window
	if b.State() != BreakerClosed {
		t.Errorf("state = %v, want closed after window expiry", b.State())
	}
}

func TestBreakerHalfOpenAfterRecoveryTimeout(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
		Window:           time.Minute,
	})
	b.Record(false)
	if b.State() != BreakerOpen {
		t.Fatal("did not trip")
	}

	clock.advance(29 * time.Second)
	if err := b.Allow(); err == nil {
		t.Error("admitted a call before the recovery timeout")
	}

	clock.advance(2 * time.Second)
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("first probe rejected: %v", err)
	}
	if err := b.Allow(); err == nil {
		t.Error("second probe admitted over HalfOpenMaxCalls")
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		HalfOpenMaxCalls: 1,
		Window:           time.Minute,
	})
	b.Record(false)
	clock.advance(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.Record(true)
	if b.State() != BreakerClosed {
		t.Errorf("state = %v after successful probe, want closed", b.State())
	}
	// A fresh failure after closing needs the full threshold again.
	if err := b.Allow(); err != nil {
		t.Errorf("Allow after close: %v", err)
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		HalfOpenMaxCalls: 1,
		Window:           time.Minute,
	})
	b.Record(false)
	clock.advance(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.Record(false)
	if b.State() != BreakerOpen {
		t.Errorf("state = %v after failed probe, want open", b.State())
	}
	// The recovery timer restarted with the reopen.
	if err := b.Allow(); err == nil {
		t.Error("admitted a call immediately after reopening")
	}
}

func TestBreakerDo(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1, Window: time.Minute})
	err := b.Do(context.Background(), func(context.Context) error { return nil })
	if err != nil {
		t.Errorf("Do success path: %v", err)
	}
	failure := errors.New("down")
	if err := b.Do(context.Background(), func(context.Context) error { return failure }); !errors.Is(err, failure) {
		t.Errorf("Do = %v, want fn error", err)
	}
	// Tripped now; fn must not run.
	ran := false
	err = b.Do(context.Background(), func(context.Context) error { ran = true; return nil })
	var open *ErrCircuitOpen
	if !errors.As(err, &open) || ran {
		t.Errorf("Do on open breaker ran fn=%v err=%v", ran, err)
	}
}

func TestBreakerRegistryReturnsSingletons(t *testing.T) {
	r := NewBreakerRegistry(nil)
	a := r.GetOrCreate("llm", DefaultBreakerConfig)
	b := r.GetOrCreate("llm", BreakerConfig{FailureThreshold: 99})
	if a != b {
		t.Error("registry returned distinct breakers for one key")
	}
	c := r.GetOrCreate("db", DefaultBreakerConfig)
	if c == a {
		t.Error("distinct keys share a breaker")
	}
	if c.Key() != "db" {
		t.Errorf("Key = %q", c.Key())
	}
}
