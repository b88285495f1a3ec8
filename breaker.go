package mantle

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the current position of a circuit breaker's state machine.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig controls a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within Window that trips
	// the breaker open.
	FailureThreshold int
	// RecoveryTimeout is how long an open breaker waits before admitting
	// half-open probes.
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls is the number of concurrent probes admitted in the
	// half-open state. All must succeed to close the breaker.
	HalfOpenMaxCalls int
	// Window is the rolling window for counting failures in the closed state.
	Window time.Duration
}

// DefaultBreakerConfig is the platform default: five failures in a minute
// trip the breaker; it probes again after 30 seconds with one call.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	RecoveryTimeout:  30 * time.Second,
	HalfOpenMaxCalls: 1,
	Window:           time.Minute,
}

// CircuitBreaker isolates one downstream dependency. Callers pair Allow
// with exactly one Record per admitted call; Do wraps both. State
// transitions happen only under the breaker's lock, and the lock is never
// held across the wrapped call.
type CircuitBreaker struct {
	key    string
	cfg    BreakerConfig
	logger *slog.Logger

	mu        sync.Mutex
	state     BreakerState
	failures  []time.Time // rolling window of failure timestamps (closed state)
	openedAt  time.Time
	probes    int // probes admitted since entering half_open
	successes int // probe successes since entering half_open

	now func() time.Time // swapped in tests
}

// NewCircuitBreaker creates a closed breaker for the given dependency key.
func NewCircuitBreaker(key string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultBreakerConfig.RecoveryTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = DefaultBreakerConfig.HalfOpenMaxCalls
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultBreakerConfig.Window
	}
	return &CircuitBreaker{
		key:    key,
		cfg:    cfg,
		logger: nopLogger,
		state:  BreakerClosed,
		now:    time.Now,
	}
}

// Key returns the dependency key the breaker guards.
func (b *CircuitBreaker) Key() string { return b.key }

// State returns the current state, applying the open→half_open transition
// if the recovery timeout has elapsed.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Allow reports whether a call may proceed. In the open state it fails
// fast with ErrCircuitOpen; in half_open it admits at most
// HalfOpenMaxCalls probes and rejects the rest.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerHalfOpen:
		if b.probes < b.cfg.HalfOpenMaxCalls {
			b.probes++
			return nil
		}
		return &ErrCircuitOpen{Key: b.key}
	default:
		return &ErrCircuitOpen{Key: b.key}
	}
}

// Record reports the outcome of a call previously admitted by Allow.
func (b *CircuitBreaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		if success {
			return
		}
		now := b.now()
		b.failures = append(b.failures, now)
		b.pruneWindow(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	case BreakerHalfOpen:
		if !success {
			// Any probe failure reopens and resets the recovery timer.
			b.trip(b.now())
			return
		}
		b.successes++
		if b.successes >= b.cfg.HalfOpenMaxCalls {
			b.logger.Info("circuit breaker closed", "key", b.key)
			b.state = BreakerClosed
			b.failures = nil
		}
	case BreakerOpen:
		// Late result from a call admitted before the trip; counters reset
		// only via state transitions.
	}
}

// Do runs fn through the breaker: fail fast when open, otherwise record
// the outcome.
func (b *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.Record(err == nil)
	return err
}

// trip moves the breaker to open. Caller holds b.mu.
func (b *CircuitBreaker) trip(now time.Time) {
	b.logger.Warn("circuit breaker opened", "key", b.key, "failures", len(b.failures))
	b.state = BreakerOpen
	b.openedAt = now
	b.probes = 0
	b.successes = 0
}

// maybeHalfOpen applies the open→half_open transition. Caller holds b.mu.
func (b *CircuitBreaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.state = BreakerHalfOpen
		b.probes = 0
		b.successes = 0
	}
}

// pruneWindow drops failures older than the rolling window. Caller holds b.mu.
func (b *CircuitBreaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for ; i < len(b.failures); i++ {
		if b.failures[i].After(cutoff) {
			break
		}
	}
	b.failures = b.failures[i:]
}

// callThroughBreaker is the typed helper used by provider wrappers.
func callThroughBreaker[T any](ctx context.Context, b *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		return zero, err
	}
	result, err := fn(ctx)
	b.Record(err == nil)
	return result, err
}

// --- registry ---

// BreakerRegistry owns process-wide breakers keyed by dependency name.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	logger   *slog.Logger
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(logger *slog.Logger) *BreakerRegistry {
	if logger == nil {
		logger = nopLogger
	}
	return &BreakerRegistry{breakers: make(map[string]*CircuitBreaker), logger: logger}
}

// GetOrCreate returns the breaker for key, creating it with cfg on first
// use. Breakers are singletons per registry; later cfg values are ignored.
func (r *BreakerRegistry) GetOrCreate(key string, cfg BreakerConfig) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := NewCircuitBreaker(key, cfg)
	b.logger = r.logger
	r.breakers[key] = b
	return b
}
