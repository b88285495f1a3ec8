package mantle

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"
)

// RetryConfig controls Retry. The delay before attempt n (1-indexed) is
// min(BaseDelay · ExponentialBase^(n−1), MaxDelay), with optional full
// jitter (a uniform draw in [0, delay]).
type RetryConfig struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
	// RetryIf decides whether an error is worth another attempt.
	// Nil means DefaultRetryable.
	RetryIf func(error) bool
}

// DefaultRetryConfig matches the platform-wide retry posture: three
// attempts, one second base, exponential doubling capped at 30s, full
// jitter on.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	BaseDelay:       time.Second,
	MaxDelay:        30 * time.Second,
	ExponentialBase: 2,
	Jitter:          true,
}

// transientFragments are error-message substrings treated as transient.
var transientFragments = []string{
	"429", "503", "rate limit", "timeout", "temporarily unavailable",
	"connection reset", "connection refused", "temporary",
}

// DefaultRetryable reports whether err looks transient: explicit
// ErrRetryable values, context deadline, net/os timeouts, and
// HTTP 429/503 style messages. Context cancellation is never retryable.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var re *ErrRetryable
	if errors.As(err, &re) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// Retry runs op up to cfg.MaxAttempts times with exponential backoff.
// Non-retryable errors propagate immediately; on exhaustion the last error
// is returned. The backoff sleep honors ctx cancellation.
func Retry[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryConfig.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultRetryConfig.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultRetryConfig.MaxDelay
	}
	if cfg.ExponentialBase <= 1 {
		cfg.ExponentialBase = DefaultRetryConfig.ExponentialBase
	}
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = DefaultRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, backoffDelay(cfg, attempt)); err != nil {
				return zero, err
			}
		}
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryIf(err) {
			return zero, err
		}
	}
	return zero, lastErr
}

// backoffDelay computes the delay before the given 1-indexed attempt.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	d := float64(cfg.BaseDelay) * math.Pow(cfg.ExponentialBase, float64(attempt-2))
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		d = rand.Float64() * d
	}
	return time.Duration(d)
}

// sleepCtx sleeps for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// --- retrying provider wrapper ---

// retryProvider wraps a Provider with Retry and an optional circuit
// breaker, so planner/reflector/responder calls get both bounded retries
// and per-dependency failure isolation.
type retryProvider struct {
	inner   Provider
	cfg     RetryConfig
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// ProviderRetryOption configures WithRetry.
type ProviderRetryOption func(*retryProvider)

// ProviderRetryConfig overrides the retry config (default: DefaultRetryConfig).
func ProviderRetryConfig(cfg RetryConfig) ProviderRetryOption {
	return func(r *retryProvider) { r.cfg = cfg }
}

// ProviderBreaker routes calls through the given circuit breaker.
func ProviderBreaker(b *CircuitBreaker) ProviderRetryOption {
	return func(r *retryProvider) { r.breaker = b }
}

// ProviderRetryLogger sets the structured logger for retry events.
func ProviderRetryLogger(l *slog.Logger) ProviderRetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on transient errors. When a
// breaker is configured, every attempt passes through it, so a persistently
// failing provider trips open and later calls fail fast with ErrCircuitOpen.
func WithRetry(p Provider, opts ...ProviderRetryOption) Provider {
	r := &retryProvider{inner: p, cfg: DefaultRetryConfig, logger: nopLogger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	attempt := 0
	return Retry(ctx, r.cfg, func(ctx context.Context) (ChatResponse, error) {
		attempt++
		if attempt > 1 {
			r.logger.Warn("retrying provider call", "provider", r.inner.Name(), "attempt", attempt)
		}
		if r.breaker != nil {
			return callThroughBreaker(ctx, r.breaker, func(ctx context.Context) (ChatResponse, error) {
				return r.inner.Chat(ctx, req)
			})
		}
		return r.inner.Chat(ctx, req)
	})
}

// compile-time check
var _ Provider = (*retryProvider)(nil)
