package mantle

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fastRetry removes real sleeps from the test path.
var fastRetry = RetryConfig{
	MaxAttempts:     3,
	BaseDelay:       time.Microsecond,
	MaxDelay:        time.Millisecond,
	ExponentialBase: 2,
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := Retry(context.Background(), fastRetry, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &ErrRetryable{Message: "transient"}
		}
		return "done", nil
	})
	if err != nil {
		t.Fatalf("Retry error: %v", err)
	}
	if got != "done" || calls != 3 {
		t.Errorf("got %q after %d calls, want done after 3", got, calls)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	fatal := errors.New("bad request")
	_, err := Retry(context.Background(), fastRetry, func(context.Context) (int, error) {
		calls++
		return 0, fatal
	})
	if !errors.Is(err, fatal) {
		t.Errorf("err = %v, want the original error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryExhaustionReturnsLastError(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastRetry, func(context.Context) (int, error) {
		calls++
		return 0, &ErrRetryable{Message: "still down"}
	})
	if err == nil || err.Error() != "still down" {
		t.Errorf("err = %v, want last transient error", err)
	}
	if calls != fastRetry.MaxAttempts {
		t.Errorf("calls = %d, want %d", calls, fastRetry.MaxAttempts)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := fastRetry
	cfg.BaseDelay = time.Hour // the sleep must be interrupted, not served
	_, err := Retry(ctx, cfg, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, &ErrRetryable{Message: "transient"}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDefaultRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit retryable", &ErrRetryable{Message: "x"}, true},
		{"rate limit text", errors.New("HTTP 429 Too Many Requests"), true},
		{"unavailable text", errors.New("service temporarily unavailable"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancel", context.Canceled, false},
		{"plain failure", errors.New("invalid argument"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DefaultRetryable(tc.err); got != tc.want {
				t.Errorf("DefaultRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second, ExponentialBase: 2}
	if d := backoffDelay(cfg, 2); d != time.Second {
		t.Errorf("attempt 2 delay = %v, want base", d)
	}
	if d := backoffDelay(cfg, 10); d != 3*time.Second {
		t.Errorf("attempt 10 delay = %v, want cap", d)
	}
}

// ---------------------------------------------------------------------------
// Retrying provider wrapper
// ---------------------------------------------------------------------------

func TestWithRetryRetriesProviderCalls(t *testing.T) {
	p := &stubProvider{
		errs:      []error{&ErrRetryable{Message: "flap"}, nil},
		responses: []ChatResponse{{}, {Content: "hello"}},
	}
	wrapped := WithRetry(p, ProviderRetryConfig(fastRetry))
	resp, err := wrapped.Chat(context.Background(), ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q", resp.Content)
	}
	if p.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", p.callCount())
	}
}

func TestWithRetryBreakerFailsFastWhenOpen(t *testing.T) {
	breaker := NewCircuitBreaker("llm", BreakerConfig{FailureThreshold: 1, Window: time.Minute})
	_ = breaker.Do(context.Background(), func(context.Context) error {
		return errors.New("down")
	})

	p := &stubProvider{responses: []ChatResponse{{Content: "never"}}}
	wrapped := WithRetry(p, ProviderRetryConfig(fastRetry), ProviderBreaker(breaker))
	_, err := wrapped.Chat(context.Background(), ChatRequest{})

	var open *ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if p.callCount() != 0 {
		t.Errorf("provider called %d times through an open breaker", p.callCount())
	}
}

func TestWithRetryDelegatesName(t *testing.T) {
	p := &stubProvider{name: "inner"}
	if got := WithRetry(p).Name(); got != "inner" {
		t.Errorf("Name = %q", got)
	}
}
