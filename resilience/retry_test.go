package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalbridge/actioncore/core"
)

func fastPolicy() Policy {
	p := DefaultPolicy()
	p.InitialDelay = time.Millisecond
	p.MaxDelay = 10 * time.Millisecond
	p.Jitter = 0
	return p
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	engine := NewEngine(WithBasePolicy(fastPolicy()))

	calls := 0
	err := engine.Do(context.Background(), "slack", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	engine := NewEngine(WithBasePolicy(fastPolicy()))

	calls := 0
	err := engine.Do(context.Background(), "slack", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &RemoteError{StatusCode: 503, Message: "server error"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}

	stats := engine.Stats("slack")
	if stats.Retries != 2 {
		t.Errorf("Retries = %d, want 2", stats.Retries)
	}
	if stats.Successes != 1 {
		t.Errorf("Successes = %d, want 1", stats.Successes)
	}
}

func TestRetryStopsOnValidationError(t *testing.T) {
	engine := NewEngine(WithBasePolicy(fastPolicy()))

	calls := 0
	err := engine.Do(context.Background(), "jira", func(ctx context.Context) error {
		calls++
		return &RemoteError{StatusCode: 400, Message: "validation failed"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (validation is not retryable)", calls)
	}
	if core.KindOf(err) != core.KindValidation {
		t.Errorf("kind = %s, want validation", core.KindOf(err))
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	engine := NewEngine(WithBasePolicy(fastPolicy()))

	calls := 0
	err := engine.Do(context.Background(), "github", func(ctx context.Context) error {
		calls++
		return &RemoteError{StatusCode: 500}
	})
	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Fatalf("error = %v, want ErrMaxRetriesExceeded", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

type fakeRefresher struct {
	calls int32
	fail  bool
}

func (r *fakeRefresher) Refresh(ctx context.Context) error {
	atomic.AddInt32(&r.calls, 1)
	if r.fail {
		return errors.New("refresh endpoint down")
	}
	return nil
}

func TestRetryAuthRefreshOnce(t *testing.T) {
	refresher := &fakeRefresher{}
	engine := NewEngine(
		WithBasePolicy(fastPolicy()),
		WithRefresher("slack", refresher),
	)

	calls := 0
	err := engine.Do(context.Background(), "slack", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &RemoteError{StatusCode: 401, Message: "expired token"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	// The refreshed attempt does not consume the retry budget
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if got := atomic.LoadInt32(&refresher.calls); got != 1 {
		t.Errorf("refresher calls = %d, want 1", got)
	}
}

func TestRetrySecondAuthFailureIsTerminal(t *testing.T) {
	refresher := &fakeRefresher{}
	engine := NewEngine(
		WithBasePolicy(fastPolicy()),
		WithRefresher("slack", refresher),
	)

	calls := 0
	err := engine.Do(context.Background(), "slack", func(ctx context.Context) error {
		calls++
		return &RemoteError{StatusCode: 401}
	})
	if !errors.Is(err, core.ErrAuthFailed) {
		t.Fatalf("error = %v, want ErrAuthFailed", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (one refresh, one re-attempt)", calls)
	}
	if got := atomic.LoadInt32(&refresher.calls); got != 1 {
		t.Errorf("refresher calls = %d, want 1", got)
	}
}

func TestRetryFailedRefreshIsTerminal(t *testing.T) {
	refresher := &fakeRefresher{fail: true}
	engine := NewEngine(
		WithBasePolicy(fastPolicy()),
		WithRefresher("slack", refresher),
	)

	err := engine.Do(context.Background(), "slack", func(ctx context.Context) error {
		return &RemoteError{StatusCode: 401}
	})
	if !errors.Is(err, core.ErrAuthFailed) {
		t.Fatalf("error = %v, want ErrAuthFailed", err)
	}
}

func TestRetryAuthWithoutRefresherIsTerminal(t *testing.T) {
	engine := NewEngine(WithBasePolicy(fastPolicy()))

	calls := 0
	err := engine.Do(context.Background(), "notion", func(ctx context.Context) error {
		calls++
		return &RemoteError{StatusCode: 401}
	})
	if !errors.Is(err, core.ErrAuthFailed) {
		t.Fatalf("error = %v, want ErrAuthFailed", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryCancellation(t *testing.T) {
	engine := NewEngine(WithBasePolicy(fastPolicy()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := engine.Do(ctx, "slack", func(ctx context.Context) error {
		return ctx.Err()
	})
	if core.KindOf(err) != core.KindCanceled {
		t.Errorf("kind = %s, want canceled", core.KindOf(err))
	}
}

func TestBackoffStrategies(t *testing.T) {
	base := 100 * time.Millisecond
	tests := []struct {
		strategy BackoffStrategy
		attempt  int
		expect   time.Duration
	}{
		{BackoffFixed, 1, base},
		{BackoffFixed, 4, base},
		{BackoffLinear, 1, base},
		{BackoffLinear, 3, 3 * base},
		{BackoffExponential, 1, base},
		{BackoffExponential, 3, 4 * base},
		{BackoffFibonacci, 1, base},
		{BackoffFibonacci, 2, base},
		{BackoffFibonacci, 5, 5 * base},
		{BackoffFibonacci, 6, 8 * base},
	}
	for _, tt := range tests {
		p := Policy{InitialDelay: base, Strategy: tt.strategy, Multiplier: 2}
		if got := backoffDelay(p, tt.attempt); got != tt.expect {
			t.Errorf("backoffDelay(%s, attempt %d) = %v, want %v",
				tt.strategy, tt.attempt, got, tt.expect)
		}
	}
}

func TestRateLimitWaitUsesRetryAfterPlusBuffer(t *testing.T) {
	p := fastPolicy()
	p.RateLimitBuffer = 3 * time.Millisecond
	p.MaxDelay = time.Second
	engine := NewEngine(WithBasePolicy(p))

	err := &RemoteError{IsRateLimit: true, RetryAfter: 5 * time.Millisecond}
	delay := engine.nextDelay("slack", p, 1, core.KindRateLimit, err)
	if delay != 8*time.Millisecond {
		t.Errorf("delay = %v, want 8ms (retry-after + buffer)", delay)
	}
}

func TestRateLimitWaitCappedByMaxDelay(t *testing.T) {
	p := fastPolicy()
	p.MaxDelay = 20 * time.Millisecond
	p.RateLimitBuffer = 5 * time.Millisecond
	engine := NewEngine(WithBasePolicy(p))

	err := &RemoteError{IsRateLimit: true, RetryAfter: time.Hour}
	delay := engine.nextDelay("slack", p, 1, core.KindRateLimit, err)
	if delay != p.MaxDelay {
		t.Errorf("delay = %v, want capped at %v", delay, p.MaxDelay)
	}
}

func TestRateLimitWaitPastResetClampsToZero(t *testing.T) {
	p := fastPolicy()
	p.RateLimitBuffer = 2 * time.Millisecond
	p.MaxDelay = time.Second
	engine := NewEngine(WithBasePolicy(p))

	// A reset timestamp already behind us must not produce a negative wait
	err := &RemoteError{IsRateLimit: true, ResetAt: time.Now().Add(-time.Minute)}
	delay := engine.nextDelay("slack", p, 1, core.KindRateLimit, err)
	if delay != 0 {
		t.Errorf("delay = %v, want 0 for an elapsed reset window", delay)
	}
}

func TestPlatformOverridesApply(t *testing.T) {
	attempts := 5
	engine := NewEngine(
		WithBasePolicy(fastPolicy()),
		WithPlatformOverrides("github", Overrides{MaxAttempts: &attempts}),
	)

	calls := 0
	engine.Do(context.Background(), "github", func(ctx context.Context) error {
		calls++
		return &RemoteError{StatusCode: 500}
	})
	if calls != 5 {
		t.Errorf("calls = %d, want platform override of 5", calls)
	}
}

func TestMaxElapsedStopsEarly(t *testing.T) {
	p := fastPolicy()
	p.MaxAttempts = 100
	p.InitialDelay = 50 * time.Millisecond
	p.Strategy = BackoffFixed
	p.MaxElapsed = 60 * time.Millisecond
	engine := NewEngine(WithBasePolicy(p))

	calls := 0
	err := engine.Do(context.Background(), "slack", func(ctx context.Context) error {
		calls++
		return &RemoteError{StatusCode: 500}
	})
	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Fatalf("error = %v, want ErrMaxRetriesExceeded", err)
	}
	if calls > 3 {
		t.Errorf("calls = %d, elapsed budget should have stopped the loop", calls)
	}
}

func TestRetryHookObservesDelays(t *testing.T) {
	var hookCalls int32
	engine := NewEngine(
		WithBasePolicy(fastPolicy()),
		WithRetryHook(func(platform string, attempt int, delay time.Duration, err error) {
			atomic.AddInt32(&hookCalls, 1)
		}),
	)

	calls := 0
	engine.Do(context.Background(), "slack", func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return &RemoteError{StatusCode: 500}
		}
		return nil
	})
	if got := atomic.LoadInt32(&hookCalls); got != 1 {
		t.Errorf("hook calls = %d, want 1", got)
	}
}
