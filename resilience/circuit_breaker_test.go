package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signalbridge/actioncore/core"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testBreaker(t *testing.T, clock *fakeClock) *CircuitBreaker {
	t.Helper()
	cfg := BreakerConfig{
		FailureThreshold:  3,
		Window:            time.Minute,
		ResetTimeout:      30 * time.Second,
		HalfOpenSuccesses: 2,
		HalfOpenMaxProbes: 1,
		StaleFor:          10 * time.Minute,
	}
	cb, err := NewCircuitBreaker("slack", cfg, WithBreakerClock(clock))
	if err != nil {
		t.Fatalf("NewCircuitBreaker() error = %v", err)
	}
	return cb
}

func failingCall(ctx context.Context) (*core.Result, error) {
	return nil, &RemoteError{StatusCode: 500}
}

func successCall(ctx context.Context) (*core.Result, error) {
	return &core.Result{Data: map[string]interface{}{"ok": true}}, nil
}

func tripBreaker(t *testing.T, cb *CircuitBreaker) {
	t.Helper()
	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), failingCall)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open after threshold", cb.State())
	}
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := testBreaker(t, clock)

	cb.Execute(context.Background(), failingCall)
	cb.Execute(context.Background(), failingCall)
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed below threshold", cb.State())
	}
	cb.Execute(context.Background(), failingCall)
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open at threshold", cb.State())
	}
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	clock := newFakeClock()
	cb := testBreaker(t, clock)
	tripBreaker(t, cb)

	_, err := cb.Execute(context.Background(), successCall)
	if !errors.Is(err, core.ErrCircuitBreakerOpen) {
		t.Fatalf("error = %v, want ErrCircuitBreakerOpen", err)
	}

	stats := cb.Stats()
	if stats.TotalRejections == 0 {
		t.Error("expected rejections to be counted")
	}
}

func TestBreakerWindowForgetsOldFailures(t *testing.T) {
	clock := newFakeClock()
	cb := testBreaker(t, clock)

	cb.Execute(context.Background(), failingCall)
	cb.Execute(context.Background(), failingCall)
	clock.Advance(2 * time.Minute)
	cb.Execute(context.Background(), failingCall)

	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed (old failures out of window)", cb.State())
	}
}

func TestBreakerHalfOpenClosesAfterSuccesses(t *testing.T) {
	clock := newFakeClock()
	cb := testBreaker(t, clock)
	tripBreaker(t, cb)

	clock.Advance(31 * time.Second)

	// First probe is admitted and succeeds
	if _, err := cb.Execute(context.Background(), successCall); err != nil {
		t.Fatalf("probe error = %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open after one probe success", cb.State())
	}
	if _, err := cb.Execute(context.Background(), successCall); err != nil {
		t.Fatalf("second probe error = %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed after two probe successes", cb.State())
	}
}

func TestBreakerHalfOpenReopensOnFailure(t *testing.T) {
	clock := newFakeClock()
	cb := testBreaker(t, clock)
	tripBreaker(t, cb)

	clock.Advance(31 * time.Second)
	cb.Execute(context.Background(), failingCall)

	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open after probe failure", cb.State())
	}
}

func TestBreakerServesStaleWhileOpen(t *testing.T) {
	clock := newFakeClock()
	cb := testBreaker(t, clock)

	// A closed-state success populates the stale cache
	if _, err := cb.Execute(context.Background(), successCall); err != nil {
		t.Fatalf("seed error = %v", err)
	}
	tripBreaker(t, cb)

	result, err := cb.Execute(context.Background(), successCall)
	if err != nil {
		t.Fatalf("expected stale value, got error %v", err)
	}
	if !result.FromCache {
		t.Error("FromCache = false, want true for stale value")
	}
	if result.Data["ok"] != true {
		t.Errorf("Data = %v, want cached payload", result.Data)
	}
}

func TestBreakerStaleValueExpires(t *testing.T) {
	clock := newFakeClock()
	cb := testBreaker(t, clock)

	cb.Execute(context.Background(), successCall)
	tripBreaker(t, cb)

	clock.Advance(11 * time.Minute)
	// Past ResetTimeout the breaker goes half-open; force it open again
	// with an immediate probe failure so the rejection path runs
	cb.Execute(context.Background(), failingCall)

	_, err := cb.Execute(context.Background(), successCall)
	if !errors.Is(err, core.ErrCircuitBreakerOpen) {
		t.Fatalf("error = %v, want open rejection once stale value aged out", err)
	}
}

func TestBreakerCanceledCallsDoNotCount(t *testing.T) {
	clock := newFakeClock()
	cb := testBreaker(t, clock)

	for i := 0; i < 5; i++ {
		cb.Execute(context.Background(), func(ctx context.Context) (*core.Result, error) {
			return nil, context.Canceled
		})
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, cancellations must not trip the breaker", cb.State())
	}
}

func TestBreakerForceControls(t *testing.T) {
	clock := newFakeClock()
	cb := testBreaker(t, clock)

	cb.ForceOpen()
	if _, err := cb.Execute(context.Background(), successCall); !errors.Is(err, core.ErrCircuitBreakerOpen) {
		t.Fatalf("error = %v, want rejection while forced open", err)
	}

	cb.ForceClosed()
	if _, err := cb.Execute(context.Background(), successCall); err != nil {
		t.Fatalf("error = %v, want admission while forced closed", err)
	}

	cb.ClearForce()
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want automatic closed after ClearForce", cb.State())
	}
}

func TestBreakerReset(t *testing.T) {
	clock := newFakeClock()
	cb := testBreaker(t, clock)
	tripBreaker(t, cb)

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed after reset", cb.State())
	}
	if _, err := cb.Execute(context.Background(), successCall); err != nil {
		t.Fatalf("error = %v after reset", err)
	}
}

func TestBreakerListenerObservesTransitions(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 2

	var mu sync.Mutex
	var transitions []State
	done := make(chan struct{})

	cb, err := NewCircuitBreaker("github", cfg,
		WithBreakerClock(clock),
		WithStateChangeListener(func(executor string, from, to State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
			close(done)
		}),
	)
	if err != nil {
		t.Fatalf("NewCircuitBreaker() error = %v", err)
	}

	cb.Execute(context.Background(), failingCall)
	cb.Execute(context.Background(), failingCall)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener was not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) == 0 || transitions[0] != StateOpen {
		t.Errorf("transitions = %v, want [open]", transitions)
	}
}

func TestBreakerRegistryLazyCreation(t *testing.T) {
	registry := NewBreakerRegistry()

	a := registry.Get("slack")
	b := registry.Get("slack")
	if a != b {
		t.Error("expected the same breaker per executor")
	}
	if len(registry.All()) != 1 {
		t.Errorf("breakers = %d, want 1", len(registry.All()))
	}
}

func TestBreakerRegistryPerExecutorConfig(t *testing.T) {
	custom := DefaultBreakerConfig()
	custom.FailureThreshold = 1
	registry := NewBreakerRegistry(WithExecutorConfig("flaky", custom))

	cb := registry.Get("flaky")
	cb.Execute(context.Background(), failingCall)
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open after single failure", cb.State())
	}

	other := registry.Get("steady")
	other.Execute(context.Background(), failingCall)
	if other.State() != StateClosed {
		t.Fatalf("state = %s, want default threshold for other executors", other.State())
	}
}
