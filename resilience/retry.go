package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/signalbridge/actioncore/core"
)

// BackoffStrategy selects how the delay grows between attempts
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffFibonacci   BackoffStrategy = "fibonacci"
)

// Policy controls retry behavior for one platform or one call
type Policy struct {
	// MaxAttempts includes the first try
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Strategy     BackoffStrategy

	// Multiplier applies to the exponential strategy
	Multiplier float64

	// Jitter is the symmetric random fraction applied to each delay (0..1)
	Jitter float64

	// MaxElapsed bounds the whole retry loop including waits
	MaxElapsed time.Duration

	// TimeoutPerAttempt bounds each attempt; zero disables the bound
	TimeoutPerAttempt time.Duration

	// RateLimitBuffer is added on top of platform-provided reset hints
	RateLimitBuffer time.Duration

	// RetryableKinds overrides the default transient set when non-empty
	RetryableKinds []core.ErrorKind

	// RefreshAuth enables the one-shot credential refresh on auth errors
	RefreshAuth bool
}

// DefaultPolicy returns the production retry policy
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		Strategy:        BackoffExponential,
		Multiplier:      2.0,
		Jitter:          0.1,
		MaxElapsed:      5 * time.Minute,
		RateLimitBuffer: 5 * time.Second,
		RefreshAuth:     true,
	}
}

// Overrides carries the subset of Policy fields a platform or call wants to
// change. Nil fields keep the base value.
type Overrides struct {
	MaxAttempts       *int
	InitialDelay      *time.Duration
	MaxDelay          *time.Duration
	Strategy          *BackoffStrategy
	Multiplier        *float64
	Jitter            *float64
	MaxElapsed        *time.Duration
	TimeoutPerAttempt *time.Duration
	RateLimitBuffer   *time.Duration
	RetryableKinds    []core.ErrorKind
	RefreshAuth       *bool
}

// Apply overlays non-nil override fields onto the policy
func (p Policy) Apply(o *Overrides) Policy {
	if o == nil {
		return p
	}
	if o.MaxAttempts != nil {
		p.MaxAttempts = *o.MaxAttempts
	}
	if o.InitialDelay != nil {
		p.InitialDelay = *o.InitialDelay
	}
	if o.MaxDelay != nil {
		p.MaxDelay = *o.MaxDelay
	}
	if o.Strategy != nil {
		p.Strategy = *o.Strategy
	}
	if o.Multiplier != nil {
		p.Multiplier = *o.Multiplier
	}
	if o.Jitter != nil {
		p.Jitter = *o.Jitter
	}
	if o.MaxElapsed != nil {
		p.MaxElapsed = *o.MaxElapsed
	}
	if o.TimeoutPerAttempt != nil {
		p.TimeoutPerAttempt = *o.TimeoutPerAttempt
	}
	if o.RateLimitBuffer != nil {
		p.RateLimitBuffer = *o.RateLimitBuffer
	}
	if len(o.RetryableKinds) > 0 {
		p.RetryableKinds = o.RetryableKinds
	}
	if o.RefreshAuth != nil {
		p.RefreshAuth = *o.RefreshAuth
	}
	return p
}

func (p Policy) retryable(kind core.ErrorKind) bool {
	if len(p.RetryableKinds) == 0 {
		switch kind {
		case core.KindRateLimit, core.KindNetwork, core.KindTimeout, core.KindAPI:
			return true
		}
		return false
	}
	for _, k := range p.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// PlatformStats aggregates retry activity per platform
type PlatformStats struct {
	Attempts       int64         `json:"attempts"`
	Retries        int64         `json:"retries"`
	Successes      int64         `json:"successes"`
	Failures       int64         `json:"failures"`
	AuthRefreshes  int64         `json:"auth_refreshes"`
	RateLimitWaits int64         `json:"rate_limit_waits"`
	TotalDelay     time.Duration `json:"total_delay"`
	LastError      string        `json:"last_error,omitempty"`
	LastAttempt    time.Time     `json:"last_attempt,omitempty"`
}

// RetryHook observes each scheduled retry before its wait begins
type RetryHook func(platform string, attempt int, delay time.Duration, err error)

// Engine runs functions under a retry policy with error-aware delays.
// Platform overrides layer on the base policy, and per-call overrides
// layer on both.
type Engine struct {
	base      Policy
	platforms map[string]Overrides

	refreshers map[string]core.CredentialRefresher

	logger  core.Logger
	metrics MetricsSink
	hooks   []RetryHook

	mu    sync.Mutex
	stats map[string]*PlatformStats
}

// EngineOption configures the retry engine
type EngineOption func(*Engine)

// WithBasePolicy replaces the default base policy
func WithBasePolicy(p Policy) EngineOption {
	return func(e *Engine) { e.base = p }
}

// WithPlatformOverrides sets per-platform policy overrides
func WithPlatformOverrides(platform string, o Overrides) EngineOption {
	return func(e *Engine) { e.platforms[platform] = o }
}

// WithRefresher registers the credential refresher for a platform
func WithRefresher(platform string, r core.CredentialRefresher) EngineOption {
	return func(e *Engine) { e.refreshers[platform] = r }
}

// WithEngineLogger sets the logger
func WithEngineLogger(logger core.Logger) EngineOption {
	return func(e *Engine) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			e.logger = cal.WithComponent("actioncore/retry")
		} else {
			e.logger = logger
		}
	}
}

// WithEngineMetrics sets the metrics sink
func WithEngineMetrics(sink MetricsSink) EngineOption {
	return func(e *Engine) {
		if sink != nil {
			e.metrics = sink
		}
	}
}

// WithRetryHook adds an observer invoked before each retry wait
func WithRetryHook(hook RetryHook) EngineOption {
	return func(e *Engine) { e.hooks = append(e.hooks, hook) }
}

// NewEngine creates a retry engine with the default policy
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		base:       DefaultPolicy(),
		platforms:  make(map[string]Overrides),
		refreshers: make(map[string]core.CredentialRefresher),
		logger:     &core.NoOpLogger{},
		metrics:    &NoOpMetrics{},
		stats:      make(map[string]*PlatformStats),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs fn under the platform's merged policy
func (e *Engine) Do(ctx context.Context, platform string, fn func(ctx context.Context) error) error {
	return e.DoWithOverrides(ctx, platform, nil, fn)
}

// DoWithOverrides runs fn with per-call overrides layered on top of the
// platform policy. The returned error is classified; callers can use
// errors.Is with the package sentinels.
func (e *Engine) DoWithOverrides(ctx context.Context, platform string, call *Overrides, fn func(ctx context.Context) error) error {
	policy := e.base
	if o, ok := e.platforms[platform]; ok {
		policy = policy.Apply(&o)
	}
	policy = policy.Apply(call)
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	start := time.Now()
	authRefreshed := false
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := e.runAttempt(ctx, policy, fn)
		e.recordAttempt(platform, attempt, err)
		e.metrics.RecordAttempt(platform, attempt, err == nil)

		if err == nil {
			if attempt > 1 {
				e.logger.Info("Operation succeeded after retry", map[string]interface{}{
					"operation": "retry_success",
					"platform":  platform,
					"attempt":   attempt,
				})
			}
			return nil
		}
		lastErr = err
		kind := Classify(err)

		// Cancellation is terminal no matter what the policy says
		if kind == core.KindCanceled {
			return &core.CoreError{Op: "retry.Do", Kind: kind, Target: platform, Err: err}
		}

		// One credential refresh per call; a successful refresh retries
		// the same attempt immediately without consuming the budget.
		if kind == core.KindAuth {
			if policy.RefreshAuth && !authRefreshed {
				if refresher, ok := e.refreshers[platform]; ok {
					authRefreshed = true
					if rerr := e.refresh(ctx, platform, refresher); rerr != nil {
						return &core.CoreError{Op: "retry.Do", Kind: core.KindAuth, Target: platform,
							Err: fmt.Errorf("%w: %v", core.ErrAuthFailed, rerr)}
					}
					attempt--
					continue
				}
			}
			return &core.CoreError{Op: "retry.Do", Kind: core.KindAuth, Target: platform,
				Err: fmt.Errorf("%w: %v", core.ErrAuthFailed, err)}
		}

		if !policy.retryable(kind) {
			return &core.CoreError{Op: "retry.Do", Kind: kind, Target: platform, Err: err}
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := e.nextDelay(platform, policy, attempt, kind, err)
		if policy.MaxElapsed > 0 && time.Since(start)+delay > policy.MaxElapsed {
			e.logger.Warn("Retry budget exhausted", map[string]interface{}{
				"operation": "retry_budget_exhausted",
				"platform":  platform,
				"attempt":   attempt,
				"elapsed":   time.Since(start).String(),
			})
			return &core.CoreError{Op: "retry.Do", Kind: kind, Target: platform,
				Err: fmt.Errorf("%w: elapsed budget spent after attempt %d: %v",
					core.ErrMaxRetriesExceeded, attempt, err)}
		}

		for _, hook := range e.hooks {
			hook(platform, attempt, delay, err)
		}
		e.metrics.RecordRetryDelay(platform, delay)
		e.logger.Debug("Retrying after delay", map[string]interface{}{
			"operation": "retry_wait",
			"platform":  platform,
			"attempt":   attempt,
			"kind":      string(kind),
			"delay":     delay.String(),
			"error":     err.Error(),
		})

		e.addDelay(platform, delay)
		if err := sleepCtx(ctx, delay); err != nil {
			return &core.CoreError{Op: "retry.Do", Kind: core.KindCanceled, Target: platform, Err: err}
		}
	}

	return &core.CoreError{Op: "retry.Do", Kind: Classify(lastErr), Target: platform,
		Err: fmt.Errorf("%w after %d attempts: %v", core.ErrMaxRetriesExceeded, policy.MaxAttempts, lastErr)}
}

// runAttempt applies the per-attempt timeout and distinguishes the attempt
// deadline from caller cancellation.
func (e *Engine) runAttempt(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	if policy.TimeoutPerAttempt <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, policy.TimeoutPerAttempt)
	defer cancel()

	err := fn(attemptCtx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		// The caller's own cancellation wins over the attempt deadline
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", core.ErrContextCanceled, ctx.Err())
		}
		return fmt.Errorf("%w: attempt exceeded %s", core.ErrTimeout, policy.TimeoutPerAttempt)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", core.ErrContextCanceled, ctx.Err())
	}
	return err
}

func (e *Engine) refresh(ctx context.Context, platform string, refresher core.CredentialRefresher) error {
	e.logger.Info("Refreshing credentials", map[string]interface{}{
		"operation": "auth_refresh",
		"platform":  platform,
	})
	e.mu.Lock()
	e.statsFor(platform).AuthRefreshes++
	e.mu.Unlock()
	return refresher.Refresh(ctx)
}

// nextDelay computes the wait before the next attempt. Rate-limited calls
// honor the platform's reset hints plus a buffer; everything else follows
// the configured backoff strategy.
func (e *Engine) nextDelay(platform string, policy Policy, attempt int, kind core.ErrorKind, err error) time.Duration {
	if kind == core.KindRateLimit {
		hint := ExtractRateLimit(err)
		var wait time.Duration
		switch {
		case hint.HasResetAt():
			wait = time.Until(hint.ResetAt) + policy.RateLimitBuffer
		case hint.HasRetryAfter():
			wait = hint.RetryAfter + policy.RateLimitBuffer
		default:
			wait = backoffDelay(policy, attempt) + policy.RateLimitBuffer
		}
		if wait < 0 {
			wait = 0
		}
		if policy.MaxDelay > 0 && wait > policy.MaxDelay {
			wait = policy.MaxDelay
		}
		e.mu.Lock()
		e.statsFor(platform).RateLimitWaits++
		e.mu.Unlock()
		return wait
	}

	delay := backoffDelay(policy, attempt)
	if policy.Jitter > 0 {
		spread := (rand.Float64()*2 - 1) * policy.Jitter
		delay = time.Duration(float64(delay) * (1 + spread))
	}
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func backoffDelay(policy Policy, attempt int) time.Duration {
	base := policy.InitialDelay
	if base <= 0 {
		base = time.Second
	}
	switch policy.Strategy {
	case BackoffFixed:
		return base
	case BackoffLinear:
		return time.Duration(attempt) * base
	case BackoffFibonacci:
		return time.Duration(fibonacci(attempt)) * base
	default:
		mult := policy.Multiplier
		if mult <= 1 {
			mult = 2.0
		}
		return time.Duration(float64(base) * math.Pow(mult, float64(attempt-1)))
	}
}

// fibonacci returns the nth value of 1, 1, 2, 3, 5, 8, ...
func fibonacci(n int) int64 {
	if n <= 2 {
		return 1
	}
	var a, b int64 = 1, 1
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", core.ErrContextCanceled, ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (e *Engine) statsFor(platform string) *PlatformStats {
	s, ok := e.stats[platform]
	if !ok {
		s = &PlatformStats{}
		e.stats[platform] = s
	}
	return s
}

func (e *Engine) recordAttempt(platform string, attempt int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.statsFor(platform)
	s.Attempts++
	s.LastAttempt = time.Now()
	if attempt > 1 {
		s.Retries++
	}
	if err == nil {
		s.Successes++
	} else {
		s.Failures++
		s.LastError = err.Error()
	}
}

func (e *Engine) addDelay(platform string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statsFor(platform).TotalDelay += d
}

// Stats returns a snapshot of one platform's retry activity
func (e *Engine) Stats(platform string) PlatformStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.stats[platform]; ok {
		return *s
	}
	return PlatformStats{}
}

// AllStats returns a snapshot of retry activity across platforms
func (e *Engine) AllStats() map[string]PlatformStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]PlatformStats, len(e.stats))
	for platform, s := range e.stats {
		out[platform] = *s
	}
	return out
}
