package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalbridge/actioncore/core"
	"github.com/signalbridge/actioncore/events"
)

// State is the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	// FailureThreshold trips the breaker when this many failures land
	// inside Window
	FailureThreshold int

	// Window is the sliding window failures are counted over
	Window time.Duration

	// ResetTimeout is how long the breaker stays open before probing
	ResetTimeout time.Duration

	// HalfOpenSuccesses closes the breaker after this many consecutive
	// probe successes
	HalfOpenSuccesses int

	// HalfOpenMaxProbes bounds concurrent probes while half-open
	HalfOpenMaxProbes int

	// StaleFor bounds how old a cached value may be and still be served
	// while the breaker is open; zero disables the stale cache
	StaleFor time.Duration
}

// DefaultBreakerConfig returns production circuit breaker settings
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		Window:            60 * time.Second,
		ResetTimeout:      30 * time.Second,
		HalfOpenSuccesses: 2,
		HalfOpenMaxProbes: 1,
		StaleFor:          10 * time.Minute,
	}
}

// Validate checks configuration invariants
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("%w: failure threshold must be at least 1", core.ErrInvalidConfiguration)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", core.ErrInvalidConfiguration)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("%w: reset timeout must be positive", core.ErrInvalidConfiguration)
	}
	if c.HalfOpenSuccesses < 1 {
		return fmt.Errorf("%w: half-open successes must be at least 1", core.ErrInvalidConfiguration)
	}
	return nil
}

// StateChangeListener observes breaker transitions
type StateChangeListener func(executor string, from, to State)

// BreakerStats is a point-in-time snapshot of one breaker
type BreakerStats struct {
	Executor        string    `json:"executor"`
	State           State     `json:"state"`
	WindowFailures  int       `json:"window_failures"`
	TotalRequests   int64     `json:"total_requests"`
	TotalSuccesses  int64     `json:"total_successes"`
	TotalFailures   int64     `json:"total_failures"`
	TotalRejections int64     `json:"total_rejections"`
	Trips           int64     `json:"trips"`
	StaleServed     int64     `json:"stale_served"`
	LastStateChange time.Time `json:"last_state_change"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
}

// CircuitBreaker guards one executor. It counts failures over a sliding
// window and trips open at the threshold; after the reset timeout it admits
// a bounded number of probes, closing again on consecutive successes.
// While open it can serve the last known good value, marked as cached.
type CircuitBreaker struct {
	name   string
	config BreakerConfig

	mu                sync.Mutex
	state             State
	failures          []time.Time
	openedAt          time.Time
	halfOpenSuccesses int
	probesInFlight    int
	forcedOpen        bool
	forcedClosed      bool

	lastValue   *core.Result
	lastValueAt time.Time

	totalRequests   int64
	totalSuccesses  int64
	totalFailures   int64
	totalRejections int64
	trips           int64
	staleServed     int64
	lastStateChange time.Time
	lastFailure     time.Time

	clock     core.Clock
	logger    core.Logger
	metrics   MetricsSink
	listeners []StateChangeListener
}

// BreakerOption configures a circuit breaker
type BreakerOption func(*CircuitBreaker)

// WithBreakerLogger sets the logger
func WithBreakerLogger(logger core.Logger) BreakerOption {
	return func(cb *CircuitBreaker) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			cb.logger = cal.WithComponent("actioncore/circuitbreaker")
		} else {
			cb.logger = logger
		}
	}
}

// WithBreakerMetrics sets the metrics sink
func WithBreakerMetrics(sink MetricsSink) BreakerOption {
	return func(cb *CircuitBreaker) {
		if sink != nil {
			cb.metrics = sink
		}
	}
}

// WithBreakerClock overrides the clock, for tests
func WithBreakerClock(clock core.Clock) BreakerOption {
	return func(cb *CircuitBreaker) {
		if clock != nil {
			cb.clock = clock
		}
	}
}

// WithStateChangeListener adds a transition observer
func WithStateChangeListener(l StateChangeListener) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.listeners = append(cb.listeners, l)
	}
}

// WithBreakerEvents publishes circuit transitions on the event bus
func WithBreakerEvents(bus *events.Bus) BreakerOption {
	return WithStateChangeListener(func(executor string, from, to State) {
		if bus == nil {
			return
		}
		name := events.CircuitClosed
		switch to {
		case StateOpen:
			name = events.CircuitOpened
		case StateHalfOpen:
			name = events.CircuitHalfOpen
		}
		bus.Publish(name, events.CircuitEvent{
			Executor: executor,
			From:     string(from),
			To:       string(to),
		})
	})
}

// NewCircuitBreaker creates a breaker for the named executor
func NewCircuitBreaker(name string, config BreakerConfig, opts ...BreakerOption) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.HalfOpenMaxProbes < 1 {
		config.HalfOpenMaxProbes = 1
	}
	cb := &CircuitBreaker{
		name:            name,
		config:          config,
		state:           StateClosed,
		clock:           core.RealClock{},
		logger:          &core.NoOpLogger{},
		metrics:         &NoOpMetrics{},
		lastStateChange: time.Now(),
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb, nil
}

// Execute runs fn under the breaker. When the breaker rejects the call, a
// fresh-enough cached value is returned with FromCache set; otherwise the
// caller gets ErrCircuitBreakerOpen.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) (*core.Result, error)) (*core.Result, error) {
	admitted, probe, wasClosed := cb.admit()
	if !admitted {
		if stale := cb.staleValue(); stale != nil {
			return stale, nil
		}
		return nil, &core.CoreError{
			Op: "circuitbreaker.Execute", Kind: core.KindCircuitOpen, Target: cb.name,
			Err: core.ErrCircuitBreakerOpen,
		}
	}

	result, err := fn(ctx)
	if probe {
		cb.releaseProbe()
	}
	if err != nil {
		cb.recordFailure(err)
		return nil, err
	}
	cb.recordSuccess(result, wasClosed)
	return result, nil
}

// admit decides whether a call may proceed. It returns whether the call is a
// half-open probe and whether the breaker was closed at admission, which
// gates stale-cache refresh.
func (cb *CircuitBreaker) admit() (admitted, probe, wasClosed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	if cb.forcedOpen {
		cb.totalRejections++
		cb.metrics.RecordBreakerRejection(cb.name)
		return false, false, false
	}
	if cb.forcedClosed {
		return true, false, cb.state == StateClosed
	}

	switch cb.state {
	case StateClosed:
		return true, false, true
	case StateOpen:
		if cb.clock.Now().Sub(cb.openedAt) >= cb.config.ResetTimeout {
			cb.transition(StateHalfOpen)
			cb.probesInFlight = 1
			return true, true, false
		}
		cb.totalRejections++
		cb.metrics.RecordBreakerRejection(cb.name)
		return false, false, false
	case StateHalfOpen:
		if cb.probesInFlight < cb.config.HalfOpenMaxProbes {
			cb.probesInFlight++
			return true, true, false
		}
		cb.totalRejections++
		cb.metrics.RecordBreakerRejection(cb.name)
		return false, false, false
	}
	return false, false, false
}

func (cb *CircuitBreaker) releaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.probesInFlight > 0 {
		cb.probesInFlight--
	}
}

func (cb *CircuitBreaker) recordSuccess(result *core.Result, wasClosed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++

	// Only steady-state successes refresh the stale cache so a lone probe
	// result cannot mask an unhealthy executor for cache consumers.
	if wasClosed && cb.config.StaleFor > 0 && result != nil {
		copied := *result
		cb.lastValue = &copied
		cb.lastValueAt = cb.clock.Now()
	}

	if cb.state == StateHalfOpen {
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.HalfOpenSuccesses {
			cb.failures = cb.failures[:0]
			cb.transition(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) recordFailure(err error) {
	// Caller cancellation says nothing about executor health
	if Classify(err) == core.KindCanceled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	cb.totalFailures++
	cb.lastFailure = now

	switch cb.state {
	case StateHalfOpen:
		// Any probe failure reopens immediately
		cb.openedAt = now
		cb.trips++
		cb.transition(StateOpen)
	case StateClosed:
		cb.failures = append(cb.failures, now)
		cb.pruneWindow(now)
		if len(cb.failures) >= cb.config.FailureThreshold {
			cb.openedAt = now
			cb.trips++
			cb.transition(StateOpen)
		}
	}
}

// pruneWindow drops failures that fell out of the sliding window
func (cb *CircuitBreaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-cb.config.Window)
	i := 0
	for ; i < len(cb.failures); i++ {
		if cb.failures[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[i:]...)
	}
}

// transition changes state while holding the lock and notifies listeners
// without it
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.halfOpenSuccesses = 0
	if to != StateHalfOpen {
		cb.probesInFlight = 0
	}
	cb.lastStateChange = cb.clock.Now()

	cb.logger.Info("Circuit breaker state change", map[string]interface{}{
		"operation": "circuit_state_change",
		"executor":  cb.name,
		"from":      string(from),
		"to":        string(to),
		"failures":  len(cb.failures),
	})
	cb.metrics.RecordBreakerTransition(cb.name, string(from), string(to))

	listeners := cb.listeners
	go func() {
		for _, l := range listeners {
			l(cb.name, from, to)
		}
	}()
}

func (cb *CircuitBreaker) staleValue() *core.Result {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.config.StaleFor <= 0 || cb.lastValue == nil {
		return nil
	}
	if cb.clock.Now().Sub(cb.lastValueAt) > cb.config.StaleFor {
		return nil
	}
	copied := *cb.lastValue
	copied.FromCache = true
	cb.staleServed++
	return &copied
}

// State returns the current state, honoring forced modes
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.forcedOpen {
		return StateOpen
	}
	if cb.forcedClosed {
		return StateClosed
	}
	return cb.state
}

// ForceOpen rejects all calls until ClearForce, for maintenance windows
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forcedOpen = true
	cb.forcedClosed = false
}

// ForceClosed admits all calls until ClearForce, bypassing failure tracking
func (cb *CircuitBreaker) ForceClosed() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forcedClosed = true
	cb.forcedOpen = false
}

// ClearForce returns the breaker to automatic state management
func (cb *CircuitBreaker) ClearForce() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forcedOpen = false
	cb.forcedClosed = false
}

// Reset returns the breaker to closed with cleared counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = cb.failures[:0]
	cb.halfOpenSuccesses = 0
	cb.probesInFlight = 0
	cb.forcedOpen = false
	cb.forcedClosed = false
	cb.transition(StateClosed)
}

// Stats returns a snapshot of the breaker's counters
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.pruneWindow(cb.clock.Now())
	state := cb.state
	if cb.forcedOpen {
		state = StateOpen
	} else if cb.forcedClosed {
		state = StateClosed
	}
	return BreakerStats{
		Executor:        cb.name,
		State:           state,
		WindowFailures:  len(cb.failures),
		TotalRequests:   cb.totalRequests,
		TotalSuccesses:  cb.totalSuccesses,
		TotalFailures:   cb.totalFailures,
		TotalRejections: cb.totalRejections,
		Trips:           cb.trips,
		StaleServed:     cb.staleServed,
		LastStateChange: cb.lastStateChange,
		LastFailure:     cb.lastFailure,
	}
}
