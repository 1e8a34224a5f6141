package resilience

import (
	"sync"

	"github.com/signalbridge/actioncore/core"
)

// BreakerRegistry lazily creates one circuit breaker per executor. All
// breakers share the default config unless an executor has an override.
type BreakerRegistry struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	config    BreakerConfig
	overrides map[string]BreakerConfig
	opts      []BreakerOption
	logger    core.Logger
}

// RegistryOption configures the breaker registry
type RegistryOption func(*BreakerRegistry)

// WithRegistryConfig sets the shared breaker config
func WithRegistryConfig(config BreakerConfig) RegistryOption {
	return func(r *BreakerRegistry) { r.config = config }
}

// WithExecutorConfig overrides the config for one executor's breaker
func WithExecutorConfig(executor string, config BreakerConfig) RegistryOption {
	return func(r *BreakerRegistry) { r.overrides[executor] = config }
}

// WithRegistryBreakerOptions sets options applied to every created breaker
func WithRegistryBreakerOptions(opts ...BreakerOption) RegistryOption {
	return func(r *BreakerRegistry) { r.opts = append(r.opts, opts...) }
}

// WithRegistryLogger sets the logger passed to created breakers
func WithRegistryLogger(logger core.Logger) RegistryOption {
	return func(r *BreakerRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewBreakerRegistry creates a registry with the default breaker config
func NewBreakerRegistry(opts ...RegistryOption) *BreakerRegistry {
	r := &BreakerRegistry{
		breakers:  make(map[string]*CircuitBreaker),
		config:    DefaultBreakerConfig(),
		overrides: make(map[string]BreakerConfig),
		logger:    &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for the executor, creating it on first use
func (r *BreakerRegistry) Get(executor string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[executor]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[executor]; ok {
		return cb
	}

	config := r.config
	if override, ok := r.overrides[executor]; ok {
		config = override
	}
	opts := append([]BreakerOption{WithBreakerLogger(r.logger)}, r.opts...)
	cb, err := NewCircuitBreaker(executor, config, opts...)
	if err != nil {
		// Config was validated at registration time; fall back to the
		// defaults rather than failing the request path.
		r.logger.Error("Invalid breaker config, using defaults", map[string]interface{}{
			"operation": "breaker_create",
			"executor":  executor,
			"error":     err.Error(),
		})
		cb, _ = NewCircuitBreaker(executor, DefaultBreakerConfig(), opts...)
	}
	r.breakers[executor] = cb
	return cb
}

// All returns the breakers created so far
func (r *BreakerRegistry) All() map[string]*CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*CircuitBreaker, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb
	}
	return out
}

// Snapshot returns stats for every created breaker
func (r *BreakerRegistry) Snapshot() map[string]BreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]BreakerStats, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.Stats()
	}
	return out
}

// ResetAll returns every breaker to closed, for test harnesses and ops
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}
