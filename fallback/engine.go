// Package fallback degrades failed actions to alternatives instead of
// losing them. Each action can carry an ordered chain of fallback
// operations; the first one that succeeds wins, and its result is annotated
// so callers can tell a downgraded outcome from the real thing.
package fallback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalbridge/actioncore/core"
	"github.com/signalbridge/actioncore/events"
)

// Operation is one fallback alternative for a failed action
type Operation interface {
	// Name labels the alternative in results and events
	Name() string

	// Execute attempts the alternative. originalErr is the failure that
	// triggered the fallback, for operations that want to report it.
	Execute(ctx context.Context, req core.ActionRequest, originalErr error) (*core.Result, error)
}

// Engine resolves and runs fallback chains. Disabled engines pass the
// original error through untouched, which is the kill switch for incident
// response.
type Engine struct {
	mu           sync.RWMutex
	chains       map[string][]Operation
	defaultChain []Operation

	enabled func() bool
	logger  core.Logger
	bus     *events.Bus

	notifier     Notifier
	notifyEvery  time.Duration
	lastNotified map[string]time.Time
}

// EngineOption configures the fallback engine
type EngineOption func(*Engine)

// WithChain sets the fallback chain for one action
func WithChain(action string, ops ...Operation) EngineOption {
	return func(e *Engine) { e.chains[action] = ops }
}

// WithDefaultChain sets the chain used by actions without their own
func WithDefaultChain(ops ...Operation) EngineOption {
	return func(e *Engine) { e.defaultChain = ops }
}

// WithEnabled sets the feature flag check, evaluated per call
func WithEnabled(enabled func() bool) EngineOption {
	return func(e *Engine) {
		if enabled != nil {
			e.enabled = enabled
		}
	}
}

// WithEngineLogger sets the logger
func WithEngineLogger(logger core.Logger) EngineOption {
	return func(e *Engine) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			e.logger = cal.WithComponent("actioncore/fallback")
		} else {
			e.logger = logger
		}
	}
}

// WithEngineEvents publishes fallback:used on the bus
func WithEngineEvents(bus *events.Bus) EngineOption {
	return func(e *Engine) { e.bus = bus }
}

// WithNotifier sends a throttled notification whenever a fallback fires.
// At most one notification per action within the window.
func WithNotifier(n Notifier, every time.Duration) EngineOption {
	return func(e *Engine) {
		e.notifier = n
		if every > 0 {
			e.notifyEvery = every
		}
	}
}

// NewEngine creates a fallback engine
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		chains:       make(map[string][]Operation),
		enabled:      func() bool { return true },
		logger:       &core.NoOpLogger{},
		notifyEvery:  5 * time.Minute,
		lastNotified: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetChain replaces the chain for one action at runtime
func (e *Engine) SetChain(action string, ops ...Operation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chains[action] = ops
}

// Handle runs the action's fallback chain after a primary failure. When no
// alternative succeeds, the original error comes back so the caller reports
// the real failure, not the fallback's.
func (e *Engine) Handle(ctx context.Context, req core.ActionRequest, originalErr error) (*core.Result, error) {
	if !e.enabled() {
		return nil, originalErr
	}

	e.mu.RLock()
	chain, ok := e.chains[req.Action]
	if !ok {
		chain = e.defaultChain
	}
	e.mu.RUnlock()

	if len(chain) == 0 {
		return nil, originalErr
	}

	for _, op := range chain {
		if ctx.Err() != nil {
			return nil, originalErr
		}

		result, err := op.Execute(ctx, req, originalErr)
		if err != nil {
			e.logger.Warn("Fallback operation failed", map[string]interface{}{
				"operation": "fallback_attempt",
				"action":    req.Action,
				"fallback":  op.Name(),
				"error":     err.Error(),
			})
			continue
		}

		if result == nil {
			result = &core.Result{}
		}
		result.ViaFallback = true
		result.PrimaryAction = req.Action
		result.FallbackAction = op.Name()
		result.OriginalError = originalErr.Error()

		e.logger.Info("Fallback succeeded", map[string]interface{}{
			"operation": "fallback_used",
			"action":    req.Action,
			"fallback":  op.Name(),
		})
		if e.bus != nil {
			e.bus.Publish(events.FallbackUsed, events.FallbackEvent{
				Executor:       req.Target,
				PrimaryAction:  req.Action,
				FallbackAction: op.Name(),
			})
		}
		e.notify(ctx, req, op.Name(), originalErr)

		return result, nil
	}

	return nil, fmt.Errorf("all fallbacks exhausted for %s: %w", req.Action, originalErr)
}

// notify sends at most one notification per action per window
func (e *Engine) notify(ctx context.Context, req core.ActionRequest, fallbackName string, originalErr error) {
	if e.notifier == nil {
		return
	}

	e.mu.Lock()
	last, seen := e.lastNotified[req.Action]
	now := time.Now()
	if seen && now.Sub(last) < e.notifyEvery {
		e.mu.Unlock()
		return
	}
	e.lastNotified[req.Action] = now
	e.mu.Unlock()

	subject := fmt.Sprintf("Action degraded: %s", req.Action)
	body := fmt.Sprintf("Primary action %s on %s failed (%v); fallback %s handled it.",
		req.Action, req.Target, originalErr, fallbackName)
	if err := e.notifier.Send(ctx, subject, body); err != nil {
		e.logger.Warn("Fallback notification failed", map[string]interface{}{
			"operation": "fallback_notify",
			"action":    req.Action,
			"error":     err.Error(),
		})
	}
}

// Notifier delivers human-facing degradation notices
type Notifier interface {
	Send(ctx context.Context, subject, body string) error
}
