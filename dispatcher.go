// Package actioncore is the reliability layer between an automation's
// decisions and the SaaS platforms they act on. Every action passes through
// the same protected path: idempotency first so nothing ever runs twice,
// then the target's circuit breaker, then the retry engine, then the
// executor. Risky actions detour through the approval queue, failures can
// degrade through fallback chains, and every outcome lands on the event
// bus for metrics and learning.
package actioncore

import (
	"context"
	"fmt"
	"time"

	"github.com/signalbridge/actioncore/approval"
	"github.com/signalbridge/actioncore/core"
	"github.com/signalbridge/actioncore/events"
	"github.com/signalbridge/actioncore/fallback"
	"github.com/signalbridge/actioncore/idempotency"
	"github.com/signalbridge/actioncore/resilience"
	"github.com/signalbridge/actioncore/workflow"
)

// Dispatcher runs actions through the protected execution stack
type Dispatcher struct {
	registry core.ExecutorRegistry
	config   *core.Config

	cache     *idempotency.Cache
	breakers  *resilience.BreakerRegistry
	retry     *resilience.Engine
	fallback  *fallback.Engine
	approvals *approval.Queue
	runner    *workflow.Runner

	approvalThreshold core.RiskLevel
	approvalOpts      []approval.QueueOption
	runnerOpts        []workflow.RunnerOption

	bus       *events.Bus
	logger    core.Logger
	telemetry core.Telemetry
}

// Option configures the dispatcher
type Option func(*Dispatcher)

// WithConfig sets the process configuration
func WithConfig(cfg *core.Config) Option {
	return func(d *Dispatcher) {
		if cfg != nil {
			d.config = cfg
		}
	}
}

// WithLogger sets the logger shared by all components the dispatcher builds
func WithLogger(logger core.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithTelemetry sets the telemetry provider
func WithTelemetry(t core.Telemetry) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.telemetry = t
		}
	}
}

// WithEventBus replaces the default event bus
func WithEventBus(bus *events.Bus) Option {
	return func(d *Dispatcher) {
		if bus != nil {
			d.bus = bus
		}
	}
}

// WithRetryEngine replaces the default retry engine
func WithRetryEngine(engine *resilience.Engine) Option {
	return func(d *Dispatcher) {
		if engine != nil {
			d.retry = engine
		}
	}
}

// WithBreakerRegistry replaces the default circuit breaker registry
func WithBreakerRegistry(registry *resilience.BreakerRegistry) Option {
	return func(d *Dispatcher) {
		if registry != nil {
			d.breakers = registry
		}
	}
}

// WithIdempotencyCache replaces the default idempotency cache
func WithIdempotencyCache(cache *idempotency.Cache) Option {
	return func(d *Dispatcher) {
		if cache != nil {
			d.cache = cache
		}
	}
}

// WithFallbackEngine sets the fallback engine; without one, failures
// propagate unchanged
func WithFallbackEngine(engine *fallback.Engine) Option {
	return func(d *Dispatcher) { d.fallback = engine }
}

// WithApprovalOptions configures the approval queue the dispatcher builds.
// The queue's execution function is always the dispatcher's own protected
// path, so approved actions get the same guarantees.
func WithApprovalOptions(opts ...approval.QueueOption) Option {
	return func(d *Dispatcher) { d.approvalOpts = append(d.approvalOpts, opts...) }
}

// WithApprovalThreshold sets the lowest risk level that requires human
// sign-off. Defaults to high.
func WithApprovalThreshold(risk core.RiskLevel) Option {
	return func(d *Dispatcher) { d.approvalThreshold = risk }
}

// WithWorkflowOptions configures the workflow runner the dispatcher builds
func WithWorkflowOptions(opts ...workflow.RunnerOption) Option {
	return func(d *Dispatcher) { d.runnerOpts = append(d.runnerOpts, opts...) }
}

// New creates a dispatcher over the executor registry. Components not
// provided through options are built with production defaults.
func New(registry core.ExecutorRegistry, opts ...Option) (*Dispatcher, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: executor registry is required", core.ErrMissingConfiguration)
	}

	d := &Dispatcher{
		registry:          registry,
		config:            core.DefaultConfig(),
		approvalThreshold: core.RiskHigh,
		logger:            &core.NoOpLogger{},
		telemetry:         &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.bus == nil {
		d.bus = events.NewBus(events.WithBusLogger(d.logger))
	}
	if d.cache == nil {
		d.cache = idempotency.NewCache(idempotency.WithCacheLogger(d.logger))
	}
	if d.retry == nil {
		d.retry = resilience.NewEngine(resilience.WithEngineLogger(d.logger))
	}
	if d.breakers == nil {
		d.breakers = resilience.NewBreakerRegistry(
			resilience.WithRegistryLogger(d.logger),
			resilience.WithRegistryBreakerOptions(resilience.WithBreakerEvents(d.bus)),
		)
	}
	if d.fallback == nil && d.config.FallbacksEnabled {
		d.fallback = fallback.NewEngine(
			fallback.WithEngineLogger(d.logger),
			fallback.WithEngineEvents(d.bus),
			fallback.WithEnabled(func() bool { return d.config.FallbacksEnabled }),
		)
	}
	if d.config.ApprovalsEnabled {
		queueOpts := append([]approval.QueueOption{
			approval.WithQueueLogger(d.logger),
			approval.WithQueueEvents(d.bus),
		}, d.approvalOpts...)
		d.approvals = approval.NewQueue(d.executeApproved, queueOpts...)
	}

	classifier := workflow.NewClassifier(nil)
	runnerOpts := append([]workflow.RunnerOption{
		workflow.WithRunnerLogger(d.logger),
		workflow.WithRunnerEvents(d.bus),
		workflow.WithRunnerClassifier(classifier),
		workflow.WithRunnerRollbacker(workflow.NewRollbacker(
			classifier, registry, workflow.DefaultRollbackConfig(), d.logger)),
	}, d.runnerOpts...)
	d.runner = workflow.NewRunner(d, runnerOpts...)

	return d, nil
}

// Execute runs one action through idempotency, the target's circuit
// breaker, and the retry engine. On failure the action's fallback chain
// gets a chance before the error surfaces.
func (d *Dispatcher) Execute(ctx context.Context, req core.ActionRequest) (*core.Result, error) {
	ctx, span := d.telemetry.StartSpan(ctx, "actioncore.Execute")
	defer span.End()
	span.SetAttribute("action", req.Action)
	span.SetAttribute("target", req.Target)

	start := time.Now()
	result, duplicate, retries, err := d.executeProtected(ctx, req)
	latency := time.Since(start)

	if err == nil {
		d.publishRequest(events.RequestSuccess, req, latency, retries, result, "")
		if duplicate {
			d.logger.Debug("Duplicate execution served from cache", map[string]interface{}{
				"operation": "dispatch",
				"action":    req.Action,
			})
		}
		return result, nil
	}

	span.RecordError(err)
	if core.IsCircuitOpen(err) {
		d.publishRequest(events.RequestRejected, req, latency, retries, nil, err.Error())
	} else {
		d.publishRequest(events.RequestFailure, req, latency, retries, nil, err.Error())
	}
	d.logger.Error("Action failed", map[string]interface{}{
		"operation": "dispatch",
		"action":    req.Action,
		"target":    req.Target,
		"kind":      string(core.KindOf(err)),
		"error":     err.Error(),
	})

	if d.fallback != nil {
		if fbResult, fbErr := d.fallback.Handle(ctx, req, err); fbErr == nil {
			return fbResult, nil
		}
	}
	return nil, err
}

// executeProtected is the inner stack: idempotency wraps the breaker,
// which wraps the retry loop around the executor call. The third return
// is the number of retries the executor call needed, zero for cache hits.
func (d *Dispatcher) executeProtected(ctx context.Context, req core.ActionRequest) (*core.Result, bool, int, error) {
	executor, ok := d.registry.Get(req.Target)
	if !ok {
		return nil, false, 0, &core.CoreError{
			Op: "dispatch", Kind: core.KindValidation, Target: req.Target,
			Err: fmt.Errorf("%w: %s", core.ErrExecutorNotFound, req.Target),
		}
	}

	attempts := 0
	result, duplicate, err := d.cache.ExecuteOnce(ctx, req, func(ctx context.Context) (*core.Result, error) {
		breaker := d.breakers.Get(req.Target)
		return breaker.Execute(ctx, func(ctx context.Context) (*core.Result, error) {
			var out *core.Result
			err := d.retry.Do(ctx, req.Target, func(ctx context.Context) error {
				attempts++
				_, op := core.SplitAction(req.Action)
				result, err := executor.Execute(ctx, op, req.Params)
				if err != nil {
					return err
				}
				out = result
				return nil
			})
			return out, err
		})
	})

	retries := 0
	if attempts > 1 {
		retries = attempts - 1
	}
	return result, duplicate, retries, err
}

// Dispatch routes one action by risk: at or above the approval threshold
// it queues for human sign-off and returns the pending request; below it,
// it executes immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, req core.ActionRequest, risk core.RiskLevel, priority core.Priority, reason string) (*core.Result, *approval.Request, error) {
	if d.approvals != nil && riskRank(risk) >= riskRank(d.approvalThreshold) {
		pending, err := d.approvals.Submit(ctx, req, risk, priority, reason)
		return nil, pending, err
	}
	result, err := d.Execute(ctx, req)
	return result, nil, err
}

// executeApproved is the approval queue's bound execution path. The
// approved action re-enters the protected stack; idempotency is marked
// afterwards so the approval id never changes the dedup key.
func (d *Dispatcher) executeApproved(ctx context.Context, req core.ActionRequest) (*core.Result, error) {
	return d.Execute(ctx, req)
}

// ExecuteStep implements workflow.StepExecutor
func (d *Dispatcher) ExecuteStep(ctx context.Context, req core.ActionRequest) (*core.Result, error) {
	return d.Execute(ctx, req)
}

// ReadState implements workflow.StateReader for executors that can report
// current remote state
func (d *Dispatcher) ReadState(ctx context.Context, req core.ActionRequest) (map[string]interface{}, error) {
	executor, ok := d.registry.Get(req.Target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrExecutorNotFound, req.Target)
	}
	reader, ok := executor.(interface {
		ReadState(ctx context.Context, operation string, params map[string]interface{}) (map[string]interface{}, error)
	})
	if !ok {
		return nil, fmt.Errorf("executor %s cannot read state", req.Target)
	}
	_, op := core.SplitAction(req.Action)
	return reader.ReadState(ctx, op, req.Params)
}

// RunWorkflow executes a workflow definition through the dispatcher
func (d *Dispatcher) RunWorkflow(ctx context.Context, def *workflow.Definition) (*workflow.Execution, error) {
	return d.runner.Run(ctx, def)
}

// RunWorkflowWithMetadata executes a workflow with initial context metadata
// available to parameter references.
func (d *Dispatcher) RunWorkflowWithMetadata(ctx context.Context, def *workflow.Definition, metadata map[string]interface{}) (*workflow.Execution, error) {
	return d.runner.RunWithMetadata(ctx, def, metadata)
}

// Approvals exposes the approval queue; nil when approvals are disabled
func (d *Dispatcher) Approvals() *approval.Queue { return d.approvals }

// Events exposes the event bus for subscribers
func (d *Dispatcher) Events() *events.Bus { return d.bus }

// Breakers exposes the circuit breaker registry for ops controls
func (d *Dispatcher) Breakers() *resilience.BreakerRegistry { return d.breakers }

// Retry exposes the retry engine for stats
func (d *Dispatcher) Retry() *resilience.Engine { return d.retry }

// Cache exposes the idempotency cache for queries
func (d *Dispatcher) Cache() *idempotency.Cache { return d.cache }

// Workflows exposes the workflow runner
func (d *Dispatcher) Workflows() *workflow.Runner { return d.runner }

// Close releases timers held by long-lived components
func (d *Dispatcher) Close() {
	if d.approvals != nil {
		d.approvals.Close()
	}
}

func (d *Dispatcher) publishRequest(name events.Name, req core.ActionRequest, latency time.Duration, retries int, result *core.Result, errMsg string) {
	evt := events.RequestEvent{
		Executor: req.Target,
		Action:   req.Action,
		Latency:  latency,
		Retries:  retries,
		Error:    errMsg,
	}
	if result != nil {
		evt.FromCache = result.FromCache
	}
	d.bus.Publish(name, evt)
}

func riskRank(risk core.RiskLevel) int {
	switch risk {
	case core.RiskLow:
		return 0
	case core.RiskMedium:
		return 1
	case core.RiskHigh:
		return 2
	case core.RiskCritical:
		return 3
	}
	return 1
}
