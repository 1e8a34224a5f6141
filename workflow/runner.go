package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/signalbridge/actioncore/core"
	"github.com/signalbridge/actioncore/events"
)

// StepExecutor runs one workflow step's action. The dispatcher implements
// this, so every step passes through the same protected execution path as
// standalone actions.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, req core.ActionRequest) (*core.Result, error)
}

// StateReader is implemented by executors that can report the current
// remote state of a target before a change. The runner captures it for
// partially reversible steps so rollback has something to restore.
type StateReader interface {
	ReadState(ctx context.Context, req core.ActionRequest) (map[string]interface{}, error)
}

// Runner executes workflow definitions step by step
type Runner struct {
	executor   StepExecutor
	classifier *Classifier
	rollbacker *Rollbacker
	store      StateStore
	journal    *Journal

	defaultStepTimeout time.Duration

	bus    *events.Bus
	logger core.Logger
}

// RunnerOption configures the runner
type RunnerOption func(*Runner)

// WithRunnerStore sets the execution state store
func WithRunnerStore(store StateStore) RunnerOption {
	return func(r *Runner) {
		if store != nil {
			r.store = store
		}
	}
}

// WithRunnerJournal appends finished executions to a JSONL journal
func WithRunnerJournal(journal *Journal) RunnerOption {
	return func(r *Runner) { r.journal = journal }
}

// WithRunnerClassifier sets the rollback classifier used for prior-state
// capture decisions
func WithRunnerClassifier(c *Classifier) RunnerOption {
	return func(r *Runner) {
		if c != nil {
			r.classifier = c
		}
	}
}

// WithRunnerRollbacker sets the rollback executor
func WithRunnerRollbacker(rb *Rollbacker) RunnerOption {
	return func(r *Runner) { r.rollbacker = rb }
}

// WithDefaultStepTimeout sets the timeout for steps that specify none
func WithDefaultStepTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.defaultStepTimeout = d
		}
	}
}

// WithRunnerEvents publishes workflow lifecycle events on the bus
func WithRunnerEvents(bus *events.Bus) RunnerOption {
	return func(r *Runner) { r.bus = bus }
}

// WithRunnerLogger sets the logger
func WithRunnerLogger(logger core.Logger) RunnerOption {
	return func(r *Runner) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			r.logger = cal.WithComponent("actioncore/workflow")
		} else {
			r.logger = logger
		}
	}
}

// NewRunner creates a workflow runner on top of the given step executor
func NewRunner(executor StepExecutor, opts ...RunnerOption) *Runner {
	r := &Runner{
		executor:           executor,
		classifier:         NewClassifier(nil),
		store:              NewMemoryStore(0),
		defaultStepTimeout: 2 * time.Minute,
		logger:             &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store exposes the execution store for status queries
func (r *Runner) Store() StateStore { return r.store }

// Run executes the definition and returns the finished execution. On step
// failure the error wraps ErrStepFailed; when rollback ran, the execution
// carries its result.
func (r *Runner) Run(ctx context.Context, def *Definition) (*Execution, error) {
	return r.RunWithMetadata(ctx, def, nil)
}

// RunWithMetadata executes the definition with initial context metadata.
// Unprefixed parameter references that match no step result resolve
// against the metadata.
func (r *Runner) RunWithMetadata(ctx context.Context, def *Definition, metadata map[string]interface{}) (*Execution, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	execution := &Execution{
		ID:         uuid.NewString(),
		WorkflowID: def.ID,
		Status:     ExecutionRunning,
		Steps:      make(map[string]*StepResult, len(def.Steps)),
		Metadata:   metadata,
		StartedAt:  time.Now(),
	}
	for _, step := range def.Steps {
		execution.Steps[step.ID] = &StepResult{
			StepID:   step.ID,
			Action:   step.Action,
			Target:   step.Target,
			Status:   StepPending,
			Rollback: step.Rollback,
		}
	}
	r.save(ctx, execution)

	r.logger.Info("Workflow started", map[string]interface{}{
		"operation":    "workflow_run",
		"workflow_id":  def.ID,
		"execution_id": execution.ID,
		"steps":        len(def.Steps),
	})
	r.publishWorkflow(events.WorkflowStarted, def, execution, "")

	var runErr error
	for _, step := range topoOrder(def) {
		if ctx.Err() != nil {
			runErr = fmt.Errorf("%w: %v", core.ErrContextCanceled, ctx.Err())
			break
		}

		state := execution.Steps[step.ID]
		if unmet := r.unmetDependency(execution, step); unmet != "" {
			state.Status = StepSkipped
			state.Error = fmt.Sprintf("dependency %s did not complete", unmet)
			if step.Optional {
				continue
			}
			runErr = fmt.Errorf("%w: step %s blocked by %s", core.ErrDependencyUnmet, step.ID, unmet)
			break
		}

		err := r.runStep(ctx, def, execution, step)
		r.save(ctx, execution)
		if err == nil {
			continue
		}
		if step.Optional && def.ContinueOnOptionalFailure {
			r.logger.Warn("Optional step failed, continuing", map[string]interface{}{
				"operation":    "workflow_step",
				"execution_id": execution.ID,
				"step_id":      step.ID,
				"error":        err.Error(),
			})
			continue
		}
		runErr = fmt.Errorf("%w: %s: %v", core.ErrStepFailed, step.ID, err)
		break
	}

	execution.CompletedAt = time.Now()
	if runErr == nil {
		execution.Status = ExecutionCompleted
		r.save(ctx, execution)
		r.publishWorkflow(events.WorkflowCompleted, def, execution, "")
		r.appendJournal(execution)
		return execution, nil
	}

	execution.Status = ExecutionFailed
	execution.Error = runErr.Error()

	if def.RollbackOnFailure && r.rollbacker != nil && len(execution.CompletedOrder) > 0 {
		r.publishRollback(events.RollbackStarted, execution, false)
		rollback := r.rollbacker.Rollback(ctx, execution)
		execution.Rollback = rollback
		if rollback.Success {
			execution.Status = ExecutionRolledBack
		} else {
			execution.Status = ExecutionPartiallyRolledBack
			// The original failure stays first; callers can still match
			// on either sentinel.
			runErr = fmt.Errorf("%w; %w", runErr, core.ErrRollbackIncomplete)
			execution.Error = runErr.Error()
		}
		r.publishRollback(events.RollbackCompleted, execution, rollback.Success)
	}

	r.save(ctx, execution)
	r.publishWorkflow(events.WorkflowFailed, def, execution, runErr.Error())
	r.appendJournal(execution)
	return execution, runErr
}

// runStep executes one step with its retry budget and timeout
func (r *Runner) runStep(ctx context.Context, def *Definition, execution *Execution, step Step) error {
	state := execution.Steps[step.ID]
	state.Status = StepRunning
	state.StartedAt = time.Now()

	params := r.resolveParams(step.Params, execution)

	req := core.ActionRequest{
		Action:        step.Action,
		Target:        step.Target,
		Params:        params,
		CorrelationID: execution.ID,
	}

	// Capture prior state while the change is still undone, so a partial
	// reversal has something to restore
	if r.classifier.Classify(step.Action) == PartiallyReversible {
		if reader, ok := r.executor.(StateReader); ok {
			if prior, err := reader.ReadState(ctx, req); err == nil {
				state.PriorValue = prior
			} else {
				r.logger.Debug("Prior state capture failed", map[string]interface{}{
					"operation": "workflow_step",
					"step_id":   step.ID,
					"error":     err.Error(),
				})
			}
		}
	}

	r.publishStep(events.StepStarted, execution, state)

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = r.defaultStepTimeout
	}
	attempts := step.RetryCount + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		state.Attempts = attempt

		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := r.executor.ExecuteStep(stepCtx, req)
		cancel()

		if err == nil {
			state.Status = StepCompleted
			state.Result = result
			state.CompletedAt = time.Now()
			execution.CompletedOrder = append(execution.CompletedOrder, step.ID)
			r.publishStep(events.StepCompleted, execution, state)
			r.publishWorkflow(events.WorkflowProgress, def, execution, "")
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	state.Status = StepFailed
	state.Error = lastErr.Error()
	state.CompletedAt = time.Now()
	r.publishStep(events.StepFailed, execution, state)
	r.publishWorkflow(events.WorkflowProgress, def, execution, "")
	return lastErr
}

// unmetDependency returns the first dependency that has not completed
func (r *Runner) unmetDependency(execution *Execution, step Step) string {
	for _, dep := range step.DependsOn {
		state, ok := execution.Steps[dep]
		if !ok || state.Status != StepCompleted {
			return dep
		}
	}
	return ""
}

// resolveParams substitutes "$stepID.path" string values with data from
// completed steps. The first path segment addresses the step, the rest
// walks the result payload; ".id" reads the remote identifier. References
// that match neither a step result nor run metadata stay literal, so a
// parameter value that happens to start with "$" passes through untouched.
func (r *Runner) resolveParams(params map[string]interface{}, execution *Execution) map[string]interface{} {
	if len(params) == 0 {
		return params
	}
	resolved := make(map[string]interface{}, len(params))
	for k, v := range params {
		resolved[k] = r.resolveValue(v, execution)
	}
	return resolved
}

func (r *Runner) resolveValue(v interface{}, execution *Execution) interface{} {
	switch value := v.(type) {
	case string:
		if !strings.HasPrefix(value, "$") {
			return value
		}
		return r.resolveReference(value, execution)
	case map[string]interface{}:
		return r.resolveParams(value, execution)
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = r.resolveValue(item, execution)
		}
		return out
	default:
		return v
	}
}

func (r *Runner) resolveReference(ref string, execution *Execution) interface{} {
	segments := strings.Split(strings.TrimPrefix(ref, "$"), ".")
	stepID := segments[0]

	state, ok := execution.Steps[stepID]
	if ok && state.Status == StepCompleted && state.Result != nil {
		if len(segments) == 1 {
			return state.Result.Data
		}
		if len(segments) == 2 && segments[1] == "id" && state.Result.ID != "" {
			return state.Result.ID
		}
		var current interface{} = state.Result.Data
		for _, segment := range segments[1:] {
			m, ok := current.(map[string]interface{})
			if !ok {
				return ref
			}
			current, ok = m[segment]
			if !ok {
				return ref
			}
		}
		return current
	}

	if len(segments) == 1 {
		if v, ok := execution.Metadata[stepID]; ok {
			return v
		}
	}
	return ref
}

// topoOrder returns steps in dependency order, keeping definition order
// among ready steps. The definition is already validated acyclic.
func topoOrder(def *Definition) []Step {
	done := make(map[string]bool, len(def.Steps))
	remaining := append([]Step(nil), def.Steps...)
	out := make([]Step, 0, len(def.Steps))

	for len(remaining) > 0 {
		progressed := false
		next := remaining[:0]
		for _, step := range remaining {
			ready := true
			for _, dep := range step.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				out = append(out, step)
				done[step.ID] = true
				progressed = true
			} else {
				next = append(next, step)
			}
		}
		remaining = next
		if !progressed {
			// Unreachable on validated definitions
			out = append(out, remaining...)
			break
		}
	}
	return out
}

func (r *Runner) save(ctx context.Context, execution *Execution) {
	if err := r.store.Save(ctx, execution); err != nil {
		r.logger.Warn("Execution save failed", map[string]interface{}{
			"operation":    "workflow_save",
			"execution_id": execution.ID,
			"error":        err.Error(),
		})
	}
}

func (r *Runner) appendJournal(execution *Execution) {
	if r.journal == nil {
		return
	}
	if err := r.journal.Append(execution); err != nil {
		r.logger.Warn("Execution journal append failed", map[string]interface{}{
			"operation":    "workflow_journal",
			"execution_id": execution.ID,
			"error":        err.Error(),
		})
	}
}

func (r *Runner) publishWorkflow(name events.Name, def *Definition, execution *Execution, errMsg string) {
	if r.bus == nil {
		return
	}
	completed, failed, percent := execution.Progress(len(def.Steps))
	r.bus.Publish(name, events.WorkflowEvent{
		WorkflowID:  execution.WorkflowID,
		ExecutionID: execution.ID,
		Status:      string(execution.Status),
		Progress: events.Progress{
			TotalSteps:      len(def.Steps),
			CompletedSteps:  completed,
			FailedSteps:     failed,
			PercentComplete: percent,
		},
		Error: errMsg,
	})
}

func (r *Runner) publishStep(name events.Name, execution *Execution, state *StepResult) {
	if r.bus == nil {
		return
	}
	evt := events.StepEvent{
		WorkflowID:  execution.WorkflowID,
		ExecutionID: execution.ID,
		StepID:      state.StepID,
		Error:       state.Error,
	}
	if !state.StartedAt.IsZero() && !state.CompletedAt.IsZero() {
		evt.Latency = state.CompletedAt.Sub(state.StartedAt)
	}
	r.bus.Publish(name, evt)
}

func (r *Runner) publishRollback(name events.Name, execution *Execution, success bool) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(name, events.RollbackEvent{
		WorkflowID:  execution.WorkflowID,
		ExecutionID: execution.ID,
		Success:     success,
	})
}
