package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/signalbridge/actioncore/core"
)

// Reversibility classifies how an action can be undone
type Reversibility string

const (
	// Reversible actions have a clean inverse the executor can run
	Reversible Reversibility = "reversible"

	// PartiallyReversible actions can restore captured prior state but
	// may lose side effects
	PartiallyReversible Reversibility = "partially_reversible"

	// ConfirmationRequired actions have an inverse too destructive to
	// run unattended
	ConfirmationRequired Reversibility = "confirmation_required"

	// NonReversible actions cannot be undone at all
	NonReversible Reversibility = "non_reversible"
)

// Classifier decides the reversibility of an action. Exact-action rules
// win over verb heuristics; unknown actions are treated as non-reversible
// so rollback never guesses destructively.
type Classifier struct {
	rules map[string]Reversibility
}

// NewClassifier creates a classifier with optional exact-action rules
func NewClassifier(rules map[string]Reversibility) *Classifier {
	m := make(map[string]Reversibility, len(rules))
	for action, r := range rules {
		m[action] = r
	}
	return &Classifier{rules: m}
}

// SetRule registers or replaces the rule for one action
func (c *Classifier) SetRule(action string, r Reversibility) {
	c.rules[action] = r
}

// Classify returns the reversibility of an action
func (c *Classifier) Classify(action string) Reversibility {
	if r, ok := c.rules[action]; ok {
		return r
	}

	_, op := core.SplitAction(action)
	verb := op
	if i := strings.IndexAny(op, ":_-"); i > 0 {
		verb = op[:i]
	}
	switch strings.ToLower(verb) {
	case "create", "add", "open", "start", "enable", "tag", "label":
		return Reversible
	case "update", "set", "assign", "move", "rename", "modify":
		return PartiallyReversible
	case "delete", "remove", "close", "merge", "archive", "disable":
		return ConfirmationRequired
	case "send", "post", "notify", "email", "publish", "invite":
		return NonReversible
	}
	return NonReversible
}

// RollbackStepStatus is the outcome of undoing one step
type RollbackStepStatus string

const (
	RollbackDone    RollbackStepStatus = "rolled_back"
	RollbackManual  RollbackStepStatus = "manual_intervention"
	RollbackFailed  RollbackStepStatus = "failed"
	RollbackSkipped RollbackStepStatus = "skipped"
)

// RollbackStep records the undo attempt for one completed step
type RollbackStep struct {
	StepID        string             `json:"step_id"`
	Action        string             `json:"action"`
	Reversibility Reversibility      `json:"reversibility"`
	Status        RollbackStepStatus `json:"status"`
	Error         string             `json:"error,omitempty"`

	// Instructions tell a human what to do when the core could not or
	// would not undo automatically
	Instructions string `json:"instructions,omitempty"`
}

// RollbackResult is the outcome of undoing a failed execution
type RollbackResult struct {
	Success     bool           `json:"success"`
	Steps       []RollbackStep `json:"steps"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// ManualSteps returns the steps a human still has to handle
func (r *RollbackResult) ManualSteps() []RollbackStep {
	var out []RollbackStep
	for _, s := range r.Steps {
		if s.Status == RollbackManual {
			out = append(out, s)
		}
	}
	return out
}

// RollbackConfig tunes the rollback executor
type RollbackConfig struct {
	// TimeoutPerAction bounds each undo call
	TimeoutPerAction time.Duration

	// StopOnFailure aborts remaining undos after the first failure;
	// otherwise failed undos become manual steps and rollback continues
	StopOnFailure bool

	// SkipNonReversible silently skips non-reversible steps instead of
	// emitting manual-intervention steps for them
	SkipNonReversible bool

	// RequireConfirmation escalates confirmation-required steps to manual
	// intervention; when false their undo runs unattended
	RequireConfirmation bool
}

// DefaultRollbackConfig returns production rollback settings
func DefaultRollbackConfig() RollbackConfig {
	return RollbackConfig{
		TimeoutPerAction:    30 * time.Second,
		StopOnFailure:       false,
		SkipNonReversible:   false,
		RequireConfirmation: true,
	}
}

// Rollbacker undoes completed steps of a failed execution in reverse
// completion order.
type Rollbacker struct {
	classifier *Classifier
	registry   core.ExecutorRegistry
	config     RollbackConfig
	logger     core.Logger
}

// NewRollbacker creates a rollback executor
func NewRollbacker(classifier *Classifier, registry core.ExecutorRegistry, config RollbackConfig, logger core.Logger) *Rollbacker {
	if classifier == nil {
		classifier = NewClassifier(nil)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("actioncore/rollback")
	}
	return &Rollbacker{
		classifier: classifier,
		registry:   registry,
		config:     config,
		logger:     logger,
	}
}

// Rollback undoes the execution's completed steps, newest first. Success
// means every step was either undone or never needed undoing; any manual
// or failed step makes the result partial.
func (r *Rollbacker) Rollback(ctx context.Context, execution *Execution) *RollbackResult {
	result := &RollbackResult{StartedAt: time.Now(), Success: true}

	for i := len(execution.CompletedOrder) - 1; i >= 0; i-- {
		stepID := execution.CompletedOrder[i]
		step, ok := execution.Steps[stepID]
		if !ok || step.Status != StepCompleted {
			continue
		}

		entry := r.rollbackStep(ctx, step)
		result.Steps = append(result.Steps, entry)

		switch entry.Status {
		case RollbackDone:
			step.Status = StepRolledBack
		case RollbackFailed:
			result.Success = false
			if r.config.StopOnFailure {
				r.markRemaining(execution, i, result)
				result.CompletedAt = time.Now()
				return result
			}
		case RollbackManual:
			result.Success = false
		}
	}

	result.CompletedAt = time.Now()
	return result
}

func (r *Rollbacker) rollbackStep(ctx context.Context, step *StepResult) RollbackStep {
	reversibility := r.classifier.Classify(step.Action)
	entry := RollbackStep{
		StepID:        step.StepID,
		Action:        step.Action,
		Reversibility: reversibility,
	}

	// A declared rollback action overrides the classifier entirely
	if step.Rollback != nil {
		return r.runDeclaredRollback(ctx, step, entry)
	}

	switch reversibility {
	case NonReversible:
		if r.config.SkipNonReversible {
			entry.Status = RollbackSkipped
			return entry
		}
		entry.Status = RollbackManual
		entry.Instructions = fmt.Sprintf(
			"%s cannot be undone automatically; assess the side effects of step %s manually",
			step.Action, step.StepID)
		return entry
	case ConfirmationRequired:
		if r.config.RequireConfirmation {
			entry.Status = RollbackManual
			entry.Instructions = fmt.Sprintf(
				"undoing %s is destructive; confirm and revert step %s by hand", step.Action, step.StepID)
			return entry
		}
	}

	executor, ok := r.registry.Get(step.Target)
	if !ok {
		entry.Status = RollbackManual
		entry.Instructions = fmt.Sprintf("executor %s is not registered; revert step %s by hand",
			step.Target, step.StepID)
		return entry
	}
	undoer, ok := executor.(core.UndoExecutor)
	if !ok {
		entry.Status = RollbackManual
		entry.Instructions = fmt.Sprintf("executor %s does not support undo; revert step %s by hand",
			step.Target, step.StepID)
		return entry
	}

	params := undoParams(step, reversibility)
	if reversibility == PartiallyReversible && len(step.PriorValue) == 0 {
		entry.Status = RollbackManual
		entry.Instructions = fmt.Sprintf(
			"no prior state was captured for %s; restore step %s by hand", step.Action, step.StepID)
		return entry
	}

	undoCtx := ctx
	if r.config.TimeoutPerAction > 0 {
		var cancel context.CancelFunc
		undoCtx, cancel = context.WithTimeout(ctx, r.config.TimeoutPerAction)
		defer cancel()
	}

	_, op := core.SplitAction(step.Action)
	if err := undoer.Undo(undoCtx, op, params); err != nil {
		r.logger.Error("Undo failed", map[string]interface{}{
			"operation": "rollback_step",
			"step_id":   step.StepID,
			"action":    step.Action,
			"error":     err.Error(),
		})
		entry.Status = RollbackFailed
		entry.Error = err.Error()
		entry.Instructions = fmt.Sprintf("automatic undo of step %s failed; revert by hand", step.StepID)
		return entry
	}

	r.logger.Info("Step rolled back", map[string]interface{}{
		"operation": "rollback_step",
		"step_id":   step.StepID,
		"action":    step.Action,
	})
	entry.Status = RollbackDone
	return entry
}

// runDeclaredRollback executes the step's declared undo action through the
// registry as a normal forward call.
func (r *Rollbacker) runDeclaredRollback(ctx context.Context, step *StepResult, entry RollbackStep) RollbackStep {
	decl := step.Rollback
	executor, ok := r.registry.Get(decl.Target)
	if !ok {
		entry.Status = RollbackManual
		entry.Instructions = fmt.Sprintf("executor %s is not registered; run %s for step %s by hand",
			decl.Target, decl.Action, step.StepID)
		return entry
	}

	params := make(map[string]interface{}, len(decl.Params)+1)
	if step.Result != nil && step.Result.ID != "" {
		params["id"] = step.Result.ID
	}
	for k, v := range decl.Params {
		params[k] = v
	}

	undoCtx := ctx
	if r.config.TimeoutPerAction > 0 {
		var cancel context.CancelFunc
		undoCtx, cancel = context.WithTimeout(ctx, r.config.TimeoutPerAction)
		defer cancel()
	}

	_, op := core.SplitAction(decl.Action)
	if _, err := executor.Execute(undoCtx, op, params); err != nil {
		r.logger.Error("Declared rollback failed", map[string]interface{}{
			"operation": "rollback_step",
			"step_id":   step.StepID,
			"action":    decl.Action,
			"error":     err.Error(),
		})
		entry.Status = RollbackFailed
		entry.Error = err.Error()
		entry.Instructions = fmt.Sprintf("declared rollback %s for step %s failed; revert by hand",
			decl.Action, step.StepID)
		return entry
	}

	r.logger.Info("Step rolled back", map[string]interface{}{
		"operation": "rollback_step",
		"step_id":   step.StepID,
		"action":    decl.Action,
	})
	entry.Status = RollbackDone
	return entry
}

// undoParams builds the params for the undo call: the original params, the
// remote id the step produced, and for partial reversals the captured
// prior state under "prior".
func undoParams(step *StepResult, reversibility Reversibility) map[string]interface{} {
	params := make(map[string]interface{})
	if step.Result != nil {
		for k, v := range step.Result.Data {
			params[k] = v
		}
		if step.Result.ID != "" {
			params["id"] = step.Result.ID
		}
	}
	if reversibility == PartiallyReversible && len(step.PriorValue) > 0 {
		params["prior"] = step.PriorValue
	}
	return params
}

func (r *Rollbacker) markRemaining(execution *Execution, from int, result *RollbackResult) {
	for i := from - 1; i >= 0; i-- {
		stepID := execution.CompletedOrder[i]
		step, ok := execution.Steps[stepID]
		if !ok || step.Status != StepCompleted {
			continue
		}
		result.Steps = append(result.Steps, RollbackStep{
			StepID:        step.StepID,
			Action:        step.Action,
			Reversibility: r.classifier.Classify(step.Action),
			Status:        RollbackSkipped,
			Instructions:  "rollback stopped after an earlier failure; review this step manually",
		})
	}
}
