// Package workflow runs multi-step action sequences with dependency
// ordering, per-step retry and timeout, and rollback of completed work when
// a later step fails.
package workflow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalbridge/actioncore/core"
)

// Step is one action within a workflow
type Step struct {
	ID     string                 `yaml:"id" json:"id"`
	Action string                 `yaml:"action" json:"action"`
	Target string                 `yaml:"target" json:"target"`
	Params map[string]interface{} `yaml:"params" json:"params,omitempty"`

	DependsOn []string `yaml:"depends_on" json:"depends_on,omitempty"`

	// Timeout bounds one attempt of this step; zero uses the runner default
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`

	// RetryCount is the number of retries after the first attempt
	RetryCount int `yaml:"retry_count" json:"retry_count,omitempty"`

	// Optional steps may fail without failing the workflow when the
	// definition allows it
	Optional bool `yaml:"optional" json:"optional,omitempty"`

	// Rollback declares an explicit undo action. When set, rollback runs
	// it instead of consulting the reversibility classifier.
	Rollback *StepRollback `yaml:"rollback" json:"rollback,omitempty"`
}

// StepRollback is a declared undo action for one step
type StepRollback struct {
	Action string                 `yaml:"action" json:"action"`
	Target string                 `yaml:"target" json:"target"`
	Params map[string]interface{} `yaml:"params" json:"params,omitempty"`
}

// Definition describes a workflow
type Definition struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`

	// RollbackOnFailure undoes completed steps when the workflow fails
	RollbackOnFailure bool `yaml:"rollback_on_failure" json:"rollback_on_failure"`

	// ContinueOnOptionalFailure lets optional step failures pass
	ContinueOnOptionalFailure bool `yaml:"continue_on_optional_failure" json:"continue_on_optional_failure"`
}

// ParseDefinition loads a workflow definition from YAML
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing workflow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural invariants: unique step ids, known
// dependencies, and an acyclic dependency graph.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: workflow id is required", core.ErrInvalidConfiguration)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: workflow %s has no steps", core.ErrInvalidConfiguration, d.ID)
	}

	ids := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if step.ID == "" {
			return fmt.Errorf("%w: workflow %s has a step without id", core.ErrInvalidConfiguration, d.ID)
		}
		if ids[step.ID] {
			return fmt.Errorf("%w: duplicate step id %q", core.ErrInvalidConfiguration, step.ID)
		}
		ids[step.ID] = true
		if step.Action == "" {
			return fmt.Errorf("%w: step %q has no action", core.ErrInvalidConfiguration, step.ID)
		}
	}
	for _, step := range d.Steps {
		for _, dep := range step.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("%w: step %q depends on unknown step %q",
					core.ErrInvalidConfiguration, step.ID, dep)
			}
		}
	}
	if cycle := d.findCycle(); cycle != "" {
		return fmt.Errorf("%w: dependency cycle through step %q", core.ErrInvalidConfiguration, cycle)
	}
	return nil
}

// findCycle runs a three-color DFS over the dependency graph and returns a
// step on a cycle, or empty.
func (d *Definition) findCycle() string {
	deps := make(map[string][]string, len(d.Steps))
	for _, step := range d.Steps {
		deps[step.ID] = step.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if found := visit(dep); found != "" {
					return found
				}
			}
		}
		color[id] = black
		return ""
	}

	for id := range deps {
		if color[id] == white {
			if found := visit(id); found != "" {
				return found
			}
		}
	}
	return ""
}

// StepStatus is the lifecycle state of one step within an execution
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepRunning    StepStatus = "running"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
	StepRolledBack StepStatus = "rolled_back"
)

// StepResult records one step's outcome within an execution
type StepResult struct {
	StepID      string       `json:"step_id"`
	Action      string       `json:"action"`
	Target      string       `json:"target"`
	Status      StepStatus   `json:"status"`
	Result      *core.Result `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
	Attempts    int          `json:"attempts"`
	StartedAt   time.Time    `json:"started_at,omitempty"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`

	// PriorValue is the pre-change state captured for partially
	// reversible actions, used to restore on rollback
	PriorValue map[string]interface{} `json:"prior_value,omitempty"`

	// Rollback is the step's declared undo action, if any
	Rollback *StepRollback `json:"rollback,omitempty"`
}

// ExecutionStatus is the lifecycle state of one workflow run
type ExecutionStatus string

const (
	ExecutionRunning             ExecutionStatus = "running"
	ExecutionCompleted           ExecutionStatus = "completed"
	ExecutionFailed              ExecutionStatus = "failed"
	ExecutionRolledBack          ExecutionStatus = "rolled_back"
	ExecutionPartiallyRolledBack ExecutionStatus = "partially_rolled_back"
)

// Execution is one run of a workflow definition
type Execution struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	Status     ExecutionStatus        `json:"status"`
	Steps      map[string]*StepResult `json:"steps"`

	// Metadata is the initial context passed to the run; unprefixed
	// parameter references fall back to it
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CompletedOrder lists completed step ids in execution order, which
	// rollback walks in reverse
	CompletedOrder []string `json:"completed_order,omitempty"`

	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	Rollback    *RollbackResult `json:"rollback,omitempty"`
}

// Progress summarizes how far an execution has come
func (e *Execution) Progress(totalSteps int) (completed, failed int, percent float64) {
	for _, step := range e.Steps {
		switch step.Status {
		case StepCompleted, StepRolledBack:
			completed++
		case StepFailed:
			failed++
		}
	}
	if totalSteps > 0 {
		percent = float64(completed) / float64(totalSteps) * 100
	}
	return completed, failed, percent
}
