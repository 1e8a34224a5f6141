// Package events provides the typed event streams emitted at every boundary
// the orchestration core protects. Consumers subscribe by event name and
// receive a typed payload; the dashboard and learning loop are read-only
// consumers of these streams.
package events

import "time"

// Name identifies an event stream
type Name string

const (
	ActionRequiresApproval Name = "action:requires_approval"

	ApprovalQueued    Name = "approval:queued"
	ApprovalDecided   Name = "approval:decided"
	ApprovalExecuting Name = "approval:executing"
	ApprovalCompleted Name = "approval:completed"
	ApprovalFailed    Name = "approval:failed"
	ApprovalExpired   Name = "approval:expired"

	CircuitOpened   Name = "circuit:opened"
	CircuitClosed   Name = "circuit:closed"
	CircuitHalfOpen Name = "circuit:half-open"

	RequestSuccess  Name = "request:success"
	RequestFailure  Name = "request:failure"
	RequestRejected Name = "request:rejected"

	FallbackUsed Name = "fallback:used"

	WorkflowStarted   Name = "workflow:started"
	WorkflowCompleted Name = "workflow:completed"
	WorkflowFailed    Name = "workflow:failed"
	WorkflowProgress  Name = "workflow:progress"

	StepStarted   Name = "step:started"
	StepCompleted Name = "step:completed"
	StepFailed    Name = "step:failed"

	RollbackStarted   Name = "rollback:started"
	RollbackCompleted Name = "rollback:completed"

	LearningFeedback Name = "learning:feedback"
)

// ApprovalEvent carries the state of one approval request
type ApprovalEvent struct {
	ApprovalID string                 `json:"approval_id"`
	Action     string                 `json:"action"`
	Target     string                 `json:"target"`
	Status     string                 `json:"status"`
	Priority   string                 `json:"priority"`
	RiskLevel  string                 `json:"risk_level"`
	Reason     string                 `json:"reason"`
	DecidedBy  string                 `json:"decided_by,omitempty"`
	Result     map[string]interface{} `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// CircuitEvent carries an executor's breaker transition and a stats snapshot
type CircuitEvent struct {
	Executor string                 `json:"executor"`
	From     string                 `json:"from"`
	To       string                 `json:"to"`
	Stats    map[string]interface{} `json:"stats,omitempty"`
}

// RequestEvent carries the outcome of one protected remote call
type RequestEvent struct {
	Executor  string        `json:"executor"`
	Action    string        `json:"action"`
	Latency   time.Duration `json:"latency,omitempty"`
	Retries   int           `json:"retries,omitempty"`
	Error     string        `json:"error,omitempty"`
	FromCache bool          `json:"from_cache,omitempty"`
}

// FallbackEvent carries a downgrade to an alternative action
type FallbackEvent struct {
	Executor       string `json:"executor"`
	PrimaryAction  string `json:"primary_action"`
	FallbackAction string `json:"fallback_action"`
}

// WorkflowEvent carries workflow lifecycle changes
type WorkflowEvent struct {
	WorkflowID  string   `json:"workflow_id"`
	ExecutionID string   `json:"execution_id"`
	Status      string   `json:"status"`
	Progress    Progress `json:"progress"`
	Error       string   `json:"error,omitempty"`
}

// Progress summarizes workflow completion
type Progress struct {
	CurrentStep     string  `json:"current_step,omitempty"`
	TotalSteps      int     `json:"total_steps"`
	CompletedSteps  int     `json:"completed_steps"`
	FailedSteps     int     `json:"failed_steps"`
	PercentComplete float64 `json:"percent_complete"`
}

// StepEvent carries one step's outcome within a workflow
type StepEvent struct {
	WorkflowID  string        `json:"workflow_id"`
	ExecutionID string        `json:"execution_id"`
	StepID      string        `json:"step_id"`
	Latency     time.Duration `json:"latency,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// RollbackEvent carries the outcome of a workflow rollback
type RollbackEvent struct {
	WorkflowID  string `json:"workflow_id"`
	ExecutionID string `json:"execution_id"`
	Success     bool   `json:"success"`
}

// FeedbackEvent carries learning feedback from approval outcomes
type FeedbackEvent struct {
	ApprovalID string `json:"approval_id"`
	Action     string `json:"action"`
	WasCorrect bool   `json:"was_correct"`
	DecidedBy  string `json:"decided_by"`
	Notes      string `json:"notes,omitempty"`
}
