package core

import (
	"context"
	"time"
)

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ComponentAwareLogger allows loggers to tag entries with the emitting component
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Telemetry interface - optional telemetry support
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// Executor is a named remote operation target. The core never inspects
// params or result data beyond canonicalizing params for idempotency and
// extracting an id for undo.
type Executor interface {
	// Execute runs the opaque "target:op" operation with opaque params.
	Execute(ctx context.Context, operation string, params map[string]interface{}) (*Result, error)
}

// UndoExecutor is implemented by executors that support undoing a prior
// operation. Rollback falls back to manual-intervention steps for
// executors that do not implement it.
type UndoExecutor interface {
	Executor
	Undo(ctx context.Context, operation string, params map[string]interface{}) error
}

// ExecutorRegistry resolves executor names to executors
type ExecutorRegistry interface {
	Get(name string) (Executor, bool)
	Names() []string
}

// CredentialRefresher refreshes authentication material for one platform.
// Registered at startup, invoked at most once per retry call on Auth errors.
type CredentialRefresher interface {
	Refresh(ctx context.Context) error
}

// Result is the opaque outcome of an executor call plus the annotations the
// core attaches on the way back out.
type Result struct {
	// Data is the opaque payload returned by the executor
	Data map[string]interface{} `json:"data,omitempty"`

	// ID is the optional remote identifier extracted for undo
	ID string `json:"id,omitempty"`

	// FromCache is set when a stale circuit-breaker value was served
	FromCache bool `json:"from_cache,omitempty"`

	// ViaFallback annotations (set by the fallback engine)
	ViaFallback    bool   `json:"via_fallback,omitempty"`
	PrimaryAction  string `json:"primary_action,omitempty"`
	FallbackAction string `json:"fallback_action,omitempty"`
	OriginalError  string `json:"original_error,omitempty"`
}

// ActionRequest is an immutable request to execute one remote action.
// It is the idempotency input.
type ActionRequest struct {
	// Action is the namespaced operation string, "target:op"
	Action string `json:"action"`

	// Target is the executor name
	Target string `json:"target"`

	// Params is an opaque mapping, canonicalized for key generation
	Params map[string]interface{} `json:"params,omitempty"`

	// CorrelationID ties the request to its originating flow
	CorrelationID string `json:"correlation_id"`

	// SignalID identifies the inbound signal that triggered reasoning,
	// carried for idempotency key construction only
	SignalID string `json:"signal_id,omitempty"`
}

// RiskLevel labels an action's blast radius for approval policy
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Priority indicates urgency of human response for approvals
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpTelemetry provides a no-op telemetry implementation
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan provides a no-op span implementation
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}

// StaticRegistry is a fixed map-backed executor registry
type StaticRegistry struct {
	executors map[string]Executor
}

// NewStaticRegistry builds a registry from a name->executor map
func NewStaticRegistry(executors map[string]Executor) *StaticRegistry {
	m := make(map[string]Executor, len(executors))
	for name, ex := range executors {
		m[name] = ex
	}
	return &StaticRegistry{executors: m}
}

func (r *StaticRegistry) Get(name string) (Executor, bool) {
	ex, ok := r.executors[name]
	return ex, ok
}

func (r *StaticRegistry) Names() []string {
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	return names
}

// SplitAction splits a namespaced "target:op" action string.
// The op may itself contain ':'; only the first separator splits.
func SplitAction(action string) (target, op string) {
	for i := 0; i < len(action); i++ {
		if action[i] == ':' {
			return action[:i], action[i+1:]
		}
	}
	return "", action
}

// Clock abstracts time for deterministic tests
type Clock interface {
	Now() time.Time
}

// RealClock uses the system clock
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
