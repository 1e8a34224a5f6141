package actioncore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signalbridge/actioncore/approval"
	"github.com/signalbridge/actioncore/core"
	"github.com/signalbridge/actioncore/events"
	"github.com/signalbridge/actioncore/fallback"
	"github.com/signalbridge/actioncore/resilience"
	"github.com/signalbridge/actioncore/workflow"
)

// scriptedExecutor fails a set number of times per operation, then succeeds
type scriptedExecutor struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
	result   *core.Result
}

func (e *scriptedExecutor) Execute(ctx context.Context, operation string, params map[string]interface{}) (*core.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.failures > 0 {
		e.failures--
		if e.err != nil {
			return nil, e.err
		}
		return nil, &resilience.RemoteError{StatusCode: 503}
	}
	if e.result != nil {
		return e.result, nil
	}
	return &core.Result{Data: map[string]interface{}{"ok": true}}, nil
}

func (e *scriptedExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func fastRetryEngine() *resilience.Engine {
	policy := resilience.DefaultPolicy()
	policy.InitialDelay = time.Millisecond
	policy.MaxDelay = 5 * time.Millisecond
	policy.Jitter = 0
	return resilience.NewEngine(resilience.WithBasePolicy(policy))
}

func newTestDispatcher(t *testing.T, executors map[string]core.Executor, opts ...Option) *Dispatcher {
	t.Helper()
	opts = append([]Option{WithRetryEngine(fastRetryEngine())}, opts...)
	d, err := New(core.NewStaticRegistry(executors), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func sendRequest(signal string) core.ActionRequest {
	return core.ActionRequest{
		SignalID:      signal,
		Action:        "slack:send_message",
		Target:        "slack",
		Params:        map[string]interface{}{"text": "hi"},
		CorrelationID: "corr-1",
	}
}

func TestExecuteSuccess(t *testing.T) {
	exec := &scriptedExecutor{}
	d := newTestDispatcher(t, map[string]core.Executor{"slack": exec})

	result, err := d.Execute(context.Background(), sendRequest("sig-1"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Data["ok"] != true {
		t.Errorf("result = %+v", result)
	}
	if exec.callCount() != 1 {
		t.Errorf("calls = %d", exec.callCount())
	}
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	exec := &scriptedExecutor{failures: 2}
	d := newTestDispatcher(t, map[string]core.Executor{"slack": exec})

	if _, err := d.Execute(context.Background(), sendRequest("sig-1")); err != nil {
		t.Fatalf("Execute() error = %v, want success after retries", err)
	}
	if exec.callCount() != 3 {
		t.Errorf("calls = %d, want 3", exec.callCount())
	}
}

func TestExecuteUnknownTarget(t *testing.T) {
	d := newTestDispatcher(t, nil)

	_, err := d.Execute(context.Background(), sendRequest("sig-1"))
	if !errors.Is(err, core.ErrExecutorNotFound) {
		t.Errorf("error = %v, want ErrExecutorNotFound", err)
	}
}

func TestExecuteDeduplicatesBySignal(t *testing.T) {
	exec := &scriptedExecutor{}
	d := newTestDispatcher(t, map[string]core.Executor{"slack": exec})

	if _, err := d.Execute(context.Background(), sendRequest("sig-1")); err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	result, err := d.Execute(context.Background(), sendRequest("sig-1"))
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if !result.FromCache {
		t.Error("FromCache = false, want duplicate served from cache")
	}
	if exec.callCount() != 1 {
		t.Errorf("calls = %d, want 1", exec.callCount())
	}

	// A different signal executes again
	if _, err := d.Execute(context.Background(), sendRequest("sig-2")); err != nil {
		t.Fatalf("third Execute() error = %v", err)
	}
	if exec.callCount() != 2 {
		t.Errorf("calls = %d, want 2", exec.callCount())
	}
}

func TestExecuteValidationNotRetried(t *testing.T) {
	exec := &scriptedExecutor{failures: 100, err: &resilience.RemoteError{StatusCode: 400, IsValidation: true}}
	d := newTestDispatcher(t, map[string]core.Executor{"slack": exec})

	_, err := d.Execute(context.Background(), sendRequest("sig-1"))
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if exec.callCount() != 1 {
		t.Errorf("calls = %d, validation errors must not retry", exec.callCount())
	}
}

func TestBreakerOpensAndRejects(t *testing.T) {
	exec := &scriptedExecutor{failures: 1000}
	breakerCfg := resilience.DefaultBreakerConfig()
	breakerCfg.FailureThreshold = 2
	registry := resilience.NewBreakerRegistry(resilience.WithRegistryConfig(breakerCfg))

	d := newTestDispatcher(t, map[string]core.Executor{"slack": exec},
		WithBreakerRegistry(registry))

	// Each exhausted call counts one breaker failure; new signals bypass
	// the idempotency cache
	d.Execute(context.Background(), sendRequest("sig-1"))
	d.Execute(context.Background(), sendRequest("sig-2"))

	before := exec.callCount()
	_, err := d.Execute(context.Background(), sendRequest("sig-3"))
	if !core.IsCircuitOpen(err) {
		t.Fatalf("error = %v, want circuit open rejection", err)
	}
	if exec.callCount() != before {
		t.Error("executor was called while the breaker was open")
	}
}

func TestFallbackHandlesFailure(t *testing.T) {
	exec := &scriptedExecutor{failures: 1000}
	fb := fallback.NewEngine(fallback.WithDefaultChain(
		&fallback.Func{Label: "journal", Fn: func(ctx context.Context, req core.ActionRequest, _ error) (*core.Result, error) {
			return &core.Result{}, nil
		}}))

	d := newTestDispatcher(t, map[string]core.Executor{"slack": exec},
		WithFallbackEngine(fb))

	result, err := d.Execute(context.Background(), sendRequest("sig-1"))
	if err != nil {
		t.Fatalf("Execute() error = %v, want fallback to absorb the failure", err)
	}
	if !result.ViaFallback || result.FallbackAction != "journal" {
		t.Errorf("result = %+v", result)
	}
}

func TestRequestEventsPublished(t *testing.T) {
	bus := events.NewBus()
	var mu sync.Mutex
	counts := make(map[events.Name]int)
	for _, name := range []events.Name{events.RequestSuccess, events.RequestFailure} {
		name := name
		bus.Subscribe(name, func(payload interface{}) {
			mu.Lock()
			counts[name]++
			mu.Unlock()
		})
	}

	good := &scriptedExecutor{}
	bad := &scriptedExecutor{failures: 1000}
	d := newTestDispatcher(t, map[string]core.Executor{"slack": good, "jira": bad},
		WithEventBus(bus))

	d.Execute(context.Background(), sendRequest("sig-1"))
	d.Execute(context.Background(), core.ActionRequest{
		SignalID: "sig-2", Action: "jira:create_ticket", Target: "jira",
	})

	mu.Lock()
	defer mu.Unlock()
	if counts[events.RequestSuccess] != 1 || counts[events.RequestFailure] != 1 {
		t.Errorf("events = %v", counts)
	}
}

func TestDispatchGatesHighRisk(t *testing.T) {
	exec := &scriptedExecutor{}
	d := newTestDispatcher(t, map[string]core.Executor{"slack": exec})

	result, pending, err := d.Dispatch(context.Background(), sendRequest("sig-1"),
		core.RiskHigh, core.PriorityNormal, "bulk notification")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if result != nil || pending == nil {
		t.Fatalf("result=%v pending=%v, want queued approval", result, pending)
	}
	if pending.Status != approval.StatusPending {
		t.Errorf("status = %s", pending.Status)
	}
	if exec.callCount() != 0 {
		t.Error("gated action executed without approval")
	}

	// Approving runs the action through the protected path
	decided, err := d.Approvals().Decide(context.Background(), pending.ID,
		approval.DecisionApprove, "alex", nil, "")
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if decided.Status != approval.StatusCompleted {
		t.Errorf("status = %s", decided.Status)
	}
	if exec.callCount() != 1 {
		t.Errorf("calls = %d, want 1 after approval", exec.callCount())
	}
}

func TestDispatchExecutesLowRisk(t *testing.T) {
	exec := &scriptedExecutor{}
	d := newTestDispatcher(t, map[string]core.Executor{"slack": exec})

	result, pending, err := d.Dispatch(context.Background(), sendRequest("sig-1"),
		core.RiskLow, core.PriorityNormal, "")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if pending != nil || result == nil {
		t.Errorf("result=%v pending=%v, want direct execution", result, pending)
	}
}

func TestDispatchThresholdConfigurable(t *testing.T) {
	exec := &scriptedExecutor{}
	d := newTestDispatcher(t, map[string]core.Executor{"slack": exec},
		WithApprovalThreshold(core.RiskMedium))

	_, pending, err := d.Dispatch(context.Background(), sendRequest("sig-1"),
		core.RiskMedium, core.PriorityNormal, "r")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if pending == nil {
		t.Error("medium risk should gate at a medium threshold")
	}
}

func TestDispatchApprovalsDisabled(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.ApprovalsEnabled = false
	exec := &scriptedExecutor{}
	d := newTestDispatcher(t, map[string]core.Executor{"slack": exec}, WithConfig(cfg))

	result, pending, err := d.Dispatch(context.Background(), sendRequest("sig-1"),
		core.RiskCritical, core.PriorityCritical, "r")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if pending != nil || result == nil {
		t.Error("with approvals disabled, even critical actions execute directly")
	}
	if d.Approvals() != nil {
		t.Error("Approvals() should be nil when disabled")
	}
}

func TestRunWorkflowThroughDispatcher(t *testing.T) {
	slack := &scriptedExecutor{}
	jira := &scriptedExecutor{result: &core.Result{ID: "TICKET-1"}}
	d := newTestDispatcher(t, map[string]core.Executor{"slack": slack, "jira": jira})

	def := &workflow.Definition{
		ID: "incident",
		Steps: []workflow.Step{
			{ID: "ticket", Action: "jira:create_ticket", Target: "jira"},
			{ID: "notify", Action: "slack:send_message", Target: "slack",
				DependsOn: []string{"ticket"},
				Params:    map[string]interface{}{"ticket": "$ticket.id"}},
		},
	}

	execution, err := d.RunWorkflow(context.Background(), def)
	if err != nil {
		t.Fatalf("RunWorkflow() error = %v", err)
	}
	if execution.Status != workflow.ExecutionCompleted {
		t.Errorf("status = %s", execution.Status)
	}
	if jira.callCount() != 1 || slack.callCount() != 1 {
		t.Errorf("calls: jira=%d slack=%d", jira.callCount(), slack.callCount())
	}
}

// undoExecutor scripts results and records undo calls
type undoExecutor struct {
	scriptedExecutor
	mu     sync.Mutex
	undone []string
}

func (e *undoExecutor) Undo(ctx context.Context, operation string, params map[string]interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.undone = append(e.undone, operation)
	return nil
}

func TestRunWorkflowDefaultRollback(t *testing.T) {
	jira := &undoExecutor{scriptedExecutor: scriptedExecutor{result: &core.Result{ID: "TICKET-1"}}}
	slack := &scriptedExecutor{failures: 1000, err: &resilience.RemoteError{StatusCode: 400, IsValidation: true}}
	d := newTestDispatcher(t, map[string]core.Executor{"jira": jira, "slack": slack})

	def := &workflow.Definition{
		ID:                "incident",
		RollbackOnFailure: true,
		Steps: []workflow.Step{
			{ID: "ticket", Action: "jira:create_ticket", Target: "jira"},
			{ID: "notify", Action: "slack:send_message", Target: "slack",
				DependsOn: []string{"ticket"}},
		},
	}

	execution, err := d.RunWorkflow(context.Background(), def)
	if !errors.Is(err, core.ErrStepFailed) {
		t.Fatalf("error = %v", err)
	}
	if execution.Rollback == nil {
		t.Fatal("Rollback = nil, want the default composition to undo completed steps")
	}
	if execution.Status != workflow.ExecutionRolledBack {
		t.Errorf("status = %s, want rolled_back", execution.Status)
	}
	jira.mu.Lock()
	defer jira.mu.Unlock()
	if len(jira.undone) != 1 || jira.undone[0] != "create_ticket" {
		t.Errorf("undone = %v", jira.undone)
	}
}

func TestRunWorkflowWithMetadata(t *testing.T) {
	slack := &scriptedExecutor{}
	d := newTestDispatcher(t, map[string]core.Executor{"slack": slack})

	def := &workflow.Definition{
		ID: "notify",
		Steps: []workflow.Step{
			{ID: "ping", Action: "slack:send_message", Target: "slack",
				Params: map[string]interface{}{"channel": "$channel"}},
		},
	}

	execution, err := d.RunWorkflowWithMetadata(context.Background(), def,
		map[string]interface{}{"channel": "#ops"})
	if err != nil {
		t.Fatalf("RunWorkflowWithMetadata() error = %v", err)
	}
	if execution.Status != workflow.ExecutionCompleted {
		t.Errorf("status = %s", execution.Status)
	}
}

func TestRequestEventsCarryRetries(t *testing.T) {
	bus := events.NewBus()
	var mu sync.Mutex
	var retries []int
	bus.Subscribe(events.RequestSuccess, func(payload interface{}) {
		if evt, ok := payload.(events.RequestEvent); ok {
			mu.Lock()
			retries = append(retries, evt.Retries)
			mu.Unlock()
		}
	})

	exec := &scriptedExecutor{failures: 2}
	d := newTestDispatcher(t, map[string]core.Executor{"slack": exec},
		WithEventBus(bus))

	if _, err := d.Execute(context.Background(), sendRequest("sig-1")); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(retries) != 1 || retries[0] != 2 {
		t.Errorf("retries = %v, want [2]", retries)
	}
}

func TestNewRequiresRegistry(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, core.ErrMissingConfiguration) {
		t.Errorf("error = %v, want ErrMissingConfiguration", err)
	}
}
