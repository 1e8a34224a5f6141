// Package approval gates risky actions behind human sign-off. Requests wait
// in a queue with priority-driven expiry; approvers can approve as-is,
// approve with modified parameters, or reject. Expired requests follow the
// risk policy: low risk proceeds, high risk is refused, the rest lapse.
package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalbridge/actioncore/core"
	"github.com/signalbridge/actioncore/events"
)

// Status is the lifecycle state of an approval request
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusModified  Status = "modified"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Decision is the approver's verdict
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionModify  Decision = "modify"
	DecisionReject  Decision = "reject"
)

// Request is one action awaiting or past human review
type Request struct {
	ID            string                 `json:"id"`
	Action        string                 `json:"action"`
	Target        string                 `json:"target"`
	Params        map[string]interface{} `json:"params,omitempty"`
	Reason        string                 `json:"reason"`
	RiskLevel     core.RiskLevel         `json:"risk_level"`
	Priority      core.Priority          `json:"priority"`
	CorrelationID string                 `json:"correlation_id"`
	SignalID      string                 `json:"signal_id,omitempty"`

	Status        Status                 `json:"status"`
	CreatedAt     time.Time              `json:"created_at"`
	ExpiresAt     time.Time              `json:"expires_at"`
	DecidedAt     time.Time              `json:"decided_at,omitempty"`
	DecidedBy     string                 `json:"decided_by,omitempty"`
	DecisionNotes string                 `json:"decision_notes,omitempty"`
	Modifications map[string]interface{} `json:"modifications,omitempty"`

	Result *core.Result `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// ExpiryPolicy maps priorities to response deadlines and risk levels to the
// behavior when the deadline passes without a decision.
type ExpiryPolicy struct {
	Timeouts       map[core.Priority]time.Duration
	DefaultTimeout time.Duration

	// AutoApproveRisks proceed on expiry, AutoRejectRisks are refused;
	// everything else lapses as expired
	AutoApproveRisks []core.RiskLevel
	AutoRejectRisks  []core.RiskLevel
}

// DefaultExpiryPolicy returns the production expiry policy
func DefaultExpiryPolicy() ExpiryPolicy {
	return ExpiryPolicy{
		Timeouts: map[core.Priority]time.Duration{
			core.PriorityCritical: 5 * time.Minute,
			core.PriorityHigh:     15 * time.Minute,
			core.PriorityNormal:   time.Hour,
			core.PriorityLow:      4 * time.Hour,
		},
		DefaultTimeout:   time.Hour,
		AutoApproveRisks: []core.RiskLevel{core.RiskLow},
		AutoRejectRisks:  []core.RiskLevel{core.RiskHigh, core.RiskCritical},
	}
}

func (p ExpiryPolicy) timeout(priority core.Priority) time.Duration {
	if d, ok := p.Timeouts[priority]; ok {
		return d
	}
	if p.DefaultTimeout > 0 {
		return p.DefaultTimeout
	}
	return time.Hour
}

func (p ExpiryPolicy) onExpiry(risk core.RiskLevel) Decision {
	for _, r := range p.AutoApproveRisks {
		if r == risk {
			return DecisionApprove
		}
	}
	for _, r := range p.AutoRejectRisks {
		if r == risk {
			return DecisionReject
		}
	}
	return ""
}

// ExecuteFunc runs the approved action. The queue binds this at
// construction so approval execution goes through the same protected path
// as everything else.
type ExecuteFunc func(ctx context.Context, req core.ActionRequest) (*core.Result, error)

// FeedbackFunc receives the outcome of each decided request for the
// learning loop. Panics and errors inside it never affect the decision.
type FeedbackFunc func(record events.FeedbackEvent)

// QueueStats aggregates queue activity
type QueueStats struct {
	Pending         int           `json:"pending"`
	Submitted       int64         `json:"submitted"`
	Approved        int64         `json:"approved"`
	Rejected        int64         `json:"rejected"`
	Expired         int64         `json:"expired"`
	AutoApproved    int64         `json:"auto_approved"`
	AutoRejected    int64         `json:"auto_rejected"`
	AvgDecisionTime time.Duration `json:"avg_decision_time"`
}

// Queue holds pending approvals and drives their lifecycle
type Queue struct {
	mu       sync.Mutex
	requests map[string]*Request
	timers   map[string]*time.Timer

	policy    ExpiryPolicy
	executeFn ExecuteFunc
	notifier  Notifier
	feedback  FeedbackFunc

	// last 100 decision latencies for the response-time average
	decisionTimes []time.Duration

	submitted    int64
	approved     int64
	rejected     int64
	expired      int64
	autoApproved int64
	autoRejected int64

	bus    *events.Bus
	logger core.Logger
	clock  core.Clock
}

// QueueOption configures the approval queue
type QueueOption func(*Queue)

// WithExpiryPolicy replaces the default expiry policy
func WithExpiryPolicy(p ExpiryPolicy) QueueOption {
	return func(q *Queue) { q.policy = p }
}

// WithQueueNotifier sets the notifier for pending and decided requests
func WithQueueNotifier(n Notifier) QueueOption {
	return func(q *Queue) { q.notifier = n }
}

// WithFeedback sets the learning feedback callback
func WithFeedback(fn FeedbackFunc) QueueOption {
	return func(q *Queue) { q.feedback = fn }
}

// WithQueueEvents publishes approval lifecycle events on the bus
func WithQueueEvents(bus *events.Bus) QueueOption {
	return func(q *Queue) { q.bus = bus }
}

// WithQueueLogger sets the logger
func WithQueueLogger(logger core.Logger) QueueOption {
	return func(q *Queue) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			q.logger = cal.WithComponent("actioncore/approval")
		} else {
			q.logger = logger
		}
	}
}

// WithQueueClock overrides the clock, for tests
func WithQueueClock(clock core.Clock) QueueOption {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// NewQueue creates an approval queue bound to the given executor function
func NewQueue(executeFn ExecuteFunc, opts ...QueueOption) *Queue {
	q := &Queue{
		requests:  make(map[string]*Request),
		timers:    make(map[string]*time.Timer),
		policy:    DefaultExpiryPolicy(),
		executeFn: executeFn,
		logger:    &core.NoOpLogger{},
		clock:     core.RealClock{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit queues an action for review and returns the pending request. A
// priority whose configured timeout is zero never auto-expires; its
// deadline is advisory, 24h out, with no timer scheduled.
func (q *Queue) Submit(ctx context.Context, action core.ActionRequest, risk core.RiskLevel, priority core.Priority, reason string) (*Request, error) {
	now := q.clock.Now()
	timeout := q.policy.timeout(priority)
	deadline := timeout
	if timeout <= 0 {
		deadline = 24 * time.Hour
	}

	req := &Request{
		ID:            uuid.NewString(),
		Action:        action.Action,
		Target:        action.Target,
		Params:        action.Params,
		Reason:        reason,
		RiskLevel:     risk,
		Priority:      priority,
		CorrelationID: action.CorrelationID,
		SignalID:      action.SignalID,
		Status:        StatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(deadline),
	}

	q.mu.Lock()
	q.requests[req.ID] = req
	q.submitted++
	id := req.ID
	if timeout > 0 {
		q.timers[id] = time.AfterFunc(timeout, func() { q.expire(id) })
	}
	snapshot := *req
	q.mu.Unlock()

	q.logger.Info("Approval requested", map[string]interface{}{
		"operation":   "approval_submit",
		"approval_id": snapshot.ID,
		"action":      snapshot.Action,
		"risk":        string(risk),
		"priority":    string(priority),
		"expires_at":  snapshot.ExpiresAt.Format(time.RFC3339),
	})
	q.publish(events.ActionRequiresApproval, snapshot)
	q.publish(events.ApprovalQueued, snapshot)

	if q.notifier != nil {
		if err := q.notifier.NotifyPending(ctx, snapshot); err != nil {
			q.logger.Warn("Approval notification failed", map[string]interface{}{
				"operation":   "approval_notify",
				"approval_id": snapshot.ID,
				"error":       err.Error(),
			})
		}
	}
	return &snapshot, nil
}

// Decide applies a human verdict to a pending request. Approvals and
// modifications execute the bound action before returning; the returned
// request carries the execution outcome.
func (q *Queue) Decide(ctx context.Context, id string, decision Decision, decidedBy string, modifications map[string]interface{}, notes string) (*Request, error) {
	q.mu.Lock()
	req, ok := q.requests[id]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", core.ErrApprovalNotFound, id)
	}
	if req.Status != StatusPending {
		status := req.Status
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", core.ErrApprovalNotPending, id, status)
	}

	q.stopTimerLocked(id)
	now := q.clock.Now()
	req.DecidedAt = now
	req.DecidedBy = decidedBy
	req.DecisionNotes = notes
	q.recordDecisionTimeLocked(now.Sub(req.CreatedAt))

	switch decision {
	case DecisionReject:
		req.Status = StatusRejected
		q.rejected++
		snapshot := *req
		q.mu.Unlock()

		q.publish(events.ApprovalDecided, snapshot)
		q.emitFeedback(snapshot, false)
		return &snapshot, nil

	case DecisionModify:
		req.Status = StatusModified
		req.Modifications = modifications
		q.approved++
	case DecisionApprove:
		req.Status = StatusApproved
		q.approved++
	default:
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: unknown decision %q", core.ErrInvalidConfiguration, decision)
	}
	snapshot := *req
	q.mu.Unlock()

	q.publish(events.ApprovalDecided, snapshot)
	return q.execute(ctx, id, snapshot)
}

// execute runs the approved action with modifications overlaid on the
// original params
func (q *Queue) execute(ctx context.Context, id string, snapshot Request) (*Request, error) {
	q.setStatus(id, StatusExecuting)
	snapshot.Status = StatusExecuting
	q.publish(events.ApprovalExecuting, snapshot)

	params := mergeParams(snapshot.Params, snapshot.Modifications)
	result, err := q.executeFn(ctx, core.ActionRequest{
		Action:        snapshot.Action,
		Target:        snapshot.Target,
		Params:        params,
		CorrelationID: snapshot.CorrelationID,
		SignalID:      snapshot.SignalID,
	})

	q.mu.Lock()
	req := q.requests[id]
	if err != nil {
		req.Status = StatusFailed
		req.Error = err.Error()
	} else {
		req.Status = StatusCompleted
		req.Result = result
	}
	out := *req
	q.mu.Unlock()

	if err != nil {
		q.logger.Error("Approved action failed", map[string]interface{}{
			"operation":   "approval_execute",
			"approval_id": id,
			"action":      out.Action,
			"error":       err.Error(),
		})
		q.publish(events.ApprovalFailed, out)
		q.emitFeedback(out, true)
		return &out, err
	}

	q.publish(events.ApprovalCompleted, out)
	q.emitFeedback(out, true)
	return &out, nil
}

// expire fires when a request's deadline passes. A request decided in the
// meantime is left alone.
func (q *Queue) expire(id string) {
	q.mu.Lock()
	req, ok := q.requests[id]
	if !ok || req.Status != StatusPending {
		q.mu.Unlock()
		return
	}
	delete(q.timers, id)
	now := q.clock.Now()
	req.DecidedAt = now

	auto := q.policy.onExpiry(req.RiskLevel)
	switch auto {
	case DecisionApprove:
		req.Status = StatusApproved
		req.DecidedBy = "system:auto-approve"
		q.expired++
		q.autoApproved++
	case DecisionReject:
		req.Status = StatusRejected
		req.DecidedBy = "system:auto-reject"
		q.expired++
		q.autoRejected++
	default:
		req.Status = StatusExpired
		q.expired++
	}
	snapshot := *req
	q.mu.Unlock()

	q.logger.Warn("Approval expired", map[string]interface{}{
		"operation":   "approval_expire",
		"approval_id": id,
		"action":      snapshot.Action,
		"risk":        string(snapshot.RiskLevel),
		"resolution":  string(snapshot.Status),
	})
	q.publish(events.ApprovalExpired, snapshot)

	switch auto {
	case DecisionApprove:
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		q.execute(ctx, id, snapshot)
	case DecisionReject:
		q.emitFeedback(snapshot, false)
	}
}

// Get returns a snapshot of one request
func (q *Queue) Get(id string) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.requests[id]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// Pending returns pending requests ordered by expiry, soonest first
func (q *Queue) Pending() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Request
	for _, req := range q.requests {
		if req.Status == StatusPending {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out
}

// ByStatus returns requests in the given state, newest first
func (q *Queue) ByStatus(status Status) []Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Request
	for _, req := range q.requests {
		if req.Status == status {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Stats returns queue counters and the average human decision time
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := 0
	for _, req := range q.requests {
		if req.Status == StatusPending {
			pending++
		}
	}
	return QueueStats{
		Pending:         pending,
		Submitted:       q.submitted,
		Approved:        q.approved,
		Rejected:        q.rejected,
		Expired:         q.expired,
		AutoApproved:    q.autoApproved,
		AutoRejected:    q.autoRejected,
		AvgDecisionTime: q.avgDecisionTimeLocked(),
	}
}

// Close stops all expiry timers; pending requests stay pending
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
}

func (q *Queue) setStatus(id string, status Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if req, ok := q.requests[id]; ok {
		req.Status = status
	}
}

func (q *Queue) stopTimerLocked(id string) {
	if timer, ok := q.timers[id]; ok {
		timer.Stop()
		delete(q.timers, id)
	}
}

func (q *Queue) recordDecisionTimeLocked(d time.Duration) {
	q.decisionTimes = append(q.decisionTimes, d)
	if len(q.decisionTimes) > 100 {
		q.decisionTimes = q.decisionTimes[len(q.decisionTimes)-100:]
	}
}

func (q *Queue) avgDecisionTimeLocked() time.Duration {
	if len(q.decisionTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range q.decisionTimes {
		total += d
	}
	return total / time.Duration(len(q.decisionTimes))
}

func (q *Queue) publish(name events.Name, req Request) {
	if q.bus == nil {
		return
	}
	evt := events.ApprovalEvent{
		ApprovalID: req.ID,
		Action:     req.Action,
		Target:     req.Target,
		Status:     string(req.Status),
		Priority:   string(req.Priority),
		RiskLevel:  string(req.RiskLevel),
		Reason:     req.Reason,
		DecidedBy:  req.DecidedBy,
		Error:      req.Error,
	}
	if req.Result != nil {
		evt.Result = req.Result.Data
	}
	q.bus.Publish(name, evt)
}

// emitFeedback reports the decision outcome to the learning loop. The
// callback runs isolated so a broken consumer cannot break approvals.
func (q *Queue) emitFeedback(req Request, wasCorrect bool) {
	record := events.FeedbackEvent{
		ApprovalID: req.ID,
		Action:     req.Action,
		WasCorrect: wasCorrect,
		DecidedBy:  req.DecidedBy,
		Notes:      req.DecisionNotes,
	}
	if q.bus != nil {
		q.bus.Publish(events.LearningFeedback, record)
	}
	if q.feedback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Feedback callback panic", map[string]interface{}{
				"operation":   "approval_feedback",
				"approval_id": req.ID,
				"panic":       fmt.Sprintf("%v", r),
			})
		}
	}()
	q.feedback(record)
}

func mergeParams(params, modifications map[string]interface{}) map[string]interface{} {
	if len(modifications) == 0 {
		return params
	}
	merged := make(map[string]interface{}, len(params)+len(modifications))
	for k, v := range params {
		merged[k] = v
	}
	for k, v := range modifications {
		merged[k] = v
	}
	return merged
}
