package fallback

import (
	"context"
	"sync"
	"time"

	"github.com/signalbridge/actioncore/core"
)

// QueuedItem is one deferred action awaiting redispatch
type QueuedItem struct {
	Request  core.ActionRequest `json:"request"`
	Error    string             `json:"error"`
	QueuedAt time.Time          `json:"queued_at"`
	Attempts int                `json:"attempts"`
}

// RetryQueue parks failed actions for later redispatch, typically after a
// circuit closes again. The queue is bounded; at capacity the oldest item
// is dropped so recent work is preferred.
type RetryQueue struct {
	mu          sync.Mutex
	items       []QueuedItem
	max         int
	maxAttempts int
	dropped     int64
}

// NewRetryQueue creates a queue holding at most max items, redispatching
// each at most maxAttempts times.
func NewRetryQueue(max, maxAttempts int) *RetryQueue {
	if max < 1 {
		max = 1000
	}
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &RetryQueue{max: max, maxAttempts: maxAttempts}
}

func (q *RetryQueue) Name() string { return "retry-queue" }

// Execute enqueues the failed request as the fallback outcome
func (q *RetryQueue) Execute(_ context.Context, req core.ActionRequest, originalErr error) (*core.Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.max {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, QueuedItem{
		Request:  req,
		Error:    originalErr.Error(),
		QueuedAt: time.Now(),
	})
	return &core.Result{Data: map[string]interface{}{
		"queued":      true,
		"queue_depth": len(q.items),
	}}, nil
}

// Drain redispatches everything currently queued. Items that fail again
// requeue until their attempt budget runs out. Returns how many succeeded
// and how many failed this pass.
func (q *RetryQueue) Drain(ctx context.Context, dispatch func(ctx context.Context, req core.ActionRequest) error) (succeeded, failed int) {
	q.mu.Lock()
	batch := q.items
	q.items = nil
	q.mu.Unlock()

	for _, item := range batch {
		if ctx.Err() != nil {
			// Put the rest back untouched
			q.requeue(item)
			failed++
			continue
		}
		if err := dispatch(ctx, item.Request); err != nil {
			failed++
			item.Attempts++
			item.Error = err.Error()
			if item.Attempts < q.maxAttempts {
				q.requeue(item)
			}
			continue
		}
		succeeded++
	}
	return succeeded, failed
}

func (q *RetryQueue) requeue(item QueuedItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.max {
		q.dropped++
		return
	}
	q.items = append(q.items, item)
}

// Len returns the current queue depth
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a snapshot of the queue, newest last
func (q *RetryQueue) Items() []QueuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedItem, len(q.items))
	copy(out, q.items)
	return out
}

var _ Operation = (*RetryQueue)(nil)
var _ Operation = (*AlternateAction)(nil)
var _ Operation = (*FileJournal)(nil)
var _ Operation = (*CSVLog)(nil)
var _ Operation = (*Console)(nil)
var _ Operation = (*Webhook)(nil)
var _ Operation = (*Email)(nil)
var _ Operation = (*Func)(nil)
