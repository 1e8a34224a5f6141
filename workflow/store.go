package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrExecutionNotFound reports an unknown execution id
var ErrExecutionNotFound = errors.New("workflow execution not found")

// StateStore persists workflow executions so dashboards and post-incident
// review can see what ran, including runs the process did not survive.
type StateStore interface {
	Save(ctx context.Context, execution *Execution) error
	Get(ctx context.Context, executionID string) (*Execution, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]*Execution, error)
}

// MemoryStore keeps executions in memory, the default for single-process
// deployments and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	max        int
	order      []string
}

// NewMemoryStore creates a store retaining at most max executions; zero
// means 1000.
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = 1000
	}
	return &MemoryStore{
		executions: make(map[string]*Execution),
		max:        max,
	}
}

func (s *MemoryStore) Save(_ context.Context, execution *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[execution.ID]; !exists {
		s.order = append(s.order, execution.ID)
		if len(s.order) > s.max {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.executions, oldest)
		}
	}
	copied := copyExecution(execution)
	s.executions[execution.ID] = copied
	return nil
}

func (s *MemoryStore) Get(_ context.Context, executionID string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	execution, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrExecutionNotFound)
	}
	return copyExecution(execution), nil
}

func (s *MemoryStore) ListByWorkflow(_ context.Context, workflowID string) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Execution
	for _, execution := range s.executions {
		if execution.WorkflowID == workflowID {
			out = append(out, copyExecution(execution))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

var _ StateStore = (*MemoryStore)(nil)

func copyExecution(e *Execution) *Execution {
	copied := *e
	copied.Steps = make(map[string]*StepResult, len(e.Steps))
	for id, step := range e.Steps {
		stepCopy := *step
		copied.Steps[id] = &stepCopy
	}
	copied.CompletedOrder = append([]string(nil), e.CompletedOrder...)
	return &copied
}
