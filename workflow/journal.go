package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal appends finished executions to a JSONL file for post-incident
// review. Each line is one execution summary; full step detail stays in
// the state store.
type Journal struct {
	path string
	mu   sync.Mutex
}

// NewJournal creates a journal writing to path
func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

type journalLine struct {
	Timestamp   string          `json:"timestamp"`
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id"`
	Status      ExecutionStatus `json:"status"`
	Steps       int             `json:"steps"`
	Completed   int             `json:"completed"`
	Failed      int             `json:"failed"`
	Duration    string          `json:"duration"`
	Error       string          `json:"error,omitempty"`
	RolledBack  bool            `json:"rolled_back,omitempty"`
	ManualSteps int             `json:"manual_steps,omitempty"`
}

// Append writes one execution summary line
func (j *Journal) Append(execution *Execution) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("creating journal dir: %w", err)
	}
	file, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer file.Close()

	completed, failed, _ := execution.Progress(len(execution.Steps))
	line := journalLine{
		Timestamp:   time.Now().Format(time.RFC3339),
		ExecutionID: execution.ID,
		WorkflowID:  execution.WorkflowID,
		Status:      execution.Status,
		Steps:       len(execution.Steps),
		Completed:   completed,
		Failed:      failed,
		Duration:    execution.CompletedAt.Sub(execution.StartedAt).String(),
		Error:       execution.Error,
	}
	if execution.Rollback != nil {
		line.RolledBack = true
		line.ManualSteps = len(execution.Rollback.ManualSteps())
	}

	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	_, err = file.Write(append(data, '\n'))
	return err
}
