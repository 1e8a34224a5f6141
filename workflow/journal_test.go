package workflow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestJournalAppendsSummaryLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "workflows.jsonl")
	journal := NewJournal(path)

	started := time.Now().Add(-time.Minute)
	execution := &Execution{
		ID:         "exec-1",
		WorkflowID: "incident",
		Status:     ExecutionPartiallyRolledBack,
		Steps: map[string]*StepResult{
			"ticket": {StepID: "ticket", Status: StepRolledBack},
			"notify": {StepID: "notify", Status: StepFailed},
		},
		StartedAt:   started,
		CompletedAt: started.Add(30 * time.Second),
		Error:       "step notify: remote down",
		Rollback: &RollbackResult{
			Steps: []RollbackStep{
				{StepID: "ticket", Status: RollbackDone},
				{StepID: "other", Status: RollbackManual, Instructions: "revert by hand"},
			},
		},
	}

	if err := journal.Append(execution); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := journal.Append(execution); err != nil {
		t.Fatalf("second Append() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading journal: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("invalid JSONL: %v", err)
	}
	if entry["workflow_id"] != "incident" || entry["status"] != string(ExecutionPartiallyRolledBack) {
		t.Errorf("entry = %v", entry)
	}
	if entry["rolled_back"] != true {
		t.Error("rolled_back not recorded")
	}
	if entry["manual_steps"] != float64(1) {
		t.Errorf("manual_steps = %v", entry["manual_steps"])
	}
	if entry["error"] == "" {
		t.Error("error not recorded")
	}
}
