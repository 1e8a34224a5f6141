package approval

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/signalbridge/actioncore/core"
)

func pendingRequest() Request {
	return Request{
		ID:        "appr-1",
		Action:    "github:merge_pr",
		Target:    "github",
		Params:    map[string]interface{}{"pr": 42},
		Reason:    "bulk change",
		RiskLevel: core.RiskHigh,
		Priority:  core.PriorityHigh,
		Status:    StatusPending,
		ExpiresAt: time.Date(2026, 8, 24, 13, 0, 0, 0, time.UTC),
	}
}

func TestWebhookNotifierPostsInteractiveMessage(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, "#ops-approvals", []string{"U123"})
	if err := notifier.NotifyPending(context.Background(), pendingRequest()); err != nil {
		t.Fatalf("NotifyPending() error = %v", err)
	}

	if received["channel"] != "#ops-approvals" {
		t.Errorf("channel = %v", received["channel"])
	}
	blocks, ok := received["blocks"].([]interface{})
	if !ok || len(blocks) < 3 {
		t.Fatalf("blocks = %v", received["blocks"])
	}

	// High risk requests mention the configured users
	section := blocks[1].(map[string]interface{})
	text := section["text"].(map[string]interface{})["text"].(string)
	if !strings.Contains(text, "<@U123>") {
		t.Errorf("details = %q, want user mention", text)
	}

	// All three decision buttons carry the approval id
	actions := blocks[len(blocks)-1].(map[string]interface{})
	elements := actions["elements"].([]interface{})
	if len(elements) != 3 {
		t.Fatalf("elements = %v, want approve, modify, reject", elements)
	}
	wantIDs := []string{"approval_approve", "approval_modify", "approval_reject"}
	for i, want := range wantIDs {
		button := elements[i].(map[string]interface{})
		if button["action_id"] != want || button["value"] != "appr-1" {
			t.Errorf("button[%d] = %v, want %s carrying the approval id", i, button, want)
		}
	}
}

func TestWebhookNotifierOmitsMentionForLowRisk(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, "", []string{"U123"})
	req := pendingRequest()
	req.RiskLevel = core.RiskLow
	if err := notifier.NotifyPending(context.Background(), req); err != nil {
		t.Fatalf("NotifyPending() error = %v", err)
	}

	if _, ok := received["channel"]; ok {
		t.Error("channel set without configuration")
	}
	raw, _ := json.Marshal(received)
	if strings.Contains(string(raw), "<@U123>") {
		t.Error("low risk request mentioned users")
	}
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, "", nil)
	if err := notifier.NotifyPending(context.Background(), pendingRequest()); err == nil {
		t.Error("expected error on non-2xx response")
	}
}
