package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/signalbridge/actioncore/core"
)

// Notifier delivers approval requests to humans
type Notifier interface {
	NotifyPending(ctx context.Context, req Request) error
}

// WebhookNotifier posts Slack-compatible interactive messages to a webhook.
// Each message carries approve, modify, and reject buttons whose values
// embed the approval id, so the decision endpoint can route the verdict
// back.
type WebhookNotifier struct {
	URL     string
	Channel string
	// UserIDs are mentioned on high and critical risk requests
	UserIDs []string

	Client *http.Client
	Logger core.Logger
}

// NewWebhookNotifier creates a notifier with an instrumented HTTP client
func NewWebhookNotifier(url, channel string, userIDs []string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:     url,
		Channel: channel,
		UserIDs: userIDs,
		Client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Logger: &core.NoOpLogger{},
	}
}

// NotifyPending sends the interactive approval message
func (n *WebhookNotifier) NotifyPending(ctx context.Context, req Request) error {
	payload := n.buildMessage(req)
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notifier webhook returned %d", resp.StatusCode)
	}
	return nil
}

// buildMessage renders the Slack block-kit style payload
func (n *WebhookNotifier) buildMessage(req Request) map[string]interface{} {
	header := fmt.Sprintf("Approval needed: %s", req.Action)

	var mention string
	if req.RiskLevel == core.RiskHigh || req.RiskLevel == core.RiskCritical {
		refs := make([]string, 0, len(n.UserIDs))
		for _, id := range n.UserIDs {
			refs = append(refs, "<@"+id+">")
		}
		mention = strings.Join(refs, " ")
	}

	details := fmt.Sprintf(
		"*Target:* %s\n*Risk:* %s\n*Priority:* %s\n*Reason:* %s\n*Expires:* %s",
		req.Target, req.RiskLevel, req.Priority, req.Reason,
		req.ExpiresAt.Format(time.RFC3339),
	)
	if mention != "" {
		details = mention + "\n" + details
	}

	blocks := []map[string]interface{}{
		{
			"type": "header",
			"text": map[string]interface{}{"type": "plain_text", "text": header},
		},
		{
			"type": "section",
			"text": map[string]interface{}{"type": "mrkdwn", "text": details},
		},
	}

	if params, err := json.MarshalIndent(req.Params, "", "  "); err == nil && len(req.Params) > 0 {
		blocks = append(blocks, map[string]interface{}{
			"type": "section",
			"text": map[string]interface{}{
				"type": "mrkdwn",
				"text": "```" + string(params) + "```",
			},
		})
	}

	blocks = append(blocks, map[string]interface{}{
		"type": "actions",
		"elements": []map[string]interface{}{
			{
				"type":      "button",
				"style":     "primary",
				"text":      map[string]interface{}{"type": "plain_text", "text": "Approve"},
				"action_id": "approval_approve",
				"value":     req.ID,
			},
			{
				"type":      "button",
				"text":      map[string]interface{}{"type": "plain_text", "text": "Modify"},
				"action_id": "approval_modify",
				"value":     req.ID,
			},
			{
				"type":      "button",
				"style":     "danger",
				"text":      map[string]interface{}{"type": "plain_text", "text": "Reject"},
				"action_id": "approval_reject",
				"value":     req.ID,
			},
		},
	})

	payload := map[string]interface{}{
		"text":   header,
		"blocks": blocks,
	}
	if n.Channel != "" {
		payload["channel"] = n.Channel
	}
	return payload
}

var _ Notifier = (*WebhookNotifier)(nil)

// NoOpNotifier discards notifications
type NoOpNotifier struct{}

func (NoOpNotifier) NotifyPending(ctx context.Context, req Request) error { return nil }
