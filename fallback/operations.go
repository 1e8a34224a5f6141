package fallback

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/signalbridge/actioncore/core"
)

// AlternateAction retries the request as a different action, typically the
// same intent on a healthier platform.
type AlternateAction struct {
	Action   string
	Target   string
	Registry core.ExecutorRegistry
}

func (a *AlternateAction) Name() string { return "alternate:" + a.Action }

func (a *AlternateAction) Execute(ctx context.Context, req core.ActionRequest, _ error) (*core.Result, error) {
	executor, ok := a.Registry.Get(a.Target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrExecutorNotFound, a.Target)
	}
	_, op := core.SplitAction(a.Action)
	return executor.Execute(ctx, op, req.Params)
}

// FileJournal appends the failed request as a JSON line for later replay
type FileJournal struct {
	Path string

	mu sync.Mutex
}

func (f *FileJournal) Name() string { return "file:" + filepath.Base(f.Path) }

func (f *FileJournal) Execute(_ context.Context, req core.ActionRequest, originalErr error) (*core.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}
	file, err := os.OpenFile(f.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	defer file.Close()

	line := map[string]interface{}{
		"timestamp":      time.Now().Format(time.RFC3339),
		"action":         req.Action,
		"target":         req.Target,
		"params":         req.Params,
		"correlation_id": req.CorrelationID,
		"error":          originalErr.Error(),
	}
	data, err := json.Marshal(line)
	if err != nil {
		return nil, err
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return nil, err
	}
	return &core.Result{Data: map[string]interface{}{"journaled_to": f.Path}}, nil
}

// CSVLog appends the failed request to a per-action CSV file, the format
// spreadsheets and ops runbooks consume directly.
type CSVLog struct {
	Dir string

	mu sync.Mutex
}

func (c *CSVLog) Name() string { return "csv" }

func (c *CSVLog) Execute(_ context.Context, req core.ActionRequest, originalErr error) (*core.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating csv dir: %w", err)
	}
	name := strings.ReplaceAll(req.Action, ":", "_") + ".csv"
	path := filepath.Join(c.Dir, name)

	_, statErr := os.Stat(path)
	newFile := os.IsNotExist(statErr)

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening csv: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if newFile {
		if err := w.Write([]string{"timestamp", "action", "target", "correlation_id", "params", "error"}); err != nil {
			return nil, err
		}
	}
	params, _ := json.Marshal(req.Params)
	if err := w.Write([]string{
		time.Now().Format(time.RFC3339),
		req.Action,
		req.Target,
		req.CorrelationID,
		string(params),
		originalErr.Error(),
	}); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return &core.Result{Data: map[string]interface{}{"csv": path}}, nil
}

// Console writes a human-readable line, the fallback of last resort
type Console struct {
	Writer io.Writer

	mu sync.Mutex
}

func (c *Console) Name() string { return "console" }

func (c *Console) Execute(_ context.Context, req core.ActionRequest, originalErr error) (*core.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.Writer
	if w == nil {
		w = os.Stdout
	}
	_, err := fmt.Fprintf(w, "[fallback] %s action=%s target=%s error=%v\n",
		time.Now().Format(time.RFC3339), req.Action, req.Target, originalErr)
	if err != nil {
		return nil, err
	}
	return &core.Result{Data: map[string]interface{}{"printed": true}}, nil
}

// Webhook posts the failed request to an external endpoint. The HTTP client
// is instrumented so fallback traffic shows up in traces.
type Webhook struct {
	URL    string
	Client *http.Client

	once sync.Once
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) client() *http.Client {
	w.once.Do(func() {
		if w.Client == nil {
			w.Client = &http.Client{
				Timeout:   10 * time.Second,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			}
		}
	})
	return w.Client
}

func (w *Webhook) Execute(ctx context.Context, req core.ActionRequest, originalErr error) (*core.Result, error) {
	payload := map[string]interface{}{
		"action":         req.Action,
		"target":         req.Target,
		"params":         req.Params,
		"correlation_id": req.CorrelationID,
		"error":          originalErr.Error(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client().Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return &core.Result{Data: map[string]interface{}{"webhook_status": resp.StatusCode}}, nil
}

// Mailer delivers a message to a set of recipients
type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// SMTPMailer sends through a plain SMTP relay
type SMTPMailer struct {
	Addr string // host:port
	From string
	Auth smtp.Auth
}

func (m *SMTPMailer) Send(_ context.Context, to []string, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		m.From, strings.Join(to, ", "), subject, body)
	return smtp.SendMail(m.Addr, m.Auth, m.From, to, []byte(msg))
}

// Email mails the failed request to an operator mailbox
type Email struct {
	Mailer Mailer
	To     []string
}

func (e *Email) Name() string { return "email" }

func (e *Email) Execute(ctx context.Context, req core.ActionRequest, originalErr error) (*core.Result, error) {
	subject := fmt.Sprintf("Action failed: %s", req.Action)
	params, _ := json.MarshalIndent(req.Params, "", "  ")
	body := fmt.Sprintf(
		"Action: %s\nTarget: %s\nCorrelation: %s\nError: %v\n\nParams:\n%s\n",
		req.Action, req.Target, req.CorrelationID, originalErr, params)

	if err := e.Mailer.Send(ctx, e.To, subject, body); err != nil {
		return nil, fmt.Errorf("sending fallback mail: %w", err)
	}
	return &core.Result{Data: map[string]interface{}{"emailed": e.To}}, nil
}

// Func wraps a plain function as a fallback operation
type Func struct {
	Label string
	Fn    func(ctx context.Context, req core.ActionRequest, originalErr error) (*core.Result, error)
}

func (f *Func) Name() string { return f.Label }

func (f *Func) Execute(ctx context.Context, req core.ActionRequest, originalErr error) (*core.Result, error) {
	return f.Fn(ctx, req, originalErr)
}
