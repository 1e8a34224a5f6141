package resilience

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/signalbridge/actioncore/core"
)

func TestClassifyStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		expect core.ErrorKind
	}{
		{"rate limit status", &RemoteError{StatusCode: 429}, core.KindRateLimit},
		{"rate limit flag", &RemoteError{IsRateLimit: true}, core.KindRateLimit},
		{"unauthorized", &RemoteError{StatusCode: 401}, core.KindAuth},
		{"forbidden", &RemoteError{StatusCode: 403}, core.KindAuth},
		{"bad request", &RemoteError{StatusCode: 400}, core.KindValidation},
		{"unprocessable", &RemoteError{StatusCode: 422}, core.KindValidation},
		{"server error", &RemoteError{StatusCode: 500}, core.KindAPI},
		{"bad gateway", &RemoteError{StatusCode: 502}, core.KindAPI},
		{"conn refused", &RemoteError{Code: "ECONNREFUSED"}, core.KindNetwork},
		{"dns failure", &RemoteError{Code: "ENOTFOUND"}, core.KindNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expect {
				t.Errorf("Classify() = %s, want %s", got, tt.expect)
			}
		})
	}
}

func TestClassifyMessages(t *testing.T) {
	tests := []struct {
		msg    string
		expect core.ErrorKind
	}{
		{"rate limit exceeded", core.KindRateLimit},
		{"Too Many Requests", core.KindRateLimit},
		{"invalid token provided", core.KindAuth},
		{"request validation failed", core.KindValidation},
		{"ECONNREFUSED dialing host", core.KindNetwork},
		{"request timed out", core.KindTimeout},
		{"internal error", core.KindAPI},
		{"something odd happened", core.KindUnknown},
	}
	for _, tt := range tests {
		if got := Classify(errors.New(tt.msg)); got != tt.expect {
			t.Errorf("Classify(%q) = %s, want %s", tt.msg, got, tt.expect)
		}
	}
}

func TestClassifyOrderRateLimitBeforeAuth(t *testing.T) {
	// A 429 whose body mentions authentication must still classify as
	// rate limit, since rules apply in order
	err := &RemoteError{StatusCode: 429, Message: "authentication quota: rate limit"}
	if got := Classify(err); got != core.KindRateLimit {
		t.Errorf("Classify() = %s, want %s", got, core.KindRateLimit)
	}
}

func TestClassifyContextOutcomes(t *testing.T) {
	if got := Classify(context.Canceled); got != core.KindCanceled {
		t.Errorf("Classify(Canceled) = %s", got)
	}
	if got := Classify(context.DeadlineExceeded); got != core.KindTimeout {
		t.Errorf("Classify(DeadlineExceeded) = %s", got)
	}
	if got := Classify(core.ErrCircuitBreakerOpen); got != core.KindCircuitOpen {
		t.Errorf("Classify(ErrCircuitBreakerOpen) = %s", got)
	}
}

func TestClassifyNil(t *testing.T) {
	if got := Classify(nil); got != "" {
		t.Errorf("Classify(nil) = %q, want empty", got)
	}
}

func TestClassifyKeepsExistingKind(t *testing.T) {
	err := &core.CoreError{Op: "test", Kind: core.KindValidation, Err: errors.New("rate limit")}
	if got := Classify(err); got != core.KindValidation {
		t.Errorf("Classify() = %s, want existing kind preserved", got)
	}
}

func TestExtractRateLimitFromFields(t *testing.T) {
	resetAt := time.Now().Add(30 * time.Second).Truncate(time.Second)
	err := &RemoteError{IsRateLimit: true, ResetAt: resetAt, RetryAfter: 10 * time.Second}

	hint := ExtractRateLimit(err)
	if !hint.HasResetAt() || !hint.ResetAt.Equal(resetAt) {
		t.Errorf("ResetAt = %v, want %v", hint.ResetAt, resetAt)
	}
	if hint.RetryAfter != 10*time.Second {
		t.Errorf("RetryAfter = %v", hint.RetryAfter)
	}
}

func TestExtractRateLimitFromHeaders(t *testing.T) {
	reset := time.Now().Add(time.Minute).Unix()
	err := &RemoteError{
		StatusCode: 429,
		Headers: map[string]string{
			"x-ratelimit-reset":     strconv.FormatInt(reset, 10),
			"Retry-After":           "42",
			"X-RateLimit-Remaining": "0",
			"X-RateLimit-Limit":     "100",
		},
	}

	hint := ExtractRateLimit(err)
	if hint.ResetAt.Unix() != reset {
		t.Errorf("ResetAt = %v, want unix %d", hint.ResetAt, reset)
	}
	if hint.RetryAfter != 42*time.Second {
		t.Errorf("RetryAfter = %v", hint.RetryAfter)
	}
	if hint.Remaining != 0 || hint.Limit != 100 {
		t.Errorf("Remaining/Limit = %d/%d", hint.Remaining, hint.Limit)
	}
}

func TestExtractRateLimitPlainError(t *testing.T) {
	hint := ExtractRateLimit(errors.New("rate limit"))
	if hint.HasResetAt() || hint.HasRetryAfter() {
		t.Error("expected empty hint for plain error")
	}
	if hint.Remaining != -1 || hint.Limit != -1 {
		t.Errorf("Remaining/Limit = %d/%d, want -1/-1", hint.Remaining, hint.Limit)
	}
}
