package resilience

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/signalbridge/actioncore/core"
)

// RemoteError is the failure shape executors surface for remote calls.
// Classification falls back to message matching for plain errors.
type RemoteError struct {
	StatusCode int
	Code       string // e.g. ECONNREFUSED
	Message    string
	Headers    map[string]string

	// Explicit platform flags, when the client library sets them
	IsRateLimit  bool
	IsValidation bool

	// Rate-limit hints carried directly on the error
	ResetAt    time.Time
	RetryAfter time.Duration

	Err error
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "remote error"
}

func (e *RemoteError) Unwrap() error { return e.Err }

// RateLimitHint holds whatever the platform told us about its limiter
type RateLimitHint struct {
	ResetAt    time.Time
	RetryAfter time.Duration
	Remaining  int
	Limit      int
}

// HasResetAt reports whether the platform gave an absolute reset time
func (h RateLimitHint) HasResetAt() bool { return !h.ResetAt.IsZero() }

// HasRetryAfter reports whether the platform gave a relative wait
func (h RateLimitHint) HasRetryAfter() bool { return h.RetryAfter > 0 }

var (
	rateLimitPattern  = regexp.MustCompile(`(?i)rate limit|too many requests`)
	authPattern       = regexp.MustCompile(`(?i)unauthorized|authentication|invalid token|expired token`)
	validationPattern = regexp.MustCompile(`(?i)validation|invalid|required`)
	networkPattern    = regexp.MustCompile(`(?i)network|connect|econnrefused|enotfound|etimedout`)
	timeoutPattern    = regexp.MustCompile(`(?i)timeout|timed out`)
	serverPattern     = regexp.MustCompile(`(?i)server error|internal error`)
)

var networkCodes = map[string]bool{
	"ECONNREFUSED": true,
	"ENOTFOUND":    true,
	"ETIMEDOUT":    true,
}

// Classify maps a failure to its kind. Rules apply in order; first match wins.
func Classify(err error) core.ErrorKind {
	if err == nil {
		return ""
	}

	// Context outcomes take their dedicated kinds before any matching
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return core.KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, core.ErrTimeout) {
		return core.KindTimeout
	}
	if errors.Is(err, core.ErrCircuitBreakerOpen) {
		return core.KindCircuitOpen
	}

	// An already-classified error keeps its kind
	var ce *core.CoreError
	if errors.As(err, &ce) && ce.Kind != "" {
		return ce.Kind
	}

	var re *RemoteError
	msg := err.Error()
	status := 0
	code := ""
	if errors.As(err, &re) {
		msg = re.Error()
		status = re.StatusCode
		code = re.Code

		if re.IsRateLimit {
			return core.KindRateLimit
		}
	}

	switch {
	case status == 429 || rateLimitPattern.MatchString(msg):
		return core.KindRateLimit
	case status == 401 || status == 403 || authPattern.MatchString(msg):
		return core.KindAuth
	case status == 400 || status == 422 ||
		(re != nil && re.IsValidation) || validationPattern.MatchString(msg):
		return core.KindValidation
	case networkCodes[code] || networkPattern.MatchString(msg):
		return core.KindNetwork
	case timeoutPattern.MatchString(msg):
		return core.KindTimeout
	case (status >= 500 && status <= 599) || serverPattern.MatchString(msg):
		return core.KindAPI
	default:
		return core.KindUnknown
	}
}

// ExtractRateLimit reads rate-limit hints from an error, preferring fields on
// the error itself, then response headers.
func ExtractRateLimit(err error) RateLimitHint {
	hint := RateLimitHint{Remaining: -1, Limit: -1}

	var re *RemoteError
	if !errors.As(err, &re) {
		return hint
	}

	if !re.ResetAt.IsZero() {
		hint.ResetAt = re.ResetAt
	}
	if re.RetryAfter > 0 {
		hint.RetryAfter = re.RetryAfter
	}

	if re.Headers == nil {
		return hint
	}

	if hint.ResetAt.IsZero() {
		if v := headerValue(re.Headers, "X-RateLimit-Reset"); v != "" {
			if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
				hint.ResetAt = time.Unix(secs, 0)
			}
		}
	}
	if hint.RetryAfter == 0 {
		if v := headerValue(re.Headers, "Retry-After"); v != "" {
			if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
				hint.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	if v := headerValue(re.Headers, "X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			hint.Remaining = n
		}
	}
	if v := headerValue(re.Headers, "X-RateLimit-Limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			hint.Limit = n
		}
	}

	return hint
}

// headerValue performs a case-insensitive header lookup
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
