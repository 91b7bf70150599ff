package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrContextLengthExceeded is the sentinel an LLM backend wraps when the
// provider rejects a request for exceeding the model's context window.
var ErrContextLengthExceeded = errors.New("context length exceeded")

// HTTPStatusError is a transport-level failure from an LLM backend that
// carries the HTTP status and, when present, the Retry-After header value
// in seconds.
type HTTPStatusError struct {
	Status     int
	RetryAfter string
	Message    string
	Cause      error
}

func (e *HTTPStatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d", e.Status)
}

func (e *HTTPStatusError) Unwrap() error { return e.Cause }

// RetryAfterMs parses the Retry-After header into milliseconds, if present
// and parseable as integer seconds.
func (e *HTTPStatusError) RetryAfterMs() *int64 {
	v := strings.TrimSpace(e.RetryAfter)
	if v == "" {
		return nil
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil || secs < 0 {
		return nil
	}
	ms := secs * 1000
	return &ms
}

// ClassifyLLMError maps a transport error from an LLM backend onto the
// terminal RunError taxonomy: 401/403 auth_error, 429
// rate_limited (with retry_after_ms when parseable), 5xx server_error,
// other 4xx http_error, context window overflows
// context_length_exceeded, everything else llm_error. Classification
// happens exactly once, at the top of the loop.
func ClassifyLLMError(err error) *RunError {
	if err == nil {
		return nil
	}

	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr
	}

	if errors.Is(err, ErrContextLengthExceeded) {
		return &RunError{
			ErrorKind: RunErrorContextLengthExceeded,
			Message:   err.Error(),
			Cause:     err,
		}
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return classifyHTTPStatus(httpErr)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &RunError{ErrorKind: RunErrorLLM, Message: "llm request timed out", Retryable: true, Cause: err}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "context length") || strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "maximum context") {
		return &RunError{ErrorKind: RunErrorContextLengthExceeded, Message: err.Error(), Cause: err}
	}

	return &RunError{ErrorKind: RunErrorLLM, Message: err.Error(), Retryable: true, Cause: err}
}

func classifyHTTPStatus(httpErr *HTTPStatusError) *RunError {
	switch {
	case httpErr.Status == http.StatusUnauthorized || httpErr.Status == http.StatusForbidden:
		return &RunError{ErrorKind: RunErrorAuth, Message: httpErr.Error(), Cause: httpErr}
	case httpErr.Status == http.StatusTooManyRequests:
		return &RunError{
			ErrorKind:    RunErrorRateLimited,
			Message:      httpErr.Error(),
			Retryable:    true,
			RetryAfterMs: httpErr.RetryAfterMs(),
			Cause:        httpErr,
		}
	case httpErr.Status >= 500:
		return &RunError{ErrorKind: RunErrorServer, Message: httpErr.Error(), Retryable: true, Cause: httpErr}
	case httpErr.Status >= 400:
		return &RunError{ErrorKind: RunErrorHTTP, Message: httpErr.Error(), Cause: httpErr}
	default:
		return &RunError{ErrorKind: RunErrorLLM, Message: httpErr.Error(), Retryable: true, Cause: httpErr}
	}
}

// RetryPolicy bounds LLM transport retries: exponential backoff with
// jitter, honoring Retry-After. No retry is attempted once any stream
// event has been observed for the current request.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns the baseline retry discipline.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     2,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// backoffFor computes the wait before retry attempt (1-based), preferring
// an explicit Retry-After over the exponential schedule. Jitter is
// deterministic per attempt to keep runs reproducible.
func (p RetryPolicy) backoffFor(attempt int, runErr *RunError) time.Duration {
	if runErr != nil && runErr.RetryAfterMs != nil {
		return time.Duration(*runErr.RetryAfterMs) * time.Millisecond
	}
	backoff := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	// 25% additive jitter keyed on attempt parity.
	jitter := backoff / 4 * time.Duration(attempt%2)
	backoff += jitter
	if backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	return backoff
}

// retryableLLMError reports whether a classified transport error may be
// retried at all (429/5xx only).
func retryableLLMError(runErr *RunError) bool {
	if runErr == nil {
		return false
	}
	switch runErr.ErrorKind {
	case RunErrorRateLimited, RunErrorServer:
		return true
	default:
		return false
	}
}
