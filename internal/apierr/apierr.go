// Package apierr implements Sandchest's closed error-kind taxonomy and the
// uniform JSON envelope every HTTP response shares.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// Kind is a closed set of error categories mapped to an HTTP status and a
// stable machine-readable code.
type Kind string

const (
	KindValidation     Kind = "validation_error"
	KindAuthentication Kind = "authentication_error"
	KindForbidden      Kind = "forbidden"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindSandboxNotRunning Kind = "sandbox_not_running"
	KindQuotaExceeded  Kind = "quota_exceeded"
	KindRateLimited    Kind = "rate_limited"
	KindBillingLimit   Kind = "billing_limit"
	KindNoCapacity     Kind = "no_capacity"
	KindNodeUnavailable Kind = "node_unavailable"
	KindNodeLost       Kind = "node_lost"
	KindInternal       Kind = "internal"
	KindNotImplemented Kind = "not_implemented"
	KindTimeout        Kind = "timeout"
	KindTimedOut       Kind = "timed_out"
)

var statusByKind = map[Kind]int{
	KindValidation:        http.StatusBadRequest,
	KindAuthentication:    http.StatusUnauthorized,
	KindForbidden:         http.StatusForbidden,
	KindNotFound:          http.StatusNotFound,
	KindConflict:          http.StatusConflict,
	KindSandboxNotRunning: http.StatusConflict,
	KindQuotaExceeded:     http.StatusTooManyRequests,
	KindRateLimited:       http.StatusTooManyRequests,
	KindBillingLimit:      http.StatusForbidden,
	KindNoCapacity:        http.StatusServiceUnavailable,
	KindNodeUnavailable:   http.StatusServiceUnavailable,
	KindNodeLost:          http.StatusInternalServerError,
	KindInternal:          http.StatusInternalServerError,
	KindNotImplemented:    http.StatusNotImplemented,
	KindTimeout:           http.StatusGatewayTimeout,
	KindTimedOut:          http.StatusGatewayTimeout,
}

// Error is the error type every layer of the control plane should return
// when it wants to influence the HTTP response. Errors of other types are
// folded to KindInternal by the formatter.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int // seconds; 0 means absent
	cause      error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error carrying cause for errors.Is/As chains and logging,
// without leaking cause's message to the client.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithRetryAfter sets the retry hint (seconds) on a copy of e.
func (e *Error) WithRetryAfter(seconds int) *Error {
	c := *e
	c.RetryAfter = seconds
	return &c
}

func (k Kind) Status() int {
	if s, ok := statusByKind[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// envelope is the wire shape of every error response.
type envelope struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id"`
	RetryAfter *int   `json:"retry_after"`
}

// Write formats err as the uniform JSON envelope and writes it to w. Any
// error not of type *Error is folded to KindInternal per the propagation
// policy: validation/authorization errors bubble directly, store/KV/node
// failures not already classified become internal.
func Write(w http.ResponseWriter, requestID string, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = New(KindInternal, "internal error")
	}

	env := envelope{
		Error:     string(apiErr.Kind),
		Message:   apiErr.Message,
		RequestID: requestID,
	}
	if apiErr.RetryAfter > 0 {
		ra := apiErr.RetryAfter
		env.RetryAfter = &ra
		w.Header().Set("Retry-After", strconv.Itoa(ra))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Kind.Status())
	_ = json.NewEncoder(w).Encode(env)
}
