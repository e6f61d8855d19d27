package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// FailureKind classifies a failed call for the retry policy.
type FailureKind int

const (
	// TransportError covers connection-level failures and anything unclassified.
	TransportError FailureKind = iota
	Timeout
	RateLimited
	ServerError
	// ClientError is a request the endpoint rejected. It is never retried.
	ClientError
)

func (k FailureKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case RateLimited:
		return "rate_limited"
	case ServerError:
		return "server_error"
	case ClientError:
		return "client_error"
	default:
		return "transport_error"
	}
}

// CallError is a classified completion failure.
type CallError struct {
	Kind    FailureKind
	Status  int
	Message string
	// RetryAfter is the server-requested wait, if any.
	RetryAfter time.Duration
	Err        error
}

func (e *CallError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *CallError) Unwrap() error { return e.Err }

// StatusKind maps an HTTP status code to a FailureKind.
func StatusKind(status int) FailureKind {
	switch {
	case status == http.StatusTooManyRequests:
		return RateLimited
	case status == http.StatusRequestTimeout:
		return Timeout
	case status >= 500:
		// Includes 529 (overloaded).
		return ServerError
	case status >= 400:
		return ClientError
	default:
		return TransportError
	}
}

// NewStatusError builds a CallError from an HTTP status and message.
func NewStatusError(status int, msg string, header http.Header) *CallError {
	e := &CallError{Kind: StatusKind(status), Status: status, Message: msg}
	if header != nil {
		e.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), time.Now())
	}
	return e
}

// Classify converts any error returned by a Transport into a *CallError.
func Classify(err error) *CallError {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &CallError{Kind: Timeout, Message: "request timed out", Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &CallError{Kind: Timeout, Err: err}
	}
	return &CallError{Kind: TransportError, Err: err}
}

// ParseRetryAfter parses a Retry-After header in either delta-seconds or
// HTTP-date form. It returns 0 when absent or unparseable.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
