package llm

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a single attempt when none is configured.
const DefaultTimeout = 30 * time.Second

// Outcome is the result of one attempt. Exactly one of Response and Err is set.
type Outcome struct {
	Response *Response
	Err      *CallError
	Duration time.Duration
}

// Success reports whether the attempt returned a response.
func (o Outcome) Success() bool { return o.Err == nil && o.Response != nil }

// Executor performs single attempts against a Transport with a hard
// per-attempt timeout. It does not retry.
type Executor struct {
	transport Transport
	timeout   time.Duration
	logger    *zap.Logger
}

// NewExecutor returns an Executor. A non-positive timeout uses DefaultTimeout.
func NewExecutor(t Transport, timeout time.Duration, logger *zap.Logger) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{transport: t, timeout: timeout, logger: logger}
}

// Timeout returns the per-attempt timeout.
func (e *Executor) Timeout() time.Duration { return e.timeout }

type callResult struct {
	resp *Response
	err  error
}

// Call makes one attempt. The transport runs under a deadline; if it does
// not return by then the attempt is reported as Timeout and its goroutine
// is abandoned.
func (e *Executor) Call(ctx context.Context, req Request) Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		resp, err := e.transport.Complete(ctx, req)
		done <- callResult{resp: resp, err: err}
	}()

	var res callResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = callResult{err: ctx.Err()}
	}

	out := Outcome{Duration: time.Since(start)}
	switch {
	case res.err != nil:
		out.Err = Classify(res.err)
		if errors.Is(res.err, context.DeadlineExceeded) {
			out.Err = &CallError{Kind: Timeout, Message: "no response within " + e.timeout.String(), Err: res.err}
		}
	case res.resp == nil:
		out.Err = &CallError{Kind: TransportError, Message: "transport returned no response"}
	default:
		out.Response = res.resp
	}
	if out.Err != nil {
		e.logger.Debug("attempt failed",
			zap.Stringer("kind", out.Err.Kind),
			zap.Duration("elapsed", out.Duration),
			zap.Error(out.Err))
	}
	return out
}
