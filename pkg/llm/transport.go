// Package llm holds the remote completion boundary: the Transport interface,
// failure classification and the timeout-enforcing Executor.
package llm

import (
	"context"

	"github.com/pario-ai/llmbatch/pkg/models"
)

// Request is a single completion request.
type Request struct {
	Prompt string
	// System is the system instruction; empty means none.
	System string
}

// Response is a successful completion.
type Response struct {
	Text  string
	Model string
	Usage models.Usage
}

// Transport performs one completion call. Implementations do not retry;
// errors should be *CallError where the failure kind is known.
type Transport interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req Request) (*Response, error)

// Complete calls f.
func (f TransportFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
