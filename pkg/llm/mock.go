package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pario-ai/llmbatch/pkg/models"
)

// MockResponse is a canned reply for MockTransport.
type MockResponse struct {
	Text string
	Err  error
	// Delay is slept before replying, honoring context cancellation.
	Delay time.Duration
}

// MockTransport is a test double. Replies come from Handler when set,
// otherwise from ByPrompt, otherwise Default. It records every request and
// the peak number of concurrent calls.
type MockTransport struct {
	Handler  func(req Request, call int) MockResponse
	ByPrompt map[string]MockResponse
	Default  MockResponse

	mu       sync.Mutex
	calls    []Request
	inFlight atomic.Int64
	peak     atomic.Int64
}

var _ Transport = (*MockTransport)(nil)

// Complete returns the configured reply.
func (m *MockTransport) Complete(ctx context.Context, req Request) (*Response, error) {
	cur := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		p := m.peak.Load()
		if cur <= p || m.peak.CompareAndSwap(p, cur) {
			break
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, req)
	n := len(m.calls)
	m.mu.Unlock()

	var r MockResponse
	switch {
	case m.Handler != nil:
		r = m.Handler(req, n)
	case m.ByPrompt != nil:
		var ok bool
		if r, ok = m.ByPrompt[req.Prompt]; !ok {
			r = m.Default
		}
	default:
		r = m.Default
	}

	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return &Response{
		Text:  r.Text,
		Model: "mock",
		Usage: models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

// Calls returns a copy of all requests received.
func (m *MockTransport) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of requests received.
func (m *MockTransport) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// CallsFor counts requests with the given prompt.
func (m *MockTransport) CallsFor(prompt string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Prompt == prompt {
			n++
		}
	}
	return n
}

// PeakConcurrency returns the highest number of simultaneous calls seen.
func (m *MockTransport) PeakConcurrency() int {
	return int(m.peak.Load())
}
