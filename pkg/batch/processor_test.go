package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/pario-ai/llmbatch/pkg/budget"
	"github.com/pario-ai/llmbatch/pkg/cache/jsonfile"
	"github.com/pario-ai/llmbatch/pkg/llm"
	"github.com/pario-ai/llmbatch/pkg/models"
)

func testOptions() Options {
	return Options{
		Concurrency:    4,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		Model:          "mock",
		ExpectedFields: []string{"echo"},
	}
}

func newProcessor(t testing.TB, tr llm.Transport, opts Options, options ...Option) *Processor {
	t.Helper()
	p, err := New(llm.NewExecutor(tr, time.Second, nil), opts, options...)
	require.NoError(t, err)
	return p
}

func echo(req llm.Request, _ int) llm.MockResponse {
	return llm.MockResponse{Text: fmt.Sprintf(`{"echo": %q}`, req.Prompt)}
}

func textRows(texts ...string) []models.Row {
	rows := make([]models.Row, len(texts))
	for i, s := range texts {
		rows[i] = models.Row{Index: i, Text: s}
	}
	return rows
}

func TestNew_InvalidConfig(t *testing.T) {
	exec := llm.NewExecutor(&llm.MockTransport{}, time.Second, nil)

	tests := []struct {
		name string
		exec *llm.Executor
		opts func(*Options)
	}{
		{"zero concurrency", exec, func(o *Options) { o.Concurrency = 0 }},
		{"negative retries", exec, func(o *Options) { o.MaxRetries = -1 }},
		{"negative delay", exec, func(o *Options) { o.RetryBaseDelay = -time.Second }},
		{"negative rate", exec, func(o *Options) { o.RequestsPerMinute = -5 }},
		{"bad template", exec, func(o *Options) { o.PromptTemplate = "{{.Text" }},
		{"no executor", nil, func(o *Options) {}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions()
			tc.opts(&opts)
			_, err := New(tc.exec, opts)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestDefaultOptionsValid(t *testing.T) {
	assert.NoError(t, DefaultOptions().validate())
}

func TestProcessBatch_PreservesOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 25).Draw(rt, "rows")
		concurrency := rapid.IntRange(1, 8).Draw(rt, "concurrency")
		// Indexes need not be contiguous or sorted.
		perm := rapid.Permutation(rapidRange(n*2)).Draw(rt, "indexes")[:n]

		rows := make([]models.Row, n)
		for i, idx := range perm {
			rows[i] = models.Row{Index: idx, Text: fmt.Sprintf("row-%d", idx)}
		}

		mock := &llm.MockTransport{Handler: func(req llm.Request, call int) llm.MockResponse {
			r := echo(req, call)
			r.Delay = time.Duration(call%3) * time.Millisecond
			return r
		}}
		opts := testOptions()
		opts.Concurrency = concurrency
		p, err := New(llm.NewExecutor(mock, time.Second, nil), opts)
		if err != nil {
			rt.Fatal(err)
		}

		results, err := p.ProcessBatch(context.Background(), rows)
		if err != nil {
			rt.Fatal(err)
		}
		if len(results) != n {
			rt.Fatalf("got %d results for %d rows", len(results), n)
		}
		for i, r := range results {
			if r.Index != rows[i].Index {
				rt.Fatalf("result %d has index %d, want %d", i, r.Index, rows[i].Index)
			}
			if !r.Success || r.Fields["echo"] != rows[i].Text {
				rt.Fatalf("result %d mismatched: %+v", i, r)
			}
		}
	})
}

func rapidRange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestProcessBatch_ConcurrencyBound(t *testing.T) {
	mock := &llm.MockTransport{Handler: func(req llm.Request, call int) llm.MockResponse {
		r := echo(req, call)
		r.Delay = 10 * time.Millisecond
		return r
	}}
	opts := testOptions()
	opts.Concurrency = 3
	p := newProcessor(t, mock, opts)

	texts := make([]string, 20)
	for i := range texts {
		texts[i] = fmt.Sprintf("t%d", i)
	}
	results, err := p.ProcessBatch(context.Background(), textRows(texts...))
	require.NoError(t, err)
	assert.Len(t, results, 20)
	assert.Equal(t, 20, mock.CallCount())
	assert.LessOrEqual(t, mock.PeakConcurrency(), 3)
}

func TestProcessBatch_RetryExhaustion(t *testing.T) {
	mock := &llm.MockTransport{Default: llm.MockResponse{
		Err: &llm.CallError{Kind: llm.ServerError, Status: 503, Message: "overloaded"},
	}}
	opts := testOptions()
	opts.MaxRetries = 2
	p := newProcessor(t, mock, opts)

	results, err := p.ProcessBatch(context.Background(), textRows("x"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, 3, mock.CallCount())
	assert.Contains(t, results[0].Error, "overloaded")
}

func TestProcessBatch_ClientErrorNotRetried(t *testing.T) {
	mock := &llm.MockTransport{Default: llm.MockResponse{
		Err: &llm.CallError{Kind: llm.ClientError, Status: 400, Message: "bad request"},
	}}
	p := newProcessor(t, mock, testOptions())

	results, err := p.ProcessBatch(context.Background(), textRows("x"))
	require.NoError(t, err)
	assert.False(t, results[0].Success)
	assert.Equal(t, 1, results[0].Attempts)
	assert.Equal(t, 1, mock.CallCount())
}

func TestProcessBatch_RetryThenSucceed(t *testing.T) {
	mock := &llm.MockTransport{Handler: func(req llm.Request, call int) llm.MockResponse {
		if call == 1 {
			return llm.MockResponse{Err: &llm.CallError{Kind: llm.RateLimited, Status: 429, RetryAfter: 2 * time.Millisecond}}
		}
		return echo(req, call)
	}}
	p := newProcessor(t, mock, testOptions())

	results, err := p.ProcessBatch(context.Background(), textRows("x"))
	require.NoError(t, err)
	assert.True(t, results[0].Success)
	assert.Equal(t, 2, results[0].Attempts)
	assert.Equal(t, 15, results[0].Usage.TotalTokens)
}

func TestProcessBatch_BackoffReleasesWorker(t *testing.T) {
	mock := &llm.MockTransport{Handler: func(req llm.Request, call int) llm.MockResponse {
		if call == 1 {
			return llm.MockResponse{Err: &llm.CallError{Kind: llm.ServerError, Status: 503, Message: "overloaded"}}
		}
		return echo(req, call)
	}}
	opts := testOptions()
	opts.Concurrency = 1
	opts.RetryBaseDelay = 300 * time.Millisecond
	opts.RetryMaxDelay = 300 * time.Millisecond
	p := newProcessor(t, mock, opts)

	results, err := p.ProcessBatch(context.Background(), textRows("a", "b"))
	require.NoError(t, err)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)

	var order []string
	for _, c := range mock.Calls() {
		order = append(order, c.Prompt)
	}
	// The only worker serves "b" while "a" waits out its backoff.
	assert.Equal(t, []string{"a", "b", "a"}, order)
}

func TestProcessBatch_TimeoutIsRetried(t *testing.T) {
	mock := &llm.MockTransport{Handler: func(req llm.Request, call int) llm.MockResponse {
		if call == 1 {
			return llm.MockResponse{Delay: time.Second}
		}
		return echo(req, call)
	}}
	p, err := New(llm.NewExecutor(mock, 20*time.Millisecond, nil), testOptions())
	require.NoError(t, err)

	results, err := p.ProcessBatch(context.Background(), textRows("slow"))
	require.NoError(t, err)
	assert.True(t, results[0].Success)
	assert.Equal(t, 2, results[0].Attempts)
}

func TestProcessBatch_ExtractionFailureKeepsRaw(t *testing.T) {
	mock := &llm.MockTransport{Default: llm.MockResponse{Text: "no json here"}}
	p := newProcessor(t, mock, testOptions())

	results, err := p.ProcessBatch(context.Background(), textRows("x"))
	require.NoError(t, err)
	assert.False(t, results[0].Success)
	assert.Equal(t, "no json here", results[0].RawResponse)
	assert.Contains(t, results[0].Error, "extraction failed")
	assert.Equal(t, 1, mock.CallCount(), "extraction failures are not retried")
}

func TestProcessBatch_FencedResponse(t *testing.T) {
	mock := &llm.MockTransport{Default: llm.MockResponse{Text: "Sure! ```json\n{\"sentiment\": \"positive\"}\n```"}}
	opts := testOptions()
	opts.ExpectedFields = []string{"sentiment"}
	p := newProcessor(t, mock, opts)

	results, err := p.ProcessBatch(context.Background(), textRows("x"))
	require.NoError(t, err)
	assert.True(t, results[0].Success)
	assert.Equal(t, map[string]any{"sentiment": "positive"}, results[0].Fields)
}

func TestProcessBatch_CacheAcrossRuns(t *testing.T) {
	store := jsonfile.Open(filepath.Join(t.TempDir(), "cache.json"), 0, jsonfile.WithFlushEvery(0))
	t.Cleanup(func() { _ = store.Close() })

	mock := &llm.MockTransport{Handler: echo}
	p := newProcessor(t, mock, testOptions(), WithCache(store))
	rows := textRows("alpha", "beta", "gamma")

	first, err := p.ProcessBatch(context.Background(), rows)
	require.NoError(t, err)
	require.Equal(t, 3, mock.CallCount())

	second, err := p.ProcessBatch(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, 3, mock.CallCount(), "second run must be served from cache")
	for i := range rows {
		assert.False(t, first[i].FromCache)
		assert.True(t, second[i].FromCache)
		assert.Equal(t, 0, second[i].Attempts)
		assert.Equal(t, first[i].Fields, second[i].Fields)
		assert.Equal(t, first[i].RawResponse, second[i].RawResponse)
	}
}

func TestProcessBatch_CachedExtractionFailure(t *testing.T) {
	store := jsonfile.Open(filepath.Join(t.TempDir(), "cache.json"), 0, jsonfile.WithFlushEvery(0))
	t.Cleanup(func() { _ = store.Close() })

	mock := &llm.MockTransport{Default: llm.MockResponse{Text: "no json here"}}
	p := newProcessor(t, mock, testOptions(), WithCache(store))

	_, err := p.ProcessBatch(context.Background(), textRows("x"))
	require.NoError(t, err)
	results, err := p.ProcessBatch(context.Background(), textRows("x"))
	require.NoError(t, err)

	assert.Equal(t, 1, mock.CallCount())
	assert.True(t, results[0].FromCache)
	assert.False(t, results[0].Success)
	assert.Equal(t, "no json here", results[0].RawResponse)
}

func TestProcessBatch_NamespaceSeparatesCache(t *testing.T) {
	store := jsonfile.Open(filepath.Join(t.TempDir(), "cache.json"), 0, jsonfile.WithFlushEvery(0))
	t.Cleanup(func() { _ = store.Close() })
	mock := &llm.MockTransport{Handler: echo}

	a := testOptions()
	a.CacheNamespace = "v1"
	b := testOptions()
	b.CacheNamespace = "v2"

	_, err := newProcessor(t, mock, a, WithCache(store)).ProcessBatch(context.Background(), textRows("x"))
	require.NoError(t, err)
	results, err := newProcessor(t, mock, b, WithCache(store)).ProcessBatch(context.Background(), textRows("x"))
	require.NoError(t, err)

	assert.False(t, results[0].FromCache)
	assert.Equal(t, 2, mock.CallCount())
}

func TestProcessBatch_DuplicateTexts(t *testing.T) {
	store := jsonfile.Open(filepath.Join(t.TempDir(), "cache.json"), 0, jsonfile.WithFlushEvery(0))
	t.Cleanup(func() { _ = store.Close() })

	mock := &llm.MockTransport{Handler: echo}
	opts := testOptions()
	opts.Concurrency = 2
	p := newProcessor(t, mock, opts, WithCache(store))

	results, err := p.ProcessBatch(context.Background(), textRows("same", "b", "same", "c", "d"))
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, r := range results {
		assert.True(t, r.Success, "row %d: %s", r.Index, r.Error)
	}
	assert.Equal(t, results[0].Fields, results[2].Fields)
}

func TestProcessBatch_Template(t *testing.T) {
	mock := &llm.MockTransport{Handler: echo}
	opts := testOptions()
	opts.PromptTemplate = "[{{.Columns.lang}}] {{.Text}}"
	p := newProcessor(t, mock, opts)

	rows := []models.Row{
		{Index: 0, Text: "hola", Columns: map[string]string{"lang": "es"}},
		{Index: 1, Text: "hello"},
	}
	results, err := p.ProcessBatch(context.Background(), rows)
	require.NoError(t, err)

	assert.True(t, results[0].Success)
	assert.Equal(t, "[es] hola", results[0].Fields["echo"])
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "render prompt")
	assert.Equal(t, 1, mock.CallCount())
}

func TestProcessBatch_SystemPromptSent(t *testing.T) {
	mock := &llm.MockTransport{Handler: echo}
	opts := testOptions()
	opts.SystemPrompt = "You are a classifier."
	p := newProcessor(t, mock, opts)

	_, err := p.ProcessBatch(context.Background(), textRows("x"))
	require.NoError(t, err)
	require.Len(t, mock.Calls(), 1)
	assert.Equal(t, "You are a classifier.", mock.Calls()[0].System)
}

func TestProcessBatch_DuplicateIndex(t *testing.T) {
	p := newProcessor(t, &llm.MockTransport{Handler: echo}, testOptions())
	_, err := p.ProcessBatch(context.Background(), []models.Row{{Index: 1}, {Index: 1}})
	assert.True(t, errors.Is(err, ErrDuplicateIndex))
}

func TestProcessBatch_Cancelled(t *testing.T) {
	mock := &llm.MockTransport{Handler: func(req llm.Request, call int) llm.MockResponse {
		r := echo(req, call)
		r.Delay = 50 * time.Millisecond
		return r
	}}
	opts := testOptions()
	opts.Concurrency = 1
	p := newProcessor(t, mock, opts)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	results, err := p.ProcessBatch(ctx, textRows("a", "b", "c", "d"))
	assert.True(t, errors.Is(err, context.Canceled))
	require.Len(t, results, 4)
	assert.True(t, results[0].Success, "in-flight attempt completes")
	for _, r := range results[1:] {
		assert.False(t, r.Success)
		assert.Contains(t, r.Error, "not dispatched")
	}
	assert.Equal(t, 1, mock.CallCount())
}

type fixedUsage int64

func (u fixedUsage) TotalByModel(context.Context, string, time.Time) (int64, error) {
	return int64(u), nil
}

func TestProcessBatch_BudgetExceeded(t *testing.T) {
	mock := &llm.MockTransport{Handler: echo}
	enf := budget.New([]models.BudgetPolicy{{Model: "*", MaxTokens: 100, Period: models.BudgetDaily}}, fixedUsage(100))
	p := newProcessor(t, mock, testOptions(), WithBudget(enf))

	results, err := p.ProcessBatch(context.Background(), textRows("a", "b"))
	require.NoError(t, err)
	for _, r := range results {
		assert.False(t, r.Success)
		assert.Contains(t, r.Error, budget.ErrBudgetExceeded.Error())
		assert.Equal(t, 0, r.Attempts)
	}
	assert.Zero(t, mock.CallCount())
}

type usageLog struct {
	mu      sync.Mutex
	records []models.UsageRecord
}

func (u *usageLog) Record(_ context.Context, rec models.UsageRecord) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.records = append(u.records, rec)
	return nil
}

func TestProcessBatch_RecordsUsage(t *testing.T) {
	log := &usageLog{}
	p := newProcessor(t, &llm.MockTransport{Handler: echo}, testOptions(), WithUsage(log, "run-1"))

	_, err := p.ProcessBatch(context.Background(), textRows("a", "b", "c"))
	require.NoError(t, err)

	require.Len(t, log.records, 3)
	for _, rec := range log.records {
		assert.Equal(t, "run-1", rec.RunID)
		assert.Equal(t, "mock", rec.Model)
		assert.Equal(t, 15, rec.TotalTokens)
		assert.Equal(t, 1, rec.Attempts)
	}
}

func TestProcessBatch_RateLimited(t *testing.T) {
	mock := &llm.MockTransport{Handler: echo}
	opts := testOptions()
	opts.RequestsPerMinute = 60 * 200
	p := newProcessor(t, mock, opts)

	start := time.Now()
	results, err := p.ProcessBatch(context.Background(), textRows("a", "b", "c", "d", "e"))
	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, r.Success)
	}
	// Burst of one, then 5ms per request.
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestProcessBatch_Empty(t *testing.T) {
	p := newProcessor(t, &llm.MockTransport{}, testOptions())
	results, err := p.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestTemplate_Render(t *testing.T) {
	tmpl, err := ParseTemplate("")
	require.NoError(t, err)
	out, err := tmpl.Render(models.Row{Text: "plain"})
	require.NoError(t, err)
	assert.Equal(t, "plain", out)

	tmpl, err = ParseTemplate(`Classify #{{.Index}} ({{.ID}}): {{.Text}}`)
	require.NoError(t, err)
	out, err = tmpl.Render(models.Row{Index: 3, ID: "r3", Text: "good"})
	require.NoError(t, err)
	assert.Equal(t, "Classify #3 (r3): good", out)

	tmpl, err = ParseTemplate("{{.Nope}}")
	require.NoError(t, err)
	_, err = tmpl.Render(models.Row{})
	assert.True(t, err != nil && strings.Contains(err.Error(), "row 0"))
}
