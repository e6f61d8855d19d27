// Package batch runs rows through a language model with bounded
// concurrency, caching, retries and structured-output extraction.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pario-ai/llmbatch/pkg/cache"
	"github.com/pario-ai/llmbatch/pkg/extract"
	"github.com/pario-ai/llmbatch/pkg/llm"
	"github.com/pario-ai/llmbatch/pkg/metrics"
	"github.com/pario-ai/llmbatch/pkg/models"
	"github.com/pario-ai/llmbatch/pkg/retry"
)

// ErrDuplicateIndex is returned when two rows share an index.
var ErrDuplicateIndex = errors.New("duplicate row index")

// Processor processes batches of rows. It is safe to call ProcessBatch
// from one goroutine at a time; collaborators must be safe for
// concurrent use.
type Processor struct {
	exec    *llm.Executor
	opts    Options
	policy  retry.Policy
	tmpl    *Template
	limiter *rate.Limiter

	store   cache.Store
	logger  *zap.Logger
	metrics *metrics.Collector
	budget  BudgetChecker
	usage   UsageRecorder
	runID   string
}

// New validates opts and returns a Processor calling through exec.
func New(exec *llm.Executor, opts Options, options ...Option) (*Processor, error) {
	if exec == nil {
		return nil, fmt.Errorf("%w: executor is required", ErrInvalidConfig)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	tmpl, err := ParseTemplate(opts.PromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	p := &Processor{
		exec: exec,
		opts: opts,
		policy: retry.Policy{
			MaxRetries: opts.MaxRetries,
			BaseDelay:  opts.RetryBaseDelay,
			MaxDelay:   opts.RetryMaxDelay,
			Multiplier: 2,
			Jitter:     opts.Jitter,
		},
		tmpl:   tmpl,
		logger: zap.NewNop(),
	}
	if opts.RequestsPerMinute > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60), 1)
	}
	for _, o := range options {
		o(p)
	}
	return p, nil
}

// task is a row that missed the cache. Only one goroutine owns a task at
// a time, so its fields need no locking.
type task struct {
	pos      int
	row      models.Row
	prompt   string
	fp       string
	attempts int
}

// flusher is implemented by stores that buffer writes in memory.
type flusher interface {
	Flush() error
}

// ProcessBatch returns one Result per row, in input order. Rows
// are rendered and looked up in the cache first; misses are sent to the
// model by at most Concurrency workers. Backoff between attempts never
// holds a worker.
//
// If ctx is cancelled, attempts already in flight finish, rows not yet
// dispatched fail, and ctx.Err() is returned with the full result set.
func (p *Processor) ProcessBatch(ctx context.Context, rows []models.Row) ([]models.Result, error) {
	seen := make(map[int]struct{}, len(rows))
	for _, r := range rows {
		if _, dup := seen[r.Index]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateIndex, r.Index)
		}
		seen[r.Index] = struct{}{}
	}

	start := time.Now()
	results := make([]models.Result, len(rows))
	var misses []*task
	for i, row := range rows {
		results[i] = models.Result{Index: row.Index, ID: row.ID}

		prompt, err := p.tmpl.Render(row)
		if err != nil {
			p.fail(&results[i], err)
			continue
		}
		fp := cache.NamespacedFingerprint(p.opts.CacheNamespace, prompt, p.opts.SystemPrompt)

		if p.store != nil {
			entry, hit := p.store.Lookup(ctx, fp)
			p.metrics.CacheLookup(hit)
			if hit {
				p.fromCache(&results[i], entry)
				continue
			}
		}
		misses = append(misses, &task{pos: i, row: row, prompt: prompt, fp: fp})
	}

	if len(misses) > 0 {
		p.dispatch(ctx, misses, results)
	}

	if f, ok := p.store.(flusher); ok {
		if err := f.Flush(); err != nil {
			p.logger.Warn("cache flush failed", zap.Error(err))
		}
	}

	stats := models.Summarize(results)
	p.logger.Info("batch processed",
		zap.Int("rows", stats.Rows),
		zap.Int("cache_hits", stats.CacheHits),
		zap.Int("api_calls", stats.APICalls),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return results, ctx.Err()
}

func (p *Processor) dispatch(ctx context.Context, misses []*task, results []models.Result) {
	// Sized for every task so re-enqueues from backoff never block.
	queue := make(chan *task, len(misses))
	for _, t := range misses {
		queue <- t
	}

	var pending sync.WaitGroup
	pending.Add(len(misses))

	var g errgroup.Group
	for range min(p.opts.Concurrency, len(misses)) {
		g.Go(func() error {
			for t := range queue {
				if p.attempt(ctx, t, &results[t.pos], queue) {
					pending.Done()
				}
			}
			return nil
		})
	}

	pending.Wait()
	close(queue)
	_ = g.Wait()
}

// attempt makes one call for t and reports whether the row is finished.
// On a retryable failure t is re-enqueued after its backoff.
func (p *Processor) attempt(ctx context.Context, t *task, res *models.Result, queue chan<- *task) bool {
	res.Attempts = t.attempts
	if err := ctx.Err(); err != nil {
		p.fail(res, fmt.Errorf("not dispatched: %w", err))
		return true
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.fail(res, fmt.Errorf("rate limit wait: %w", err))
			return true
		}
	}
	if p.budget != nil {
		if err := p.budget.Check(ctx, p.opts.Model); err != nil {
			p.fail(res, err)
			return true
		}
	}

	t.attempts++
	res.Attempts = t.attempts
	p.metrics.AttemptStarted()
	// In-flight attempts run to completion even if the batch is cancelled.
	out := p.exec.Call(context.WithoutCancel(ctx), llm.Request{Prompt: t.prompt, System: p.opts.SystemPrompt})

	if out.Success() {
		p.metrics.AttemptDone("success", out.Duration)
		p.succeed(ctx, t, res, out.Response)
		return true
	}
	p.metrics.AttemptDone(out.Err.Kind.String(), out.Duration)

	d := p.policy.Decide(t.attempts, out.Err.Kind, out.Err.RetryAfter)
	if !d.Retry {
		p.fail(res, out.Err)
		return true
	}

	p.metrics.Retry()
	p.logger.Debug("retrying row",
		zap.Int("row", t.row.Index),
		zap.Int("attempt", t.attempts),
		zap.String("kind", out.Err.Kind.String()),
		zap.Duration("after", d.After),
	)
	go func() {
		timer := time.NewTimer(d.After)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		queue <- t
	}()
	return false
}

func (p *Processor) succeed(ctx context.Context, t *task, res *models.Result, resp *llm.Response) {
	fields, extractErr := extract.ExtractErr(resp.Text, p.opts.ExpectedFields)

	if p.store != nil {
		if err := p.store.Insert(context.WithoutCancel(ctx), t.fp, resp.Text, fields); err != nil {
			p.logger.Warn("cache write failed",
				zap.String("fingerprint", cache.Short(t.fp)),
				zap.Error(err),
			)
		}
	}

	res.RawResponse = resp.Text
	res.Usage = resp.Usage
	p.metrics.Tokens(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	p.recordUsage(ctx, t, resp.Usage)

	if extractErr != nil {
		p.fail(res, fmt.Errorf("extraction failed: %w", extractErr))
		return
	}
	res.Fields = fields
	res.Success = true
	p.metrics.RowDone(true, false)
}

func (p *Processor) fromCache(res *models.Result, entry *models.CacheEntry) {
	res.FromCache = true
	res.RawResponse = entry.RawResponse

	fields := extract.Project(entry.Fields, p.opts.ExpectedFields)
	if len(fields) == 0 {
		var err error
		if fields, err = extract.ExtractErr(entry.RawResponse, p.opts.ExpectedFields); err != nil {
			p.fail(res, fmt.Errorf("extraction failed: %w", err))
			return
		}
	}
	res.Fields = fields
	res.Success = true
	p.metrics.RowDone(true, true)
}

func (p *Processor) fail(res *models.Result, err error) {
	res.Success = false
	res.Error = err.Error()
	p.metrics.RowDone(false, res.FromCache)
	p.logger.Warn("row failed",
		zap.Int("row", res.Index),
		zap.Int("attempts", res.Attempts),
		zap.Error(err),
	)
}

func (p *Processor) recordUsage(ctx context.Context, t *task, u models.Usage) {
	if p.usage == nil {
		return
	}
	err := p.usage.Record(context.WithoutCancel(ctx), models.UsageRecord{
		RunID:            p.runID,
		Model:            p.opts.Model,
		RowIndex:         t.row.Index,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		Attempts:         t.attempts,
	})
	if err != nil {
		p.logger.Warn("record usage failed", zap.Int("row", t.row.Index), zap.Error(err))
	}
}
