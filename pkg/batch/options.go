package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/llmbatch/pkg/cache"
	"github.com/pario-ai/llmbatch/pkg/metrics"
	"github.com/pario-ai/llmbatch/pkg/models"
)

// ErrInvalidConfig is returned by New for unusable options. It is raised
// before any row is processed.
var ErrInvalidConfig = errors.New("invalid batch configuration")

// Options configures a Processor.
type Options struct {
	// Concurrency is the maximum number of attempts in flight.
	Concurrency int
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Jitter         bool

	// Model names the model for usage records and budget checks.
	Model          string
	SystemPrompt   string
	PromptTemplate string
	ExpectedFields []string
	// CacheNamespace is mixed into fingerprints; see cache.NamespacedFingerprint.
	CacheNamespace string
	// RequestsPerMinute throttles attempts when positive.
	RequestsPerMinute int
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Concurrency:    10,
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  30 * time.Second,
		Jitter:         true,
	}
}

func (o Options) validate() error {
	var errs []error
	if o.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("concurrency must be positive, got %d", o.Concurrency))
	}
	if o.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", o.MaxRetries))
	}
	if o.RetryBaseDelay < 0 || o.RetryMaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if o.RequestsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("requests per minute must not be negative, got %d", o.RequestsPerMinute))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// BudgetChecker gates each attempt. budget.Enforcer satisfies it.
type BudgetChecker interface {
	Check(ctx context.Context, model string) error
}

// UsageRecorder receives token usage for each successful row.
// tracker.Tracker satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec models.UsageRecord) error
}

// Option configures optional Processor collaborators.
type Option func(*Processor)

// WithCache enables caching through store. A nil store disables caching.
func WithCache(store cache.Store) Option {
	return func(p *Processor) { p.store = store }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records metrics into c.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Processor) { p.metrics = c }
}

// WithBudget checks b before every attempt.
func WithBudget(b BudgetChecker) Option {
	return func(p *Processor) { p.budget = b }
}

// WithUsage records token usage of successful rows under runID.
func WithUsage(u UsageRecorder, runID string) Option {
	return func(p *Processor) {
		p.usage = u
		p.runID = runID
	}
}
