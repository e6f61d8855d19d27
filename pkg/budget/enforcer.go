package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/llmbatch/pkg/models"
)

// ErrBudgetExceeded is returned when a request would exceed the budget.
var ErrBudgetExceeded = errors.New("token budget exceeded")

// UsageSource reports token usage. tracker.Tracker satisfies it.
type UsageSource interface {
	TotalByModel(ctx context.Context, model string, since time.Time) (int64, error)
}

// Enforcer checks token usage against budget policies.
type Enforcer struct {
	policies []models.BudgetPolicy
	usage    UsageSource
	now      func() time.Time
}

// New creates an Enforcer with the given policies and usage source.
func New(policies []models.BudgetPolicy, usage UsageSource) *Enforcer {
	return &Enforcer{policies: policies, usage: usage, now: time.Now}
}

// Check returns ErrBudgetExceeded if any policy applying to model is used up.
func (e *Enforcer) Check(ctx context.Context, model string) error {
	for _, p := range e.policies {
		if !matches(p, model) {
			continue
		}
		used, err := e.usage.TotalByModel(ctx, p.Model, periodStart(p.Period, e.now()))
		if err != nil {
			return fmt.Errorf("budget check: %w", err)
		}
		if used >= p.MaxTokens {
			return fmt.Errorf("%w: %d of %d tokens used this %s period",
				ErrBudgetExceeded, used, p.MaxTokens, periodName(p.Period))
		}
	}
	return nil
}

// Status returns usage against every policy.
func (e *Enforcer) Status(ctx context.Context) ([]models.BudgetStatus, error) {
	statuses := make([]models.BudgetStatus, 0, len(e.policies))
	for _, p := range e.policies {
		used, err := e.usage.TotalByModel(ctx, p.Model, periodStart(p.Period, e.now()))
		if err != nil {
			return nil, fmt.Errorf("budget status: %w", err)
		}
		remaining := p.MaxTokens - used
		if remaining < 0 {
			remaining = 0
		}
		statuses = append(statuses, models.BudgetStatus{
			Policy:    p,
			Used:      used,
			Remaining: remaining,
		})
	}
	return statuses, nil
}

func matches(p models.BudgetPolicy, model string) bool {
	return p.Model == "" || p.Model == "*" || p.Model == model
}

func periodName(p models.BudgetPeriod) string {
	if p == models.BudgetMonthly {
		return "monthly"
	}
	return "daily"
}

func periodStart(period models.BudgetPeriod, now time.Time) time.Time {
	now = now.UTC()
	switch period {
	case models.BudgetMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // daily
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}
