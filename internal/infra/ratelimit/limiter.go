package ratelimit

import (
	"context"
	"errors"
	"time"

	"evidenceledger/internal/config"
	"evidenceledger/internal/domain"
)

// Budget is the number of requests one caller of a class may make per window.
// A non-positive Limit leaves the class unlimited.
type Budget struct {
	Limit  int
	Window time.Duration
}

// Counter counts hits on a key inside a fixed window that starts with the
// first hit.
type Counter interface {
	Hit(ctx context.Context, key string, window time.Duration) (hits int64, resetAt time.Time, err error)
}

// Limiter admits requests against per-class budgets. Every class keeps its
// own windows, so a burst of reads never spends an actor's append budget.
type Limiter struct {
	counter Counter
	budgets map[domain.RequestClass]Budget
}

func NewLimiter(counter Counter, budgets map[domain.RequestClass]Budget) (*Limiter, error) {
	if counter == nil {
		return nil, errors.New("rate limit counter is required")
	}
	copied := make(map[domain.RequestClass]Budget, len(budgets))
	for class, b := range budgets {
		copied[class] = b
	}
	return &Limiter{counter: counter, budgets: copied}, nil
}

// BudgetsFromConfig maps RATE_LIMIT_* settings onto the request classes.
// Reads use the shared budget; appends and admin calls fall back to it unless
// set on their own.
func BudgetsFromConfig(cfg config.Config) map[domain.RequestClass]Budget {
	window := cfg.RateLimitWindow()
	return map[domain.RequestClass]Budget{
		domain.RequestClassRead:   {Limit: cfg.RateLimitRequests, Window: window},
		domain.RequestClassAppend: {Limit: cfg.RateLimitAppendRequests, Window: window},
		domain.RequestClassAdmin:  {Limit: cfg.RateLimitAdminRequests, Window: window},
	}
}

func (l *Limiter) Allow(ctx context.Context, class domain.RequestClass, caller string) (domain.RateLimitDecision, error) {
	budget := l.budgets[class]
	if budget.Limit <= 0 {
		return domain.RateLimitDecision{Allowed: true}, nil
	}
	window := budget.Window
	if window <= 0 {
		window = time.Second
	}
	hits, resetAt, err := l.counter.Hit(ctx, string(class)+":"+caller, window)
	if err != nil {
		return domain.RateLimitDecision{}, err
	}
	remaining := budget.Limit - int(hits)
	if remaining < 0 {
		remaining = 0
	}
	return domain.RateLimitDecision{
		Allowed:   hits <= int64(budget.Limit),
		Limit:     budget.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}
