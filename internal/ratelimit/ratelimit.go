package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/saasops/adminservice/internal/config"
	"github.com/saasops/adminservice/internal/log"
	"github.com/saasops/adminservice/internal/metrics"
)

// Tier classifies operations by cost for per-admin budgeting.
type Tier string

const (
	TierRead      Tier = "read"
	TierExpensive Tier = "expensive"
	TierCritical  Tier = "critical"
)

const window = time.Minute

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed bool
	// RetryAfter is how long the caller should wait before retrying; zero
	// when allowed.
	RetryAfter time.Duration
}

// Limiter enforces per-admin, per-tier request budgets over fixed one-minute
// windows in Redis so the budget holds across instances. When Redis is
// unreachable it falls back to a local in-process limiter rather than
// letting traffic through unmetered.
type Limiter struct {
	client  *redis.Client
	enabled bool
	budgets map[Tier]int

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// NewLimiter creates a limiter from the rate limit configuration.
func NewLimiter(client *redis.Client, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		client:  client,
		enabled: cfg.Enabled,
		budgets: map[Tier]int{
			TierRead:      cfg.ReadPerMinute,
			TierExpensive: cfg.ExpensivePerMinute,
			TierCritical:  cfg.CriticalPerMinute,
		},
		local: make(map[string]*rate.Limiter),
	}
}

// Allow checks and consumes one unit of the admin's budget for the tier.
func (l *Limiter) Allow(ctx context.Context, adminID string, tier Tier) Decision {
	if !l.enabled {
		return Decision{Allowed: true}
	}
	budget, ok := l.budgets[tier]
	if !ok || budget <= 0 {
		return Decision{Allowed: true}
	}

	d, err := l.allowRedis(ctx, adminID, tier, budget)
	if err != nil {
		log.Warn(ctx, "rate limit check falling back to local limiter",
			zap.Error(err),
			zap.String("admin_id", adminID),
			zap.String("tier", string(tier)))
		d = l.allowLocal(adminID, tier, budget)
	}
	if !d.Allowed {
		metrics.RateLimitRejections.WithLabelValues(string(tier)).Inc()
	}
	return d
}

func (l *Limiter) allowRedis(ctx context.Context, adminID string, tier Tier, budget int) (Decision, error) {
	now := time.Now()
	key := fmt.Sprintf("ratelimit:%s:%s:%d", adminID, tier, now.Unix()/int64(window.Seconds()))

	pipe := l.client.TxPipeline()
	count := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, err
	}

	if count.Val() > int64(budget) {
		next := now.Truncate(window).Add(window)
		return Decision{RetryAfter: time.Until(next)}, nil
	}
	return Decision{Allowed: true}, nil
}

func (l *Limiter) allowLocal(adminID string, tier Tier, budget int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := fmt.Sprintf("%s:%s", adminID, tier)
	lim, ok := l.local[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(budget)/window.Seconds()), budget)
		l.local[key] = lim
	}
	if lim.Allow() {
		return Decision{Allowed: true}
	}
	return Decision{RetryAfter: time.Second}
}
