package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saasops/adminservice/internal/config"
)

func testLimiter(t *testing.T, cfg config.RateLimitConfig) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLimiter(client, cfg), mr
}

func TestAllowEnforcesBudgetPerTier(t *testing.T) {
	lim, _ := testLimiter(t, config.RateLimitConfig{
		Enabled:            true,
		ReadPerMinute:      300,
		ExpensivePerMinute: 60,
		CriticalPerMinute:  3,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := lim.Allow(ctx, "admin-1", TierCritical)
		assert.True(t, d.Allowed, "request %d", i)
	}

	d := lim.Allow(ctx, "admin-1", TierCritical)
	assert.False(t, d.Allowed)
	assert.Positive(t, d.RetryAfter)

	// The critical budget does not bleed into the read tier.
	assert.True(t, lim.Allow(ctx, "admin-1", TierRead).Allowed)
}

func TestAllowIsPerAdmin(t *testing.T) {
	lim, _ := testLimiter(t, config.RateLimitConfig{
		Enabled:           true,
		CriticalPerMinute: 1,
	})
	ctx := context.Background()

	require.True(t, lim.Allow(ctx, "admin-1", TierCritical).Allowed)
	assert.False(t, lim.Allow(ctx, "admin-1", TierCritical).Allowed)
	assert.True(t, lim.Allow(ctx, "admin-2", TierCritical).Allowed)
}

func TestAllowResetsAfterWindow(t *testing.T) {
	lim, mr := testLimiter(t, config.RateLimitConfig{
		Enabled:           true,
		CriticalPerMinute: 1,
	})
	ctx := context.Background()

	require.True(t, lim.Allow(ctx, "admin-1", TierCritical).Allowed)
	require.False(t, lim.Allow(ctx, "admin-1", TierCritical).Allowed)

	mr.FastForward(window + window)
	assert.True(t, lim.Allow(ctx, "admin-1", TierCritical).Allowed)
}

func TestAllowDisabledPassesEverything(t *testing.T) {
	lim, _ := testLimiter(t, config.RateLimitConfig{Enabled: false, CriticalPerMinute: 1})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.True(t, lim.Allow(ctx, "admin-1", TierCritical).Allowed)
	}
}

func TestAllowFallsBackLocallyWhenRedisDown(t *testing.T) {
	lim, mr := testLimiter(t, config.RateLimitConfig{
		Enabled:           true,
		CriticalPerMinute: 2,
	})
	mr.Close()
	ctx := context.Background()

	// The local fallback still enforces the budget.
	assert.True(t, lim.Allow(ctx, "admin-1", TierCritical).Allowed)
	assert.True(t, lim.Allow(ctx, "admin-1", TierCritical).Allowed)
	assert.False(t, lim.Allow(ctx, "admin-1", TierCritical).Allowed)
}
