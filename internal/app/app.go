package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saasops/adminservice/internal/admin"
	"github.com/saasops/adminservice/internal/audit"
	"github.com/saasops/adminservice/internal/auth"
	"github.com/saasops/adminservice/internal/billing"
	"github.com/saasops/adminservice/internal/config"
	"github.com/saasops/adminservice/internal/db"
	"github.com/saasops/adminservice/internal/domain"
	"github.com/saasops/adminservice/internal/log"
	"github.com/saasops/adminservice/internal/ratelimit"
	"github.com/saasops/adminservice/internal/reconcile"
	"github.com/saasops/adminservice/internal/refund"
	"github.com/saasops/adminservice/internal/repository/postgres"
	"github.com/saasops/adminservice/internal/server"
	"github.com/saasops/adminservice/internal/subscription"
	"github.com/saasops/adminservice/internal/tracing"
	"github.com/saasops/adminservice/internal/webhook"
)

// App owns the wired service and its background workers.
type App struct {
	cfg        *config.Config
	server     *server.Server
	reconciler *reconcile.Reconciler
	webhooks   *webhook.Processor
	cleanup    []func()
}

// New wires the full service from configuration.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	pool, err := db.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a.cleanup = append(a.cleanup, pool.Close)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.cleanup = append(a.cleanup, func() { _ = redisClient.Close() })

	shutdownTracing, err := tracing.Init(cfg.AppName, cfg.Tracing, log.L(ctx))
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.cleanup = append(a.cleanup, shutdownTracing)

	store, err := postgres.NewStore(pool)
	if err != nil {
		return nil, err
	}
	auditor := audit.NewRecorder(store.Audit())

	gateway, err := newGateway(ctx, cfg.Billing)
	if err != nil {
		return nil, err
	}

	validator, err := auth.NewTokenValidator(cfg.Auth.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("init token validator: %w", err)
	}
	roleCache := admin.NewRoleCache(redisClient)
	gate := auth.NewGate(validator, store.Grants(), roleCache, cfg.Auth.SessionFreshness)

	pricing := subscription.Pricing{
		CentsPerMonth: make(map[domain.SubscriptionTier]int64, len(cfg.Billing.TierPriceCents)),
		PriceIDs:      make(map[domain.SubscriptionTier]string, len(cfg.Billing.PriceIDs)),
		Currency:      "usd",
	}
	for tier, cents := range cfg.Billing.TierPriceCents {
		pricing.CentsPerMonth[domain.SubscriptionTier(tier)] = cents
	}
	for tier, priceID := range cfg.Billing.PriceIDs {
		pricing.PriceIDs[domain.SubscriptionTier(tier)] = priceID
	}

	subEngine := subscription.NewEngine(store.Subscriptions(), store.Transactions(), gateway, auditor, store, pricing)
	refundEngine := refund.NewEngine(store.Transactions(), store.Refunds(), gateway, auditor, store)
	a.webhooks = webhook.NewProcessor(gateway, store.WebhookLedger(), store.Subscriptions(), store.Transactions(), auditor)
	roleManager := admin.NewManager(store.Grants(), roleCache, auditor, store)

	a.server = server.New(cfg.HTTP, server.Deps{
		Gate:             gate,
		Limiter:          ratelimit.NewLimiter(redisClient, cfg.RateLimit),
		Subscriptions:    subEngine,
		SubscriptionRepo: store.Subscriptions(),
		Refunds:          refundEngine,
		Webhooks:         a.webhooks,
		Roles:            roleManager,
		Auditor:          auditor,
		Health:           pool.Ping,
	})

	if cfg.Reconcile.Enabled {
		a.reconciler = reconcile.NewReconciler(store.Transactions(), gateway, auditor, cfg.Reconcile)
	}
	return a, nil
}

func newGateway(ctx context.Context, cfg config.BillingConfig) (billing.Gateway, error) {
	switch cfg.Provider {
	case "stripe":
		return billing.NewStripeGateway(cfg.StripeSecret, cfg.StripeWebhookSecret, cfg.CallTimeout, log.L(ctx))
	default:
		return nil, fmt.Errorf("unknown billing provider %q", cfg.Provider)
	}
}

// Run serves until ctx is cancelled, then drains and releases resources.
func (a *App) Run(ctx context.Context) error {
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	if a.reconciler != nil {
		go a.reconciler.Run(workerCtx)
	}
	go a.sweepStuckWebhooks(workerCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info(ctx, "admin service listening", zap.String("address", a.cfg.HTTP.Address))

	select {
	case err := <-errCh:
		a.close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	err := a.server.Shutdown(shutdownCtx)
	a.close()
	return err
}

// sweepStuckWebhooks periodically retries webhook events that were inserted
// but never applied.
func (a *App) sweepStuckWebhooks(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Reconcile.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := a.webhooks.ReprocessStuck(ctx, a.cfg.Reconcile.PendingAfter, 100); err != nil {
				log.Error(ctx, "stuck webhook sweep failed", zap.Error(err))
			} else if n > 0 {
				log.Info(ctx, "reprocessed stuck webhook events", zap.Int("count", n))
			}
		}
	}
}

func (a *App) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}
