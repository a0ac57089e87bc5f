package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/saasops/adminservice/internal/domain"
)

type subscriptionRepository struct {
	store *Store
}

const subscriptionColumns = `
	id, user_id, tier, status, current_period_start, current_period_end,
	cancel_at_period_end, pending_tier, external_subscription_id,
	external_customer_id, last_event_at, version, created_at, updated_at`

func (r *subscriptionRepository) scanRow(row interface{ Scan(...any) error }) (*domain.Subscription, error) {
	var (
		s           domain.Subscription
		pendingTier *string
	)
	err := row.Scan(
		&s.ID, &s.UserID, &s.Tier, &s.Status,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd, &pendingTier,
		&s.ExternalSubscriptionID, &s.ExternalCustomerID,
		&s.LastEventAt, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if pendingTier != nil {
		t := domain.SubscriptionTier(*pendingTier)
		s.PendingTier = &t
	}
	return &s, nil
}

func (r *subscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	row := r.store.db(ctx).QueryRow(ctx, `
		select `+subscriptionColumns+`
		from subscriptions
		where id = $1
	`, id)
	s, err := r.scanRow(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NewNotFoundError("subscription", id.String())
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return s, nil
}

func (r *subscriptionRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.Subscription, error) {
	row := r.store.db(ctx).QueryRow(ctx, `
		select `+subscriptionColumns+`
		from subscriptions
		where external_subscription_id = $1
	`, externalID)
	s, err := r.scanRow(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NewNotFoundError("subscription", externalID)
		}
		return nil, fmt.Errorf("get subscription by external id: %w", err)
	}
	return s, nil
}

func (r *subscriptionRepository) Create(ctx context.Context, s *domain.Subscription) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	s.Version = 1

	var pendingTier *string
	if s.PendingTier != nil {
		v := string(*s.PendingTier)
		pendingTier = &v
	}

	_, err := r.store.db(ctx).Exec(ctx, `
		insert into subscriptions (
			id, user_id, tier, status, current_period_start, current_period_end,
			cancel_at_period_end, pending_tier, external_subscription_id,
			external_customer_id, last_event_at, version, created_at, updated_at
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, s.ID, s.UserID, s.Tier, s.Status, s.CurrentPeriodStart, s.CurrentPeriodEnd,
		s.CancelAtPeriodEnd, pendingTier, s.ExternalSubscriptionID,
		s.ExternalCustomerID, s.LastEventAt, s.Version, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewConflictError("subscription already exists", s.ExternalSubscriptionID)
		}
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// Update is a compare-and-swap on the version column: zero rows affected
// means another writer won and the caller must re-read.
func (r *subscriptionRepository) Update(ctx context.Context, s *domain.Subscription) error {
	var pendingTier *string
	if s.PendingTier != nil {
		v := string(*s.PendingTier)
		pendingTier = &v
	}
	now := time.Now().UTC()

	tag, err := r.store.db(ctx).Exec(ctx, `
		update subscriptions set
			tier = $1, status = $2,
			current_period_start = $3, current_period_end = $4,
			cancel_at_period_end = $5, pending_tier = $6,
			last_event_at = $7, updated_at = $8,
			version = version + 1
		where id = $9 and version = $10
	`, s.Tier, s.Status, s.CurrentPeriodStart, s.CurrentPeriodEnd,
		s.CancelAtPeriodEnd, pendingTier, s.LastEventAt, now, s.ID, s.Version)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	s.Version++
	s.UpdatedAt = now
	return nil
}
