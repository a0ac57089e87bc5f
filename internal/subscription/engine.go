package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saasops/adminservice/internal/admin"
	"github.com/saasops/adminservice/internal/audit"
	"github.com/saasops/adminservice/internal/billing"
	"github.com/saasops/adminservice/internal/domain"
	"github.com/saasops/adminservice/internal/log"
	"github.com/saasops/adminservice/internal/metrics"
	"github.com/saasops/adminservice/internal/repository"
)

// Effective controls when a downgrade takes effect.
type Effective string

const (
	EffectiveImmediate   Effective = "immediate"
	EffectiveEndOfPeriod Effective = "end_of_period"
)

// Pricing maps tiers to monthly prices (integer cents) and gateway price
// ids.
type Pricing struct {
	CentsPerMonth map[domain.SubscriptionTier]int64
	PriceIDs      map[domain.SubscriptionTier]string
	Currency      string
}

// Engine owns admin-initiated subscription transitions. Gateway-initiated
// transitions belong to the webhook processor; both serialize through the
// repository's version check so neither can apply a stale read.
type Engine struct {
	subs    repository.SubscriptionRepository
	txns    repository.TransactionRepository
	gateway billing.Gateway
	auditor *audit.Recorder
	uow     repository.UnitOfWork
	pricing Pricing
	now     func() time.Time
}

// NewEngine creates a subscription engine.
func NewEngine(subs repository.SubscriptionRepository, txns repository.TransactionRepository, gateway billing.Gateway, auditor *audit.Recorder, uow repository.UnitOfWork, pricing Pricing) *Engine {
	return &Engine{
		subs:    subs,
		txns:    txns,
		gateway: gateway,
		auditor: auditor,
		uow:     uow,
		pricing: pricing,
		now:     time.Now,
	}
}

// ProratedCharge computes the partial-period charge for a price difference,
// in integer cents, rounding half up. daysInPeriod must be positive.
func ProratedCharge(priceDiffCents int64, daysRemaining, daysInPeriod int) int64 {
	if priceDiffCents <= 0 || daysRemaining <= 0 || daysInPeriod <= 0 {
		return 0
	}
	if daysRemaining > daysInPeriod {
		daysRemaining = daysInPeriod
	}
	return (priceDiffCents*int64(daysRemaining) + int64(daysInPeriod)/2) / int64(daysInPeriod)
}

// periodDays returns (remaining, total) whole days of the current period,
// counting partial days as full ones.
func (e *Engine) periodDays(s *domain.Subscription) (int, int) {
	total := int(s.CurrentPeriodEnd.Sub(s.CurrentPeriodStart).Hours() / 24)
	if total <= 0 {
		total = 1
	}
	remaining := int(s.CurrentPeriodEnd.Sub(e.now()).Hours()/24) + 1
	if remaining < 0 {
		remaining = 0
	}
	if remaining > total {
		remaining = total
	}
	return remaining, total
}

// Upgrade moves the subscription to a higher tier, charging the prorated
// price difference for the remainder of the period. On any gateway failure
// the subscription is left unchanged and the error is surfaced.
func (e *Engine) Upgrade(ctx context.Context, p admin.Principal, subscriptionID uuid.UUID, newTier domain.SubscriptionTier) (*domain.Subscription, error) {
	if !domain.ValidTier(newTier) {
		return nil, domain.NewValidationError("unknown tier", string(newTier))
	}

	sub, err := e.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != domain.SubscriptionStatusActive && sub.Status != domain.SubscriptionStatusTrialing {
		return nil, domain.NewValidationError("subscription is not active",
			fmt.Sprintf("status: %s", sub.Status))
	}

	priceDiff := e.pricing.CentsPerMonth[newTier] - e.pricing.CentsPerMonth[sub.Tier]
	if priceDiff <= 0 {
		return nil, domain.NewValidationError("new tier is not an upgrade",
			fmt.Sprintf("%s -> %s", sub.Tier, newTier))
	}

	remaining, total := e.periodDays(sub)
	charge := ProratedCharge(priceDiff, remaining, total)

	var txn *domain.PaymentTransaction
	if charge > 0 {
		txn, err = e.chargeProration(ctx, sub, newTier, charge)
		if err != nil {
			return nil, err
		}
	}

	if _, err := e.gateway.UpdateSubscription(ctx, sub.ExternalSubscriptionID, e.pricing.PriceIDs[newTier]); err != nil {
		metrics.GatewayCallsTotal.WithLabelValues("update_subscription", "error").Inc()
		if txn != nil {
			// The proration was already charged. Leave a trail so operators
			// can find and refund it without waiting for reconciliation.
			e.recordUnappliedCharge(ctx, p, sub, txn, newTier)
		}
		return nil, err
	}
	metrics.GatewayCallsTotal.WithLabelValues("update_subscription", "ok").Inc()

	oldTier := sub.Tier
	sub.Tier = newTier
	sub.PendingTier = nil

	details := map[string]any{
		"old_tier":              string(oldTier),
		"new_tier":              string(newTier),
		"prorated_charge_cents": charge,
	}
	if txn != nil {
		details["transaction_id"] = txn.ID.String()
	}
	err = e.uow.Within(ctx, func(ctx context.Context) error {
		if err := e.subs.Update(ctx, sub); err != nil {
			return err
		}
		return e.auditor.Record(ctx, audit.Entry{
			AdminID:        p.UserID,
			Roles:          p.RoleNames(),
			Action:         "subscription.upgrade",
			ResourceType:   "subscription",
			ResourceID:     sub.ID.String(),
			AffectedUserID: sub.UserID,
			Details:        details,
			IP:             p.IP,
			UserAgent:      p.UserAgent,
		})
	})
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return nil, domain.NewConflictError("subscription was modified concurrently", subscriptionID.String())
		}
		return nil, err
	}

	metrics.SubscriptionChangesTotal.WithLabelValues("upgrade").Inc()
	log.Info(ctx, "subscription upgraded",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("old_tier", string(oldTier)),
		zap.String("new_tier", string(newTier)),
		zap.Int64("prorated_charge_cents", charge))
	return sub, nil
}

// chargeProration records the charge attempt and calls the gateway. A
// gateway timeout leaves the transaction pending for the webhook stream or
// the reconciler to resolve; other failures mark it failed and abort.
func (e *Engine) chargeProration(ctx context.Context, sub *domain.Subscription, newTier domain.SubscriptionTier, amountCents int64) (*domain.PaymentTransaction, error) {
	txn := &domain.PaymentTransaction{
		UserID:         sub.UserID,
		SubscriptionID: &sub.ID,
		AmountCents:    amountCents,
		Currency:       e.pricing.Currency,
		Status:         domain.TransactionStatusPending,
		Description:    fmt.Sprintf("prorated upgrade to %s", newTier),
	}
	if err := e.txns.Create(ctx, txn); err != nil {
		return nil, err
	}

	result, err := e.gateway.CreateCharge(ctx, billing.ChargeParams{
		CustomerID:     sub.ExternalCustomerID,
		AmountCents:    amountCents,
		Currency:       e.pricing.Currency,
		Description:    txn.Description,
		IdempotencyKey: txn.ID.String(),
		Metadata: map[string]string{
			"transaction_id":  txn.ID.String(),
			"subscription_id": sub.ID.String(),
		},
	})
	if err != nil {
		if ge, ok := billing.AsGatewayError(err); ok && ge.UnknownOutcome() {
			// Outcome unknown: leave the transaction pending rather than
			// guessing; never blind-retry a charge.
			metrics.GatewayCallsTotal.WithLabelValues("create_charge", "timeout").Inc()
			return nil, err
		}
		metrics.GatewayCallsTotal.WithLabelValues("create_charge", "error").Inc()
		txn.Status = domain.TransactionStatusFailed
		if ge, ok := billing.AsGatewayError(err); ok {
			txn.FailureCode = string(ge.Code)
			txn.FailureMessage = ge.Message
		}
		if updErr := e.txns.Update(ctx, txn); updErr != nil {
			log.Error(ctx, "failed to mark transaction failed", zap.Error(updErr),
				zap.String("transaction_id", txn.ID.String()))
		}
		return nil, err
	}
	metrics.GatewayCallsTotal.WithLabelValues("create_charge", "ok").Inc()

	txn.ExternalPaymentID = result.ExternalID
	txn.Status = domain.TransactionStatusSucceeded
	if err := e.txns.Update(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// recordUnappliedCharge audits a proration that was charged at the gateway
// when the tier change itself then failed. The upgrade has already failed
// at this point, so an audit write error is logged rather than surfaced.
func (e *Engine) recordUnappliedCharge(ctx context.Context, p admin.Principal, sub *domain.Subscription, txn *domain.PaymentTransaction, newTier domain.SubscriptionTier) {
	err := e.auditor.Record(ctx, audit.Entry{
		AdminID:        p.UserID,
		Roles:          p.RoleNames(),
		Action:         "subscription.upgrade.charge_unapplied",
		ResourceType:   "subscription",
		ResourceID:     sub.ID.String(),
		AffectedUserID: sub.UserID,
		Details: map[string]any{
			"transaction_id": txn.ID.String(),
			"amount_cents":   txn.AmountCents,
			"intended_tier":  string(newTier),
		},
		IP:        p.IP,
		UserAgent: p.UserAgent,
	})
	if err != nil {
		log.Error(ctx, "failed to audit unapplied proration charge", zap.Error(err),
			zap.String("transaction_id", txn.ID.String()))
	}
}

// Downgrade lowers the subscription tier. Immediate downgrades apply now
// with no refund; end-of-period downgrades store the intended tier, which
// the period-end webhook applies.
func (e *Engine) Downgrade(ctx context.Context, p admin.Principal, subscriptionID uuid.UUID, newTier domain.SubscriptionTier, effective Effective) (*domain.Subscription, error) {
	if !domain.ValidTier(newTier) {
		return nil, domain.NewValidationError("unknown tier", string(newTier))
	}
	if effective != EffectiveImmediate && effective != EffectiveEndOfPeriod {
		return nil, domain.NewValidationError("unknown effectiveness", string(effective))
	}

	sub, err := e.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	priceDiff := e.pricing.CentsPerMonth[newTier] - e.pricing.CentsPerMonth[sub.Tier]
	if priceDiff >= 0 {
		return nil, domain.NewValidationError("new tier is not a downgrade",
			fmt.Sprintf("%s -> %s", sub.Tier, newTier))
	}

	oldTier := sub.Tier
	switch effective {
	case EffectiveImmediate:
		if _, err := e.gateway.UpdateSubscription(ctx, sub.ExternalSubscriptionID, e.pricing.PriceIDs[newTier]); err != nil {
			metrics.GatewayCallsTotal.WithLabelValues("update_subscription", "error").Inc()
			return nil, err
		}
		metrics.GatewayCallsTotal.WithLabelValues("update_subscription", "ok").Inc()
		sub.Tier = newTier
		sub.PendingTier = nil
	case EffectiveEndOfPeriod:
		sub.PendingTier = &newTier
	}

	err = e.uow.Within(ctx, func(ctx context.Context) error {
		if err := e.subs.Update(ctx, sub); err != nil {
			return err
		}
		return e.auditor.Record(ctx, audit.Entry{
			AdminID:        p.UserID,
			Roles:          p.RoleNames(),
			Action:         "subscription.downgrade",
			ResourceType:   "subscription",
			ResourceID:     sub.ID.String(),
			AffectedUserID: sub.UserID,
			Details: map[string]any{
				"old_tier":  string(oldTier),
				"new_tier":  string(newTier),
				"effective": string(effective),
			},
			IP:        p.IP,
			UserAgent: p.UserAgent,
		})
	})
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return nil, domain.NewConflictError("subscription was modified concurrently", subscriptionID.String())
		}
		return nil, err
	}

	metrics.SubscriptionChangesTotal.WithLabelValues("downgrade").Inc()
	return sub, nil
}

// Cancel ends the subscription. Immediate cancellation takes effect now;
// otherwise the cancel-at-period-end flag is set and the status stays
// active until the gateway's period-end webhook confirms.
func (e *Engine) Cancel(ctx context.Context, p admin.Principal, subscriptionID uuid.UUID, immediate bool) (*domain.Subscription, error) {
	sub, err := e.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == domain.SubscriptionStatusCanceled {
		return nil, domain.NewValidationError("subscription is already canceled", sub.ID.String())
	}

	if _, err := e.gateway.CancelSubscription(ctx, sub.ExternalSubscriptionID, immediate); err != nil {
		metrics.GatewayCallsTotal.WithLabelValues("cancel_subscription", "error").Inc()
		return nil, err
	}
	metrics.GatewayCallsTotal.WithLabelValues("cancel_subscription", "ok").Inc()

	if immediate {
		sub.Status = domain.SubscriptionStatusCanceled
		sub.CancelAtPeriodEnd = false
	} else {
		sub.CancelAtPeriodEnd = true
	}

	err = e.uow.Within(ctx, func(ctx context.Context) error {
		if err := e.subs.Update(ctx, sub); err != nil {
			return err
		}
		return e.auditor.Record(ctx, audit.Entry{
			AdminID:        p.UserID,
			Roles:          p.RoleNames(),
			Action:         "subscription.cancel",
			ResourceType:   "subscription",
			ResourceID:     sub.ID.String(),
			AffectedUserID: sub.UserID,
			Details:        map[string]any{"immediate": immediate},
			IP:             p.IP,
			UserAgent:      p.UserAgent,
		})
	})
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return nil, domain.NewConflictError("subscription was modified concurrently", subscriptionID.String())
		}
		return nil, err
	}

	metrics.SubscriptionChangesTotal.WithLabelValues("cancel").Inc()
	return sub, nil
}
