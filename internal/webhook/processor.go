package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/saasops/adminservice/internal/audit"
	"github.com/saasops/adminservice/internal/billing"
	"github.com/saasops/adminservice/internal/domain"
	"github.com/saasops/adminservice/internal/log"
	"github.com/saasops/adminservice/internal/metrics"
	"github.com/saasops/adminservice/internal/repository"
)

// Event types the processor consumes; everything else is acknowledged and
// ignored.
const (
	EventPaymentSucceeded    = "payment_intent.succeeded"
	EventPaymentFailed       = "payment_intent.payment_failed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// Event is the verified gateway envelope.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// paymentObject is the subset of the gateway's payment object the processor
// reads.
type paymentObject struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// subscriptionObject is the subset of the gateway's subscription object the
// processor reads. Period bounds are unix seconds.
type subscriptionObject struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
}

// Processor applies gateway webhook events exactly once. The ledger insert
// is the idempotency boundary; dispatch failures after insert are recorded
// as applied_error and acknowledged so the gateway stops redelivering.
// Events left in processing past a timeout are retried by ReprocessStuck;
// applied_error rows are settled by an operator, never automatically.
type Processor struct {
	gateway billing.Gateway
	ledger  repository.WebhookLedger
	subs    repository.SubscriptionRepository
	txns    repository.TransactionRepository
	auditor *audit.Recorder
	now     func() time.Time
}

// NewProcessor creates a webhook processor.
func NewProcessor(gateway billing.Gateway, ledger repository.WebhookLedger, subs repository.SubscriptionRepository, txns repository.TransactionRepository, auditor *audit.Recorder) *Processor {
	return &Processor{
		gateway: gateway,
		ledger:  ledger,
		subs:    subs,
		txns:    txns,
		auditor: auditor,
		now:     time.Now,
	}
}

// Process verifies, records and applies one webhook delivery. Duplicate
// deliveries return nil without reapplying side effects. A nil return means
// the transport should acknowledge the delivery.
func (p *Processor) Process(ctx context.Context, payload []byte, signature string) error {
	if err := p.gateway.VerifyWebhook(payload, signature); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		return domain.NewAuthenticationError("webhook signature verification failed")
	}

	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "malformed").Inc()
		return domain.NewValidationError("malformed webhook payload", err.Error())
	}
	if evt.ID == "" || evt.Type == "" {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "malformed").Inc()
		return domain.NewValidationError("webhook payload missing id or type", "")
	}

	if err := p.ledger.Insert(ctx, evt.ID, evt.Type, payload); err != nil {
		if errors.Is(err, domain.ErrAlreadyProcessed) {
			metrics.WebhookEventsTotal.WithLabelValues(evt.Type, "duplicate").Inc()
			log.Info(ctx, "duplicate webhook delivery skipped",
				zap.String("event_id", evt.ID),
				zap.String("event_type", evt.Type))
			return nil
		}
		return err
	}

	if err := p.dispatch(ctx, evt); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(evt.Type, "error").Inc()
		log.Error(ctx, "webhook dispatch failed",
			zap.Error(err),
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.Type))
		if markErr := p.ledger.MarkAppliedError(ctx, evt.ID, err.Error()); markErr != nil {
			log.Error(ctx, "failed to mark webhook event errored", zap.Error(markErr),
				zap.String("event_id", evt.ID))
		}
		// Acknowledge anyway: the ledger row carries the failure and the
		// stuck-event sweep retries it.
		return nil
	}

	if err := p.ledger.MarkApplied(ctx, evt.ID); err != nil {
		log.Error(ctx, "failed to mark webhook event applied", zap.Error(err),
			zap.String("event_id", evt.ID))
		return nil
	}
	metrics.WebhookEventsTotal.WithLabelValues(evt.Type, "applied").Inc()
	return nil
}

func (p *Processor) dispatch(ctx context.Context, evt Event) error {
	switch evt.Type {
	case EventPaymentSucceeded:
		return p.applyPayment(ctx, evt, domain.TransactionStatusSucceeded)
	case EventPaymentFailed:
		return p.applyPayment(ctx, evt, domain.TransactionStatusFailed)
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		return p.applySubscription(ctx, evt)
	default:
		log.Debug(ctx, "ignoring webhook event type",
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.Type))
		return nil
	}
}

// applyPayment settles a pending transaction from the gateway's payment
// event. Transactions already terminal are left alone.
func (p *Processor) applyPayment(ctx context.Context, evt Event, target domain.TransactionStatus) error {
	var obj paymentObject
	if err := json.Unmarshal(evt.Data.Object, &obj); err != nil {
		return fmt.Errorf("decode payment object: %w", err)
	}

	txn, err := p.txns.GetByExternalID(ctx, obj.ID)
	if err != nil {
		if domain.IsCode(err, domain.ErrCodeNotFound) {
			// A charge created outside this service; nothing to settle.
			log.Debug(ctx, "payment event for unknown transaction",
				zap.String("event_id", evt.ID),
				zap.String("external_payment_id", obj.ID))
			return nil
		}
		return err
	}
	if txn.Status != domain.TransactionStatusPending {
		return nil
	}

	txn.Status = target
	if target == domain.TransactionStatusFailed && obj.LastPaymentError != nil {
		txn.FailureCode = obj.LastPaymentError.Code
		txn.FailureMessage = obj.LastPaymentError.Message
	}
	if err := p.txns.Update(ctx, txn); err != nil {
		return err
	}

	return p.auditor.Record(ctx, audit.Entry{
		AdminID:        audit.SystemWebhookActor,
		Action:         "transaction.settle",
		ResourceType:   "transaction",
		ResourceID:     txn.ID.String(),
		AffectedUserID: txn.UserID,
		Details: map[string]any{
			"event_id":   evt.ID,
			"event_type": evt.Type,
			"status":     string(target),
		},
	})
}

// applySubscription updates local subscription state from the gateway's
// event. Deliveries older than the last applied event are skipped; a lost
// version race is retried against a fresh read.
func (p *Processor) applySubscription(ctx context.Context, evt Event) error {
	var obj subscriptionObject
	if err := json.Unmarshal(evt.Data.Object, &obj); err != nil {
		return fmt.Errorf("decode subscription object: %w", err)
	}
	eventTime := time.Unix(evt.Created, 0).UTC()

	const attempts = 3
	for i := 0; i < attempts; i++ {
		sub, err := p.subs.GetByExternalID(ctx, obj.ID)
		if err != nil {
			if domain.IsCode(err, domain.ErrCodeNotFound) {
				log.Debug(ctx, "subscription event for unknown subscription",
					zap.String("event_id", evt.ID),
					zap.String("external_subscription_id", obj.ID))
				return nil
			}
			return err
		}
		if !eventTime.After(sub.LastEventAt) {
			metrics.WebhookEventsTotal.WithLabelValues(evt.Type, "stale").Inc()
			log.Info(ctx, "stale subscription event skipped",
				zap.String("event_id", evt.ID),
				zap.Time("event_time", eventTime),
				zap.Time("last_event_at", sub.LastEventAt))
			return nil
		}

		changes := p.mutateSubscription(sub, evt.Type, obj, eventTime)
		if err := p.subs.Update(ctx, sub); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) && i < attempts-1 {
				continue
			}
			return err
		}

		return p.auditor.Record(ctx, audit.Entry{
			AdminID:        audit.SystemWebhookActor,
			Action:         "subscription.sync",
			ResourceType:   "subscription",
			ResourceID:     sub.ID.String(),
			AffectedUserID: sub.UserID,
			Details:        changes,
		})
	}
	return domain.ErrVersionConflict
}

// mutateSubscription applies the event to the in-memory subscription and
// returns the changes for the audit entry.
func (p *Processor) mutateSubscription(sub *domain.Subscription, eventType string, obj subscriptionObject, eventTime time.Time) map[string]any {
	changes := map[string]any{
		"event_type": eventType,
	}

	if eventType == EventSubscriptionDeleted {
		sub.Status = domain.SubscriptionStatusCanceled
		sub.CancelAtPeriodEnd = false
		sub.LastEventAt = eventTime
		changes["status"] = string(sub.Status)
		return changes
	}

	if st, ok := mapGatewayStatus(obj.Status); ok && st != sub.Status {
		sub.Status = st
		changes["status"] = string(st)
	}
	sub.CancelAtPeriodEnd = obj.CancelAtPeriodEnd

	newStart := time.Unix(obj.CurrentPeriodStart, 0).UTC()
	newEnd := time.Unix(obj.CurrentPeriodEnd, 0).UTC()
	renewed := obj.CurrentPeriodStart > 0 && newStart.After(sub.CurrentPeriodStart)
	if obj.CurrentPeriodStart > 0 {
		sub.CurrentPeriodStart = newStart
	}
	if obj.CurrentPeriodEnd > 0 {
		sub.CurrentPeriodEnd = newEnd
	}

	// A scheduled downgrade takes effect at the first renewal after it was
	// requested.
	if renewed && sub.PendingTier != nil {
		changes["old_tier"] = string(sub.Tier)
		changes["new_tier"] = string(*sub.PendingTier)
		sub.Tier = *sub.PendingTier
		sub.PendingTier = nil
	}

	sub.LastEventAt = eventTime
	return changes
}

func mapGatewayStatus(s string) (domain.SubscriptionStatus, bool) {
	switch s {
	case "active":
		return domain.SubscriptionStatusActive, true
	case "trialing":
		return domain.SubscriptionStatusTrialing, true
	case "past_due":
		return domain.SubscriptionStatusPastDue, true
	case "canceled":
		return domain.SubscriptionStatusCanceled, true
	case "incomplete", "incomplete_expired":
		return domain.SubscriptionStatusIncomplete, true
	}
	return "", false
}

// ReprocessStuck retries events that were inserted but never applied, for
// the background sweep. Applied events are never replayed.
func (p *Processor) ReprocessStuck(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := p.now().Add(-olderThan)
	stuck, err := p.ledger.ListStuckProcessing(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	var applied int
	for _, row := range stuck {
		var evt Event
		if err := json.Unmarshal(row.Payload, &evt); err != nil {
			log.Error(ctx, "stuck webhook event has malformed payload", zap.Error(err),
				zap.String("event_id", row.EventID))
			if markErr := p.ledger.MarkAppliedError(ctx, row.EventID, "malformed payload"); markErr != nil {
				log.Error(ctx, "failed to mark webhook event errored", zap.Error(markErr),
					zap.String("event_id", row.EventID))
			}
			continue
		}
		if err := p.dispatch(ctx, evt); err != nil {
			log.Error(ctx, "stuck webhook event redispatch failed", zap.Error(err),
				zap.String("event_id", row.EventID))
			if markErr := p.ledger.MarkAppliedError(ctx, row.EventID, err.Error()); markErr != nil {
				log.Error(ctx, "failed to mark webhook event errored", zap.Error(markErr),
					zap.String("event_id", row.EventID))
			}
			continue
		}
		if err := p.ledger.MarkApplied(ctx, row.EventID); err != nil {
			log.Error(ctx, "failed to mark webhook event applied", zap.Error(err),
				zap.String("event_id", row.EventID))
			continue
		}
		applied++
	}
	return applied, nil
}
