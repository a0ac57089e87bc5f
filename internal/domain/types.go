package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionTier identifies a billing tier.
type SubscriptionTier string

const (
	TierFree       SubscriptionTier = "free"
	TierPremium    SubscriptionTier = "premium"
	TierEnterprise SubscriptionTier = "enterprise"
)

// ValidTier reports whether t is a known tier.
func ValidTier(t SubscriptionTier) bool {
	switch t {
	case TierFree, TierPremium, TierEnterprise:
		return true
	}
	return false
}

// SubscriptionStatus represents the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusTrialing   SubscriptionStatus = "trialing"
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
)

// Subscription represents a user's billing state. Status, tier and the cancel
// flag are only ever derived from the last-applied gateway event or admin
// action; LastEventAt and Version enforce a deterministic winner when both
// paths race.
type Subscription struct {
	ID                     uuid.UUID          `json:"id"`
	UserID                 string             `json:"user_id"`
	Tier                   SubscriptionTier   `json:"tier"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodStart     time.Time          `json:"current_period_start"`
	CurrentPeriodEnd       time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	PendingTier            *SubscriptionTier  `json:"pending_tier,omitempty"`
	ExternalSubscriptionID string             `json:"external_subscription_id"`
	ExternalCustomerID     string             `json:"external_customer_id"`
	// LastEventAt is the gateway creation timestamp of the last event applied
	// to this subscription. Older webhook deliveries are skipped as stale.
	LastEventAt time.Time `json:"last_event_at"`
	// Version is bumped on every write; repository updates are
	// compare-and-swap on this column.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransactionStatus represents the state of a payment transaction.
type TransactionStatus string

const (
	TransactionStatusPending           TransactionStatus = "pending"
	TransactionStatusSucceeded         TransactionStatus = "succeeded"
	TransactionStatusFailed            TransactionStatus = "failed"
	TransactionStatusRefunded          TransactionStatus = "refunded"
	TransactionStatusPartiallyRefunded TransactionStatus = "partially_refunded"
	TransactionStatusDisputed          TransactionStatus = "disputed"
)

// Refundable reports whether a transaction in this status may receive refunds.
func (s TransactionStatus) Refundable() bool {
	return s == TransactionStatusSucceeded || s == TransactionStatusPartiallyRefunded
}

// PaymentTransaction is one attempted charge. Amounts are integer cents.
// A transaction is immutable once terminal except for refund-driven status
// escalation (succeeded -> partially_refunded -> refunded).
type PaymentTransaction struct {
	ID                uuid.UUID         `json:"id"`
	UserID            string            `json:"user_id"`
	SubscriptionID    *uuid.UUID        `json:"subscription_id,omitempty"`
	AmountCents       int64             `json:"amount_cents"`
	Currency          string            `json:"currency"`
	Status            TransactionStatus `json:"status"`
	Description       string            `json:"description,omitempty"`
	ExternalPaymentID string            `json:"external_payment_id"`
	FailureCode       string            `json:"failure_code,omitempty"`
	FailureMessage    string            `json:"failure_message,omitempty"`
	Version           int64             `json:"version"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// RefundReason is the fixed enumeration of operator-supplied refund reasons.
type RefundReason string

const (
	RefundReasonCustomerRequest RefundReason = "customer_request"
	RefundReasonBillingError    RefundReason = "billing_error"
	RefundReasonServiceIssue    RefundReason = "service_issue"
	RefundReasonDuplicate       RefundReason = "duplicate"
	RefundReasonFraudulent      RefundReason = "fraudulent"
	RefundReasonOther           RefundReason = "other"
)

// ValidRefundReason reports whether r is a known refund reason.
func ValidRefundReason(r RefundReason) bool {
	switch r {
	case RefundReasonCustomerRequest, RefundReasonBillingError,
		RefundReasonServiceIssue, RefundReasonDuplicate,
		RefundReasonFraudulent, RefundReasonOther:
		return true
	}
	return false
}

// RefundStatus represents the state of a refund.
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusFailed    RefundStatus = "failed"
	RefundStatusCanceled  RefundStatus = "canceled"
)

// Refund records one refund attempt against a transaction. Never mutated
// after reaching a terminal status.
type Refund struct {
	ID               uuid.UUID    `json:"id"`
	TransactionID    uuid.UUID    `json:"transaction_id"`
	AmountCents      int64        `json:"amount_cents"`
	Currency         string       `json:"currency"`
	Reason           RefundReason `json:"reason"`
	ReasonDetails    string       `json:"reason_details,omitempty"`
	Status           RefundStatus `json:"status"`
	InitiatedBy      string       `json:"initiated_by"`
	ExternalRefundID string       `json:"external_refund_id,omitempty"`
	FailureMessage   string       `json:"failure_message,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// WebhookEventStatus is the per-event state in the idempotency ledger.
type WebhookEventStatus string

const (
	WebhookEventProcessing   WebhookEventStatus = "processing"
	WebhookEventApplied      WebhookEventStatus = "applied"
	WebhookEventAppliedError WebhookEventStatus = "applied_error"
)

// WebhookEvent is a row in the idempotency ledger. The unique constraint on
// EventID is the idempotency boundary: inserting a duplicate means the event
// was already (or is being) processed.
type WebhookEvent struct {
	EventID     string             `json:"event_id"`
	EventType   string             `json:"event_type"`
	Payload     []byte             `json:"payload"`
	Status      WebhookEventStatus `json:"status"`
	LastError   string             `json:"last_error,omitempty"`
	ReceivedAt  time.Time          `json:"received_at"`
	ProcessedAt *time.Time         `json:"processed_at,omitempty"`
}
