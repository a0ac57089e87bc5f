package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/saasops/adminservice/internal/domain"
)

// UnitOfWork runs fn atomically: every repository or audit call made with
// the ctx passed to fn joins a single database transaction, committed only
// when fn returns nil. Nested calls join the enclosing transaction.
type UnitOfWork interface {
	Within(ctx context.Context, fn func(ctx context.Context) error) error
}

// SubscriptionRepository persists subscriptions. Updates are optimistic:
// the write only applies when the stored version matches the one the caller
// read, so a concurrent admin edit and a webhook cannot both apply stale
// reads.
type SubscriptionRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.Subscription, error)
	Create(ctx context.Context, s *domain.Subscription) error

	// Update writes s if the stored version equals s.Version and bumps the
	// version; returns domain.ErrVersionConflict on a lost race.
	Update(ctx context.Context, s *domain.Subscription) error
}

// TransactionRepository persists payment transactions.
type TransactionRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.PaymentTransaction, error)
	Create(ctx context.Context, t *domain.PaymentTransaction) error

	// Update writes t with an optimistic version check, as with
	// subscriptions.
	Update(ctx context.Context, t *domain.PaymentTransaction) error

	// ListPendingBefore returns transactions still pending since before
	// cutoff, oldest first, for reconciliation.
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.PaymentTransaction, error)
}

// RefundRepository persists refunds.
type RefundRepository interface {
	// Reserve validates r against its transaction under a per-transaction
	// lock and inserts it as pending. Pending and succeeded refunds both
	// count against the transaction amount, so two concurrent refunds can
	// never reserve more than the transaction is worth.
	Reserve(ctx context.Context, r *domain.Refund) error

	// SetOutcome records the terminal state of a refund. Refunds are never
	// mutated after reaching a terminal status.
	SetOutcome(ctx context.Context, id uuid.UUID, status domain.RefundStatus, externalID, failureMessage string) error

	// SumSucceededByTransaction returns the total cents already refunded on
	// a transaction, counting succeeded refunds only.
	SumSucceededByTransaction(ctx context.Context, transactionID uuid.UUID) (int64, error)

	ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]domain.Refund, error)
}

// WebhookLedger is the idempotency ledger of processed gateway events.
// Rows are inserted once and only ever move processing -> applied or
// processing -> applied_error.
type WebhookLedger interface {
	// Insert records the event id as processing before side effects are
	// applied. A unique-constraint violation means the event was already
	// recorded: Insert returns domain.ErrAlreadyProcessed and the caller
	// treats the delivery as a success no-op.
	Insert(ctx context.Context, eventID, eventType string, payload []byte) error

	MarkApplied(ctx context.Context, eventID string) error
	MarkAppliedError(ctx context.Context, eventID, lastError string) error

	Get(ctx context.Context, eventID string) (*domain.WebhookEvent, error)

	// ListStuckProcessing returns events stuck in processing since before
	// cutoff; these may be reprocessed, applied ones never.
	ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]domain.WebhookEvent, error)
}
