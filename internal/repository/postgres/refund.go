package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/saasops/adminservice/internal/domain"
)

type refundRepository struct {
	store *Store
}

// Reserve checks the refund against its transaction and inserts it as
// pending, all under a row lock on the transaction. The lock serializes
// concurrent refunds of the same transaction; pending rows count against the
// cap until they settle, so the reserved total can never exceed the
// transaction amount.
func (r *refundRepository) Reserve(ctx context.Context, ref *domain.Refund) error {
	if ref.ID == uuid.Nil {
		ref.ID = uuid.New()
	}
	now := time.Now().UTC()
	ref.CreatedAt = now
	ref.UpdatedAt = now

	return r.store.Within(ctx, func(ctx context.Context) error {
		q := r.store.db(ctx)

		var (
			amount int64
			status domain.TransactionStatus
		)
		err := q.QueryRow(ctx, `
			select amount_cents, status
			from payment_transactions
			where id = $1
			for update
		`, ref.TransactionID).Scan(&amount, &status)
		if err != nil {
			if isNoRows(err) {
				return domain.NewNotFoundError("transaction", ref.TransactionID.String())
			}
			return fmt.Errorf("lock transaction: %w", err)
		}
		if !status.Refundable() {
			return domain.NewValidationError("transaction is not refundable",
				fmt.Sprintf("status: %s", status))
		}

		var reserved int64
		err = q.QueryRow(ctx, `
			select coalesce(sum(amount_cents), 0)
			from refunds
			where transaction_id = $1 and status in ($2, $3)
		`, ref.TransactionID, domain.RefundStatusPending, domain.RefundStatusSucceeded).Scan(&reserved)
		if err != nil {
			return fmt.Errorf("sum reserved refunds: %w", err)
		}
		if ref.AmountCents > amount-reserved {
			return domain.NewValidationError("refund exceeds refundable amount",
				fmt.Sprintf("requested %d, available %d", ref.AmountCents, amount-reserved))
		}

		_, err = q.Exec(ctx, `
			insert into refunds (
				id, transaction_id, amount_cents, currency, reason, reason_details,
				status, initiated_by, external_refund_id, failure_message,
				created_at, updated_at
			) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, ref.ID, ref.TransactionID, ref.AmountCents, ref.Currency, ref.Reason,
			ref.ReasonDetails, ref.Status, ref.InitiatedBy, ref.ExternalRefundID,
			ref.FailureMessage, ref.CreatedAt, ref.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert refund: %w", err)
		}
		return nil
	})
}

// SetOutcome moves a pending refund to its terminal state. The status guard
// in the where clause makes terminal refunds immutable.
func (r *refundRepository) SetOutcome(ctx context.Context, id uuid.UUID, status domain.RefundStatus, externalID, failureMessage string) error {
	tag, err := r.store.db(ctx).Exec(ctx, `
		update refunds set
			status = $1, external_refund_id = $2, failure_message = $3,
			updated_at = $4
		where id = $5 and status = $6
	`, status, externalID, failureMessage, time.Now().UTC(), id, domain.RefundStatusPending)
	if err != nil {
		return fmt.Errorf("set refund outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewConflictError("refund is not pending", id.String())
	}
	return nil
}

func (r *refundRepository) SumSucceededByTransaction(ctx context.Context, transactionID uuid.UUID) (int64, error) {
	var sum int64
	err := r.store.db(ctx).QueryRow(ctx, `
		select coalesce(sum(amount_cents), 0)
		from refunds
		where transaction_id = $1 and status = $2
	`, transactionID, domain.RefundStatusSucceeded).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum refunds: %w", err)
	}
	return sum, nil
}

func (r *refundRepository) ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]domain.Refund, error) {
	rows, err := r.store.db(ctx).Query(ctx, `
		select id, transaction_id, amount_cents, currency, reason, reason_details,
			status, initiated_by, external_refund_id, failure_message,
			created_at, updated_at
		from refunds
		where transaction_id = $1
		order by created_at
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	defer rows.Close()

	var result []domain.Refund
	for rows.Next() {
		var ref domain.Refund
		if err := rows.Scan(
			&ref.ID, &ref.TransactionID, &ref.AmountCents, &ref.Currency,
			&ref.Reason, &ref.ReasonDetails, &ref.Status, &ref.InitiatedBy,
			&ref.ExternalRefundID, &ref.FailureMessage,
			&ref.CreatedAt, &ref.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan refund: %w", err)
		}
		result = append(result, ref)
	}
	return result, rows.Err()
}
