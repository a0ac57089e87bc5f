package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/saasops/adminservice/internal/domain"
)

type transactionRepository struct {
	store *Store
}

const transactionColumns = `
	id, user_id, subscription_id, amount_cents, currency, status, description,
	external_payment_id, failure_code, failure_message, version, created_at, updated_at`

func (r *transactionRepository) scanRow(row interface{ Scan(...any) error }) (*domain.PaymentTransaction, error) {
	var t domain.PaymentTransaction
	err := row.Scan(
		&t.ID, &t.UserID, &t.SubscriptionID, &t.AmountCents, &t.Currency,
		&t.Status, &t.Description, &t.ExternalPaymentID,
		&t.FailureCode, &t.FailureMessage, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *transactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error) {
	row := r.store.db(ctx).QueryRow(ctx, `
		select `+transactionColumns+`
		from payment_transactions
		where id = $1
	`, id)
	t, err := r.scanRow(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NewNotFoundError("transaction", id.String())
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (r *transactionRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.PaymentTransaction, error) {
	row := r.store.db(ctx).QueryRow(ctx, `
		select `+transactionColumns+`
		from payment_transactions
		where external_payment_id = $1
	`, externalID)
	t, err := r.scanRow(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NewNotFoundError("transaction", externalID)
		}
		return nil, fmt.Errorf("get transaction by external id: %w", err)
	}
	return t, nil
}

func (r *transactionRepository) Create(ctx context.Context, t *domain.PaymentTransaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Version = 1

	_, err := r.store.db(ctx).Exec(ctx, `
		insert into payment_transactions (
			id, user_id, subscription_id, amount_cents, currency, status,
			description, external_payment_id, failure_code, failure_message,
			version, created_at, updated_at
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, t.ID, t.UserID, t.SubscriptionID, t.AmountCents, t.Currency, t.Status,
		t.Description, t.ExternalPaymentID, t.FailureCode, t.FailureMessage,
		t.Version, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewConflictError("transaction already exists", t.ExternalPaymentID)
		}
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

func (r *transactionRepository) Update(ctx context.Context, t *domain.PaymentTransaction) error {
	now := time.Now().UTC()
	tag, err := r.store.db(ctx).Exec(ctx, `
		update payment_transactions set
			status = $1, external_payment_id = $2,
			failure_code = $3, failure_message = $4,
			updated_at = $5, version = version + 1
		where id = $6 and version = $7
	`, t.Status, t.ExternalPaymentID, t.FailureCode, t.FailureMessage,
		now, t.ID, t.Version)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	t.Version++
	t.UpdatedAt = now
	return nil
}

func (r *transactionRepository) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.PaymentTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.store.db(ctx).Query(ctx, `
		select `+transactionColumns+`
		from payment_transactions
		where status = $1 and created_at < $2
		order by created_at
		limit $3
	`, domain.TransactionStatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending transactions: %w", err)
	}
	defer rows.Close()

	var result []*domain.PaymentTransaction
	for rows.Next() {
		t, err := r.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending transaction: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}
