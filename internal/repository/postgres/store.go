package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/saasops/adminservice/internal/admin"
	"github.com/saasops/adminservice/internal/audit"
	"github.com/saasops/adminservice/internal/repository"
)

const pgErrUniqueViolation = "23505"

// Store bundles all PostgreSQL-backed repositories over a shared pool and
// implements repository.UnitOfWork so callers can group repository and audit
// writes into one transaction.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a store on an existing pool.
func NewStore(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool cannot be nil")
	}
	return &Store{pool: pool}, nil
}

// querier is the pgx surface shared by the pool and an open transaction, so
// repository methods can run against either.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// db returns the enclosing transaction from ctx, or the pool.
func (s *Store) db(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// Within runs fn in one transaction. Repository calls made with the ctx
// handed to fn all share it; a nested Within joins the open transaction
// instead of starting a second one.
func (s *Store) Within(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Subscriptions returns the subscription repository.
func (s *Store) Subscriptions() repository.SubscriptionRepository {
	return &subscriptionRepository{store: s}
}

// Transactions returns the payment transaction repository.
func (s *Store) Transactions() repository.TransactionRepository {
	return &transactionRepository{store: s}
}

// Refunds returns the refund repository.
func (s *Store) Refunds() repository.RefundRepository {
	return &refundRepository{store: s}
}

// WebhookLedger returns the webhook idempotency ledger.
func (s *Store) WebhookLedger() repository.WebhookLedger {
	return &webhookLedger{store: s}
}

// Grants returns the role grant store.
func (s *Store) Grants() admin.GrantStore {
	return &grantStore{store: s}
}

// Audit returns the append-only audit store.
func (s *Store) Audit() audit.Store {
	return &auditStore{store: s}
}

// isUniqueViolation reports whether err is a unique-constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}

// isNoRows reports whether err is pgx.ErrNoRows.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
