package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/saasops/adminservice/internal/audit"
	"github.com/saasops/adminservice/internal/billing"
	"github.com/saasops/adminservice/internal/config"
	"github.com/saasops/adminservice/internal/domain"
	"github.com/saasops/adminservice/internal/log"
	"github.com/saasops/adminservice/internal/metrics"
	"github.com/saasops/adminservice/internal/repository"
	"github.com/saasops/adminservice/internal/retry"
)

const batchSize = 100

// Reconciler settles transactions left pending by gateway timeouts. It asks
// the gateway for the charge's real outcome; reads are safe to retry even
// though the original writes were not.
type Reconciler struct {
	txns     repository.TransactionRepository
	gateway  billing.Gateway
	auditor  *audit.Recorder
	interval time.Duration
	// pendingAfter is how long a transaction must sit pending before it is
	// considered stuck.
	pendingAfter time.Duration
	now          func() time.Time
}

// NewReconciler creates a reconciler from configuration.
func NewReconciler(txns repository.TransactionRepository, gateway billing.Gateway, auditor *audit.Recorder, cfg config.ReconcileConfig) *Reconciler {
	return &Reconciler{
		txns:         txns,
		gateway:      gateway,
		auditor:      auditor,
		interval:     cfg.Interval,
		pendingAfter: cfg.PendingAfter,
		now:          time.Now,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Info(ctx, "transaction reconciler started",
		zap.Duration("interval", r.interval),
		zap.Duration("pending_after", r.pendingAfter))
	for {
		select {
		case <-ctx.Done():
			log.Info(ctx, "transaction reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				log.Error(ctx, "reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep resolves one batch of stuck pending transactions and returns how
// many were settled.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.pendingAfter)
	stuck, err := r.txns.ListPendingBefore(ctx, cutoff, batchSize)
	if err != nil {
		return 0, err
	}

	var settled int
	for _, txn := range stuck {
		if err := r.resolve(ctx, txn); err != nil {
			log.Error(ctx, "failed to reconcile transaction", zap.Error(err),
				zap.String("transaction_id", txn.ID.String()))
			continue
		}
		settled++
	}
	if len(stuck) > 0 {
		log.Info(ctx, "reconciliation sweep finished",
			zap.Int("stuck", len(stuck)),
			zap.Int("settled", settled))
	}
	return settled, nil
}

func (r *Reconciler) resolve(ctx context.Context, txn *domain.PaymentTransaction) error {
	if txn.ExternalPaymentID == "" {
		// The charge call never got an id back; the money cannot have moved
		// in a way we can observe, so close the transaction out.
		txn.Status = domain.TransactionStatusFailed
		txn.FailureMessage = "no gateway charge recorded"
		metrics.ReconciledTransactions.WithLabelValues("failed").Inc()
		return r.settle(ctx, txn)
	}

	var state *billing.ChargeState
	err := retry.Do(ctx, retry.DefaultConfig(), log.L(ctx), func() error {
		var getErr error
		state, getErr = r.gateway.GetCharge(ctx, txn.ExternalPaymentID)
		return getErr
	})
	if err != nil {
		metrics.ReconciledTransactions.WithLabelValues("unresolved").Inc()
		return err
	}

	switch state.Status {
	case "succeeded":
		txn.Status = domain.TransactionStatusSucceeded
	case "canceled", "failed":
		txn.Status = domain.TransactionStatusFailed
		txn.FailureCode = state.FailureCode
		txn.FailureMessage = state.FailureMessage
	default:
		// Still in flight at the gateway; leave it for the next sweep.
		metrics.ReconciledTransactions.WithLabelValues("still_pending").Inc()
		return nil
	}
	metrics.ReconciledTransactions.WithLabelValues(string(txn.Status)).Inc()
	return r.settle(ctx, txn)
}

func (r *Reconciler) settle(ctx context.Context, txn *domain.PaymentTransaction) error {
	if err := r.txns.Update(ctx, txn); err != nil {
		return err
	}
	return r.auditor.Record(ctx, audit.Entry{
		AdminID:        audit.SystemReconcilerActor,
		Action:         "transaction.reconcile",
		ResourceType:   "transaction",
		ResourceID:     txn.ID.String(),
		AffectedUserID: txn.UserID,
		Details: map[string]any{
			"status":              string(txn.Status),
			"external_payment_id": txn.ExternalPaymentID,
		},
	})
}
