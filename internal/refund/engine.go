package refund

import (
	"context"
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

// Request is an operator-initiated refund. Amount is integer cents.
type Request struct {
	TransactionID uuid.UUID           `json:"transaction_id"`
	AmountCents   int64               `json:"amount_cents"`
	Reason        domain.RefundReason `json:"reason"`
	ReasonDetails string              `json:"reason_details,omitempty"`
}

// Engine processes refunds against settled transactions. All validation
// happens before the first gateway call; a validation failure means no
// money moved.
type Engine struct {
	txns    repository.TransactionRepository
	refunds repository.RefundRepository
	gateway billing.Gateway
	auditor *audit.Recorder
	uow     repository.UnitOfWork
	now     func() time.Time
}

// NewEngine creates a refund engine.
func NewEngine(txns repository.TransactionRepository, refunds repository.RefundRepository, gateway billing.Gateway, auditor *audit.Recorder, uow repository.UnitOfWork) *Engine {
	return &Engine{
		txns:    txns,
		refunds: refunds,
		gateway: gateway,
		auditor: auditor,
		uow:     uow,
		now:     time.Now,
	}
}

// Process validates and executes one refund. A failed gateway call marks
// the refund failed and surfaces the error; it is never retried
// automatically. A gateway timeout leaves the refund pending for the
// reconciler.
func (e *Engine) Process(ctx context.Context, p admin.Principal, req Request) (*domain.Refund, error) {
	if req.AmountCents <= 0 {
		return nil, domain.NewValidationError("refund amount must be positive",
			fmt.Sprintf("amount_cents: %d", req.AmountCents))
	}
	if !domain.ValidRefundReason(req.Reason) {
		return nil, domain.NewValidationError("unknown refund reason", string(req.Reason))
	}

	txn, err := e.txns.GetByID(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if !txn.Status.Refundable() {
		return nil, domain.NewValidationError("transaction is not refundable",
			fmt.Sprintf("status: %s", txn.Status))
	}

	ref := &domain.Refund{
		TransactionID: txn.ID,
		AmountCents:   req.AmountCents,
		Currency:      txn.Currency,
		Reason:        req.Reason,
		ReasonDetails: req.ReasonDetails,
		Status:        domain.RefundStatusPending,
		InitiatedBy:   p.UserID,
	}
	// Reserve holds a lock on the transaction while it re-validates the
	// amount against pending and succeeded refunds, so a concurrent refund
	// of the same transaction cannot overspend it.
	if err := e.refunds.Reserve(ctx, ref); err != nil {
		return nil, err
	}

	result, err := e.gateway.CreateRefund(ctx, billing.RefundParams{
		ExternalPaymentID: txn.ExternalPaymentID,
		AmountCents:       req.AmountCents,
		Reason:            string(req.Reason),
		IdempotencyKey:    ref.ID.String(),
	})
	if err != nil {
		if ge, ok := billing.AsGatewayError(err); ok && ge.UnknownOutcome() {
			// Outcome unknown: the refund stays pending until the webhook
			// stream or reconciler settles it.
			metrics.GatewayCallsTotal.WithLabelValues("create_refund", "timeout").Inc()
			log.Warn(ctx, "refund outcome unknown after gateway timeout",
				zap.String("refund_id", ref.ID.String()),
				zap.String("transaction_id", txn.ID.String()))
			return nil, err
		}
		metrics.GatewayCallsTotal.WithLabelValues("create_refund", "error").Inc()
		msg := err.Error()
		if ge, ok := billing.AsGatewayError(err); ok {
			msg = ge.Message
		}
		if outErr := e.refunds.SetOutcome(ctx, ref.ID, domain.RefundStatusFailed, "", msg); outErr != nil {
			log.Error(ctx, "failed to mark refund failed", zap.Error(outErr),
				zap.String("refund_id", ref.ID.String()))
		}
		metrics.RefundsTotal.WithLabelValues(string(domain.RefundStatusFailed)).Inc()
		return nil, err
	}
	metrics.GatewayCallsTotal.WithLabelValues("create_refund", "ok").Inc()

	// Outcome, transaction escalation and the audit entry commit together;
	// an audit write failure rolls all of it back.
	err = e.uow.Within(ctx, func(ctx context.Context) error {
		if err := e.refunds.SetOutcome(ctx, ref.ID, domain.RefundStatusSucceeded, result.ExternalID, ""); err != nil {
			return err
		}
		if err := e.escalateTransaction(ctx, txn); err != nil {
			return err
		}
		return e.auditor.Record(ctx, audit.Entry{
			AdminID:        p.UserID,
			Roles:          p.RoleNames(),
			Action:         "refund.process",
			ResourceType:   "refund",
			ResourceID:     ref.ID.String(),
			AffectedUserID: txn.UserID,
			Details: map[string]any{
				"transaction_id":     txn.ID.String(),
				"amount_cents":       req.AmountCents,
				"currency":           txn.Currency,
				"reason":             string(req.Reason),
				"external_refund_id": result.ExternalID,
			},
			IP:        p.IP,
			UserAgent: p.UserAgent,
		})
	})
	if err != nil {
		return nil, err
	}
	ref.Status = domain.RefundStatusSucceeded
	ref.ExternalRefundID = result.ExternalID

	metrics.RefundsTotal.WithLabelValues(string(domain.RefundStatusSucceeded)).Inc()
	log.Info(ctx, "refund processed",
		zap.String("refund_id", ref.ID.String()),
		zap.String("transaction_id", txn.ID.String()),
		zap.Int64("amount_cents", req.AmountCents))
	return ref, nil
}

// escalateTransaction moves the transaction to partially_refunded or
// refunded depending on how much of it is now refunded.
func (e *Engine) escalateTransaction(ctx context.Context, txn *domain.PaymentTransaction) error {
	totalRefunded, err := e.refunds.SumSucceededByTransaction(ctx, txn.ID)
	if err != nil {
		return err
	}
	if totalRefunded >= txn.AmountCents {
		txn.Status = domain.TransactionStatusRefunded
	} else {
		txn.Status = domain.TransactionStatusPartiallyRefunded
	}
	return e.txns.Update(ctx, txn)
}

// List returns the refunds recorded against a transaction.
func (e *Engine) List(ctx context.Context, transactionID uuid.UUID) ([]domain.Refund, error) {
	return e.refunds.ListByTransaction(ctx, transactionID)
}
