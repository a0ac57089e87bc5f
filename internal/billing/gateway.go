package billing

import (
	"context"
	"errors"
	"fmt"
)

// GatewayErrorCode classifies gateway failures for user-facing messaging.
type GatewayErrorCode string

const (
	GatewayErrCardDeclined      GatewayErrorCode = "card_declined"
	GatewayErrInsufficientFunds GatewayErrorCode = "insufficient_funds"
	GatewayErrRateLimited       GatewayErrorCode = "rate_limited"
	GatewayErrInvalidRequest    GatewayErrorCode = "invalid_request"
	GatewayErrUnavailable       GatewayErrorCode = "gateway_unavailable"
	// GatewayErrTimeout means the call's outcome is unknown: the caller must
	// leave local state pending and let the webhook stream or reconciler
	// resolve it, never blindly retry a non-idempotent call.
	GatewayErrTimeout GatewayErrorCode = "gateway_timeout"
)

// GatewayError is a typed failure returned by gateway operations. Raw
// processor internals stay in the wrapped error and are never surfaced to
// users.
type GatewayError struct {
	Code    GatewayErrorCode
	Message string
	cause   error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying processor error for logging.
func (e *GatewayError) Unwrap() error { return e.cause }

// UnknownOutcome reports whether the operation may have happened despite the
// error.
func (e *GatewayError) UnknownOutcome() bool {
	return e.Code == GatewayErrTimeout
}

// AsGatewayError extracts a GatewayError from err, if any.
func AsGatewayError(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// ChargeParams describes a charge creation request. Amount is integer cents.
type ChargeParams struct {
	CustomerID     string
	AmountCents    int64
	Currency       string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// SubscriptionParams describes a subscription creation request.
type SubscriptionParams struct {
	CustomerID string
	PriceID    string
	Metadata   map[string]string
}

// RefundParams describes a refund creation request against an external
// payment id. Amount is integer cents.
type RefundParams struct {
	ExternalPaymentID string
	AmountCents       int64
	Reason            string
	IdempotencyKey    string
}

// Result is the normalized outcome of a gateway operation.
type Result struct {
	ExternalID string
	Status     string
}

// ChargeState is a gateway-side view of a charge, used by reconciliation.
type ChargeState struct {
	ExternalID     string
	Status         string
	AmountCents    int64
	Currency       string
	FailureCode    string
	FailureMessage string
}

// Gateway is the abstraction boundary to the external payment processor.
// Implementations perform no business validation; engines validate before
// calling and interpret results after.
type Gateway interface {
	CreateCharge(ctx context.Context, p ChargeParams) (*Result, error)
	CreateSubscription(ctx context.Context, p SubscriptionParams) (*Result, error)
	UpdateSubscription(ctx context.Context, externalID, newPriceID string) (*Result, error)
	CancelSubscription(ctx context.Context, externalID string, immediate bool) (*Result, error)
	CreateRefund(ctx context.Context, p RefundParams) (*Result, error)

	// GetCharge fetches the processor's view of a charge; safe to retry.
	GetCharge(ctx context.Context, externalID string) (*ChargeState, error)

	// VerifyWebhook checks the delivery signature and returns the verified
	// raw event payload.
	VerifyWebhook(payload []byte, signature string) error
}
