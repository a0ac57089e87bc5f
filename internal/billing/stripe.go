package billing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"github.com/stripe/stripe-go/v76/refund"
	"github.com/stripe/stripe-go/v76/subscription"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

// StripeGateway implements Gateway against the Stripe API.
type StripeGateway struct {
	webhookSecret string
	callTimeout   time.Duration
	logger        *zap.Logger
}

// NewStripeGateway creates a Stripe-backed gateway. callTimeout bounds every
// API call so a slow processor cannot exhaust the worker pool.
func NewStripeGateway(secretKey, webhookSecret string, callTimeout time.Duration, logger *zap.Logger) (*StripeGateway, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	if webhookSecret == "" {
		return nil, fmt.Errorf("stripe webhook secret is required")
	}
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}

	stripe.Key = secretKey

	return &StripeGateway{
		webhookSecret: webhookSecret,
		callTimeout:   callTimeout,
		logger:        logger,
	}, nil
}

// CreateCharge creates and confirms an off-session payment intent.
func (g *StripeGateway) CreateCharge(ctx context.Context, p ChargeParams) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(p.AmountCents),
		Currency:    stripe.String(p.Currency),
		Customer:    stripe.String(p.CustomerID),
		Description: stripe.String(p.Description),
		Confirm:     stripe.Bool(true),
		OffSession:  stripe.Bool(true),
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, g.mapError(ctx, "create_charge", err)
	}

	g.logger.Info("stripe charge created",
		zap.String("payment_intent_id", pi.ID),
		zap.Int64("amount_cents", p.AmountCents),
		zap.String("currency", p.Currency))

	return &Result{ExternalID: pi.ID, Status: string(pi.Status)}, nil
}

// CreateSubscription creates a subscription on the given price.
func (g *StripeGateway) CreateSubscription(ctx context.Context, p SubscriptionParams) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(p.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(p.PriceID)},
		},
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	sub, err := subscription.New(params)
	if err != nil {
		return nil, g.mapError(ctx, "create_subscription", err)
	}
	return &Result{ExternalID: sub.ID, Status: string(sub.Status)}, nil
}

// UpdateSubscription moves the subscription's single item to newPriceID.
// Proration is handled by the caller, not delegated to Stripe.
func (g *StripeGateway) UpdateSubscription(ctx context.Context, externalID, newPriceID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx
	current, err := subscription.Get(externalID, getParams)
	if err != nil {
		return nil, g.mapError(ctx, "get_subscription", err)
	}
	if len(current.Items.Data) == 0 {
		return nil, &GatewayError{
			Code:    GatewayErrInvalidRequest,
			Message: "subscription has no items",
		}
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(newPriceID),
			},
		},
		ProrationBehavior: stripe.String("none"),
	}
	params.Context = ctx

	sub, err := subscription.Update(externalID, params)
	if err != nil {
		return nil, g.mapError(ctx, "update_subscription", err)
	}
	return &Result{ExternalID: sub.ID, Status: string(sub.Status)}, nil
}

// CancelSubscription cancels immediately or flags cancellation at period end.
func (g *StripeGateway) CancelSubscription(ctx context.Context, externalID string, immediate bool) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	if immediate {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		sub, err := subscription.Cancel(externalID, params)
		if err != nil {
			return nil, g.mapError(ctx, "cancel_subscription", err)
		}
		return &Result{ExternalID: sub.ID, Status: string(sub.Status)}, nil
	}

	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	params.Context = ctx
	sub, err := subscription.Update(externalID, params)
	if err != nil {
		return nil, g.mapError(ctx, "cancel_subscription", err)
	}
	return &Result{ExternalID: sub.ID, Status: string(sub.Status)}, nil
}

// CreateRefund issues a refund against a payment intent.
func (g *StripeGateway) CreateRefund(ctx context.Context, p RefundParams) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(p.ExternalPaymentID),
		Amount:        stripe.Int64(p.AmountCents),
	}
	params.Context = ctx
	if reason := stripeRefundReason(p.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	params.AddMetadata("reason", p.Reason)
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	r, err := refund.New(params)
	if err != nil {
		return nil, g.mapError(ctx, "create_refund", err)
	}

	g.logger.Info("stripe refund created",
		zap.String("refund_id", r.ID),
		zap.String("payment_intent_id", p.ExternalPaymentID),
		zap.Int64("amount_cents", p.AmountCents))

	return &Result{ExternalID: r.ID, Status: string(r.Status)}, nil
}

// GetCharge fetches the current state of a payment intent.
func (g *StripeGateway) GetCharge(ctx context.Context, externalID string) (*ChargeState, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(externalID, params)
	if err != nil {
		return nil, g.mapError(ctx, "get_charge", err)
	}

	state := &ChargeState{
		ExternalID:  pi.ID,
		Status:      string(pi.Status),
		AmountCents: pi.Amount,
		Currency:    string(pi.Currency),
	}
	if pi.LastPaymentError != nil {
		state.FailureCode = string(pi.LastPaymentError.Code)
		state.FailureMessage = pi.LastPaymentError.Msg
	}
	return state, nil
}

// VerifyWebhook validates the Stripe-Signature header against the payload.
func (g *StripeGateway) VerifyWebhook(payload []byte, signature string) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	if signature == "" {
		return fmt.Errorf("empty signature")
	}
	if _, err := webhook.ConstructEvent(payload, signature, g.webhookSecret); err != nil {
		return fmt.Errorf("webhook signature verification failed: %w", err)
	}
	return nil
}

// stripeRefundReason maps our reason enum onto the values Stripe accepts;
// reasons Stripe has no equivalent for are carried in metadata only.
func stripeRefundReason(reason string) string {
	switch reason {
	case "customer_request":
		return string(stripe.RefundReasonRequestedByCustomer)
	case "duplicate":
		return string(stripe.RefundReasonDuplicate)
	case "fraudulent":
		return string(stripe.RefundReasonFraudulent)
	}
	return ""
}

// mapError converts a Stripe failure into a typed GatewayError. Timeouts are
// classified as unknown outcome so callers leave state pending instead of
// retrying non-idempotent calls.
func (g *StripeGateway) mapError(ctx context.Context, op string, err error) error {
	ge := &GatewayError{cause: err}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		ge.Code = GatewayErrTimeout
		ge.Message = "payment gateway timed out; outcome unknown"
	case errors.As(err, &netErr) && netErr.Timeout():
		ge.Code = GatewayErrTimeout
		ge.Message = "payment gateway timed out; outcome unknown"
	default:
		var sErr *stripe.Error
		if errors.As(err, &sErr) {
			switch {
			case sErr.Code == stripe.ErrorCodeCardDeclined && sErr.DeclineCode == "insufficient_funds":
				ge.Code = GatewayErrInsufficientFunds
				ge.Message = "the card has insufficient funds"
			case sErr.Code == stripe.ErrorCodeCardDeclined:
				ge.Code = GatewayErrCardDeclined
				ge.Message = "the card was declined"
			case sErr.HTTPStatusCode == 429:
				ge.Code = GatewayErrRateLimited
				ge.Message = "the payment gateway is rate limiting requests"
			case sErr.Type == stripe.ErrorTypeInvalidRequest:
				ge.Code = GatewayErrInvalidRequest
				ge.Message = "the payment gateway rejected the request"
			default:
				ge.Code = GatewayErrUnavailable
				ge.Message = "the payment gateway is unavailable"
			}
		} else {
			ge.Code = GatewayErrUnavailable
			ge.Message = "the payment gateway is unavailable"
		}
	}

	g.logger.Error("stripe call failed",
		zap.String("op", op),
		zap.String("gateway_error", string(ge.Code)),
		zap.Error(err))
	return ge
}
