package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abhirambsn/mo-ticket/pkg/telemetry"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/refund"
	"go.opentelemetry.io/otel/attribute"
)

// Stripe rejects checkout sessions that expire sooner than 30 minutes out
const minSessionLifetime = 31 * time.Minute

// StripeGateway implements PaymentGateway and RefundGateway using Stripe
// Checkout on the resource owner's connected account
type StripeGateway struct {
	config *StripeGatewayConfig
	now    func() time.Time
}

// StripeGatewayConfig holds configuration for Stripe gateway
type StripeGatewayConfig struct {
	SecretKey             string
	Currency              string
	ApplicationFeePercent int64
	SuccessURL            string
	CancelURL             string
}

// NewStripeGateway creates a new Stripe gateway
func NewStripeGateway(config *StripeGatewayConfig) (*StripeGateway, error) {
	if config == nil {
		return nil, fmt.Errorf("stripe config is required")
	}
	if config.SecretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}

	// Set Stripe API key globally
	stripe.Key = config.SecretKey

	return &StripeGateway{config: config, now: time.Now}, nil
}

// Name returns the gateway name
func (g *StripeGateway) Name() string {
	return "stripe"
}

// CreateCheckoutSession opens a payment-mode session for one unit
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req *CheckoutRequest) (*CheckoutSession, error) {
	if req == nil {
		return nil, fmt.Errorf("checkout request is required")
	}

	ctx, span := telemetry.StartSpan(ctx, "gateway.stripe.create_checkout_session")
	defer span.End()
	span.SetAttributes(
		attribute.String("resource_id", req.ResourceID),
		attribute.String("entry_id", req.EntryID),
	)

	params := g.checkoutParams(req, g.now())
	params.Context = ctx

	s, err := session.New(params)
	if err != nil {
		telemetry.Fail(span, err)
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	telemetry.OK(span)
	return &CheckoutSession{
		ID:        s.ID,
		URL:       s.URL,
		ExpiresAt: time.Unix(s.ExpiresAt, 0).UTC(),
	}, nil
}

func (g *StripeGateway) checkoutParams(req *CheckoutRequest, now time.Time) *stripe.CheckoutSessionParams {
	currency := req.Currency
	if currency == "" {
		currency = g.config.Currency
	}

	meta := req.Metadata()
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(currency),
					UnitAmount: stripe.Int64(req.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.ResourceName),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: meta,
		},
		SuccessURL: stripe.String(g.config.SuccessURL),
		CancelURL:  stripe.String(g.config.CancelURL),
		ExpiresAt:  stripe.Int64(sessionExpiry(req.OfferExpiresAt, now).Unix()),
		Metadata:   meta,
	}
	if req.Description != "" {
		params.LineItems[0].PriceData.ProductData.Description = stripe.String(req.Description)
	}

	if req.OwnerAccount != "" {
		params.PaymentIntentData.ApplicationFeeAmount = stripe.Int64(applicationFee(req.AmountCents, g.config.ApplicationFeePercent))
		params.SetStripeAccount(req.OwnerAccount)
	}
	return params
}

// Refund reverses the payment intent behind a grant on the owner's account
func (g *StripeGateway) Refund(ctx context.Context, req *RefundRequest) error {
	if req == nil || req.PaymentRef == "" {
		return fmt.Errorf("payment reference is required")
	}

	ctx, span := telemetry.StartSpan(ctx, "gateway.stripe.refund")
	defer span.End()
	span.SetAttributes(attribute.String("grant_id", req.GrantID))

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentRef),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	// one refund per payment, so a retried cascade replays the first result
	params.SetIdempotencyKey(refundIdempotencyKey(req.PaymentRef))
	if req.OwnerAccount != "" {
		params.SetStripeAccount(req.OwnerAccount)
	}
	params.Context = ctx

	if _, err := refund.New(params); err != nil {
		if alreadyRefunded(err) {
			span.SetAttributes(attribute.Bool("already_refunded", true))
			return fmt.Errorf("%w: %s", ErrAlreadyRefunded, req.PaymentRef)
		}
		telemetry.Fail(span, err)
		return fmt.Errorf("failed to create refund: %w", err)
	}

	telemetry.OK(span)
	return nil
}

func refundIdempotencyKey(paymentRef string) string {
	return "refund-" + paymentRef
}

// alreadyRefunded matches Stripe's rejection of a second refund, which
// happens once the idempotency key has aged out
func alreadyRefunded(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeChargeAlreadyRefunded
}

// sessionExpiry keeps the checkout open for the offer's lifetime, but never
// shorter than Stripe accepts
func sessionExpiry(offerExpiresAt, now time.Time) time.Time {
	floor := now.Add(minSessionLifetime)
	if offerExpiresAt.After(floor) {
		return offerExpiresAt
	}
	return floor
}

func applicationFee(amountCents, percent int64) int64 {
	if percent <= 0 {
		return 0
	}
	return amountCents * percent / 100
}
