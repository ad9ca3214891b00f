package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
)

func TestSessionExpiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		offer time.Time
		want  time.Time
	}{
		{"offer outlives the floor", now.Add(2 * time.Hour), now.Add(2 * time.Hour)},
		{"offer shorter than the floor", now.Add(10 * time.Minute), now.Add(minSessionLifetime)},
		{"offer already lapsed", now.Add(-time.Minute), now.Add(minSessionLifetime)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sessionExpiry(tt.offer, now))
		})
	}
}

func TestApplicationFee(t *testing.T) {
	assert.Equal(t, int64(250), applicationFee(2500, 10))
	assert.Equal(t, int64(0), applicationFee(2500, 0))
	assert.Equal(t, int64(9), applicationFee(99, 10))
}

func TestNewStripeGateway_RequiresKey(t *testing.T) {
	_, err := NewStripeGateway(nil)
	assert.Error(t, err)
	_, err = NewStripeGateway(&StripeGatewayConfig{})
	assert.Error(t, err)
}

func TestStripeGateway_CheckoutParams(t *testing.T) {
	g := &StripeGateway{config: &StripeGatewayConfig{
		Currency:              "usd",
		ApplicationFeePercent: 10,
		SuccessURL:            "https://example.com/ok",
		CancelURL:             "https://example.com/cancel",
	}}
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	req := &CheckoutRequest{
		ResourceID:     "show-1",
		RequesterID:    "alice",
		EntryID:        "entry-1",
		ResourceName:   "Late Show",
		AmountCents:    5000,
		OwnerAccount:   "acct_owner",
		OfferExpiresAt: now.Add(time.Hour),
	}

	params := g.checkoutParams(req, now)

	assert.Equal(t, string(stripe.CheckoutSessionModePayment), *params.Mode)
	require.Len(t, params.LineItems, 1)
	assert.Equal(t, int64(5000), *params.LineItems[0].PriceData.UnitAmount)
	assert.Equal(t, "usd", *params.LineItems[0].PriceData.Currency)
	assert.Equal(t, int64(1), *params.LineItems[0].Quantity)
	assert.Equal(t, int64(500), *params.PaymentIntentData.ApplicationFeeAmount)
	assert.Equal(t, "acct_owner", *params.StripeAccount)
	assert.Equal(t, now.Add(time.Hour).Unix(), *params.ExpiresAt)
	assert.Equal(t, map[string]string{
		MetaResourceID:      "show-1",
		MetaRequesterID:     "alice",
		MetaWaitlistEntryID: "entry-1",
	}, params.Metadata)
	assert.Equal(t, params.Metadata, params.PaymentIntentData.Metadata)
}

func TestStripeGateway_CheckoutParamsWithoutOwnerAccount(t *testing.T) {
	g := &StripeGateway{config: &StripeGatewayConfig{Currency: "eur", ApplicationFeePercent: 10}}
	params := g.checkoutParams(&CheckoutRequest{AmountCents: 1000}, time.Now())

	assert.Nil(t, params.StripeAccount)
	assert.Nil(t, params.PaymentIntentData.ApplicationFeeAmount)
	assert.Equal(t, "eur", *params.LineItems[0].PriceData.Currency)
}

func TestMockGateway_Refunds(t *testing.T) {
	g := NewMockGateway()
	g.FailRefund("pi_bad", nil)
	ctx := context.Background()

	assert.NoError(t, g.Refund(ctx, &RefundRequest{PaymentRef: "pi_ok"}))
	assert.Error(t, g.Refund(ctx, &RefundRequest{PaymentRef: "pi_bad"}))
	assert.Error(t, g.Refund(ctx, &RefundRequest{}))
	assert.Equal(t, []string{"pi_ok", "pi_bad"}, g.Refunds())
	assert.True(t, g.Refunded("pi_ok"))
	assert.False(t, g.Refunded("pi_bad"))
}

func TestMockGateway_RefundsAPaymentOnce(t *testing.T) {
	g := NewMockGateway()
	g.FailRefundOnce("pi_flaky", nil)
	ctx := context.Background()

	require.NoError(t, g.Refund(ctx, &RefundRequest{PaymentRef: "pi_1"}))
	err := g.Refund(ctx, &RefundRequest{PaymentRef: "pi_1"})
	assert.ErrorIs(t, err, ErrAlreadyRefunded)

	assert.Error(t, g.Refund(ctx, &RefundRequest{PaymentRef: "pi_flaky"}))
	assert.NoError(t, g.Refund(ctx, &RefundRequest{PaymentRef: "pi_flaky"}))
	assert.ErrorIs(t, g.Refund(ctx, &RefundRequest{PaymentRef: "pi_flaky"}), ErrAlreadyRefunded)
}

func TestStripeGateway_AlreadyRefunded(t *testing.T) {
	assert.True(t, alreadyRefunded(&stripe.Error{Code: stripe.ErrorCodeChargeAlreadyRefunded}))
	assert.True(t, alreadyRefunded(fmt.Errorf("wrapped: %w", &stripe.Error{Code: stripe.ErrorCodeChargeAlreadyRefunded})))
	assert.False(t, alreadyRefunded(&stripe.Error{Code: stripe.ErrorCodeCardDeclined}))
	assert.False(t, alreadyRefunded(errors.New("network")))
	assert.Equal(t, "refund-pi_123", refundIdempotencyKey("pi_123"))
}

func TestMockGateway_HonoursContextDuringDelay(t *testing.T) {
	g := NewMockGateway()
	g.SetDelay(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.Refund(ctx, &RefundRequest{PaymentRef: "pi_1"})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, g.Refunds())
}

func TestMockGateway_CheckoutSession(t *testing.T) {
	g := NewMockGateway()
	s, err := g.CreateCheckoutSession(context.Background(), &CheckoutRequest{ResourceID: "show-1", OfferExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Contains(t, s.URL, s.ID)
	assert.Len(t, g.Sessions(), 1)
}
