package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/abhirambsn/mo-ticket/internal/domain"
	"github.com/abhirambsn/mo-ticket/internal/gateway"
	"github.com/abhirambsn/mo-ticket/internal/metrics"
	"github.com/abhirambsn/mo-ticket/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_test"

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func (p *capturePublisher) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}
func (p *capturePublisher) Name() string { return "capture" }
func (p *capturePublisher) Close() error { return nil }

// MockRefundGateway is a testify mock of gateway.RefundGateway
type MockRefundGateway struct {
	mock.Mock
}

func (m *MockRefundGateway) Refund(ctx context.Context, req *gateway.RefundRequest) error {
	return m.Called(ctx, req).Error(0)
}

func setupWebhookRouter(issuer *MockTicketIssuer, pub *capturePublisher) *gin.Engine {
	return setupWebhookRouterWithRefunds(issuer, nil, pub)
}

func setupWebhookRouterWithRefunds(issuer *MockTicketIssuer, refunds gateway.RefundGateway, pub *capturePublisher) *gin.Engine {
	notifier := service.NewNotifier(nil, metrics.NewNop(), pub)
	h := NewWebhookHandler(issuer, refunds, notifier, testWebhookSecret, nil)
	router := gin.New()
	router.POST("/api/v1/webhooks/stripe", h.HandleStripeWebhook)
	return router
}

func sessionEvent(eventType, paymentStatus, paymentIntent string) []byte {
	return []byte(fmt.Sprintf(`{
  "id": "evt_1",
  "object": "event",
  "account": "acct_owner",
  "type": %q,
  "data": {
    "object": {
      "id": "cs_test_1",
      "object": "checkout.session",
      "payment_status": %q,
      "amount_total": 4200,
      "payment_intent": %q,
      "metadata": {
        "resource_id": "show-1",
        "requester_id": "user-1",
        "waitlist_entry_id": "entry-1"
      }
    }
  }
}`, eventType, paymentStatus, paymentIntent))
}

func postSigned(router *gin.Engine, payload []byte, secret string) *httptest.ResponseRecorder {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: secret})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestWebhook_SessionCompletedIssuesGrant(t *testing.T) {
	issuer := new(MockTicketIssuer)
	issuer.On("Purchase", mock.Anything, &service.PurchaseRequest{
		ResourceID:  "show-1",
		RequesterID: "user-1",
		EntryID:     "entry-1",
		PaymentRef:  "pi_123",
		AmountCents: 4200,
	}).Return(&service.PurchaseResult{Grant: &domain.Grant{ID: "grant-1"}}, nil)
	router := setupWebhookRouter(issuer, &capturePublisher{})

	w := postSigned(router, sessionEvent("checkout.session.completed", "paid", "pi_123"), testWebhookSecret)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "grant-1")
	issuer.AssertExpectations(t)
}

func TestWebhook_InvalidSignature(t *testing.T) {
	issuer := new(MockTicketIssuer)
	router := setupWebhookRouter(issuer, &capturePublisher{})

	w := postSigned(router, sessionEvent("checkout.session.completed", "paid", "pi_123"), "whsec_other")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader([]byte(`{}`)))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	issuer.AssertNotCalled(t, "Purchase", mock.Anything, mock.Anything)
}

func TestWebhook_UnpaidSessionIsAcknowledged(t *testing.T) {
	issuer := new(MockTicketIssuer)
	router := setupWebhookRouter(issuer, &capturePublisher{})

	w := postSigned(router, sessionEvent("checkout.session.completed", "unpaid", "pi_123"), testWebhookSecret)

	assert.Equal(t, http.StatusOK, w.Code)
	issuer.AssertNotCalled(t, "Purchase", mock.Anything, mock.Anything)
}

func TestWebhook_UnhandledEventType(t *testing.T) {
	issuer := new(MockTicketIssuer)
	router := setupWebhookRouter(issuer, &capturePublisher{})

	w := postSigned(router, sessionEvent("customer.created", "paid", "pi_123"), testWebhookSecret)

	assert.Equal(t, http.StatusOK, w.Code)
	issuer.AssertNotCalled(t, "Purchase", mock.Anything, mock.Anything)
}

func TestWebhook_DomainRejectionIsAcknowledgedAndPublished(t *testing.T) {
	issuer := new(MockTicketIssuer)
	issuer.On("Purchase", mock.Anything, mock.Anything).Return(nil, domain.ErrOfferExpired)
	pub := &capturePublisher{}
	router := setupWebhookRouter(issuer, pub)

	w := postSigned(router, sessionEvent("checkout.session.completed", "paid", "pi_late"), testWebhookSecret)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "OFFER_EXPIRED")
	if assert.Len(t, pub.events, 1) {
		ev := pub.events[0]
		assert.Equal(t, domain.ChangePurchaseRejected, ev.Type)
		assert.Equal(t, "entry-1", ev.EntryID)
		assert.Equal(t, "pi_late", ev.Reason)
	}
}

func TestWebhook_InfrastructureFailureAsksForRedelivery(t *testing.T) {
	issuer := new(MockTicketIssuer)
	issuer.On("Purchase", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))
	pub := &capturePublisher{}
	router := setupWebhookRouter(issuer, pub)

	w := postSigned(router, sessionEvent("checkout.session.completed", "paid", "pi_123"), testWebhookSecret)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, pub.events)
}

func TestWebhook_MalformedConfirmationIsRejected(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{
			"no waitlist entry metadata",
			[]byte(strings.Replace(string(sessionEvent("checkout.session.completed", "paid", "pi_123")),
				`"waitlist_entry_id": "entry-1"`, `"waitlist_entry_id": ""`, 1)),
		},
		{
			"no resource metadata",
			[]byte(strings.Replace(string(sessionEvent("checkout.session.completed", "paid", "pi_123")),
				`"resource_id": "show-1"`, `"resource_id": ""`, 1)),
		},
		{
			"no payment intent",
			sessionEvent("checkout.session.completed", "paid", ""),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer := new(MockTicketIssuer)
			pub := &capturePublisher{}
			router := setupWebhookRouter(issuer, pub)

			w := postSigned(router, tt.payload, testWebhookSecret)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, pub.events)
			issuer.AssertNotCalled(t, "Purchase", mock.Anything, mock.Anything)
		})
	}
}

func TestWebhook_InvalidArgumentIsNotAcknowledged(t *testing.T) {
	issuer := new(MockTicketIssuer)
	issuer.On("Purchase", mock.Anything, mock.Anything).Return(nil, domain.Errorf(domain.KindInvalidArgument, "payment_ref is required"))
	refunds := new(MockRefundGateway)
	pub := &capturePublisher{}
	router := setupWebhookRouterWithRefunds(issuer, refunds, pub)

	w := postSigned(router, sessionEvent("checkout.session.completed", "paid", "pi_123"), testWebhookSecret)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, pub.events)
	refunds.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)
}

func TestWebhook_RejectedPaymentIsRefunded(t *testing.T) {
	issuer := new(MockTicketIssuer)
	issuer.On("Purchase", mock.Anything, mock.Anything).Return(nil, domain.ErrOfferExpired)
	refunds := new(MockRefundGateway)
	refunds.On("Refund", mock.Anything, &gateway.RefundRequest{
		PaymentRef:   "pi_late",
		OwnerAccount: "acct_owner",
	}).Return(nil).Once()
	pub := &capturePublisher{}
	router := setupWebhookRouterWithRefunds(issuer, refunds, pub)

	w := postSigned(router, sessionEvent("checkout.session.completed", "paid", "pi_late"), testWebhookSecret)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"refunded":true`)
	refunds.AssertExpectations(t)
	if assert.Len(t, pub.events, 1) {
		assert.Equal(t, domain.ChangePurchaseRejected, pub.events[0].Type)
		assert.Equal(t, string(domain.KindOfferExpired), pub.events[0].Status)
	}
}

func TestWebhook_RedeliveredRejectionAcceptsEarlierRefund(t *testing.T) {
	issuer := new(MockTicketIssuer)
	issuer.On("Purchase", mock.Anything, mock.Anything).Return(nil, domain.ErrOfferExpired)
	refunds := new(MockRefundGateway)
	refunds.On("Refund", mock.Anything, mock.Anything).Return(fmt.Errorf("%w: pi_late", gateway.ErrAlreadyRefunded))
	router := setupWebhookRouterWithRefunds(issuer, refunds, &capturePublisher{})

	w := postSigned(router, sessionEvent("checkout.session.completed", "paid", "pi_late"), testWebhookSecret)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"refunded":true`)
}

func TestWebhook_FailedRefundAsksForRedelivery(t *testing.T) {
	issuer := new(MockTicketIssuer)
	issuer.On("Purchase", mock.Anything, mock.Anything).Return(nil, domain.ErrOfferExpired)
	refunds := new(MockRefundGateway)
	refunds.On("Refund", mock.Anything, mock.Anything).Return(errors.New("stripe unavailable"))
	pub := &capturePublisher{}
	router := setupWebhookRouterWithRefunds(issuer, refunds, pub)

	w := postSigned(router, sessionEvent("checkout.session.completed", "paid", "pi_late"), testWebhookSecret)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, pub.events)
}
