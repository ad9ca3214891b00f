package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/abhirambsn/mo-ticket/internal/domain"
	"github.com/abhirambsn/mo-ticket/internal/gateway"
	"github.com/abhirambsn/mo-ticket/internal/service"
	"github.com/abhirambsn/mo-ticket/pkg/logger"
	"github.com/abhirambsn/mo-ticket/pkg/response"
	"github.com/abhirambsn/mo-ticket/pkg/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const maxWebhookBody = 64 << 10

// WebhookHandler turns Stripe payment confirmations into grants. Paid
// sessions that can no longer be honoured are refunded when refunds is set.
type WebhookHandler struct {
	issuer        service.TicketIssuer
	refunds       gateway.RefundGateway
	notifier      *service.Notifier
	webhookSecret string
	log           *logger.Logger
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(issuer service.TicketIssuer, refunds gateway.RefundGateway, notifier *service.Notifier, webhookSecret string, log *logger.Logger) *WebhookHandler {
	if log == nil {
		log = logger.Get()
	}
	return &WebhookHandler{
		issuer:        issuer,
		refunds:       refunds,
		notifier:      notifier,
		webhookSecret: webhookSecret,
		log:           log.Named("stripe_webhook"),
	}
}

// HandleStripeWebhook handles POST /webhooks/stripe
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(c, "failed to read request body")
		return
	}

	sigHeader := c.GetHeader("Stripe-Signature")
	if sigHeader == "" {
		h.log.Warn("missing Stripe-Signature header")
		response.BadRequest(c, "missing Stripe-Signature header")
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.log.Warn("failed to verify webhook signature", zap.Error(err))
		response.BadRequest(c, "invalid signature")
		return
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		h.handleSessionPaid(c, event)
	default:
		h.log.Debug("unhandled webhook event", zap.String("type", string(event.Type)))
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}

func (h *WebhookHandler) handleSessionPaid(c *gin.Context, event stripe.Event) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.webhook.session_paid")
	defer span.End()

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		h.log.Error("failed to parse checkout session", zap.String("event_id", event.ID), zap.Error(err))
		response.BadRequest(c, "failed to parse event data")
		return
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		// async methods confirm later through async_payment_succeeded
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	req := &service.PurchaseRequest{
		ResourceID:  session.Metadata[gateway.MetaResourceID],
		RequesterID: session.Metadata[gateway.MetaRequesterID],
		EntryID:     session.Metadata[gateway.MetaWaitlistEntryID],
		AmountCents: session.AmountTotal,
	}
	if session.PaymentIntent != nil {
		req.PaymentRef = session.PaymentIntent.ID
	}
	span.SetAttributes(
		attribute.String("session_id", session.ID),
		attribute.String("resource_id", req.ResourceID),
		attribute.String("entry_id", req.EntryID),
	)

	if req.EntryID == "" || req.ResourceID == "" || req.RequesterID == "" {
		h.log.Warn("checkout session without waitlist metadata", zap.String("session_id", session.ID))
		response.BadRequest(c, "checkout session is missing waitlist metadata")
		return
	}
	if req.PaymentRef == "" {
		h.log.Warn("paid checkout session without payment intent", zap.String("session_id", session.ID))
		response.BadRequest(c, "checkout session has no payment intent")
		return
	}

	res, err := h.issuer.Purchase(ctx, req)
	if err != nil {
		if domain.KindOf(err) == "" {
			// Stripe redelivers on non-2xx
			telemetry.Fail(span, err)
			h.log.Error("failed to issue grant",
				zap.String("session_id", session.ID),
				zap.String("entry_id", req.EntryID),
				zap.Error(err),
			)
			response.InternalError(c)
			return
		}
		if domain.KindOf(err) == domain.KindInvalidArgument {
			h.log.Warn("malformed payment confirmation",
				zap.String("session_id", session.ID),
				zap.Error(err),
			)
			response.BadRequest(c, err.Error())
			return
		}
		h.rejectPayment(c, event.Account, &session, req, err)
		return
	}

	telemetry.OK(span)
	c.JSON(http.StatusOK, gin.H{
		"received":  true,
		"grant_id":  res.Grant.ID,
		"duplicate": res.Duplicate,
	})
}

// rejectPayment refunds a paid session that can no longer be honoured and
// acknowledges it. A failed refund answers 500 so Stripe redelivers and the
// refund is tried again; the refund is keyed by payment, so repeats are safe.
func (h *WebhookHandler) rejectPayment(c *gin.Context, account string, session *stripe.CheckoutSession, req *service.PurchaseRequest, cause error) {
	ctx := c.Request.Context()
	kind := domain.KindOf(cause)
	log := h.log.With(
		zap.String("session_id", session.ID),
		zap.String("payment_ref", req.PaymentRef),
		zap.String("resource_id", req.ResourceID),
		zap.String("requester_id", req.RequesterID),
		zap.String("entry_id", req.EntryID),
		zap.String("kind", string(kind)),
	)

	refunded := false
	if h.refunds != nil {
		err := h.refunds.Refund(ctx, &gateway.RefundRequest{
			PaymentRef:   req.PaymentRef,
			OwnerAccount: account,
		})
		if err != nil && !errors.Is(err, gateway.ErrAlreadyRefunded) {
			log.Error("failed to refund rejected payment", zap.Error(err), zap.NamedError("cause", cause))
			response.InternalError(c)
			return
		}
		refunded = true
		log.Warn("paid session rejected and refunded", zap.Error(cause))
	} else {
		log.Error("paid session rejected, refund needed", zap.Error(cause))
	}

	h.notifier.Emit(ctx, domain.ChangeEvent{
		Type:        domain.ChangePurchaseRejected,
		ResourceID:  req.ResourceID,
		RequesterID: req.RequesterID,
		EntryID:     req.EntryID,
		Status:      string(kind),
		Reason:      req.PaymentRef,
		OccurredAt:  time.Now().UTC(),
	})
	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"rejected": string(kind),
		"refunded": refunded,
	})
}
