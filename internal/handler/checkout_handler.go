package handler

import (
	"time"

	"github.com/abhirambsn/mo-ticket/internal/service"
	"github.com/abhirambsn/mo-ticket/pkg/response"
	"github.com/abhirambsn/mo-ticket/pkg/telemetry"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// CheckoutHandler opens payment sessions and runs owner cancellations
type CheckoutHandler struct {
	checkout service.CheckoutService
	cascade  service.CancellationCascade
}

// NewCheckoutHandler creates a new checkout handler
func NewCheckoutHandler(checkout service.CheckoutService, cascade service.CancellationCascade) *CheckoutHandler {
	return &CheckoutHandler{checkout: checkout, cascade: cascade}
}

type checkoutResponse struct {
	SessionID      string    `json:"session_id"`
	SessionURL     string    `json:"session_url"`
	ExpiresAt      time.Time `json:"expires_at"`
	EntryID        string    `json:"waitlist_entry_id"`
	OfferExpiresAt time.Time `json:"offer_expires_at"`
}

// CreateCheckout handles POST /resources/:id/checkout
func (h *CheckoutHandler) CreateCheckout(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.checkout.create")
	defer span.End()

	userID, ok := callerID(c)
	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("resource_id", c.Param("id")),
		attribute.String("user_id", userID),
	)

	res, err := h.checkout.CreateOffer(ctx, c.Param("id"), userID)
	if err != nil {
		telemetry.Fail(span, err)
		handleError(c, err)
		return
	}

	telemetry.OK(span)
	response.Created(c, checkoutResponse{
		SessionID:      res.Session.ID,
		SessionURL:     res.Session.URL,
		ExpiresAt:      res.Session.ExpiresAt,
		EntryID:        res.Entry.ID,
		OfferExpiresAt: *res.Entry.OfferExpiresAt,
	})
}

// Cancel handles POST /resources/:id/cancel
func (h *CheckoutHandler) Cancel(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.resource.cancel")
	defer span.End()

	userID, ok := callerID(c)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("resource_id", c.Param("id")))

	res, err := h.cascade.Cancel(ctx, c.Param("id"), userID)
	if err != nil {
		telemetry.Fail(span, err)
		handleError(c, err)
		return
	}

	telemetry.OK(span)
	response.Success(c, res)
}
