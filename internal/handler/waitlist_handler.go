package handler

import (
	"net/http"

	"github.com/abhirambsn/mo-ticket/internal/service"
	"github.com/abhirambsn/mo-ticket/pkg/response"
	"github.com/abhirambsn/mo-ticket/pkg/telemetry"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// WaitlistHandler handles waitlist and grant HTTP requests
type WaitlistHandler struct {
	waitlist service.WaitlistService
}

// NewWaitlistHandler creates a new waitlist handler
func NewWaitlistHandler(waitlist service.WaitlistService) *WaitlistHandler {
	return &WaitlistHandler{waitlist: waitlist}
}

// Join handles POST /resources/:id/waitlist
func (h *WaitlistHandler) Join(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.waitlist.join")
	defer span.End()

	userID, ok := callerID(c)
	if !ok {
		return
	}
	resourceID := c.Param("id")
	span.SetAttributes(
		attribute.String("resource_id", resourceID),
		attribute.String("user_id", userID),
	)

	result, err := h.waitlist.Join(ctx, resourceID, userID)
	if err != nil {
		telemetry.Fail(span, err)
		handleError(c, err)
		return
	}

	telemetry.OK(span)
	response.Created(c, result)
}

// Leave handles DELETE /resources/:id/waitlist
func (h *WaitlistHandler) Leave(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.waitlist.leave")
	defer span.End()

	userID, ok := callerID(c)
	if !ok {
		return
	}

	entry, err := h.waitlist.Leave(ctx, c.Param("id"), userID)
	if err != nil {
		telemetry.Fail(span, err)
		handleError(c, err)
		return
	}

	telemetry.OK(span)
	response.Success(c, entry)
}

// Position handles GET /resources/:id/waitlist/me
func (h *WaitlistHandler) Position(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.waitlist.position")
	defer span.End()

	userID, ok := callerID(c)
	if !ok {
		return
	}

	entry, err := h.waitlist.Position(ctx, c.Param("id"), userID)
	if err != nil {
		telemetry.Fail(span, err)
		handleError(c, err)
		return
	}
	if entry == nil {
		response.Error(c, http.StatusNotFound, "NOT_FOUND", "not on the waitlist", nil)
		return
	}

	telemetry.OK(span)
	response.Success(c, entry)
}

// availabilityResponse adds the derived fields clients display
type availabilityResponse struct {
	ResourceID string `json:"resource_id"`
	Capacity   int    `json:"capacity"`
	Reserved   int    `json:"reserved"`
	Remaining  int    `json:"remaining"`
	SoldOut    bool   `json:"sold_out"`
}

// Availability handles GET /resources/:id/availability
func (h *WaitlistHandler) Availability(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.waitlist.availability")
	defer span.End()

	a, err := h.waitlist.Availability(ctx, c.Param("id"))
	if err != nil {
		telemetry.Fail(span, err)
		handleError(c, err)
		return
	}

	telemetry.OK(span)
	response.Success(c, availabilityResponse{
		ResourceID: a.ResourceID,
		Capacity:   a.Capacity,
		Reserved:   a.Reserved,
		Remaining:  a.Remaining(),
		SoldOut:    a.SoldOut(),
	})
}

// MyGrant handles GET /resources/:id/grants/me
func (h *WaitlistHandler) MyGrant(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	g, err := h.waitlist.GrantForRequester(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		handleError(c, err)
		return
	}
	if g == nil {
		response.Error(c, http.StatusNotFound, "NOT_FOUND", "no grant for this resource", nil)
		return
	}
	response.Success(c, g)
}

// ListGrants handles GET /resources/:id/grants, for the resource owner
func (h *WaitlistHandler) ListGrants(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	grants, err := h.waitlist.ListValidGrants(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, grants)
}
