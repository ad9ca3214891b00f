package handler

import (
	"errors"
	"net/http"

	"github.com/abhirambsn/mo-ticket/internal/domain"
	"github.com/abhirambsn/mo-ticket/internal/middleware"
	"github.com/abhirambsn/mo-ticket/pkg/logger"
	"github.com/abhirambsn/mo-ticket/pkg/response"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// statusFor maps a domain error kind to its HTTP status
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindAlreadyClaimed, domain.KindOfferNotActive, domain.KindCapacityExceeded:
		return http.StatusConflict
	case domain.KindResourceUnavailable, domain.KindOfferExpired:
		return http.StatusGone
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindInvalidArgument:
		return http.StatusBadRequest
	case domain.KindRefundFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleError converts service errors to the response envelope.
// Infrastructure failures never leak their message.
func handleError(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	if kind == "" {
		logger.Get().Error("request failed",
			zap.String("request_id", middleware.GetRequestID(c)),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		_ = c.Error(err)
		response.InternalError(c)
		return
	}

	var details interface{}
	var refundErr *domain.RefundFailedError
	if errors.As(err, &refundErr) {
		details = gin.H{
			"failed_grant_ids":   refundErr.FailedGrantIDs,
			"refunded_grant_ids": refundErr.RefundedGrantIDs,
		}
	}
	response.Error(c, statusFor(kind), string(kind), err.Error(), details)
}

// callerID returns the authenticated caller, writing 401 when absent
func callerID(c *gin.Context) (string, bool) {
	id := c.GetString(middleware.UserIDKey)
	if id == "" {
		response.Unauthorized(c, "unauthorized")
		return "", false
	}
	return id, true
}
