package shared

import (
	"errors"

	"github.com/mallpay-next/internal/http/response"
	"github.com/mallpay-next/internal/logger"
	"github.com/mallpay-next/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLog 提供携带 request_id 的日志实例。
func RequestLog(c *gin.Context) *zap.SugaredLogger {
	if c == nil {
		return logger.S()
	}
	if c.Request != nil {
		return logger.FromContext(c.Request.Context())
	}
	if requestID, ok := c.Get("request_id"); ok {
		if id, ok := requestID.(string); ok && id != "" {
			return logger.SW("request_id", id)
		}
	}
	return logger.S()
}

// RespondError 返回错误响应，并在有原始错误时记录日志。
func RespondError(c *gin.Context, code int, msg string, err error) {
	appErr := response.WrapError(code, msg, err)
	if err != nil {
		RequestLog(c).Errorw("handler_error",
			"code", appErr.Code,
			"message", appErr.Message,
			"error", err,
		)
	}
	response.Error(c, appErr.Code, appErr.Message)
}

// RespondServiceError 按错误类别映射业务码
func RespondServiceError(c *gin.Context, err error) {
	code, msg := MapServiceError(err)
	if code >= response.CodeInternal {
		RespondError(c, code, msg, err)
		return
	}
	RequestLog(c).Infow("handler_rejected", "code", code, "error", err)
	switch code {
	case response.CodeBadRequest:
		response.BadRequest(c, msg)
	case response.CodeUnauthorized:
		response.Unauthorized(c, msg)
	case response.CodeForbidden:
		response.Forbidden(c, msg)
	case response.CodeNotFound:
		response.NotFound(c, msg)
	default:
		response.Error(c, code, msg)
	}
}

// MapServiceError 服务层错误到业务码与提示
func MapServiceError(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidToken):
		return response.CodeUnauthorized, "invalid token"
	case errors.Is(err, service.ErrChannelDisabled):
		return response.CodeBadRequest, "payment channel disabled"
	case errors.Is(err, service.ErrInsufficientPoints):
		return response.CodeBadRequest, "insufficient points"
	case errors.Is(err, service.ErrRefundAmountExceeded):
		return response.CodeBadRequest, "refund amount exceeds refundable balance"
	case errors.Is(err, service.ErrRefundNotAllowed):
		return response.CodeConflict, "payment not refundable"
	case errors.Is(err, service.ErrOrderStatusInvalid):
		return response.CodeConflict, "order status invalid"
	case errors.Is(err, service.ErrRetryItemNotTerminal):
		return response.CodeConflict, "retry item is not terminal"
	}
	switch service.Classify(err) {
	case service.KindNotFound:
		return response.CodeNotFound, "not found"
	case service.KindLockConflict:
		return response.CodeConflict, "duplicate submission"
	case service.KindAlreadyTerminal, service.KindInvalidTransition:
		return response.CodeConflict, "status does not allow this operation"
	case service.KindVerificationFailure:
		return response.CodeForbidden, "verification failed"
	case service.KindTransient:
		return response.CodeUnavailable, "service temporarily unavailable"
	case service.KindInvalid:
		return response.CodeBadRequest, "invalid request"
	default:
		return response.CodeInternal, "internal error"
	}
}
