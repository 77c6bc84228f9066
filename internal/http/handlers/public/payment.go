package public

import (
	"github.com/mallpay-next/internal/http/handlers/shared"
	"github.com/mallpay-next/internal/http/response"
	"github.com/mallpay-next/internal/service"

	"github.com/gin-gonic/gin"
)

// CreatePaymentRequest 创建支付请求
type CreatePaymentRequest struct {
	OrderID       uint   `json:"order_id"`
	Channel       string `json:"channel" binding:"required"`
	SettleChannel string `json:"settle_channel"`
	Amount        int64  `json:"amount" binding:"required"`
	PointsAmount  int64  `json:"points_amount"`
	Currency      string `json:"currency"`
	Description   string `json:"description"`
	Scene         string `json:"scene"`
}

// CreatePayment 发起支付
func (h *Handler) CreatePayment(c *gin.Context) {
	userID, ok := shared.GetContextUint(c, shared.ContextUserID)
	if !ok {
		return
	}
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	payment, err := h.PaymentService.CreatePayment(c.Request.Context(), service.CreatePaymentInput{
		UserID:        userID,
		OrderID:       req.OrderID,
		Channel:       req.Channel,
		SettleChannel: req.SettleChannel,
		Amount:        req.Amount,
		PointsAmount:  req.PointsAmount,
		Currency:      req.Currency,
		Description:   req.Description,
		ClientIP:      c.ClientIP(),
		Scene:         req.Scene,
	})
	if err != nil {
		shared.RespondServiceError(c, err)
		return
	}
	response.Success(c, payment)
}

// GetPayment 查询本人的支付单
func (h *Handler) GetPayment(c *gin.Context) {
	userID, ok := shared.GetContextUint(c, shared.ContextUserID)
	if !ok {
		return
	}
	id, ok := shared.ParamUint(c, "id")
	if !ok {
		return
	}
	payment, err := h.PaymentService.GetPayment(c.Request.Context(), userID, id)
	if err != nil {
		shared.RespondServiceError(c, err)
		return
	}
	response.Success(c, payment)
}

// CancelPayment 取消未支付的支付单
func (h *Handler) CancelPayment(c *gin.Context) {
	userID, ok := shared.GetContextUint(c, shared.ContextUserID)
	if !ok {
		return
	}
	id, ok := shared.ParamUint(c, "id")
	if !ok {
		return
	}
	payment, err := h.PaymentService.CancelPayment(c.Request.Context(), userID, id)
	if err != nil {
		shared.RespondServiceError(c, err)
		return
	}
	response.Success(c, payment)
}
