package admin

import (
	"strings"

	"github.com/mallpay-next/internal/http/handlers/shared"
	"github.com/mallpay-next/internal/http/response"
	"github.com/mallpay-next/internal/repository"
	"github.com/mallpay-next/internal/service"

	"github.com/gin-gonic/gin"
)

// CreateRefundRequest 发起退款请求
type CreateRefundRequest struct {
	Amount int64  `json:"amount" binding:"required"`
	Reason string `json:"reason"`
}

// CreateRefund 对已支付的支付单发起退款
func (h *Handler) CreateRefund(c *gin.Context) {
	adminID, ok := shared.GetContextUint(c, shared.ContextAdminID)
	if !ok {
		return
	}
	paymentID, ok := shared.ParamUint(c, "id")
	if !ok {
		return
	}
	var req CreateRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	refund, err := h.RefundService.CreateRefund(c.Request.Context(), service.CreateRefundInput{
		PaymentID:  paymentID,
		Amount:     req.Amount,
		Reason:     strings.TrimSpace(req.Reason),
		OperatorID: adminID,
	})
	if err != nil {
		shared.RespondServiceError(c, err)
		return
	}
	shared.RequestLog(c).Infow("admin_refund_created",
		"admin_id", adminID,
		"payment_id", paymentID,
		"refund_id", refund.ID,
		"amount", refund.Amount,
	)
	response.Success(c, refund)
}

// ListRefunds 退款列表
func (h *Handler) ListRefunds(c *gin.Context) {
	page, pageSize := shared.PageParams(c)
	refunds, total, err := h.RefundService.ListRefunds(c.Request.Context(), repository.RefundListFilter{
		Page:      page,
		PageSize:  pageSize,
		PaymentID: shared.QueryUint(c, "payment_id"),
		UserID:    shared.QueryUint(c, "user_id"),
		Status:    strings.ToUpper(strings.TrimSpace(c.Query("status"))),
	})
	if err != nil {
		shared.RespondServiceError(c, err)
		return
	}
	response.SuccessWithPage(c, refunds, shared.BuildPagination(page, pageSize, total))
}

// GetRefund 退款详情
func (h *Handler) GetRefund(c *gin.Context) {
	id, ok := shared.ParamUint(c, "id")
	if !ok {
		return
	}
	refund, err := h.RefundService.GetRefund(c.Request.Context(), id)
	if err != nil {
		shared.RespondServiceError(c, err)
		return
	}
	response.Success(c, refund)
}

// SyncRefund 查询渠道退款结果，待提交的退款会重新提交
func (h *Handler) SyncRefund(c *gin.Context) {
	id, ok := shared.ParamUint(c, "id")
	if !ok {
		return
	}
	refund, err := h.RefundService.SyncRefund(c.Request.Context(), id)
	if err != nil {
		shared.RespondServiceError(c, err)
		return
	}
	response.Success(c, refund)
}
