package admin

import (
	"strings"
	"time"

	"github.com/mallpay-next/internal/http/handlers/shared"
	"github.com/mallpay-next/internal/http/response"
	"github.com/mallpay-next/internal/repository"

	"github.com/gin-gonic/gin"
)

// ListPayments 支付列表
func (h *Handler) ListPayments(c *gin.Context) {
	page, pageSize := shared.PageParams(c)
	filter := repository.PaymentListFilter{
		Page:     page,
		PageSize: pageSize,
		UserID:   shared.QueryUint(c, "user_id"),
		OrderID:  shared.QueryUint(c, "order_id"),
		Channel:  strings.ToUpper(strings.TrimSpace(c.Query("channel"))),
		Status:   strings.ToUpper(strings.TrimSpace(c.Query("status"))),
		Keyword:  strings.TrimSpace(c.Query("keyword")),
	}
	from, ok := parseQueryTime(c, "created_from")
	if !ok {
		return
	}
	to, ok := parseQueryTime(c, "created_to")
	if !ok {
		return
	}
	filter.CreatedFrom, filter.CreatedTo = from, to
	payments, total, err := h.PaymentService.ListPayments(c.Request.Context(), filter)
	if err != nil {
		shared.RespondServiceError(c, err)
		return
	}
	response.SuccessWithPage(c, payments, shared.BuildPagination(page, pageSize, total))
}

// GetPayment 支付详情
func (h *Handler) GetPayment(c *gin.Context) {
	id, ok := shared.ParamUint(c, "id")
	if !ok {
		return
	}
	payment, err := h.PaymentService.GetPayment(c.Request.Context(), 0, id)
	if err != nil {
		shared.RespondServiceError(c, err)
		return
	}
	response.Success(c, payment)
}

// SyncPayment 主动查单并按渠道结果推进状态
func (h *Handler) SyncPayment(c *gin.Context) {
	id, ok := shared.ParamUint(c, "id")
	if !ok {
		return
	}
	result, err := h.PaymentService.SyncPayment(c.Request.Context(), id)
	if err != nil {
		shared.RespondServiceError(c, err)
		return
	}
	shared.RequestLog(c).Infow("admin_payment_synced",
		"payment_id", id,
		"outcome", result.Outcome.String(),
		"previous_status", result.PreviousStatus,
	)
	response.Success(c, gin.H{
		"outcome":         result.Outcome.String(),
		"reason":          result.Reason,
		"previous_status": result.PreviousStatus,
		"payment":         result.Payment,
	})
}

// ListPaymentOutbox 某笔支付产生的通知
func (h *Handler) ListPaymentOutbox(c *gin.Context) {
	id, ok := shared.ParamUint(c, "id")
	if !ok {
		return
	}
	items, err := h.OutboxService.ListByPayment(c.Request.Context(), id)
	if err != nil {
		shared.RespondServiceError(c, err)
		return
	}
	response.Success(c, items)
}

func parseQueryTime(c *gin.Context, name string) (*time.Time, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		response.BadRequest(c, "invalid "+name)
		return nil, false
	}
	utc := t.UTC()
	return &utc, true
}
