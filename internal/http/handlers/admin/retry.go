package admin

import (
	"strings"

	"github.com/mallpay-next/internal/http/handlers/shared"
	"github.com/mallpay-next/internal/http/response"
	"github.com/mallpay-next/internal/repository"

	"github.com/gin-gonic/gin"
)

// ListRetryItems 重试队列条目，status=terminal 时只看终止项
func (h *Handler) ListRetryItems(c *gin.Context) {
	page, pageSize := shared.PageParams(c)
	filter := repository.CallbackAttemptListFilter{
		Page:           page,
		PageSize:       pageSize,
		Kind:           strings.TrimSpace(c.Query("kind")),
		Status:         strings.ToLower(strings.TrimSpace(c.Query("status"))),
		Channel:        strings.ToUpper(strings.TrimSpace(c.Query("channel"))),
		PaymentID:      shared.QueryUint(c, "payment_id"),
		ChannelOrderID: strings.TrimSpace(c.Query("channel_order_id")),
	}
	items, total, err := h.RetryQueue.List(c.Request.Context(), filter)
	if err != nil {
		shared.RespondServiceError(c, err)
		return
	}
	response.SuccessWithPage(c, items, shared.BuildPagination(page, pageSize, total))
}

// RequeueRetryItem 将终止项重新放回队列
func (h *Handler) RequeueRetryItem(c *gin.Context) {
	id, ok := shared.ParamUint(c, "id")
	if !ok {
		return
	}
	item, err := h.RetryQueue.Requeue(c.Request.Context(), id)
	if err != nil {
		shared.RespondServiceError(c, err)
		return
	}
	shared.RequestLog(c).Infow("admin_retry_item_requeued", "attempt_id", id)
	response.SuccessWithMsg(c, "requeued", item)
}
