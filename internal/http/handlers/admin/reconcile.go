package admin

import (
	"strings"

	"github.com/mallpay-next/internal/http/handlers/shared"
	"github.com/mallpay-next/internal/http/response"
	"github.com/mallpay-next/internal/repository"

	"github.com/gin-gonic/gin"
)

// RunReconcileRequest 手动对账请求，bill_date 缺省为昨天
type RunReconcileRequest struct {
	Channel  string `json:"channel" binding:"required"`
	BillDate string `json:"bill_date"`
}

// RunReconcile 执行一次渠道对账
func (h *Handler) RunReconcile(c *gin.Context) {
	var req RunReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	billDate := h.ReconcileService.Yesterday(h.now())
	if raw := strings.TrimSpace(req.BillDate); raw != "" {
		parsed, err := h.ReconcileService.ParseBillDate(raw)
		if err != nil {
			shared.RespondServiceError(c, err)
			return
		}
		billDate = parsed
	}
	report, err := h.ReconcileService.Reconcile(c.Request.Context(), billDate, req.Channel)
	if err != nil {
		shared.RespondServiceError(c, err)
		return
	}
	response.Success(c, report)
}

// GetReconcileReport 报告及差异明细
func (h *Handler) GetReconcileReport(c *gin.Context) {
	id, ok := shared.ParamUint(c, "id")
	if !ok {
		return
	}
	report, err := h.ReconcileService.GetReport(c.Request.Context(), id)
	if err != nil {
		shared.RespondServiceError(c, err)
		return
	}
	response.Success(c, report)
}

// ListReconcileReports 报告列表
func (h *Handler) ListReconcileReports(c *gin.Context) {
	page, pageSize := shared.PageParams(c)
	reports, total, err := h.ReconcileService.ListReports(c.Request.Context(), repository.ReconciliationListFilter{
		Page:     page,
		PageSize: pageSize,
		Channel:  strings.ToUpper(strings.TrimSpace(c.Query("channel"))),
		BillDate: strings.TrimSpace(c.Query("bill_date")),
	})
	if err != nil {
		shared.RespondServiceError(c, err)
		return
	}
	response.SuccessWithPage(c, reports, shared.BuildPagination(page, pageSize, total))
}
