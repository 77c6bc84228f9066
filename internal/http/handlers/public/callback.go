package public

import (
	"io"
	"net/http"
	"strings"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/http/handlers/shared"
	"github.com/mallpay-next/internal/service"

	"github.com/gin-gonic/gin"
)

const maxCallbackBodyBytes = 1 << 20

type wechatAck struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PaymentCallback 渠道异步通知入口 /payments/callback/:channel
func (h *Handler) PaymentCallback(c *gin.Context) {
	channel := strings.ToUpper(strings.TrimSpace(c.Param("channel")))
	log := shared.RequestLog(c).With("channel", channel, "client_ip", c.ClientIP())
	if channel == "" || !h.Registry.Has(channel) {
		log.Warnw("payment_callback_unknown_channel")
		c.String(http.StatusBadRequest, "unknown channel")
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBodyBytes+1))
	if err != nil || len(body) == 0 || len(body) > maxCallbackBodyBytes {
		log.Warnw("payment_callback_body_unreadable", "error", err, "size", len(body))
		c.String(http.StatusBadRequest, "unreadable body")
		return
	}
	log.Infow("payment_callback_received",
		"content_type", strings.TrimSpace(c.GetHeader("Content-Type")),
		"size", len(body),
	)

	result := h.CallbackService.HandleCallback(c.Request.Context(), service.CallbackRequest{
		Channel:  channel,
		Body:     body,
		Headers:  flattenHeaders(c.Request.Header),
		SourceIP: c.ClientIP(),
	})
	log.Infow("payment_callback_handled",
		"ack", result.Ack,
		"outcome", result.Outcome,
		"error_kind", result.Kind.String(),
		"message", result.Message,
		"payment_id", result.PaymentID,
		"refund_id", result.RefundID,
	)
	writeAck(c, channel, result)
}

// writeAck 按渠道格式回执，读到报文后一律返回 200
func writeAck(c *gin.Context, channel string, result *service.CallbackResult) {
	switch channel {
	case constants.PaymentChannelWechat:
		ack := wechatAck{Code: constants.WechatAckSuccess, Message: "OK"}
		if !result.Ack {
			ack = wechatAck{Code: constants.WechatAckFail, Message: result.Outcome}
		}
		c.JSON(http.StatusOK, ack)
	default:
		if result.Ack {
			c.String(http.StatusOK, constants.AlipayAckSuccess)
			return
		}
		c.String(http.StatusOK, constants.AlipayAckFail)
	}
}

func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for key, values := range header {
		if len(values) > 0 {
			out[http.CanonicalHeaderKey(key)] = values[0]
		}
	}
	return out
}
