package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrDeliveryFailed 投递失败，可重试
var ErrDeliveryFailed = errors.New("notification delivery failed")

// 请求头
const (
	HeaderSignature = "X-Mallpay-Signature"
	HeaderTimestamp = "X-Mallpay-Timestamp"
	HeaderEventID   = "X-Mallpay-Event-Id"
)

// WebhookSender 将通知以 JSON POST 到业务方回调地址
type WebhookSender struct {
	url    string
	secret string
	client *resty.Client
	now    func() time.Time
}

// NewWebhookSender 创建 webhook 投递器
func NewWebhookSender(url, secret string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSender{
		url:    strings.TrimSpace(url),
		secret: secret,
		client: resty.New().SetTimeout(timeout),
		now:    time.Now,
	}
}

type webhookBody struct {
	UserID       uint                   `json:"user_id"`
	TemplateCode string                 `json:"template_code"`
	Data         map[string]interface{} `json:"data"`
}

// Send 投递一条通知，非 2xx 视为失败
func (s *WebhookSender) Send(ctx context.Context, userID uint, templateCode string, data map[string]interface{}) error {
	body, err := json.Marshal(webhookBody{UserID: userID, TemplateCode: templateCode, Data: data})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	timestamp := strconv.FormatInt(s.now().Unix(), 10)
	req := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(HeaderTimestamp, timestamp).
		SetBody(body)
	if eventID, ok := data["event_id"].(string); ok && eventID != "" {
		req.SetHeader(HeaderEventID, eventID)
	}
	if s.secret != "" {
		req.SetHeader(HeaderSignature, Sign(s.secret, timestamp, body))
	}
	resp, err := req.Post(s.url)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: status %d", ErrDeliveryFailed, resp.StatusCode())
	}
	return nil
}

// Sign 计算 HMAC-SHA256(timestamp + "." + body)
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
