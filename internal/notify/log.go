package notify

import (
	"context"

	"github.com/mallpay-next/internal/logger"
)

// LogSender 未配置 webhook 时的投递方式，仅写日志
type LogSender struct{}

// Send 记录通知内容
func (LogSender) Send(_ context.Context, userID uint, templateCode string, data map[string]interface{}) error {
	logger.Infow("notification_logged", "user_id", userID, "template_code", templateCode, "data", data)
	return nil
}
