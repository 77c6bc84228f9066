package queue

import (
	"encoding/json"

	"github.com/mallpay-next/internal/constants"

	"github.com/hibiken/asynq"
)

const (
	// TaskNotificationSend 通知投递任务
	TaskNotificationSend = constants.TaskNotificationSend
	// TaskPaymentExpire 支付超时关闭任务
	TaskPaymentExpire = constants.TaskPaymentExpire
)

// NotificationSendPayload 通知投递任务载荷
type NotificationSendPayload struct {
	OutboxID uint   `json:"outbox_id"`
	EventID  string `json:"event_id"`
}

// PaymentExpirePayload 支付超时任务载荷
type PaymentExpirePayload struct {
	PaymentID uint `json:"payment_id"`
}

// NewNotificationSendTask 创建通知投递任务
func NewNotificationSendTask(payload NotificationSendPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotificationSend, body), nil
}

// NewPaymentExpireTask 创建支付超时任务
func NewPaymentExpireTask(payload PaymentExpirePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPaymentExpire, body), nil
}
