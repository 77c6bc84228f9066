package worker

import (
	"context"
	"encoding/json"

	"github.com/mallpay-next/internal/logger"
	"github.com/mallpay-next/internal/queue"
	"github.com/mallpay-next/internal/service"

	"github.com/hibiken/asynq"
)

// NotificationDeliverer 投递发件箱通知
type NotificationDeliverer interface {
	Deliver(ctx context.Context, outboxID uint) error
}

// PaymentExpirer 关闭超时支付
type PaymentExpirer interface {
	ExpirePayment(ctx context.Context, paymentID uint) (*service.ApplyResult, error)
}

// Consumer 异步任务消费者
type Consumer struct {
	outbox   NotificationDeliverer
	payments PaymentExpirer
}

// NewConsumer 创建消费者
func NewConsumer(outbox NotificationDeliverer, payments PaymentExpirer) *Consumer {
	return &Consumer{outbox: outbox, payments: payments}
}

// Register 注册消费者
func (c *Consumer) Register(mux *asynq.ServeMux) {
	if c == nil || mux == nil {
		logger.Debugw("worker_register_skip_nil", "consumer_nil", c == nil, "mux_nil", mux == nil)
		return
	}
	mux.HandleFunc(queue.TaskNotificationSend, c.handleNotificationSend)
	mux.HandleFunc(queue.TaskPaymentExpire, c.handlePaymentExpire)
}

// 投递失败由发件箱自身退避重排，任务本身不重试
func (c *Consumer) handleNotificationSend(ctx context.Context, task *asynq.Task) error {
	if c == nil || c.outbox == nil || task == nil {
		logger.Debugw("worker_notification_send_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.NotificationSendPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logger.Warnw("worker_notification_send_unmarshal_failed", "error", err)
		return err
	}
	if payload.OutboxID == 0 {
		logger.Debugw("worker_notification_send_skip_invalid_payload", "event_id", payload.EventID)
		return nil
	}
	if err := c.outbox.Deliver(ctx, payload.OutboxID); err != nil {
		logger.Warnw("worker_notification_send_failed",
			"outbox_id", payload.OutboxID,
			"event_id", payload.EventID,
			"error", err,
		)
	}
	return nil
}

func (c *Consumer) handlePaymentExpire(ctx context.Context, task *asynq.Task) error {
	if c == nil || c.payments == nil || task == nil {
		logger.Debugw("worker_payment_expire_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.PaymentExpirePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logger.Warnw("worker_payment_expire_unmarshal_failed", "error", err)
		return err
	}
	if payload.PaymentID == 0 {
		logger.Debugw("worker_payment_expire_skip_invalid_payload")
		return nil
	}
	result, err := c.payments.ExpirePayment(ctx, payload.PaymentID)
	if err != nil {
		kind := service.Classify(err)
		if kind == service.KindNotFound || !service.IsRetryable(err) {
			logger.Debugw("worker_payment_expire_skip",
				"payment_id", payload.PaymentID,
				"error_kind", kind.String(),
				"error", err,
			)
			return nil
		}
		logger.Warnw("worker_payment_expire_failed", "payment_id", payload.PaymentID, "error", err)
		return err
	}
	if result != nil {
		logger.Debugw("worker_payment_expire_done",
			"payment_id", payload.PaymentID,
			"outcome", result.Outcome.String(),
		)
	}
	return nil
}
