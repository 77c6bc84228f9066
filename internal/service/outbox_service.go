package service

import (
	"context"
	"errors"
	"time"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/metrics"
	"github.com/mallpay-next/internal/models"
	"github.com/mallpay-next/internal/queue"
	"github.com/mallpay-next/internal/repository"

	"github.com/hibiken/asynq"
)

// OutboxOptions 发件箱参数
type OutboxOptions struct {
	BatchSize   int
	MaxAttempts int
	BaseDelay   time.Duration
}

func (o OutboxOptions) normalize() OutboxOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 5 * time.Second
	}
	return o
}

// OutboxService 通知发件箱：状态变更事务内写入，此处负责投递
type OutboxService struct {
	repo        repository.NotificationOutboxRepository
	sender      NotificationSender
	queueClient *queue.Client
	metrics     *metrics.Metrics
	opts        OutboxOptions
	now         func() time.Time
}

// NewOutboxService 创建发件箱服务
func NewOutboxService(repo repository.NotificationOutboxRepository, sender NotificationSender, queueClient *queue.Client, opts OutboxOptions, m *metrics.Metrics) *OutboxService {
	return &OutboxService{
		repo:        repo,
		sender:      sender,
		queueClient: queueClient,
		metrics:     m,
		opts:        opts.normalize(),
		now:         models.NowUTC,
	}
}

// DispatchDue 处理到期条目：队列可用时投递为异步任务，否则同步发送
func (s *OutboxService) DispatchDue(ctx context.Context) (int, error) {
	items, err := s.repo.ListDue(ctx, s.now(), s.opts.BatchSize)
	if err != nil {
		return 0, transient("outbox list due", err)
	}
	handled := 0
	for _, item := range items {
		if s.queueClient != nil && s.queueClient.Enabled() {
			err := s.queueClient.EnqueueNotificationSend(queue.NotificationSendPayload{OutboxID: item.ID, EventID: item.EventID})
			if err == nil || errors.Is(err, asynq.ErrTaskIDConflict) {
				handled++
				continue
			}
			paymentLogger("outbox_id", item.ID).Warnw("outbox_enqueue_failed", "error", err)
		}
		if err := s.Deliver(ctx, item.ID); err == nil {
			handled++
		}
	}
	return handled, nil
}

// Deliver 投递单条通知，失败按指数退避重新排期，超过上限后放弃
func (s *OutboxService) Deliver(ctx context.Context, outboxID uint) error {
	item, err := s.repo.GetByID(ctx, outboxID)
	if err != nil {
		return transient("outbox get", err)
	}
	if item == nil || item.Status != constants.OutboxStatusPending {
		return nil
	}
	log := paymentLogger("outbox_id", item.ID, "event_id", item.EventID, "event_type", item.EventType, "payment_id", item.PaymentID)

	data := make(map[string]interface{}, len(item.Payload)+3)
	for k, v := range item.Payload {
		data[k] = v
	}
	data["event_id"] = item.EventID
	data["event_type"] = item.EventType
	if item.RefundID != 0 {
		data["refund_id"] = item.RefundID
	}

	sendErr := s.sender.Send(ctx, item.UserID, item.TemplateCode, data)
	now := s.now()
	if sendErr == nil {
		if _, err := s.repo.MarkDispatched(ctx, item.ID, now); err != nil {
			return transient("outbox mark dispatched", err)
		}
		s.metrics.RecordOutbox("dispatched")
		log.Infow("outbox_dispatched")
		return nil
	}

	attempts := item.Attempts + 1
	giveUp := attempts >= s.opts.MaxAttempts
	next := now.Add(s.backoff(attempts))
	if err := s.repo.MarkAttemptFailed(ctx, item.ID, attempts, next, truncateError(sendErr.Error()), giveUp); err != nil {
		return transient("outbox mark failed", err)
	}
	if giveUp {
		s.metrics.RecordOutbox("gave_up")
		log.Errorw("outbox_delivery_abandoned", "attempts", attempts, "error", sendErr)
	} else {
		s.metrics.RecordOutbox("failed")
		log.Warnw("outbox_delivery_failed", "attempts", attempts, "next_attempt_at", next, "error", sendErr)
	}
	return sendErr
}

// ListByPayment 某笔支付产生的通知
func (s *OutboxService) ListByPayment(ctx context.Context, paymentID uint) ([]models.NotificationOutbox, error) {
	items, err := s.repo.ListByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, transient("outbox list", err)
	}
	return items, nil
}

func (s *OutboxService) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 12 {
		attempts = 12
	}
	return s.opts.BaseDelay * time.Duration(1<<uint(attempts-1))
}
