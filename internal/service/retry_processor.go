package service

import (
	"context"
	"fmt"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/models"
)

// RetryProcessor 执行重试队列条目：回调重放或副作用重放
type RetryProcessor struct {
	queue     *RetryQueue
	callbacks *CallbackService
	effects   *PaymentEffects
	refunds   *RefundService
}

// NewRetryProcessor 创建重试执行器
func NewRetryProcessor(queue *RetryQueue, callbacks *CallbackService, effects *PaymentEffects, refunds *RefundService) *RetryProcessor {
	return &RetryProcessor{queue: queue, callbacks: callbacks, effects: effects, refunds: refunds}
}

// Drain 领取到期条目，交给 submit 执行。submit 为空时同步执行。
func (p *RetryProcessor) Drain(ctx context.Context, batch int, submit func(func()) error) (int, error) {
	items, err := p.queue.DrainDue(ctx, batch)
	for i := range items {
		item := items[i]
		task := func() {
			_ = p.Process(context.WithoutCancel(ctx), item)
		}
		if submit == nil {
			task()
			continue
		}
		if serr := submit(task); serr != nil {
			// 租约到期后会被重新领取
			paymentLogger("attempt_id", item.ID).Warnw("retry_submit_failed", "error", serr)
		}
	}
	p.queue.RefreshTerminalGauge(ctx)
	return len(items), err
}

// Process 执行一个已领取的条目并记录结果。
// 可重试错误按退避重新排期，其余错误直接终止。
func (p *RetryProcessor) Process(ctx context.Context, attempt models.CallbackAttempt) error {
	log := paymentLogger("attempt_id", attempt.ID, "kind", attempt.Kind, "payment_id", attempt.PaymentID, "refund_id", attempt.RefundID)
	err := p.run(ctx, &attempt)
	if err == nil {
		_, rerr := p.queue.RecordOutcome(ctx, attempt.ID, true, "")
		return rerr
	}
	log.Warnw("retry_attempt_failed", "error", err, "error_kind", Classify(err).String())
	if IsRetryable(err) {
		if _, rerr := p.queue.RecordOutcome(ctx, attempt.ID, false, err.Error()); rerr != nil {
			log.Errorw("retry_outcome_record_failed", "error", rerr)
		}
		return err
	}
	if _, rerr := p.queue.Abandon(ctx, attempt.ID, err.Error()); rerr != nil {
		log.Errorw("retry_outcome_record_failed", "error", rerr)
	}
	return err
}

func (p *RetryProcessor) run(ctx context.Context, attempt *models.CallbackAttempt) error {
	switch attempt.Kind {
	case constants.RetryKindCallback:
		return p.callbacks.Replay(ctx, attempt)
	case constants.RetryKindPaidEffects, constants.RetryKindVoidEffects:
		return p.effects.RunByID(ctx, attempt.PaymentID)
	case constants.RetryKindRefundEffects:
		return p.refunds.RunRefundEffects(ctx, attempt.RefundID)
	default:
		return fmt.Errorf("%w: unknown retry kind %s", ErrPaymentInvalid, attempt.Kind)
	}
}
