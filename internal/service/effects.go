package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/models"
	"github.com/mallpay-next/internal/repository"
)

// PaymentEffects 状态迁移提交后的副作用。
// 每一步都可重复执行：订单标记为条件更新，锁释放幂等，积分按幂等键记账。
type PaymentEffects struct {
	paymentRepo repository.PaymentRepository
	orders      OrderStore
	locks       *LockService
	points      PointsLedger
	retry       *RetryQueue
}

// NewPaymentEffects 创建副作用执行器
func NewPaymentEffects(paymentRepo repository.PaymentRepository, orders OrderStore, locks *LockService, points PointsLedger, retry *RetryQueue) *PaymentEffects {
	return &PaymentEffects{
		paymentRepo: paymentRepo,
		orders:      orders,
		locks:       locks,
		points:      points,
		retry:       retry,
	}
}

// AfterTransition 执行副作用，失败不回滚支付状态而是进入重试队列
func (e *PaymentEffects) AfterTransition(ctx context.Context, payment *models.Payment) {
	if payment == nil {
		return
	}
	err := e.Run(ctx, payment)
	if err == nil {
		return
	}
	log := paymentLogger("payment_id", payment.ID, "payment_no", payment.PaymentNo, "status", payment.Status)
	log.Warnw("payment_effects_failed", "error", err)
	if e.retry == nil {
		return
	}
	kind := constants.RetryKindPaidEffects
	if payment.Status != constants.PaymentStatusPaid {
		kind = constants.RetryKindVoidEffects
	}
	if _, qerr := e.retry.Enqueue(context.WithoutCancel(ctx), RetryItem{
		Kind:      kind,
		PaymentID: payment.ID,
		Channel:   payment.Channel,
		Payload:   map[string]interface{}{"status": payment.Status},
		Reason:    err.Error(),
	}); qerr != nil {
		log.Errorw("payment_effects_enqueue_failed", "error", qerr)
	}
}

// RunByID 重试队列调用：按支付当前状态重放副作用
func (e *PaymentEffects) RunByID(ctx context.Context, paymentID uint) error {
	payment, err := e.paymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		return transient("payment fetch", err)
	}
	if payment == nil {
		return ErrPaymentNotFound
	}
	return e.Run(ctx, payment)
}

// Run 按状态执行副作用，所有步骤都会尝试，错误合并返回
func (e *PaymentEffects) Run(ctx context.Context, payment *models.Payment) error {
	var errs []error
	switch payment.Status {
	case constants.PaymentStatusPaid, constants.PaymentStatusRefunded:
		if payment.OrderID != 0 && e.orders != nil {
			paidAt := payment.UpdatedAt
			if payment.PaidAt != nil {
				paidAt = *payment.PaidAt
			}
			marked, err := e.orders.MarkPaid(ctx, payment.OrderID, payment.ID, paidAt)
			if err != nil {
				errs = append(errs, transient("order mark paid", err))
			} else if marked {
				paymentLogger("payment_id", payment.ID, "order_id", payment.OrderID).Infow("payment_order_marked_paid")
			}
		}
		errs = append(errs, e.releaseLock(ctx, payment))
	case constants.PaymentStatusFailed, constants.PaymentStatusCancelled, constants.PaymentStatusExpired:
		errs = append(errs, e.releaseLock(ctx, payment))
		if payment.PointsAmount > 0 && e.points != nil {
			_, created, err := e.points.Credit(ctx, payment.UserID, payment.PointsAmount,
				voidPointsKey(payment.PaymentNo), "payment "+payment.PaymentNo+" "+payment.Status)
			if err != nil {
				errs = append(errs, err)
			} else if created {
				paymentLogger("payment_id", payment.ID, "points", payment.PointsAmount).Infow("payment_points_returned")
			}
		}
	}
	return errors.Join(errs...)
}

func (e *PaymentEffects) releaseLock(ctx context.Context, payment *models.Payment) error {
	if e.locks == nil || payment.LockKey == "" {
		return nil
	}
	return e.locks.Release(ctx, payment.LockKey)
}

func voidPointsKey(paymentNo string) string {
	return fmt.Sprintf("payment-void:%s", paymentNo)
}

func debitPointsKey(paymentNo string) string {
	return fmt.Sprintf("payment:%s", paymentNo)
}

func refundPointsKey(refundNo string) string {
	return fmt.Sprintf("refund:%s", refundNo)
}
