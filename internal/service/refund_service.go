package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/models"
	"github.com/mallpay-next/internal/payment"
	"github.com/mallpay-next/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const refundLockTTL = time.Minute

var refundTransitions = map[string]map[string]bool{
	constants.RefundStatusPending: {
		constants.RefundStatusProcessing: true,
		constants.RefundStatusSuccess:    true,
		constants.RefundStatusFailed:     true,
	},
	constants.RefundStatusProcessing: {
		constants.RefundStatusSuccess: true,
		constants.RefundStatusFailed:  true,
	},
}

// IsTerminalRefundStatus 退款终态
func IsTerminalRefundStatus(status string) bool {
	return status == constants.RefundStatusSuccess || status == constants.RefundStatusFailed
}

// RefundService 退款生命周期
type RefundService struct {
	db          *gorm.DB
	paymentRepo repository.PaymentRepository
	refundRepo  repository.RefundRepository
	outboxRepo  repository.NotificationOutboxRepository
	registry    *payment.Registry
	mapper      *StatusMapper
	machine     *PaymentStateMachine
	locks       *LockService
	points      PointsLedger
	retry       *RetryQueue
	now         func() time.Time
}

// NewRefundService 创建退款服务
func NewRefundService(
	db *gorm.DB,
	paymentRepo repository.PaymentRepository,
	refundRepo repository.RefundRepository,
	outboxRepo repository.NotificationOutboxRepository,
	registry *payment.Registry,
	mapper *StatusMapper,
	machine *PaymentStateMachine,
	locks *LockService,
	points PointsLedger,
	retry *RetryQueue,
) *RefundService {
	return &RefundService{
		db:          db,
		paymentRepo: paymentRepo,
		refundRepo:  refundRepo,
		outboxRepo:  outboxRepo,
		registry:    registry,
		mapper:      mapper,
		machine:     machine,
		locks:       locks,
		points:      points,
		retry:       retry,
		now:         models.NowUTC,
	}
}

// CreateRefundInput 发起退款
type CreateRefundInput struct {
	PaymentID  uint
	Amount     int64
	Reason     string
	OperatorID uint
}

// RefundApplyInput 退款状态迁移输入
type RefundApplyInput struct {
	RefundID        uint
	Status          string
	ChannelRefundID string
	FailReason      string
	RawPayload      map[string]interface{}
	Source          string
}

// RefundApplyResult 退款状态迁移结果
type RefundApplyResult struct {
	Outcome        ApplyOutcome
	Reason         string
	PreviousStatus string
	Refund         *models.Refund
}

// CreateRefund 校验可退金额后创建退款并提交渠道。
// 可退金额检查在同一支付的退款锁内完成，校验失败时不会写入退款记录。
func (s *RefundService) CreateRefund(ctx context.Context, input CreateRefundInput) (*models.Refund, error) {
	if input.PaymentID == 0 || input.Amount <= 0 {
		return nil, ErrRefundInvalid
	}
	log := paymentLogger("payment_id", input.PaymentID, "refund_amount", input.Amount, "operator_id", input.OperatorID)

	lockKey := RefundLockKey(input.PaymentID)
	if err := s.locks.Acquire(ctx, lockKey, input.OperatorID, input.Amount, refundLockTTL); err != nil {
		return nil, err
	}
	defer func() {
		if err := s.locks.Release(context.WithoutCancel(ctx), lockKey); err != nil {
			log.Warnw("refund_lock_release_failed", "error", err)
		}
	}()

	pay, err := s.paymentRepo.GetByID(ctx, input.PaymentID)
	if err != nil {
		return nil, transient("payment fetch", err)
	}
	if pay == nil {
		return nil, ErrPaymentNotFound
	}
	if pay.Status != constants.PaymentStatusPaid {
		log.Warnw("refund_payment_not_paid", "payment_status", pay.Status)
		return nil, ErrRefundNotAllowed
	}

	existing, err := s.refundRepo.ListByPaymentID(ctx, pay.ID)
	if err != nil {
		return nil, transient("refund list", err)
	}
	var committed, committedPoints int64
	for _, r := range existing {
		if r.Status == constants.RefundStatusFailed {
			continue
		}
		committed += r.Amount
		committedPoints += r.PointsAmount
	}
	if committed+input.Amount > pay.Amount {
		log.Warnw("refund_amount_exceeded", "payment_amount", pay.Amount, "committed", committed)
		return nil, ErrRefundAmountExceeded
	}

	// 先退现金部分，剩余部分退回积分
	cashRemaining := pay.CashAmount() - (committed - committedPoints)
	if cashRemaining < 0 {
		cashRemaining = 0
	}
	cash := input.Amount
	if cash > cashRemaining {
		cash = cashRemaining
	}

	refund := &models.Refund{
		RefundNo:     generateRefundNo(),
		PaymentID:    pay.ID,
		UserID:       pay.UserID,
		OperatorID:   input.OperatorID,
		Amount:       input.Amount,
		PointsAmount: input.Amount - cash,
		Reason:       strings.TrimSpace(input.Reason),
		Status:       constants.RefundStatusPending,
	}
	if err := s.refundRepo.Create(ctx, refund); err != nil {
		log.Errorw("refund_create_failed", "error", err)
		return nil, transient("refund create", err)
	}
	log = log.With("refund_id", refund.ID, "refund_no", refund.RefundNo)
	log.Infow("refund_created", "cash_amount", cash, "points_amount", refund.PointsAmount)

	if cash == 0 {
		if _, err := s.ApplyRefundStatus(ctx, RefundApplyInput{
			RefundID:   refund.ID,
			Status:     constants.RefundStatusSuccess,
			RawPayload: map[string]interface{}{"source": "points"},
			Source:     "points",
		}); err != nil {
			return refund, err
		}
		return s.reload(ctx, refund)
	}

	if err := s.submitToChannel(ctx, pay, refund); err != nil {
		return refund, err
	}
	return s.reload(ctx, refund)
}

// submitToChannel 向渠道提交退款，渠道以退款单号幂等，可重复提交
func (s *RefundService) submitToChannel(ctx context.Context, pay *models.Payment, refund *models.Refund) error {
	log := paymentLogger("payment_id", pay.ID, "refund_id", refund.ID, "refund_no", refund.RefundNo)
	channel := pay.OnlineChannel()
	provider, err := s.registry.Get(channel)
	if err != nil {
		log.Errorw("refund_channel_unavailable", "channel", channel, "error", err)
		_, _ = s.ApplyRefundStatus(ctx, RefundApplyInput{
			RefundID:   refund.ID,
			Status:     constants.RefundStatusFailed,
			FailReason: "channel unavailable",
			Source:     "create",
		})
		return err
	}
	result, err := provider.CreateRefund(ctx, payment.CreateRefundInput{
		ChannelOrderID:       channelOrderID(pay),
		ChannelTransactionID: pay.ChannelTransactionID,
		RefundNo:             refund.RefundNo,
		RefundAmount:         refund.CashAmount(),
		TotalAmount:          pay.CashAmount(),
		Currency:             pay.Currency,
		Reason:               refund.Reason,
	})
	if err != nil {
		if IsRetryable(err) {
			// 保持 PENDING，由人工同步重新提交
			log.Warnw("refund_channel_request_pending", "error", err)
			return transient("refund channel request", err)
		}
		log.Warnw("refund_channel_rejected", "error", err)
		_, _ = s.ApplyRefundStatus(ctx, RefundApplyInput{
			RefundID:   refund.ID,
			Status:     constants.RefundStatusFailed,
			FailReason: truncateReason(err.Error()),
			Source:     "create",
		})
		return err
	}
	_, err = s.ApplyRefundStatus(ctx, RefundApplyInput{
		RefundID:        refund.ID,
		Status:          s.mapper.MapRefund(channel, result.ChannelStatus),
		ChannelRefundID: result.ChannelRefundID,
		RawPayload:      result.Raw,
		Source:          "create",
	})
	if err != nil && Classify(err) != KindInvalidTransition {
		return err
	}
	return nil
}

// ApplyRefundStatus 退款状态条件更新，SUCCESS 时在同一事务内判断是否全额退款
func (s *RefundService) ApplyRefundStatus(ctx context.Context, input RefundApplyInput) (*RefundApplyResult, error) {
	target := strings.ToUpper(strings.TrimSpace(input.Status))
	if input.RefundID == 0 || target == "" {
		return nil, ErrRefundInvalid
	}
	log := paymentLogger("refund_id", input.RefundID, "target_status", target, "source", input.Source)

	for round := 0; round < maxApplyRounds; round++ {
		refund, err := s.refundRepo.GetByID(ctx, input.RefundID)
		if err != nil {
			return nil, transient("refund fetch", err)
		}
		if refund == nil {
			return nil, ErrRefundNotFound
		}
		current := refund.Status
		result := &RefundApplyResult{PreviousStatus: current, Refund: refund}
		if IsTerminalRefundStatus(current) {
			if current == target {
				result.Outcome = ApplyNoOp
				result.Reason = NoOpAlreadyTerminal
				return result, nil
			}
			result.Outcome = ApplyRejected
			log.Warnw("refund_transition_rejected_terminal", "current_status", current)
			return result, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, current)
		}
		if current == target {
			result.Outcome = ApplyNoOp
			result.Reason = NoOpUnchanged
			return result, nil
		}
		if !refundTransitions[current][target] {
			result.Outcome = ApplyRejected
			log.Warnw("refund_transition_rejected", "current_status", current)
			return result, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
		}

		now := s.now()
		update := repository.RefundStatusUpdate{
			Status:          target,
			ChannelRefundID: input.ChannelRefundID,
			FailReason:      input.FailReason,
			RawPayload:      input.RawPayload,
			UpdatedAt:       now,
		}
		if target == constants.RefundStatusSuccess {
			update.RefundedAt = &now
		}
		var paymentRefunded bool
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			ok, err := s.refundRepo.WithTx(tx).UpdateStatusCAS(ctx, refund.ID, []string{current}, update)
			if err != nil {
				return err
			}
			if !ok {
				return errCASMissed
			}
			if item := refundOutboxItem(refund, target, now); item != nil {
				if err := s.outboxRepo.WithTx(tx).Create(ctx, item); err != nil {
					return err
				}
			}
			if target != constants.RefundStatusSuccess {
				return nil
			}
			pay, err := s.paymentRepo.WithTx(tx).GetByID(ctx, refund.PaymentID)
			if err != nil {
				return err
			}
			if pay == nil {
				return nil
			}
			refunded, err := s.refundRepo.WithTx(tx).SumAmountByStatuses(ctx, pay.ID, []string{constants.RefundStatusSuccess})
			if err != nil {
				return err
			}
			if refunded >= pay.Amount {
				paymentRefunded, err = s.machine.markRefunded(ctx, tx, pay.ID, now)
				return err
			}
			return nil
		})
		if errors.Is(err, errCASMissed) {
			continue
		}
		if err != nil {
			log.Errorw("refund_apply_update_failed", "current_status", current, "error", err)
			return nil, transient("refund update", err)
		}

		refund.Status = target
		refund.UpdatedAt = now
		if v := strings.TrimSpace(input.ChannelRefundID); v != "" {
			refund.ChannelRefundID = v
		}
		if v := strings.TrimSpace(input.FailReason); v != "" {
			refund.FailReason = v
		}
		if update.RefundedAt != nil {
			refund.RefundedAt = update.RefundedAt
		}
		result.Outcome = ApplyApplied
		log.Infow("refund_transition_applied", "previous_status", current, "payment_refunded", paymentRefunded)

		if target == constants.RefundStatusSuccess {
			s.afterRefundSuccess(ctx, refund)
		}
		return result, nil
	}
	return nil, transient("refund apply", errCASMissed)
}

func (s *RefundService) afterRefundSuccess(ctx context.Context, refund *models.Refund) {
	err := s.RunRefundEffects(ctx, refund.ID)
	if err == nil {
		return
	}
	log := paymentLogger("refund_id", refund.ID, "refund_no", refund.RefundNo)
	log.Warnw("refund_effects_failed", "error", err)
	if s.retry == nil {
		return
	}
	if _, qerr := s.retry.Enqueue(context.WithoutCancel(ctx), RetryItem{
		Kind:      constants.RetryKindRefundEffects,
		PaymentID: refund.PaymentID,
		RefundID:  refund.ID,
		Payload:   map[string]interface{}{"refund_no": refund.RefundNo},
		Reason:    err.Error(),
	}); qerr != nil {
		log.Errorw("refund_effects_enqueue_failed", "error", qerr)
	}
}

// RunRefundEffects 退款成功后的积分退回，按退款单号幂等
func (s *RefundService) RunRefundEffects(ctx context.Context, refundID uint) error {
	refund, err := s.refundRepo.GetByID(ctx, refundID)
	if err != nil {
		return transient("refund fetch", err)
	}
	if refund == nil {
		return ErrRefundNotFound
	}
	if refund.Status != constants.RefundStatusSuccess || refund.PointsAmount <= 0 || s.points == nil {
		return nil
	}
	_, created, err := s.points.Credit(ctx, refund.UserID, refund.PointsAmount, refundPointsKey(refund.RefundNo), "refund "+refund.RefundNo)
	if err != nil {
		return err
	}
	if created {
		paymentLogger("refund_id", refund.ID, "points", refund.PointsAmount).Infow("refund_points_credited")
	}
	return nil
}

// SyncRefund 人工同步：PENDING 重新提交渠道，PROCESSING 主动查询
func (s *RefundService) SyncRefund(ctx context.Context, refundID uint) (*models.Refund, error) {
	refund, err := s.refundRepo.GetByID(ctx, refundID)
	if err != nil {
		return nil, transient("refund fetch", err)
	}
	if refund == nil {
		return nil, ErrRefundNotFound
	}
	if IsTerminalRefundStatus(refund.Status) {
		return refund, nil
	}
	pay, err := s.paymentRepo.GetByID(ctx, refund.PaymentID)
	if err != nil {
		return nil, transient("payment fetch", err)
	}
	if pay == nil {
		return nil, ErrPaymentNotFound
	}
	if refund.CashAmount() == 0 {
		if _, err := s.ApplyRefundStatus(ctx, RefundApplyInput{
			RefundID: refund.ID,
			Status:   constants.RefundStatusSuccess,
			Source:   "sync",
		}); err != nil {
			return nil, err
		}
		return s.reload(ctx, refund)
	}
	if refund.Status == constants.RefundStatusPending {
		if err := s.submitToChannel(ctx, pay, refund); err != nil {
			return nil, err
		}
		return s.reload(ctx, refund)
	}

	channel := pay.OnlineChannel()
	provider, err := s.registry.Get(channel)
	if err != nil {
		return nil, err
	}
	result, err := provider.QueryRefund(ctx, payment.QueryRefundInput{
		ChannelOrderID: channelOrderID(pay),
		RefundNo:       refund.RefundNo,
	})
	if err != nil {
		paymentLogger("refund_id", refund.ID).Warnw("refund_sync_query_failed", "error", err)
		return nil, err
	}
	if _, err := s.ApplyRefundStatus(ctx, RefundApplyInput{
		RefundID:        refund.ID,
		Status:          s.mapper.MapRefund(channel, result.ChannelStatus),
		ChannelRefundID: result.ChannelRefundID,
		RawPayload:      result.Raw,
		Source:          "sync",
	}); err != nil {
		return nil, err
	}
	return s.reload(ctx, refund)
}

// GetRefund 获取退款
func (s *RefundService) GetRefund(ctx context.Context, id uint) (*models.Refund, error) {
	refund, err := s.refundRepo.GetByID(ctx, id)
	if err != nil {
		return nil, transient("refund fetch", err)
	}
	if refund == nil {
		return nil, ErrRefundNotFound
	}
	return refund, nil
}

// ListRefunds 退款列表
func (s *RefundService) ListRefunds(ctx context.Context, filter repository.RefundListFilter) ([]models.Refund, int64, error) {
	refunds, total, err := s.refundRepo.List(ctx, filter)
	if err != nil {
		return nil, 0, transient("refund list", err)
	}
	return refunds, total, nil
}

func (s *RefundService) reload(ctx context.Context, refund *models.Refund) (*models.Refund, error) {
	latest, err := s.refundRepo.GetByID(ctx, refund.ID)
	if err != nil || latest == nil {
		return refund, nil
	}
	return latest, nil
}

func refundOutboxItem(refund *models.Refund, target string, now time.Time) *models.NotificationOutbox {
	var eventType, template string
	switch target {
	case constants.RefundStatusSuccess:
		eventType, template = constants.NotificationEventRefundSucceed, constants.NotificationTemplateRefund
	case constants.RefundStatusFailed:
		eventType, template = constants.NotificationEventRefundFailed, constants.NotificationTemplateRefundFail
	default:
		return nil
	}
	return &models.NotificationOutbox{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		UserID:       refund.UserID,
		PaymentID:    refund.PaymentID,
		RefundID:     refund.ID,
		TemplateCode: template,
		Payload: models.JSON{
			"refund_no":     refund.RefundNo,
			"amount":        refund.Amount,
			"points_amount": refund.PointsAmount,
			"status":        target,
		},
		Status:        constants.OutboxStatusPending,
		NextAttemptAt: now,
	}
}

func generateRefundNo() string {
	return fmt.Sprintf("RF%s%s", time.Now().UTC().Format("20060102150405"), randNumeric(6))
}

func truncateReason(reason string) string {
	if len(reason) > 250 {
		return reason[:250]
	}
	return reason
}
