package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/metrics"
	"github.com/mallpay-next/internal/models"
	"github.com/mallpay-next/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 渠道驱动的合法迁移，REFUNDED 只能经由退款流程进入
var paymentTransitions = map[string]map[string]bool{
	constants.PaymentStatusUnpaid: {
		constants.PaymentStatusPaying:    true,
		constants.PaymentStatusPaid:      true,
		constants.PaymentStatusFailed:    true,
		constants.PaymentStatusCancelled: true,
		constants.PaymentStatusExpired:   true,
	},
	constants.PaymentStatusPaying: {
		constants.PaymentStatusPaid:   true,
		constants.PaymentStatusFailed: true,
	},
}

var terminalPaymentStatuses = map[string]bool{
	constants.PaymentStatusPaid:      true,
	constants.PaymentStatusFailed:    true,
	constants.PaymentStatusCancelled: true,
	constants.PaymentStatusExpired:   true,
	constants.PaymentStatusRefunded:  true,
}

const maxApplyRounds = 3

// IsTerminalPaymentStatus 终态不再接受渠道驱动的迁移
func IsTerminalPaymentStatus(status string) bool {
	return terminalPaymentStatuses[status]
}

// CanTransition 判断迁移是否合法
func CanTransition(from, to string) bool {
	return paymentTransitions[from][to]
}

func isKnownPaymentStatus(status string) bool {
	if terminalPaymentStatuses[status] {
		return true
	}
	_, ok := paymentTransitions[status]
	return ok
}

// ApplyOutcome 状态机结果
type ApplyOutcome int

const (
	ApplyApplied ApplyOutcome = iota
	ApplyNoOp
	ApplyRejected
)

func (o ApplyOutcome) String() string {
	switch o {
	case ApplyApplied:
		return "applied"
	case ApplyNoOp:
		return "noop"
	case ApplyRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// NoOp 原因
const (
	NoOpAlreadyTerminal = "already_terminal"
	NoOpUnchanged       = "unchanged"
)

// ApplyInput 状态迁移输入
type ApplyInput struct {
	PaymentID            uint
	Status               string
	ChannelTransactionID string
	RawPayload           map[string]interface{}
	// Source 触发来源：callback/sync/cancel/expire/points/create
	Source string
}

// ApplyResult 状态迁移结果
type ApplyResult struct {
	Outcome        ApplyOutcome
	Reason         string
	PreviousStatus string
	Payment        *models.Payment
}

// PaymentStateMachine 支付状态机，所有写入均为基于当前状态的条件更新
type PaymentStateMachine struct {
	db          *gorm.DB
	paymentRepo repository.PaymentRepository
	outboxRepo  repository.NotificationOutboxRepository
	effects     *PaymentEffects
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewPaymentStateMachine 创建状态机
func NewPaymentStateMachine(db *gorm.DB, paymentRepo repository.PaymentRepository, outboxRepo repository.NotificationOutboxRepository, effects *PaymentEffects, m *metrics.Metrics) *PaymentStateMachine {
	return &PaymentStateMachine{
		db:          db,
		paymentRepo: paymentRepo,
		outboxRepo:  outboxRepo,
		effects:     effects,
		metrics:     m,
		now:         models.NowUTC,
	}
}

var errCASMissed = errors.New("payment status changed concurrently")

// Apply 执行一次状态迁移。Rejected 同时返回 ErrInvalidTransition。
func (m *PaymentStateMachine) Apply(ctx context.Context, input ApplyInput) (*ApplyResult, error) {
	target := strings.ToUpper(strings.TrimSpace(input.Status))
	if input.PaymentID == 0 || !isKnownPaymentStatus(target) {
		return nil, ErrPaymentInvalid
	}
	log := paymentLogger(
		"payment_id", input.PaymentID,
		"target_status", target,
		"source", input.Source,
		"channel_transaction_id", strings.TrimSpace(input.ChannelTransactionID),
	)

	for round := 0; round < maxApplyRounds; round++ {
		payment, err := m.paymentRepo.GetByID(ctx, input.PaymentID)
		if err != nil {
			log.Errorw("payment_apply_fetch_failed", "error", err)
			return nil, transient("payment fetch", err)
		}
		if payment == nil {
			return nil, ErrPaymentNotFound
		}
		current := payment.Status
		result := &ApplyResult{PreviousStatus: current, Payment: payment}

		if IsTerminalPaymentStatus(current) {
			// 重复或迟到的同状态通知直接忽略，其余通知不能让终态回退
			if current == target || (current == constants.PaymentStatusRefunded && target == constants.PaymentStatusPaid) {
				result.Outcome = ApplyNoOp
				result.Reason = NoOpAlreadyTerminal
				m.metrics.RecordTransition(current, target, NoOpAlreadyTerminal)
				return result, nil
			}
			result.Outcome = ApplyRejected
			log.Warnw("payment_transition_rejected_terminal", "current_status", current)
			m.metrics.RecordTransition(current, target, "rejected")
			return result, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, current)
		}
		if current == target {
			result.Outcome = ApplyNoOp
			result.Reason = NoOpUnchanged
			m.metrics.RecordTransition(current, target, NoOpUnchanged)
			return result, nil
		}
		if !CanTransition(current, target) {
			result.Outcome = ApplyRejected
			log.Warnw("payment_transition_rejected", "current_status", current)
			m.metrics.RecordTransition(current, target, "rejected")
			return result, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
		}

		now := m.now()
		update := repository.PaymentStatusUpdate{
			Status:               target,
			ChannelTransactionID: input.ChannelTransactionID,
			RawPayload:           input.RawPayload,
			UpdatedAt:            now,
		}
		if target == constants.PaymentStatusPaid {
			update.PaidAt = &now
		}
		if input.Source == "callback" {
			update.CallbackAt = &now
		}

		err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			ok, err := m.paymentRepo.WithTx(tx).UpdateStatusCAS(ctx, payment.ID, current, update)
			if err != nil {
				return err
			}
			if !ok {
				return errCASMissed
			}
			if item := paymentOutboxItem(payment, target, now); item != nil {
				if err := m.outboxRepo.WithTx(tx).Create(ctx, item); err != nil {
					return err
				}
			}
			return nil
		})
		if errors.Is(err, errCASMissed) {
			log.Infow("payment_apply_cas_missed", "current_status", current, "round", round)
			continue
		}
		if err != nil {
			log.Errorw("payment_apply_update_failed", "current_status", current, "error", err)
			return nil, transient("payment update", err)
		}

		payment.Status = target
		payment.UpdatedAt = now
		if txID := strings.TrimSpace(input.ChannelTransactionID); txID != "" {
			payment.ChannelTransactionID = txID
		}
		if input.RawPayload != nil {
			payment.RawPayload = models.JSON(input.RawPayload)
		}
		if update.PaidAt != nil {
			payment.PaidAt = update.PaidAt
		}
		if update.CallbackAt != nil {
			payment.CallbackAt = update.CallbackAt
		}
		result.Outcome = ApplyApplied
		m.metrics.RecordTransition(current, target, "applied")
		log.Infow("payment_transition_applied", "previous_status", current)

		if m.effects != nil {
			m.effects.AfterTransition(ctx, payment)
		}
		return result, nil
	}
	return nil, transient("payment apply", errCASMissed)
}

// markRefunded PAID -> REFUNDED，仅退款流程调用
func (m *PaymentStateMachine) markRefunded(ctx context.Context, tx *gorm.DB, paymentID uint, now time.Time) (bool, error) {
	return m.paymentRepo.WithTx(tx).UpdateStatusCAS(ctx, paymentID, constants.PaymentStatusPaid, repository.PaymentStatusUpdate{
		Status:    constants.PaymentStatusRefunded,
		UpdatedAt: now,
	})
}

func paymentOutboxItem(payment *models.Payment, target string, now time.Time) *models.NotificationOutbox {
	var eventType, template string
	switch target {
	case constants.PaymentStatusPaid:
		eventType, template = constants.NotificationEventPaymentPaid, constants.NotificationTemplatePaid
	case constants.PaymentStatusFailed:
		eventType, template = constants.NotificationEventPaymentFailed, constants.NotificationTemplateFailed
	default:
		return nil
	}
	return &models.NotificationOutbox{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		UserID:       payment.UserID,
		PaymentID:    payment.ID,
		TemplateCode: template,
		Payload: models.JSON{
			"payment_no": payment.PaymentNo,
			"order_id":   payment.OrderID,
			"channel":    payment.Channel,
			"amount":     payment.Amount,
			"currency":   payment.Currency,
			"status":     target,
		},
		Status:        constants.OutboxStatusPending,
		NextAttemptAt: now,
	}
}
