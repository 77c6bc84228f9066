package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/metrics"
	"github.com/mallpay-next/internal/models"
	"github.com/mallpay-next/internal/repository"
)

const defaultCallbackTimeout = 3 * time.Second

// 回调处理结果
const (
	CallbackOutcomeApplied            = "applied"
	CallbackOutcomeNoOp               = "noop"
	CallbackOutcomeRejected           = "rejected"
	CallbackOutcomeAlreadyTerminal    = "already_terminal"
	CallbackOutcomeInFlight           = "in_flight"
	CallbackOutcomeNotFound           = "not_found"
	CallbackOutcomeVerificationFailed = "verification_failed"
	CallbackOutcomeInvalid            = "invalid"
	CallbackOutcomeRetryEnqueued      = "retry_enqueued"
	CallbackOutcomeFailed             = "failed"
)

var errCallbackInFlight = errors.New("callback already in flight")

// CallbackRequest 渠道原始回调
type CallbackRequest struct {
	Channel  string
	Body     []byte
	Headers  map[string]string
	SourceIP string
}

// CallbackResult 回调处理结果，Ack 决定返回给渠道的回执
type CallbackResult struct {
	Channel   string
	Ack       bool
	Outcome   string
	Kind      ErrorKind
	PaymentID uint
	RefundID  uint
	Status    string
	Message   string
}

// CallbackService 回调入口：验签、去重、状态映射、状态机
type CallbackService struct {
	verifier    *ChannelVerifier
	dedup       *CallbackDeduplicator
	mapper      *StatusMapper
	machine     *PaymentStateMachine
	refunds     *RefundService
	paymentRepo repository.PaymentRepository
	refundRepo  repository.RefundRepository
	retry       *RetryQueue
	metrics     *metrics.Metrics
	timeout     time.Duration
}

// NewCallbackService 创建回调服务
func NewCallbackService(
	verifier *ChannelVerifier,
	dedup *CallbackDeduplicator,
	mapper *StatusMapper,
	machine *PaymentStateMachine,
	refunds *RefundService,
	paymentRepo repository.PaymentRepository,
	refundRepo repository.RefundRepository,
	retry *RetryQueue,
	m *metrics.Metrics,
	timeout time.Duration,
) *CallbackService {
	if timeout <= 0 {
		timeout = defaultCallbackTimeout
	}
	if dedup == nil {
		dedup = NewCallbackDeduplicator(nil, 0, 0)
	}
	return &CallbackService{
		verifier:    verifier,
		dedup:       dedup,
		mapper:      mapper,
		machine:     machine,
		refunds:     refunds,
		paymentRepo: paymentRepo,
		refundRepo:  refundRepo,
		retry:       retry,
		metrics:     m,
		timeout:     timeout,
	}
}

// HandleCallback 处理一次渠道回调，总是返回结果，由调用方渲染回执
func (s *CallbackService) HandleCallback(ctx context.Context, req CallbackRequest) *CallbackResult {
	start := time.Now()
	channel := normalizeChannel(req.Channel)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	log := paymentLogger("channel", channel, "source_ip", req.SourceIP)
	log.Infow("payment_callback_received", "body_size", len(req.Body))

	result := &CallbackResult{Channel: channel}
	defer func() {
		s.metrics.RecordCallback(channel, result.Outcome, time.Since(start))
	}()

	notification, err := s.verifier.Verify(ctx, channel, req.Body, req.Headers, req.SourceIP)
	if err != nil {
		result.Kind = Classify(err)
		result.Outcome = CallbackOutcomeVerificationFailed
		result.Message = err.Error()
		log.Warnw("payment_callback_verification_failed", "error", err)
		return result
	}

	err = s.process(ctx, notification, result)
	if err == nil {
		result.Ack = true
		return result
	}
	s.resolveFailure(ctx, notification, result, err)
	return result
}

// resolveFailure 按错误分类决定回执与是否入重试队列
func (s *CallbackService) resolveFailure(ctx context.Context, n *VerifiedNotification, result *CallbackResult, err error) {
	log := paymentLogger(
		"channel", n.Channel,
		"channel_order_id", n.ChannelOrderID,
		"channel_transaction_id", n.ChannelTransactionID,
		"payment_id", result.PaymentID,
	)
	result.Message = err.Error()
	if errors.Is(err, errCallbackInFlight) {
		// 并发重复通知，返回失败让渠道稍后重发
		result.Outcome = CallbackOutcomeInFlight
		result.Kind = KindLockConflict
		log.Infow("payment_callback_in_flight")
		return
	}
	result.Kind = Classify(err)
	switch result.Kind {
	case KindNotFound:
		result.Outcome = CallbackOutcomeNotFound
		result.Ack = true
		log.Warnw("payment_callback_target_not_found", "error", err)
	case KindAlreadyTerminal:
		result.Outcome = CallbackOutcomeAlreadyTerminal
		result.Ack = true
	case KindInvalidTransition:
		result.Outcome = CallbackOutcomeRejected
		result.Ack = true
		log.Warnw("payment_callback_transition_anomaly", "error", err)
	case KindVerificationFailure:
		result.Outcome = CallbackOutcomeVerificationFailed
		log.Warnw("payment_callback_verification_failed", "error", err)
	case KindTransient:
		if s.retry == nil {
			result.Outcome = CallbackOutcomeFailed
			log.Errorw("payment_callback_transient_failure", "error", err)
			return
		}
		attempt, qerr := s.retry.Enqueue(context.WithoutCancel(ctx), RetryItem{
			Kind:      constants.RetryKindCallback,
			PaymentID: result.PaymentID,
			RefundID:  result.RefundID,
			Channel:   n.Channel,
			Payload:   notificationPayload(n),
			Reason:    err.Error(),
		})
		if qerr != nil {
			result.Outcome = CallbackOutcomeFailed
			log.Errorw("payment_callback_retry_enqueue_failed", "error", err, "enqueue_error", qerr)
			return
		}
		result.Outcome = CallbackOutcomeRetryEnqueued
		result.Ack = true
		log.Warnw("payment_callback_retry_enqueued", "attempt_id", attempt.ID, "error", err)
	default:
		result.Outcome = CallbackOutcomeInvalid
		log.Warnw("payment_callback_invalid", "error", err)
	}
}

// Replay 重试队列重放回调：从去重开始重新执行，验签已在首次接收时完成
func (s *CallbackService) Replay(ctx context.Context, attempt *models.CallbackAttempt) error {
	if attempt == nil {
		return ErrRetryItemNotFound
	}
	n, err := notificationFromPayload(attempt.Channel, attempt.Payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	result := &CallbackResult{Channel: n.Channel}
	err = s.process(ctx, n, result)
	if err == nil {
		return nil
	}
	if errors.Is(err, errCallbackInFlight) {
		return transient("callback replay", err)
	}
	switch Classify(err) {
	case KindAlreadyTerminal, KindInvalidTransition:
		paymentLogger("attempt_id", attempt.ID, "payment_id", result.PaymentID).
			Infow("retry_callback_settled", "outcome", Classify(err).String())
		return nil
	}
	return err
}

func (s *CallbackService) process(ctx context.Context, n *VerifiedNotification, result *CallbackResult) error {
	if strings.EqualFold(n.Kind, constants.NotifyKindRefund) {
		return s.processRefund(ctx, n, result)
	}
	return s.processPayment(ctx, n, result)
}

func (s *CallbackService) processPayment(ctx context.Context, n *VerifiedNotification, result *CallbackResult) error {
	pay, err := s.resolvePayment(ctx, n)
	if err != nil {
		return err
	}
	result.PaymentID = pay.ID
	if err := checkNotificationMatches(n, pay); err != nil {
		return err
	}

	target := s.mapper.MapPayment(n.Channel, n.ChannelStatus)
	log := paymentLogger(
		"payment_id", pay.ID,
		"channel", n.Channel,
		"channel_transaction_id", n.ChannelTransactionID,
		"channel_status", n.ChannelStatus,
		"target_status", target,
	)

	outcome, release, err := s.dedup.TryBeginProcessing(ctx, DedupRequest{
		Channel:              n.Channel,
		ChannelOrderID:       n.ChannelOrderID,
		ChannelTransactionID: n.ChannelTransactionID,
		Payment:              pay,
		TargetStatus:         target,
		CurrentStatus:        pay.Status,
		Terminal:             IsTerminalPaymentStatus(pay.Status),
	})
	defer release()
	if err != nil {
		return err
	}
	switch outcome {
	case DedupAlreadyTerminal:
		result.Outcome = CallbackOutcomeAlreadyTerminal
		result.Status = pay.Status
		s.touch(ctx, pay.ID)
		log.Infow("payment_callback_duplicate_terminal")
		return nil
	case DedupAlreadyInFlight:
		return errCallbackInFlight
	}

	applied, err := s.machine.Apply(ctx, ApplyInput{
		PaymentID:            pay.ID,
		Status:               target,
		ChannelTransactionID: n.ChannelTransactionID,
		RawPayload:           n.RawPayload,
		Source:               "callback",
	})
	if err != nil {
		return err
	}
	result.Status = applied.Payment.Status
	switch applied.Outcome {
	case ApplyApplied:
		result.Outcome = CallbackOutcomeApplied
	default:
		result.Outcome = CallbackOutcomeNoOp
		s.touch(ctx, pay.ID)
	}
	log.Infow("payment_callback_processed", "outcome", applied.Outcome.String(), "previous_status", applied.PreviousStatus)
	return nil
}

func (s *CallbackService) processRefund(ctx context.Context, n *VerifiedNotification, result *CallbackResult) error {
	refundNo := strings.TrimSpace(n.RefundNo)
	if refundNo == "" {
		return fmt.Errorf("%w: missing refund no", ErrRefundNotFound)
	}
	refund, err := s.refundRepo.GetByRefundNo(ctx, refundNo)
	if err != nil {
		return transient("refund fetch", err)
	}
	if refund == nil {
		return ErrRefundNotFound
	}
	result.RefundID = refund.ID
	result.PaymentID = refund.PaymentID

	pay, err := s.paymentRepo.GetByID(ctx, refund.PaymentID)
	if err != nil {
		return transient("payment fetch", err)
	}
	if pay == nil {
		return ErrPaymentNotFound
	}
	if pay.OnlineChannel() != n.Channel {
		return fmt.Errorf("%w: refund of %s payment notified by %s", ErrPaymentChannelMismatch, pay.OnlineChannel(), n.Channel)
	}

	target := s.mapper.MapRefund(n.Channel, n.ChannelStatus)
	dedupTxID := "refund:" + refund.RefundNo
	if id := strings.TrimSpace(n.ChannelRefundID); id != "" {
		dedupTxID = "refund:" + id
	}
	outcome, release, err := s.dedup.TryBeginProcessing(ctx, DedupRequest{
		Channel:              n.Channel,
		ChannelOrderID:       refund.RefundNo,
		ChannelTransactionID: dedupTxID,
		Payment:              pay,
		TargetStatus:         target,
		CurrentStatus:        refund.Status,
		Terminal:             IsTerminalRefundStatus(refund.Status),
	})
	defer release()
	if err != nil {
		return err
	}
	switch outcome {
	case DedupAlreadyTerminal:
		result.Outcome = CallbackOutcomeAlreadyTerminal
		result.Status = refund.Status
		return nil
	case DedupAlreadyInFlight:
		return errCallbackInFlight
	}

	applied, err := s.refunds.ApplyRefundStatus(ctx, RefundApplyInput{
		RefundID:        refund.ID,
		Status:          target,
		ChannelRefundID: n.ChannelRefundID,
		RawPayload:      n.RawPayload,
		Source:          "callback",
	})
	if err != nil {
		return err
	}
	result.Status = applied.Refund.Status
	if applied.Outcome == ApplyApplied {
		result.Outcome = CallbackOutcomeApplied
	} else {
		result.Outcome = CallbackOutcomeNoOp
	}
	paymentLogger("refund_id", refund.ID, "payment_id", pay.ID, "target_status", target).
		Infow("refund_callback_processed", "outcome", applied.Outcome.String(), "previous_status", applied.PreviousStatus)
	return nil
}

// resolvePayment 依次按渠道单号、支付单号、渠道流水号定位支付记录
func (s *CallbackService) resolvePayment(ctx context.Context, n *VerifiedNotification) (*models.Payment, error) {
	orderID := strings.TrimSpace(n.ChannelOrderID)
	pay, err := s.paymentRepo.GetByChannelOrderID(ctx, orderID)
	if err != nil {
		return nil, transient("payment fetch", err)
	}
	if pay == nil {
		if pay, err = s.paymentRepo.GetByPaymentNo(ctx, orderID); err != nil {
			return nil, transient("payment fetch", err)
		}
	}
	if pay == nil {
		if txID := strings.TrimSpace(n.ChannelTransactionID); txID != "" {
			if pay, err = s.paymentRepo.GetByChannelTransactionID(ctx, txID); err != nil {
				return nil, transient("payment fetch", err)
			}
		}
	}
	if pay == nil {
		return nil, fmt.Errorf("%w: channel order %s", ErrPaymentNotFound, orderID)
	}
	return pay, nil
}

// checkNotificationMatches 通知与本地记录的渠道、金额、币种必须一致
func checkNotificationMatches(n *VerifiedNotification, pay *models.Payment) error {
	if pay.OnlineChannel() != n.Channel {
		return fmt.Errorf("%w: payment %s notified by %s", ErrPaymentChannelMismatch, pay.OnlineChannel(), n.Channel)
	}
	if n.Amount > 0 && n.Amount != pay.CashAmount() {
		return fmt.Errorf("%w: notified %d expected %d", ErrPaymentAmountMismatch, n.Amount, pay.CashAmount())
	}
	if currency := strings.TrimSpace(n.Currency); currency != "" && !strings.EqualFold(currency, pay.Currency) {
		return fmt.Errorf("%w: notified %s expected %s", ErrPaymentCurrencyMismatch, currency, pay.Currency)
	}
	return nil
}

func (s *CallbackService) touch(ctx context.Context, paymentID uint) {
	if err := s.paymentRepo.TouchCallback(ctx, paymentID, models.NowUTC()); err != nil {
		paymentLogger("payment_id", paymentID).Warnw("payment_callback_touch_failed", "error", err)
	}
}

// callbackPayload 重试队列中保存的标准化通知
type callbackPayload struct {
	Channel              string                 `json:"channel"`
	Kind                 string                 `json:"kind"`
	EventType            string                 `json:"event_type"`
	ChannelOrderID       string                 `json:"channel_order_id"`
	ChannelTransactionID string                 `json:"channel_transaction_id"`
	ChannelStatus        string                 `json:"channel_status"`
	RefundNo             string                 `json:"refund_no"`
	ChannelRefundID      string                 `json:"channel_refund_id"`
	Amount               int64                  `json:"amount"`
	Currency             string                 `json:"currency"`
	OccurredAt           *time.Time             `json:"occurred_at,omitempty"`
	RawPayload           map[string]interface{} `json:"raw_payload,omitempty"`
}

func notificationPayload(n *VerifiedNotification) map[string]interface{} {
	payload := callbackPayload{
		Channel:              n.Channel,
		Kind:                 n.Kind,
		EventType:            n.EventType,
		ChannelOrderID:       n.ChannelOrderID,
		ChannelTransactionID: n.ChannelTransactionID,
		ChannelStatus:        n.ChannelStatus,
		RefundNo:             n.RefundNo,
		ChannelRefundID:      n.ChannelRefundID,
		Amount:               n.Amount,
		Currency:             n.Currency,
		OccurredAt:           n.OccurredAt,
		RawPayload:           n.RawPayload,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return map[string]interface{}{"channel": n.Channel, "channel_order_id": n.ChannelOrderID}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{"channel": n.Channel, "channel_order_id": n.ChannelOrderID}
	}
	return out
}

func notificationFromPayload(channel string, payload models.JSON) (*VerifiedNotification, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: callback payload: %v", ErrPaymentInvalid, err)
	}
	var p callbackPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: callback payload: %v", ErrPaymentInvalid, err)
	}
	if p.Channel == "" {
		p.Channel = channel
	}
	if strings.TrimSpace(p.ChannelOrderID) == "" {
		return nil, fmt.Errorf("%w: callback payload missing channel order id", ErrPaymentInvalid)
	}
	n := &VerifiedNotification{Channel: normalizeChannel(p.Channel)}
	n.Kind = p.Kind
	n.EventType = p.EventType
	n.ChannelOrderID = p.ChannelOrderID
	n.ChannelTransactionID = p.ChannelTransactionID
	n.ChannelStatus = p.ChannelStatus
	n.RefundNo = p.RefundNo
	n.ChannelRefundID = p.ChannelRefundID
	n.Amount = p.Amount
	n.Currency = p.Currency
	n.OccurredAt = p.OccurredAt
	n.RawPayload = p.RawPayload
	return n, nil
}
