package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/logger"
	"github.com/mallpay-next/internal/models"
	"github.com/mallpay-next/internal/payment"
	"github.com/mallpay-next/internal/queue"
	"github.com/mallpay-next/internal/repository"

	"go.uber.org/zap"
)

// PaymentOptions 支付创建参数
type PaymentOptions struct {
	ExpireMinutes   int
	LockTTL         time.Duration
	DefaultCurrency string
}

func (o PaymentOptions) normalize() PaymentOptions {
	if o.ExpireMinutes <= 0 {
		o.ExpireMinutes = 15
	}
	if o.LockTTL <= 0 {
		o.LockTTL = time.Duration(o.ExpireMinutes) * time.Minute
	}
	if strings.TrimSpace(o.DefaultCurrency) == "" {
		o.DefaultCurrency = "CNY"
	}
	o.DefaultCurrency = strings.ToUpper(strings.TrimSpace(o.DefaultCurrency))
	return o
}

// PaymentService 支付服务
type PaymentService struct {
	paymentRepo repository.PaymentRepository
	orderRepo   repository.OrderRepository
	registry    *payment.Registry
	mapper      *StatusMapper
	machine     *PaymentStateMachine
	locks       *LockService
	points      PointsLedger
	queueClient *queue.Client
	opts        PaymentOptions
	now         func() time.Time
}

// NewPaymentService 创建支付服务
func NewPaymentService(
	paymentRepo repository.PaymentRepository,
	orderRepo repository.OrderRepository,
	registry *payment.Registry,
	mapper *StatusMapper,
	machine *PaymentStateMachine,
	locks *LockService,
	points PointsLedger,
	queueClient *queue.Client,
	opts PaymentOptions,
) *PaymentService {
	return &PaymentService{
		paymentRepo: paymentRepo,
		orderRepo:   orderRepo,
		registry:    registry,
		mapper:      mapper,
		machine:     machine,
		locks:       locks,
		points:      points,
		queueClient: queueClient,
		opts:        opts.normalize(),
		now:         models.NowUTC,
	}
}

func paymentLogger(kv ...interface{}) *zap.SugaredLogger {
	if len(kv) == 0 {
		return logger.S()
	}
	return logger.SW(kv...)
}

// CreatePaymentInput 创建支付请求，金额单位为分
type CreatePaymentInput struct {
	UserID        uint
	OrderID       uint
	Channel       string
	SettleChannel string
	Amount        int64
	PointsAmount  int64
	Currency      string
	Description   string
	ClientIP      string
	Scene         string
}

// CreatePayment 创建支付：抢锁、扣积分、建单、渠道下单、安排超时
func (s *PaymentService) CreatePayment(ctx context.Context, input CreatePaymentInput) (*models.Payment, error) {
	input, err := s.normalizeCreateInput(input)
	if err != nil {
		return nil, err
	}
	log := paymentLogger(
		"user_id", input.UserID,
		"order_id", input.OrderID,
		"channel", input.Channel,
		"amount", input.Amount,
		"points_amount", input.PointsAmount,
	)

	if input.OrderID != 0 {
		order, err := s.orderRepo.GetByID(ctx, input.OrderID)
		if err != nil {
			return nil, transient("order fetch", err)
		}
		if order == nil || order.UserID != input.UserID {
			return nil, ErrOrderNotFound
		}
		if order.Status != constants.OrderStatusPendingPayment {
			return nil, ErrOrderStatusInvalid
		}
		if order.Amount != input.Amount {
			log.Warnw("payment_create_order_amount_mismatch", "order_amount", order.Amount)
			return nil, ErrPaymentAmountMismatch
		}
	}

	lockKey := ""
	if input.OrderID != 0 {
		lockKey = OrderLockKey(input.OrderID, input.UserID)
		if err := s.locks.Acquire(ctx, lockKey, input.UserID, input.Amount, s.opts.LockTTL); err != nil {
			return nil, err
		}
	}
	releaseLock := func() {
		if err := s.locks.Release(context.WithoutCancel(ctx), lockKey); err != nil {
			log.Warnw("payment_lock_release_failed", "lock_key", lockKey, "error", err)
		}
	}

	now := s.now()
	expiredAt := now.Add(time.Duration(s.opts.ExpireMinutes) * time.Minute)
	paymentNo := generatePaymentNo()
	record := &models.Payment{
		PaymentNo:      paymentNo,
		UserID:         input.UserID,
		OrderID:        input.OrderID,
		Channel:        input.Channel,
		SettleChannel:  input.SettleChannel,
		Amount:         input.Amount,
		PointsAmount:   input.PointsAmount,
		Currency:       input.Currency,
		Status:         constants.PaymentStatusUnpaid,
		ChannelOrderID: paymentNo,
		LockKey:        lockKey,
		RiskScore:      assessRisk(input),
		ExpiredAt:      &expiredAt,
	}
	log = log.With("payment_no", paymentNo)

	var pointsEntry *models.PointsLedgerEntry
	if input.PointsAmount > 0 {
		entry, _, err := s.points.Debit(ctx, input.UserID, input.PointsAmount, debitPointsKey(paymentNo), "payment "+paymentNo)
		if err != nil {
			log.Warnw("payment_points_debit_failed", "error", err)
			releaseLock()
			return nil, err
		}
		pointsEntry = entry
	}

	if err := s.paymentRepo.Create(ctx, record); err != nil {
		log.Errorw("payment_create_failed", "error", err)
		if input.PointsAmount > 0 {
			if _, _, cerr := s.points.Credit(context.WithoutCancel(ctx), input.UserID, input.PointsAmount, voidPointsKey(paymentNo), "payment create failed"); cerr != nil {
				log.Errorw("payment_points_return_failed", "error", cerr)
			}
		}
		releaseLock()
		return nil, transient("payment create", err)
	}
	log = log.With("payment_id", record.ID)
	log.Infow("payment_created", "risk_score", record.RiskScore)

	if input.Channel == constants.PaymentChannelPoints {
		txID := ""
		if pointsEntry != nil {
			txID = fmt.Sprintf("points-%d", pointsEntry.ID)
		}
		result, err := s.machine.Apply(ctx, ApplyInput{
			PaymentID:            record.ID,
			Status:               constants.PaymentStatusPaid,
			ChannelTransactionID: txID,
			RawPayload:           map[string]interface{}{"source": "points", "points_amount": input.PointsAmount},
			Source:               "points",
		})
		if err != nil {
			return record, err
		}
		return result.Payment, nil
	}

	provider, err := s.registry.Get(record.OnlineChannel())
	if err != nil {
		s.failPayment(ctx, record, err)
		return nil, ErrChannelDisabled
	}
	created, err := provider.CreatePayment(ctx, payment.CreatePaymentInput{
		ChannelOrderID: record.ChannelOrderID,
		PaymentID:      record.ID,
		Amount:         record.CashAmount(),
		Currency:       record.Currency,
		Description:    input.Description,
		ClientIP:       input.ClientIP,
		Scene:          input.Scene,
		ExpireAt:       record.ExpiredAt,
	})
	if err != nil {
		if IsRetryable(err) {
			// 渠道可能已受理，保持 UNPAID 交由超时流程查单后关闭
			log.Warnw("payment_channel_create_uncertain", "error", err)
			s.scheduleExpire(record)
			return nil, transient("payment channel create", err)
		}
		log.Warnw("payment_channel_create_rejected", "error", err)
		s.failPayment(ctx, record, err)
		return nil, err
	}
	record.PayURL = created.PayURL
	record.QRCode = created.QRCode
	if err := s.paymentRepo.UpdateChannelInfo(ctx, record.ID, created.PayURL, created.QRCode); err != nil {
		log.Warnw("payment_channel_info_save_failed", "error", err)
	}
	s.scheduleExpire(record)
	return record, nil
}

func (s *PaymentService) normalizeCreateInput(input CreatePaymentInput) (CreatePaymentInput, error) {
	input.Channel = normalizeChannel(input.Channel)
	input.SettleChannel = normalizeChannel(input.SettleChannel)
	input.Currency = strings.ToUpper(strings.TrimSpace(input.Currency))
	if input.Currency == "" {
		input.Currency = s.opts.DefaultCurrency
	}
	if input.UserID == 0 || input.Amount <= 0 || input.PointsAmount < 0 {
		return input, ErrPaymentInvalid
	}
	switch input.Channel {
	case constants.PaymentChannelWechat, constants.PaymentChannelAlipay:
		if input.PointsAmount != 0 {
			return input, ErrPaymentInvalid
		}
		input.SettleChannel = ""
		if !s.registry.Has(input.Channel) {
			return input, ErrChannelDisabled
		}
	case constants.PaymentChannelPoints:
		input.PointsAmount = input.Amount
		input.SettleChannel = ""
		if s.points == nil {
			return input, ErrChannelDisabled
		}
	case constants.PaymentChannelMixed:
		if input.PointsAmount <= 0 || input.PointsAmount >= input.Amount {
			return input, ErrPaymentInvalid
		}
		if input.SettleChannel != constants.PaymentChannelWechat && input.SettleChannel != constants.PaymentChannelAlipay {
			return input, ErrPaymentInvalid
		}
		if s.points == nil || !s.registry.Has(input.SettleChannel) {
			return input, ErrChannelDisabled
		}
	default:
		return input, ErrPaymentInvalid
	}
	return input, nil
}

func (s *PaymentService) failPayment(ctx context.Context, record *models.Payment, cause error) {
	_, err := s.machine.Apply(ctx, ApplyInput{
		PaymentID:  record.ID,
		Status:     constants.PaymentStatusFailed,
		RawPayload: map[string]interface{}{"source": "create", "error": cause.Error()},
		Source:     "create",
	})
	if err != nil {
		paymentLogger("payment_id", record.ID).Errorw("payment_mark_failed_failed", "error", err)
	}
}

func (s *PaymentService) scheduleExpire(record *models.Payment) {
	if s.queueClient == nil || record.ExpiredAt == nil {
		return
	}
	delay := record.ExpiredAt.Sub(s.now())
	if err := s.queueClient.EnqueuePaymentExpire(queue.PaymentExpirePayload{PaymentID: record.ID}, delay); err != nil {
		paymentLogger("payment_id", record.ID).Warnw("payment_expire_enqueue_failed", "error", err)
	}
}

// CancelPayment 用户取消未支付的支付单
func (s *PaymentService) CancelPayment(ctx context.Context, userID, paymentID uint) (*models.Payment, error) {
	record, err := s.getOwned(ctx, userID, paymentID)
	if err != nil {
		return nil, err
	}
	result, err := s.machine.Apply(ctx, ApplyInput{
		PaymentID: record.ID,
		Status:    constants.PaymentStatusCancelled,
		Source:    "cancel",
	})
	if err != nil {
		return nil, err
	}
	return result.Payment, nil
}

// ExpirePayment 超时关闭。在线渠道先查单，渠道已支付时按支付成功处理。
func (s *PaymentService) ExpirePayment(ctx context.Context, paymentID uint) (*ApplyResult, error) {
	record, err := s.paymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, transient("payment fetch", err)
	}
	if record == nil {
		return nil, ErrPaymentNotFound
	}
	if record.Status != constants.PaymentStatusUnpaid {
		return &ApplyResult{Outcome: ApplyNoOp, Reason: NoOpUnchanged, PreviousStatus: record.Status, Payment: record}, nil
	}
	if record.ExpiredAt != nil && record.ExpiredAt.After(s.now()) {
		return &ApplyResult{Outcome: ApplyNoOp, Reason: NoOpUnchanged, PreviousStatus: record.Status, Payment: record}, nil
	}
	log := paymentLogger("payment_id", record.ID, "payment_no", record.PaymentNo)

	if channel := record.OnlineChannel(); channel != "" {
		if provider, err := s.registry.Get(channel); err == nil {
			queried, err := provider.QueryPayment(ctx, channelOrderID(record))
			switch {
			case err != nil && IsRetryable(err):
				log.Warnw("payment_expire_query_failed", "error", err)
				return nil, err
			case err != nil:
				log.Infow("payment_expire_query_rejected", "error", err)
			default:
				mapped := s.mapper.MapPayment(channel, queried.ChannelStatus)
				if mapped == constants.PaymentStatusPaid || mapped == constants.PaymentStatusPaying {
					log.Infow("payment_expire_channel_active", "channel_status", queried.ChannelStatus)
					return s.machine.Apply(ctx, ApplyInput{
						PaymentID:            record.ID,
						Status:               mapped,
						ChannelTransactionID: queried.ChannelTransactionID,
						RawPayload:           queried.Raw,
						Source:               "expire",
					})
				}
			}
		}
	}
	return s.machine.Apply(ctx, ApplyInput{
		PaymentID: record.ID,
		Status:    constants.PaymentStatusExpired,
		Source:    "expire",
	})
}

// ExpireDue 扫描并关闭已超时的支付单，返回处理条数
func (s *PaymentService) ExpireDue(ctx context.Context, limit int) (int, error) {
	due, err := s.paymentRepo.ListExpiredUnpaid(ctx, s.now(), limit)
	if err != nil {
		return 0, transient("payment list expired", err)
	}
	processed := 0
	for _, item := range due {
		result, err := s.ExpirePayment(ctx, item.ID)
		if err != nil {
			paymentLogger("payment_id", item.ID).Warnw("payment_expire_failed", "error", err)
			continue
		}
		if result.Outcome == ApplyApplied {
			processed++
		}
	}
	return processed, nil
}

// SyncPayment 主动查询渠道状态并走状态机，用于回调投递失败后的人工补偿
func (s *PaymentService) SyncPayment(ctx context.Context, paymentID uint) (*ApplyResult, error) {
	record, err := s.paymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, transient("payment fetch", err)
	}
	if record == nil {
		return nil, ErrPaymentNotFound
	}
	channel := record.OnlineChannel()
	if channel == "" {
		return &ApplyResult{Outcome: ApplyNoOp, Reason: NoOpUnchanged, PreviousStatus: record.Status, Payment: record}, nil
	}
	provider, err := s.registry.Get(channel)
	if err != nil {
		return nil, err
	}
	queried, err := provider.QueryPayment(ctx, channelOrderID(record))
	if err != nil {
		paymentLogger("payment_id", record.ID).Warnw("payment_sync_query_failed", "error", err)
		return nil, err
	}
	if queried.Amount > 0 && queried.Amount != record.CashAmount() {
		paymentLogger("payment_id", record.ID).Warnw("payment_sync_amount_mismatch",
			"stored_amount", record.CashAmount(),
			"channel_amount", queried.Amount,
		)
		return nil, ErrPaymentAmountMismatch
	}
	return s.machine.Apply(ctx, ApplyInput{
		PaymentID:            record.ID,
		Status:               s.mapper.MapPayment(channel, queried.ChannelStatus),
		ChannelTransactionID: queried.ChannelTransactionID,
		RawPayload:           queried.Raw,
		Source:               "sync",
	})
}

// GetPayment 获取支付，userID 非 0 时校验归属
func (s *PaymentService) GetPayment(ctx context.Context, userID, paymentID uint) (*models.Payment, error) {
	return s.getOwned(ctx, userID, paymentID)
}

// ListPayments 管理端列表
func (s *PaymentService) ListPayments(ctx context.Context, filter repository.PaymentListFilter) ([]models.Payment, int64, error) {
	items, total, err := s.paymentRepo.ListAdmin(ctx, filter)
	if err != nil {
		return nil, 0, transient("payment list", err)
	}
	return items, total, nil
}

func (s *PaymentService) getOwned(ctx context.Context, userID, paymentID uint) (*models.Payment, error) {
	record, err := s.paymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, transient("payment fetch", err)
	}
	if record == nil || (userID != 0 && record.UserID != userID) {
		return nil, ErrPaymentNotFound
	}
	return record, nil
}

// assessRisk 简单风险评分，仅记录不拦截
func assessRisk(input CreatePaymentInput) int {
	score := 0
	if input.Amount >= 500000 {
		score += 40
	} else if input.Amount >= 100000 {
		score += 20
	}
	if strings.TrimSpace(input.ClientIP) == "" {
		score += 20
	}
	if input.OrderID == 0 {
		score += 10
	}
	if input.PointsAmount > 0 && input.PointsAmount*2 > input.Amount {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

func channelOrderID(p *models.Payment) string {
	if v := strings.TrimSpace(p.ChannelOrderID); v != "" {
		return v
	}
	return p.PaymentNo
}

func generatePaymentNo() string {
	return fmt.Sprintf("MP%s%s", time.Now().UTC().Format("20060102150405"), randNumeric(6))
}

func randNumeric(length int) string {
	var b strings.Builder
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			b.WriteString("0")
			continue
		}
		b.WriteString(n.String())
	}
	return b.String()
}
