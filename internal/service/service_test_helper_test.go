package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/metrics"
	"github.com/mallpay-next/internal/models"
	"github.com/mallpay-next/internal/payment"
	"github.com/mallpay-next/internal/payment/paymenttest"
	"github.com/mallpay-next/internal/repository"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"gorm.io/gorm"
)

type testEnv struct {
	db          *gorm.DB
	paymentRepo *repository.GormPaymentRepository
	refundRepo  *repository.GormRefundRepository
	orderRepo   *repository.GormOrderRepository
	attemptRepo *repository.GormCallbackAttemptRepository
	outboxRepo  *repository.GormNotificationOutboxRepository
	reportRepo  *repository.GormReconciliationRepository

	wechat   *paymenttest.MockProvider
	alipay   *paymenttest.MockProvider
	registry *payment.Registry
	metrics  *metrics.Metrics
	mapper   *StatusMapper

	locks     *LockService
	retry     *RetryQueue
	points    *PointsService
	effects   *PaymentEffects
	machine   *PaymentStateMachine
	refunds   *RefundService
	payments  *PaymentService
	callbacks *CallbackService
	processor *RetryProcessor
	outbox    *OutboxService
	reconcile *ReconcileService
	sender    *recordingSender
}

type recordingSender struct {
	sent []sentNotification
	err  error
}

type sentNotification struct {
	UserID       uint
	TemplateCode string
	Data         map[string]interface{}
}

func (s *recordingSender) Send(_ context.Context, userID uint, templateCode string, data map[string]interface{}) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentNotification{UserID: userID, TemplateCode: templateCode, Data: data})
	return nil
}

func setupServiceTestDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{NowFunc: models.NowUTC})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db failed: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("auto migrate failed: %v", err)
	}
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := setupServiceTestDB(t, "service")
	env := &testEnv{
		db:          db,
		paymentRepo: repository.NewPaymentRepository(db),
		refundRepo:  repository.NewRefundRepository(db),
		orderRepo:   repository.NewOrderRepository(db),
		attemptRepo: repository.NewCallbackAttemptRepository(db),
		outboxRepo:  repository.NewNotificationOutboxRepository(db),
		reportRepo:  repository.NewReconciliationRepository(db),
		wechat:      paymenttest.NewMockProvider(constants.PaymentChannelWechat),
		alipay:      paymenttest.NewMockProvider(constants.PaymentChannelAlipay),
		metrics:     metrics.New("mallpay", prometheus.NewRegistry()),
		sender:      &recordingSender{},
	}
	env.registry = payment.NewRegistry(env.wechat, env.alipay)
	env.mapper = NewStatusMapper(nil)

	env.locks = NewLockService(repository.NewPaymentLockRepository(db), env.metrics)
	env.retry = NewRetryQueue(env.attemptRepo, RetryOptions{BaseDelay: time.Second, MaxRetries: 3, Lease: 30 * time.Second}, env.metrics)
	env.points = NewPointsService(db, repository.NewPointsRepository(db))
	env.effects = NewPaymentEffects(env.paymentRepo, env.orderRepo, env.locks, env.points, env.retry)
	env.machine = NewPaymentStateMachine(db, env.paymentRepo, env.outboxRepo, env.effects, env.metrics)
	env.refunds = NewRefundService(db, env.paymentRepo, env.refundRepo, env.outboxRepo, env.registry, env.mapper, env.machine, env.locks, env.points, env.retry)
	env.payments = NewPaymentService(env.paymentRepo, env.orderRepo, env.registry, env.mapper, env.machine, env.locks, env.points, nil, PaymentOptions{ExpireMinutes: 15})

	verifier, err := NewChannelVerifier(env.registry, nil)
	if err != nil {
		t.Fatalf("new verifier failed: %v", err)
	}
	env.callbacks = NewCallbackService(verifier, NewCallbackDeduplicator(nil, 0, 0), env.mapper, env.machine, env.refunds,
		env.paymentRepo, env.refundRepo, env.retry, env.metrics, time.Second)
	env.processor = NewRetryProcessor(env.retry, env.callbacks, env.effects, env.refunds)
	env.outbox = NewOutboxService(env.outboxRepo, env.sender, nil, OutboxOptions{MaxAttempts: 2, BaseDelay: time.Second}, env.metrics)
	env.reconcile = NewReconcileService(env.paymentRepo, env.reportRepo, env.registry, env.mapper, nil, env.metrics, "Asia/Shanghai")
	return env
}

// seedOrder 创建待支付订单
func (e *testEnv) seedOrder(t *testing.T, userID uint, amount int64) *models.Order {
	t.Helper()
	order := &models.Order{
		OrderNo: fmt.Sprintf("O%d", time.Now().UnixNano()),
		UserID:  userID,
		Amount:  amount,
		Status:  constants.OrderStatusPendingPayment,
	}
	if err := e.orderRepo.Create(context.Background(), order); err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	return order
}

// seedPayment 直接写入支付记录
func (e *testEnv) seedPayment(t *testing.T, channel, status string, amount int64) *models.Payment {
	t.Helper()
	no := fmt.Sprintf("MP%d", time.Now().UnixNano())
	p := &models.Payment{
		PaymentNo:      no,
		UserID:         1,
		Channel:        channel,
		Amount:         amount,
		Currency:       "CNY",
		Status:         status,
		ChannelOrderID: no,
	}
	if status == constants.PaymentStatusPaid {
		now := models.NowUTC()
		p.PaidAt = &now
	}
	if err := e.paymentRepo.Create(context.Background(), p); err != nil {
		t.Fatalf("create payment failed: %v", err)
	}
	return p
}

func (e *testEnv) creditPoints(t *testing.T, userID uint, amount int64) {
	t.Helper()
	if _, _, err := e.points.Credit(context.Background(), userID, amount, fmt.Sprintf("seed:%d:%d", userID, time.Now().UnixNano()), "seed"); err != nil {
		t.Fatalf("seed points failed: %v", err)
	}
}

func (e *testEnv) reloadPayment(t *testing.T, id uint) *models.Payment {
	t.Helper()
	p, err := e.paymentRepo.GetByID(context.Background(), id)
	if err != nil || p == nil {
		t.Fatalf("reload payment %d failed: %v", id, err)
	}
	return p
}

func (e *testEnv) countRows(t *testing.T, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var count int64
	q := e.db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	if err := q.Count(&count).Error; err != nil {
		t.Fatalf("count rows failed: %v", err)
	}
	return count
}

// expectNotify 为指定报文设置验签结果
func (e *testEnv) expectNotify(provider *paymenttest.MockProvider, body string, n *payment.Notification) {
	provider.On("VerifyNotify", mock.Anything, []byte(body), mock.Anything).Return(n, nil)
}

func paymentNotification(orderID, txID, status string, amount int64) *payment.Notification {
	return &payment.Notification{
		Kind:                 constants.NotifyKindPayment,
		EventType:            "TRANSACTION." + status,
		ChannelOrderID:       orderID,
		ChannelTransactionID: txID,
		ChannelStatus:        status,
		Amount:               amount,
		Currency:             "CNY",
		RawPayload:           map[string]interface{}{"trade_state": status},
	}
}
