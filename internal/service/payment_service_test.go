package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/models"
	"github.com/mallpay-next/internal/payment"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCreatePaymentValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cases := []struct {
		name  string
		input CreatePaymentInput
		want  error
	}{
		{"missing user", CreatePaymentInput{Channel: "WECHAT", Amount: 100}, ErrPaymentInvalid},
		{"zero amount", CreatePaymentInput{UserID: 1, Channel: "WECHAT"}, ErrPaymentInvalid},
		{"unknown channel", CreatePaymentInput{UserID: 1, Channel: "PAYPAL", Amount: 100}, ErrPaymentInvalid},
		{"points on online channel", CreatePaymentInput{UserID: 1, Channel: "ALIPAY", Amount: 100, PointsAmount: 10}, ErrPaymentInvalid},
		{"mixed without points", CreatePaymentInput{UserID: 1, Channel: "MIXED", SettleChannel: "WECHAT", Amount: 100}, ErrPaymentInvalid},
		{"mixed all points", CreatePaymentInput{UserID: 1, Channel: "MIXED", SettleChannel: "WECHAT", Amount: 100, PointsAmount: 100}, ErrPaymentInvalid},
		{"mixed bad settle", CreatePaymentInput{UserID: 1, Channel: "MIXED", SettleChannel: "POINTS", Amount: 100, PointsAmount: 10}, ErrPaymentInvalid},
		{"missing order", CreatePaymentInput{UserID: 1, OrderID: 777, Channel: "WECHAT", Amount: 100}, ErrOrderNotFound},
	}
	for _, tc := range cases {
		if _, err := env.payments.CreatePayment(ctx, tc.input); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if n := env.countRows(t, &models.Payment{}, ""); n != 0 {
		t.Fatalf("invalid requests must not create payments, got %d", n)
	}
}

func TestCreatePaymentOrderChecks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.seedOrder(t, 1, 500)

	_, err := env.payments.CreatePayment(ctx, CreatePaymentInput{UserID: 2, OrderID: order.ID, Channel: "WECHAT", Amount: 500})
	require.ErrorIs(t, err, ErrOrderNotFound, "order of another user is invisible")
	_, err = env.payments.CreatePayment(ctx, CreatePaymentInput{UserID: 1, OrderID: order.ID, Channel: "WECHAT", Amount: 499})
	require.ErrorIs(t, err, ErrPaymentAmountMismatch)

	require.NoError(t, env.db.Model(&models.Order{}).Where("id = ?", order.ID).Update("status", constants.OrderStatusPaid).Error)
	_, err = env.payments.CreatePayment(ctx, CreatePaymentInput{UserID: 1, OrderID: order.ID, Channel: "WECHAT", Amount: 500})
	require.ErrorIs(t, err, ErrOrderStatusInvalid)
}

func TestCreatePointsPaymentIsPaidImmediately(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.creditPoints(t, 1, 1000)
	order := env.seedOrder(t, 1, 600)

	p, err := env.payments.CreatePayment(ctx, CreatePaymentInput{UserID: 1, OrderID: order.ID, Channel: "points", Amount: 600})
	require.NoError(t, err)
	require.Equal(t, constants.PaymentStatusPaid, p.Status)
	require.EqualValues(t, 600, p.PointsAmount)
	require.NotEmpty(t, p.ChannelTransactionID)

	balance, err := env.points.Balance(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 400, balance)

	stored, err := env.orderRepo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, constants.OrderStatusPaid, stored.Status)
	held, err := env.locks.Held(ctx, OrderLockKey(order.ID, 1))
	require.NoError(t, err)
	require.False(t, held)
}

func TestCreatePointsPaymentInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.creditPoints(t, 1, 100)
	order := env.seedOrder(t, 1, 600)

	_, err := env.payments.CreatePayment(ctx, CreatePaymentInput{UserID: 1, OrderID: order.ID, Channel: "POINTS", Amount: 600})
	require.ErrorIs(t, err, ErrInsufficientPoints)
	require.EqualValues(t, 0, env.countRows(t, &models.Payment{}, ""))
	held, err := env.locks.Held(ctx, OrderLockKey(order.ID, 1))
	require.NoError(t, err)
	require.False(t, held, "lock is released when points debit fails")
}

func TestCreateMixedPaymentChargesCashPortion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.creditPoints(t, 1, 500)
	env.alipay.On("CreatePayment", mock.Anything, mock.MatchedBy(func(in payment.CreatePaymentInput) bool {
		return in.Amount == 700 && in.Currency == "CNY"
	})).Return(&payment.CreatePaymentResult{PayURL: "https://openapi.alipay.com/gateway.do?x=1"}, nil).Once()

	p, err := env.payments.CreatePayment(ctx, CreatePaymentInput{
		UserID:        1,
		Channel:       "MIXED",
		SettleChannel: "alipay",
		Amount:        1000,
		PointsAmount:  300,
		Scene:         payment.SceneH5,
	})
	require.NoError(t, err)
	require.Equal(t, constants.PaymentStatusUnpaid, p.Status)
	require.Equal(t, constants.PaymentChannelAlipay, p.OnlineChannel())
	require.NotEmpty(t, p.PayURL)

	balance, err := env.points.Balance(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 200, balance)

	stored := env.reloadPayment(t, p.ID)
	require.Equal(t, p.PayURL, stored.PayURL)
	require.NotNil(t, stored.ExpiredAt)
}

func TestCreatePaymentTransientChannelErrorKeepsUnpaid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.seedOrder(t, 1, 300)
	env.wechat.On("CreatePayment", mock.Anything, mock.Anything).Return(nil, payment.ErrRequestFailed).Once()

	_, err := env.payments.CreatePayment(ctx, CreatePaymentInput{UserID: 1, OrderID: order.ID, Channel: "WECHAT", Amount: 300})
	require.True(t, IsRetryable(err), "expected transient error, got %v", err)

	var p models.Payment
	require.NoError(t, env.db.Where("order_id = ?", order.ID).First(&p).Error)
	require.Equal(t, constants.PaymentStatusUnpaid, p.Status)
}

func TestCancelPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.creditPoints(t, 1, 100)
	order := env.seedOrder(t, 1, 400)
	env.wechat.On("CreatePayment", mock.Anything, mock.Anything).Return(&payment.CreatePaymentResult{QRCode: "weixin://x"}, nil).Once()
	p, err := env.payments.CreatePayment(ctx, CreatePaymentInput{UserID: 1, OrderID: order.ID, Channel: "MIXED", SettleChannel: "WECHAT", Amount: 400, PointsAmount: 100})
	require.NoError(t, err)

	_, err = env.payments.CancelPayment(ctx, 2, p.ID)
	require.ErrorIs(t, err, ErrPaymentNotFound, "other users cannot cancel")

	cancelled, err := env.payments.CancelPayment(ctx, 1, p.ID)
	require.NoError(t, err)
	require.Equal(t, constants.PaymentStatusCancelled, cancelled.Status)
	balance, err := env.points.Balance(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 100, balance, "points are returned on cancel")

	again, err := env.payments.CancelPayment(ctx, 1, p.ID)
	require.NoError(t, err)
	require.Equal(t, constants.PaymentStatusCancelled, again.Status)
	balance, err = env.points.Balance(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 100, balance, "points are returned once")

	paid := env.seedPayment(t, constants.PaymentChannelWechat, constants.PaymentStatusPaid, 100)
	_, err = env.payments.CancelPayment(ctx, 1, paid.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestExpirePaymentQueriesChannelFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	paidOnChannel := env.seedPayment(t, constants.PaymentChannelWechat, constants.PaymentStatusUnpaid, 100)
	closed := env.seedPayment(t, constants.PaymentChannelWechat, constants.PaymentStatusUnpaid, 100)
	past := models.NowUTC().Add(-time.Minute)
	require.NoError(t, env.db.Model(&models.Payment{}).Where("id IN ?", []uint{paidOnChannel.ID, closed.ID}).Update("expired_at", past).Error)

	env.wechat.On("QueryPayment", mock.Anything, paidOnChannel.ChannelOrderID).
		Return(&payment.PaymentQueryResult{ChannelStatus: "SUCCESS", ChannelTransactionID: "42000099", Amount: 100}, nil).Once()
	env.wechat.On("QueryPayment", mock.Anything, closed.ChannelOrderID).
		Return(&payment.PaymentQueryResult{ChannelStatus: "NOTPAY"}, nil).Once()

	processed, err := env.payments.ExpireDue(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, processed)

	require.Equal(t, constants.PaymentStatusPaid, env.reloadPayment(t, paidOnChannel.ID).Status)
	require.Equal(t, constants.PaymentStatusExpired, env.reloadPayment(t, closed.ID).Status)
}

func TestExpirePaymentNotDueIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedPayment(t, constants.PaymentChannelWechat, constants.PaymentStatusUnpaid, 100)
	future := models.NowUTC().Add(time.Hour)
	require.NoError(t, env.db.Model(&models.Payment{}).Where("id = ?", p.ID).Update("expired_at", future).Error)

	result, err := env.payments.ExpirePayment(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, ApplyNoOp, result.Outcome)
	env.wechat.AssertNotCalled(t, "QueryPayment", mock.Anything, mock.Anything)
}

func TestSyncPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.seedPayment(t, constants.PaymentChannelAlipay, constants.PaymentStatusUnpaid, 880)

	env.alipay.On("QueryPayment", mock.Anything, p.ChannelOrderID).
		Return(&payment.PaymentQueryResult{ChannelStatus: "TRADE_SUCCESS", Amount: 1}, nil).Once()
	_, err := env.payments.SyncPayment(ctx, p.ID)
	require.ErrorIs(t, err, ErrPaymentAmountMismatch)
	require.Equal(t, constants.PaymentStatusUnpaid, env.reloadPayment(t, p.ID).Status)

	env.alipay.On("QueryPayment", mock.Anything, p.ChannelOrderID).
		Return(&payment.PaymentQueryResult{ChannelStatus: "TRADE_SUCCESS", ChannelTransactionID: "2026101922009", Amount: 880}, nil).Once()
	result, err := env.payments.SyncPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, ApplyApplied, result.Outcome)
	require.Equal(t, "2026101922009", env.reloadPayment(t, p.ID).ChannelTransactionID)

	_, err = env.payments.SyncPayment(ctx, 123456)
	require.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestAssessRisk(t *testing.T) {
	low := assessRisk(CreatePaymentInput{Amount: 100, OrderID: 1, ClientIP: "1.1.1.1"})
	high := assessRisk(CreatePaymentInput{Amount: 600000, PointsAmount: 400000})
	if low != 0 {
		t.Fatalf("expected zero risk, got %d", low)
	}
	if high != 80 {
		t.Fatalf("expected high risk 80, got %d", high)
	}
}
