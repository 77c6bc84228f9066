// Package paymenttest 提供支付渠道的测试替身
package paymenttest

import (
	"context"
	"time"

	"github.com/mallpay-next/internal/payment"

	"github.com/stretchr/testify/mock"
)

// MockProvider 基于 testify/mock 的渠道替身
type MockProvider struct {
	mock.Mock
	ChannelCode string
}

// NewMockProvider 创建指定渠道编码的替身
func NewMockProvider(channel string) *MockProvider {
	return &MockProvider{ChannelCode: channel}
}

func (m *MockProvider) Channel() string {
	return m.ChannelCode
}

func (m *MockProvider) CreatePayment(ctx context.Context, input payment.CreatePaymentInput) (*payment.CreatePaymentResult, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.CreatePaymentResult), args.Error(1)
}

func (m *MockProvider) QueryPayment(ctx context.Context, channelOrderID string) (*payment.PaymentQueryResult, error) {
	args := m.Called(ctx, channelOrderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.PaymentQueryResult), args.Error(1)
}

func (m *MockProvider) CreateRefund(ctx context.Context, input payment.CreateRefundInput) (*payment.RefundResult, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.RefundResult), args.Error(1)
}

func (m *MockProvider) QueryRefund(ctx context.Context, input payment.QueryRefundInput) (*payment.RefundResult, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.RefundResult), args.Error(1)
}

func (m *MockProvider) VerifyNotify(ctx context.Context, body []byte, headers map[string]string) (*payment.Notification, error) {
	args := m.Called(ctx, body, headers)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Notification), args.Error(1)
}

func (m *MockProvider) FetchStatement(ctx context.Context, billDate time.Time) ([]payment.StatementRecord, error) {
	args := m.Called(ctx, billDate)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]payment.StatementRecord), args.Error(1)
}
