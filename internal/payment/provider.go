package payment

import (
	"context"
	"errors"
	"time"
)

// 渠道适配器共享的错误，各渠道包在此基础上包装自己的错误
var (
	ErrChannelUnsupported = errors.New("payment channel unsupported")
	ErrConfigInvalid      = errors.New("payment channel config invalid")
	ErrRequestFailed      = errors.New("payment channel request failed")
	ErrResponseInvalid    = errors.New("payment channel response invalid")
	ErrSignatureInvalid   = errors.New("payment channel signature invalid")
	ErrNotSupported       = errors.New("payment channel operation not supported")
)

// 支付场景
const (
	SceneQR = "qr"
	SceneH5 = "h5"
)

// Provider 在线支付渠道能力
type Provider interface {
	Channel() string
	CreatePayment(ctx context.Context, input CreatePaymentInput) (*CreatePaymentResult, error)
	QueryPayment(ctx context.Context, channelOrderID string) (*PaymentQueryResult, error)
	CreateRefund(ctx context.Context, input CreateRefundInput) (*RefundResult, error)
	QueryRefund(ctx context.Context, input QueryRefundInput) (*RefundResult, error)
	VerifyNotify(ctx context.Context, body []byte, headers map[string]string) (*Notification, error)
	FetchStatement(ctx context.Context, billDate time.Time) ([]StatementRecord, error)
}

// CreatePaymentInput 渠道下单参数，金额单位为分
type CreatePaymentInput struct {
	ChannelOrderID string
	PaymentID      uint
	Amount         int64
	Currency       string
	Description    string
	ClientIP       string
	Scene          string
	ExpireAt       *time.Time
}

// CreatePaymentResult 渠道下单结果
type CreatePaymentResult struct {
	PayURL   string
	QRCode   string
	PrepayID string
	Raw      map[string]interface{}
}

// PaymentQueryResult 主动查单结果
type PaymentQueryResult struct {
	ChannelOrderID       string
	ChannelTransactionID string
	ChannelStatus        string
	Amount               int64
	Currency             string
	PaidAt               *time.Time
	Raw                  map[string]interface{}
}

// CreateRefundInput 渠道退款参数
type CreateRefundInput struct {
	ChannelOrderID       string
	ChannelTransactionID string
	RefundNo             string
	RefundAmount         int64
	TotalAmount          int64
	Currency             string
	Reason               string
}

// QueryRefundInput 退款查询参数
type QueryRefundInput struct {
	ChannelOrderID string
	RefundNo       string
}

// RefundResult 退款受理或查询结果
type RefundResult struct {
	RefundNo        string
	ChannelRefundID string
	ChannelStatus   string
	Amount          int64
	RefundedAt      *time.Time
	Raw             map[string]interface{}
}

// Notification 验签通过的渠道异步通知
type Notification struct {
	Kind                 string
	EventType            string
	ChannelOrderID       string
	ChannelTransactionID string
	ChannelStatus        string
	RefundNo             string
	ChannelRefundID      string
	Amount               int64
	Currency             string
	OccurredAt           *time.Time
	RawPayload           map[string]interface{}
}

// StatementRecord 渠道账单中的一条交易
type StatementRecord struct {
	ChannelOrderID       string
	ChannelTransactionID string
	ChannelStatus        string
	Amount               int64
	Currency             string
	TradeTime            *time.Time
}
