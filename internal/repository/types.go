package repository

import "time"

// PaymentListFilter 查询支付列表的过滤条件
type PaymentListFilter struct {
	Page        int
	PageSize    int
	UserID      uint
	OrderID     uint
	Channel     string
	Status      string
	Keyword     string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

// RefundListFilter 查询退款列表的过滤条件
type RefundListFilter struct {
	Page      int
	PageSize  int
	PaymentID uint
	UserID    uint
	Status    string
}

// CallbackAttemptListFilter 查询重试队列的过滤条件
type CallbackAttemptListFilter struct {
	Page           int
	PageSize       int
	Kind           string
	Status         string
	Channel        string
	PaymentID      uint
	ChannelOrderID string
}

// ReconciliationListFilter 查询对账报告的过滤条件
type ReconciliationListFilter struct {
	Page     int
	PageSize int
	Channel  string
	BillDate string
}

// PaymentStatusUpdate 支付状态条件更新内容
type PaymentStatusUpdate struct {
	Status               string
	ChannelTransactionID string
	RawPayload           map[string]interface{}
	PaidAt               *time.Time
	CallbackAt           *time.Time
	UpdatedAt            time.Time
}

// RefundStatusUpdate 退款状态条件更新内容
type RefundStatusUpdate struct {
	Status          string
	ChannelRefundID string
	FailReason      string
	RawPayload      map[string]interface{}
	RefundedAt      *time.Time
	UpdatedAt       time.Time
}
