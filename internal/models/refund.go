package models

import "time"

// Refund 退款记录
type Refund struct {
	ID              uint       `gorm:"primarykey" json:"id"`
	RefundNo        string     `gorm:"uniqueIndex;size:64;not null" json:"refund_no"` // 退款单号，同时作为渠道 out_refund_no
	PaymentID       uint       `gorm:"index;not null" json:"payment_id"`              // 支付记录ID
	UserID          uint       `gorm:"index;not null" json:"user_id"`                 // 用户ID
	OperatorID      uint       `gorm:"index" json:"operator_id"`                      // 发起退款的管理员ID
	Amount          int64      `gorm:"not null" json:"amount"`                        // 退款总额
	PointsAmount    int64      `gorm:"not null;default:0" json:"points_amount"`       // 退回积分部分
	Reason          string     `gorm:"size:255" json:"reason"`                        // 退款原因
	Status          string     `gorm:"index;size:16;not null" json:"status"`          // 退款状态
	ChannelRefundID string     `gorm:"index;size:64" json:"channel_refund_id"`        // 渠道退款单号
	FailReason      string     `gorm:"size:255" json:"fail_reason"`                   // 失败原因
	RawPayload      JSON       `gorm:"type:json" json:"raw_payload,omitempty"`        // 渠道原始报文
	RefundedAt      *time.Time `json:"refunded_at"`                                   // 退款完成时间
	CreatedAt       time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (Refund) TableName() string {
	return "refunds"
}

// CashAmount 需要经由在线渠道退回的部分
func (r *Refund) CashAmount() int64 {
	if r == nil {
		return 0
	}
	cash := r.Amount - r.PointsAmount
	if cash < 0 {
		return 0
	}
	return cash
}
