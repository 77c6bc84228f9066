package models

import "time"

// CallbackAttempt 重试队列条目，记录需要重放的回调或副作用
type CallbackAttempt struct {
	ID          uint       `gorm:"primarykey" json:"id"`
	Kind        string     `gorm:"index;size:32;not null" json:"kind"`   // callback/paid_effects/refund_effects
	PaymentID   uint       `gorm:"index" json:"payment_id"`              // 关联支付记录
	RefundID    uint       `gorm:"index" json:"refund_id"`               // 关联退款记录
	Channel     string     `gorm:"size:16" json:"channel"`               // 渠道
	Payload     JSON       `gorm:"type:json" json:"payload"`             // 原始通知或副作用参数
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`   // 已尝试次数
	MaxAttempts int        `gorm:"not null" json:"max_attempts"`         // 最大尝试次数
	Status      string     `gorm:"index;size:16;not null" json:"status"` // pending/succeeded/terminal
	NextRetryAt time.Time  `gorm:"index;not null" json:"next_retry_at"`  // 下次可执行时间
	LeaseUntil  *time.Time `json:"lease_until"`                          // 领取租约截止时间
	LastError   string     `gorm:"type:text" json:"last_error"`          // 最近一次错误
	FinishedAt  *time.Time `json:"finished_at"`                          // 成功或终止时间
	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (CallbackAttempt) TableName() string {
	return "callback_attempts"
}
