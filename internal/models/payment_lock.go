package models

import "time"

// PaymentLock 支付防重复提交锁，每个锁键最多一行
type PaymentLock struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	LockKey     string    `gorm:"uniqueIndex;size:128;not null" json:"lock_key"`
	OwnerUserID uint      `gorm:"not null" json:"owner_user_id"`
	Amount      int64     `gorm:"not null" json:"amount"`
	IsActive    bool      `gorm:"index;not null" json:"is_active"`
	ExpiresAt   time.Time `gorm:"index;not null" json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName 指定表名
func (PaymentLock) TableName() string {
	return "payment_locks"
}

// HeldAt 判断锁在指定时间是否仍被持有
func (l *PaymentLock) HeldAt(now time.Time) bool {
	return l != nil && l.IsActive && l.ExpiresAt.After(now)
}
