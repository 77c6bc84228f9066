package models

import "time"

// PointsAccount 用户积分账户
type PointsAccount struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	UserID    uint      `gorm:"uniqueIndex;not null" json:"user_id"`
	Balance   int64     `gorm:"not null;default:0" json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (PointsAccount) TableName() string {
	return "points_accounts"
}

// PointsLedgerEntry 积分流水，幂等键保证同一业务只记账一次
type PointsLedgerEntry struct {
	ID             uint      `gorm:"primarykey" json:"id"`
	UserID         uint      `gorm:"index;not null" json:"user_id"`
	Direction      string    `gorm:"size:16;not null" json:"direction"` // debit/credit
	Amount         int64     `gorm:"not null" json:"amount"`
	BalanceAfter   int64     `gorm:"not null" json:"balance_after"`
	IdempotencyKey string    `gorm:"uniqueIndex;size:128;not null" json:"idempotency_key"`
	Remark         string    `gorm:"size:255" json:"remark"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName 指定表名
func (PointsLedgerEntry) TableName() string {
	return "points_ledger_entries"
}
