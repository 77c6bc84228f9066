package models

import "time"

// Order 商城订单（支付子系统只关心支付相关字段）
type Order struct {
	ID        uint       `gorm:"primarykey" json:"id"`
	OrderNo   string     `gorm:"uniqueIndex;size:64;not null" json:"order_no"`
	UserID    uint       `gorm:"index;not null" json:"user_id"`
	Amount    int64      `gorm:"not null" json:"amount"`
	Status    string     `gorm:"index;size:32;not null" json:"status"`
	PaymentID uint       `gorm:"index" json:"payment_id"`
	PaidAt    *time.Time `json:"paid_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (Order) TableName() string {
	return "orders"
}
