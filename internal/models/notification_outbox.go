package models

import "time"

// NotificationOutbox 通知发件箱，与状态变更在同一事务内写入
type NotificationOutbox struct {
	ID            uint       `gorm:"primarykey" json:"id"`
	EventID       string     `gorm:"uniqueIndex;size:64;not null" json:"event_id"`
	EventType     string     `gorm:"index;size:64;not null" json:"event_type"`
	UserID        uint       `gorm:"index" json:"user_id"`
	PaymentID     uint       `gorm:"index" json:"payment_id"`
	RefundID      uint       `gorm:"index" json:"refund_id"`
	TemplateCode  string     `gorm:"size:64" json:"template_code"`
	Payload       JSON       `gorm:"type:json" json:"payload"`
	Status        string     `gorm:"index;size:16;not null" json:"status"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt time.Time  `gorm:"index;not null" json:"next_attempt_at"`
	LastError     string     `gorm:"type:text" json:"last_error"`
	DispatchedAt  *time.Time `json:"dispatched_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (NotificationOutbox) TableName() string {
	return "notification_outbox"
}
