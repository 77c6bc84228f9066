package models

import "time"

// ReconciliationReport 对账报告
type ReconciliationReport struct {
	ID                    uint                 `gorm:"primarykey" json:"id"`
	BillDate              string               `gorm:"index;size:10;not null" json:"bill_date"` // YYYY-MM-DD
	Channel               string               `gorm:"index;size:16;not null" json:"channel"`
	LocalCount            int                  `json:"local_count"`
	ChannelCount          int                  `json:"channel_count"`
	MatchedCount          int                  `json:"matched_count"`
	AmountMismatchCount   int                  `json:"amount_mismatch_count"`
	StatusMismatchCount   int                  `json:"status_mismatch_count"`
	MissingOnChannelCount int                  `json:"missing_on_channel_count"`
	MissingLocallyCount   int                  `json:"missing_locally_count"`
	LocalAmount           int64                `json:"local_amount"`
	ChannelAmount         int64                `json:"channel_amount"`
	Items                 []ReconciliationItem `gorm:"foreignKey:ReportID" json:"items,omitempty"`
	CreatedAt             time.Time            `json:"created_at"`
}

// TableName 指定表名
func (ReconciliationReport) TableName() string {
	return "reconciliation_reports"
}

// ReconciliationItem 对账明细，只记录非一致项以及一致项的计数
type ReconciliationItem struct {
	ID             uint   `gorm:"primarykey" json:"id"`
	ReportID       uint   `gorm:"index;not null" json:"report_id"`
	Category       string `gorm:"index;size:32;not null" json:"category"`
	ChannelOrderID string `gorm:"size:64" json:"channel_order_id"`
	PaymentID      uint   `json:"payment_id"`
	LocalAmount    int64  `json:"local_amount"`
	ChannelAmount  int64  `json:"channel_amount"`
	LocalStatus    string `gorm:"size:16" json:"local_status"`
	ChannelStatus  string `gorm:"size:32" json:"channel_status"`
}

// TableName 指定表名
func (ReconciliationItem) TableName() string {
	return "reconciliation_items"
}
