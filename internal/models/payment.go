package models

import (
	"strings"
	"time"

	"github.com/mallpay-next/internal/constants"
)

// Payment 支付记录，金额单位为分
type Payment struct {
	ID                   uint       `gorm:"primarykey" json:"id"`                           // 主键
	PaymentNo            string     `gorm:"uniqueIndex;size:64;not null" json:"payment_no"` // 支付单号
	UserID               uint       `gorm:"index;not null" json:"user_id"`                  // 用户ID
	OrderID              uint       `gorm:"index" json:"order_id"`                          // 订单ID
	Channel              string     `gorm:"index;size:16;not null" json:"channel"`          // 支付渠道 WECHAT/ALIPAY/POINTS/MIXED
	SettleChannel        string     `gorm:"size:16" json:"settle_channel"`                  // 组合支付的在线结算渠道
	Amount               int64      `gorm:"not null" json:"amount"`                         // 支付总额
	PointsAmount         int64      `gorm:"not null;default:0" json:"points_amount"`        // 积分抵扣部分
	Currency             string     `gorm:"size:8;not null" json:"currency"`                // 币种
	Status               string     `gorm:"index;size:16;not null" json:"status"`           // 支付状态
	ChannelOrderID       string     `gorm:"index;size:64" json:"channel_order_id"`          // 渠道侧商户单号
	ChannelTransactionID string     `gorm:"index;size:64" json:"channel_transaction_id"`    // 渠道交易流水号
	LockKey              string     `gorm:"size:128" json:"-"`                              // 防重复提交锁键
	PayURL               string     `gorm:"type:text" json:"pay_url"`                       // 跳转链接
	QRCode               string     `gorm:"type:text" json:"qr_code"`                       // 二维码内容
	RawPayload           JSON       `gorm:"type:json" json:"raw_payload,omitempty"`         // 渠道原始报文
	RiskScore            int        `gorm:"not null;default:0" json:"risk_score"`           // 风险评分
	CreatedAt            time.Time  `gorm:"index" json:"created_at"`                        // 创建时间
	UpdatedAt            time.Time  `json:"updated_at"`                                     // 更新时间
	ExpiredAt            *time.Time `gorm:"index" json:"expired_at"`                        // 过期时间
	PaidAt               *time.Time `gorm:"index" json:"paid_at"`                           // 支付时间
	CallbackAt           *time.Time `json:"callback_at"`                                    // 最近回调时间
}

// TableName 指定表名
func (Payment) TableName() string {
	return "payments"
}

// CashAmount 需要在线渠道支付的部分
func (p *Payment) CashAmount() int64 {
	if p == nil {
		return 0
	}
	cash := p.Amount - p.PointsAmount
	if cash < 0 {
		return 0
	}
	return cash
}

// OnlineChannel 返回承担在线支付的渠道，纯积分支付返回空
func (p *Payment) OnlineChannel() string {
	if p == nil {
		return ""
	}
	switch strings.ToUpper(p.Channel) {
	case constants.PaymentChannelWechat, constants.PaymentChannelAlipay:
		return strings.ToUpper(p.Channel)
	case constants.PaymentChannelMixed:
		return strings.ToUpper(p.SettleChannel)
	default:
		return ""
	}
}
