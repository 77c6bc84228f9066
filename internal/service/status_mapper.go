package service

import (
	"strings"

	"github.com/mallpay-next/internal/constants"
)

// StatusTable 渠道状态词汇到内部状态的映射
type StatusTable struct {
	Payment map[string]string
	Refund  map[string]string
}

// DefaultStatusTable 通用词汇，渠道表在其上覆盖
func DefaultStatusTable() StatusTable {
	return StatusTable{
		Payment: map[string]string{
			"SUCCESS":    constants.PaymentStatusPaid,
			"PAID":       constants.PaymentStatusPaid,
			"FINISHED":   constants.PaymentStatusPaid,
			"FAILED":     constants.PaymentStatusFailed,
			"CLOSED":     constants.PaymentStatusFailed,
			"CANCELLED":  constants.PaymentStatusFailed,
			"EXPIRED":    constants.PaymentStatusFailed,
			"USERPAYING": constants.PaymentStatusPaying,
		},
		Refund: map[string]string{
			"REFUND_SUCCESS":     constants.RefundStatusSuccess,
			"REFUND_FAIL":        constants.RefundStatusFailed,
			"REFUND_IN_PROGRESS": constants.RefundStatusProcessing,
		},
	}
}

// DefaultChannelStatusTables 微信、支付宝的渠道词汇
func DefaultChannelStatusTables() map[string]StatusTable {
	return map[string]StatusTable{
		constants.PaymentChannelWechat: {
			Payment: map[string]string{
				"NOTPAY":   constants.PaymentStatusUnpaid,
				"PAYERROR": constants.PaymentStatusFailed,
				"REVOKED":  constants.PaymentStatusFailed,
				// 已支付后转入退款，支付本身仍视为成功
				"REFUND": constants.PaymentStatusPaid,
			},
			Refund: map[string]string{
				"SUCCESS":    constants.RefundStatusSuccess,
				"CLOSED":     constants.RefundStatusFailed,
				"ABNORMAL":   constants.RefundStatusFailed,
				"PROCESSING": constants.RefundStatusProcessing,
			},
		},
		constants.PaymentChannelAlipay: {
			Payment: map[string]string{
				"TRADE_SUCCESS":  constants.PaymentStatusPaid,
				"TRADE_FINISHED": constants.PaymentStatusPaid,
				"TRADE_CLOSED":   constants.PaymentStatusFailed,
				"WAIT_BUYER_PAY": constants.PaymentStatusUnpaid,
			},
			Refund: map[string]string{},
		},
	}
}

// StatusMapper 按渠道表把渠道状态翻译为内部状态，未知词汇落到保守默认值
type StatusMapper struct {
	payment map[string]map[string]string
	refund  map[string]map[string]string
	base    StatusTable
}

// NewStatusMapper 创建状态映射器，tables 为空时使用内置渠道表
func NewStatusMapper(tables map[string]StatusTable) *StatusMapper {
	if tables == nil {
		tables = DefaultChannelStatusTables()
	}
	m := &StatusMapper{
		payment: make(map[string]map[string]string, len(tables)),
		refund:  make(map[string]map[string]string, len(tables)),
		base:    DefaultStatusTable(),
	}
	for channel, table := range tables {
		key := normalizeChannel(channel)
		m.payment[key] = mergeTable(m.base.Payment, table.Payment)
		m.refund[key] = mergeTable(m.base.Refund, table.Refund)
	}
	return m
}

// MapPayment 映射支付状态，未知状态返回 UNPAID
func (m *StatusMapper) MapPayment(channel, channelStatus string) string {
	table, ok := m.payment[normalizeChannel(channel)]
	if !ok {
		table = m.base.Payment
	}
	if status, ok := table[normalizeStatusWord(channelStatus)]; ok {
		return status
	}
	return constants.PaymentStatusUnpaid
}

// MapRefund 映射退款状态，未知状态返回 PROCESSING
func (m *StatusMapper) MapRefund(channel, channelStatus string) string {
	table, ok := m.refund[normalizeChannel(channel)]
	if !ok {
		table = m.base.Refund
	}
	if status, ok := table[normalizeStatusWord(channelStatus)]; ok {
		return status
	}
	return constants.RefundStatusProcessing
}

func mergeTable(base, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[normalizeStatusWord(k)] = v
	}
	for k, v := range overlay {
		out[normalizeStatusWord(k)] = v
	}
	return out
}

func normalizeStatusWord(status string) string {
	return strings.ToUpper(strings.TrimSpace(status))
}

func normalizeChannel(channel string) string {
	return strings.ToUpper(strings.TrimSpace(channel))
}
