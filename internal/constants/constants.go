package constants

// 订单状态常量
const (
	OrderStatusPendingPayment = "pending_payment"
	OrderStatusPaid           = "paid"
	OrderStatusCanceled       = "canceled"
)

// 支付状态常量
const (
	PaymentStatusUnpaid    = "UNPAID"
	PaymentStatusPaying    = "PAYING"
	PaymentStatusPaid      = "PAID"
	PaymentStatusFailed    = "FAILED"
	PaymentStatusCancelled = "CANCELLED"
	PaymentStatusExpired   = "EXPIRED"
	PaymentStatusRefunded  = "REFUNDED"
)

// 退款状态常量
const (
	RefundStatusPending    = "PENDING"
	RefundStatusProcessing = "PROCESSING"
	RefundStatusSuccess    = "SUCCESS"
	RefundStatusFailed     = "FAILED"
)

// 支付渠道常量
const (
	PaymentChannelWechat = "WECHAT"
	PaymentChannelAlipay = "ALIPAY"
	PaymentChannelPoints = "POINTS"
	PaymentChannelMixed  = "MIXED"
)

// 回调通知类型
const (
	NotifyKindPayment = "payment"
	NotifyKindRefund  = "refund"
)

// 重试队列任务类型
const (
	RetryKindCallback      = "callback"
	RetryKindPaidEffects   = "paid_effects"
	RetryKindRefundEffects = "refund_effects"
	RetryKindVoidEffects   = "void_effects"
)

// 重试队列状态
const (
	RetryStatusPending   = "pending"
	RetryStatusSucceeded = "succeeded"
	RetryStatusTerminal  = "terminal"
)

// 通知发件箱状态
const (
	OutboxStatusPending    = "pending"
	OutboxStatusDispatched = "dispatched"
	OutboxStatusFailed     = "failed"
)

// 通知事件类型
const (
	NotificationEventPaymentPaid   = "payment.paid"
	NotificationEventPaymentFailed = "payment.failed"
	NotificationEventRefundSucceed = "refund.succeeded"
	NotificationEventRefundFailed  = "refund.failed"
	NotificationTemplatePaid       = "PAYMENT_SUCCESS"
	NotificationTemplateFailed     = "PAYMENT_FAILED"
	NotificationTemplateRefund     = "REFUND_SUCCESS"
	NotificationTemplateRefundFail = "REFUND_FAILED"
)

// 积分流水类型
const (
	PointsEntryDebit  = "debit"
	PointsEntryCredit = "credit"
)

// 对账结果分类
const (
	ReconcileMatched          = "matched"
	ReconcileAmountMismatch   = "amount_mismatch"
	ReconcileStatusMismatch   = "status_mismatch"
	ReconcileMissingOnChannel = "missing_on_channel"
	ReconcileMissingLocally   = "missing_locally"
)

// 渠道回执
const (
	WechatAckSuccess = "SUCCESS"
	WechatAckFail    = "FAIL"
	AlipayAckSuccess = "success"
	AlipayAckFail    = "fail"
)

// 队列名称
const (
	QueueDefault  = "default"
	QueueCritical = "critical"
)

// 异步任务类型
const (
	TaskNotificationSend = "payment:notification_send"
	TaskPaymentExpire    = "payment:expire"
)

// 锁键前缀
const (
	LockKeyOrderPrefix  = "order"
	LockKeyRefundPrefix = "refund"
)
