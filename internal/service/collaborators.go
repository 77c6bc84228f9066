package service

import (
	"context"
	"time"

	"github.com/mallpay-next/internal/models"
)

// OrderStore 订单侧协作方，MarkPaid 对同一订单只命中一次
type OrderStore interface {
	MarkPaid(ctx context.Context, orderID uint, paymentID uint, paidAt time.Time) (bool, error)
}

// PointsLedger 积分账户协作方，同一幂等键只记账一次
type PointsLedger interface {
	Credit(ctx context.Context, userID uint, amount int64, idempotencyKey, reason string) (*models.PointsLedgerEntry, bool, error)
	Debit(ctx context.Context, userID uint, amount int64, idempotencyKey, reason string) (*models.PointsLedgerEntry, bool, error)
}

// NotificationSender 用户通知投递
type NotificationSender interface {
	Send(ctx context.Context, userID uint, templateCode string, data map[string]interface{}) error
}
