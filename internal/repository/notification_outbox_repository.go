package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/models"

	"gorm.io/gorm"
)

// NotificationOutboxRepository 通知发件箱数据访问接口
type NotificationOutboxRepository interface {
	Create(ctx context.Context, item *models.NotificationOutbox) error
	GetByID(ctx context.Context, id uint) (*models.NotificationOutbox, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.NotificationOutbox, error)
	MarkDispatched(ctx context.Context, id uint, now time.Time) (bool, error)
	MarkAttemptFailed(ctx context.Context, id uint, attempts int, nextAttemptAt time.Time, lastError string, giveUp bool) error
	ListByPaymentID(ctx context.Context, paymentID uint) ([]models.NotificationOutbox, error)
	WithTx(tx *gorm.DB) *GormNotificationOutboxRepository
}

// GormNotificationOutboxRepository GORM 实现
type GormNotificationOutboxRepository struct {
	db *gorm.DB
}

// NewNotificationOutboxRepository 创建通知发件箱仓库
func NewNotificationOutboxRepository(db *gorm.DB) *GormNotificationOutboxRepository {
	return &GormNotificationOutboxRepository{db: db}
}

// WithTx 绑定事务
func (r *GormNotificationOutboxRepository) WithTx(tx *gorm.DB) *GormNotificationOutboxRepository {
	if tx == nil {
		return r
	}
	return &GormNotificationOutboxRepository{db: tx}
}

// Create 写入发件箱
func (r *GormNotificationOutboxRepository) Create(ctx context.Context, item *models.NotificationOutbox) error {
	if item == nil {
		return errors.New("outbox item is nil")
	}
	return r.db.WithContext(ctx).Create(item).Error
}

// GetByID 根据 ID 获取发件箱条目
func (r *GormNotificationOutboxRepository) GetByID(ctx context.Context, id uint) (*models.NotificationOutbox, error) {
	if id == 0 {
		return nil, nil
	}
	var item models.NotificationOutbox
	if err := r.db.WithContext(ctx).First(&item, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

// ListDue 获取到期待投递的条目
func (r *GormNotificationOutboxRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.NotificationOutbox, error) {
	if limit <= 0 {
		limit = 100
	}
	query := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", constants.OutboxStatusPending, now).
		Order("id asc").
		Limit(limit)
	var items []models.NotificationOutbox
	if err := skipLockedQuery(query).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// MarkDispatched 标记已投递，重复投递只有第一次命中
func (r *GormNotificationOutboxRepository) MarkDispatched(ctx context.Context, id uint, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.NotificationOutbox{}).
		Where("id = ? AND status = ?", id, constants.OutboxStatusPending).
		Updates(map[string]interface{}{
			"status":        constants.OutboxStatusDispatched,
			"dispatched_at": now,
			"last_error":    "",
			"updated_at":    now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkAttemptFailed 记录投递失败
func (r *GormNotificationOutboxRepository) MarkAttemptFailed(ctx context.Context, id uint, attempts int, nextAttemptAt time.Time, lastError string, giveUp bool) error {
	status := constants.OutboxStatusPending
	if giveUp {
		status = constants.OutboxStatusFailed
	}
	return r.db.WithContext(ctx).Model(&models.NotificationOutbox{}).
		Where("id = ? AND status = ?", id, constants.OutboxStatusPending).
		Updates(map[string]interface{}{
			"status":          status,
			"attempts":        attempts,
			"next_attempt_at": nextAttemptAt,
			"last_error":      lastError,
			"updated_at":      time.Now().UTC(),
		}).Error
}

// ListByPaymentID 获取某笔支付产生的通知
func (r *GormNotificationOutboxRepository) ListByPaymentID(ctx context.Context, paymentID uint) ([]models.NotificationOutbox, error) {
	var items []models.NotificationOutbox
	if err := r.db.WithContext(ctx).Where("payment_id = ?", paymentID).Order("id asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
