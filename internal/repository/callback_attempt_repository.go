package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/models"

	"gorm.io/gorm"
)

// CallbackAttemptRepository 重试队列数据访问接口
type CallbackAttemptRepository interface {
	Create(ctx context.Context, attempt *models.CallbackAttempt) error
	GetByID(ctx context.Context, id uint) (*models.CallbackAttempt, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.CallbackAttempt, error)
	Claim(ctx context.Context, id uint, now, leaseUntil time.Time) (bool, error)
	MarkSucceeded(ctx context.Context, id uint, attempts int, now time.Time) error
	MarkRetry(ctx context.Context, id uint, attempts int, nextRetryAt time.Time, lastError string, now time.Time) error
	MarkTerminal(ctx context.Context, id uint, attempts int, lastError string, now time.Time) error
	Requeue(ctx context.Context, id uint, now time.Time) (bool, error)
	CountByStatus(ctx context.Context, status string) (int64, error)
	List(ctx context.Context, filter CallbackAttemptListFilter) ([]models.CallbackAttempt, int64, error)
	WithTx(tx *gorm.DB) *GormCallbackAttemptRepository
}

// GormCallbackAttemptRepository GORM 实现
type GormCallbackAttemptRepository struct {
	db *gorm.DB
}

// NewCallbackAttemptRepository 创建重试队列仓库
func NewCallbackAttemptRepository(db *gorm.DB) *GormCallbackAttemptRepository {
	return &GormCallbackAttemptRepository{db: db}
}

// WithTx 绑定事务
func (r *GormCallbackAttemptRepository) WithTx(tx *gorm.DB) *GormCallbackAttemptRepository {
	if tx == nil {
		return r
	}
	return &GormCallbackAttemptRepository{db: tx}
}

// Create 写入重试条目
func (r *GormCallbackAttemptRepository) Create(ctx context.Context, attempt *models.CallbackAttempt) error {
	if attempt == nil {
		return errors.New("callback attempt is nil")
	}
	return r.db.WithContext(ctx).Create(attempt).Error
}

// GetByID 根据 ID 获取重试条目
func (r *GormCallbackAttemptRepository) GetByID(ctx context.Context, id uint) (*models.CallbackAttempt, error) {
	if id == 0 {
		return nil, nil
	}
	var attempt models.CallbackAttempt
	if err := r.db.WithContext(ctx).First(&attempt, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &attempt, nil
}

// ListDue 获取到期且未被领取的条目，终止条目永不返回
func (r *GormCallbackAttemptRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.CallbackAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	query := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ? AND attempts < max_attempts AND (lease_until IS NULL OR lease_until <= ?)",
			constants.RetryStatusPending, now, now).
		Order("next_retry_at asc, id asc").
		Limit(limit)
	var attempts []models.CallbackAttempt
	if err := skipLockedQuery(query).Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}

// Claim 以租约方式领取条目，保证同一条目同一时刻只有一个执行者
func (r *GormCallbackAttemptRepository) Claim(ctx context.Context, id uint, now, leaseUntil time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.CallbackAttempt{}).
		Where("id = ? AND status = ? AND next_retry_at <= ? AND (lease_until IS NULL OR lease_until <= ?)",
			id, constants.RetryStatusPending, now, now).
		Updates(map[string]interface{}{
			"lease_until": leaseUntil,
			"updated_at":  now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkSucceeded 标记执行成功
func (r *GormCallbackAttemptRepository) MarkSucceeded(ctx context.Context, id uint, attempts int, now time.Time) error {
	return r.db.WithContext(ctx).Model(&models.CallbackAttempt{}).
		Where("id = ? AND status = ?", id, constants.RetryStatusPending).
		Updates(map[string]interface{}{
			"status":      constants.RetryStatusSucceeded,
			"attempts":    attempts,
			"lease_until": nil,
			"last_error":  "",
			"finished_at": now,
			"updated_at":  now,
		}).Error
}

// MarkRetry 记录失败并安排下一次执行
func (r *GormCallbackAttemptRepository) MarkRetry(ctx context.Context, id uint, attempts int, nextRetryAt time.Time, lastError string, now time.Time) error {
	return r.db.WithContext(ctx).Model(&models.CallbackAttempt{}).
		Where("id = ? AND status = ?", id, constants.RetryStatusPending).
		Updates(map[string]interface{}{
			"attempts":      attempts,
			"next_retry_at": nextRetryAt,
			"lease_until":   nil,
			"last_error":    lastError,
			"updated_at":    now,
		}).Error
}

// MarkTerminal 标记为终止，保留记录供人工处理
func (r *GormCallbackAttemptRepository) MarkTerminal(ctx context.Context, id uint, attempts int, lastError string, now time.Time) error {
	return r.db.WithContext(ctx).Model(&models.CallbackAttempt{}).
		Where("id = ? AND status = ?", id, constants.RetryStatusPending).
		Updates(map[string]interface{}{
			"status":      constants.RetryStatusTerminal,
			"attempts":    attempts,
			"lease_until": nil,
			"last_error":  lastError,
			"finished_at": now,
			"updated_at":  now,
		}).Error
}

// Requeue 人工将终止条目重新放回队列
func (r *GormCallbackAttemptRepository) Requeue(ctx context.Context, id uint, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.CallbackAttempt{}).
		Where("id = ? AND status = ?", id, constants.RetryStatusTerminal).
		Updates(map[string]interface{}{
			"status":        constants.RetryStatusPending,
			"attempts":      0,
			"next_retry_at": now,
			"lease_until":   nil,
			"finished_at":   nil,
			"updated_at":    now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// CountByStatus 统计指定状态条目数
func (r *GormCallbackAttemptRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&models.CallbackAttempt{}).Where("status = ?", status).Count(&total).Error
	return total, err
}

// List 管理端重试队列列表
func (r *GormCallbackAttemptRepository) List(ctx context.Context, filter CallbackAttemptListFilter) ([]models.CallbackAttempt, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.CallbackAttempt{})
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", strings.ToLower(filter.Status))
	}
	if filter.Channel != "" {
		query = query.Where("channel = ?", strings.ToUpper(filter.Channel))
	}
	if filter.PaymentID != 0 {
		query = query.Where("payment_id = ?", filter.PaymentID)
	}
	if v := strings.TrimSpace(filter.ChannelOrderID); v != "" {
		query = query.Where(jsonTextExpr(r.db, "payload", "channel_order_id")+" = ?", v)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	query = applyPagination(query, filter.Page, filter.PageSize)
	var attempts []models.CallbackAttempt
	if err := query.Order("id desc").Find(&attempts).Error; err != nil {
		return nil, 0, err
	}
	return attempts, total, nil
}
