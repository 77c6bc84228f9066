package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mallpay-next/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PaymentLockRepository 支付锁数据访问接口
type PaymentLockRepository interface {
	TryAcquire(ctx context.Context, lock *models.PaymentLock, now time.Time) (bool, error)
	Release(ctx context.Context, key string, now time.Time) (bool, error)
	GetByKey(ctx context.Context, key string) (*models.PaymentLock, error)
	DeleteStale(ctx context.Context, now time.Time, limit int) (int64, error)
	WithTx(tx *gorm.DB) *GormPaymentLockRepository
}

// GormPaymentLockRepository GORM 实现
type GormPaymentLockRepository struct {
	db *gorm.DB
}

// NewPaymentLockRepository 创建支付锁仓库
func NewPaymentLockRepository(db *gorm.DB) *GormPaymentLockRepository {
	return &GormPaymentLockRepository{db: db}
}

// WithTx 绑定事务
func (r *GormPaymentLockRepository) WithTx(tx *gorm.DB) *GormPaymentLockRepository {
	if tx == nil {
		return r
	}
	return &GormPaymentLockRepository{db: tx}
}

// TryAcquire 单条条件写入抢锁：不存在则插入，已释放或已过期则覆盖，否则不生效
func (r *GormPaymentLockRepository) TryAcquire(ctx context.Context, lock *models.PaymentLock, now time.Time) (bool, error) {
	if lock == nil || strings.TrimSpace(lock.LockKey) == "" {
		return false, errors.New("invalid payment lock")
	}
	lock.IsActive = true
	lock.CreatedAt = now
	lock.UpdatedAt = now
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "lock_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_user_id", "amount", "is_active", "expires_at", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{
				SQL:  "payment_locks.is_active = ? OR payment_locks.expires_at <= ?",
				Vars: []interface{}{false, now},
			},
		}},
	}).Create(lock)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Release 释放锁，重复释放不报错，返回本次是否实际释放
func (r *GormPaymentLockRepository) Release(ctx context.Context, key string, now time.Time) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	result := r.db.WithContext(ctx).Model(&models.PaymentLock{}).
		Where("lock_key = ? AND is_active = ?", key, true).
		Updates(map[string]interface{}{
			"is_active":  false,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetByKey 获取锁记录
func (r *GormPaymentLockRepository) GetByKey(ctx context.Context, key string) (*models.PaymentLock, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var lock models.PaymentLock
	result := r.db.WithContext(ctx).Where("lock_key = ?", key).Limit(1).Find(&lock)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &lock, nil
}

// DeleteStale 清理已释放或已过期的锁记录
func (r *GormPaymentLockRepository) DeleteStale(ctx context.Context, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	var ids []uint
	if err := r.db.WithContext(ctx).Model(&models.PaymentLock{}).
		Where("is_active = ? OR expires_at <= ?", false, now).
		Order("id asc").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	// 删除时再次校验条件，避免删除刚被重新获取的锁
	result := r.db.WithContext(ctx).
		Where("id IN ? AND (is_active = ? OR expires_at <= ?)", ids, false, now).
		Delete(&models.PaymentLock{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
