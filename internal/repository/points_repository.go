package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/models"

	"gorm.io/gorm"
)

// ErrInsufficientPoints 积分余额不足
var ErrInsufficientPoints = errors.New("insufficient points balance")

// PointsRepository 积分账户数据访问接口
type PointsRepository interface {
	GetAccount(ctx context.Context, userID uint) (*models.PointsAccount, error)
	GetEntryByKey(ctx context.Context, key string) (*models.PointsLedgerEntry, error)
	ApplyEntry(ctx context.Context, entry *models.PointsLedgerEntry) (bool, error)
	WithTx(tx *gorm.DB) *GormPointsRepository
}

// GormPointsRepository GORM 实现
type GormPointsRepository struct {
	db *gorm.DB
}

// NewPointsRepository 创建积分仓库
func NewPointsRepository(db *gorm.DB) *GormPointsRepository {
	return &GormPointsRepository{db: db}
}

// WithTx 绑定事务
func (r *GormPointsRepository) WithTx(tx *gorm.DB) *GormPointsRepository {
	if tx == nil {
		return r
	}
	return &GormPointsRepository{db: tx}
}

// GetAccount 获取积分账户
func (r *GormPointsRepository) GetAccount(ctx context.Context, userID uint) (*models.PointsAccount, error) {
	if userID == 0 {
		return nil, nil
	}
	var account models.PointsAccount
	result := r.db.WithContext(ctx).Where("user_id = ?", userID).Limit(1).Find(&account)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &account, nil
}

// GetEntryByKey 根据幂等键获取流水
func (r *GormPointsRepository) GetEntryByKey(ctx context.Context, key string) (*models.PointsLedgerEntry, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var entry models.PointsLedgerEntry
	result := r.db.WithContext(ctx).Where("idempotency_key = ?", key).Limit(1).Find(&entry)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &entry, nil
}

// ApplyEntry 记一笔积分流水并更新余额，幂等键已存在时返回 false。
// 调用方需在事务内调用以保证余额与流水一致。
func (r *GormPointsRepository) ApplyEntry(ctx context.Context, entry *models.PointsLedgerEntry) (bool, error) {
	if entry == nil || entry.UserID == 0 || entry.Amount <= 0 || strings.TrimSpace(entry.IdempotencyKey) == "" {
		return false, errors.New("invalid points ledger entry")
	}
	existing, err := r.GetEntryByKey(ctx, entry.IdempotencyKey)
	if err != nil {
		return false, err
	}
	if existing != nil {
		*entry = *existing
		return false, nil
	}

	db := r.db.WithContext(ctx)
	account := models.PointsAccount{UserID: entry.UserID}
	if err := db.Where(models.PointsAccount{UserID: entry.UserID}).FirstOrCreate(&account).Error; err != nil {
		return false, err
	}

	var result *gorm.DB
	switch entry.Direction {
	case constants.PointsEntryDebit:
		result = db.Model(&models.PointsAccount{}).
			Where("user_id = ? AND balance >= ?", entry.UserID, entry.Amount).
			UpdateColumn("balance", gorm.Expr("balance - ?", entry.Amount))
	case constants.PointsEntryCredit:
		result = db.Model(&models.PointsAccount{}).
			Where("user_id = ?", entry.UserID).
			UpdateColumn("balance", gorm.Expr("balance + ?", entry.Amount))
	default:
		return false, errors.New("invalid points direction")
	}
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, ErrInsufficientPoints
	}

	if err := db.Model(&models.PointsAccount{}).Where("user_id = ?", entry.UserID).
		Pluck("balance", &entry.BalanceAfter).Error; err != nil {
		return false, err
	}
	if err := db.Create(entry).Error; err != nil {
		return false, err
	}
	return true, nil
}
