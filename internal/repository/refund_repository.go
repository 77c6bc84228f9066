package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/mallpay-next/internal/models"

	"gorm.io/gorm"
)

// RefundRepository 退款数据访问接口
type RefundRepository interface {
	Create(ctx context.Context, refund *models.Refund) error
	GetByID(ctx context.Context, id uint) (*models.Refund, error)
	GetByRefundNo(ctx context.Context, refundNo string) (*models.Refund, error)
	ListByPaymentID(ctx context.Context, paymentID uint) ([]models.Refund, error)
	SumAmountByStatuses(ctx context.Context, paymentID uint, statuses []string) (int64, error)
	UpdateStatusCAS(ctx context.Context, id uint, fromStatuses []string, update RefundStatusUpdate) (bool, error)
	List(ctx context.Context, filter RefundListFilter) ([]models.Refund, int64, error)
	WithTx(tx *gorm.DB) *GormRefundRepository
}

// GormRefundRepository GORM 实现
type GormRefundRepository struct {
	db *gorm.DB
}

// NewRefundRepository 创建退款仓库
func NewRefundRepository(db *gorm.DB) *GormRefundRepository {
	return &GormRefundRepository{db: db}
}

// WithTx 绑定事务
func (r *GormRefundRepository) WithTx(tx *gorm.DB) *GormRefundRepository {
	if tx == nil {
		return r
	}
	return &GormRefundRepository{db: tx}
}

// Create 创建退款记录
func (r *GormRefundRepository) Create(ctx context.Context, refund *models.Refund) error {
	return r.db.WithContext(ctx).Create(refund).Error
}

// GetByID 根据 ID 获取退款
func (r *GormRefundRepository) GetByID(ctx context.Context, id uint) (*models.Refund, error) {
	if id == 0 {
		return nil, nil
	}
	var refund models.Refund
	if err := r.db.WithContext(ctx).First(&refund, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &refund, nil
}

// GetByRefundNo 根据退款单号获取退款
func (r *GormRefundRepository) GetByRefundNo(ctx context.Context, refundNo string) (*models.Refund, error) {
	refundNo = strings.TrimSpace(refundNo)
	if refundNo == "" {
		return nil, nil
	}
	var refund models.Refund
	result := r.db.WithContext(ctx).Where("refund_no = ?", refundNo).Limit(1).Find(&refund)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &refund, nil
}

// ListByPaymentID 获取支付下的全部退款
func (r *GormRefundRepository) ListByPaymentID(ctx context.Context, paymentID uint) ([]models.Refund, error) {
	var refunds []models.Refund
	if err := r.db.WithContext(ctx).Where("payment_id = ?", paymentID).Order("id asc").Find(&refunds).Error; err != nil {
		return nil, err
	}
	return refunds, nil
}

// SumAmountByStatuses 汇总指定状态的退款金额
func (r *GormRefundRepository) SumAmountByStatuses(ctx context.Context, paymentID uint, statuses []string) (int64, error) {
	if paymentID == 0 || len(statuses) == 0 {
		return 0, nil
	}
	var total int64
	err := r.db.WithContext(ctx).Model(&models.Refund{}).
		Where("payment_id = ? AND status IN ?", paymentID, statuses).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

// UpdateStatusCAS 仅当当前状态属于 fromStatuses 时更新
func (r *GormRefundRepository) UpdateStatusCAS(ctx context.Context, id uint, fromStatuses []string, update RefundStatusUpdate) (bool, error) {
	if id == 0 || len(fromStatuses) == 0 || strings.TrimSpace(update.Status) == "" {
		return false, errors.New("invalid refund status update")
	}
	updates := map[string]interface{}{
		"status":     update.Status,
		"updated_at": update.UpdatedAt,
	}
	if v := strings.TrimSpace(update.ChannelRefundID); v != "" {
		updates["channel_refund_id"] = v
	}
	if v := strings.TrimSpace(update.FailReason); v != "" {
		updates["fail_reason"] = v
	}
	if update.RawPayload != nil {
		updates["raw_payload"] = models.JSON(update.RawPayload)
	}
	if update.RefundedAt != nil {
		updates["refunded_at"] = *update.RefundedAt
	}
	result := r.db.WithContext(ctx).Model(&models.Refund{}).
		Where("id = ? AND status IN ?", id, fromStatuses).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// List 退款列表
func (r *GormRefundRepository) List(ctx context.Context, filter RefundListFilter) ([]models.Refund, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Refund{})
	if filter.PaymentID != 0 {
		query = query.Where("payment_id = ?", filter.PaymentID)
	}
	if filter.UserID != 0 {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", strings.ToUpper(filter.Status))
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	query = applyPagination(query, filter.Page, filter.PageSize)
	var refunds []models.Refund
	if err := query.Order("id desc").Find(&refunds).Error; err != nil {
		return nil, 0, err
	}
	return refunds, total, nil
}
