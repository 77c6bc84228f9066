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

// PaymentRepository 支付数据访问接口
type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	GetByID(ctx context.Context, id uint) (*models.Payment, error)
	GetByPaymentNo(ctx context.Context, paymentNo string) (*models.Payment, error)
	GetByChannelOrderID(ctx context.Context, channelOrderID string) (*models.Payment, error)
	GetByChannelTransactionID(ctx context.Context, transactionID string) (*models.Payment, error)
	UpdateStatusCAS(ctx context.Context, id uint, fromStatus string, update PaymentStatusUpdate) (bool, error)
	UpdateChannelInfo(ctx context.Context, id uint, payURL, qrCode string) error
	TouchCallback(ctx context.Context, id uint, at time.Time) error
	ListForReconcile(ctx context.Context, channel string, from, to time.Time) ([]models.Payment, error)
	ListExpiredUnpaid(ctx context.Context, now time.Time, limit int) ([]models.Payment, error)
	ListAdmin(ctx context.Context, filter PaymentListFilter) ([]models.Payment, int64, error)
	WithTx(tx *gorm.DB) *GormPaymentRepository
}

// GormPaymentRepository GORM 实现
type GormPaymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository 创建支付仓库
func NewPaymentRepository(db *gorm.DB) *GormPaymentRepository {
	return &GormPaymentRepository{db: db}
}

// WithTx 绑定事务
func (r *GormPaymentRepository) WithTx(tx *gorm.DB) *GormPaymentRepository {
	if tx == nil {
		return r
	}
	return &GormPaymentRepository{db: tx}
}

// Create 创建支付记录
func (r *GormPaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

// GetByID 根据 ID 获取支付记录
func (r *GormPaymentRepository) GetByID(ctx context.Context, id uint) (*models.Payment, error) {
	if id == 0 {
		return nil, nil
	}
	var payment models.Payment
	if err := r.db.WithContext(ctx).First(&payment, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// GetByPaymentNo 根据支付单号获取支付记录
func (r *GormPaymentRepository) GetByPaymentNo(ctx context.Context, paymentNo string) (*models.Payment, error) {
	return r.findOne(ctx, "payment_no = ?", strings.TrimSpace(paymentNo))
}

// GetByChannelOrderID 根据渠道商户单号获取支付记录
func (r *GormPaymentRepository) GetByChannelOrderID(ctx context.Context, channelOrderID string) (*models.Payment, error) {
	return r.findOne(ctx, "channel_order_id = ?", strings.TrimSpace(channelOrderID))
}

// GetByChannelTransactionID 根据渠道交易流水号获取支付记录
func (r *GormPaymentRepository) GetByChannelTransactionID(ctx context.Context, transactionID string) (*models.Payment, error) {
	return r.findOne(ctx, "channel_transaction_id = ?", strings.TrimSpace(transactionID))
}

func (r *GormPaymentRepository) findOne(ctx context.Context, cond string, value string) (*models.Payment, error) {
	if value == "" {
		return nil, nil
	}
	var payment models.Payment
	result := r.db.WithContext(ctx).Where(cond, value).Order("id desc").Limit(1).Find(&payment)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &payment, nil
}

// UpdateStatusCAS 仅当当前状态等于 fromStatus 时更新，返回是否命中
func (r *GormPaymentRepository) UpdateStatusCAS(ctx context.Context, id uint, fromStatus string, update PaymentStatusUpdate) (bool, error) {
	if id == 0 || strings.TrimSpace(update.Status) == "" {
		return false, errors.New("invalid payment status update")
	}
	updates := map[string]interface{}{
		"status":     update.Status,
		"updated_at": update.UpdatedAt,
	}
	if txID := strings.TrimSpace(update.ChannelTransactionID); txID != "" {
		updates["channel_transaction_id"] = txID
	}
	if update.RawPayload != nil {
		updates["raw_payload"] = models.JSON(update.RawPayload)
	}
	if update.PaidAt != nil {
		updates["paid_at"] = *update.PaidAt
	}
	if update.CallbackAt != nil {
		updates["callback_at"] = *update.CallbackAt
	}
	result := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// UpdateChannelInfo 回写渠道下单结果
func (r *GormPaymentRepository) UpdateChannelInfo(ctx context.Context, id uint, payURL, qrCode string) error {
	return r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"pay_url": payURL,
			"qr_code": qrCode,
		}).Error
}

// TouchCallback 记录最近一次回调时间
func (r *GormPaymentRepository) TouchCallback(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ?", id).
		UpdateColumn("callback_at", at).Error
}

// ListForReconcile 获取对账窗口内某在线渠道的支付记录（含组合支付）。
// 已支付记录按 paid_at 归入账单日，未支付记录按 created_at 归入。
func (r *GormPaymentRepository) ListForReconcile(ctx context.Context, channel string, from, to time.Time) ([]models.Payment, error) {
	channel = strings.ToUpper(strings.TrimSpace(channel))
	var payments []models.Payment
	err := r.db.WithContext(ctx).
		Where("(channel = ? OR (channel = ? AND settle_channel = ?))",
			channel, constants.PaymentChannelMixed, channel).
		Where("((paid_at >= ? AND paid_at < ?) OR (paid_at IS NULL AND created_at >= ? AND created_at < ?))",
			from, to, from, to).
		Order("id asc").
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

// ListExpiredUnpaid 获取已过期仍未支付的记录
func (r *GormPaymentRepository) ListExpiredUnpaid(ctx context.Context, now time.Time, limit int) ([]models.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	var payments []models.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND expired_at IS NOT NULL AND expired_at <= ?", constants.PaymentStatusUnpaid, now).
		Order("id asc").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

// ListAdmin 管理端支付列表
func (r *GormPaymentRepository) ListAdmin(ctx context.Context, filter PaymentListFilter) ([]models.Payment, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Payment{})

	if filter.UserID != 0 {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.OrderID != 0 {
		query = query.Where("order_id = ?", filter.OrderID)
	}
	if filter.Channel != "" {
		query = query.Where("channel = ?", strings.ToUpper(filter.Channel))
	}
	if filter.Status != "" {
		query = query.Where("status = ?", strings.ToUpper(filter.Status))
	}
	if cond, args := buildKeywordCondition(r.db, filter.Keyword, "payment_no", "channel_transaction_id"); cond != "" {
		query = query.Where("("+cond+")", args...)
	}
	if filter.CreatedFrom != nil {
		query = query.Where("created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		query = query.Where("created_at <= ?", *filter.CreatedTo)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = applyPagination(query, filter.Page, filter.PageSize)

	var payments []models.Payment
	if err := query.Order("id desc").Find(&payments).Error; err != nil {
		return nil, 0, err
	}
	return payments, total, nil
}
