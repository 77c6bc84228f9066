package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/mallpay-next/internal/models"

	"gorm.io/gorm"
)

// ReconciliationRepository 对账报告数据访问接口
type ReconciliationRepository interface {
	CreateReport(ctx context.Context, report *models.ReconciliationReport) error
	GetReport(ctx context.Context, id uint, withItems bool) (*models.ReconciliationReport, error)
	ListReports(ctx context.Context, filter ReconciliationListFilter) ([]models.ReconciliationReport, int64, error)
	WithTx(tx *gorm.DB) *GormReconciliationRepository
}

// GormReconciliationRepository GORM 实现
type GormReconciliationRepository struct {
	db *gorm.DB
}

// NewReconciliationRepository 创建对账仓库
func NewReconciliationRepository(db *gorm.DB) *GormReconciliationRepository {
	return &GormReconciliationRepository{db: db}
}

// WithTx 绑定事务
func (r *GormReconciliationRepository) WithTx(tx *gorm.DB) *GormReconciliationRepository {
	if tx == nil {
		return r
	}
	return &GormReconciliationRepository{db: tx}
}

// CreateReport 保存报告及明细
func (r *GormReconciliationRepository) CreateReport(ctx context.Context, report *models.ReconciliationReport) error {
	if report == nil {
		return errors.New("reconciliation report is nil")
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items := report.Items
		report.Items = nil
		if err := tx.Create(report).Error; err != nil {
			return err
		}
		for i := range items {
			items[i].ReportID = report.ID
		}
		if len(items) > 0 {
			if err := tx.CreateInBatches(items, 200).Error; err != nil {
				return err
			}
		}
		report.Items = items
		return nil
	})
}

// GetReport 获取报告
func (r *GormReconciliationRepository) GetReport(ctx context.Context, id uint, withItems bool) (*models.ReconciliationReport, error) {
	if id == 0 {
		return nil, nil
	}
	query := r.db.WithContext(ctx)
	if withItems {
		query = query.Preload("Items")
	}
	var report models.ReconciliationReport
	if err := query.First(&report, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &report, nil
}

// ListReports 报告列表
func (r *GormReconciliationRepository) ListReports(ctx context.Context, filter ReconciliationListFilter) ([]models.ReconciliationReport, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.ReconciliationReport{})
	if filter.Channel != "" {
		query = query.Where("channel = ?", strings.ToUpper(filter.Channel))
	}
	if filter.BillDate != "" {
		query = query.Where("bill_date = ?", filter.BillDate)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	query = applyPagination(query, filter.Page, filter.PageSize)
	var reports []models.ReconciliationReport
	if err := query.Order("id desc").Find(&reports).Error; err != nil {
		return nil, 0, err
	}
	return reports, total, nil
}
