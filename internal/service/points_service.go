package service

import (
	"context"
	"errors"
	"strings"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/models"
	"github.com/mallpay-next/internal/repository"

	"gorm.io/gorm"
)

// PointsService 积分记账
type PointsService struct {
	db   *gorm.DB
	repo repository.PointsRepository
}

// NewPointsService 创建积分服务
func NewPointsService(db *gorm.DB, repo repository.PointsRepository) *PointsService {
	return &PointsService{db: db, repo: repo}
}

// Credit 入账，返回流水及本次是否新记账
func (s *PointsService) Credit(ctx context.Context, userID uint, amount int64, idempotencyKey, reason string) (*models.PointsLedgerEntry, bool, error) {
	return s.apply(ctx, constants.PointsEntryCredit, userID, amount, idempotencyKey, reason)
}

// Debit 扣减，余额不足返回 ErrInsufficientPoints
func (s *PointsService) Debit(ctx context.Context, userID uint, amount int64, idempotencyKey, reason string) (*models.PointsLedgerEntry, bool, error) {
	return s.apply(ctx, constants.PointsEntryDebit, userID, amount, idempotencyKey, reason)
}

// Balance 查询余额
func (s *PointsService) Balance(ctx context.Context, userID uint) (int64, error) {
	account, err := s.repo.GetAccount(ctx, userID)
	if err != nil {
		return 0, transient("points balance", err)
	}
	if account == nil {
		return 0, nil
	}
	return account.Balance, nil
}

func (s *PointsService) apply(ctx context.Context, direction string, userID uint, amount int64, idempotencyKey, reason string) (*models.PointsLedgerEntry, bool, error) {
	if userID == 0 || amount <= 0 || strings.TrimSpace(idempotencyKey) == "" {
		return nil, false, ErrPaymentInvalid
	}
	entry := &models.PointsLedgerEntry{
		UserID:         userID,
		Direction:      direction,
		Amount:         amount,
		IdempotencyKey: strings.TrimSpace(idempotencyKey),
		Remark:         reason,
	}
	var created bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.WithTx(tx).ApplyEntry(ctx, entry)
		if err != nil {
			return err
		}
		created = ok
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientPoints) {
			return nil, false, ErrInsufficientPoints
		}
		return nil, false, transient("points "+direction, err)
	}
	paymentLogger(
		"user_id", userID,
		"direction", direction,
		"amount", amount,
		"idempotency_key", entry.IdempotencyKey,
	).Infow("points_entry_applied", "created", created, "balance_after", entry.BalanceAfter)
	return entry, created, nil
}
