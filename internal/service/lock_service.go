package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/metrics"
	"github.com/mallpay-next/internal/models"
	"github.com/mallpay-next/internal/repository"
)

const defaultLockTTL = 15 * time.Minute

// LockService 防重复提交的业务锁
type LockService struct {
	repo    repository.PaymentLockRepository
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewLockService 创建锁服务
func NewLockService(repo repository.PaymentLockRepository, m *metrics.Metrics) *LockService {
	return &LockService{repo: repo, metrics: m, now: models.NowUTC}
}

// OrderLockKey 订单+用户维度的锁键
func OrderLockKey(orderID, userID uint) string {
	return fmt.Sprintf("%s:%d:user%d", constants.LockKeyOrderPrefix, orderID, userID)
}

// RefundLockKey 同一笔支付的退款串行化锁键
func RefundLockKey(paymentID uint) string {
	return fmt.Sprintf("%s:%d", constants.LockKeyRefundPrefix, paymentID)
}

// Acquire 抢锁，已被持有时返回 ErrLockConflict
func (s *LockService) Acquire(ctx context.Context, key string, ownerUserID uint, amount int64, ttl time.Duration) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrPaymentInvalid
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	now := s.now()
	acquired, err := s.repo.TryAcquire(ctx, &models.PaymentLock{
		LockKey:     key,
		OwnerUserID: ownerUserID,
		Amount:      amount,
		ExpiresAt:   now.Add(ttl),
	}, now)
	if err != nil {
		s.metrics.RecordLock("error")
		return transient("payment lock acquire", err)
	}
	if !acquired {
		s.metrics.RecordLock("conflict")
		paymentLogger("lock_key", key, "owner_user_id", ownerUserID).Infow("payment_lock_conflict")
		return ErrLockConflict
	}
	s.metrics.RecordLock("acquired")
	return nil
}

// Release 释放锁，重复释放为空操作
func (s *LockService) Release(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	if _, err := s.repo.Release(ctx, key, s.now()); err != nil {
		return transient("payment lock release", err)
	}
	return nil
}

// Held 锁当前是否被持有
func (s *LockService) Held(ctx context.Context, key string) (bool, error) {
	lock, err := s.repo.GetByKey(ctx, key)
	if err != nil {
		return false, transient("payment lock get", err)
	}
	return lock.HeldAt(s.now()), nil
}

// SweepStale 清理已释放或过期的锁记录
func (s *LockService) SweepStale(ctx context.Context, limit int) (int64, error) {
	deleted, err := s.repo.DeleteStale(ctx, s.now(), limit)
	if err != nil {
		return 0, transient("payment lock sweep", err)
	}
	if deleted > 0 {
		paymentLogger().Infow("payment_lock_swept", "deleted", deleted)
	}
	return deleted, nil
}
