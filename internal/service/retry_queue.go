package service

import (
	"context"
	"strings"
	"time"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/metrics"
	"github.com/mallpay-next/internal/models"
	"github.com/mallpay-next/internal/repository"
)

// RetryOptions 重试队列参数
type RetryOptions struct {
	BaseDelay  time.Duration
	MaxRetries int
	Lease      time.Duration
}

func (o RetryOptions) normalize() RetryOptions {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	return o
}

// RetryItem 入队内容
type RetryItem struct {
	Kind      string
	PaymentID uint
	RefundID  uint
	Channel   string
	Payload   map[string]interface{}
	Reason    string
}

// RetryQueue 持久化重试队列：指数退避，超过上限后转为终止状态
type RetryQueue struct {
	repo    repository.CallbackAttemptRepository
	opts    RetryOptions
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRetryQueue 创建重试队列
func NewRetryQueue(repo repository.CallbackAttemptRepository, opts RetryOptions, m *metrics.Metrics) *RetryQueue {
	return &RetryQueue{repo: repo, opts: opts.normalize(), metrics: m, now: models.NowUTC}
}

// Options 当前参数
func (q *RetryQueue) Options() RetryOptions {
	return q.opts
}

// Backoff 第 attempt 次失败后的等待时间：base × 2^attempt
func (q *RetryQueue) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 20 {
		attempt = 20
	}
	return q.opts.BaseDelay * time.Duration(1<<uint(attempt))
}

// Enqueue 写入重试条目
func (q *RetryQueue) Enqueue(ctx context.Context, item RetryItem) (*models.CallbackAttempt, error) {
	kind := strings.TrimSpace(item.Kind)
	if kind == "" {
		kind = constants.RetryKindCallback
	}
	now := q.now()
	attempt := &models.CallbackAttempt{
		Kind:        kind,
		PaymentID:   item.PaymentID,
		RefundID:    item.RefundID,
		Channel:     normalizeChannel(item.Channel),
		Payload:     models.JSON(item.Payload),
		Attempts:    0,
		MaxAttempts: q.opts.MaxRetries,
		Status:      constants.RetryStatusPending,
		NextRetryAt: now.Add(q.Backoff(0)),
		LastError:   truncateError(item.Reason),
	}
	if err := q.repo.Create(ctx, attempt); err != nil {
		paymentLogger("payment_id", item.PaymentID, "kind", kind).Errorw("retry_enqueue_failed", "error", err)
		return nil, transient("retry enqueue", err)
	}
	q.metrics.RecordRetry(kind, "enqueued")
	paymentLogger(
		"attempt_id", attempt.ID,
		"payment_id", item.PaymentID,
		"refund_id", item.RefundID,
		"kind", kind,
	).Infow("retry_enqueued", "next_retry_at", attempt.NextRetryAt, "reason", attempt.LastError)
	return attempt, nil
}

// DrainDue 取出到期条目并逐条领取租约，只返回领取成功的条目
func (q *RetryQueue) DrainDue(ctx context.Context, batch int) ([]models.CallbackAttempt, error) {
	now := q.now()
	due, err := q.repo.ListDue(ctx, now, batch)
	if err != nil {
		return nil, transient("retry list due", err)
	}
	claimed := make([]models.CallbackAttempt, 0, len(due))
	for _, item := range due {
		ok, err := q.repo.Claim(ctx, item.ID, now, now.Add(q.opts.Lease))
		if err != nil {
			return claimed, transient("retry claim", err)
		}
		if !ok {
			continue
		}
		leaseUntil := now.Add(q.opts.Lease)
		item.LeaseUntil = &leaseUntil
		claimed = append(claimed, item)
	}
	return claimed, nil
}

// RecordOutcome 记录一次执行结果，失败次数达到上限后转为终止
func (q *RetryQueue) RecordOutcome(ctx context.Context, attemptID uint, success bool, errMsg string) (*models.CallbackAttempt, error) {
	return q.recordOutcome(ctx, attemptID, success, false, errMsg)
}

// Abandon 不可重试的失败直接转为终止，等待人工处理
func (q *RetryQueue) Abandon(ctx context.Context, attemptID uint, errMsg string) (*models.CallbackAttempt, error) {
	return q.recordOutcome(ctx, attemptID, false, true, errMsg)
}

func (q *RetryQueue) recordOutcome(ctx context.Context, attemptID uint, success, giveUp bool, errMsg string) (*models.CallbackAttempt, error) {
	attempt, err := q.repo.GetByID(ctx, attemptID)
	if err != nil {
		return nil, transient("retry get", err)
	}
	if attempt == nil {
		return nil, ErrRetryItemNotFound
	}
	if attempt.Status != constants.RetryStatusPending {
		return attempt, nil
	}
	now := q.now()
	attempts := attempt.Attempts + 1
	log := paymentLogger("attempt_id", attempt.ID, "payment_id", attempt.PaymentID, "kind", attempt.Kind, "attempts", attempts)

	switch {
	case success:
		if err := q.repo.MarkSucceeded(ctx, attempt.ID, attempts, now); err != nil {
			return nil, transient("retry mark succeeded", err)
		}
		attempt.Status = constants.RetryStatusSucceeded
		attempt.FinishedAt = &now
		q.metrics.RecordRetry(attempt.Kind, "succeeded")
		log.Infow("retry_attempt_succeeded")
	case giveUp || attempts >= attempt.MaxAttempts:
		errMsg = truncateError(errMsg)
		if err := q.repo.MarkTerminal(ctx, attempt.ID, attempts, errMsg, now); err != nil {
			return nil, transient("retry mark terminal", err)
		}
		attempt.Status = constants.RetryStatusTerminal
		attempt.LastError = errMsg
		attempt.FinishedAt = &now
		q.metrics.RecordRetry(attempt.Kind, "terminal")
		log.Errorw("retry_attempt_terminal", "error", errMsg)
	default:
		errMsg = truncateError(errMsg)
		next := now.Add(q.Backoff(attempts))
		if err := q.repo.MarkRetry(ctx, attempt.ID, attempts, next, errMsg, now); err != nil {
			return nil, transient("retry mark retry", err)
		}
		attempt.NextRetryAt = next
		attempt.LastError = errMsg
		q.metrics.RecordRetry(attempt.Kind, "rescheduled")
		log.Warnw("retry_attempt_rescheduled", "next_retry_at", next, "error", errMsg)
	}
	attempt.Attempts = attempts
	attempt.LeaseUntil = nil
	return attempt, nil
}

// ListTerminal 终止条目列表，供人工处理
func (q *RetryQueue) ListTerminal(ctx context.Context, filter repository.CallbackAttemptListFilter) ([]models.CallbackAttempt, int64, error) {
	filter.Status = constants.RetryStatusTerminal
	return q.List(ctx, filter)
}

// List 条目列表
func (q *RetryQueue) List(ctx context.Context, filter repository.CallbackAttemptListFilter) ([]models.CallbackAttempt, int64, error) {
	items, total, err := q.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, transient("retry list", err)
	}
	return items, total, nil
}

// Requeue 人工将终止条目放回队列
func (q *RetryQueue) Requeue(ctx context.Context, attemptID uint) (*models.CallbackAttempt, error) {
	attempt, err := q.repo.GetByID(ctx, attemptID)
	if err != nil {
		return nil, transient("retry get", err)
	}
	if attempt == nil {
		return nil, ErrRetryItemNotFound
	}
	ok, err := q.repo.Requeue(ctx, attemptID, q.now())
	if err != nil {
		return nil, transient("retry requeue", err)
	}
	if !ok {
		return nil, ErrRetryItemNotTerminal
	}
	paymentLogger("attempt_id", attemptID, "kind", attempt.Kind).Infow("retry_requeued")
	return q.repo.GetByID(ctx, attemptID)
}

// RefreshTerminalGauge 更新终止条目指标
func (q *RetryQueue) RefreshTerminalGauge(ctx context.Context) {
	count, err := q.repo.CountByStatus(ctx, constants.RetryStatusTerminal)
	if err != nil {
		paymentLogger().Warnw("retry_terminal_count_failed", "error", err)
		return
	}
	q.metrics.SetRetryTerminal(count)
}

func truncateError(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) > 1000 {
		return msg[:1000]
	}
	return msg
}
