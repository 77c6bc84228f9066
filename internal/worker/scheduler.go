package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mallpay-next/internal/logger"
	"github.com/mallpay-next/internal/models"

	"github.com/go-co-op/gocron/v2"
	"github.com/panjf2000/ants/v2"
)

// RetryDrainer 领取并执行到期的重试条目
type RetryDrainer interface {
	Drain(ctx context.Context, batch int, submit func(func()) error) (int, error)
}

// OutboxDispatcher 投递到期通知
type OutboxDispatcher interface {
	DispatchDue(ctx context.Context) (int, error)
}

// LockSweeper 清理过期的幂等锁
type LockSweeper interface {
	SweepStale(ctx context.Context, limit int) (int64, error)
}

// ExpireSweeper 关闭已超时的未支付单
type ExpireSweeper interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

// Reconciler 渠道对账
type Reconciler interface {
	Reconcile(ctx context.Context, billDate time.Time, channel string) (*models.ReconciliationReport, error)
	Yesterday(now time.Time) time.Time
}

// Jobs 定时任务依赖，为空的依赖不注册对应任务
type Jobs struct {
	Retry      RetryDrainer
	Outbox     OutboxDispatcher
	Locks      LockSweeper
	Expire     ExpireSweeper
	Reconciler Reconciler
}

// SchedulerOptions 定时任务参数
type SchedulerOptions struct {
	RetryInterval     time.Duration
	RetryBatch        int
	RetryWorkers      int
	OutboxInterval    time.Duration
	LockSweepInterval time.Duration
	ExpireInterval    time.Duration
	SweepBatch        int
	ReconcileEnabled  bool
	// DailyTime 每日对账时间 HH:MM
	DailyTime         string
	ReconcileChannels []string
	Location          *time.Location
}

// Scheduler 周期任务调度
type Scheduler struct {
	jobs      Jobs
	opts      SchedulerOptions
	scheduler gocron.Scheduler
	pool      *ants.Pool
	ctx       context.Context
	cancel    context.CancelFunc
	now       func() time.Time
}

// NewScheduler 创建调度器并注册任务
func NewScheduler(jobs Jobs, opts SchedulerOptions) (*Scheduler, error) {
	opts = normalizeSchedulerOptions(opts)
	pool, err := ants.NewPool(opts.RetryWorkers, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("create retry pool: %w", err)
	}
	inner, err := gocron.NewScheduler(gocron.WithLocation(opts.Location))
	if err != nil {
		pool.Release()
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		jobs:      jobs,
		opts:      opts,
		scheduler: inner,
		pool:      pool,
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}
	if err := s.register(); err != nil {
		cancel()
		pool.Release()
		_ = inner.Shutdown()
		return nil, err
	}
	return s, nil
}

func normalizeSchedulerOptions(opts SchedulerOptions) SchedulerOptions {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	if opts.RetryBatch <= 0 {
		opts.RetryBatch = 50
	}
	if opts.RetryWorkers <= 0 {
		opts.RetryWorkers = 8
	}
	if opts.OutboxInterval <= 0 {
		opts.OutboxInterval = 5 * time.Second
	}
	if opts.LockSweepInterval <= 0 {
		opts.LockSweepInterval = 5 * time.Minute
	}
	if opts.ExpireInterval <= 0 {
		opts.ExpireInterval = time.Minute
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 200
	}
	if strings.TrimSpace(opts.DailyTime) == "" {
		opts.DailyTime = "10:30"
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return opts
}

func (s *Scheduler) register() error {
	type entry struct {
		name       string
		definition gocron.JobDefinition
		run        func()
	}
	var entries []entry
	if s.jobs.Retry != nil {
		entries = append(entries, entry{"retry_drain", gocron.DurationJob(s.opts.RetryInterval), s.runRetryDrain})
	}
	if s.jobs.Outbox != nil {
		entries = append(entries, entry{"outbox_dispatch", gocron.DurationJob(s.opts.OutboxInterval), s.runOutboxDispatch})
	}
	if s.jobs.Locks != nil {
		entries = append(entries, entry{"lock_sweep", gocron.DurationJob(s.opts.LockSweepInterval), s.runLockSweep})
	}
	if s.jobs.Expire != nil {
		entries = append(entries, entry{"payment_expire_sweep", gocron.DurationJob(s.opts.ExpireInterval), s.runExpireSweep})
	}
	if s.jobs.Reconciler != nil && s.opts.ReconcileEnabled {
		hour, minute, err := parseDailyTime(s.opts.DailyTime)
		if err != nil {
			return err
		}
		daily := gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(uint(hour), uint(minute), 0)))
		entries = append(entries, entry{"daily_reconcile", daily, s.runDailyReconcile})
	}
	for _, e := range entries {
		if _, err := s.scheduler.NewJob(
			e.definition,
			gocron.NewTask(e.run),
			gocron.WithName(e.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return fmt.Errorf("register job %s: %w", e.name, err)
		}
	}
	return nil
}

// Start 启动调度
func (s *Scheduler) Start() {
	if s == nil {
		return
	}
	s.scheduler.Start()
	logger.Infow("worker_scheduler_started", "jobs", len(s.scheduler.Jobs()))
}

// Stop 停止调度并等待执行中的任务
func (s *Scheduler) Stop() error {
	if s == nil {
		return nil
	}
	s.cancel()
	err := s.scheduler.Shutdown()
	if perr := s.pool.ReleaseTimeout(10 * time.Second); perr != nil {
		err = errors.Join(err, perr)
	}
	return err
}

// JobNames 已注册的任务名
func (s *Scheduler) JobNames() []string {
	jobs := s.scheduler.Jobs()
	names := make([]string, 0, len(jobs))
	for _, job := range jobs {
		names = append(names, job.Name())
	}
	return names
}

func (s *Scheduler) runRetryDrain() {
	// 认领数不超过空闲 worker，避免非阻塞池拒绝已认领的条目
	batch := s.opts.RetryBatch
	if free := s.pool.Free(); free >= 0 && free < batch {
		batch = free
	}
	if batch <= 0 {
		logger.Debugw("worker_retry_drain_skipped", "reason", "pool_busy")
		return
	}
	n, err := s.jobs.Retry.Drain(s.ctx, batch, s.pool.Submit)
	if err != nil {
		logger.Warnw("worker_retry_drain_failed", "error", err)
		return
	}
	if n > 0 {
		logger.Debugw("worker_retry_drained", "count", n)
	}
}

func (s *Scheduler) runOutboxDispatch() {
	n, err := s.jobs.Outbox.DispatchDue(s.ctx)
	if err != nil {
		logger.Warnw("worker_outbox_dispatch_failed", "error", err)
		return
	}
	if n > 0 {
		logger.Debugw("worker_outbox_dispatched", "count", n)
	}
}

func (s *Scheduler) runLockSweep() {
	n, err := s.jobs.Locks.SweepStale(s.ctx, s.opts.SweepBatch)
	if err != nil {
		logger.Warnw("worker_lock_sweep_failed", "error", err)
		return
	}
	if n > 0 {
		logger.Infow("worker_lock_swept", "count", n)
	}
}

func (s *Scheduler) runExpireSweep() {
	n, err := s.jobs.Expire.ExpireDue(s.ctx, s.opts.SweepBatch)
	if err != nil {
		logger.Warnw("worker_payment_expire_sweep_failed", "error", err)
		return
	}
	if n > 0 {
		logger.Infow("worker_payment_expired", "count", n)
	}
}

func (s *Scheduler) runDailyReconcile() {
	billDate := s.jobs.Reconciler.Yesterday(s.now())
	for _, channel := range s.opts.ReconcileChannels {
		report, err := s.jobs.Reconciler.Reconcile(s.ctx, billDate, channel)
		if err != nil {
			logger.Errorw("worker_reconcile_failed",
				"channel", channel,
				"bill_date", billDate.Format("2006-01-02"),
				"error", err,
			)
			continue
		}
		logger.Infow("worker_reconcile_done",
			"channel", channel,
			"report_id", report.ID,
			"bill_date", report.BillDate,
		)
	}
}

func parseDailyTime(raw string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid daily time %q", raw)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid daily time %q", raw)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid daily time %q", raw)
	}
	return hour, minute, nil
}
