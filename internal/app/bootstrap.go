package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mallpay-next/internal/config"
	"github.com/mallpay-next/internal/provider"
	"github.com/mallpay-next/internal/router"
	"github.com/mallpay-next/internal/worker"
)

// BuildRunner 构建服务运行器，返回的 Runner 退出时关闭容器
func BuildRunner(ctx context.Context, cfg *config.Config, mode string) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if !validMode(mode) {
		return nil, errors.New("unknown mode: " + mode)
	}

	container, err := provider.NewContainer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var services []Service

	// HTTP：回调入口、用户与运营接口
	if mode == ModeAll || mode == ModeAPI {
		engine := router.SetupRouter(cfg, container)
		addr := cfg.Server.Host + ":" + cfg.Server.Port
		services = append(services, NewHTTPService(addr, engine))
	}

	// Worker：重试队列、发件箱、锁清理、超时关单、每日对账
	if mode == ModeAll || mode == ModeWorker {
		workerService, err := buildWorker(cfg, container)
		if err != nil {
			_ = container.Close()
			return nil, err
		}
		services = append(services, workerService)
	}

	if len(services) == 0 {
		_ = container.Close()
		return nil, errors.New("no services initialized (check mode and config)")
	}

	runner := NewRunner(services...)
	runner.cleanup = container.Close
	return runner, nil
}

func buildWorker(cfg *config.Config, c *provider.Container) (*worker.Service, error) {
	scheduler, err := worker.NewScheduler(worker.Jobs{
		Retry:      c.RetryProcessor,
		Outbox:     c.OutboxService,
		Locks:      c.LockService,
		Expire:     c.PaymentService,
		Reconciler: c.ReconcileService,
	}, SchedulerOptionsFromConfig(cfg))
	if err != nil {
		return nil, err
	}
	consumer := worker.NewConsumer(c.OutboxService, c.PaymentService)
	return worker.NewService(&cfg.Queue, consumer, scheduler)
}

// SchedulerOptionsFromConfig 由配置生成调度参数
func SchedulerOptionsFromConfig(cfg *config.Config) worker.SchedulerOptions {
	return worker.SchedulerOptions{
		RetryInterval:     config.Seconds(cfg.Retry.DrainIntervalSeconds, 5),
		RetryBatch:        cfg.Retry.BatchSize,
		RetryWorkers:      cfg.Retry.Workers,
		OutboxInterval:    config.Seconds(cfg.Outbox.DrainIntervalSeconds, 5),
		LockSweepInterval: config.Seconds(cfg.Payment.LockSweepSeconds, 300),
		ExpireInterval:    config.Seconds(cfg.Payment.ExpireSweepSeconds, 60),
		ReconcileEnabled:  cfg.Reconcile.Enabled,
		DailyTime:         cfg.Reconcile.DailyTime,
		ReconcileChannels: cfg.Reconcile.Channels,
		Location:          schedulerLocation(cfg.Reconcile.Timezone),
	}
}

func schedulerLocation(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Asia/Shanghai"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

func validMode(mode string) bool {
	switch mode {
	case ModeAll, ModeAPI, ModeWorker:
		return true
	}
	return false
}

// Run 应用启动入口
func Run(opts Options) error {
	opts = normalizeOptions(opts)
	if opts.Config == nil {
		return errors.New("config is nil")
	}

	runner, err := BuildRunner(context.Background(), opts.Config, opts.Mode)
	if err != nil {
		return err
	}

	addr := opts.Config.Server.Host + ":" + opts.Config.Server.Port
	opts.Logger.Infow("app_start", "addr", addr, "mode", opts.Mode)
	return RunWithOptions(runner, opts)
}
