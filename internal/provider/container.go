package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mallpay-next/internal/cache"
	"github.com/mallpay-next/internal/config"
	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/logger"
	"github.com/mallpay-next/internal/metrics"
	"github.com/mallpay-next/internal/models"
	"github.com/mallpay-next/internal/notify"
	"github.com/mallpay-next/internal/payment"
	"github.com/mallpay-next/internal/payment/alipay"
	"github.com/mallpay-next/internal/payment/wechatpay"
	"github.com/mallpay-next/internal/queue"
	"github.com/mallpay-next/internal/repository"
	"github.com/mallpay-next/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// Container 依赖注入容器
type Container struct {
	Config      *config.Config
	DB          *gorm.DB
	Cache       *cache.Store
	QueueClient *queue.Client
	Metrics     *metrics.Metrics
	Registry    *payment.Registry

	// Repositories
	PaymentRepo repository.PaymentRepository
	RefundRepo  repository.RefundRepository
	OrderRepo   repository.OrderRepository
	AttemptRepo repository.CallbackAttemptRepository
	OutboxRepo  repository.NotificationOutboxRepository
	ReportRepo  repository.ReconciliationRepository
	LockRepo    repository.PaymentLockRepository
	PointsRepo  repository.PointsRepository

	// Services
	LockService      *service.LockService
	RetryQueue       *service.RetryQueue
	RetryProcessor   *service.RetryProcessor
	PointsService    *service.PointsService
	PaymentEffects   *service.PaymentEffects
	StateMachine     *service.PaymentStateMachine
	PaymentService   *service.PaymentService
	RefundService    *service.RefundService
	CallbackService  *service.CallbackService
	OutboxService    *service.OutboxService
	ReconcileService *service.ReconcileService
	AdminTokens      *service.TokenService
	UserTokens       *service.TokenService
}

// Deps 外部资源，测试时直接注入
type Deps struct {
	DB          *gorm.DB
	Cache       *cache.Store
	QueueClient *queue.Client
	Providers   []payment.Provider
	Sender      service.NotificationSender
	Prometheus  *prometheus.Registry
}

// NewContainer 按配置打开数据库、Redis、队列并装配渠道
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	db, err := OpenDatabase(cfg)
	if err != nil {
		return nil, err
	}

	store := cache.New(&cfg.Redis)
	if store.Enabled() {
		if err := store.Ping(ctx); err != nil {
			logger.Warnw("provider_init_redis_failed", "error", err)
		}
	}

	queueClient, err := queue.NewClient(&cfg.Queue)
	if err != nil {
		logger.Errorw("provider_init_queue_client_failed", "error", err)
		queueClient = nil
	}

	providers, err := BuildProviders(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return Build(cfg, Deps{
		DB:          db,
		Cache:       store,
		QueueClient: queueClient,
		Providers:   providers,
		Sender:      BuildSender(cfg.Notification),
		Prometheus:  prometheus.NewRegistry(),
	}), nil
}

// OpenDatabase 打开数据库
func OpenDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := models.OpenDB(cfg.Database.Driver, cfg.Database.DSN, models.DBPoolConfig{
		MaxOpenConns:           cfg.Database.Pool.MaxOpenConns,
		MaxIdleConns:           cfg.Database.Pool.MaxIdleConns,
		ConnMaxLifetimeSeconds: cfg.Database.Pool.ConnMaxLifetimeSeconds,
		ConnMaxIdleTimeSeconds: cfg.Database.Pool.ConnMaxIdleTimeSeconds,
	}, strings.EqualFold(cfg.Server.Mode, "debug"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// BuildProviders 根据渠道配置创建支付渠道适配器
func BuildProviders(ctx context.Context, cfg *config.Config) ([]payment.Provider, error) {
	var providers []payment.Provider
	if cfg.Channels.Wechat.Enabled {
		p, err := wechatpay.NewProvider(ctx, cfg.Channels.Wechat.Credentials)
		if err != nil {
			return nil, fmt.Errorf("init wechat channel: %w", err)
		}
		providers = append(providers, p)
	}
	if cfg.Channels.Alipay.Enabled {
		p, err := alipay.NewProvider(cfg.Channels.Alipay.Credentials)
		if err != nil {
			return nil, fmt.Errorf("init alipay channel: %w", err)
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// BuildSender 配置了 webhook 地址时走 HTTP 投递，否则写日志
func BuildSender(cfg config.NotificationConfig) service.NotificationSender {
	url := strings.TrimSpace(cfg.WebhookURL)
	if url == "" {
		return notify.LogSender{}
	}
	return notify.NewWebhookSender(url, cfg.WebhookSecret, config.Seconds(cfg.TimeoutSeconds, 5))
}

// Build 装配仓库与服务
func Build(cfg *config.Config, deps Deps) *Container {
	m := metrics.New(cfg.Metrics.Namespace, deps.Prometheus)
	db := deps.DB

	registry := payment.NewRegistry()
	breaker := payment.BreakerSettings{
		Enabled:             cfg.Breaker.Enabled,
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		Interval:            config.Seconds(cfg.Breaker.IntervalSeconds, 60),
		Timeout:             config.Seconds(cfg.Breaker.TimeoutSeconds, 30),
		OnStateChange: func(channel, from, to string) {
			m.RecordBreakerState(channel, to)
			logger.Warnw("payment_channel_breaker_state_changed", "channel", channel, "from", from, "to", to)
		},
	}
	for _, p := range deps.Providers {
		wrapped := payment.WithBreaker(p, breaker)
		if bp, ok := wrapped.(*payment.BreakerProvider); ok {
			m.RecordBreakerState(bp.Channel(), bp.State())
		}
		registry.Register(wrapped)
	}

	c := &Container{
		Config:      cfg,
		DB:          db,
		Cache:       deps.Cache,
		QueueClient: deps.QueueClient,
		Metrics:     m,
		Registry:    registry,

		PaymentRepo: repository.NewPaymentRepository(db),
		RefundRepo:  repository.NewRefundRepository(db),
		OrderRepo:   repository.NewOrderRepository(db),
		AttemptRepo: repository.NewCallbackAttemptRepository(db),
		OutboxRepo:  repository.NewNotificationOutboxRepository(db),
		ReportRepo:  repository.NewReconciliationRepository(db),
		LockRepo:    repository.NewPaymentLockRepository(db),
		PointsRepo:  repository.NewPointsRepository(db),
	}

	mapper := service.NewStatusMapper(statusTables(cfg.Channels))
	lockTTL := time.Duration(cfg.Payment.LockTTLMinutes) * time.Minute

	c.LockService = service.NewLockService(c.LockRepo, m)
	c.RetryQueue = service.NewRetryQueue(c.AttemptRepo, service.RetryOptions{
		BaseDelay:  cfg.Retry.BaseDelay(),
		MaxRetries: cfg.Retry.MaxRetries,
		Lease:      config.Seconds(cfg.Retry.LeaseSeconds, 30),
	}, m)
	c.PointsService = service.NewPointsService(db, c.PointsRepo)
	c.PaymentEffects = service.NewPaymentEffects(c.PaymentRepo, c.OrderRepo, c.LockService, c.PointsService, c.RetryQueue)
	c.StateMachine = service.NewPaymentStateMachine(db, c.PaymentRepo, c.OutboxRepo, c.PaymentEffects, m)
	c.RefundService = service.NewRefundService(db, c.PaymentRepo, c.RefundRepo, c.OutboxRepo, registry, mapper,
		c.StateMachine, c.LockService, c.PointsService, c.RetryQueue)

	// 积分渠道关闭时 POINTS 与 MIXED 下单均被拒绝
	var paymentPoints *service.PointsService
	if cfg.Channels.Points.Enabled {
		paymentPoints = c.PointsService
	}
	c.PaymentService = service.NewPaymentService(c.PaymentRepo, c.OrderRepo, registry, mapper, c.StateMachine,
		c.LockService, paymentPoints, deps.QueueClient, service.PaymentOptions{
			ExpireMinutes:   cfg.Payment.ExpireMinutes,
			LockTTL:         lockTTL,
			DefaultCurrency: cfg.Payment.DefaultCurrency,
		})

	var inflight service.InFlightSet
	if deps.Cache != nil && deps.Cache.Enabled() {
		inflight = cache.NewInFlightSet(deps.Cache)
	} else {
		inflight = service.NewMemoryInFlightSet()
	}
	dedup := service.NewCallbackDeduplicator(inflight,
		config.Seconds(cfg.Payment.DedupTTLSeconds, 30),
		config.Seconds(cfg.Payment.DedupBucketSeconds, 300))

	verifier, err := service.NewChannelVerifier(registry, callbackAllowLists(cfg.Channels))
	if err != nil {
		logger.Errorw("provider_verifier_init_failed", "error", err)
		verifier, _ = service.NewChannelVerifier(registry, nil)
	}
	c.CallbackService = service.NewCallbackService(verifier, dedup, mapper, c.StateMachine, c.RefundService,
		c.PaymentRepo, c.RefundRepo, c.RetryQueue, m, cfg.Payment.CallbackTimeout())
	c.RetryProcessor = service.NewRetryProcessor(c.RetryQueue, c.CallbackService, c.PaymentEffects, c.RefundService)

	sender := deps.Sender
	if sender == nil {
		sender = notify.LogSender{}
	}
	c.OutboxService = service.NewOutboxService(c.OutboxRepo, sender, deps.QueueClient, service.OutboxOptions{
		BatchSize:   cfg.Outbox.BatchSize,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		BaseDelay:   config.Seconds(cfg.Outbox.BaseDelaySeconds, 5),
	}, m)

	var reportCache service.ReportCache
	if deps.Cache != nil && deps.Cache.Enabled() {
		reportCache = deps.Cache
	}
	c.ReconcileService = service.NewReconcileService(c.PaymentRepo, c.ReportRepo, registry, mapper, reportCache, m, cfg.Reconcile.Timezone)

	c.AdminTokens = service.NewTokenService(cfg.JWT.SecretKey, service.AudienceAdmin, cfg.JWT.ExpireHours)
	c.UserTokens = service.NewTokenService(cfg.UserJWT.SecretKey, service.AudienceUser, cfg.UserJWT.ExpireHours)
	return c
}

// statusTables 在内置渠道词汇上叠加配置中的覆盖项
func statusTables(cfg config.ChannelsConfig) map[string]service.StatusTable {
	tables := service.DefaultChannelStatusTables()
	add := func(channel string, ch config.ChannelConfig) {
		table := tables[channel]
		table.Payment = overlay(table.Payment, ch.StatusTable)
		table.Refund = overlay(table.Refund, ch.RefundStatusTable)
		tables[channel] = table
	}
	add(constants.PaymentChannelWechat, cfg.Wechat)
	add(constants.PaymentChannelAlipay, cfg.Alipay)
	return tables
}

func overlay(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[strings.ToUpper(strings.TrimSpace(k))] = strings.ToUpper(strings.TrimSpace(v))
	}
	return out
}

// callbackAllowLists 逐渠道解析回调来源白名单，非法名单只影响所在渠道且按空名单处理
func callbackAllowLists(cfg config.ChannelsConfig) map[string][]string {
	lists := make(map[string][]string, 2)
	for channel, entries := range map[string][]string{
		constants.PaymentChannelWechat: cfg.Wechat.IPAllowList,
		constants.PaymentChannelAlipay: cfg.Alipay.IPAllowList,
	} {
		if _, err := service.NewIPAllowList(entries); err != nil {
			logger.Errorw("provider_ip_allow_list_invalid", "channel", channel, "error", err)
			continue
		}
		lists[channel] = entries
	}
	return lists
}

// Close 释放外部连接
func (c *Container) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.QueueClient != nil {
		errs = append(errs, c.QueueClient.Close())
	}
	if c.Cache != nil {
		errs = append(errs, c.Cache.Close())
	}
	if c.DB != nil {
		if sqlDB, err := c.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
