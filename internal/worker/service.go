package worker

import (
	"context"
	"errors"

	"github.com/mallpay-next/internal/config"
	"github.com/mallpay-next/internal/logger"
	"github.com/mallpay-next/internal/queue"

	"github.com/hibiken/asynq"
)

// Service 后台任务服务：定时调度常驻，队列启用时同时消费 asynq 任务
type Service struct {
	name      string
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *Scheduler
}

// NewService 创建后台任务服务
func NewService(cfg *config.QueueConfig, consumer *Consumer, scheduler *Scheduler) (*Service, error) {
	if scheduler == nil {
		return nil, errors.New("scheduler is nil")
	}
	svc := &Service{name: "worker", scheduler: scheduler}
	if cfg == nil || !cfg.Enabled {
		logger.Infow("worker_queue_disabled", "reason", "queue.enabled=false")
		return svc, nil
	}
	if consumer == nil {
		return nil, errors.New("consumer is nil")
	}
	opt, serverCfg := queue.BuildServerConfig(cfg)
	svc.server = asynq.NewServer(opt, serverCfg)
	svc.mux = asynq.NewServeMux()
	consumer.Register(svc.mux)
	return svc, nil
}

// Name 服务名称
func (s *Service) Name() string {
	if s == nil || s.name == "" {
		return "worker"
	}
	return s.name
}

// QueueEnabled 是否消费队列
func (s *Service) QueueEnabled() bool {
	return s != nil && s.server != nil
}

// Start 启动服务，阻塞直到 ctx 结束或队列服务退出
func (s *Service) Start(ctx context.Context) error {
	if s == nil || s.scheduler == nil {
		return errors.New("worker not initialized")
	}
	s.scheduler.Start()
	if s.server == nil {
		<-ctx.Done()
		return nil
	}
	return s.server.Run(s.mux)
}

// Stop 停止服务
func (s *Service) Stop(_ context.Context) error {
	if s == nil {
		return nil
	}
	if s.server != nil {
		s.server.Shutdown()
	}
	if s.scheduler != nil {
		return s.scheduler.Stop()
	}
	return nil
}
