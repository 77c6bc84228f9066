package router

import (
	"net/http"
	"strings"

	"github.com/mallpay-next/internal/config"
	adminhandlers "github.com/mallpay-next/internal/http/handlers/admin"
	publichandlers "github.com/mallpay-next/internal/http/handlers/public"
	"github.com/mallpay-next/internal/http/handlers/shared"
	"github.com/mallpay-next/internal/logger"
	"github.com/mallpay-next/internal/provider"

	"github.com/gin-gonic/gin"
)

// SetupRouter 初始化路由
func SetupRouter(cfg *config.Config, c *provider.Container) *gin.Engine {
	log := logger.L
	if log == nil {
		log = logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	}
	r := gin.New()

	publicHandler := publichandlers.New(c)
	adminHandler := adminhandlers.New(c)
	redisPrefix := strings.TrimSpace(cfg.Redis.Prefix)
	if redisPrefix == "" {
		redisPrefix = "mp"
	}
	createPaymentRule := RateLimitRule{
		Prefix:        redisPrefix + ":rate:payment_create",
		WindowSeconds: cfg.Security.PaymentRateLimit.WindowSeconds,
		MaxRequests:   cfg.Security.PaymentRateLimit.MaxAttempts,
	}

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(log, c.Metrics))
	r.Use(CORSMiddleware(cfg.CORS))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics.Enabled {
		path := strings.TrimSpace(cfg.Metrics.Path)
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(c.Metrics.Handler()))
	}

	apiV1 := r.Group("/api/v1")
	{
		// 渠道回调无需鉴权，真实性由验签与来源 IP 保证
		apiV1.POST("/payments/callback/:channel", publicHandler.PaymentCallback)

		user := apiV1.Group("")
		user.Use(BearerAuthMiddleware(c.UserTokens, shared.ContextUserID))
		{
			user.POST("/payments", RateLimitMiddleware(c.Cache, createPaymentRule, KeyByUser), publicHandler.CreatePayment)
			user.GET("/payments/:id", publicHandler.GetPayment)
			user.POST("/payments/:id/cancel", publicHandler.CancelPayment)
		}

		admin := apiV1.Group("/admin")
		admin.Use(BearerAuthMiddleware(c.AdminTokens, shared.ContextAdminID))
		{
			admin.GET("/payments", adminHandler.ListPayments)
			admin.GET("/payments/:id", adminHandler.GetPayment)
			admin.POST("/payments/:id/sync", adminHandler.SyncPayment)
			admin.GET("/payments/:id/outbox", adminHandler.ListPaymentOutbox)
			admin.POST("/payments/:id/refunds", adminHandler.CreateRefund)

			admin.GET("/refunds", adminHandler.ListRefunds)
			admin.GET("/refunds/:id", adminHandler.GetRefund)
			admin.POST("/refunds/:id/sync", adminHandler.SyncRefund)

			admin.GET("/retry-items", adminHandler.ListRetryItems)
			admin.POST("/retry-items/:id/requeue", adminHandler.RequeueRetryItem)

			admin.POST("/reconcile", adminHandler.RunReconcile)
			admin.GET("/reconcile/reports", adminHandler.ListReconcileReports)
			admin.GET("/reconcile/reports/:id", adminHandler.GetReconcileReport)
		}
	}

	return r
}
