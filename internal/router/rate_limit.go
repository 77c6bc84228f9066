package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mallpay-next/internal/cache"
	"github.com/mallpay-next/internal/http/handlers/shared"
	"github.com/mallpay-next/internal/http/response"

	"github.com/gin-gonic/gin"
)

// RateLimitKeyFunc 生成限流 key 的函数
type RateLimitKeyFunc func(*gin.Context) string

// RateLimitRule 限流规则
type RateLimitRule struct {
	Prefix        string
	WindowSeconds int
	MaxRequests   int
}

// RateLimitMiddleware Redis 固定窗口限流。Redis 未启用或出错时放行。
func RateLimitMiddleware(store *cache.Store, rule RateLimitRule, keyFunc RateLimitKeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !store.Enabled() || rule.WindowSeconds <= 0 || rule.MaxRequests <= 0 {
			c.Next()
			return
		}

		key := ""
		if keyFunc != nil {
			key = strings.TrimSpace(keyFunc(c))
		}
		if key == "" {
			key = c.ClientIP()
		}
		if rule.Prefix != "" {
			key = fmt.Sprintf("%s:%s", rule.Prefix, key)
		}

		count, ttlSeconds, err := store.HitWindow(c.Request.Context(), key, rule.WindowSeconds)
		if err != nil {
			if !errors.Is(err, cache.ErrDisabled) {
				shared.RequestLog(c).Warnw("rate_limit_unavailable", "key", key, "error", err)
			}
			c.Next()
			return
		}
		if count > int64(rule.MaxRequests) {
			waitSeconds := int(ttlSeconds)
			if waitSeconds < 1 {
				waitSeconds = rule.WindowSeconds
			}
			shared.RequestLog(c).Infow("rate_limited", "key", key, "count", count, "wait_seconds", waitSeconds)
			response.ErrorWithData(c, response.CodeTooManyRequests,
				fmt.Sprintf("too many requests, retry in %d seconds", waitSeconds),
				map[string]interface{}{"retry_after": waitSeconds})
			c.Abort()
			return
		}

		c.Next()
	}
}

// KeyByIP 使用 IP 作为限流 key
func KeyByIP(c *gin.Context) string {
	return c.ClientIP()
}

// KeyByUser 已登录用户按用户 ID 限流，否则按 IP
func KeyByUser(c *gin.Context) string {
	if value, ok := c.Get(shared.ContextUserID); ok {
		if id, ok := value.(uint); ok && id > 0 {
			return fmt.Sprintf("user:%d", id)
		}
	}
	return "ip:" + c.ClientIP()
}
