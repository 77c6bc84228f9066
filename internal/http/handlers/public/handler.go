package public

import "github.com/mallpay-next/internal/provider"

// Handler 用户侧与渠道回调接口处理器
type Handler struct {
	*provider.Container
}

// New 创建前台处理器
func New(c *provider.Container) *Handler {
	return &Handler{Container: c}
}
