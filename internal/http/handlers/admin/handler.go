package admin

import (
	"time"

	"github.com/mallpay-next/internal/provider"
)

// Handler 运营后台接口处理器
type Handler struct {
	*provider.Container
	now func() time.Time
}

// New 创建后台处理器
func New(c *provider.Container) *Handler {
	return &Handler{Container: c, now: time.Now}
}
