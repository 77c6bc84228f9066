package payment

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry 按渠道编码管理已启用的支付渠道
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry 创建渠道注册表
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register 注册渠道，同名渠道覆盖
func (r *Registry) Register(p Provider) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[normalizeChannel(p.Channel())] = p
}

// Get 获取渠道
func (r *Registry) Get(channel string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[normalizeChannel(channel)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelUnsupported, channel)
	}
	return p, nil
}

// Has 渠道是否已注册
func (r *Registry) Has(channel string) bool {
	_, err := r.Get(channel)
	return err == nil
}

// Channels 返回已注册渠道编码（有序）
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channels := make([]string, 0, len(r.providers))
	for channel := range r.providers {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

func normalizeChannel(channel string) string {
	return strings.ToUpper(strings.TrimSpace(channel))
}
