package cache

import (
	"context"
	"errors"
	"time"
)

// ErrDisabled Redis 未启用
var ErrDisabled = errors.New("redis cache disabled")

// InFlightSet 基于 SET NX EX 的跨实例回调处理标记
type InFlightSet struct {
	store *Store
}

// NewInFlightSet 创建 Redis 标记集合
func NewInFlightSet(store *Store) *InFlightSet {
	return &InFlightSet{store: store}
}

func inFlightKey(key string) string {
	return "callback:inflight:" + key
}

// Add 标记 key，已存在返回 false
func (s *InFlightSet) Add(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if !s.store.Enabled() {
		return false, ErrDisabled
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return s.store.Client().SetNX(ctx, s.store.Key(inFlightKey(key)), 1, ttl).Result()
}

// Remove 清除标记
func (s *InFlightSet) Remove(ctx context.Context, key string) error {
	return s.store.Del(ctx, inFlightKey(key))
}
