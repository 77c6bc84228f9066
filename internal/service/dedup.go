package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mallpay-next/internal/models"
)

// InFlightSet 进程内正在处理的回调标记集合。
// 仅用于削减并发重复处理，状态正确性由支付记录的条件更新保证。
type InFlightSet interface {
	// Add 标记 key，已存在时返回 false
	Add(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Remove(ctx context.Context, key string) error
}

// MemoryInFlightSet 单实例内存实现，条目带过期时间防止遗漏释放
type MemoryInFlightSet struct {
	mu    sync.Mutex
	items map[string]time.Time
	now   func() time.Time
}

// NewMemoryInFlightSet 创建内存集合
func NewMemoryInFlightSet() *MemoryInFlightSet {
	return &MemoryInFlightSet{
		items: make(map[string]time.Time),
		now:   models.NowUTC,
	}
}

// Add 标记 key
func (s *MemoryInFlightSet) Add(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if expiresAt, ok := s.items[key]; ok && expiresAt.After(now) {
		return false, nil
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	s.items[key] = now.Add(ttl)
	if len(s.items) > 1024 {
		s.evictExpiredLocked(now)
	}
	return true, nil
}

// Remove 清除标记
func (s *MemoryInFlightSet) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Len 当前条目数
func (s *MemoryInFlightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *MemoryInFlightSet) evictExpiredLocked(now time.Time) {
	for key, expiresAt := range s.items {
		if !expiresAt.After(now) {
			delete(s.items, key)
		}
	}
}

// DedupOutcome 去重判定结果
type DedupOutcome int

const (
	DedupAdmitted DedupOutcome = iota
	DedupAlreadyInFlight
	DedupAlreadyTerminal
)

func (o DedupOutcome) String() string {
	switch o {
	case DedupAdmitted:
		return "admitted"
	case DedupAlreadyInFlight:
		return "in_flight"
	case DedupAlreadyTerminal:
		return "already_terminal"
	default:
		return "unknown"
	}
}

// DedupRequest 去重判定输入
type DedupRequest struct {
	Channel              string
	ChannelOrderID       string
	ChannelTransactionID string
	// Payment 已解析到的支付记录，可为空
	Payment *models.Payment
	// TargetStatus 通知映射后的目标状态
	TargetStatus string
	// CurrentStatus 目标对象当前状态，退款通知时为退款状态
	CurrentStatus string
	// Terminal 当前状态是否为终态
	Terminal bool
}

// CallbackDeduplicator 回调去重
type CallbackDeduplicator struct {
	set    InFlightSet
	ttl    time.Duration
	bucket time.Duration
	now    func() time.Time
}

// NewCallbackDeduplicator 创建去重器
func NewCallbackDeduplicator(set InFlightSet, ttl, bucket time.Duration) *CallbackDeduplicator {
	if set == nil {
		set = NewMemoryInFlightSet()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if bucket <= 0 {
		bucket = 5 * time.Minute
	}
	return &CallbackDeduplicator{set: set, ttl: ttl, bucket: bucket, now: models.NowUTC}
}

// Key 去重键：优先使用支付ID+渠道流水号，缺失时退化为按时间分桶的渠道单号
func (d *CallbackDeduplicator) Key(req DedupRequest) string {
	txID := strings.TrimSpace(req.ChannelTransactionID)
	if req.Payment != nil && req.Payment.ID != 0 && txID != "" {
		return fmt.Sprintf("%d:%s", req.Payment.ID, txID)
	}
	bucket := d.now().Truncate(d.bucket).Unix()
	return fmt.Sprintf("%s:%s:%d", normalizeChannel(req.Channel), strings.TrimSpace(req.ChannelOrderID), bucket)
}

// TryBeginProcessing 判定是否进入处理。返回的 release 在任何退出路径上都应调用。
func (d *CallbackDeduplicator) TryBeginProcessing(ctx context.Context, req DedupRequest) (DedupOutcome, func(), error) {
	noop := func() {}
	if req.Terminal && req.CurrentStatus == req.TargetStatus {
		return DedupAlreadyTerminal, noop, nil
	}
	key := d.Key(req)
	added, err := d.set.Add(ctx, key, d.ttl)
	if err != nil {
		// 集合不可用时放行，由条件更新兜底
		paymentLogger("dedup_key", key).Warnw("callback_dedup_set_unavailable", "error", err)
		return DedupAdmitted, noop, nil
	}
	if !added {
		return DedupAlreadyInFlight, noop, nil
	}
	release := func() {
		if err := d.set.Remove(context.WithoutCancel(ctx), key); err != nil {
			paymentLogger("dedup_key", key).Warnw("callback_dedup_release_failed", "error", err)
		}
	}
	return DedupAdmitted, release, nil
}
