package payment

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerSettings 渠道熔断参数
type BreakerSettings struct {
	Enabled             bool
	ConsecutiveFailures uint32
	Interval            time.Duration
	Timeout             time.Duration
	OnStateChange       func(channel string, from, to string)
}

// BreakerProvider 在渠道出站调用外包一层熔断器。
// 仅网络类失败计入熔断，渠道业务拒绝不计入；验签为本地计算不经过熔断器。
type BreakerProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker[any]
}

// WithBreaker 为渠道装配熔断器，未启用时原样返回
func WithBreaker(inner Provider, settings BreakerSettings) Provider {
	if inner == nil || !settings.Enabled {
		return inner
	}
	threshold := settings.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	interval := settings.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	gs := gobreaker.Settings{
		Name:        inner.Channel(),
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrRequestFailed)
		},
	}
	if settings.OnStateChange != nil {
		gs.OnStateChange = func(name string, from, to gobreaker.State) {
			settings.OnStateChange(name, from.String(), to.String())
		}
	}
	return &BreakerProvider{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[any](gs),
	}
}

// State 当前熔断状态
func (p *BreakerProvider) State() string {
	return p.breaker.State().String()
}

// IsBreakerError 是否为熔断器拒绝
func IsBreakerError(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (p *BreakerProvider) Channel() string {
	return p.inner.Channel()
}

func (p *BreakerProvider) CreatePayment(ctx context.Context, input CreatePaymentInput) (*CreatePaymentResult, error) {
	return execute(p.breaker, func() (*CreatePaymentResult, error) {
		return p.inner.CreatePayment(ctx, input)
	})
}

func (p *BreakerProvider) QueryPayment(ctx context.Context, channelOrderID string) (*PaymentQueryResult, error) {
	return execute(p.breaker, func() (*PaymentQueryResult, error) {
		return p.inner.QueryPayment(ctx, channelOrderID)
	})
}

func (p *BreakerProvider) CreateRefund(ctx context.Context, input CreateRefundInput) (*RefundResult, error) {
	return execute(p.breaker, func() (*RefundResult, error) {
		return p.inner.CreateRefund(ctx, input)
	})
}

func (p *BreakerProvider) QueryRefund(ctx context.Context, input QueryRefundInput) (*RefundResult, error) {
	return execute(p.breaker, func() (*RefundResult, error) {
		return p.inner.QueryRefund(ctx, input)
	})
}

func (p *BreakerProvider) VerifyNotify(ctx context.Context, body []byte, headers map[string]string) (*Notification, error) {
	return p.inner.VerifyNotify(ctx, body, headers)
}

func (p *BreakerProvider) FetchStatement(ctx context.Context, billDate time.Time) ([]StatementRecord, error) {
	return execute(p.breaker, func() ([]StatementRecord, error) {
		return p.inner.FetchStatement(ctx, billDate)
	})
}

func execute[T any](breaker *gobreaker.CircuitBreaker[any], fn func() (T, error)) (T, error) {
	var zero T
	out, err := breaker.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	return out.(T), nil
}
