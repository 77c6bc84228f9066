package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 支付子系统指标，所有方法对 nil 接收者安全
type Metrics struct {
	gatherer prometheus.Gatherer

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CallbacksTotal   *prometheus.CounterVec
	CallbackDuration *prometheus.HistogramVec

	TransitionsTotal *prometheus.CounterVec
	RetryTotal       *prometheus.CounterVec
	RetryTerminal    prometheus.Gauge
	LockTotal        *prometheus.CounterVec
	OutboxTotal      *prometheus.CounterVec
	ReconcileItems   *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
}

// New 创建并注册指标，registry 为空时使用独立注册表
func New(namespace string, registry *prometheus.Registry) *Metrics {
	if namespace == "" {
		namespace = "mallpay"
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Metrics{
		gatherer: registry,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		CallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "callback",
				Name:      "total",
				Help:      "Channel callbacks by outcome",
			},
			[]string{"channel", "outcome"},
		),
		CallbackDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "callback",
				Name:      "duration_seconds",
				Help:      "Callback handling duration in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2, 3, 5},
			},
			[]string{"channel"},
		),

		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payment",
				Name:      "transitions_total",
				Help:      "Payment state machine results",
			},
			[]string{"from", "to", "result"},
		),
		RetryTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retry",
				Name:      "attempts_total",
				Help:      "Retry queue events by kind and result",
			},
			[]string{"kind", "result"}, // result: enqueued, succeeded, rescheduled, terminal
		),
		RetryTerminal: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "retry",
				Name:      "terminal_items",
				Help:      "Retry items waiting for an operator",
			},
		),
		LockTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lock",
				Name:      "acquire_total",
				Help:      "Payment lock acquire attempts",
			},
			[]string{"result"},
		),
		OutboxTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "dispatch_total",
				Help:      "Notification outbox dispatch results",
			},
			[]string{"result"},
		),
		ReconcileItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "items_total",
				Help:      "Reconciliation items by category",
			},
			[]string{"channel", "category"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "breaker",
				Name:      "open",
				Help:      "Channel circuit breaker state (1=open, 0.5=half-open, 0=closed)",
			},
			[]string{"channel"},
		),
	}
}

// Handler 暴露 /metrics
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCallback 记录一次回调处理
func (m *Metrics) RecordCallback(channel, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallbacksTotal.WithLabelValues(channel, outcome).Inc()
	m.CallbackDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordTransition 记录状态机结果
func (m *Metrics) RecordTransition(from, to, result string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to, result).Inc()
}

// RecordRetry 记录重试队列事件
func (m *Metrics) RecordRetry(kind, result string) {
	if m == nil {
		return
	}
	m.RetryTotal.WithLabelValues(kind, result).Inc()
}

// SetRetryTerminal 更新待人工处理条目数
func (m *Metrics) SetRetryTerminal(count int64) {
	if m == nil {
		return
	}
	m.RetryTerminal.Set(float64(count))
}

// RecordLock 记录抢锁结果
func (m *Metrics) RecordLock(result string) {
	if m == nil {
		return
	}
	m.LockTotal.WithLabelValues(result).Inc()
}

// RecordOutbox 记录发件箱投递结果
func (m *Metrics) RecordOutbox(result string) {
	if m == nil {
		return
	}
	m.OutboxTotal.WithLabelValues(result).Inc()
}

// RecordReconcile 记录对账分类数量
func (m *Metrics) RecordReconcile(channel, category string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.ReconcileItems.WithLabelValues(channel, category).Add(float64(count))
}

// RecordBreakerState 熔断器状态变化
func (m *Metrics) RecordBreakerState(channel, state string) {
	if m == nil {
		return
	}
	value := 0.0
	switch state {
	case "open":
		value = 1
	case "half-open":
		value = 0.5
	}
	m.BreakerState.WithLabelValues(channel).Set(value)
}
