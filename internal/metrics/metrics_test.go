package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecorders(t *testing.T) {
	m := New("test", prometheus.NewRegistry())

	m.RecordCallback("WECHAT", "applied", 20*time.Millisecond)
	m.RecordCallback("WECHAT", "applied", 10*time.Millisecond)
	m.RecordTransition("UNPAID", "PAID", "applied")
	m.RecordRetry("callback", "terminal")
	m.SetRetryTerminal(4)
	m.RecordLock("conflict")
	m.RecordOutbox("dispatched")
	m.RecordReconcile("ALIPAY", "amount_mismatch", 3)
	m.RecordReconcile("ALIPAY", "matched", 0)
	m.RecordBreakerState("WECHAT", "open")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CallbacksTotal.WithLabelValues("WECHAT", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("UNPAID", "PAID", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetryTotal.WithLabelValues("callback", "terminal")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.RetryTerminal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockTotal.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxTotal.WithLabelValues("dispatched")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ReconcileItems.WithLabelValues("ALIPAY", "amount_mismatch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("WECHAT")))

	m.RecordBreakerState("WECHAT", "half-open")
	assert.Equal(t, 0.5, testutil.ToFloat64(m.BreakerState.WithLabelValues("WECHAT")))
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordCallback("WECHAT", "applied", time.Second)
	m.RecordTransition("UNPAID", "PAID", "applied")
	m.RecordRetry("callback", "enqueued")
	m.SetRetryTerminal(1)
	m.RecordLock("acquired")
	m.RecordOutbox("failed")
	m.RecordReconcile("WECHAT", "matched", 1)
	m.RecordBreakerState("WECHAT", "closed")
	m.RecordHTTPRequest("GET", "/health", 200, time.Millisecond)
}

func TestMetricsHandlerExposesRegistry(t *testing.T) {
	m := New("mallpay", prometheus.NewRegistry())
	m.RecordHTTPRequest("POST", "/api/v1/payments/callback/:channel", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "mallpay_http_requests_total"))
}
