package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mallpay-next/internal/config"
	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/models"
	"github.com/mallpay-next/internal/payment"
	"github.com/mallpay-next/internal/payment/paymenttest"
	"github.com/mallpay-next/internal/provider"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type routerEnv struct {
	engine    *gin.Engine
	container *provider.Container
	wechat    *paymenttest.MockProvider
	alipay    *paymenttest.MockProvider
}

type apiResponse struct {
	StatusCode int             `json:"status_code"`
	Msg        string          `json:"msg"`
	Data       json.RawMessage `json:"data"`
}

func newRouterEnv(t *testing.T) *routerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg, err := config.LoadFrom(viper.New(), "")
	require.NoError(t, err)
	cfg.Breaker.Enabled = false

	dsn := fmt.Sprintf("file:router_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{NowFunc: models.NowUTC})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, models.AutoMigrate(db))

	env := &routerEnv{
		wechat: paymenttest.NewMockProvider(constants.PaymentChannelWechat),
		alipay: paymenttest.NewMockProvider(constants.PaymentChannelAlipay),
	}
	env.container = provider.Build(cfg, provider.Deps{
		DB:         db,
		Providers:  []payment.Provider{env.wechat, env.alipay},
		Prometheus: prometheus.NewRegistry(),
	})
	env.engine = SetupRouter(cfg, env.container)
	return env
}

func (e *routerEnv) do(t *testing.T, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.RemoteAddr = "192.0.2.10:4321"
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func (e *routerEnv) userToken(t *testing.T, userID uint) string {
	t.Helper()
	token, _, err := e.container.UserTokens.Issue(userID)
	require.NoError(t, err)
	return token
}

func (e *routerEnv) adminToken(t *testing.T, adminID uint) string {
	t.Helper()
	token, _, err := e.container.AdminTokens.Issue(adminID)
	require.NoError(t, err)
	return token
}

func decode(t *testing.T, w *httptest.ResponseRecorder) apiResponse {
	t.Helper()
	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func (e *routerEnv) seedPayment(t *testing.T, channel, status string, amount int64) *models.Payment {
	t.Helper()
	no := fmt.Sprintf("MP%d", time.Now().UnixNano())
	p := &models.Payment{
		PaymentNo:      no,
		UserID:         7,
		Channel:        channel,
		Amount:         amount,
		Currency:       "CNY",
		Status:         status,
		ChannelOrderID: no,
	}
	require.NoError(t, e.container.PaymentRepo.Create(context.Background(), p))
	return p
}

func TestHealth(t *testing.T) {
	env := newRouterEnv(t)
	w := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCallbackUnknownChannelIsBadRequest(t *testing.T) {
	env := newRouterEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/payments/callback/paypal", "", []byte(`{}`))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCallbackEmptyBodyIsBadRequest(t *testing.T) {
	env := newRouterEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/payments/callback/wechat", "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWechatCallbackMarksPaidAndAcksJSON(t *testing.T) {
	env := newRouterEnv(t)
	pending := env.seedPayment(t, constants.PaymentChannelWechat, constants.PaymentStatusUnpaid, 1200)
	body := `{"id":"evt-router-1"}`
	env.wechat.On("VerifyNotify", mock.Anything, []byte(body), mock.Anything).Return(&payment.Notification{
		Kind:                 constants.NotifyKindPayment,
		EventType:            "TRANSACTION.SUCCESS",
		ChannelOrderID:       pending.ChannelOrderID,
		ChannelTransactionID: "4200000100",
		ChannelStatus:        "SUCCESS",
		Amount:               1200,
		Currency:             "CNY",
	}, nil)

	w := env.do(t, http.MethodPost, "/api/v1/payments/callback/wechat", "", []byte(body))
	require.Equal(t, http.StatusOK, w.Code)
	var ack wechatAckBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	require.Equal(t, constants.WechatAckSuccess, ack.Code)

	reloaded, err := env.container.PaymentRepo.GetByID(context.Background(), pending.ID)
	require.NoError(t, err)
	require.Equal(t, constants.PaymentStatusPaid, reloaded.Status)
}

type wechatAckBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func TestWechatCallbackFailAckCarriesOutcomeOnly(t *testing.T) {
	env := newRouterEnv(t)
	body := `{"id":"evt-router-2"}`
	env.wechat.On("VerifyNotify", mock.Anything, []byte(body), mock.Anything).
		Return(nil, fmt.Errorf("%w: serial 5F3A mismatch", payment.ErrSignatureInvalid))

	w := env.do(t, http.MethodPost, "/api/v1/payments/callback/wechat", "", []byte(body))
	require.Equal(t, http.StatusOK, w.Code)
	var ack wechatAckBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	require.Equal(t, constants.WechatAckFail, ack.Code)
	require.Equal(t, "verification_failed", ack.Message)
	require.NotContains(t, w.Body.String(), "5F3A")
}

func TestAlipayCallbackVerificationFailureAcksFail(t *testing.T) {
	env := newRouterEnv(t)
	body := "trade_status=TRADE_SUCCESS&sign=bad"
	env.alipay.On("VerifyNotify", mock.Anything, []byte(body), mock.Anything).Return(nil, payment.ErrSignatureInvalid)

	w := env.do(t, http.MethodPost, "/api/v1/payments/callback/alipay", "", []byte(body))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, constants.AlipayAckFail, w.Body.String())
}

func TestUserRoutesRequireToken(t *testing.T) {
	env := newRouterEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/payments/1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 401, decode(t, w).StatusCode)

	w = env.do(t, http.MethodGet, "/api/v1/admin/payments", env.userToken(t, 7), nil)
	require.Equal(t, 401, decode(t, w).StatusCode)
}

func TestCreatePointsPaymentThroughAPI(t *testing.T) {
	env := newRouterEnv(t)
	_, _, err := env.container.PointsService.Credit(context.Background(), 7, 1000, "seed:router", "seed")
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/api/v1/payments", env.userToken(t, 7), []byte(`{"channel":"points","amount":400}`))
	resp := decode(t, w)
	require.Equal(t, 0, resp.StatusCode, resp.Msg)
	var created models.Payment
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	require.Equal(t, constants.PaymentStatusPaid, created.Status)

	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/payments/%d", created.ID), env.userToken(t, 7), nil)
	require.Equal(t, 0, decode(t, w).StatusCode)

	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/payments/%d", created.ID), env.userToken(t, 8), nil)
	require.Equal(t, 404, decode(t, w).StatusCode)
}

func TestCreatePaymentValidationError(t *testing.T) {
	env := newRouterEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/payments", env.userToken(t, 7), []byte(`{"channel":"bitcoin","amount":400}`))
	require.Equal(t, 400, decode(t, w).StatusCode)
}

func TestCancelUnpaidPaymentThroughAPI(t *testing.T) {
	env := newRouterEnv(t)
	pending := env.seedPayment(t, constants.PaymentChannelAlipay, constants.PaymentStatusUnpaid, 900)

	w := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/payments/%d/cancel", pending.ID), env.userToken(t, 7), nil)
	resp := decode(t, w)
	require.Equal(t, 0, resp.StatusCode, resp.Msg)

	reloaded, err := env.container.PaymentRepo.GetByID(context.Background(), pending.ID)
	require.NoError(t, err)
	require.Equal(t, constants.PaymentStatusCancelled, reloaded.Status)
}

func TestAdminListEndpoints(t *testing.T) {
	env := newRouterEnv(t)
	env.seedPayment(t, constants.PaymentChannelWechat, constants.PaymentStatusUnpaid, 100)
	token := env.adminToken(t, 1)

	for _, path := range []string{
		"/api/v1/admin/payments",
		"/api/v1/admin/refunds",
		"/api/v1/admin/retry-items?status=terminal",
		"/api/v1/admin/reconcile/reports",
	} {
		w := env.do(t, http.MethodGet, path, token, nil)
		require.Equal(t, http.StatusOK, w.Code, path)
		require.Equal(t, 0, decode(t, w).StatusCode, path)
	}
}

func TestAdminRequeueUnknownItemIsNotFound(t *testing.T) {
	env := newRouterEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/admin/retry-items/999/requeue", env.adminToken(t, 1), nil)
	resp := decode(t, w)
	require.Equal(t, 404, resp.StatusCode)
	require.Equal(t, "not found", resp.Msg)
}

func TestAdminInvalidPathParamIsBadRequest(t *testing.T) {
	env := newRouterEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/admin/retry-items/abc/requeue", env.adminToken(t, 1), nil)
	resp := decode(t, w)
	require.Equal(t, 400, resp.StatusCode)
	require.Equal(t, "invalid id", resp.Msg)
}

func TestAdminRefundExceedingAmountIsRejected(t *testing.T) {
	env := newRouterEnv(t)
	paid := env.seedPayment(t, constants.PaymentChannelWechat, constants.PaymentStatusPaid, 500)

	w := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/admin/payments/%d/refunds", paid.ID), env.adminToken(t, 1), []byte(`{"amount":600}`))
	require.Equal(t, 400, decode(t, w).StatusCode)
}

func TestAdminReconcileUnknownChannel(t *testing.T) {
	env := newRouterEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/admin/reconcile", env.adminToken(t, 1), []byte(`{"channel":"paypal","bill_date":"2026-03-01"}`))
	require.Equal(t, 400, decode(t, w).StatusCode)
}

func TestMetricsEndpointExposesHTTPCounters(t *testing.T) {
	env := newRouterEnv(t)
	env.do(t, http.MethodGet, "/health", "", nil)

	w := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.Contains(w.Body.String(), "mallpay_http_requests_total"))
}
