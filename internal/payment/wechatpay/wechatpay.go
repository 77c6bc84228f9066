package wechatpay

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/payment"

	"github.com/shopspring/decimal"
	"github.com/wechatpay-apiv3/wechatpay-go/core"
	"github.com/wechatpay-apiv3/wechatpay-go/core/auth"
	"github.com/wechatpay-apiv3/wechatpay-go/core/auth/verifiers"
	"github.com/wechatpay-apiv3/wechatpay-go/core/downloader"
	"github.com/wechatpay-apiv3/wechatpay-go/core/notify"
	"github.com/wechatpay-apiv3/wechatpay-go/core/option"
)

var (
	ErrConfigInvalid    = fmt.Errorf("wechatpay: %w", payment.ErrConfigInvalid)
	ErrRequestFailed    = fmt.Errorf("wechatpay: %w", payment.ErrRequestFailed)
	ErrResponseInvalid  = fmt.Errorf("wechatpay: %w", payment.ErrResponseInvalid)
	ErrSignatureInvalid = fmt.Errorf("wechatpay: %w", payment.ErrSignatureInvalid)
)

const defaultBaseURL = "https://api.mch.weixin.qq.com"

// Config 微信支付 API v3 配置。
// 配置了 platform_public_key 时使用微信支付公钥验签，否则走平台证书自动下载。
type Config struct {
	AppID              string `json:"appid"`
	MerchantID         string `json:"mchid"`
	MerchantSerialNo   string `json:"merchant_serial_no"`
	MerchantPrivateKey string `json:"merchant_private_key"`
	APIV3Key           string `json:"api_v3_key"`
	NotifyURL          string `json:"notify_url"`
	RefundNotifyURL    string `json:"refund_notify_url"`
	PlatformPublicKey  string `json:"platform_public_key"`
	PlatformKeyID      string `json:"platform_key_id"`
	H5Type             string `json:"h5_type"`
	H5WapURL           string `json:"h5_wap_url"`
	H5WapName          string `json:"h5_wap_name"`
	BaseURL            string `json:"base_url"`
}

// Provider 微信支付渠道
type Provider struct {
	cfg        *Config
	privateKey *rsa.PrivateKey
	client     *core.Client
	verifier   auth.Verifier
}

// ParseConfig 解析配置。
func ParseConfig(raw map[string]interface{}) (*Config, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: empty config", ErrConfigInvalid)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal config failed", ErrConfigInvalid)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config failed", ErrConfigInvalid)
	}
	cfg.normalize()
	return &cfg, nil
}

// ValidateConfig 校验配置。
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrConfigInvalid)
	}
	required := []struct {
		name  string
		value string
	}{
		{"appid", cfg.AppID},
		{"mchid", cfg.MerchantID},
		{"merchant_serial_no", cfg.MerchantSerialNo},
		{"merchant_private_key", cfg.MerchantPrivateKey},
		{"api_v3_key", cfg.APIV3Key},
		{"notify_url", cfg.NotifyURL},
	}
	for _, item := range required {
		if strings.TrimSpace(item.value) == "" {
			return fmt.Errorf("%w: %s is required", ErrConfigInvalid, item.name)
		}
	}
	if len(cfg.APIV3Key) != 32 {
		return fmt.Errorf("%w: api_v3_key must be 32 chars", ErrConfigInvalid)
	}
	for name, raw := range map[string]string{"notify_url": cfg.NotifyURL, "base_url": cfg.BaseURL} {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return fmt.Errorf("%w: %s is invalid", ErrConfigInvalid, name)
		}
	}
	if cfg.PlatformPublicKey != "" && cfg.PlatformKeyID == "" {
		return fmt.Errorf("%w: platform_key_id is required with platform_public_key", ErrConfigInvalid)
	}
	switch cfg.H5Type {
	case "WAP", "IOS", "ANDROID":
	default:
		return fmt.Errorf("%w: h5_type is invalid", ErrConfigInvalid)
	}
	if _, err := parsePrivateKey(cfg.MerchantPrivateKey); err != nil {
		return err
	}
	return nil
}

// NewProvider 根据配置创建渠道
func NewProvider(ctx context.Context, raw map[string]interface{}) (*Provider, error) {
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	privateKey, err := parsePrivateKey(cfg.MerchantPrivateKey)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := core.NewClient(ctx,
		option.WithMerchantCredential(cfg.MerchantID, cfg.MerchantSerialNo, privateKey),
		option.WithoutValidator(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: init client failed", ErrConfigInvalid)
	}
	p := &Provider{cfg: cfg, privateKey: privateKey, client: client}
	if cfg.PlatformPublicKey != "" {
		publicKey, err := parsePublicKey(cfg.PlatformPublicKey)
		if err != nil {
			return nil, err
		}
		p.verifier = verifiers.NewSHA256WithRSAPubkeyVerifier(cfg.PlatformKeyID, *publicKey)
	}
	return p, nil
}

// Channel 渠道编码
func (p *Provider) Channel() string {
	return constants.PaymentChannelWechat
}

// CreatePayment 下单，二维码场景走 native，H5 场景走 h5 接口。
func (p *Provider) CreatePayment(ctx context.Context, input payment.CreatePaymentInput) (*payment.CreatePaymentResult, error) {
	if strings.TrimSpace(input.ChannelOrderID) == "" || input.Amount <= 0 {
		return nil, fmt.Errorf("%w: order input is invalid", ErrConfigInvalid)
	}
	body := map[string]interface{}{
		"appid":        p.cfg.AppID,
		"mchid":        p.cfg.MerchantID,
		"description":  buildDescription(input.Description, input.ChannelOrderID),
		"out_trade_no": input.ChannelOrderID,
		"attach":       strconv.FormatUint(uint64(input.PaymentID), 10),
		"notify_url":   p.cfg.NotifyURL,
		"amount": map[string]interface{}{
			"total":    input.Amount,
			"currency": "CNY",
		},
	}
	if input.ExpireAt != nil {
		body["time_expire"] = input.ExpireAt.Format(time.RFC3339)
	}
	scene := map[string]interface{}{"payer_client_ip": normalizeClientIP(input.ClientIP)}

	endpoint := "/v3/pay/transactions/native"
	if input.Scene == payment.SceneH5 {
		endpoint = "/v3/pay/transactions/h5"
		h5Info := map[string]interface{}{"type": p.cfg.H5Type}
		if p.cfg.H5WapName != "" {
			h5Info["app_name"] = p.cfg.H5WapName
		}
		if p.cfg.H5WapURL != "" {
			h5Info["app_url"] = p.cfg.H5WapURL
		}
		scene["h5_info"] = h5Info
	}
	body["scene_info"] = scene

	raw, err := p.postJSON(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}
	result := &payment.CreatePaymentResult{Raw: raw, PrepayID: readString(raw, "prepay_id")}
	if input.Scene == payment.SceneH5 {
		result.PayURL = readString(raw, "h5_url")
		if result.PayURL == "" {
			return nil, fmt.Errorf("%w: missing h5_url", ErrResponseInvalid)
		}
		return result, nil
	}
	result.QRCode = readString(raw, "code_url")
	if result.QRCode == "" {
		return nil, fmt.Errorf("%w: missing code_url", ErrResponseInvalid)
	}
	return result, nil
}

// QueryPayment 根据商户订单号查单。
func (p *Provider) QueryPayment(ctx context.Context, channelOrderID string) (*payment.PaymentQueryResult, error) {
	channelOrderID = strings.TrimSpace(channelOrderID)
	if channelOrderID == "" {
		return nil, fmt.Errorf("%w: out_trade_no is required", ErrConfigInvalid)
	}
	path := "/v3/pay/transactions/out-trade-no/" + url.PathEscape(channelOrderID) +
		"?mchid=" + url.QueryEscape(p.cfg.MerchantID)
	raw, err := p.getJSON(ctx, path)
	if err != nil {
		return nil, err
	}
	amount, _ := readInt64(raw, "amount", "total")
	return &payment.PaymentQueryResult{
		ChannelOrderID:       pickFirstNonEmpty(readString(raw, "out_trade_no"), channelOrderID),
		ChannelTransactionID: readString(raw, "transaction_id"),
		ChannelStatus:        strings.ToUpper(readString(raw, "trade_state")),
		Amount:               amount,
		Currency:             strings.ToUpper(readString(raw, "amount", "currency")),
		PaidAt:               parseTransactionTime(readString(raw, "success_time")),
		Raw:                  raw,
	}, nil
}

// CreateRefund 申请退款。
func (p *Provider) CreateRefund(ctx context.Context, input payment.CreateRefundInput) (*payment.RefundResult, error) {
	if strings.TrimSpace(input.RefundNo) == "" || input.RefundAmount <= 0 || input.TotalAmount < input.RefundAmount {
		return nil, fmt.Errorf("%w: refund input is invalid", ErrConfigInvalid)
	}
	body := map[string]interface{}{
		"out_refund_no": input.RefundNo,
		"amount": map[string]interface{}{
			"refund":   input.RefundAmount,
			"total":    input.TotalAmount,
			"currency": "CNY",
		},
	}
	if input.ChannelTransactionID != "" {
		body["transaction_id"] = input.ChannelTransactionID
	} else {
		body["out_trade_no"] = input.ChannelOrderID
	}
	if reason := strings.TrimSpace(input.Reason); reason != "" {
		body["reason"] = reason
	}
	if notifyURL := pickFirstNonEmpty(p.cfg.RefundNotifyURL, p.cfg.NotifyURL); notifyURL != "" {
		body["notify_url"] = notifyURL
	}
	raw, err := p.postJSON(ctx, "/v3/refund/domestic/refunds", body)
	if err != nil {
		return nil, err
	}
	return parseRefundResult(raw, input.RefundNo), nil
}

// QueryRefund 查询单笔退款。
func (p *Provider) QueryRefund(ctx context.Context, input payment.QueryRefundInput) (*payment.RefundResult, error) {
	refundNo := strings.TrimSpace(input.RefundNo)
	if refundNo == "" {
		return nil, fmt.Errorf("%w: out_refund_no is required", ErrConfigInvalid)
	}
	raw, err := p.getJSON(ctx, "/v3/refund/domestic/refunds/"+url.PathEscape(refundNo))
	if err != nil {
		return nil, err
	}
	return parseRefundResult(raw, refundNo), nil
}

// VerifyNotify 验签并解密支付或退款通知。
func (p *Provider) VerifyNotify(ctx context.Context, body []byte, headers map[string]string) (*payment.Notification, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty notify body", ErrResponseInvalid)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	verifier, err := p.notifyVerifier(ctx)
	if err != nil {
		return nil, err
	}
	handler, err := notify.NewRSANotifyHandler(p.cfg.APIV3Key, verifier)
	if err != nil {
		return nil, fmt.Errorf("%w: init notify handler failed", ErrConfigInvalid)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.NotifyURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build notify request failed", ErrResponseInvalid)
	}
	for key, value := range headers {
		if key = strings.TrimSpace(key); key != "" {
			req.Header.Set(key, strings.TrimSpace(value))
		}
	}

	resource := map[string]interface{}{}
	notifyReq, err := handler.ParseNotifyRequest(ctx, req, &resource)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	raw := map[string]interface{}{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode notify body failed", ErrResponseInvalid)
	}
	raw["resource_plaintext"] = resource

	eventType := strings.ToUpper(strings.TrimSpace(notifyReq.EventType))
	result := &payment.Notification{
		EventType:            eventType,
		ChannelOrderID:       readString(resource, "out_trade_no"),
		ChannelTransactionID: readString(resource, "transaction_id"),
		Currency:             strings.ToUpper(readString(resource, "amount", "currency")),
		RawPayload:           raw,
	}
	if strings.HasPrefix(eventType, "REFUND.") {
		result.Kind = constants.NotifyKindRefund
		result.RefundNo = readString(resource, "out_refund_no")
		result.ChannelRefundID = readString(resource, "refund_id")
		result.ChannelStatus = strings.ToUpper(readString(resource, "refund_status"))
		result.Amount, _ = readInt64(resource, "amount", "refund")
		result.OccurredAt = parseTransactionTime(readString(resource, "success_time"))
		if result.RefundNo == "" {
			return nil, fmt.Errorf("%w: missing out_refund_no", ErrResponseInvalid)
		}
		return result, nil
	}
	result.Kind = constants.NotifyKindPayment
	result.ChannelStatus = strings.ToUpper(readString(resource, "trade_state"))
	result.Amount, _ = readInt64(resource, "amount", "total")
	result.OccurredAt = parseTransactionTime(readString(resource, "success_time"))
	if result.ChannelOrderID == "" || result.ChannelStatus == "" {
		return nil, fmt.Errorf("%w: missing out_trade_no or trade_state", ErrResponseInvalid)
	}
	return result, nil
}

// FetchStatement 下载交易账单并解析为逐笔记录。
func (p *Provider) FetchStatement(ctx context.Context, billDate time.Time) ([]payment.StatementRecord, error) {
	path := "/v3/bill/tradebill?bill_type=ALL&bill_date=" + url.QueryEscape(billDate.Format("2006-01-02"))
	raw, err := p.getJSON(ctx, path)
	if err != nil {
		return nil, err
	}
	downloadURL := readString(raw, "download_url")
	if downloadURL == "" {
		return nil, fmt.Errorf("%w: missing download_url", ErrResponseInvalid)
	}
	result, err := p.client.Get(ctx, downloadURL)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	content, err := readResponseBody(result)
	if err != nil {
		return nil, err
	}
	return ParseTradeBill(content)
}

func (p *Provider) notifyVerifier(ctx context.Context) (auth.Verifier, error) {
	if p.verifier != nil {
		return p.verifier, nil
	}
	mgr := downloader.MgrInstance()
	if !mgr.HasDownloader(ctx, p.cfg.MerchantID) {
		if err := mgr.RegisterDownloaderWithPrivateKey(ctx, p.privateKey, p.cfg.MerchantSerialNo, p.cfg.MerchantID, p.cfg.APIV3Key); err != nil {
			return nil, fmt.Errorf("%w: register certificate downloader failed", ErrRequestFailed)
		}
	}
	return verifiers.NewSHA256WithRSAVerifier(mgr.GetCertificateVisitor(p.cfg.MerchantID)), nil
}

func (p *Provider) postJSON(ctx context.Context, path string, body map[string]interface{}) (map[string]interface{}, error) {
	result, err := p.client.Post(ctx, p.cfg.BaseURL+path, body)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	return parseAPIResult(result)
}

func (p *Provider) getJSON(ctx context.Context, path string) (map[string]interface{}, error) {
	result, err := p.client.Get(ctx, p.cfg.BaseURL+path)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	return parseAPIResult(result)
}

// wrapRequestError 渠道返回的业务错误归为响应错误，其余（网络、超时）归为请求失败。
func wrapRequestError(err error) error {
	var apiErr *core.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: status %d %s", ErrRequestFailed, apiErr.StatusCode, strings.TrimSpace(apiErr.Message))
		}
		return fmt.Errorf("%w: %s %s", ErrResponseInvalid, apiErr.Code, strings.TrimSpace(apiErr.Message))
	}
	return fmt.Errorf("%w: %v", ErrRequestFailed, err)
}

func readResponseBody(result *core.APIResult) ([]byte, error) {
	if result == nil || result.Response == nil || result.Response.Body == nil {
		return nil, fmt.Errorf("%w: empty response", ErrResponseInvalid)
	}
	defer result.Response.Body.Close()
	body, err := io.ReadAll(result.Response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response failed", ErrRequestFailed)
	}
	if result.Response.StatusCode < 200 || result.Response.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d body %s", ErrResponseInvalid, result.Response.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func parseAPIResult(result *core.APIResult) (map[string]interface{}, error) {
	body, err := readResponseBody(result)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty response body", ErrResponseInvalid)
	}
	raw := map[string]interface{}{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode response failed", ErrResponseInvalid)
	}
	return raw, nil
}

func parseRefundResult(raw map[string]interface{}, fallbackRefundNo string) *payment.RefundResult {
	amount, _ := readInt64(raw, "amount", "refund")
	return &payment.RefundResult{
		RefundNo:        pickFirstNonEmpty(readString(raw, "out_refund_no"), fallbackRefundNo),
		ChannelRefundID: readString(raw, "refund_id"),
		ChannelStatus:   strings.ToUpper(readString(raw, "status")),
		Amount:          amount,
		RefundedAt:      parseTransactionTime(readString(raw, "success_time")),
		Raw:             raw,
	}
}

// yuanToFen 元字符串转分
func yuanToFen(amount string) (int64, error) {
	amountDec, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q is invalid", ErrResponseInvalid, amount)
	}
	fen := amountDec.Mul(decimal.NewFromInt(100))
	if !fen.Equal(fen.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount precision exceeds fen", ErrResponseInvalid)
	}
	return fen.IntPart(), nil
}

func normalizeClientIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if parsed := net.ParseIP(raw); parsed != nil {
		return parsed.String()
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		if parsed := net.ParseIP(strings.TrimSpace(host)); parsed != nil {
			return parsed.String()
		}
	}
	return "127.0.0.1"
}

func readString(raw map[string]interface{}, keys ...string) string {
	value, ok := readPath(raw, keys...)
	if !ok {
		return ""
	}
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func readInt64(raw map[string]interface{}, keys ...string) (int64, bool) {
	value, ok := readPath(raw, keys...)
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		parsed, err := v.Int64()
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func readPath(raw map[string]interface{}, keys ...string) (interface{}, bool) {
	if len(keys) == 0 {
		return nil, false
	}
	var current interface{} = raw
	for _, key := range keys {
		node, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if current, ok = node[key]; !ok {
			return nil, false
		}
	}
	return current, true
}

func parseTransactionTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	parsed = parsed.UTC()
	return &parsed
}

func pickFirstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func buildDescription(description string, orderNo string) string {
	if description = strings.TrimSpace(description); description != "" {
		return description
	}
	return "订单 " + strings.TrimSpace(orderNo)
}

func parsePrivateKey(raw string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(normalizePEM(raw, "PRIVATE KEY")))
	if block == nil {
		return nil, fmt.Errorf("%w: merchant_private_key pem decode failed", ErrConfigInvalid)
	}
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		privateKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: merchant_private_key type is not rsa", ErrConfigInvalid)
		}
		return privateKey, nil
	}
	if privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return privateKey, nil
	}
	return nil, fmt.Errorf("%w: parse merchant_private_key failed", ErrConfigInvalid)
}

func parsePublicKey(raw string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(normalizePEM(raw, "PUBLIC KEY")))
	if block == nil {
		return nil, fmt.Errorf("%w: platform_public_key pem decode failed", ErrConfigInvalid)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse platform_public_key failed", ErrConfigInvalid)
	}
	publicKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: platform_public_key type is not rsa", ErrConfigInvalid)
	}
	return publicKey, nil
}

func normalizePEM(raw string, blockType string) string {
	normalized := strings.TrimSpace(strings.ReplaceAll(raw, "\\n", "\n"))
	if normalized == "" || strings.Contains(normalized, "BEGIN") {
		return normalized
	}
	return "-----BEGIN " + blockType + "-----\n" + normalized + "\n-----END " + blockType + "-----"
}

func (c *Config) normalize() {
	c.AppID = strings.TrimSpace(c.AppID)
	c.MerchantID = strings.TrimSpace(c.MerchantID)
	c.MerchantSerialNo = strings.TrimSpace(c.MerchantSerialNo)
	c.MerchantPrivateKey = strings.TrimSpace(c.MerchantPrivateKey)
	c.APIV3Key = strings.TrimSpace(c.APIV3Key)
	c.NotifyURL = strings.TrimSpace(c.NotifyURL)
	c.RefundNotifyURL = strings.TrimSpace(c.RefundNotifyURL)
	c.PlatformPublicKey = strings.TrimSpace(c.PlatformPublicKey)
	c.PlatformKeyID = strings.TrimSpace(c.PlatformKeyID)
	c.H5Type = strings.ToUpper(strings.TrimSpace(c.H5Type))
	c.H5WapURL = strings.TrimSpace(c.H5WapURL)
	c.H5WapName = strings.TrimSpace(c.H5WapName)
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.H5Type == "" {
		c.H5Type = "WAP"
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
}
