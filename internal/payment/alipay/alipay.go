package alipay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/payment"

	"github.com/go-pay/gopay"
	"github.com/go-pay/gopay/alipay"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

var (
	ErrConfigInvalid    = fmt.Errorf("alipay: %w", payment.ErrConfigInvalid)
	ErrRequestFailed    = fmt.Errorf("alipay: %w", payment.ErrRequestFailed)
	ErrResponseInvalid  = fmt.Errorf("alipay: %w", payment.ErrResponseInvalid)
	ErrSignatureInvalid = fmt.Errorf("alipay: %w", payment.ErrSignatureInvalid)
)

const (
	codeSuccess       = "10000"
	timeLayout        = "2006-01-02 15:04:05"
	statusRefundOK    = "REFUND_SUCCESS"
	statusRefundDoing = "REFUND_IN_PROGRESS"
)

var alipayLocation = time.FixedZone("CST", 8*3600)

// Config 支付宝开放平台配置，密钥为控制台导出的原始 base64 或 PEM。
type Config struct {
	AppID           string `json:"app_id"`
	PrivateKey      string `json:"private_key"`
	AlipayPublicKey string `json:"alipay_public_key"`
	NotifyURL       string `json:"notify_url"`
	IsProd          bool   `json:"is_prod"`
	TimeoutExpress  string `json:"timeout_express"`
}

// Provider 支付宝渠道
type Provider struct {
	cfg        *Config
	api        tradeAPI
	httpClient *resty.Client
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

// ValidateConfig 校验配置完整性。
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrConfigInvalid)
	}
	if cfg.AppID == "" {
		return fmt.Errorf("%w: app_id is required", ErrConfigInvalid)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private_key is required", ErrConfigInvalid)
	}
	if cfg.AlipayPublicKey == "" {
		return fmt.Errorf("%w: alipay_public_key is required", ErrConfigInvalid)
	}
	if _, err := url.ParseRequestURI(cfg.NotifyURL); err != nil {
		return fmt.Errorf("%w: notify_url is invalid", ErrConfigInvalid)
	}
	return nil
}

// NewProvider 根据配置创建渠道
func NewProvider(raw map[string]interface{}) (*Provider, error) {
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	client, err := alipay.NewClient(cfg.AppID, cfg.PrivateKey, cfg.IsProd)
	if err != nil {
		return nil, fmt.Errorf("%w: init client failed: %v", ErrConfigInvalid, err)
	}
	client.SetNotifyUrl(cfg.NotifyURL)
	client.AutoVerifySign([]byte(cfg.AlipayPublicKey))
	return newProvider(cfg, &gopayTradeAPI{client: client}), nil
}

func newProvider(cfg *Config, api tradeAPI) *Provider {
	return &Provider{
		cfg:        cfg,
		api:        api,
		httpClient: resty.New().SetTimeout(30 * time.Second),
	}
}

// Channel 渠道编码
func (p *Provider) Channel() string {
	return constants.PaymentChannelAlipay
}

// CreatePayment 当面付预下单，返回二维码内容。
func (p *Provider) CreatePayment(ctx context.Context, input payment.CreatePaymentInput) (*payment.CreatePaymentResult, error) {
	if input.ChannelOrderID == "" || input.Amount <= 0 {
		return nil, fmt.Errorf("%w: order input is invalid", ErrConfigInvalid)
	}
	if input.Scene != "" && input.Scene != payment.SceneQR {
		return nil, fmt.Errorf("%w: scene %s", payment.ErrNotSupported, input.Scene)
	}
	bm := make(gopay.BodyMap)
	bm.Set("out_trade_no", input.ChannelOrderID).
		Set("total_amount", fenToYuan(input.Amount)).
		Set("subject", buildSubject(input.Description, input.ChannelOrderID))
	if input.ExpireAt != nil {
		bm.Set("time_expire", input.ExpireAt.In(alipayLocation).Format(timeLayout))
	} else if p.cfg.TimeoutExpress != "" {
		bm.Set("timeout_express", p.cfg.TimeoutExpress)
	}
	qrCode, err := p.api.Precreate(ctx, bm)
	if err != nil {
		return nil, err
	}
	return &payment.CreatePaymentResult{
		QRCode: qrCode,
		Raw:    map[string]interface{}{"qr_code": qrCode, "out_trade_no": input.ChannelOrderID},
	}, nil
}

// QueryPayment 查询交易状态。
func (p *Provider) QueryPayment(ctx context.Context, channelOrderID string) (*payment.PaymentQueryResult, error) {
	channelOrderID = strings.TrimSpace(channelOrderID)
	if channelOrderID == "" {
		return nil, fmt.Errorf("%w: out_trade_no is required", ErrConfigInvalid)
	}
	bm := make(gopay.BodyMap)
	bm.Set("out_trade_no", channelOrderID)
	reply, err := p.api.Query(ctx, bm)
	if err != nil {
		return nil, err
	}
	amount, err := yuanToFen(reply.TotalAmount)
	if err != nil {
		return nil, err
	}
	return &payment.PaymentQueryResult{
		ChannelOrderID:       firstNonEmpty(reply.OutTradeNo, channelOrderID),
		ChannelTransactionID: reply.TradeNo,
		ChannelStatus:        reply.TradeStatus,
		Amount:               amount,
		Currency:             "CNY",
		PaidAt:               parseTime(reply.PayTime),
		Raw:                  reply.raw(),
	}, nil
}

// CreateRefund 发起退款，out_request_no 使用退款单号。
func (p *Provider) CreateRefund(ctx context.Context, input payment.CreateRefundInput) (*payment.RefundResult, error) {
	if input.RefundNo == "" || input.RefundAmount <= 0 {
		return nil, fmt.Errorf("%w: refund input is invalid", ErrConfigInvalid)
	}
	bm := make(gopay.BodyMap)
	if input.ChannelTransactionID != "" {
		bm.Set("trade_no", input.ChannelTransactionID)
	} else {
		bm.Set("out_trade_no", input.ChannelOrderID)
	}
	bm.Set("out_request_no", input.RefundNo).
		Set("refund_amount", fenToYuan(input.RefundAmount))
	if reason := strings.TrimSpace(input.Reason); reason != "" {
		bm.Set("refund_reason", reason)
	}
	reply, err := p.api.Refund(ctx, bm)
	if err != nil {
		return nil, err
	}
	return p.refundResult(reply, input.RefundNo)
}

// QueryRefund 查询退款结果。
func (p *Provider) QueryRefund(ctx context.Context, input payment.QueryRefundInput) (*payment.RefundResult, error) {
	if input.RefundNo == "" || input.ChannelOrderID == "" {
		return nil, fmt.Errorf("%w: out_trade_no and out_request_no are required", ErrConfigInvalid)
	}
	bm := make(gopay.BodyMap)
	bm.Set("out_trade_no", input.ChannelOrderID).
		Set("out_request_no", input.RefundNo)
	reply, err := p.api.RefundQuery(ctx, bm)
	if err != nil {
		return nil, err
	}
	return p.refundResult(reply, input.RefundNo)
}

// VerifyNotify 验签异步通知。退款通知与交易通知共用入口，通过 out_biz_no 与 refund_fee 区分。
func (p *Provider) VerifyNotify(ctx context.Context, body []byte, headers map[string]string) (*payment.Notification, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty notify body", ErrResponseInvalid)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.NotifyURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build notify request failed", ErrResponseInvalid)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	bm, err := alipay.ParseNotifyToBodyMap(req)
	if err != nil {
		return nil, fmt.Errorf("%w: parse notify failed: %v", ErrResponseInvalid, err)
	}
	raw := make(map[string]interface{}, len(bm))
	for key, value := range bm {
		raw[key] = value
	}
	if appID := bm.GetString("app_id"); appID != "" && appID != p.cfg.AppID {
		return nil, fmt.Errorf("%w: app_id mismatch", ErrSignatureInvalid)
	}
	ok, err := alipay.VerifySign(p.cfg.AlipayPublicKey, bm)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	result := &payment.Notification{
		EventType:            strings.TrimSpace(bm.GetString("notify_type")),
		ChannelOrderID:       strings.TrimSpace(bm.GetString("out_trade_no")),
		ChannelTransactionID: strings.TrimSpace(bm.GetString("trade_no")),
		Currency:             "CNY",
		RawPayload:           raw,
	}
	refundNo := strings.TrimSpace(bm.GetString("out_biz_no"))
	refundFee := strings.TrimSpace(bm.GetString("refund_fee"))
	if refundNo != "" && refundFee != "" {
		amount, err := yuanToFen(refundFee)
		if err != nil {
			return nil, err
		}
		result.Kind = constants.NotifyKindRefund
		result.RefundNo = refundNo
		result.ChannelStatus = statusRefundOK
		result.Amount = amount
		result.OccurredAt = parseTime(bm.GetString("gmt_refund"))
		return result, nil
	}

	result.Kind = constants.NotifyKindPayment
	result.ChannelStatus = strings.ToUpper(strings.TrimSpace(bm.GetString("trade_status")))
	if result.ChannelOrderID == "" || result.ChannelStatus == "" {
		return nil, fmt.Errorf("%w: missing out_trade_no or trade_status", ErrResponseInvalid)
	}
	amount, err := yuanToFen(bm.GetString("total_amount"))
	if err != nil {
		return nil, err
	}
	result.Amount = amount
	result.OccurredAt = parseTime(bm.GetString("gmt_payment"))
	return result, nil
}

// FetchStatement 获取交易账单下载地址，下载并解析业务明细。
func (p *Provider) FetchStatement(ctx context.Context, billDate time.Time) ([]payment.StatementRecord, error) {
	bm := make(gopay.BodyMap)
	bm.Set("bill_type", "trade").
		Set("bill_date", billDate.Format("2006-01-02"))
	downloadURL, err := p.api.BillURL(ctx, bm)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.R().SetContext(ctx).Get(downloadURL)
	if err != nil {
		return nil, fmt.Errorf("%w: download bill: %v", ErrRequestFailed, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: download bill status %d", ErrResponseInvalid, resp.StatusCode())
	}
	return ParseBillArchive(resp.Body())
}

func (p *Provider) refundResult(reply *refundReply, fallbackRefundNo string) (*payment.RefundResult, error) {
	amount, err := yuanToFen(reply.Amount)
	if err != nil {
		return nil, err
	}
	return &payment.RefundResult{
		RefundNo:        firstNonEmpty(reply.RefundNo, fallbackRefundNo),
		ChannelRefundID: reply.TradeNo,
		ChannelStatus:   reply.Status,
		Amount:          amount,
		Raw:             reply.raw(),
	}, nil
}

// wrapError 支付宝业务错误归为响应错误，其余为请求失败
func wrapError(op string, err error) error {
	var bizErr *alipay.BizErr
	if errors.As(err, &bizErr) {
		return fmt.Errorf("%w: %s %s %s", ErrResponseInvalid, op, bizErr.SubCode, bizErr.SubMsg)
	}
	return fmt.Errorf("%w: %s: %v", ErrRequestFailed, op, err)
}

func fenToYuan(amount int64) string {
	return decimal.NewFromInt(amount).Div(decimal.NewFromInt(100)).StringFixed(2)
}

func yuanToFen(amount string) (int64, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return 0, nil
	}
	amountDec, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q is invalid", ErrResponseInvalid, amount)
	}
	fen := amountDec.Mul(decimal.NewFromInt(100))
	if !fen.Equal(fen.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount precision exceeds fen", ErrResponseInvalid)
	}
	return fen.IntPart(), nil
}

func parseTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed, err := time.ParseInLocation(timeLayout, raw, alipayLocation)
	if err != nil {
		return nil
	}
	parsed = parsed.UTC()
	return &parsed
}

func buildSubject(description, orderNo string) string {
	if description = strings.TrimSpace(description); description != "" {
		return description
	}
	return "订单 " + orderNo
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// normalizeKey 去掉 PEM 头尾与换行，得到 gopay 需要的原始 base64 密钥
func normalizeKey(raw string) string {
	raw = strings.ReplaceAll(raw, "\\n", "\n")
	lines := strings.Split(raw, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "")
}

func (c *Config) normalize() {
	c.AppID = strings.TrimSpace(c.AppID)
	c.PrivateKey = normalizeKey(c.PrivateKey)
	c.AlipayPublicKey = normalizeKey(c.AlipayPublicKey)
	c.NotifyURL = strings.TrimSpace(c.NotifyURL)
	c.TimeoutExpress = strings.TrimSpace(c.TimeoutExpress)
}
