package alipay

import (
	"context"
	"fmt"

	"github.com/go-pay/gopay"
	"github.com/go-pay/gopay/alipay"
)

// tradeAPI 本渠道用到的开放平台接口
type tradeAPI interface {
	Precreate(ctx context.Context, bm gopay.BodyMap) (string, error)
	Query(ctx context.Context, bm gopay.BodyMap) (*tradeReply, error)
	Refund(ctx context.Context, bm gopay.BodyMap) (*refundReply, error)
	RefundQuery(ctx context.Context, bm gopay.BodyMap) (*refundReply, error)
	BillURL(ctx context.Context, bm gopay.BodyMap) (string, error)
}

type tradeReply struct {
	TradeNo     string
	OutTradeNo  string
	TradeStatus string
	TotalAmount string
	PayTime     string
}

func (r *tradeReply) raw() map[string]interface{} {
	return map[string]interface{}{
		"trade_no":      r.TradeNo,
		"out_trade_no":  r.OutTradeNo,
		"trade_status":  r.TradeStatus,
		"total_amount":  r.TotalAmount,
		"send_pay_date": r.PayTime,
	}
}

type refundReply struct {
	TradeNo  string
	RefundNo string
	Amount   string
	Status   string
}

func (r *refundReply) raw() map[string]interface{} {
	return map[string]interface{}{
		"trade_no":       r.TradeNo,
		"out_request_no": r.RefundNo,
		"refund_amount":  r.Amount,
		"refund_status":  r.Status,
	}
}

// gopayTradeAPI 基于 gopay 客户端的实现，客户端开启了同步响应自动验签
type gopayTradeAPI struct {
	client *alipay.Client
}

func (a *gopayTradeAPI) Precreate(ctx context.Context, bm gopay.BodyMap) (string, error) {
	resp, err := a.client.TradePrecreate(ctx, bm)
	if err != nil {
		return "", wrapError("trade precreate", err)
	}
	if resp.Response.Code != codeSuccess {
		return "", fmt.Errorf("%w: trade precreate %s %s", ErrResponseInvalid, resp.Response.Code, resp.Response.Msg)
	}
	if resp.Response.QrCode == "" {
		return "", fmt.Errorf("%w: missing qr_code", ErrResponseInvalid)
	}
	return resp.Response.QrCode, nil
}

func (a *gopayTradeAPI) Query(ctx context.Context, bm gopay.BodyMap) (*tradeReply, error) {
	resp, err := a.client.TradeQuery(ctx, bm)
	if err != nil {
		return nil, wrapError("trade query", err)
	}
	if resp.Response.Code != codeSuccess {
		return nil, fmt.Errorf("%w: trade query %s %s", ErrResponseInvalid, resp.Response.Code, resp.Response.Msg)
	}
	return &tradeReply{
		TradeNo:     resp.Response.TradeNo,
		OutTradeNo:  resp.Response.OutTradeNo,
		TradeStatus: resp.Response.TradeStatus,
		TotalAmount: resp.Response.TotalAmount,
		PayTime:     resp.Response.SendPayDate,
	}, nil
}

// Refund 同步返回 fund_change=Y 表示资金已退回，否则视为处理中
func (a *gopayTradeAPI) Refund(ctx context.Context, bm gopay.BodyMap) (*refundReply, error) {
	resp, err := a.client.TradeRefund(ctx, bm)
	if err != nil {
		return nil, wrapError("trade refund", err)
	}
	if resp.Response.Code != codeSuccess {
		return nil, fmt.Errorf("%w: trade refund %s %s", ErrResponseInvalid, resp.Response.Code, resp.Response.Msg)
	}
	status := statusRefundDoing
	if resp.Response.FundChange == "Y" {
		status = statusRefundOK
	}
	return &refundReply{
		TradeNo:  resp.Response.TradeNo,
		RefundNo: bm.GetString("out_request_no"),
		Amount:   resp.Response.RefundFee,
		Status:   status,
	}, nil
}

// RefundQuery refund_status 为空表示退款尚未成功
func (a *gopayTradeAPI) RefundQuery(ctx context.Context, bm gopay.BodyMap) (*refundReply, error) {
	resp, err := a.client.TradeFastPayRefundQuery(ctx, bm)
	if err != nil {
		return nil, wrapError("refund query", err)
	}
	if resp.Response.Code != codeSuccess {
		return nil, fmt.Errorf("%w: refund query %s %s", ErrResponseInvalid, resp.Response.Code, resp.Response.Msg)
	}
	status := resp.Response.RefundStatus
	if status == "" {
		status = statusRefundDoing
	}
	return &refundReply{
		TradeNo:  resp.Response.TradeNo,
		RefundNo: resp.Response.OutRequestNo,
		Amount:   resp.Response.RefundAmount,
		Status:   status,
	}, nil
}

func (a *gopayTradeAPI) BillURL(ctx context.Context, bm gopay.BodyMap) (string, error) {
	resp, err := a.client.DataBillDownloadUrlQuery(ctx, bm)
	if err != nil {
		return "", wrapError("bill download url", err)
	}
	if resp.Response.Code != codeSuccess || resp.Response.BillDownloadUrl == "" {
		return "", fmt.Errorf("%w: bill download url %s %s", ErrResponseInvalid, resp.Response.Code, resp.Response.Msg)
	}
	return resp.Response.BillDownloadUrl, nil
}
