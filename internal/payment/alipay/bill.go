package alipay

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mallpay-next/internal/payment"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// 业务明细列位置
const (
	billColTradeNo     = 0
	billColOutTradeNo  = 1
	billColBizType     = 2
	billColFinishedAt  = 5
	billColOrderAmount = 11
	billMinColumns     = 12
)

// ParseBillArchive 解析账单压缩包，只读取业务明细文件（非汇总）。
func ParseBillArchive(archive []byte) ([]payment.StatementRecord, error) {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("%w: open bill archive failed", ErrResponseInvalid)
	}
	for _, file := range reader.File {
		name := file.Name
		if file.NonUTF8 {
			name = decodeGBKString(name)
		}
		if !strings.Contains(name, "业务明细") || strings.Contains(name, "汇总") {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open bill detail failed", ErrResponseInvalid)
		}
		content, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: read bill detail failed", ErrResponseInvalid)
		}
		return ParseBillDetail(content)
	}
	return nil, fmt.Errorf("%w: bill detail file not found", ErrResponseInvalid)
}

// ParseBillDetail 解析 GBK 编码的业务明细，退款行跳过。
func ParseBillDetail(content []byte) ([]payment.StatementRecord, error) {
	decoded, err := io.ReadAll(transform.NewReader(bytes.NewReader(content), simplifiedchinese.GBK.NewDecoder()))
	if err != nil {
		return nil, fmt.Errorf("%w: decode bill failed", ErrResponseInvalid)
	}
	csvReader := csv.NewReader(bytes.NewReader(decoded))
	csvReader.FieldsPerRecord = -1
	csvReader.LazyQuotes = true

	records := make([]payment.StatementRecord, 0)
	for {
		fields, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: bill line malformed", ErrResponseInvalid)
		}
		if len(fields) < billMinColumns || strings.HasPrefix(strings.TrimSpace(fields[0]), "#") {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		if fields[billColTradeNo] == "支付宝交易号" || fields[billColBizType] != "交易" {
			continue
		}
		amount, err := yuanToFen(fields[billColOrderAmount])
		if err != nil {
			return nil, err
		}
		record := payment.StatementRecord{
			ChannelOrderID:       fields[billColOutTradeNo],
			ChannelTransactionID: fields[billColTradeNo],
			ChannelStatus:        "TRADE_SUCCESS",
			Amount:               amount,
			Currency:             "CNY",
		}
		if finishedAt, err := time.ParseInLocation(timeLayout, fields[billColFinishedAt], alipayLocation); err == nil {
			finishedAt = finishedAt.UTC()
			record.TradeTime = &finishedAt
		}
		records = append(records, record)
	}
	return records, nil
}

// decodeGBKString 压缩包内文件名为 GBK 编码，未标记 UTF-8 时需要转换
func decodeGBKString(raw string) string {
	out, _, err := transform.String(simplifiedchinese.GBK.NewDecoder(), raw)
	if err != nil {
		return raw
	}
	return out
}
