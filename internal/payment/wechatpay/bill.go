package wechatpay

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mallpay-next/internal/payment"
)

// 交易账单（bill_type=ALL）列位置
const (
	billColTradeTime     = 0
	billColTransactionID = 5
	billColOutTradeNo    = 6
	billColTradeState    = 9
	billColCurrency      = 11
	billColTotalAmount   = 12
	billMinColumns       = 13
)

var billLocation = time.FixedZone("CST", 8*3600)

// ParseTradeBill 解析交易账单，字段以反引号开头，明细后跟汇总段。
// 退款状态行（REFUND）不计入支付记录。
func ParseTradeBill(content []byte) ([]payment.StatementRecord, error) {
	scanner := bufio.NewScanner(bytes.NewReader(bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	records := make([]payment.StatementRecord, 0)
	header := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if header {
			header = false
			continue
		}
		if !strings.HasPrefix(line, "`") {
			break
		}
		fields, err := csv.NewReader(strings.NewReader(line)).Read()
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("%w: bill line malformed", ErrResponseInvalid)
		}
		if len(fields) < billMinColumns {
			return nil, fmt.Errorf("%w: bill line has %d columns", ErrResponseInvalid, len(fields))
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(strings.TrimPrefix(fields[i], "`"))
		}
		state := strings.ToUpper(fields[billColTradeState])
		if state == "REFUND" {
			continue
		}
		amount, err := yuanToFen(fields[billColTotalAmount])
		if err != nil {
			return nil, err
		}
		record := payment.StatementRecord{
			ChannelOrderID:       fields[billColOutTradeNo],
			ChannelTransactionID: fields[billColTransactionID],
			ChannelStatus:        state,
			Amount:               amount,
			Currency:             strings.ToUpper(fields[billColCurrency]),
		}
		if tradeTime, err := time.ParseInLocation("2006-01-02 15:04:05", fields[billColTradeTime], billLocation); err == nil {
			tradeTime = tradeTime.UTC()
			record.TradeTime = &tradeTime
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read bill failed", ErrResponseInvalid)
	}
	return records, nil
}
