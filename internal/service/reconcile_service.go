package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/metrics"
	"github.com/mallpay-next/internal/models"
	"github.com/mallpay-next/internal/payment"
	"github.com/mallpay-next/internal/repository"
)

const (
	billDateLayout     = "2006-01-02"
	reportCacheTTL     = 24 * time.Hour
	defaultReconcileTZ = "Asia/Shanghai"
)

// ReportCache 对账报告缓存，报告生成后不再变化
type ReportCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// ReconcileService 渠道账单与本地支付记录比对，只读不改支付状态
type ReconcileService struct {
	paymentRepo repository.PaymentRepository
	reportRepo  repository.ReconciliationRepository
	registry    *payment.Registry
	mapper      *StatusMapper
	cache       ReportCache
	metrics     *metrics.Metrics
	loc         *time.Location
}

// NewReconcileService 创建对账服务，timezone 为账单日所在时区
func NewReconcileService(
	paymentRepo repository.PaymentRepository,
	reportRepo repository.ReconciliationRepository,
	registry *payment.Registry,
	mapper *StatusMapper,
	cache ReportCache,
	m *metrics.Metrics,
	timezone string,
) *ReconcileService {
	return &ReconcileService{
		paymentRepo: paymentRepo,
		reportRepo:  reportRepo,
		registry:    registry,
		mapper:      mapper,
		cache:       cache,
		metrics:     m,
		loc:         loadLocation(timezone),
	}
}

func loadLocation(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultReconcileTZ
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		// 精简镜像可能缺少 tzdata
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

// ParseBillDate 解析 YYYY-MM-DD 账单日
func (s *ReconcileService) ParseBillDate(raw string) (time.Time, error) {
	date, err := time.ParseInLocation(billDateLayout, strings.TrimSpace(raw), s.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bill date %q", ErrReconcileInvalid, raw)
	}
	return date, nil
}

// Yesterday 账单时区下的前一天
func (s *ReconcileService) Yesterday(now time.Time) time.Time {
	local := now.In(s.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc).AddDate(0, 0, -1)
}

// Reconcile 比对某渠道某账单日的数据并保存报告
func (s *ReconcileService) Reconcile(ctx context.Context, billDate time.Time, channel string) (*models.ReconciliationReport, error) {
	channel = normalizeChannel(channel)
	provider, err := s.registry.Get(channel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReconcileInvalid, err)
	}
	local := billDate.In(s.loc)
	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	to := from.AddDate(0, 0, 1)
	log := paymentLogger("channel", channel, "bill_date", from.Format(billDateLayout))

	payments, err := s.paymentRepo.ListForReconcile(ctx, channel, from.UTC(), to.UTC())
	if err != nil {
		return nil, transient("reconcile list payments", err)
	}
	records, err := provider.FetchStatement(ctx, from)
	if err != nil {
		log.Warnw("reconcile_statement_fetch_failed", "error", err)
		if IsRetryable(err) {
			return nil, transient("reconcile fetch statement", err)
		}
		return nil, err
	}

	report := s.compare(ctx, channel, payments, records)
	report.BillDate = from.Format(billDateLayout)
	if err := s.reportRepo.CreateReport(ctx, report); err != nil {
		log.Errorw("reconcile_report_save_failed", "error", err)
		return nil, transient("reconcile save report", err)
	}

	s.metrics.RecordReconcile(channel, constants.ReconcileMatched, report.MatchedCount)
	s.metrics.RecordReconcile(channel, constants.ReconcileAmountMismatch, report.AmountMismatchCount)
	s.metrics.RecordReconcile(channel, constants.ReconcileStatusMismatch, report.StatusMismatchCount)
	s.metrics.RecordReconcile(channel, constants.ReconcileMissingOnChannel, report.MissingOnChannelCount)
	s.metrics.RecordReconcile(channel, constants.ReconcileMissingLocally, report.MissingLocallyCount)
	log.Infow("reconcile_report_created",
		"report_id", report.ID,
		"matched", report.MatchedCount,
		"amount_mismatch", report.AmountMismatchCount,
		"status_mismatch", report.StatusMismatchCount,
		"missing_on_channel", report.MissingOnChannelCount,
		"missing_locally", report.MissingLocallyCount,
	)
	return report, nil
}

// compare 以渠道单号关联两侧记录。
// 归属其他账单日的支付通过单号补查，避免误报为本地缺失。
func (s *ReconcileService) compare(ctx context.Context, channel string, payments []models.Payment, records []payment.StatementRecord) *models.ReconciliationReport {
	report := &models.ReconciliationReport{Channel: channel}
	byOrderID := make(map[string]payment.StatementRecord, len(records))
	for _, rec := range records {
		key := strings.TrimSpace(rec.ChannelOrderID)
		if key == "" {
			continue
		}
		byOrderID[key] = rec
		if s.mapper.MapPayment(channel, rec.ChannelStatus) == constants.PaymentStatusPaid {
			report.ChannelAmount += rec.Amount
		}
	}
	report.ChannelCount = len(byOrderID)

	seen := make(map[string]bool, len(payments))
	for i := range payments {
		p := &payments[i]
		key := channelOrderID(p)
		seen[key] = true
		if paidLike(p.Status) {
			report.LocalCount++
			report.LocalAmount += p.CashAmount()
		}
		rec, ok := byOrderID[key]
		if !ok {
			if paidLike(p.Status) {
				report.Items = append(report.Items, reconcileItem(constants.ReconcileMissingOnChannel, p, nil))
			}
			continue
		}
		s.classifyPair(report, channel, p, &rec)
	}

	keys := make([]string, 0, len(byOrderID))
	for key := range byOrderID {
		if !seen[key] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		rec := byOrderID[key]
		p := s.lookupOutsideWindow(ctx, key)
		if p == nil {
			report.Items = append(report.Items, reconcileItem(constants.ReconcileMissingLocally, nil, &rec))
			continue
		}
		s.classifyPair(report, channel, p, &rec)
	}

	for _, item := range report.Items {
		switch item.Category {
		case constants.ReconcileAmountMismatch:
			report.AmountMismatchCount++
		case constants.ReconcileStatusMismatch:
			report.StatusMismatchCount++
		case constants.ReconcileMissingOnChannel:
			report.MissingOnChannelCount++
		case constants.ReconcileMissingLocally:
			report.MissingLocallyCount++
		}
	}
	return report
}

func (s *ReconcileService) classifyPair(report *models.ReconciliationReport, channel string, p *models.Payment, rec *payment.StatementRecord) {
	switch {
	case p.CashAmount() != rec.Amount:
		report.Items = append(report.Items, reconcileItem(constants.ReconcileAmountMismatch, p, rec))
	case paidLike(p.Status) != (s.mapper.MapPayment(channel, rec.ChannelStatus) == constants.PaymentStatusPaid):
		report.Items = append(report.Items, reconcileItem(constants.ReconcileStatusMismatch, p, rec))
	default:
		report.MatchedCount++
	}
}

func (s *ReconcileService) lookupOutsideWindow(ctx context.Context, key string) *models.Payment {
	p, err := s.paymentRepo.GetByChannelOrderID(ctx, key)
	if err == nil && p == nil {
		p, err = s.paymentRepo.GetByPaymentNo(ctx, key)
	}
	if err != nil {
		paymentLogger("channel_order_id", key).Warnw("reconcile_lookup_failed", "error", err)
		return nil
	}
	return p
}

// GetReport 获取报告及明细
func (s *ReconcileService) GetReport(ctx context.Context, id uint) (*models.ReconciliationReport, error) {
	cacheKey := fmt.Sprintf("reconcile:report:%d", id)
	if s.cache != nil {
		var cached models.ReconciliationReport
		if found, err := s.cache.GetJSON(ctx, cacheKey, &cached); err == nil && found {
			return &cached, nil
		}
	}
	report, err := s.reportRepo.GetReport(ctx, id, true)
	if err != nil {
		return nil, transient("reconcile get report", err)
	}
	if report == nil {
		return nil, ErrReportNotFound
	}
	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, cacheKey, report, reportCacheTTL); err != nil {
			paymentLogger("report_id", id).Warnw("reconcile_report_cache_failed", "error", err)
		}
	}
	return report, nil
}

// ListReports 报告列表
func (s *ReconcileService) ListReports(ctx context.Context, filter repository.ReconciliationListFilter) ([]models.ReconciliationReport, int64, error) {
	reports, total, err := s.reportRepo.ListReports(ctx, filter)
	if err != nil {
		return nil, 0, transient("reconcile list reports", err)
	}
	return reports, total, nil
}

func paidLike(status string) bool {
	return status == constants.PaymentStatusPaid || status == constants.PaymentStatusRefunded
}

func reconcileItem(category string, p *models.Payment, rec *payment.StatementRecord) models.ReconciliationItem {
	item := models.ReconciliationItem{Category: category}
	if p != nil {
		item.PaymentID = p.ID
		item.ChannelOrderID = channelOrderID(p)
		item.LocalAmount = p.CashAmount()
		item.LocalStatus = p.Status
	}
	if rec != nil {
		item.ChannelOrderID = rec.ChannelOrderID
		item.ChannelAmount = rec.Amount
		item.ChannelStatus = rec.ChannelStatus
	}
	return item
}
