package repository

import (
	"context"
	"testing"
	"time"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/models"
)

func createRepoTestPayment(t *testing.T, repo *GormPaymentRepository, no string, channel string, status string, createdAt time.Time) *models.Payment {
	t.Helper()
	payment := &models.Payment{
		PaymentNo:      no,
		UserID:         1,
		Channel:        channel,
		Amount:         500,
		Currency:       "CNY",
		Status:         status,
		ChannelOrderID: no,
		CreatedAt:      createdAt,
	}
	if err := repo.Create(context.Background(), payment); err != nil {
		t.Fatalf("create payment failed: %v", err)
	}
	return payment
}

func TestPaymentUpdateStatusCAS(t *testing.T) {
	db := setupRepositoryTestDB(t, "payment_cas")
	repo := NewPaymentRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()
	payment := createRepoTestPayment(t, repo, "P001", constants.PaymentChannelWechat, constants.PaymentStatusUnpaid, now)

	ok, err := repo.UpdateStatusCAS(ctx, payment.ID, constants.PaymentStatusUnpaid, PaymentStatusUpdate{
		Status:               constants.PaymentStatusPaid,
		ChannelTransactionID: "T001",
		RawPayload:           map[string]interface{}{"trade_state": "SUCCESS"},
		PaidAt:               &now,
		UpdatedAt:            now,
	})
	if err != nil || !ok {
		t.Fatalf("first cas should hit, ok=%v err=%v", ok, err)
	}
	ok, err = repo.UpdateStatusCAS(ctx, payment.ID, constants.PaymentStatusUnpaid, PaymentStatusUpdate{
		Status:    constants.PaymentStatusFailed,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("second cas failed: %v", err)
	}
	if ok {
		t.Fatalf("cas from stale status must not hit")
	}

	got, err := repo.GetByID(ctx, payment.ID)
	if err != nil || got == nil {
		t.Fatalf("reload payment failed: %v", err)
	}
	if got.Status != constants.PaymentStatusPaid {
		t.Fatalf("status want PAID got %s", got.Status)
	}
	if got.ChannelTransactionID != "T001" {
		t.Fatalf("transaction id want T001 got %s", got.ChannelTransactionID)
	}
	if got.PaidAt == nil {
		t.Fatalf("paid_at should be set")
	}
	if got.RawPayload["trade_state"] != "SUCCESS" {
		t.Fatalf("raw payload not persisted: %v", got.RawPayload)
	}
}

func TestPaymentLookupByChannelIdentifiers(t *testing.T) {
	db := setupRepositoryTestDB(t, "payment_lookup")
	repo := NewPaymentRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()
	payment := createRepoTestPayment(t, repo, "P002", constants.PaymentChannelAlipay, constants.PaymentStatusUnpaid, now)

	got, err := repo.GetByChannelOrderID(ctx, " P002 ")
	if err != nil || got == nil || got.ID != payment.ID {
		t.Fatalf("lookup by channel order id failed: got=%v err=%v", got, err)
	}
	got, err = repo.GetByChannelTransactionID(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("unknown transaction id should return nil, got=%v err=%v", got, err)
	}
	got, err = repo.GetByChannelOrderID(ctx, "")
	if err != nil || got != nil {
		t.Fatalf("empty id should return nil")
	}
}

func TestPaymentListForReconcileIncludesMixed(t *testing.T) {
	db := setupRepositoryTestDB(t, "payment_reconcile")
	repo := NewPaymentRepository(db)
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	createRepoTestPayment(t, repo, "W1", constants.PaymentChannelWechat, constants.PaymentStatusPaid, day.Add(time.Hour))
	createRepoTestPayment(t, repo, "A1", constants.PaymentChannelAlipay, constants.PaymentStatusPaid, day.Add(time.Hour))
	createRepoTestPayment(t, repo, "W2", constants.PaymentChannelWechat, constants.PaymentStatusPaid, day.Add(25*time.Hour))
	mixed := &models.Payment{
		PaymentNo:      "M1",
		UserID:         1,
		Channel:        constants.PaymentChannelMixed,
		SettleChannel:  constants.PaymentChannelWechat,
		Amount:         800,
		PointsAmount:   300,
		Currency:       "CNY",
		Status:         constants.PaymentStatusPaid,
		ChannelOrderID: "M1",
		CreatedAt:      day.Add(2 * time.Hour),
	}
	if err := repo.Create(ctx, mixed); err != nil {
		t.Fatalf("create mixed payment failed: %v", err)
	}

	payments, err := repo.ListForReconcile(ctx, constants.PaymentChannelWechat, day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("list for reconcile failed: %v", err)
	}
	if len(payments) != 2 {
		t.Fatalf("expected 2 wechat payments in window, got %d", len(payments))
	}
	if payments[0].PaymentNo != "W1" || payments[1].PaymentNo != "M1" {
		t.Fatalf("unexpected payments: %s, %s", payments[0].PaymentNo, payments[1].PaymentNo)
	}
}

func TestPaymentListForReconcileUsesPaidAt(t *testing.T) {
	db := setupRepositoryTestDB(t, "payment_reconcile_paid_at")
	repo := NewPaymentRepository(db)
	ctx := context.Background()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	late := createRepoTestPayment(t, repo, "W-LATE", constants.PaymentChannelWechat, constants.PaymentStatusUnpaid, day.Add(-time.Minute))
	lateEarly := createRepoTestPayment(t, repo, "W-EARLY", constants.PaymentChannelWechat, constants.PaymentStatusUnpaid, day.Add(23*time.Hour))
	createRepoTestPayment(t, repo, "W-OPEN", constants.PaymentChannelWechat, constants.PaymentStatusUnpaid, day.Add(time.Hour))
	paidAt := day.Add(time.Minute)
	if err := db.Model(&models.Payment{}).Where("id = ?", late.ID).
		Updates(map[string]interface{}{"status": constants.PaymentStatusPaid, "paid_at": paidAt}).Error; err != nil {
		t.Fatalf("mark late payment paid failed: %v", err)
	}
	nextDay := day.Add(24*time.Hour + time.Minute)
	if err := db.Model(&models.Payment{}).Where("id = ?", lateEarly.ID).
		Updates(map[string]interface{}{"status": constants.PaymentStatusPaid, "paid_at": nextDay}).Error; err != nil {
		t.Fatalf("mark next day payment paid failed: %v", err)
	}

	payments, err := repo.ListForReconcile(ctx, constants.PaymentChannelWechat, day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("list for reconcile failed: %v", err)
	}
	if len(payments) != 2 {
		t.Fatalf("expected 2 payments in window, got %d", len(payments))
	}
	if payments[0].PaymentNo != "W-LATE" || payments[1].PaymentNo != "W-OPEN" {
		t.Fatalf("unexpected payments: %s, %s", payments[0].PaymentNo, payments[1].PaymentNo)
	}

	previous, err := repo.ListForReconcile(ctx, constants.PaymentChannelWechat, day.Add(-24*time.Hour), day)
	if err != nil {
		t.Fatalf("list previous day failed: %v", err)
	}
	if len(previous) != 0 {
		t.Fatalf("payment paid after midnight must not count for the previous day, got %d", len(previous))
	}
}

func TestPaymentListExpiredUnpaid(t *testing.T) {
	db := setupRepositoryTestDB(t, "payment_expired")
	repo := NewPaymentRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	expired := createRepoTestPayment(t, repo, "E1", constants.PaymentChannelWechat, constants.PaymentStatusUnpaid, now)
	db.Model(&models.Payment{}).Where("id = ?", expired.ID).Update("expired_at", past)
	fresh := createRepoTestPayment(t, repo, "E2", constants.PaymentChannelWechat, constants.PaymentStatusUnpaid, now)
	db.Model(&models.Payment{}).Where("id = ?", fresh.ID).Update("expired_at", future)
	paid := createRepoTestPayment(t, repo, "E3", constants.PaymentChannelWechat, constants.PaymentStatusPaid, now)
	db.Model(&models.Payment{}).Where("id = ?", paid.ID).Update("expired_at", past)

	payments, err := repo.ListExpiredUnpaid(ctx, now, 10)
	if err != nil {
		t.Fatalf("list expired failed: %v", err)
	}
	if len(payments) != 1 || payments[0].ID != expired.ID {
		t.Fatalf("expected only E1, got %+v", payments)
	}
}
