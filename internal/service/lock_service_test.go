package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/models"
	"github.com/mallpay-next/internal/payment"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestLockAcquireConcurrentOnlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := OrderLockKey(42, 7)

	const workers = 8
	var wg sync.WaitGroup
	var won, conflicted int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := env.locks.Acquire(ctx, key, 7, 500, time.Minute)
			switch {
			case err == nil:
				atomic.AddInt32(&won, 1)
			case errors.Is(err, ErrLockConflict):
				atomic.AddInt32(&conflicted, 1)
			default:
				t.Errorf("unexpected acquire error: %v", err)
			}
		}()
	}
	wg.Wait()

	if won != 1 || conflicted != workers-1 {
		t.Fatalf("expected exactly one winner, got won=%d conflicted=%d", won, conflicted)
	}
}

func TestLockReleaseAllowsReacquire(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := OrderLockKey(1, 2)

	require.NoError(t, env.locks.Acquire(ctx, key, 2, 100, time.Minute))
	require.ErrorIs(t, env.locks.Acquire(ctx, key, 2, 100, time.Minute), ErrLockConflict)
	require.NoError(t, env.locks.Release(ctx, key))
	require.NoError(t, env.locks.Release(ctx, key), "release should be idempotent")
	require.NoError(t, env.locks.Acquire(ctx, key, 2, 100, time.Minute))
}

func TestLockExpiredIsTakenOver(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := OrderLockKey(5, 6)
	base := models.NowUTC()
	env.locks.now = func() time.Time { return base }

	require.NoError(t, env.locks.Acquire(ctx, key, 6, 100, time.Minute))
	env.locks.now = func() time.Time { return base.Add(2 * time.Minute) }
	held, err := env.locks.Held(ctx, key)
	require.NoError(t, err)
	require.False(t, held)
	require.NoError(t, env.locks.Acquire(ctx, key, 6, 100, time.Minute))
}

func TestLockRejectsEmptyKey(t *testing.T) {
	env := newTestEnv(t)
	if err := env.locks.Acquire(context.Background(), "  ", 1, 1, 0); !errors.Is(err, ErrPaymentInvalid) {
		t.Fatalf("empty key should be invalid, got %v", err)
	}
}

func TestLockSweepStaleRemovesReleased(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.locks.Acquire(ctx, "order:9:user9", 9, 1, time.Minute))
	require.NoError(t, env.locks.Acquire(ctx, "order:10:user9", 9, 1, time.Minute))
	require.NoError(t, env.locks.Release(ctx, "order:9:user9"))

	deleted, err := env.locks.SweepStale(ctx, 100)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)
	held, err := env.locks.Held(ctx, "order:10:user9")
	require.NoError(t, err)
	require.True(t, held)
}

func TestDuplicateCreatePaymentIsLockConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.seedOrder(t, 1, 500)
	env.wechat.On("CreatePayment", mock.Anything, mock.Anything).
		Return(&payment.CreatePaymentResult{QRCode: "weixin://x"}, nil)

	first, err := env.payments.CreatePayment(ctx, CreatePaymentInput{UserID: 1, OrderID: order.ID, Channel: "WECHAT", Amount: 500})
	require.NoError(t, err)

	_, err = env.payments.CreatePayment(ctx, CreatePaymentInput{UserID: 1, OrderID: order.ID, Channel: "WECHAT", Amount: 500})
	if !errors.Is(err, ErrLockConflict) || Classify(err) != KindLockConflict {
		t.Fatalf("second submission should be a lock conflict, got %v", err)
	}
	if n := env.countRows(t, &models.Payment{}, "order_id = ?", order.ID); n != 1 {
		t.Fatalf("duplicate submission must not create a payment, got %d", n)
	}

	_, err = env.payments.CancelPayment(ctx, 1, first.ID)
	require.NoError(t, err)
	second, err := env.payments.CreatePayment(ctx, CreatePaymentInput{UserID: 1, OrderID: order.ID, Channel: "WECHAT", Amount: 500})
	require.NoError(t, err)
	require.Equal(t, constants.PaymentStatusUnpaid, second.Status)
}
