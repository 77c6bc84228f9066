package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/models"
)

type failingInFlightSet struct{}

func (failingInFlightSet) Add(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis unavailable")
}

func (failingInFlightSet) Remove(context.Context, string) error { return nil }

func TestDedupKeyPrefersTransactionID(t *testing.T) {
	d := NewCallbackDeduplicator(nil, 0, time.Minute)
	key := d.Key(DedupRequest{Payment: &models.Payment{ID: 7}, ChannelTransactionID: " T-9 "})
	if key != "7:T-9" {
		t.Fatalf("unexpected key %q", key)
	}

	fixed := time.Date(2026, 10, 19, 8, 30, 45, 0, time.UTC)
	d.now = func() time.Time { return fixed }
	key = d.Key(DedupRequest{Channel: "wechat", ChannelOrderID: "MP1"})
	want := fmt.Sprintf("WECHAT:MP1:%d", fixed.Truncate(time.Minute).Unix())
	if key != want {
		t.Fatalf("fallback key %q, want %q", key, want)
	}
}

func TestDedupTerminalSameStatusShortCircuits(t *testing.T) {
	set := NewMemoryInFlightSet()
	d := NewCallbackDeduplicator(set, 0, 0)
	outcome, release, err := d.TryBeginProcessing(context.Background(), DedupRequest{
		Payment:              &models.Payment{ID: 1},
		ChannelTransactionID: "T1",
		TargetStatus:         constants.PaymentStatusPaid,
		CurrentStatus:        constants.PaymentStatusPaid,
		Terminal:             true,
	})
	defer release()
	if err != nil || outcome != DedupAlreadyTerminal {
		t.Fatalf("expected already terminal, got %s err=%v", outcome, err)
	}
	if set.Len() != 0 {
		t.Fatalf("terminal short circuit must not mark in flight")
	}
}

func TestDedupInFlightUntilReleased(t *testing.T) {
	d := NewCallbackDeduplicator(nil, time.Minute, 0)
	req := DedupRequest{Payment: &models.Payment{ID: 2}, ChannelTransactionID: "T2", TargetStatus: constants.PaymentStatusPaid}
	ctx := context.Background()

	first, release, err := d.TryBeginProcessing(ctx, req)
	if err != nil || first != DedupAdmitted {
		t.Fatalf("first should be admitted, got %s err=%v", first, err)
	}
	second, _, err := d.TryBeginProcessing(ctx, req)
	if err != nil || second != DedupAlreadyInFlight {
		t.Fatalf("second should be in flight, got %s err=%v", second, err)
	}
	release()
	third, release3, err := d.TryBeginProcessing(ctx, req)
	defer release3()
	if err != nil || third != DedupAdmitted {
		t.Fatalf("after release should be admitted, got %s err=%v", third, err)
	}
}

func TestDedupFailsOpenWhenSetUnavailable(t *testing.T) {
	d := NewCallbackDeduplicator(failingInFlightSet{}, 0, 0)
	outcome, release, err := d.TryBeginProcessing(context.Background(), DedupRequest{Payment: &models.Payment{ID: 3}, ChannelTransactionID: "T3"})
	defer release()
	if err != nil || outcome != DedupAdmitted {
		t.Fatalf("unavailable set should admit, got %s err=%v", outcome, err)
	}
}

func TestMemoryInFlightSetExpires(t *testing.T) {
	set := NewMemoryInFlightSet()
	base := time.Now().UTC()
	set.now = func() time.Time { return base }
	ctx := context.Background()

	if ok, _ := set.Add(ctx, "k", time.Second); !ok {
		t.Fatalf("first add should succeed")
	}
	if ok, _ := set.Add(ctx, "k", time.Second); ok {
		t.Fatalf("second add should be rejected while live")
	}
	set.now = func() time.Time { return base.Add(2 * time.Second) }
	if ok, _ := set.Add(ctx, "k", time.Second); !ok {
		t.Fatalf("expired key should be reusable")
	}
}
