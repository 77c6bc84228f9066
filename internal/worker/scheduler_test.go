package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mallpay-next/internal/models"

	"github.com/stretchr/testify/require"
)

type fakeRetry struct {
	mu      sync.Mutex
	batches []int
}

func (f *fakeRetry) Drain(_ context.Context, batch int, submit func(func()) error) (int, error) {
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	f.mu.Unlock()
	done := make(chan struct{})
	if err := submit(func() { close(done) }); err != nil {
		return 0, err
	}
	<-done
	return 1, nil
}

type fakeOutbox struct{ calls int }

func (f *fakeOutbox) DispatchDue(context.Context) (int, error) {
	f.calls++
	return 0, nil
}

type fakeLocks struct{ limits []int }

func (f *fakeLocks) SweepStale(_ context.Context, limit int) (int64, error) {
	f.limits = append(f.limits, limit)
	return 2, nil
}

type fakeExpireSweep struct{ limits []int }

func (f *fakeExpireSweep) ExpireDue(_ context.Context, limit int) (int, error) {
	f.limits = append(f.limits, limit)
	return 0, nil
}

type fakeReconciler struct {
	dates    []time.Time
	channels []string
	failOn   string
}

func (f *fakeReconciler) Reconcile(_ context.Context, date time.Time, channel string) (*models.ReconciliationReport, error) {
	f.dates = append(f.dates, date)
	f.channels = append(f.channels, channel)
	if channel == f.failOn {
		return nil, errors.New("statement unavailable")
	}
	return &models.ReconciliationReport{Channel: channel, BillDate: date.Format("2006-01-02")}, nil
}

func (f *fakeReconciler) Yesterday(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}

func TestParseDailyTime(t *testing.T) {
	hour, minute, err := parseDailyTime("10:30")
	require.NoError(t, err)
	require.Equal(t, 10, hour)
	require.Equal(t, 30, minute)

	for _, raw := range []string{"", "24:00", "10:60", "ten:30", "10"} {
		if _, _, err := parseDailyTime(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestSchedulerRegistersConfiguredJobs(t *testing.T) {
	s, err := NewScheduler(Jobs{
		Retry:      &fakeRetry{},
		Outbox:     &fakeOutbox{},
		Locks:      &fakeLocks{},
		Expire:     &fakeExpireSweep{},
		Reconciler: &fakeReconciler{},
	}, SchedulerOptions{ReconcileEnabled: true, DailyTime: "09:15"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })

	names := s.JobNames()
	sort.Strings(names)
	require.Equal(t, []string{"daily_reconcile", "lock_sweep", "outbox_dispatch", "payment_expire_sweep", "retry_drain"}, names)
}

func TestSchedulerSkipsReconcileWhenDisabled(t *testing.T) {
	s, err := NewScheduler(Jobs{Outbox: &fakeOutbox{}, Reconciler: &fakeReconciler{}}, SchedulerOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })

	require.Equal(t, []string{"outbox_dispatch"}, s.JobNames())
}

func TestSchedulerRejectsBadDailyTime(t *testing.T) {
	_, err := NewScheduler(Jobs{Reconciler: &fakeReconciler{}}, SchedulerOptions{ReconcileEnabled: true, DailyTime: "25:00"})
	require.Error(t, err)
}

func TestSchedulerJobsUseConfiguredBatches(t *testing.T) {
	retry := &fakeRetry{}
	locks := &fakeLocks{}
	expire := &fakeExpireSweep{}
	outbox := &fakeOutbox{}
	s, err := NewScheduler(Jobs{Retry: retry, Outbox: outbox, Locks: locks, Expire: expire}, SchedulerOptions{RetryBatch: 20, SweepBatch: 40, RetryWorkers: 32})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })

	s.runRetryDrain()
	s.runOutboxDispatch()
	s.runLockSweep()
	s.runExpireSweep()

	require.Equal(t, []int{20}, retry.batches)
	require.Equal(t, 1, outbox.calls)
	require.Equal(t, []int{40}, locks.limits)
	require.Equal(t, []int{40}, expire.limits)
}

func TestRetryDrainBatchCappedByFreeWorkers(t *testing.T) {
	retry := &fakeRetry{}
	s, err := NewScheduler(Jobs{Retry: retry}, SchedulerOptions{RetryBatch: 50, RetryWorkers: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })

	s.runRetryDrain()
	require.Equal(t, []int{2}, retry.batches)
	require.Eventually(t, func() bool { return s.pool.Running() == 0 }, time.Second, 5*time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		require.NoError(t, s.pool.Submit(func() {
			started <- struct{}{}
			<-release
		}))
	}
	<-started
	<-started
	s.runRetryDrain()
	close(release)
	require.Equal(t, []int{2}, retry.batches)
}

func TestDailyReconcileRunsEveryChannelForYesterday(t *testing.T) {
	rec := &fakeReconciler{failOn: "WECHAT"}
	s, err := NewScheduler(Jobs{Reconciler: rec}, SchedulerOptions{
		ReconcileEnabled:  true,
		ReconcileChannels: []string{"WECHAT", "ALIPAY"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	s.now = func() time.Time { return time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC) }

	s.runDailyReconcile()

	require.Equal(t, []string{"WECHAT", "ALIPAY"}, rec.channels)
	for _, d := range rec.dates {
		require.Equal(t, "2026-03-01", d.Format("2006-01-02"))
	}
}
