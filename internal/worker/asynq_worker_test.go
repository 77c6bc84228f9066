package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/mallpay-next/internal/queue"
	"github.com/mallpay-next/internal/service"

	"github.com/hibiken/asynq"
)

type fakeDeliverer struct {
	ids []uint
	err error
}

func (f *fakeDeliverer) Deliver(_ context.Context, id uint) error {
	f.ids = append(f.ids, id)
	return f.err
}

type fakeExpirer struct {
	ids []uint
	err error
}

func (f *fakeExpirer) ExpirePayment(_ context.Context, id uint) (*service.ApplyResult, error) {
	f.ids = append(f.ids, id)
	if f.err != nil {
		return nil, f.err
	}
	return &service.ApplyResult{Outcome: service.ApplyApplied}, nil
}

func newTask(t *testing.T, typename string, payload interface{}) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload failed: %v", err)
	}
	return asynq.NewTask(typename, body)
}

func TestNotificationSendDelivers(t *testing.T) {
	outbox := &fakeDeliverer{}
	c := NewConsumer(outbox, &fakeExpirer{})

	task := newTask(t, queue.TaskNotificationSend, queue.NotificationSendPayload{OutboxID: 7, EventID: "evt-7"})
	if err := c.handleNotificationSend(context.Background(), task); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if len(outbox.ids) != 1 || outbox.ids[0] != 7 {
		t.Fatalf("unexpected deliveries: %v", outbox.ids)
	}
}

func TestNotificationSendFailureIsNotRetriedByQueue(t *testing.T) {
	outbox := &fakeDeliverer{err: errors.New("webhook 502")}
	c := NewConsumer(outbox, &fakeExpirer{})

	task := newTask(t, queue.TaskNotificationSend, queue.NotificationSendPayload{OutboxID: 3})
	if err := c.handleNotificationSend(context.Background(), task); err != nil {
		t.Fatalf("expected nil so outbox backoff owns the retry, got %v", err)
	}
}

func TestNotificationSendSkipsInvalidPayload(t *testing.T) {
	outbox := &fakeDeliverer{}
	c := NewConsumer(outbox, &fakeExpirer{})

	task := newTask(t, queue.TaskNotificationSend, queue.NotificationSendPayload{EventID: "evt"})
	if err := c.handleNotificationSend(context.Background(), task); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if len(outbox.ids) != 0 {
		t.Fatalf("expected no delivery, got %v", outbox.ids)
	}

	bad := asynq.NewTask(queue.TaskNotificationSend, []byte("{"))
	if err := c.handleNotificationSend(context.Background(), bad); err == nil {
		t.Fatalf("expected unmarshal error")
	}
}

func TestPaymentExpireHandlesOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "applied"},
		{name: "not found", err: service.ErrPaymentNotFound},
		{name: "invalid", err: service.ErrPaymentInvalid},
		{name: "transient", err: fmt.Errorf("%w", context.DeadlineExceeded), wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			expirer := &fakeExpirer{err: tc.err}
			c := NewConsumer(&fakeDeliverer{}, expirer)
			task := newTask(t, queue.TaskPaymentExpire, queue.PaymentExpirePayload{PaymentID: 11})
			err := c.handlePaymentExpire(context.Background(), task)
			if (err != nil) != tc.wantErr {
				t.Fatalf("want error %v, got %v", tc.wantErr, err)
			}
			if len(expirer.ids) != 1 || expirer.ids[0] != 11 {
				t.Fatalf("unexpected expire calls: %v", expirer.ids)
			}
		})
	}
}

func TestRegisterRoutesBothTasks(t *testing.T) {
	outbox := &fakeDeliverer{}
	expirer := &fakeExpirer{}
	mux := asynq.NewServeMux()
	NewConsumer(outbox, expirer).Register(mux)

	ctx := context.Background()
	if err := mux.ProcessTask(ctx, newTask(t, queue.TaskNotificationSend, queue.NotificationSendPayload{OutboxID: 1})); err != nil {
		t.Fatalf("notification task failed: %v", err)
	}
	if err := mux.ProcessTask(ctx, newTask(t, queue.TaskPaymentExpire, queue.PaymentExpirePayload{PaymentID: 2})); err != nil {
		t.Fatalf("expire task failed: %v", err)
	}
	if len(outbox.ids) != 1 || len(expirer.ids) != 1 {
		t.Fatalf("expected both handlers invoked, got %v %v", outbox.ids, expirer.ids)
	}
}
