package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mallpay-next/internal/config"
)

func TestDisabledClientSkipsEnqueue(t *testing.T) {
	client, err := NewClient(&config.QueueConfig{Enabled: false})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	if client.Enabled() {
		t.Fatalf("client should be disabled")
	}
	if err := client.EnqueuePaymentExpire(PaymentExpirePayload{PaymentID: 1}, time.Minute); err != nil {
		t.Fatalf("disabled enqueue should be noop: %v", err)
	}
	if err := client.EnqueueNotificationSend(NotificationSendPayload{OutboxID: 1, EventID: "e"}); err != nil {
		t.Fatalf("disabled enqueue should be noop: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestTaskPayloads(t *testing.T) {
	task, err := NewPaymentExpireTask(PaymentExpirePayload{PaymentID: 42})
	if err != nil {
		t.Fatalf("build task failed: %v", err)
	}
	if task.Type() != TaskPaymentExpire {
		t.Fatalf("unexpected task type %s", task.Type())
	}
	var payload PaymentExpirePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil || payload.PaymentID != 42 {
		t.Fatalf("unexpected payload %+v err=%v", payload, err)
	}
}

func TestBuildServerConfigDefaults(t *testing.T) {
	opt, cfg := BuildServerConfig(nil)
	if opt.Addr != "127.0.0.1:6379" {
		t.Fatalf("unexpected addr %s", opt.Addr)
	}
	if cfg.Concurrency != 10 || cfg.Queues[CriticalQueue] != 2 {
		t.Fatalf("unexpected server config %+v", cfg)
	}
}
