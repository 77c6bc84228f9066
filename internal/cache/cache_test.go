package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mallpay-next/internal/config"

	"github.com/redis/go-redis/v9"
)

func TestDisabledStoreIsNoop(t *testing.T) {
	store := New(&config.RedisConfig{Enabled: false})
	if store.Enabled() {
		t.Fatalf("store should be disabled")
	}
	ctx := context.Background()
	var dest map[string]string
	found, err := store.GetJSON(ctx, "k", &dest)
	if err != nil || found {
		t.Fatalf("disabled get should miss without error, found=%v err=%v", found, err)
	}
	if err := store.SetJSON(ctx, "k", map[string]string{"a": "b"}, time.Minute); err != nil {
		t.Fatalf("disabled set should be noop: %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("disabled ping should be noop: %v", err)
	}
	if err := store.Del(ctx, "k"); err != nil {
		t.Fatalf("disabled del should be noop: %v", err)
	}
	if store.Client() != nil {
		t.Fatalf("disabled store should expose no client")
	}
	if _, _, err := store.HitWindow(ctx, "ip", 60); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled hit should report ErrDisabled, got %v", err)
	}
}

func TestInFlightSetDisabled(t *testing.T) {
	set := NewInFlightSet(New(nil))
	added, err := set.Add(context.Background(), "1:tx", time.Second)
	if added || !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled set must report error so callers fail open, added=%v err=%v", added, err)
	}
	if err := set.Remove(context.Background(), "1:tx"); err != nil {
		t.Fatalf("disabled remove should be noop: %v", err)
	}
}

func TestKeyPrefix(t *testing.T) {
	store := NewWithClient(nil, "mp")
	if got := store.Key(" callback:inflight:1 "); got != "mp:callback:inflight:1" {
		t.Fatalf("unexpected key %s", got)
	}
	if got := store.Key(""); got != "mp" {
		t.Fatalf("empty key should be prefix, got %s", got)
	}
	if got := (*Store)(nil).Key("a"); got != "a" {
		t.Fatalf("nil store key should be raw, got %s", got)
	}
}

func TestToInt64(t *testing.T) {
	cases := []struct {
		name  string
		input interface{}
		want  int64
		ok    bool
	}{
		{name: "int64", input: int64(10), want: 10, ok: true},
		{name: "int", input: 11, want: 11, ok: true},
		{name: "float64", input: float64(13.9), want: 13, ok: true},
		{name: "string", input: "bad", want: 0, ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := toInt64(tc.input)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("want %d/%v got %d/%v", tc.want, tc.ok, got, ok)
			}
		})
	}
}

// recordingHook 记录命令参数，不访问网络
type recordingHook struct {
	commands [][]interface{}
}

func (h *recordingHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *recordingHook) ProcessHook(redis.ProcessHook) redis.ProcessHook {
	return func(_ context.Context, cmd redis.Cmder) error {
		h.commands = append(h.commands, cmd.Args())
		return nil
	}
}

func (h *recordingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestInFlightSetUsesPrefixedKeys(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })
	hook := &recordingHook{}
	client.AddHook(hook)
	set := NewInFlightSet(NewWithClient(client, "mp"))

	ctx := context.Background()
	if _, err := set.Add(ctx, "7:tx1", 30*time.Second); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := set.Remove(ctx, "7:tx1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if len(hook.commands) != 2 {
		t.Fatalf("expected 2 commands, got %v", hook.commands)
	}
	if hook.commands[0][0] != "set" || hook.commands[0][1] != "mp:callback:inflight:7:tx1" {
		t.Fatalf("unexpected add command %v", hook.commands[0])
	}
	if hook.commands[1][0] != "del" || hook.commands[1][1] != "mp:callback:inflight:7:tx1" {
		t.Fatalf("unexpected remove command %v", hook.commands[1])
	}
}
