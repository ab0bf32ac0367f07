package engine

import (
	"context"
	"testing"
	"time"
)

func newTestTokenBucket(t *testing.T, eng *Engine, stream string, max map[string]int64) *TokenBucket {
	t.Helper()
	dlq := NewDLQ(eng.Redis, eng.Scripts, eng.Broadcaster, eng.Logger, eng.Metrics)
	ctx := context.Background()
	tb, err := NewTokenBucket(ctx, eng.Redis, dlq, TokenBucketConfig{
		Stream:    stream,
		Group:     "test-token-bucket-group",
		Workers:   1,
		IdleClaim: 5 * time.Second,
		PollDelay: 10 * time.Millisecond,
		Max:       max,
		ProcessMs: map[string]int64{},
	}, eng.Logger)
	if err != nil {
		t.Fatalf("NewTokenBucket failed: %v", err)
	}
	return tb
}

func TestTokenBucketAcquireRespectsCap(t *testing.T) {
	eng := newTestEngine(t)
	stream := "test:tokenbucket:acquire"
	ctx := context.Background()
	t.Cleanup(func() {
		eng.Redis.Del(ctx, runningKey("reports"), tokenBucketConfigKey)
	})

	tb := newTestTokenBucket(t, eng, stream, map[string]int64{"reports": 1})

	ok1, err := tb.acquire(ctx, "reports")
	if err != nil || !ok1 {
		t.Fatalf("first acquire = (%v, %v), want (true, nil)", ok1, err)
	}

	ok2, err := tb.acquire(ctx, "reports")
	if err != nil {
		t.Fatalf("second acquire errored: %v", err)
	}
	if ok2 {
		t.Fatal("second acquire succeeded, want refused (cap is 1)")
	}

	tb.release(ctx, "reports")

	ok3, err := tb.acquire(ctx, "reports")
	if err != nil || !ok3 {
		t.Fatalf("acquire after release = (%v, %v), want (true, nil)", ok3, err)
	}
}

func TestTokenBucketConfigSaveAndGet(t *testing.T) {
	eng := newTestEngine(t)
	stream := "test:tokenbucket:config"
	ctx := context.Background()
	t.Cleanup(func() { eng.Redis.Del(ctx, tokenBucketConfigKey) })

	tb := newTestTokenBucket(t, eng, stream, map[string]int64{"emails": 3})

	if err := tb.SaveConfig(ctx, map[string]int64{"emails": 7, "sms": 2}); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	cfg, err := tb.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if cfg["emails"] != 7 || cfg["sms"] != 2 {
		t.Fatalf("GetConfig = %+v, want emails=7 sms=2", cfg)
	}
}

func TestTokenBucketSubmitRecordsLog(t *testing.T) {
	eng := newTestEngine(t)
	stream := "test:tokenbucket:submit"
	ctx := context.Background()
	t.Cleanup(func() {
		eng.Redis.Del(ctx, stream, tokenBucketConfigKey, "token-bucket:log:submitted")
	})

	tb := newTestTokenBucket(t, eng, stream, map[string]int64{"default": 5})

	id, err := tb.Submit(ctx, "default")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	submitted, _, err := tb.Logs(ctx)
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	found := false
	for _, s := range submitted {
		if s == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("Logs submitted = %v, want to contain %q", submitted, id)
	}
}
