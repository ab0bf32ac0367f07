package engine

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestWorkQueueProcessesEachJobOnce(t *testing.T) {
	eng := newTestEngine(t)
	dlq := NewDLQ(eng.Redis, eng.Scripts, eng.Broadcaster, eng.Logger, eng.Metrics)
	stream := "test:workqueue:jobs"
	group := "test-workqueue-group"
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { eng.Redis.Del(context.Background(), stream) })

	wq := NewWorkQueue(dlq, WorkQueueConfig{
		Stream: stream, Group: group, Workers: 2,
		MinIdleMs: 5000, MaxDeliveries: 3, PollDelay: 30 * time.Millisecond,
		ProcessDelay: 200 * time.Millisecond,
	}, eng.Logger)

	done := make(chan struct{})
	go func() {
		wq.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	t.Cleanup(func() {
		eng.Redis.Del(context.Background(), stream+".worker-1.done", stream+".worker-2.done")
	})

	id, err := eng.Redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream, Values: FieldList{}.Append("job", "1").Append("processingType", "OK").Args(),
	}).Result()
	if err != nil {
		t.Fatalf("XAdd failed: %v", err)
	}

	delivered := false
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		pending, err := eng.Redis.XPending(ctx, stream, group).Result()
		if err == nil && pending.Count >= 1 {
			delivered = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !delivered {
		t.Fatalf("job %q was never delivered to the work-queue pool", id)
	}

	acked := false
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		pending, err := eng.Redis.XPending(ctx, stream, group).Result()
		if err == nil && pending.Count == 0 {
			acked = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !acked {
		t.Fatalf("job %q was never acked by the work-queue pool", id)
	}

	foundInDoneStream := false
	for _, worker := range []string{"worker-1", "worker-2"} {
		entries, err := eng.Redis.XRevRangeN(ctx, stream+"."+worker+".done", "+", "-", 10).Result()
		if err != nil {
			t.Fatalf("XRevRangeN on %s failed: %v", worker, err)
		}
		for _, e := range entries {
			if e.Values["job"] == "1" {
				foundInDoneStream = true
			}
		}
	}
	if !foundInDoneStream {
		t.Fatalf("job %q was acked but never copied to either worker's done stream", id)
	}
}
