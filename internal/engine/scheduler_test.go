package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func newTestScheduler(t *testing.T, eng *Engine, stream string) *Scheduler {
	return NewScheduler(eng.Redis, eng.Broadcaster, SchedulerConfig{
		ReminderStream: stream,
		PollInterval:   10 * time.Millisecond,
		BatchSize:      10,
	}, eng.Logger)
}

func TestSchedulerScheduleListDelete(t *testing.T) {
	eng := newTestEngine(t)
	stream := "test:scheduler:reminders"
	sched := newTestScheduler(t, eng, stream)
	ctx := context.Background()
	t.Cleanup(func() { eng.Redis.Del(ctx, dueSetKey, stream) })

	id, err := sched.Schedule(ctx, time.Now().Add(time.Hour), json.RawMessage(`{"note":"check back"}`))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	t.Cleanup(func() { eng.Redis.Del(ctx, payloadKey(id)) })

	list, err := sched.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	found := false
	for _, m := range list {
		if m.ID == id {
			found = true
			if m.Payload["note"] != "check back" {
				t.Fatalf("payload note = %q, want 'check back'", m.Payload["note"])
			}
		}
	}
	if !found {
		t.Fatalf("List = %+v, want an entry with id %q", list, id)
	}

	if err := sched.Delete(ctx, id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	list, err = sched.List(ctx)
	if err != nil {
		t.Fatalf("List after delete failed: %v", err)
	}
	for _, m := range list {
		if m.ID == id {
			t.Fatalf("found %q in List after Delete", id)
		}
	}
}

func TestSchedulerDeliversDueMessages(t *testing.T) {
	eng := newTestEngine(t)
	stream := "test:scheduler:due"
	sched := newTestScheduler(t, eng, stream)
	ctx := context.Background()
	t.Cleanup(func() { eng.Redis.Del(ctx, dueSetKey, stream) })

	id, err := sched.Schedule(ctx, time.Now().Add(-time.Minute), json.RawMessage(`{"reminder":"past due"}`))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	if err := sched.deliverDue(ctx); err != nil {
		t.Fatalf("deliverDue failed: %v", err)
	}

	entries, err := eng.Redis.XRevRangeN(ctx, stream, "+", "-", 10).Result()
	if err != nil {
		t.Fatalf("XRevRangeN failed: %v", err)
	}
	delivered := false
	for _, e := range entries {
		if e.Values["scheduledId"] == id {
			delivered = true
		}
	}
	if !delivered {
		t.Fatalf("due message %q was not delivered to %q", id, stream)
	}

	list, err := sched.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	for _, m := range list {
		if m.ID == id {
			t.Fatalf("delivered message %q still present in List", id)
		}
	}
}
