package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/logging"
)

// PerKeyConfig configures the serialized-by-key processor pool.
type PerKeyConfig struct {
	Stream       string
	Group        string
	Workers      int
	LockTTL      time.Duration
	IdleClaim    time.Duration
	PollDelay    time.Duration
	ProcessDelay time.Duration
}

// PerKey ensures entries carrying the same "key" field are never
// processed concurrently, enforced by a SET NX PX lock per key rather than
// by routing same-key entries to the same consumer.
type PerKey struct {
	redis  redis.UniversalClient
	cfg    PerKeyConfig
	dlq    *DLQ
	logger *logging.Logger
}

// NewPerKey constructs a PerKey processor.
func NewPerKey(client redis.UniversalClient, dlq *DLQ, cfg PerKeyConfig, logger *logging.Logger) *PerKey {
	return &PerKey{redis: client, dlq: dlq, cfg: cfg, logger: logger}
}

func lockKey(key string) string { return "running:order:" + key }

// doneStream is the per-worker destination a processed entry's fields are
// copied to before it is acked, mirroring the work-queue/fan-out done-stream
// convention (jobs.perkey.v1.worker<i>.done).
func (pk *PerKey) doneStream(consumer string) string {
	return pk.cfg.Stream + "." + consumer + ".done"
}

// Run starts cfg.Workers consumers sharing cfg.Group and blocks until ctx is
// canceled.
func (pk *PerKey) Run(ctx context.Context) error {
	if err := pk.dlq.ensureGroup(ctx, pk.cfg.Stream, pk.cfg.Group); err != nil {
		return fmt.Errorf("per-key group: %w", err)
	}

	done := make(chan struct{}, pk.cfg.Workers)
	for i := 0; i < pk.cfg.Workers; i++ {
		consumer := fmt.Sprintf("worker%d", i+1)
		go func() {
			pk.runConsumer(ctx, consumer)
			done <- struct{}{}
		}()
	}
	for i := 0; i < pk.cfg.Workers; i++ {
		<-done
	}
	return nil
}

func (pk *PerKey) runConsumer(ctx context.Context, consumer string) {
	cursor := "0-0"
	for {
		if ctx.Err() != nil {
			return
		}

		pk.dlq.metrics.WorkerIterations.WithLabelValues(pk.cfg.Group).Inc()

		claimed, next, err := pk.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   pk.cfg.Stream,
			Group:    pk.cfg.Group,
			Consumer: consumer,
			MinIdle:  pk.cfg.IdleClaim,
			Start:    cursor,
			Count:    10,
		}).Result()
		if err != nil && !isGroupNotFound(err) {
			pk.logger.Warn("autoclaim failed", "error", err)
		}
		cursor = next

		handled := false
		for _, msg := range claimed {
			handled = true
			pk.tryProcess(ctx, consumer, StreamEntry{ID: msg.ID, Fields: toFieldListFromMap(msg.Values)})
		}

		fresh, err := pk.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    pk.cfg.Group,
			Consumer: consumer,
			Streams:  []string{pk.cfg.Stream, ">"},
			Count:    10,
			Block:    -1,
		}).Result()
		if err != nil && err != redis.Nil && !isGroupNotFound(err) {
			pk.logger.Warn("read failed", "error", err)
		}
		for _, s := range fresh {
			for _, msg := range s.Messages {
				handled = true
				pk.tryProcess(ctx, consumer, StreamEntry{ID: msg.ID, Fields: toFieldListFromMap(msg.Values)})
			}
		}

		if !handled {
			if !sleepCtx(ctx, pk.cfg.PollDelay) {
				return
			}
		}
	}
}

// tryProcess attempts the per-key lock. If another consumer already holds
// it, the entry is left pending untouched — no wait, no ack — and will be
// retried once its idle time exceeds IdleClaim.
func (pk *PerKey) tryProcess(ctx context.Context, consumer string, entry StreamEntry) {
	key, ok := entry.Fields.Get("key")
	if !ok {
		pk.logger.Warn("entry missing key field, acking to avoid poison message", "id", entry.ID)
		pk.redis.XAck(ctx, pk.cfg.Stream, pk.cfg.Group, entry.ID)
		return
	}

	acquired, err := pk.redis.SetNX(ctx, lockKey(key), consumer, pk.cfg.LockTTL).Result()
	if err != nil {
		pk.logger.Warn("lock attempt failed", "key", key, "error", err)
		return
	}
	if !acquired {
		pk.logger.Info("lock held, leaving entry pending", "key", key, "id", entry.ID)
		return
	}
	defer pk.redis.Del(ctx, lockKey(key))

	if pk.cfg.ProcessDelay > 0 {
		if !sleepCtx(ctx, pk.cfg.ProcessDelay) {
			return
		}
	}

	if err := pk.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: pk.doneStream(consumer),
		Values: entry.Fields.Args(),
	}).Err(); err != nil {
		pk.logger.Warn("append to done stream failed", "id", entry.ID, "error", err)
		return
	}

	if err := pk.dlq.redis.XAck(ctx, pk.cfg.Stream, pk.cfg.Group, entry.ID).Err(); err != nil {
		pk.logger.Warn("ack failed", "id", entry.ID, "error", err)
		return
	}

	pk.dlq.broadcaster.Broadcast(Event{
		EventType:  EventMessageProcessed,
		StreamName: pk.cfg.Stream,
		MessageID:  entry.ID,
		Consumer:   consumer,
		Details:    "key=" + key,
		Timestamp:  time.Now().UnixMilli(),
	})
}

func toFieldListFromMap(values map[string]interface{}) FieldList {
	var fields FieldList
	for k, v := range values {
		if s, ok := v.(string); ok {
			fields = append(fields, k, s)
		}
	}
	return fields
}
