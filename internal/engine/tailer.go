package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/logging"
)

// TailerConfig controls a single stream tailer.
type TailerConfig struct {
	Stream       string
	BlockTimeout time.Duration
	Count        int64
	RetryDelay   time.Duration
}

// DefaultTailerConfig returns sane block/count/retry values for tailing a
// stream and broadcasting every new entry.
func DefaultTailerConfig(stream string) TailerConfig {
	return TailerConfig{
		Stream:       stream,
		BlockTimeout: time.Second,
		Count:        100,
		RetryDelay:   5 * time.Second,
	}
}

// Tailer converts newly appended entries on one stream into
// MESSAGE_PRODUCED events for the broadcaster. It holds no locks while
// suspended in its blocking read or its retry sleep, so cancellation is
// always prompt.
type Tailer struct {
	redis       redis.UniversalClient
	broadcaster *Broadcaster
	cfg         TailerConfig
	logger      *logging.Logger
}

// NewTailer creates a Tailer for one stream.
func NewTailer(client redis.UniversalClient, broadcaster *Broadcaster, cfg TailerConfig, logger *logging.Logger) *Tailer {
	return &Tailer{redis: client, broadcaster: broadcaster, cfg: cfg, logger: logger}
}

// Run tails the stream until ctx is canceled. lastID starts at "$" (now):
// observers that connect after Run starts never see entries appended
// before they connected — the initial snapshot is a separate HTTP concern.
func (t *Tailer) Run(ctx context.Context) {
	lastID := "$"

	for {
		if ctx.Err() != nil {
			return
		}

		result, err := t.redis.XRead(ctx, &redis.XReadArgs{
			Streams: []string{t.cfg.Stream, lastID},
			Block:   t.cfg.BlockTimeout,
			Count:   t.cfg.Count,
		}).Result()

		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("tail read failed, retrying", "stream", t.cfg.Stream, "error", err)
			select {
			case <-time.After(t.cfg.RetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, streamResult := range result {
			for _, msg := range streamResult.Messages {
				lastID = msg.ID
				t.broadcaster.Broadcast(Event{
					EventType:  EventMessageProduced,
					StreamName: t.cfg.Stream,
					MessageID:  msg.ID,
					Payload:    stringifyValues(msg.Values),
					Timestamp:  time.Now().UnixMilli(),
				})
			}
		}
	}
}

// stringifyValues renders redis.XMessage's map[string]interface{} as
// map[string]string for the Event payload. Field order is not preserved
// here (Event.Payload is a map, meant for at-a-glance UI display) — callers
// that need ordered fields read the stream directly via FieldList.
func stringifyValues(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
