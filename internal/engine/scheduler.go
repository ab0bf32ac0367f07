package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/logging"
)

// SchedulerConfig configures the delayed-message poller.
type SchedulerConfig struct {
	ReminderStream string
	PollInterval   time.Duration
	BatchSize      int64
}

const dueSetKey = "scheduled.messages"

func payloadKey(id string) string { return "scheduled:message:" + id }
func memberOf(id string) string   { return "message:" + id }
func idOfMember(member string) string {
	return strings.TrimPrefix(member, "message:")
}

// Scheduler delivers messages due at some future time: they sit in a ZSET
// scored by their due timestamp; a poller periodically pulls every entry
// whose score has passed and appends it to the reminder stream.
type Scheduler struct {
	redis       redis.UniversalClient
	broadcaster *Broadcaster
	cfg         SchedulerConfig
	logger      *logging.Logger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(client redis.UniversalClient, broadcaster *Broadcaster, cfg SchedulerConfig, logger *logging.Logger) *Scheduler {
	return &Scheduler{redis: client, broadcaster: broadcaster, cfg: cfg, logger: logger}
}

// Schedule registers a message to be delivered at dueAt, returning its id.
func (s *Scheduler) Schedule(ctx context.Context, dueAt time.Time, payload json.RawMessage) (string, error) {
	fields, err := FlattenJSON(payload)
	if err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}

	id := uuid.NewString()
	fields = fields.Append("_scheduledForMs", strconv.FormatInt(dueAt.UnixMilli(), 10))

	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, payloadKey(id), fields.Map())
	pipe.ZAdd(ctx, dueSetKey, redis.Z{Score: float64(dueAt.UnixMilli()), Member: memberOf(id)})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("schedule: %w", err)
	}
	return id, nil
}

// Update reschedules an existing message to a new due time, replacing its
// payload if one is provided.
func (s *Scheduler) Update(ctx context.Context, id string, dueAt time.Time, payload json.RawMessage) error {
	exists, err := s.redis.Exists(ctx, payloadKey(id)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: scheduled message %q", ErrNotFound, id)
	}

	if len(payload) > 0 {
		fields, err := FlattenJSON(payload)
		if err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		fields = fields.Append("_scheduledForMs", strconv.FormatInt(dueAt.UnixMilli(), 10))
		if err := s.redis.HSet(ctx, payloadKey(id), fields.Map()).Err(); err != nil {
			return err
		}
	} else {
		if err := s.redis.HSet(ctx, payloadKey(id), "_scheduledForMs", strconv.FormatInt(dueAt.UnixMilli(), 10)).Err(); err != nil {
			return err
		}
	}

	return s.redis.ZAdd(ctx, dueSetKey, redis.Z{Score: float64(dueAt.UnixMilli()), Member: memberOf(id)}).Err()
}

// Delete cancels a scheduled message. Deleting an unknown id is not an error.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	pipe := s.redis.TxPipeline()
	pipe.ZRem(ctx, dueSetKey, memberOf(id))
	pipe.Del(ctx, payloadKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// List returns every still-pending scheduled message, due time ascending.
func (s *Scheduler) List(ctx context.Context) ([]ScheduledMessage, error) {
	members, err := s.redis.ZRangeWithScores(ctx, dueSetKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ScheduledMessage, 0, len(members))
	for _, z := range members {
		id := idOfMember(z.Member.(string))
		fields, err := s.redis.HGetAll(ctx, payloadKey(id)).Result()
		if err != nil {
			continue
		}
		out = append(out, ScheduledMessage{ID: id, DueAtMs: int64(z.Score), Payload: fields})
	}
	return out, nil
}

// ScheduledMessage is the CRUD-surface view of a pending entry.
type ScheduledMessage struct {
	ID      string
	DueAtMs int64
	Payload map[string]string
}

// Run polls dueSetKey every PollInterval and delivers everything due.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.deliverDue(ctx); err != nil {
			s.logger.Warn("scheduler pass failed", "error", err)
		}
		if !sleepCtx(ctx, s.cfg.PollInterval) {
			return
		}
	}
}

func (s *Scheduler) deliverDue(ctx context.Context) error {
	now := time.Now().UnixMilli()
	dueMembers, err := s.redis.ZRangeByScore(ctx, dueSetKey, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now, 10), Offset: 0, Count: s.cfg.BatchSize,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range dueMembers {
		id := idOfMember(member)
		fields, err := s.redis.HGetAll(ctx, payloadKey(id)).Result()
		if err != nil {
			s.logger.Warn("failed to load scheduled payload", "id", id, "error", err)
			continue
		}

		values := FieldList{}.Append("scheduledId", id)
		scheduledFor := fields["_scheduledForMs"]
		for k, v := range fields {
			if k == "_scheduledForMs" {
				continue
			}
			values = values.Append(k, v)
		}
		values = values.Append("scheduledForMs", scheduledFor)
		values = values.Append("executedAtMs", strconv.FormatInt(time.Now().UnixMilli(), 10))

		streamID, err := s.redis.XAdd(ctx, &redis.XAddArgs{Stream: s.cfg.ReminderStream, Values: values.Args()}).Result()
		if err != nil {
			s.logger.Warn("failed to append reminder", "id", id, "error", err)
			continue
		}

		pipe := s.redis.TxPipeline()
		pipe.ZRem(ctx, dueSetKey, member)
		pipe.Del(ctx, payloadKey(id))
		if _, err := pipe.Exec(ctx); err != nil {
			s.logger.Warn("failed to clear delivered scheduled entry", "id", id, "error", err)
		}

		s.broadcaster.Broadcast(Event{
			EventType:  EventMessageProduced,
			StreamName: s.cfg.ReminderStream,
			MessageID:  streamID,
			Payload:    values.Map(),
			Timestamp:  time.Now().UnixMilli(),
		})
	}
	return nil
}
