package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/logging"
)

// luaAcquireToken atomically increments a per-type running counter only if
// it is still under its cap, returning 1 on success and 0 when the bucket is
// full. It is loaded on its own rather than through the shared named
// library, since it's small and specific to this one component.
//
// KEYS: [runningKey]
// ARGV: [max]
const luaAcquireToken = `
local runningKey = KEYS[1]
local max = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', runningKey) or '0')
if current >= max then
  return 0
end
redis.call('INCR', runningKey)
return 1
`

const progressStreamMaxLen = 1000
const logListMaxLen = 100

const tokenBucketConfigKey = "token-bucket:config"

// TokenBucketConfig configures the token-bucket limiter pool.
type TokenBucketConfig struct {
	Stream    string
	Group     string
	Workers   int
	IdleClaim time.Duration
	PollDelay time.Duration
	Max       map[string]int64
	ProcessMs map[string]int64
}

// TokenBucket rate-limits by resource type: each job names a resource "type"; at most
// Max[type] jobs of that type run concurrently, enforced by an atomic
// increment-under-cap rather than by limiting how many workers exist.
type TokenBucket struct {
	redis      redis.UniversalClient
	acquireSHA string
	dlq        *DLQ
	cfg        TokenBucketConfig
	logger     *logging.Logger
}

// NewTokenBucket constructs a TokenBucket, loads its acquire script, and
// seeds token-bucket:config from cfg.Max if that hash doesn't exist yet.
func NewTokenBucket(ctx context.Context, client redis.UniversalClient, dlq *DLQ, cfg TokenBucketConfig, logger *logging.Logger) (*TokenBucket, error) {
	sha, err := client.ScriptLoad(ctx, luaAcquireToken).Result()
	if err != nil {
		return nil, fmt.Errorf("load token-bucket acquire script: %w", err)
	}
	tb := &TokenBucket{redis: client, acquireSHA: sha, dlq: dlq, cfg: cfg, logger: logger}

	exists, err := client.Exists(ctx, tokenBucketConfigKey).Result()
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		if err := tb.SaveConfig(ctx, cfg.Max); err != nil {
			return nil, err
		}
	}
	return tb, nil
}

func runningKey(resourceType string) string { return "token-bucket:running:" + resourceType }

// GetConfig returns the current per-type caps from token-bucket:config.
func (tb *TokenBucket) GetConfig(ctx context.Context) (map[string]int64, error) {
	raw, err := tb.redis.HGetAll(ctx, tokenBucketConfigKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for field, value := range raw {
		resourceType := strings.TrimPrefix(field, "max:")
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		out[resourceType] = n
	}
	return out, nil
}

// SaveConfig overwrites the per-type caps in token-bucket:config.
func (tb *TokenBucket) SaveConfig(ctx context.Context, max map[string]int64) error {
	if len(max) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(max))
	for resourceType, limit := range max {
		fields["max:"+resourceType] = limit
	}
	return tb.redis.HSet(ctx, tokenBucketConfigKey, fields).Err()
}

func (tb *TokenBucket) maxFor(ctx context.Context, resourceType string) (int64, error) {
	value, err := tb.redis.HGet(ctx, tokenBucketConfigKey, "max:"+resourceType).Result()
	if err == redis.Nil {
		if max, ok := tb.cfg.Max[resourceType]; ok {
			return max, nil
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(value, 10, 64)
}

func (tb *TokenBucket) acquire(ctx context.Context, resourceType string) (bool, error) {
	max, err := tb.maxFor(ctx, resourceType)
	if err != nil {
		return false, err
	}
	res, err := tb.redis.EvalSha(ctx, tb.acquireSHA, []string{runningKey(resourceType)}, max).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (tb *TokenBucket) release(ctx context.Context, resourceType string) {
	if err := tb.redis.Decr(ctx, runningKey(resourceType)).Err(); err != nil {
		tb.logger.Warn("release decrement failed", "type", resourceType, "error", err)
		return
	}
	// A burst of completions could otherwise drift the counter negative if a
	// release ever races ahead of its matching acquire's INCR under retry;
	// clamp defensively.
	tb.redis.Eval(ctx, `if tonumber(redis.call('GET', KEYS[1]) or '0') < 0 then redis.call('SET', KEYS[1], '0') end`, []string{runningKey(resourceType)})
}

// Running returns the current in-flight count for a resource type.
func (tb *TokenBucket) Running(ctx context.Context, resourceType string) (int64, error) {
	n, err := tb.redis.Get(ctx, runningKey(resourceType)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (tb *TokenBucket) doneStream() string { return tb.cfg.Stream + ".done" }
func (tb *TokenBucket) progressStream() string { return tb.cfg.Stream + ".progress" }

// Run starts cfg.Workers consumers sharing cfg.Group and blocks until ctx is
// canceled. Workers outnumber the sum of per-type caps so that every
// resource type always has an idle worker available to claim its next job
// the instant a token frees up.
func (tb *TokenBucket) Run(ctx context.Context) error {
	if err := tb.dlq.ensureGroup(ctx, tb.cfg.Stream, tb.cfg.Group); err != nil {
		return fmt.Errorf("token bucket group: %w", err)
	}

	done := make(chan struct{}, tb.cfg.Workers)
	for i := 0; i < tb.cfg.Workers; i++ {
		consumer := fmt.Sprintf("tokenbucket-%d", i+1)
		go func() {
			tb.runConsumer(ctx, consumer)
			done <- struct{}{}
		}()
	}
	for i := 0; i < tb.cfg.Workers; i++ {
		<-done
	}
	return nil
}

func (tb *TokenBucket) runConsumer(ctx context.Context, consumer string) {
	cursor := "0-0"
	for {
		if ctx.Err() != nil {
			return
		}

		tb.dlq.metrics.WorkerIterations.WithLabelValues(tb.cfg.Group).Inc()

		claimed, next, err := tb.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream: tb.cfg.Stream, Group: tb.cfg.Group, Consumer: consumer,
			MinIdle: tb.cfg.IdleClaim, Start: cursor, Count: 10,
		}).Result()
		if err != nil && !isGroupNotFound(err) {
			tb.logger.Warn("autoclaim failed", "error", err)
		}
		cursor = next

		handled := false
		for _, msg := range claimed {
			handled = true
			tb.tryProcess(ctx, consumer, StreamEntry{ID: msg.ID, Fields: toFieldListFromMap(msg.Values)})
		}

		fresh, err := tb.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group: tb.cfg.Group, Consumer: consumer, Streams: []string{tb.cfg.Stream, ">"}, Count: 10, Block: -1,
		}).Result()
		if err != nil && err != redis.Nil && !isGroupNotFound(err) {
			tb.logger.Warn("read failed", "error", err)
		}
		for _, s := range fresh {
			for _, msg := range s.Messages {
				handled = true
				tb.tryProcess(ctx, consumer, StreamEntry{ID: msg.ID, Fields: toFieldListFromMap(msg.Values)})
			}
		}

		if !handled {
			if !sleepCtx(ctx, tb.cfg.PollDelay) {
				return
			}
		}
	}
}

// tryProcess acquires a token for the entry's resource type. If refused, the
// entry is left pending untouched: no ack, no wait — some worker will
// retry it once its idle time next exceeds IdleClaim, by which point a
// token may have freed up.
func (tb *TokenBucket) tryProcess(ctx context.Context, consumer string, entry StreamEntry) {
	resourceType, _ := entry.Fields.Get("type")
	if resourceType == "" {
		resourceType = "default"
	}

	ok, err := tb.acquire(ctx, resourceType)
	if err != nil {
		tb.logger.Warn("acquire failed", "type", resourceType, "error", err)
		return
	}
	if !ok {
		tb.logger.Info("no token available, leaving entry pending", "type", resourceType, "id", entry.ID)
		return
	}
	defer func() {
		tb.release(ctx, resourceType)
		if running, err := tb.Running(ctx, resourceType); err == nil {
			tb.dlq.metrics.TokenBucketRunning.WithLabelValues(resourceType).Set(float64(running))
		}
	}()

	if running, err := tb.Running(ctx, resourceType); err == nil {
		tb.dlq.metrics.TokenBucketRunning.WithLabelValues(resourceType).Set(float64(running))
	}

	tb.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: tb.progressStream(), MaxLen: progressStreamMaxLen, Approx: true,
		Values: FieldList{}.Append("id", entry.ID).Append("type", resourceType).Append("status", "STARTED").Args(),
	})
	tb.dlq.broadcaster.Broadcast(Event{
		EventType: EventInfo, StreamName: tb.cfg.Stream, MessageID: entry.ID,
		Consumer: consumer, Details: "STARTED " + resourceType, Timestamp: time.Now().UnixMilli(),
	})

	processMs := tb.cfg.ProcessMs[resourceType]
	if processMs > 0 {
		sleepCtx(ctx, time.Duration(processMs)*time.Millisecond)
	}

	tb.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: tb.doneStream(),
		Values: entry.Fields.AppendAll(FieldList{}.Append("type", resourceType)).Args(),
	})

	if err := tb.dlq.redis.XAck(ctx, tb.cfg.Stream, tb.cfg.Group, entry.ID).Err(); err != nil {
		tb.logger.Warn("ack failed", "id", entry.ID, "error", err)
		return
	}

	tb.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: tb.progressStream(), MaxLen: progressStreamMaxLen, Approx: true,
		Values: FieldList{}.Append("id", entry.ID).Append("type", resourceType).Append("status", "COMPLETED").Args(),
	})
	tb.redis.LPush(ctx, "token-bucket:log:completed", entry.ID)
	tb.redis.LTrim(ctx, "token-bucket:log:completed", 0, logListMaxLen-1)

	tb.dlq.broadcaster.Broadcast(Event{
		EventType: EventMessageProcessed, StreamName: tb.cfg.Stream, MessageID: entry.ID,
		Consumer: consumer, Details: "COMPLETED " + resourceType, Timestamp: time.Now().UnixMilli(),
	})
}

// Submit appends a job of the given resource type to the pool's stream and
// records it in the capped "submitted" list the UI reads for history.
func (tb *TokenBucket) Submit(ctx context.Context, resourceType string) (string, error) {
	id, err := tb.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: tb.cfg.Stream,
		Values: FieldList{}.Append("type", resourceType).Args(),
	}).Result()
	if err != nil {
		return "", err
	}
	tb.redis.LPush(ctx, "token-bucket:log:submitted", id)
	tb.redis.LTrim(ctx, "token-bucket:log:submitted", 0, logListMaxLen-1)
	return id, nil
}

// Progress returns up to count of the most recent progress events.
func (tb *TokenBucket) Progress(ctx context.Context, count int64) ([]StreamEntry, error) {
	raw, err := tb.redis.XRevRangeN(ctx, tb.progressStream(), "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]StreamEntry, 0, len(raw))
	for _, msg := range raw {
		entries = append(entries, StreamEntry{ID: msg.ID, Fields: toFieldListFromMap(msg.Values)})
	}
	return entries, nil
}

// Logs returns the capped submitted/completed id lists for UI history.
func (tb *TokenBucket) Logs(ctx context.Context) (submitted, completed []string, err error) {
	submitted, err = tb.redis.LRange(ctx, "token-bucket:log:submitted", 0, -1).Result()
	if err != nil {
		return nil, nil, err
	}
	completed, err = tb.redis.LRange(ctx, "token-bucket:log:completed", 0, -1).Result()
	if err != nil {
		return nil, nil, err
	}
	return submitted, completed, nil
}

// Clear wipes the submitted/completed logs and the progress stream, leaving
// running counters and config untouched.
func (tb *TokenBucket) Clear(ctx context.Context) error {
	pipe := tb.redis.TxPipeline()
	pipe.Del(ctx, "token-bucket:log:submitted")
	pipe.Del(ctx, "token-bucket:log:completed")
	pipe.Del(ctx, tb.progressStream())
	_, err := pipe.Exec(ctx)
	return err
}
