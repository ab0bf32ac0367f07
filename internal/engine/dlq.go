package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/logging"
	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/metrics"
)

// StreamEntry is a delivered or claimed entry: an ID plus its ordered fields.
type StreamEntry struct {
	ID     string
	Fields FieldList
}

// DLQMove records one entry moved from a main stream to its dead-letter
// stream by read_claim_or_dlq.
type DLQMove struct {
	OriginalID string
	Fields     FieldList
	DLQID      string
}

// ClaimResult is the decoded return value of read_claim_or_dlq.
type ClaimResult struct {
	Entries  []StreamEntry
	DLQMoves []DLQMove
}

// DLQConfigRecord is the per-stream dead-letter policy: how many delivery
// attempts to tolerate and how long an entry must sit idle before it's
// eligible for reclaim.
type DLQConfigRecord struct {
	MaxDeliveries int64 `json:"maxDeliveries"`
	MinIdleMs     int64 `json:"minIdleMs"`
}

// DefaultDLQConfig returns the out-of-the-box policy for a stream that has
// never had one saved.
func DefaultDLQConfig() DLQConfigRecord {
	return DLQConfigRecord{MaxDeliveries: 2, MinIdleMs: 100}
}

// DLQ provides the DLQ-aware claimer and the demo/CRUD surface the HTTP
// layer exposes around it (produce/process/config/stream inspection).
type DLQ struct {
	redis       redis.UniversalClient
	scripts     *Scripts
	broadcaster *Broadcaster
	logger      *logging.Logger
	metrics     *metrics.Recorder
}

// NewDLQ constructs a DLQ component.
func NewDLQ(client redis.UniversalClient, scripts *Scripts, broadcaster *Broadcaster, logger *logging.Logger, recorder *metrics.Recorder) *DLQ {
	if recorder == nil {
		recorder = metrics.NoopRecorder()
	}
	return &DLQ{redis: client, scripts: scripts, broadcaster: broadcaster, logger: logger, metrics: recorder}
}

// ReadClaimOrDLQ runs the atomic broker-side read/claim/dead-letter
// procedure: it claims idle pending entries (moving the ones that have
// exceeded maxDeliveries to the dead-letter stream) and reads new entries
// in one round trip.
func (d *DLQ) ReadClaimOrDLQ(ctx context.Context, stream, group, consumer string, minIdleMs, count, maxDeliveries int64) (*ClaimResult, error) {
	raw, err := d.scripts.run(ctx, scriptReadClaimOrDLQ, map[string]string{
		"stream":    stream,
		"dlqStream": dlqStreamKey(stream),
	}, group, consumer, minIdleMs, count, maxDeliveries)
	if err != nil {
		if isGroupNotFound(err) {
			return &ClaimResult{}, nil
		}
		return nil, fmt.Errorf("read_claim_or_dlq: %w", err)
	}

	if summary, sErr := d.redis.XPending(ctx, stream, group).Result(); sErr == nil {
		d.metrics.PELDepth.WithLabelValues(stream, group).Set(float64(summary.Count))
	}

	result, err := decodeClaimResult(raw)
	if err != nil {
		return nil, err
	}
	d.metrics.DLQMovedTotal.WithLabelValues(stream).Add(float64(len(result.DLQMoves)))
	return result, nil
}

func decodeClaimResult(raw interface{}) (*ClaimResult, error) {
	top, ok := raw.([]interface{})
	if !ok || len(top) != 2 {
		return nil, fmt.Errorf("unexpected read_claim_or_dlq reply shape: %#v", raw)
	}

	entriesRaw, _ := top[0].([]interface{})
	dlqRaw, _ := top[1].([]interface{})

	result := &ClaimResult{}
	for _, e := range entriesRaw {
		pair, ok := e.([]interface{})
		if !ok || len(pair) != 2 {
			continue
		}
		id, _ := pair[0].(string)
		result.Entries = append(result.Entries, StreamEntry{ID: id, Fields: toFieldList(pair[1])})
	}

	for _, m := range dlqRaw {
		triple, ok := m.([]interface{})
		if !ok || len(triple) != 3 {
			continue
		}
		origID, _ := triple[0].(string)
		dlqID, _ := triple[2].(string)
		result.DLQMoves = append(result.DLQMoves, DLQMove{
			OriginalID: origID,
			Fields:     toFieldList(triple[1]),
			DLQID:      dlqID,
		})
	}

	return result, nil
}

func toFieldList(raw interface{}) FieldList {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	fields := make(FieldList, 0, len(items))
	for _, v := range items {
		if s, ok := v.(string); ok {
			fields = append(fields, s)
		}
	}
	return fields
}

// GetConfig reads the DLQ policy for a stream, falling back to the
// out-of-the-box defaults (and persisting them) if none has been saved yet.
func (d *DLQ) GetConfig(ctx context.Context, stream string) (DLQConfigRecord, error) {
	key := "dlq:config:" + stream
	vals, err := d.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return DLQConfigRecord{}, err
	}
	if len(vals) == 0 {
		cfg := DefaultDLQConfig()
		if err := d.SaveConfig(ctx, stream, cfg); err != nil {
			return DLQConfigRecord{}, err
		}
		return cfg, nil
	}

	maxDeliveries, _ := strconv.ParseInt(vals["maxDeliveries"], 10, 64)
	minIdleMs, _ := strconv.ParseInt(vals["minIdleMs"], 10, 64)
	return DLQConfigRecord{MaxDeliveries: maxDeliveries, MinIdleMs: minIdleMs}, nil
}

// SaveConfig persists the DLQ policy for a stream.
func (d *DLQ) SaveConfig(ctx context.Context, stream string, cfg DLQConfigRecord) error {
	key := "dlq:config:" + stream
	return d.redis.HSet(ctx, key,
		"maxDeliveries", cfg.MaxDeliveries,
		"minIdleMs", cfg.MinIdleMs,
	).Err()
}

// Produce appends a demo entry to a stream from an arbitrary JSON payload,
// preserving field order (POST /api/dlq/produce).
func (d *DLQ) Produce(ctx context.Context, stream string, payload json.RawMessage) (string, error) {
	fields, err := FlattenJSON(payload)
	if err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}

	id, err := d.redis.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: fields.Args()}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}

	d.broadcaster.Broadcast(Event{
		EventType:  EventMessageProduced,
		StreamName: stream,
		MessageID:  id,
		Payload:    fields.Map(),
		Timestamp:  time.Now().UnixMilli(),
	})

	return id, nil
}

// ProcessResult is the response shape for POST /api/dlq/process.
type ProcessResult struct {
	MessageID     string
	DeliveryCount int64
	WasRetry      bool
	MovedToDLQ    bool
}

const (
	demoGroup    = "dlq-demo-group"
	demoConsumer = "dlq-demo-consumer"
)

// ProcessOne claims a single pending-or-new entry from the demo stream and
// either acks it (shouldSucceed) or leaves it pending for a future retry/DLQ
// pass.
func (d *DLQ) ProcessOne(ctx context.Context, stream string, shouldSucceed bool) (*ProcessResult, error) {
	if err := d.ensureGroup(ctx, stream, demoGroup); err != nil {
		return nil, err
	}

	cfg, err := d.GetConfig(ctx, stream)
	if err != nil {
		return nil, err
	}

	claim, err := d.ReadClaimOrDLQ(ctx, stream, demoGroup, demoConsumer, cfg.MinIdleMs, 1, cfg.MaxDeliveries)
	if err != nil {
		return nil, err
	}

	for _, move := range claim.DLQMoves {
		d.logger.Info("moved entry to dlq", "stream", stream, "originalId", move.OriginalID, "dlqId", move.DLQID)
		d.broadcaster.Broadcast(Event{
			EventType:  EventMessageDeleted,
			StreamName: stream,
			MessageID:  move.OriginalID,
			Timestamp:  time.Now().UnixMilli(),
		})
		d.broadcaster.Broadcast(Event{
			EventType:  EventMessageProduced,
			StreamName: dlqStreamKey(stream),
			MessageID:  move.DLQID,
			Payload:    move.Fields.Map(),
			Timestamp:  time.Now().UnixMilli(),
		})
	}

	if len(claim.Entries) == 0 {
		return &ProcessResult{}, nil
	}

	entry := claim.Entries[0]

	pending, err := d.redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream, Group: demoGroup, Start: entry.ID, End: entry.ID, Count: 1,
	}).Result()
	var deliveryCount int64
	wasRetry := false
	if err == nil && len(pending) == 1 {
		deliveryCount = pending[0].RetryCount
		wasRetry = deliveryCount > 1
	}

	if shouldSucceed {
		if err := d.redis.XAck(ctx, stream, demoGroup, entry.ID).Err(); err != nil {
			return nil, fmt.Errorf("ack: %w", err)
		}
		d.broadcaster.Broadcast(Event{
			EventType:     EventMessageProcessed,
			StreamName:    stream,
			MessageID:     entry.ID,
			DeliveryCount: deliveryCount,
			Timestamp:     time.Now().UnixMilli(),
		})
	} else {
		d.broadcaster.Broadcast(Event{
			EventType:     EventMessageReclaimed,
			StreamName:    stream,
			MessageID:     entry.ID,
			DeliveryCount: deliveryCount,
			Details:       "left pending; will retry or move to DLQ",
			Timestamp:     time.Now().UnixMilli(),
		})
	}

	return &ProcessResult{MessageID: entry.ID, DeliveryCount: deliveryCount, WasRetry: wasRetry}, nil
}

func (d *DLQ) ensureGroup(ctx context.Context, stream, group string) error {
	err := d.redis.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

// ReadLast returns up to count of the most recent entries on a stream,
// newest first (GET /api/dlq/stream/{name}).
func (d *DLQ) ReadLast(ctx context.Context, stream string, count int64) ([]StreamEntry, error) {
	raw, err := d.redis.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]StreamEntry, 0, len(raw))
	for _, msg := range raw {
		var fields FieldList
		for k, v := range msg.Values {
			if s, ok := v.(string); ok {
				fields = append(fields, k, s)
			}
		}
		entries = append(entries, StreamEntry{ID: msg.ID, Fields: fields})
	}
	return entries, nil
}

// DeleteStream removes a stream entirely (DELETE /api/dlq/stream/{name}).
func (d *DLQ) DeleteStream(ctx context.Context, stream string) error {
	return d.redis.Del(ctx, stream).Err()
}
