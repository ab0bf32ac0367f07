package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/logging"
)

// ResponseType controls how a RequestReply's demo responder handles a given
// request: OK/KO/Error are produced by the responder itself, Timeout is
// produced only by ExpiryWatcher when no response arrives in time.
type ResponseType string

const (
	ResponseOK      ResponseType = "OK"
	ResponseKO      ResponseType = "KO"
	ResponseError   ResponseType = "ERROR"
	ResponseTimeout ResponseType = "TIMEOUT"
)

// RequestReply is request/reply with a timeout: a request appends to reqStream and arms a
// timeout key; a responder either replies (deleting the timeout key first,
// atomically with the reply) or, for ResponseTimeout, does nothing and lets
// the key's expiry notify ExpiryWatcher.
type RequestReply struct {
	redis       redis.UniversalClient
	scripts     *Scripts
	dlq         *DLQ
	broadcaster *Broadcaster
	logger      *logging.Logger

	reqStream  string
	respStream string
	group      string
}

// NewRequestReply constructs a RequestReply bound to one request/response
// stream pair.
func NewRequestReply(client redis.UniversalClient, scripts *Scripts, dlq *DLQ, broadcaster *Broadcaster, logger *logging.Logger, reqStream, respStream, group string) *RequestReply {
	return &RequestReply{
		redis: client, scripts: scripts, dlq: dlq, broadcaster: broadcaster, logger: logger,
		reqStream: reqStream, respStream: respStream, group: group,
	}
}

func (r *RequestReply) timeoutKey(correlationID string) string { return "request:timeout:" + correlationID }
func (r *RequestReply) shadowKey(correlationID string) string  { return "request:shadow:" + correlationID }

// Request appends a request and arms its timeout, returning the
// correlation id callers poll/wait on.
func (r *RequestReply) Request(ctx context.Context, businessID string, timeout time.Duration, payload json.RawMessage) (string, error) {
	fields, err := FlattenJSON(payload)
	if err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}

	correlationID := uuid.NewString()
	args := make([]interface{}, 0, 4+len(fields))
	args = append(args, businessID, r.respStream, int64(timeout.Seconds()), correlationID, int64(len(fields)/2))
	for _, f := range fields {
		args = append(args, f)
	}

	_, err = r.scripts.run(ctx, scriptRequest, map[string]string{
		"timeoutKey": r.timeoutKey(correlationID),
		"shadowKey":  r.shadowKey(correlationID),
		"reqStream":  r.reqStream,
	}, args...)
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}

	r.dlq.metrics.RequestsInFlight.Inc()

	r.broadcaster.Broadcast(Event{
		EventType:  EventMessageProduced,
		StreamName: r.reqStream,
		MessageID:  correlationID,
		Payload:    fields.Map(),
		Timestamp:  time.Now().UnixMilli(),
	})
	return correlationID, nil
}

// Respond appends a response and disarms the timeout key, atomically.
// Called by the demo responder for OK/KO/ERROR outcomes.
func (r *RequestReply) Respond(ctx context.Context, correlationID, businessID string, responseType ResponseType, details string) error {
	fields := FieldList{}.Append("responseType", string(responseType))
	if details != "" {
		fields = fields.Append("details", details)
	}

	args := make([]interface{}, 0, 3+len(fields))
	args = append(args, correlationID, businessID, int64(len(fields)/2))
	for _, f := range fields {
		args = append(args, f)
	}

	_, err := r.scripts.run(ctx, scriptResponse, map[string]string{
		"timeoutKey": r.timeoutKey(correlationID),
		"respStream": r.respStream,
	}, args...)
	if err != nil {
		return fmt.Errorf("response: %w", err)
	}

	r.dlq.metrics.RequestsInFlight.Dec()

	r.broadcaster.Broadcast(Event{
		EventType:  EventMessageProduced,
		StreamName: r.respStream,
		MessageID:  correlationID,
		Payload:    fields.Map(),
		Timestamp:  time.Now().UnixMilli(),
	})
	return nil
}

// RunResponder reads requests from reqStream via the demo responder's
// consumer group and reacts according to each request's requested
// responseType field, simulating the service on the other side of the
// request/reply channel.
func (r *RequestReply) RunResponder(ctx context.Context, consumer string) {
	step := func(ctx context.Context, entry StreamEntry) error {
		correlationID, _ := entry.Fields.Get("correlationId")
		businessID, _ := entry.Fields.Get("businessId")
		requested, _ := entry.Fields.Get("responseType")

		switch ResponseType(requested) {
		case ResponseTimeout:
			// Deliberately do nothing: the timeout key expires on its own
			// and ExpiryWatcher turns that into a TIMEOUT response.
			return nil
		case ResponseKO:
			return r.Respond(ctx, correlationID, businessID, ResponseKO, "business rule rejected the request")
		case ResponseError:
			return r.Respond(ctx, correlationID, businessID, ResponseError, "simulated processing error")
		default:
			return r.Respond(ctx, correlationID, businessID, ResponseOK, "")
		}
	}

	worker, err := NewWorker(r.dlq, WorkerConfig{
		Stream:        r.reqStream,
		Group:         r.group,
		Consumer:      consumer,
		MinIdleMs:     5000,
		MaxDeliveries: 3,
		PollDelay:     200 * time.Millisecond,
		ErrorBackoff:  time.Second,
		BatchSize:     10,
	}, step, r.logger.With("consumer", consumer))
	if err != nil {
		r.logger.Error("responder worker misconfigured", "error", err)
		return
	}
	worker.Run(ctx)
}

// ExpiryWatcher subscribes to Redis keyspace-notification expiry events and
// turns a request:timeout:<id> expiry into a TIMEOUT response. It races
// against Respond: whichever of {Respond, expiry} reaches the key's
// deletion first determines the outcome, since Respond deletes the timeout
// key as part of its atomic script, which prevents the expiry notification
// from firing at all.
func (r *RequestReply) ExpiryWatcher(ctx context.Context) error {
	pubsub := r.redis.PSubscribe(ctx, "__keyevent@0__:expired")
	defer pubsub.Close()

	ch := pubsub.Channel()
	prefix := "request:timeout:"

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if len(msg.Payload) <= len(prefix) || msg.Payload[:len(prefix)] != prefix {
				continue
			}
			correlationID := msg.Payload[len(prefix):]
			r.handleExpiry(ctx, correlationID)
		}
	}
}

// handleExpiry resolves a fired timeout key by running the same atomic
// response script Respond uses, with responseType fixed to TIMEOUT. The
// script's DEL of timeoutKey is a no-op here since the key already expired;
// the XAdd is what matters, and it keeps TIMEOUT on the exact same code path
// as OK/KO/ERROR so a concurrent Respond can never race it into double-firing.
func (r *RequestReply) handleExpiry(ctx context.Context, correlationID string) {
	shadow, err := r.redis.HGetAll(ctx, r.shadowKey(correlationID)).Result()
	if err != nil || len(shadow) == 0 {
		return
	}
	businessID := shadow["businessId"]
	respStream := shadow["streamResponseName"]
	if respStream == "" {
		respStream = r.respStream
	}

	fields := FieldList{}.Append("responseType", string(ResponseTimeout))
	args := make([]interface{}, 0, 3+len(fields))
	args = append(args, correlationID, businessID, int64(len(fields)/2))
	for _, f := range fields {
		args = append(args, f)
	}

	_, err = r.scripts.run(ctx, scriptResponse, map[string]string{
		"timeoutKey": r.timeoutKey(correlationID),
		"respStream": respStream,
	}, args...)
	if err != nil {
		r.logger.Warn("failed to append timeout response", "correlationId", correlationID, "error", err)
		return
	}
	r.redis.Del(ctx, r.shadowKey(correlationID))
	r.dlq.metrics.RequestsInFlight.Dec()

	r.broadcaster.Broadcast(Event{
		EventType:  EventMessageProduced,
		StreamName: respStream,
		MessageID:  correlationID,
		Details:    "request timed out",
		Timestamp:  time.Now().UnixMilli(),
	})
}
