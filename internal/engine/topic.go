package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/logging"
)

// RouteResult is the decoded return value of route_message.
type RouteResult struct {
	ExchangeID   string
	Destinations []RoutedDestination
}

// RoutedDestination is one stream a message was fanned out to.
type RoutedDestination struct {
	Stream string
	ID     string
}

// TopicExchange publishes onto an exchange
// stream and, in the same atomic script, evaluates the exchange's routing
// rules and fans out to every match.
type TopicExchange struct {
	scripts     *Scripts
	rules       *RuleStore
	broadcaster *Broadcaster
	logger      *logging.Logger
	stream      string
	exchange    string
}

// NewTopicExchange constructs a TopicExchange bound to one exchange stream.
func NewTopicExchange(scripts *Scripts, rules *RuleStore, broadcaster *Broadcaster, logger *logging.Logger, stream, exchange string) *TopicExchange {
	return &TopicExchange{scripts: scripts, rules: rules, broadcaster: broadcaster, logger: logger, stream: stream, exchange: exchange}
}

// Publish appends a message to the exchange under routingKey and routes it
// to every enabled rule whose pattern matches, in priority order, stopping
// early at the first rule marked StopOnMatch.
func (t *TopicExchange) Publish(ctx context.Context, routingKey string, payload json.RawMessage) (*RouteResult, error) {
	fields, err := FlattenJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	args := make([]interface{}, 0, 3+len(fields))
	args = append(args, routingKey, t.exchange, int64(len(fields)/2))
	for _, f := range fields {
		args = append(args, f)
	}

	raw, err := t.scripts.run(ctx, scriptRouteMessage, map[string]string{"exchangeStream": t.stream}, args...)
	if err != nil {
		return nil, fmt.Errorf("route_message: %w", err)
	}

	result, err := decodeRouteResult(raw)
	if err != nil {
		return nil, err
	}

	t.broadcaster.Broadcast(Event{
		EventType:  EventMessageProduced,
		StreamName: t.stream,
		MessageID:  result.ExchangeID,
		Payload:    fields.Map(),
		Details:    routingKey,
		Timestamp:  time.Now().UnixMilli(),
	})
	for _, dest := range result.Destinations {
		t.broadcaster.Broadcast(Event{
			EventType:  EventMessageProduced,
			StreamName: dest.Stream,
			MessageID:  dest.ID,
			Payload:    fields.Map(),
			Details:    "routed from " + t.stream,
			Timestamp:  time.Now().UnixMilli(),
		})
	}

	return result, nil
}

func decodeRouteResult(raw interface{}) (*RouteResult, error) {
	top, ok := raw.([]interface{})
	if !ok || len(top) != 2 {
		return nil, fmt.Errorf("unexpected route_message reply shape: %#v", raw)
	}

	exchangeID, _ := top[0].(string)
	destRaw, _ := top[1].([]interface{})

	result := &RouteResult{ExchangeID: exchangeID}
	for _, d := range destRaw {
		pair, ok := d.([]interface{})
		if !ok || len(pair) != 2 {
			continue
		}
		stream, _ := pair[0].(string)
		id, _ := pair[1].(string)
		result.Destinations = append(result.Destinations, RoutedDestination{Stream: stream, ID: id})
	}
	return result, nil
}

// Rules exposes the bound exchange's rule store for CRUD handlers.
func (t *TopicExchange) Rules() *RuleStore { return t.rules }

// ExchangeName returns the exchange identifier routing rules are keyed under.
func (t *TopicExchange) ExchangeName() string { return t.exchange }
