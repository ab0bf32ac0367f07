package httpapi

import (
	"bytes"
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/engine"
)

type topicHandlers struct {
	deps *Dependencies
}

type topicRouteRequest struct {
	RoutingKey string          `json:"routingKey" binding:"required"`
	EventID    string          `json:"eventId"`
	Data       json.RawMessage `json:"data"`
}

func (h *topicHandlers) route(c *gin.Context) {
	var req topicRouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	payload := req.Data
	if req.EventID != "" {
		merged, err := mergeEventID(req.EventID, req.Data)
		if err != nil {
			badRequest(c, err)
			return
		}
		payload = merged
	}

	result, err := h.deps.Topic.Publish(c.Request.Context(), req.RoutingKey, payload)
	if err != nil {
		serverError(c, err)
		return
	}

	routedTo := make([]envelope, 0, len(result.Destinations))
	for _, d := range result.Destinations {
		routedTo = append(routedTo, envelope{"stream": d.Stream, "messageId": d.ID})
	}

	ok(c, envelope{"exchangeId": result.ExchangeID, "routedTo": routedTo})
}

// mergeEventID folds a top-level eventId into the JSON object, preserving
// the original field order and putting eventId first.
func mergeEventID(eventID string, data json.RawMessage) (json.RawMessage, error) {
	fields, err := engine.FlattenJSON(data)
	if err != nil {
		return nil, err
	}
	merged := engine.FieldList{}.Append("eventId", eventID).AppendAll(fields)
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i := 0; i+1 < len(merged); i += 2 {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(merged[i])
		v, _ := json.Marshal(merged[i+1])
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (h *topicHandlers) listRules(c *gin.Context) {
	rules, err := h.deps.Topic.Rules().List(c.Request.Context(), h.deps.Topic.ExchangeName())
	if err != nil {
		serverError(c, err)
		return
	}
	ok(c, envelope{"rules": rules})
}

func (h *topicHandlers) getRule(c *gin.Context) {
	rule, err := h.deps.Topic.Rules().Get(c.Request.Context(), h.deps.Topic.ExchangeName(), c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	ok(c, envelope{"rule": rule})
}

func (h *topicHandlers) saveRule(c *gin.Context) {
	var rule engine.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		badRequest(c, err)
		return
	}
	if id := c.Param("id"); id != "" && id != "new" {
		rule.ID = id
	}

	saved, err := h.deps.Topic.Rules().Save(c.Request.Context(), h.deps.Topic.ExchangeName(), rule)
	if err != nil {
		badRequest(c, err)
		return
	}
	ok(c, envelope{"rule": saved})
}

func (h *topicHandlers) deleteRule(c *gin.Context) {
	if err := h.deps.Topic.Rules().Delete(c.Request.Context(), h.deps.Topic.ExchangeName(), c.Param("id")); err != nil {
		serverError(c, err)
		return
	}
	ok(c, nil)
}

func (h *topicHandlers) getMetadata(c *gin.Context) {
	cfg, err := h.deps.Topic.Rules().GetConfig(c.Request.Context(), h.deps.Topic.ExchangeName())
	if err != nil {
		serverError(c, err)
		return
	}
	ok(c, envelope{"metadata": cfg})
}

func (h *topicHandlers) saveMetadata(c *gin.Context) {
	var cfg engine.ExchangeConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.deps.Topic.Rules().SaveConfig(c.Request.Context(), h.deps.Topic.ExchangeName(), cfg); err != nil {
		serverError(c, err)
		return
	}
	ok(c, envelope{"metadata": cfg})
}

func (h *topicHandlers) reset(c *gin.Context) {
	if err := h.deps.Topic.Rules().ResetToDefaults(c.Request.Context(), h.deps.Topic.ExchangeName()); err != nil {
		serverError(c, err)
		return
	}
	ok(c, nil)
}
