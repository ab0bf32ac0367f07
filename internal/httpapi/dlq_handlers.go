package httpapi

import (
	"encoding/json"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/engine"
)

type dlqHandlers struct {
	deps *Dependencies
}

type dlqProduceRequest struct {
	StreamName string          `json:"streamName" binding:"required"`
	Payload    json.RawMessage `json:"payload" binding:"required"`
}

func (h *dlqHandlers) produce(c *gin.Context) {
	var req dlqProduceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	id, err := h.deps.DLQ.Produce(c.Request.Context(), req.StreamName, req.Payload)
	if err != nil {
		badRequest(c, err)
		return
	}

	ok(c, envelope{"messageId": id, "streamName": req.StreamName})
}

type dlqProcessRequest struct {
	ShouldSucceed bool   `json:"shouldSucceed"`
	StreamName    string `json:"streamName"`
}

func (h *dlqHandlers) process(c *gin.Context) {
	var req dlqProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	stream := req.StreamName
	if stream == "" {
		stream = defaultDLQStream
	}

	result, err := h.deps.DLQ.ProcessOne(c.Request.Context(), stream, req.ShouldSucceed)
	if err != nil {
		serverError(c, err)
		return
	}

	if result.MessageID == "" {
		ok(c, envelope{"messageId": nil, "message": "no pending entries to process"})
		return
	}

	ok(c, envelope{
		"messageId":     result.MessageID,
		"deliveryCount": result.DeliveryCount,
		"wasRetry":      result.WasRetry,
	})
}

const defaultDLQStream = "test-stream"

func (h *dlqHandlers) readStream(c *gin.Context) {
	name := c.Param("name")
	count := int64(20)
	if raw := c.Query("count"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			count = n
		}
	}

	entries, err := h.deps.DLQ.ReadLast(c.Request.Context(), name, count)
	if err != nil {
		serverError(c, err)
		return
	}

	out := make([]envelope, 0, len(entries))
	for _, e := range entries {
		out = append(out, envelope{"id": e.ID, "fields": e.Fields.Map()})
	}
	ok(c, envelope{"streamName": name, "entries": out})
}

func (h *dlqHandlers) deleteStream(c *gin.Context) {
	name := c.Param("name")
	if err := h.deps.DLQ.DeleteStream(c.Request.Context(), name); err != nil {
		serverError(c, err)
		return
	}
	ok(c, envelope{"streamName": name})
}

func (h *dlqHandlers) getConfig(c *gin.Context) {
	stream := c.Query("streamName")
	if stream == "" {
		stream = defaultDLQStream
	}

	cfg, err := h.deps.DLQ.GetConfig(c.Request.Context(), stream)
	if err != nil {
		serverError(c, err)
		return
	}
	ok(c, envelope{"streamName": stream, "config": cfg})
}

type dlqSaveConfigRequest struct {
	StreamName    string                  `json:"streamName"`
	MaxDeliveries int64                   `json:"maxDeliveries"`
	MinIdleMs     int64                   `json:"minIdleMs"`
}

func (h *dlqHandlers) saveConfig(c *gin.Context) {
	var req dlqSaveConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	stream := req.StreamName
	if stream == "" {
		stream = defaultDLQStream
	}

	cfg := engine.DLQConfigRecord{MaxDeliveries: req.MaxDeliveries, MinIdleMs: req.MinIdleMs}
	if cfg.MaxDeliveries == 0 && cfg.MinIdleMs == 0 {
		cfg = engine.DefaultDLQConfig()
	}

	if err := h.deps.DLQ.SaveConfig(c.Request.Context(), stream, cfg); err != nil {
		serverError(c, err)
		return
	}
	ok(c, envelope{"streamName": stream, "config": cfg})
}
