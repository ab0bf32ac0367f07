package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/engine"
)

type fanoutHandlers struct {
	deps *Dependencies
}

type fanoutProduceRequest struct {
	EventID        string            `json:"eventId" binding:"required"`
	ProcessingType string            `json:"processingType" binding:"required"`
	Fields         map[string]string `json:"fields"`
}

func (h *fanoutHandlers) produce(c *gin.Context) {
	var req fanoutProduceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	fields := engine.FieldList{}.Append("eventId", req.EventID).Append("processingType", req.ProcessingType)
	for k, v := range req.Fields {
		fields = fields.Append(k, v)
	}

	id, err := h.deps.Redis.XAdd(c.Request.Context(), &redis.XAddArgs{
		Stream: h.deps.FanoutStream,
		Values: fields.Args(),
	}).Result()
	if err != nil {
		serverError(c, err)
		return
	}
	ok(c, envelope{"messageId": id, "streamName": h.deps.FanoutStream})
}

func (h *fanoutHandlers) streams(c *gin.Context) {
	ok(c, envelope{
		"main":        h.deps.FanoutStream,
		"groupPrefix": h.deps.FanoutGroupPrefix,
	})
}
