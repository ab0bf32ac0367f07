package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/engine"
)

type workQueueHandlers struct {
	deps *Dependencies
}

type workQueueProduceRequest struct {
	JobID          string            `json:"jobId" binding:"required"`
	ProcessingType string            `json:"processingType" binding:"required"`
	Fields         map[string]string `json:"fields"`
}

// produce appends a demo job, carrying processingType through unchanged so
// workqueue.go's step function can branch on it directly.
func (h *workQueueHandlers) produce(c *gin.Context) {
	var req workQueueProduceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	fields := engine.FieldList{}.Append("jobId", req.JobID).Append("processingType", req.ProcessingType)
	for k, v := range req.Fields {
		fields = fields.Append(k, v)
	}

	id, err := h.deps.Redis.XAdd(c.Request.Context(), &redis.XAddArgs{
		Stream: h.deps.WorkQueueStream,
		Values: fields.Args(),
	}).Result()
	if err != nil {
		serverError(c, err)
		return
	}
	ok(c, envelope{"messageId": id, "streamName": h.deps.WorkQueueStream})
}

func (h *workQueueHandlers) streams(c *gin.Context) {
	ok(c, envelope{
		"main": h.deps.WorkQueueStream,
		"dlq":  h.deps.WorkQueueStream + ":dlq",
	})
}
