package httpapi

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
)

type scheduledHandlers struct {
	deps *Dependencies
}

func (h *scheduledHandlers) list(c *gin.Context) {
	messages, err := h.deps.Scheduler.List(c.Request.Context())
	if err != nil {
		serverError(c, err)
		return
	}
	ok(c, envelope{"messages": messages})
}

type scheduledCreateRequest struct {
	ScheduledForMs int64           `json:"scheduledForMs" binding:"required"`
	Payload        json.RawMessage `json:"payload"`
}

func (h *scheduledHandlers) create(c *gin.Context) {
	var req scheduledCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	id, err := h.deps.Scheduler.Schedule(c.Request.Context(), time.UnixMilli(req.ScheduledForMs), req.Payload)
	if err != nil {
		badRequest(c, err)
		return
	}
	ok(c, envelope{"id": id})
}

type scheduledUpdateRequest struct {
	ScheduledForMs int64           `json:"scheduledForMs" binding:"required"`
	Payload        json.RawMessage `json:"payload"`
}

func (h *scheduledHandlers) update(c *gin.Context) {
	var req scheduledUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.deps.Scheduler.Update(c.Request.Context(), c.Param("id"), time.UnixMilli(req.ScheduledForMs), req.Payload); err != nil {
		badRequest(c, err)
		return
	}
	ok(c, nil)
}

func (h *scheduledHandlers) delete(c *gin.Context) {
	if err := h.deps.Scheduler.Delete(c.Request.Context(), c.Param("id")); err != nil {
		serverError(c, err)
		return
	}
	ok(c, nil)
}

func (h *scheduledHandlers) clear(c *gin.Context) {
	messages, err := h.deps.Scheduler.List(c.Request.Context())
	if err != nil {
		serverError(c, err)
		return
	}
	for _, m := range messages {
		if err := h.deps.Scheduler.Delete(c.Request.Context(), m.ID); err != nil {
			serverError(c, err)
			return
		}
	}
	ok(c, nil)
}
