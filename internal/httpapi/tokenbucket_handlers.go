package httpapi

import (
	"github.com/gin-gonic/gin"
)

type tokenBucketHandlers struct {
	deps *Dependencies
}

func (h *tokenBucketHandlers) getConfig(c *gin.Context) {
	cfg, err := h.deps.TokenBucket.GetConfig(c.Request.Context())
	if err != nil {
		serverError(c, err)
		return
	}
	ok(c, envelope{"config": cfg})
}

type tokenBucketSaveConfigRequest struct {
	Max map[string]int64 `json:"max" binding:"required"`
}

func (h *tokenBucketHandlers) saveConfig(c *gin.Context) {
	var req tokenBucketSaveConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.deps.TokenBucket.SaveConfig(c.Request.Context(), req.Max); err != nil {
		serverError(c, err)
		return
	}
	ok(c, envelope{"config": req.Max})
}

type tokenBucketSubmitRequest struct {
	Type string `json:"type" binding:"required"`
}

func (h *tokenBucketHandlers) submit(c *gin.Context) {
	var req tokenBucketSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id, err := h.deps.TokenBucket.Submit(c.Request.Context(), req.Type)
	if err != nil {
		serverError(c, err)
		return
	}
	ok(c, envelope{"messageId": id})
}

func (h *tokenBucketHandlers) progress(c *gin.Context) {
	entries, err := h.deps.TokenBucket.Progress(c.Request.Context(), 100)
	if err != nil {
		serverError(c, err)
		return
	}
	out := make([]envelope, 0, len(entries))
	for _, e := range entries {
		out = append(out, envelope{"id": e.ID, "fields": e.Fields.Map()})
	}
	ok(c, envelope{"progress": out})
}

func (h *tokenBucketHandlers) logs(c *gin.Context) {
	submitted, completed, err := h.deps.TokenBucket.Logs(c.Request.Context())
	if err != nil {
		serverError(c, err)
		return
	}
	ok(c, envelope{"submitted": submitted, "completed": completed})
}

func (h *tokenBucketHandlers) clear(c *gin.Context) {
	if err := h.deps.TokenBucket.Clear(c.Request.Context()); err != nil {
		serverError(c, err)
		return
	}
	ok(c, nil)
}
