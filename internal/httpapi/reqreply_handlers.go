package httpapi

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
)

type reqReplyHandlers struct {
	deps *Dependencies
}

type reqReplySendRequest struct {
	OrderID      string          `json:"orderId" binding:"required"`
	ResponseType string          `json:"responseType" binding:"required,oneof=OK KO ERROR TIMEOUT"`
	TimeoutSec   int64           `json:"timeoutSec"`
	Items        json.RawMessage `json:"items"`
}

// send appends a request whose payload echoes the whole body (so the
// responder can read responseType back off the stream entry) and arms the
// timeout key.
func (h *reqReplyHandlers) send(c *gin.Context) {
	var raw json.RawMessage
	if err := c.ShouldBindJSON(&raw); err != nil {
		badRequest(c, err)
		return
	}
	var req reqReplySendRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		badRequest(c, err)
		return
	}
	if err := binding.Validator.ValidateStruct(&req); err != nil {
		badRequest(c, err)
		return
	}

	timeout := 10 * time.Second
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec) * time.Second
	}

	correlationID, err := h.deps.ReqReply.Request(c.Request.Context(), req.OrderID, timeout, raw)
	if err != nil {
		badRequest(c, err)
		return
	}

	ok(c, envelope{"correlationId": correlationID})
}
