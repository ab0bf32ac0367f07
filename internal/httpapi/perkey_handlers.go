package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/engine"
)

type perKeyHandlers struct {
	deps *Dependencies
}

type perKeySubmitItem struct {
	OrderID string `json:"orderId" binding:"required"`
	Action  string `json:"action" binding:"required"`
}

func (h *perKeyHandlers) submit(c *gin.Context) {
	var items []perKeySubmitItem
	if err := c.ShouldBindJSON(&items); err != nil {
		badRequest(c, err)
		return
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		id, err := h.deps.Redis.XAdd(c.Request.Context(), &redis.XAddArgs{
			Stream: h.deps.PerKeyStream,
			Values: engine.FieldList{}.Append("key", item.OrderID).Append("action", item.Action).Args(),
		}).Result()
		if err != nil {
			serverError(c, err)
			return
		}
		ids = append(ids, id)
	}

	ok(c, envelope{"messageIds": ids})
}
