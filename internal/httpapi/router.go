package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/engine"
	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/logging"
)

// Dependencies bundles everything the HTTP layer needs, explicitly
// constructed in main.go — no package-level globals, no DI container.
type Dependencies struct {
	Redis redis.UniversalClient
	Logger *logging.Logger

	DLQ          *engine.DLQ
	WorkQueueStream string
	WorkQueueDoneSuffix string
	FanoutStream string
	FanoutGroupPrefix string
	Topic        *engine.TopicExchange
	ReqReply     *engine.RequestReply
	PerKeyStream string
	TokenBucket  *engine.TokenBucket
	Scheduler    *engine.Scheduler
	Broadcaster  *engine.Broadcaster
}

// NewRouter builds the gin engine with every route from the external
// interface surface registered.
func NewRouter(deps *Dependencies) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(deps.Logger))

	dlq := &dlqHandlers{deps: deps}
	wq := &workQueueHandlers{deps: deps}
	fo := &fanoutHandlers{deps: deps}
	topic := &topicHandlers{deps: deps}
	rr := &reqReplyHandlers{deps: deps}
	pk := &perKeyHandlers{deps: deps}
	tb := &tokenBucketHandlers{deps: deps}
	sched := &scheduledHandlers{deps: deps}
	ws := &wsHandler{deps: deps}

	api := r.Group("/api")
	{
		dlqGroup := api.Group("/dlq")
		dlqGroup.POST("/produce", dlq.produce)
		dlqGroup.POST("/process", dlq.process)
		dlqGroup.GET("/stream/:name", dlq.readStream)
		dlqGroup.DELETE("/stream/:name", dlq.deleteStream)
		dlqGroup.GET("/config", dlq.getConfig)
		dlqGroup.POST("/config", dlq.saveConfig)

		wqGroup := api.Group("/work-queue")
		wqGroup.POST("/produce", wq.produce)
		wqGroup.GET("/streams", wq.streams)

		foGroup := api.Group("/fanout")
		foGroup.POST("/produce", fo.produce)
		foGroup.GET("/streams", fo.streams)

		topicGroup := api.Group("/topic")
		topicGroup.POST("/route", topic.route)
		topicGroup.GET("/rules", topic.listRules)
		topicGroup.GET("/rules/:id", topic.getRule)
		topicGroup.POST("/rules/:id", topic.saveRule)
		topicGroup.DELETE("/rules/:id", topic.deleteRule)
		topicGroup.GET("/metadata", topic.getMetadata)
		topicGroup.POST("/metadata", topic.saveMetadata)
		topicGroup.POST("/reset", topic.reset)

		rrGroup := api.Group("/request-reply")
		rrGroup.POST("/send", rr.send)

		pkGroup := api.Group("/per-key-serialized")
		pkGroup.POST("/submit", pk.submit)

		tbGroup := api.Group("/token-bucket")
		tbGroup.GET("/config", tb.getConfig)
		tbGroup.POST("/config", tb.saveConfig)
		tbGroup.PUT("/config", tb.saveConfig)
		tbGroup.POST("/submit", tb.submit)
		tbGroup.GET("/progress", tb.progress)
		tbGroup.GET("/logs", tb.logs)
		tbGroup.DELETE("/clear", tb.clear)

		schedGroup := api.Group("/scheduled")
		schedGroup.GET("/messages", sched.list)
		schedGroup.POST("/messages", sched.create)
		schedGroup.PUT("/messages/:id", sched.update)
		schedGroup.DELETE("/messages/:id", sched.delete)
		schedGroup.DELETE("/clear", sched.clear)

		api.GET("/ws/dlq-events", ws.handle)
	}

	return r
}

func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debug("request", "method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status())
	}
}
