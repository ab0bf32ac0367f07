package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/engine"
	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/logging"
)

func jsonBody(s string) io.Reader {
	return bytes.NewBufferString(s)
}

func decodeJSON(t *testing.T, raw []byte) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decoding response body %s: %v", raw, err)
	}
	return body
}

func newTestDeps(t *testing.T) (*engine.Engine, *Dependencies) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	eng, err := engine.New(ctx, engine.Options{RedisAddr: addr, ScriptLibrary: "test-httpapi-lib"})
	if err != nil {
		t.Skipf("Skipping test, redis unavailble: %v", err)
	}

	dlq := engine.NewDLQ(eng.Redis, eng.Scripts, eng.Broadcaster, eng.Logger, eng.Metrics)
	rules := engine.NewRuleStore(eng.Redis)
	exchange := "test-httpapi-exchange"
	topicStream := "test:httpapi:topic"
	topic := engine.NewTopicExchange(eng.Scripts, rules, eng.Broadcaster, eng.Logger, topicStream, exchange)

	t.Cleanup(func() {
		eng.Redis.Del(context.Background(),
			"routing:rules:"+exchange, "routing:config:"+exchange, "routing:ruleseq:"+exchange, topicStream,
		)
	})

	deps := &Dependencies{
		Redis:               eng.Redis,
		Logger:              logging.New("test", logging.DefaultConfig()),
		DLQ:                 dlq,
		WorkQueueStream:     "test:httpapi:workqueue",
		WorkQueueDoneSuffix: ".done",
		FanoutStream:        "test:httpapi:fanout",
		FanoutGroupPrefix:   "test-httpapi-fanout-group",
		Topic:               topic,
		Broadcaster:         eng.Broadcaster,
	}
	return eng, deps
}

func TestDLQProduceAndReadStreamEndpoints(t *testing.T) {
	eng, deps := newTestDeps(t)
	router := NewRouter(deps)
	stream := "test:httpapi:dlq:produce"
	t.Cleanup(func() { eng.Redis.Del(context.Background(), stream) })

	req := httptest.NewRequest("POST", "/api/dlq/produce",
		jsonBody(`{"streamName":"`+stream+`","payload":{"orderId":"o-1"}}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("POST /api/dlq/produce = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeJSON(t, rec.Body.Bytes())
	if body["success"] != true {
		t.Fatalf("response = %v, want success:true", body)
	}

	readReq := httptest.NewRequest("GET", "/api/dlq/stream/"+stream, nil)
	readRec := httptest.NewRecorder()
	router.ServeHTTP(readRec, readReq)
	if readRec.Code != 200 {
		t.Fatalf("GET /api/dlq/stream/%s = %d, body %s", stream, readRec.Code, readRec.Body.String())
	}
	readBody := decodeJSON(t, readRec.Body.Bytes())
	entries, ok := readBody["entries"].([]interface{})
	if !ok || len(entries) != 1 {
		t.Fatalf("entries = %v, want exactly one", readBody["entries"])
	}
}

func TestDLQSaveAndGetConfigEndpoints(t *testing.T) {
	_, deps := newTestDeps(t)
	router := NewRouter(deps)
	stream := "test:httpapi:dlq:config"
	t.Cleanup(func() { deps.Redis.Del(context.Background(), "dlq:config:"+stream) })

	saveReq := httptest.NewRequest("POST", "/api/dlq/config",
		jsonBody(`{"streamName":"`+stream+`","maxDeliveries":9,"minIdleMs":1500}`))
	saveReq.Header.Set("Content-Type", "application/json")
	saveRec := httptest.NewRecorder()
	router.ServeHTTP(saveRec, saveReq)
	if saveRec.Code != 200 {
		t.Fatalf("POST /api/dlq/config = %d, body %s", saveRec.Code, saveRec.Body.String())
	}

	getReq := httptest.NewRequest("GET", "/api/dlq/config?streamName="+stream, nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	if getRec.Code != 200 {
		t.Fatalf("GET /api/dlq/config = %d, body %s", getRec.Code, getRec.Body.String())
	}
	body := decodeJSON(t, getRec.Body.Bytes())
	cfg, ok := body["config"].(map[string]interface{})
	if !ok {
		t.Fatalf("config field missing or wrong shape: %v", body)
	}
	if cfg["maxDeliveries"] != float64(9) || cfg["minIdleMs"] != float64(1500) {
		t.Fatalf("config = %v, want maxDeliveries=9 minIdleMs=1500", cfg)
	}
}

func TestTopicRouteAndRulesEndpoints(t *testing.T) {
	eng, deps := newTestDeps(t)
	router := NewRouter(deps)
	ctx := context.Background()
	t.Cleanup(func() {
		eng.Redis.Del(ctx, "events.audit.cancelled")
	})

	resetReq := httptest.NewRequest("POST", "/api/topic/reset", nil)
	resetRec := httptest.NewRecorder()
	router.ServeHTTP(resetRec, resetReq)
	if resetRec.Code != 200 {
		t.Fatalf("POST /api/topic/reset = %d, body %s", resetRec.Code, resetRec.Body.String())
	}

	listReq := httptest.NewRequest("GET", "/api/topic/rules", nil)
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, listReq)
	if listRec.Code != 200 {
		t.Fatalf("GET /api/topic/rules = %d, body %s", listRec.Code, listRec.Body.String())
	}
	listBody := decodeJSON(t, listRec.Body.Bytes())
	rules, ok := listBody["rules"].([]interface{})
	if !ok || len(rules) == 0 {
		t.Fatalf("rules = %v, want the default rule set after reset", listBody["rules"])
	}

	routeReq := httptest.NewRequest("POST", "/api/topic/route",
		jsonBody(`{"routingKey":"order.cancelled.v1","data":{"orderId":"o-9"}}`))
	routeReq.Header.Set("Content-Type", "application/json")
	routeRec := httptest.NewRecorder()
	router.ServeHTTP(routeRec, routeReq)
	if routeRec.Code != 200 {
		t.Fatalf("POST /api/topic/route = %d, body %s", routeRec.Code, routeRec.Body.String())
	}
	routeBody := decodeJSON(t, routeRec.Body.Bytes())
	routedTo, ok := routeBody["routedTo"].([]interface{})
	if !ok || len(routedTo) != 1 {
		t.Fatalf("routedTo = %v, want exactly one destination (audit, StopOnMatch)", routeBody["routedTo"])
	}
}
