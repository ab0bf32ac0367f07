package httpapi

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/engine"
)

func TestWorkQueueProduceAndStreamsEndpoints(t *testing.T) {
	eng, deps := newTestDeps(t)
	deps.WorkQueueStream = "test:httpapi:workqueue:produce"
	router := NewRouter(deps)
	t.Cleanup(func() { eng.Redis.Del(context.Background(), deps.WorkQueueStream) })

	produceReq := httptest.NewRequest("POST", "/api/work-queue/produce",
		jsonBody(`{"jobId":"job-1","processingType":"OK"}`))
	produceReq.Header.Set("Content-Type", "application/json")
	produceRec := httptest.NewRecorder()
	router.ServeHTTP(produceRec, produceReq)
	if produceRec.Code != 200 {
		t.Fatalf("POST /api/work-queue/produce = %d, body %s", produceRec.Code, produceRec.Body.String())
	}
	body := decodeJSON(t, produceRec.Body.Bytes())
	if body["messageId"] == "" || body["messageId"] == nil {
		t.Fatalf("response = %v, want a non-empty messageId", body)
	}

	streamsReq := httptest.NewRequest("GET", "/api/work-queue/streams", nil)
	streamsRec := httptest.NewRecorder()
	router.ServeHTTP(streamsRec, streamsReq)
	if streamsRec.Code != 200 {
		t.Fatalf("GET /api/work-queue/streams = %d, body %s", streamsRec.Code, streamsRec.Body.String())
	}
	streamsBody := decodeJSON(t, streamsRec.Body.Bytes())
	if streamsBody["main"] != deps.WorkQueueStream || streamsBody["dlq"] != deps.WorkQueueStream+":dlq" {
		t.Fatalf("streams = %v, want main %q dlq %q", streamsBody, deps.WorkQueueStream, deps.WorkQueueStream+":dlq")
	}
}

func TestFanoutProduceAndStreamsEndpoints(t *testing.T) {
	eng, deps := newTestDeps(t)
	deps.FanoutStream = "test:httpapi:fanout:produce"
	router := NewRouter(deps)
	t.Cleanup(func() { eng.Redis.Del(context.Background(), deps.FanoutStream) })

	produceReq := httptest.NewRequest("POST", "/api/fanout/produce",
		jsonBody(`{"eventId":"evt-1","processingType":"OK"}`))
	produceReq.Header.Set("Content-Type", "application/json")
	produceRec := httptest.NewRecorder()
	router.ServeHTTP(produceRec, produceReq)
	if produceRec.Code != 200 {
		t.Fatalf("POST /api/fanout/produce = %d, body %s", produceRec.Code, produceRec.Body.String())
	}

	streamsReq := httptest.NewRequest("GET", "/api/fanout/streams", nil)
	streamsRec := httptest.NewRecorder()
	router.ServeHTTP(streamsRec, streamsReq)
	if streamsRec.Code != 200 {
		t.Fatalf("GET /api/fanout/streams = %d, body %s", streamsRec.Code, streamsRec.Body.String())
	}
	streamsBody := decodeJSON(t, streamsRec.Body.Bytes())
	if streamsBody["main"] != deps.FanoutStream || streamsBody["groupPrefix"] != deps.FanoutGroupPrefix {
		t.Fatalf("streams = %v, want main %q groupPrefix %q", streamsBody, deps.FanoutStream, deps.FanoutGroupPrefix)
	}
}

func TestRequestReplySendEndpoint(t *testing.T) {
	eng, deps := newTestDeps(t)
	reqStream, respStream := "test:httpapi:reqreply:req", "test:httpapi:reqreply:resp"
	dlq := engine.NewDLQ(eng.Redis, eng.Scripts, eng.Broadcaster, eng.Logger, eng.Metrics)
	rr := engine.NewRequestReply(eng.Redis, eng.Scripts, dlq, eng.Broadcaster, eng.Logger, reqStream, respStream, "test-httpapi-reqreply-group")
	deps.ReqReply = rr
	router := NewRouter(deps)
	t.Cleanup(func() { eng.Redis.Del(context.Background(), reqStream, respStream) })

	req := httptest.NewRequest("POST", "/api/request-reply/send",
		jsonBody(`{"orderId":"order-9","responseType":"OK","timeoutSec":5}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("POST /api/request-reply/send = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeJSON(t, rec.Body.Bytes())
	correlationID, _ := body["correlationId"].(string)
	if correlationID == "" {
		t.Fatalf("response = %v, want a non-empty correlationId", body)
	}
	t.Cleanup(func() {
		eng.Redis.Del(context.Background(), "request:timeout:"+correlationID, "request:shadow:"+correlationID)
	})
}

func TestPerKeySubmitEndpoint(t *testing.T) {
	eng, deps := newTestDeps(t)
	deps.PerKeyStream = "test:httpapi:perkey"
	router := NewRouter(deps)
	t.Cleanup(func() { eng.Redis.Del(context.Background(), deps.PerKeyStream) })

	req := httptest.NewRequest("POST", "/api/per-key-serialized/submit",
		jsonBody(`[{"orderId":"order-1","action":"create"},{"orderId":"order-1","action":"update"}]`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("POST /api/per-key-serialized/submit = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeJSON(t, rec.Body.Bytes())
	ids, ok := body["messageIds"].([]interface{})
	if !ok || len(ids) != 2 {
		t.Fatalf("messageIds = %v, want exactly two", body["messageIds"])
	}
}

func TestTokenBucketConfigSubmitAndLogsEndpoints(t *testing.T) {
	eng, deps := newTestDeps(t)
	stream := "test:httpapi:tokenbucket"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tb, err := engine.NewTokenBucket(ctx, eng.Redis, engine.NewDLQ(eng.Redis, eng.Scripts, eng.Broadcaster, eng.Logger, eng.Metrics),
		engine.TokenBucketConfig{
			Stream: stream, Group: "test-httpapi-tokenbucket-group", Workers: 1,
			IdleClaim: 5 * time.Second, PollDelay: 10 * time.Millisecond,
			Max: map[string]int64{"reports": 5}, ProcessMs: map[string]int64{},
		}, eng.Logger)
	if err != nil {
		t.Fatalf("NewTokenBucket failed: %v", err)
	}
	deps.TokenBucket = tb
	router := NewRouter(deps)
	t.Cleanup(func() { eng.Redis.Del(context.Background(), stream) })

	saveReq := httptest.NewRequest("POST", "/api/token-bucket/config", jsonBody(`{"max":{"reports":9}}`))
	saveReq.Header.Set("Content-Type", "application/json")
	saveRec := httptest.NewRecorder()
	router.ServeHTTP(saveRec, saveReq)
	if saveRec.Code != 200 {
		t.Fatalf("POST /api/token-bucket/config = %d, body %s", saveRec.Code, saveRec.Body.String())
	}

	submitReq := httptest.NewRequest("POST", "/api/token-bucket/submit", jsonBody(`{"type":"reports"}`))
	submitReq.Header.Set("Content-Type", "application/json")
	submitRec := httptest.NewRecorder()
	router.ServeHTTP(submitRec, submitReq)
	if submitRec.Code != 200 {
		t.Fatalf("POST /api/token-bucket/submit = %d, body %s", submitRec.Code, submitRec.Body.String())
	}
	submitBody := decodeJSON(t, submitRec.Body.Bytes())
	id, _ := submitBody["messageId"].(string)
	if id == "" {
		t.Fatalf("submit response = %v, want a non-empty messageId", submitBody)
	}

	logsReq := httptest.NewRequest("GET", "/api/token-bucket/logs", nil)
	logsRec := httptest.NewRecorder()
	router.ServeHTTP(logsRec, logsReq)
	if logsRec.Code != 200 {
		t.Fatalf("GET /api/token-bucket/logs = %d, body %s", logsRec.Code, logsRec.Body.String())
	}
	logsBody := decodeJSON(t, logsRec.Body.Bytes())
	submitted, ok := logsBody["submitted"].([]interface{})
	found := false
	if ok {
		for _, s := range submitted {
			if s == id {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("logs submitted = %v, want to contain %q", logsBody["submitted"], id)
	}
}

func TestScheduledMessagesCRUDEndpoints(t *testing.T) {
	eng, deps := newTestDeps(t)
	stream := "test:httpapi:scheduled"
	sched := engine.NewScheduler(eng.Redis, eng.Broadcaster, engine.SchedulerConfig{
		ReminderStream: stream, PollInterval: 10 * time.Millisecond, BatchSize: 10,
	}, eng.Logger)
	deps.Scheduler = sched
	router := NewRouter(deps)
	t.Cleanup(func() { eng.Redis.Del(context.Background(), stream) })

	createReq := httptest.NewRequest("POST", "/api/scheduled/messages",
		jsonBody(`{"scheduledForMs":9999999999999,"payload":{"note":"later"}}`))
	createReq.Header.Set("Content-Type", "application/json")
	createRec := httptest.NewRecorder()
	router.ServeHTTP(createRec, createReq)
	if createRec.Code != 200 {
		t.Fatalf("POST /api/scheduled/messages = %d, body %s", createRec.Code, createRec.Body.String())
	}
	createBody := decodeJSON(t, createRec.Body.Bytes())
	id, _ := createBody["id"].(string)
	if id == "" {
		t.Fatalf("create response = %v, want a non-empty id", createBody)
	}

	listReq := httptest.NewRequest("GET", "/api/scheduled/messages", nil)
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, listReq)
	if listRec.Code != 200 {
		t.Fatalf("GET /api/scheduled/messages = %d, body %s", listRec.Code, listRec.Body.String())
	}
	listBody := decodeJSON(t, listRec.Body.Bytes())
	messages, ok := listBody["messages"].([]interface{})
	if !ok || len(messages) == 0 {
		t.Fatalf("messages = %v, want at least one entry", listBody["messages"])
	}

	deleteReq := httptest.NewRequest("DELETE", "/api/scheduled/messages/"+id, nil)
	deleteRec := httptest.NewRecorder()
	router.ServeHTTP(deleteRec, deleteReq)
	if deleteRec.Code != 200 {
		t.Fatalf("DELETE /api/scheduled/messages/%s = %d, body %s", id, deleteRec.Code, deleteRec.Body.String())
	}
}
