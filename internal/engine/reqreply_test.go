package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func newTestRequestReply(eng *Engine, reqStream, respStream string) *RequestReply {
	dlq := NewDLQ(eng.Redis, eng.Scripts, eng.Broadcaster, eng.Logger, eng.Metrics)
	return NewRequestReply(eng.Redis, eng.Scripts, dlq, eng.Broadcaster, eng.Logger, reqStream, respStream, "test-reqreply-group")
}

func TestRequestReplyRequestAppendsAndArmsTimeout(t *testing.T) {
	eng := newTestEngine(t)
	reqStream, respStream := "test:reqreply:req", "test:reqreply:resp"
	rr := newTestRequestReply(eng, reqStream, respStream)
	ctx := context.Background()

	correlationID, err := rr.Request(ctx, "biz-1", 30*time.Second, json.RawMessage(`{"amount":"10"}`))
	t.Cleanup(func() {
		eng.Redis.Del(ctx, reqStream, respStream, rr.timeoutKey(correlationID), rr.shadowKey(correlationID))
	})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if correlationID == "" {
		t.Fatal("Request returned empty correlation id")
	}

	exists, err := eng.Redis.Exists(ctx, rr.timeoutKey(correlationID)).Result()
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists == 0 {
		t.Fatal("Request did not arm the timeout key")
	}

	entries, err := eng.Redis.XRevRangeN(ctx, reqStream, "+", "-", 1).Result()
	if err != nil {
		t.Fatalf("XRevRangeN failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Values["correlationId"] != correlationID {
		t.Fatalf("reqStream entries = %+v, want one carrying correlationId %q", entries, correlationID)
	}
}

func TestRequestReplyRespondDisarmsTimeout(t *testing.T) {
	eng := newTestEngine(t)
	reqStream, respStream := "test:reqreply:req2", "test:reqreply:resp2"
	rr := newTestRequestReply(eng, reqStream, respStream)
	ctx := context.Background()

	correlationID, err := rr.Request(ctx, "biz-2", 30*time.Second, json.RawMessage(`{}`))
	t.Cleanup(func() {
		eng.Redis.Del(ctx, reqStream, respStream, rr.timeoutKey(correlationID), rr.shadowKey(correlationID))
	})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if err := rr.Respond(ctx, correlationID, "biz-2", ResponseOK, ""); err != nil {
		t.Fatalf("Respond failed: %v", err)
	}

	exists, err := eng.Redis.Exists(ctx, rr.timeoutKey(correlationID)).Result()
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists != 0 {
		t.Fatal("Respond did not disarm the timeout key")
	}

	entries, err := eng.Redis.XRevRangeN(ctx, respStream, "+", "-", 1).Result()
	if err != nil {
		t.Fatalf("XRevRangeN failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Values["correlationId"] != correlationID {
		t.Fatalf("respStream entries = %+v, want one carrying correlationId %q", entries, correlationID)
	}
	if entries[0].Values["responseType"] != string(ResponseOK) {
		t.Fatalf("responseType = %v, want OK", entries[0].Values["responseType"])
	}
}
