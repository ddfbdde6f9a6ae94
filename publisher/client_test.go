package publisher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aquamarinepk/epcp/item"
	"github.com/aquamarinepk/epcp/log"
	"github.com/aquamarinepk/epcp/monitor"
	"github.com/aquamarinepk/epcp/testhelper"
)

type testFormat struct {
	name string
	body map[string]any
}

func (f testFormat) Name() string { return f.name }
func (f testFormat) Export() any  { return f.body }

func testItem(body string) *item.Item {
	return item.New([]item.Format{
		testFormat{name: "name", body: map[string]any{"body": body}},
	})
}

func testLogger() log.Logger {
	return log.NewNoopLogger()
}

func waitCondition(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", what)
}

func TestPublishBlocking(t *testing.T) {
	server := testhelper.NewServer()
	defer server.Close()

	c := New(server.URL, testLogger())
	defer c.Close()

	if err := c.Publish(context.Background(), "room", testItem("v")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	calls := server.Publishes()
	if len(calls) != 1 {
		t.Fatalf("expected 1 publish call, got %d", len(calls))
	}
	if calls[0].Authorization != "" {
		t.Errorf("expected no Authorization header, got %q", calls[0].Authorization)
	}
	if len(calls[0].Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(calls[0].Items))
	}
	it := calls[0].Items[0]
	if it["channel"] != "room" {
		t.Errorf("channel = %v, want room", it["channel"])
	}
	body := it["name"].(map[string]any)
	if body["body"] != "v" {
		t.Errorf("format body = %v, want v", body["body"])
	}
}

func TestPublishBlockingFailure(t *testing.T) {
	server := testhelper.NewServer()
	defer server.Close()
	server.QueuePublishStatus(403)

	c := New(server.URL, testLogger())
	defer c.Close()

	err := c.Publish(context.Background(), "room", testItem("v"))

	var pubErr *PublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("expected *PublishError, got %v", err)
	}
	if pubErr.StatusCode != 403 {
		t.Errorf("status = %d, want 403", pubErr.StatusCode)
	}
	if !strings.Contains(pubErr.Body, "rejected") {
		t.Errorf("body = %q, want server body surfaced", pubErr.Body)
	}
}

func TestPublishBlockingRetriesServerError(t *testing.T) {
	server := testhelper.NewServer()
	defer server.Close()
	server.QueuePublishStatus(503)

	c := New(server.URL, testLogger())
	defer c.Close()

	if err := c.Publish(context.Background(), "room", testItem("v")); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if got := len(server.Publishes()); got != 2 {
		t.Errorf("expected 2 delivery attempts, got %d", got)
	}
}

func TestPublishDuplicateFormat(t *testing.T) {
	server := testhelper.NewServer()
	defer server.Close()

	c := New(server.URL, testLogger())
	defer c.Close()

	bad := item.New([]item.Format{
		testFormat{name: "f", body: map[string]any{}},
		testFormat{name: "f", body: map[string]any{}},
	})

	if err := c.Publish(context.Background(), "room", bad); !errors.Is(err, item.ErrDuplicateFormat) {
		t.Errorf("expected ErrDuplicateFormat, got %v", err)
	}
}

func TestPublishAsyncBatching(t *testing.T) {
	server := testhelper.NewServer()
	defer server.Close()

	c := New(server.URL, testLogger(),
		WithBearerAuth(map[string]any{"iss": "i"}, []byte("k")))

	var mu sync.Mutex
	var results []bool
	cb := func(ok bool, _ string) {
		mu.Lock()
		results = append(results, ok)
		mu.Unlock()
	}

	for i := 0; i < 25; i++ {
		if err := c.PublishAsync("c", testItem("v"), cb); err != nil {
			t.Fatalf("PublishAsync failed: %v", err)
		}
	}
	c.WaitAllSent()

	calls := server.Publishes()
	total := 0
	for _, call := range calls {
		if len(call.Items) > maxBatchSize {
			t.Errorf("batch of %d exceeds limit %d", len(call.Items), maxBatchSize)
		}
		if !strings.HasPrefix(call.Authorization, "Bearer ") {
			t.Errorf("expected bearer auth, got %q", call.Authorization)
		}
		total += len(call.Items)
	}
	if total != 25 {
		t.Errorf("delivered %d items, want 25", total)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 25 {
		t.Fatalf("expected 25 callbacks, got %d", len(results))
	}
	for _, ok := range results {
		if !ok {
			t.Error("expected all callbacks successful")
		}
	}
}

func TestPublishAsyncBatchFailureSharedResult(t *testing.T) {
	server := testhelper.NewServer()
	defer server.Close()
	// Enough failures to cover every attempt even if the worker splits
	// the requests across batches.
	server.QueuePublishStatus(500, 500, 500, 500, 500, 500)

	c := New(server.URL, testLogger())

	var mu sync.Mutex
	var messages []string
	cb := func(ok bool, message string) {
		mu.Lock()
		defer mu.Unlock()
		if ok {
			t.Error("expected failed callback")
		}
		messages = append(messages, message)
	}

	for i := 0; i < 3; i++ {
		if err := c.PublishAsync("c", testItem("v"), cb); err != nil {
			t.Fatalf("PublishAsync failed: %v", err)
		}
	}
	c.WaitAllSent()

	mu.Lock()
	defer mu.Unlock()
	if len(messages) != 3 {
		t.Fatalf("expected 3 callbacks, got %d", len(messages))
	}
	for _, m := range messages {
		if !strings.Contains(m, "500") {
			t.Errorf("message %q should carry the status", m)
		}
	}
}

func TestAuthSnapshotAtEnqueueTime(t *testing.T) {
	server := testhelper.NewServer()
	defer server.Close()

	c := New(server.URL, testLogger(), WithBasicAuth("alice", "one"))

	if err := c.PublishAsync("c", testItem("v"), nil); err != nil {
		t.Fatalf("PublishAsync failed: %v", err)
	}
	// Rotate credentials; the queued request keeps the old header.
	c.SetAuthBasic("alice", "two")
	if err := c.PublishAsync("c", testItem("v"), nil); err != nil {
		t.Fatalf("PublishAsync failed: %v", err)
	}
	c.WaitAllSent()

	headers := make(map[string]bool)
	for _, call := range server.Publishes() {
		headers[call.Authorization] = true
	}

	// Depending on batching the two requests may share one POST, in
	// which case the batch carries the first request's header.
	if len(headers) == 0 {
		t.Fatal("no publish calls recorded")
	}
	for h := range headers {
		if !strings.HasPrefix(h, "Basic ") {
			t.Errorf("expected basic auth header, got %q", h)
		}
	}
}

func TestWaitAllSentStopsWorkerAndAllowsRestart(t *testing.T) {
	server := testhelper.NewServer()
	defer server.Close()

	c := New(server.URL, testLogger())

	if err := c.PublishAsync("c", testItem("a"), nil); err != nil {
		t.Fatalf("PublishAsync failed: %v", err)
	}
	c.WaitAllSent()

	c.qmu.Lock()
	queued := len(c.queue)
	c.qmu.Unlock()
	if queued != 0 {
		t.Errorf("queue not empty after WaitAllSent: %d", queued)
	}
	c.mu.Lock()
	if c.workerDone != nil {
		t.Error("worker still tracked after WaitAllSent")
	}
	c.mu.Unlock()

	// A fresh worker handles subsequent publishes.
	if err := c.PublishAsync("c", testItem("b"), nil); err != nil {
		t.Fatalf("PublishAsync after WaitAllSent failed: %v", err)
	}
	c.WaitAllSent()

	total := 0
	for _, call := range server.Publishes() {
		total += len(call.Items)
	}
	if total != 2 {
		t.Errorf("delivered %d items, want 2", total)
	}
}

func TestUseAfterClose(t *testing.T) {
	server := testhelper.NewServer()
	defer server.Close()

	c := New(server.URL, testLogger())
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := c.Publish(context.Background(), "c", testItem("v")); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after close = %v, want ErrClosed", err)
	}
	if err := c.PublishAsync("c", testItem("v"), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("PublishAsync after close = %v, want ErrClosed", err)
	}
	if err := c.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
}

func TestRequireSubscribersGate(t *testing.T) {
	server := testhelper.NewServer()
	defer server.Close()
	server.SetSubscriptions("1",
		testhelper.SubscriptionItem{State: "subscribed", Channel: "a"},
	)

	c := New(server.URL, testLogger(),
		WithRequireSubscribers(nil),
		WithMonitorOptions(
			monitor.WithReadTimeout(500*time.Millisecond),
			monitor.WithBackoffIntervals(10*time.Millisecond, 40*time.Millisecond),
		))
	defer c.Close()

	waitCondition(t, "monitor sees channel a", func() bool {
		return c.SubscriptionView().IsChannelSubscribedTo("a")
	})

	// Subscribed channel goes through.
	if err := c.Publish(context.Background(), "a", testItem("v")); err != nil {
		t.Fatalf("Publish to subscribed channel failed: %v", err)
	}

	// Unknown channel is silently dropped with a success callback.
	var cbOK bool
	var cbCalled bool
	if err := c.PublishAsync("b", testItem("v"), func(ok bool, _ string) {
		cbCalled = true
		cbOK = ok
	}); err != nil {
		t.Fatalf("PublishAsync failed: %v", err)
	}
	if !cbCalled || !cbOK {
		t.Error("dropped publish must invoke the callback with success")
	}

	c.WaitAllSent()
	total := 0
	for _, call := range server.Publishes() {
		total += len(call.Items)
	}
	if total != 1 {
		t.Errorf("delivered %d items, want only the gated-through publish", total)
	}
}

func TestRequireSubscribersMonitorFailed(t *testing.T) {
	server := testhelper.NewServer()
	defer server.Close()
	server.SetStreamStatus(403)

	c := New(server.URL, testLogger(),
		WithRequireSubscribers(nil),
		WithMonitorOptions(
			monitor.WithBackoffIntervals(10*time.Millisecond, 40*time.Millisecond),
		))
	defer c.Close()

	waitCondition(t, "monitor failed", c.SubscriptionView().Failed)

	if err := c.Publish(context.Background(), "a", testItem("v")); !errors.Is(err, ErrSubscribersUnknown) {
		t.Errorf("Publish = %v, want ErrSubscribersUnknown", err)
	}
	if err := c.PublishAsync("a", testItem("v"), nil); !errors.Is(err, ErrSubscribersUnknown) {
		t.Errorf("PublishAsync = %v, want ErrSubscribersUnknown", err)
	}
}
