// Package publisher implements the HTTP publishing client: a blocking
// publish path plus an asynchronous path that coalesces queued requests
// into batched POSTs handled by a lazily-started worker.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aquamarinepk/epcp/auth"
	"github.com/aquamarinepk/epcp/httpclient"
	"github.com/aquamarinepk/epcp/item"
	"github.com/aquamarinepk/epcp/log"
	"github.com/aquamarinepk/epcp/monitor"
	"github.com/aquamarinepk/epcp/telemetry"
	"github.com/aquamarinepk/epcp/validation"
)

const (
	publishPath = "/publish/"

	// maxBatchSize bounds how many queued requests share one POST.
	maxBatchSize = 10
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("publisher is closed")

	// ErrSubscribersUnknown is returned when subscriber gating is enabled
	// but the subscription monitor has permanently failed.
	ErrSubscribersUnknown = errors.New("subscriber state unknown")
)

// Callback receives the outcome of an asynchronous publish.
type Callback = func(ok bool, message string)

// PublishError is a rejected or failed delivery.
type PublishError struct {
	StatusCode int
	Body       string
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish rejected with status %d: %s", e.StatusCode, e.Body)
}

// request is one queued asynchronous publish. A request with stop set is
// the drain sentinel.
type request struct {
	auth string
	item map[string]any
	cb   Callback
	stop bool
}

// Client publishes to one HTTP endpoint.
type Client struct {
	uri     string
	log     log.Logger
	http    *httpclient.Client
	auth    auth.Header
	metrics telemetry.Metrics

	monitor            *monitor.Monitor
	monitorOpts        []monitor.Option
	subCallback        monitor.EventFunc
	requireSubscribers bool

	// mu guards lifecycle state; cond (on qmu) guards the queue.
	mu         sync.Mutex
	closed     bool
	workerDone chan struct{}

	qmu   sync.Mutex
	cond  *sync.Cond
	queue []request
}

// Option configures a Client.
type Option func(*Client)

// WithBearerAuth configures bearer-token authentication.
func WithBearerAuth(claim map[string]any, key []byte) Option {
	return func(c *Client) {
		c.auth.SetBearer(claim, key)
	}
}

// WithBasicAuth configures basic authentication.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.auth.SetBasic(username, password)
	}
}

// WithRequireSubscribers attaches a subscription monitor and gates
// publishes on channel subscription state. The callback, when not nil,
// receives the monitor's sub/unsub events.
func WithRequireSubscribers(cb monitor.EventFunc) Option {
	return func(c *Client) {
		c.subCallback = cb
		c.requireSubscribers = true
	}
}

// WithMonitorOptions forwards extra options to the attached monitor.
func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(c *Client) {
		c.monitorOpts = append(c.monitorOpts, opts...)
	}
}

// WithHTTPClient replaces the transport client.
func WithHTTPClient(client *httpclient.Client) Option {
	return func(c *Client) {
		c.http = client
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// New creates a Client for the endpoint base URI.
func New(uri string, logger log.Logger, opts ...Option) *Client {
	uri = validation.NormalizeBaseURI(uri)
	c := &Client{
		uri:     uri,
		log:     logger.With("component", "publisher", "endpoint", uri),
		metrics: telemetry.NoopMetrics{},
	}
	c.cond = sync.NewCond(&c.qmu)

	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = httpclient.New(uri, logger)
	}

	if c.requireSubscribers {
		header, err := c.auth.Value()
		if err != nil {
			c.log.Errorf("Cannot compute monitor auth header: %v", err)
		}
		monitorOpts := append([]monitor.Option{
			monitor.WithAuthorization(header),
			monitor.WithCallback(c.subCallback),
		}, c.monitorOpts...)
		c.monitor = monitor.New(uri, logger, monitorOpts...)
	}

	return c
}

// SetAuthBasic rotates to basic credentials. Queued requests keep the
// header captured when they were enqueued.
func (c *Client) SetAuthBasic(username, password string) {
	c.auth.SetBasic(username, password)
}

// SetAuthBearer rotates to bearer-token credentials.
func (c *Client) SetAuthBearer(claim map[string]any, key []byte) {
	c.auth.SetBearer(claim, key)
}

// SubscriptionView returns the attached monitor, or nil when publishes
// are not gated.
func (c *Client) SubscriptionView() *monitor.Monitor {
	return c.monitor
}

// Publish delivers the item to the channel synchronously. A non-2xx
// response after retries fails with *PublishError.
func (c *Client) Publish(ctx context.Context, channel string, it *item.Item) error {
	payload, authHeader, err := c.prepare(channel, it)
	if err != nil {
		return err
	}

	drop, err := c.gate(channel)
	if err != nil {
		return err
	}
	if drop {
		return nil
	}

	return c.pubCall(ctx, authHeader, []map[string]any{payload})
}

// PublishAsync enqueues the item for batched delivery and returns
// immediately. The callback, when not nil, is invoked exactly once with
// the batch outcome. A non-nil error means no callback will fire.
func (c *Client) PublishAsync(channel string, it *item.Item, cb Callback) error {
	payload, authHeader, err := c.prepare(channel, it)
	if err != nil {
		return err
	}

	drop, err := c.gate(channel)
	if err != nil {
		return err
	}
	if drop {
		if cb != nil {
			cb(true, "")
		}
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.ensureWorker()
	c.mu.Unlock()

	c.enqueue(request{auth: authHeader, item: payload, cb: cb})
	return nil
}

// WaitAllSent blocks until every queued request has been delivered and
// the worker has exited. The client stays usable; the next asynchronous
// publish starts a fresh worker.
func (c *Client) WaitAllSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitDrainLocked()
}

// Close drains pending requests and shuts the client down. Further
// operations fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.waitDrainLocked()
	c.mu.Unlock()

	if c.monitor != nil {
		c.monitor.Close()
	}
	return nil
}

// prepare validates state, exports the item, and snapshots the auth
// header at call time so later credential rotation cannot re-sign a
// queued request.
func (c *Client) prepare(channel string, it *item.Item) (map[string]any, string, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, "", ErrClosed
	}

	payload, err := it.Export(false, false)
	if err != nil {
		return nil, "", err
	}
	payload["channel"] = channel

	authHeader, err := c.auth.Value()
	if err != nil {
		return nil, "", err
	}
	return payload, authHeader, nil
}

// gate applies the require_subscribers policy. Dropping is not an error.
func (c *Client) gate(channel string) (drop bool, err error) {
	if c.monitor == nil {
		return false, nil
	}
	if c.monitor.Failed() {
		return false, ErrSubscribersUnknown
	}
	if !c.monitor.IsChannelSubscribedTo(channel) {
		c.log.Debugf("Dropping publish to %q: no subscribers", channel)
		c.metrics.Counter(context.Background(), "publish.dropped", 1,
			map[string]string{"channel": channel})
		return true, nil
	}
	return false, nil
}

// ensureWorker lazily starts the drain worker. Caller holds mu.
func (c *Client) ensureWorker() {
	if c.workerDone == nil {
		done := make(chan struct{})
		c.workerDone = done
		go c.worker(done)
	}
}

// waitDrainLocked queues the stop sentinel and joins the worker. Caller
// holds mu, which also blocks new publishes for the duration.
func (c *Client) waitDrainLocked() {
	if c.workerDone == nil {
		return
	}
	done := c.workerDone
	c.workerDone = nil
	c.enqueue(request{stop: true})
	<-done
}

func (c *Client) enqueue(req request) {
	c.qmu.Lock()
	c.queue = append(c.queue, req)
	c.cond.Signal()
	c.qmu.Unlock()
}

// worker drains the queue in batches of up to maxBatchSize requests,
// posting each batch in one call. It exits after flushing the partial
// batch that precedes the stop sentinel.
func (c *Client) worker(done chan struct{}) {
	defer close(done)

	quit := false
	for !quit {
		c.qmu.Lock()
		for len(c.queue) == 0 {
			c.cond.Wait()
		}

		var batch []request
		for len(c.queue) > 0 && len(batch) < maxBatchSize {
			req := c.queue[0]
			c.queue = c.queue[1:]
			if req.stop {
				quit = true
				break
			}
			batch = append(batch, req)
		}
		c.qmu.Unlock()

		if len(batch) > 0 {
			c.publishBatch(batch)
		}
	}
}

// publishBatch posts one batch and reports the shared outcome to every
// request's callback.
func (c *Client) publishBatch(batch []request) {
	items := make([]map[string]any, len(batch))
	for i, req := range batch {
		items[i] = req.item
	}

	err := c.pubCall(context.Background(), batch[0].auth, items)

	ok := err == nil
	message := ""
	if err != nil {
		message = err.Error()
		c.log.Errorf("Batch publish of %d items failed: %v", len(items), err)
	}
	for _, req := range batch {
		if req.cb != nil {
			req.cb(ok, message)
		}
	}
}

// pubCall performs one POST of items to the publish resource.
func (c *Client) pubCall(ctx context.Context, authHeader string, items []map[string]any) error {
	headers := map[string]string{}
	if authHeader != "" {
		headers["Authorization"] = authHeader
	}

	start := time.Now()
	resp, err := c.http.Post(ctx, publishPath, map[string]any{"items": items}, headers)
	if err != nil {
		c.metrics.ObservePublish(c.uri, len(items), 0, time.Since(start))
		return fmt.Errorf("cannot publish: %w", err)
	}
	c.metrics.ObservePublish(c.uri, len(items), resp.StatusCode, time.Since(start))

	if !resp.IsSuccess() {
		return &PublishError{StatusCode: resp.StatusCode, Body: resp.String()}
	}
	c.log.Debugf("Published %d items", len(items))
	return nil
}
