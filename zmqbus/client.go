package zmqbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aquamarinepk/epcp/codec"
	"github.com/aquamarinepk/epcp/item"
	"github.com/aquamarinepk/epcp/log"
	zmq "github.com/pebbe/zmq4"
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("zmq client is closed")

	// ErrInvalidConfig indicates a URI combination inconsistent with the
	// require-subscribers setting.
	ErrInvalidConfig = errors.New("invalid zmq uri configuration")

	// ErrDiscovery indicates that URI discovery failed or yielded
	// nothing usable.
	ErrDiscovery = errors.New("zmq uri discovery failed")
)

// Callback receives the outcome of an asynchronous publish.
type Callback = func(ok bool, message string)

// DiscoveryFunc is invoked after successful URI discovery.
type DiscoveryFunc func(pushURI, pubURI string, requireSubscribers bool)

const discoveryTimeout = 3 * time.Second

// Client publishes to a message-bus endpoint, in PUSH mode (fire and
// forget to a worker) or, when subscribers are required, in PUB mode via
// a subscription controller's XPUB socket.
type Client struct {
	log   log.Logger
	codec codec.Codec

	commandURI         string
	requireSubscribers bool

	discoveryCallback DiscoveryFunc
	discoveryBudget   time.Duration

	mu          sync.Mutex
	cond        *sync.Cond
	pushURI     string
	pubURI      string
	discovering bool
	discovered  bool
	connected   bool
	closed      bool

	zctx *zmq.Context

	pushMu sync.Mutex
	push   *zmq.Socket

	controller    *Controller
	ownController bool
	subCallback   EventFunc

	wg sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithCodec replaces the wire codec. The default is tnetstrings.
func WithCodec(c codec.Codec) Option {
	return func(cl *Client) {
		if c != nil {
			cl.codec = c
		}
	}
}

// WithSubCallback sets the subscription event callback for the client's
// own controller. Valid only with require-subscribers.
func WithSubCallback(cb EventFunc) Option {
	return func(cl *Client) {
		cl.subCallback = cb
	}
}

// WithController injects a shared subscription controller. The client
// publishes PUB-mode frames through it and never owns it.
func WithController(ctrl *Controller) Option {
	return func(cl *Client) {
		cl.controller = ctrl
	}
}

// WithDiscoveryCallback registers a hook invoked with the discovered
// data URIs.
func WithDiscoveryCallback(f DiscoveryFunc) Option {
	return func(cl *Client) {
		cl.discoveryCallback = f
	}
}

// WithDiscoveryBudget overrides the discovery deadline.
func WithDiscoveryBudget(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.discoveryBudget = d
		}
	}
}

// New creates a Client. commandURI enables URI discovery; pushURI and
// pubURI are the data endpoints for the two publish modes, either of
// which may be left empty for discovery to fill in.
func New(commandURI, pushURI, pubURI string, requireSubscribers bool, logger log.Logger, opts ...Option) (*Client, error) {
	c := &Client{
		log:                logger.With("component", "zmqclient"),
		codec:              codec.TNetstrings{},
		commandURI:         commandURI,
		pushURI:            pushURI,
		pubURI:             pubURI,
		requireSubscribers: requireSubscribers,
		discoveryBudget:    discoveryTimeout,
	}
	c.cond = sync.NewCond(&c.mu)
	for _, opt := range opts {
		opt(c)
	}

	if c.subCallback != nil && !requireSubscribers {
		return nil, fmt.Errorf("%w: subscription callback requires require-subscribers", ErrInvalidConfig)
	}
	if commandURI == "" && pushURI == "" && pubURI == "" {
		return nil, fmt.Errorf("%w: no uris configured", ErrInvalidConfig)
	}

	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("cannot create zmq context: %w", err)
	}
	c.zctx = zctx

	// Data URIs known up front connect eagerly, as a configuration check.
	if pushURI != "" || pubURI != "" {
		if err := c.ensureConnected(); err != nil {
			zctx.Term()
			return nil, err
		}
	}
	return c, nil
}

// Publish delivers the item to the channel on the calling goroutine.
// The first publish may run URI discovery.
func (c *Client) Publish(ctx context.Context, channel string, it *item.Item) error {
	frameChannel, frame, pubMode, err := c.prepare(channel, it)
	if err != nil {
		return err
	}
	return c.sendFrame(frameChannel, frame, pubMode)
}

// PublishAsync exports the item now and dispatches the send to a task.
// The callback, when not nil, is invoked exactly once with the outcome.
// A non-nil error means no callback will fire.
func (c *Client) PublishAsync(channel string, it *item.Item, cb Callback) error {
	// Export eagerly so malformed items surface to the caller, not the
	// callback. Connection and discovery failures surface via callback.
	export, err := it.Export(true, true)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		err := c.publishExported(channel, export)
		if cb != nil {
			if err != nil {
				cb(false, err.Error())
			} else {
				cb(true, "")
			}
		}
	}()
	return nil
}

// WaitAllSent blocks until all dispatched asynchronous sends completed.
func (c *Client) WaitAllSent() {
	c.wg.Wait()
}

// Close releases the sockets. Further operations fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	c.wg.Wait()

	c.pushMu.Lock()
	if c.push != nil {
		c.push.Close()
		c.push = nil
	}
	c.pushMu.Unlock()

	if c.ownController && c.controller != nil {
		c.controller.Stop()
	}
	c.zctx.Term()
	return nil
}

// SubscriptionView returns the client's own controller, or nil when the
// subscription state is tracked elsewhere.
func (c *Client) SubscriptionView() *Controller {
	if !c.ownController {
		return nil
	}
	return c.controller
}

func (c *Client) prepare(channel string, it *item.Item) ([]byte, []byte, bool, error) {
	export, err := it.Export(true, true)
	if err != nil {
		return nil, nil, false, err
	}
	return c.buildFrame(channel, export)
}

func (c *Client) publishExported(channel string, export map[string]any) error {
	frameChannel, frame, pubMode, err := c.buildFrame(channel, export)
	if err != nil {
		return err
	}
	return c.sendFrame(frameChannel, frame, pubMode)
}

// buildFrame connects if necessary and encodes the wire frame. In PUSH
// mode the channel rides inside the encoded mapping; in PUB mode it is
// the first part of a multipart frame.
func (c *Client) buildFrame(channel string, export map[string]any) ([]byte, []byte, bool, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, nil, false, err
	}

	frameChannel := []byte(channel)
	pubMode := c.requireSubscribers

	if !pubMode {
		export["channel"] = frameChannel
	}
	frame, err := c.codec.Marshal(export)
	if err != nil {
		return nil, nil, false, fmt.Errorf("cannot encode item: %w", err)
	}
	return frameChannel, frame, pubMode, nil
}

func (c *Client) sendFrame(channel, frame []byte, pubMode bool) error {
	if pubMode {
		return c.controller.Publish(channel, frame)
	}

	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	if c.push == nil {
		return ErrClosed
	}
	if _, err := c.push.SendBytes(frame, 0); err != nil {
		return fmt.Errorf("cannot send on push socket: %w", err)
	}
	return nil
}

// ensureConnected runs URI discovery when needed and opens the data-path
// socket. Discovery is serialized: concurrent publishes block on the
// first publisher's outcome.
func (c *Client) ensureConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.discovering {
		c.cond.Wait()
	}
	if c.closed {
		return ErrClosed
	}
	if c.connected {
		return nil
	}

	if c.commandURI != "" && !c.discovered && (c.pushURI == "" || c.pubURI == "") {
		c.discovering = true
		c.mu.Unlock()
		push, pub, err := c.discover()
		c.mu.Lock()
		c.discovering = false
		c.cond.Broadcast()
		if err != nil {
			return err
		}
		if c.pushURI == "" {
			c.pushURI = push
		}
		if c.pubURI == "" {
			c.pubURI = pub
		}
		c.discovered = true
		if c.discoveryCallback != nil {
			c.discoveryCallback(c.pushURI, c.pubURI, c.requireSubscribers)
		}
	}

	if c.pushURI == "" && c.pubURI == "" {
		return fmt.Errorf("%w: no data uris known or discovered", ErrDiscovery)
	}
	if err := c.verifyURIConfig(); err != nil {
		return err
	}

	if c.requireSubscribers {
		if c.controller == nil {
			ctrl, err := NewController(c.log, c.subCallback)
			if err != nil {
				return err
			}
			c.controller = ctrl
			c.ownController = true
		}
		if c.ownController {
			if err := c.controller.Connect(c.pubURI); err != nil {
				return err
			}
		}
	} else {
		push, err := c.zctx.NewSocket(zmq.PUSH)
		if err != nil {
			return fmt.Errorf("cannot create push socket: %w", err)
		}
		push.SetLinger(0)
		if err := push.Connect(c.pushURI); err != nil {
			push.Close()
			return fmt.Errorf("cannot connect push socket: %w", err)
		}
		c.pushMu.Lock()
		c.push = push
		c.pushMu.Unlock()
	}

	c.connected = true
	return nil
}

// verifyURIConfig asserts the uri/mode validity table.
func (c *Client) verifyURIConfig() error {
	if c.requireSubscribers && c.pubURI == "" {
		return fmt.Errorf("%w: pub uri required when subscribers are required", ErrInvalidConfig)
	}
	if !c.requireSubscribers && c.pushURI == "" {
		return fmt.Errorf("%w: push uri required when subscribers are not required", ErrInvalidConfig)
	}
	return nil
}

// discover performs the get-zmq-uris handshake on a request socket. The
// write must become possible within the budget; whatever budget remains
// afterwards bounds the reply.
func (c *Client) discover() (pushURI, pubURI string, err error) {
	sock, err := c.zctx.NewSocket(zmq.REQ)
	if err != nil {
		return "", "", fmt.Errorf("cannot create command socket: %w", err)
	}
	defer sock.Close()
	sock.SetLinger(0)

	if err := sock.Connect(c.commandURI); err != nil {
		return "", "", fmt.Errorf("cannot connect command socket: %w", err)
	}

	req, err := c.codec.Marshal(map[string]any{"method": "get-zmq-uris"})
	if err != nil {
		return "", "", fmt.Errorf("cannot encode discovery request: %w", err)
	}

	deadline := time.Now().Add(c.discoveryBudget)

	out := zmq.NewPoller()
	out.Add(sock, zmq.POLLOUT)
	writable, err := out.Poll(c.discoveryBudget)
	if err != nil || len(writable) == 0 {
		return "", "", fmt.Errorf("%w: command socket not writable", ErrDiscovery)
	}
	if _, err := sock.SendBytes(req, zmq.DONTWAIT); err != nil {
		return "", "", fmt.Errorf("%w: cannot send request: %v", ErrDiscovery, err)
	}

	in := zmq.NewPoller()
	in.Add(sock, zmq.POLLIN)
	readable, err := in.Poll(time.Until(deadline))
	if err != nil || len(readable) == 0 {
		return "", "", fmt.Errorf("%w: no reply within budget", ErrDiscovery)
	}
	reply, err := sock.RecvBytes(0)
	if err != nil {
		return "", "", fmt.Errorf("%w: cannot read reply: %v", ErrDiscovery, err)
	}

	return c.parseDiscoveryReply(reply)
}

func (c *Client) parseDiscoveryReply(reply []byte) (pushURI, pubURI string, err error) {
	decoded, err := c.codec.Unmarshal(reply)
	if err != nil {
		return "", "", fmt.Errorf("%w: cannot decode reply: %v", ErrDiscovery, err)
	}
	body, ok := decoded.(map[string]any)
	if !ok {
		return "", "", fmt.Errorf("%w: reply is not a mapping", ErrDiscovery)
	}
	if success, _ := body["success"].(bool); !success {
		return "", "", fmt.Errorf("%w: endpoint reported failure", ErrDiscovery)
	}
	value, ok := body["value"].(map[string]any)
	if !ok {
		return "", "", fmt.Errorf("%w: reply carries no value", ErrDiscovery)
	}

	pushURI = resolveDataURI(uriString(value["publish-pull"]), c.commandURI)
	pubURI = resolveDataURI(uriString(value["publish-sub"]), c.commandURI)
	if pushURI == "" && pubURI == "" {
		return "", "", fmt.Errorf("%w: reply carries no data uris", ErrDiscovery)
	}
	return pushURI, pubURI, nil
}

func uriString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return ""
	}
}

// resolveDataURI substitutes the command endpoint's host for a wildcard
// bind address, falling back to localhost when the command URI carries
// no host.
func resolveDataURI(uri, commandURI string) string {
	port, ok := strings.CutPrefix(uri, "tcp://*:")
	if !ok {
		return uri
	}
	host := "localhost"
	if rest, tcp := strings.CutPrefix(commandURI, "tcp://"); tcp {
		if i := strings.LastIndex(rest, ":"); i > 0 {
			host = rest[:i]
		}
	}
	return "tcp://" + host + ":" + port
}
