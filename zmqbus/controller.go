// Package zmqbus implements the message-bus side of the publisher: a
// PUSH/XPUB client with optional URI discovery, and the subscription
// controller that owns the XPUB socket and surfaces subscribe events.
package zmqbus

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/aquamarinepk/epcp/log"
	"github.com/google/uuid"
	zmq "github.com/pebbe/zmq4"
)

const (
	// EventSubscribe fires before the channel becomes visible in the
	// controller's set; EventUnsubscribe after it has been removed.
	EventSubscribe   = "sub"
	EventUnsubscribe = "unsub"
)

// Command bytes carried on the controller's inproc pair.
const (
	cmdConnect    = 0x00
	cmdDisconnect = 0x01
	cmdPublish    = 0x02
	cmdStop       = 0x03
)

// XPUB subscription event bytes.
const (
	flagUnsubscribe = 0x00
	flagSubscribe   = 0x01
)

// EventFunc receives subscription change events.
type EventFunc func(event, channel string)

// Controller owns one XPUB socket. Commands arrive over an inproc pair;
// a background task polls both the XPUB (for subscription events) and
// the command socket.
type Controller struct {
	log      log.Logger
	callback EventFunc

	zctx *zmq.Context

	cmdMu sync.Mutex
	cmd   *zmq.Socket

	mu            sync.Mutex
	subscriptions map[string]bool

	stopped atomic.Bool
	done    chan struct{}
}

// NewController creates a Controller and starts its poller task.
func NewController(logger log.Logger, cb EventFunc) (*Controller, error) {
	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("cannot create zmq context: %w", err)
	}

	addr := "inproc://pub-controller-" + uuid.NewString()
	cmd, err := zctx.NewSocket(zmq.PAIR)
	if err != nil {
		zctx.Term()
		return nil, fmt.Errorf("cannot create command socket: %w", err)
	}
	cmd.SetLinger(0)
	if err := cmd.Bind(addr); err != nil {
		cmd.Close()
		zctx.Term()
		return nil, fmt.Errorf("cannot bind command socket: %w", err)
	}

	c := &Controller{
		log:           logger.With("component", "pubcontroller"),
		callback:      cb,
		zctx:          zctx,
		cmd:           cmd,
		subscriptions: make(map[string]bool),
		done:          make(chan struct{}),
	}
	go c.run(addr)
	return c, nil
}

// IsChannelSubscribedTo reports whether any subscriber holds the channel.
func (c *Controller) IsChannelSubscribedTo(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[channel]
}

// Connect attaches the XPUB socket to the endpoint.
func (c *Controller) Connect(uri string) error {
	return c.send(cmdConnect, []byte(uri))
}

// Disconnect detaches the XPUB socket from the endpoint.
func (c *Controller) Disconnect(uri string) error {
	return c.send(cmdDisconnect, []byte(uri))
}

// Publish emits a multipart [channel, content] frame on the XPUB socket.
func (c *Controller) Publish(channel, content []byte) error {
	payload := make([]byte, 0, len(channel)+1+len(content))
	payload = append(payload, channel...)
	payload = append(payload, 0x00)
	payload = append(payload, content...)
	return c.send(cmdPublish, payload)
}

// Stop terminates the poller task and releases the sockets.
func (c *Controller) Stop() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	if err := c.send(cmdStop, nil); err != nil {
		c.log.Errorf("Cannot send stop command: %v", err)
	}
	<-c.done

	c.cmdMu.Lock()
	c.cmd.Close()
	c.cmdMu.Unlock()
	c.zctx.Term()
}

func (c *Controller) send(kind byte, payload []byte) error {
	if c.stopped.Load() && kind != cmdStop {
		return fmt.Errorf("controller is stopped")
	}
	msg := append([]byte{kind}, payload...)

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if _, err := c.cmd.SendBytes(msg, 0); err != nil {
		return fmt.Errorf("cannot send controller command: %w", err)
	}
	return nil
}

// run is the poller task. It owns the XPUB and the controller-side pair;
// neither socket is touched from any other goroutine.
func (c *Controller) run(addr string) {
	defer close(c.done)

	control, err := c.zctx.NewSocket(zmq.PAIR)
	if err != nil {
		c.log.Errorf("Cannot create control socket: %v", err)
		return
	}
	control.SetLinger(0)
	if err := control.Connect(addr); err != nil {
		c.log.Errorf("Cannot connect control socket: %v", err)
		control.Close()
		return
	}

	xpub, err := c.zctx.NewSocket(zmq.XPUB)
	if err != nil {
		c.log.Errorf("Cannot create xpub socket: %v", err)
		control.Close()
		return
	}
	// Unbounded receive high-water-mark: subscription notifications must
	// never be dropped. Zero linger: close never blocks on undelivered
	// publishes.
	xpub.SetRcvhwm(0)
	xpub.SetLinger(0)

	poller := zmq.NewPoller()
	poller.Add(xpub, zmq.POLLIN)
	poller.Add(control, zmq.POLLIN)

	for {
		polled, err := poller.Poll(-1)
		if err != nil {
			c.log.Errorf("Controller poll failed: %v", err)
			break
		}
		stop := false
		for _, p := range polled {
			switch p.Socket {
			case xpub:
				c.handleSubscriptionEvent(xpub)
			case control:
				stop = c.handleCommand(control, xpub)
			}
		}
		if stop {
			break
		}
	}

	xpub.Close()
	control.Close()
}

func (c *Controller) handleSubscriptionEvent(xpub *zmq.Socket) {
	msg, err := xpub.RecvBytes(0)
	if err != nil {
		c.log.Errorf("Cannot read subscription event: %v", err)
		return
	}
	if len(msg) == 0 {
		return
	}

	raw := msg[1:]
	if !utf8.Valid(raw) {
		c.log.Errorf("Dropping subscription event with non-UTF-8 channel: %x", raw)
		return
	}
	channel := string(raw)

	switch msg[0] {
	case flagSubscribe:
		c.mu.Lock()
		known := c.subscriptions[channel]
		c.mu.Unlock()
		if known {
			return
		}
		c.emit(EventSubscribe, channel)
		c.mu.Lock()
		c.subscriptions[channel] = true
		c.mu.Unlock()
	case flagUnsubscribe:
		c.mu.Lock()
		known := c.subscriptions[channel]
		if known {
			delete(c.subscriptions, channel)
		}
		c.mu.Unlock()
		if known {
			c.emit(EventUnsubscribe, channel)
		}
	}
}

func (c *Controller) handleCommand(control, xpub *zmq.Socket) bool {
	msg, err := control.RecvBytes(0)
	if err != nil {
		c.log.Errorf("Cannot read controller command: %v", err)
		return false
	}
	if len(msg) == 0 {
		return false
	}

	switch msg[0] {
	case cmdConnect:
		if err := xpub.Connect(string(msg[1:])); err != nil {
			c.log.Errorf("Cannot connect xpub to %s: %v", msg[1:], err)
		}
	case cmdDisconnect:
		if err := xpub.Disconnect(string(msg[1:])); err != nil {
			c.log.Errorf("Cannot disconnect xpub from %s: %v", msg[1:], err)
		}
	case cmdPublish:
		channel, content, ok := bytes.Cut(msg[1:], []byte{0x00})
		if !ok {
			c.log.Error("Dropping malformed publish command")
			return false
		}
		if _, err := xpub.SendMessage(channel, content); err != nil {
			c.log.Errorf("Cannot publish on xpub: %v", err)
		}
	case cmdStop:
		return true
	}
	return false
}

func (c *Controller) emit(event, channel string) {
	if c.callback != nil {
		c.callback(event, channel)
	}
}
