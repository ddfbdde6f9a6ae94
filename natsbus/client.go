// Package natsbus provides a broker-backed fleet client: items publish
// as JSON to a NATS subject named after the channel. It carries no
// subscription view; deployments gating on subscribers use the
// message-bus or HTTP clients instead.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aquamarinepk/epcp/item"
	"github.com/aquamarinepk/epcp/log"
	"github.com/nats-io/nats.go"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("nats client is closed")

// Callback receives the outcome of an asynchronous publish.
type Callback = func(ok bool, message string)

// Config holds NATS connection configuration.
type Config struct {
	URL            string
	MaxReconnect   int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:            "nats://localhost:4222",
		MaxReconnect:   60,
		ReconnectWait:  time.Second,
		ConnectTimeout: 5 * time.Second,
	}
}

// Client publishes items to a NATS endpoint.
type Client struct {
	cfg Config
	log log.Logger

	mu     sync.Mutex
	conn   *nats.Conn
	closed bool

	wg sync.WaitGroup
}

// New creates a Client and connects to the NATS server.
func New(cfg Config, logger log.Logger) (*Client, error) {
	c := &Client{
		cfg: cfg,
		log: logger.With("component", "natsclient"),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				c.log.Errorf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info("NATS reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to NATS: %w", err)
	}
	c.conn = conn
	c.log.Infof("Connected to NATS at %s", cfg.URL)
	return c, nil
}

// Publish delivers the item to the channel's subject synchronously.
func (c *Client) Publish(ctx context.Context, channel string, it *item.Item) error {
	data, err := c.encode(it)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed || conn == nil {
		return ErrClosed
	}

	if err := conn.Publish(channel, data); err != nil {
		return fmt.Errorf("cannot publish to NATS: %w", err)
	}
	return nil
}

// PublishAsync dispatches the send to a task. The callback, when not
// nil, is invoked exactly once with the outcome. A non-nil error means
// no callback will fire.
func (c *Client) PublishAsync(channel string, it *item.Item, cb Callback) error {
	data, err := c.encode(it)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		err := conn.Publish(channel, data)
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

// WaitAllSent blocks until dispatched sends completed and the server
// acknowledged the connection's buffered data.
func (c *Client) WaitAllSent() {
	c.wg.Wait()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		if err := conn.Flush(); err != nil {
			c.log.Errorf("Cannot flush NATS connection: %v", err)
		}
	}
}

// Close flushes and releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.wg.Wait()
	if conn != nil {
		conn.Close()
	}
	c.log.Info("NATS client closed")
	return nil
}

// encode serializes the item export for the broker wire. Formats stay
// grouped so consumers see the same shape as on the message bus.
func (c *Client) encode(it *item.Item) ([]byte, error) {
	export, err := it.Export(true, false)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(export)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal item: %w", err)
	}
	return data, nil
}
