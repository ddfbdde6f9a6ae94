package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aquamarinepk/epcp/codec"
	"github.com/aquamarinepk/epcp/config"
	"github.com/aquamarinepk/epcp/item"
	"github.com/aquamarinepk/epcp/log"
	"github.com/aquamarinepk/epcp/monitor"
	"github.com/aquamarinepk/epcp/natsbus"
	"github.com/aquamarinepk/epcp/publisher"
	"github.com/aquamarinepk/epcp/zmqbus"
)

// ErrClosed is returned by operations on a closed Publisher.
var ErrClosed = errors.New("fanout publisher is closed")

// EventFunc receives the aggregated subscription events: one sub when a
// channel gains its first subscriber anywhere, one unsub when it loses
// its last.
type EventFunc func(event, channel string)

// Publisher multiplexes publishes across an ordered fleet of clients.
type Publisher struct {
	log   log.Logger
	codec codec.Codec

	subCallback EventFunc

	mu      sync.Mutex
	clients []Client
	sources []SubscriptionView
	subCtrl *zmqbus.Controller
	closed  bool

	publisherOpts []publisher.Option
	zmqOpts       []zmqbus.Option
	monitorOpts   []monitor.Option
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithSubCallback registers the aggregated subscription event callback.
func WithSubCallback(cb EventFunc) Option {
	return func(p *Publisher) {
		p.subCallback = cb
	}
}

// WithCodec replaces the message-bus wire codec.
func WithCodec(c codec.Codec) Option {
	return func(p *Publisher) {
		if c != nil {
			p.codec = c
		}
	}
}

// WithPublisherOptions forwards extra options to HTTP clients built by
// ApplyConfig.
func WithPublisherOptions(opts ...publisher.Option) Option {
	return func(p *Publisher) {
		p.publisherOpts = append(p.publisherOpts, opts...)
	}
}

// WithZmqOptions forwards extra options to message-bus clients built by
// ApplyConfig.
func WithZmqOptions(opts ...zmqbus.Option) Option {
	return func(p *Publisher) {
		p.zmqOpts = append(p.zmqOpts, opts...)
	}
}

// WithMonitorOptions forwards extra options to the monitors of gated
// HTTP clients built by ApplyConfig.
func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(p *Publisher) {
		p.monitorOpts = append(p.monitorOpts, opts...)
	}
}

// New creates a Publisher and registers it in the process registry so a
// termination hook can close it.
func New(logger log.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		log:   logger.With("component", "fanout"),
		codec: codec.TNetstrings{},
	}
	for _, opt := range opts {
		opt(p)
	}
	register(p)
	return p
}

// AddClient appends a client to the fleet. Clients added this way do
// not feed event aggregation; use ApplyConfig for gated endpoints.
func (p *Publisher) AddClient(c Client) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.clients = append(p.clients, c)
	return nil
}

// ApplyConfig builds clients from configuration entries. One entry can
// produce an HTTP client, a message-bus client, and a broker client. On
// any construction failure every client created by this call is closed
// and the fleet is left unchanged.
func (p *Publisher) ApplyConfig(entries []config.Endpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	var created []Client
	var sources []SubscriptionView

	rollback := func(err error) error {
		for _, c := range created {
			c.Close()
		}
		return err
	}

	for i, entry := range entries {
		if entry.URI != "" {
			client, view := p.buildHTTPClient(entry)
			created = append(created, client)
			if view != nil {
				sources = append(sources, view)
			}
		}

		if entry.ZmqURI != "" || entry.ZmqPushURI != "" || entry.ZmqPubURI != "" {
			client, err := p.buildZmqClientLocked(entry)
			if err != nil {
				return rollback(fmt.Errorf("cannot build zmq client for entry %d: %w", i, err))
			}
			created = append(created, client)
		}

		if entry.NATSURL != "" {
			cfg := natsbus.DefaultConfig()
			cfg.URL = entry.NATSURL
			client, err := natsbus.New(cfg, p.log)
			if err != nil {
				return rollback(fmt.Errorf("cannot build nats client for entry %d: %w", i, err))
			}
			created = append(created, client)
		}
	}

	p.clients = append(p.clients, created...)
	p.sources = append(p.sources, sources...)
	return nil
}

func (p *Publisher) buildHTTPClient(entry config.Endpoint) (*publisher.Client, SubscriptionView) {
	opts := append([]publisher.Option{}, p.publisherOpts...)
	if entry.ISS != "" {
		opts = append(opts, publisher.WithBearerAuth(
			map[string]any{"iss": entry.ISS}, []byte(entry.Key)))
	} else if entry.User != "" {
		opts = append(opts, publisher.WithBasicAuth(entry.User, entry.Pass))
	}

	var handler *sourceHandler
	if entry.RequireSubscribers {
		handler = &sourceHandler{emit: p.handleSourceEvent}
		opts = append(opts,
			publisher.WithRequireSubscribers(handler.handle),
			publisher.WithMonitorOptions(p.monitorOpts...))
	}

	if handler == nil {
		return publisher.New(entry.URI, p.log, opts...), nil
	}

	// Hold the handler lock across construction: the monitor starts
	// streaming immediately, and its first events must block until the
	// view is attached rather than be dropped.
	handler.mu.Lock()
	client := publisher.New(entry.URI, p.log, opts...)
	view := client.SubscriptionView()
	handler.view = view
	handler.mu.Unlock()
	return client, view
}

// buildZmqClientLocked builds a message-bus client, wiring PUB-mode
// entries through the shared subscription controller. Caller holds mu.
func (p *Publisher) buildZmqClientLocked(entry config.Endpoint) (*zmqbus.Client, error) {
	opts := append([]zmqbus.Option{
		zmqbus.WithCodec(p.codec),
		zmqbus.WithDiscoveryCallback(p.discoveredURIs),
	}, p.zmqOpts...)

	if entry.RequireSubscribers {
		ctrl, err := p.ensureControllerLocked()
		if err != nil {
			return nil, err
		}
		opts = append(opts, zmqbus.WithController(ctrl))
	}

	client, err := zmqbus.New(entry.ZmqURI, entry.ZmqPushURI, entry.ZmqPubURI,
		entry.RequireSubscribers, p.log, opts...)
	if err != nil {
		return nil, err
	}

	// A known PUB URI connects the shared controller now; when discovery
	// runs (command URI set, push URI missing), the discovery callback
	// connects it instead.
	if entry.ZmqPubURI != "" && entry.RequireSubscribers &&
		(entry.ZmqURI == "" || entry.ZmqPushURI != "") {
		if err := p.subCtrl.Connect(entry.ZmqPubURI); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}

// discoveredURIs connects the shared controller to a PUB URI discovered
// by a message-bus client.
func (p *Publisher) discoveredURIs(pushURI, pubURI string, requireSubscribers bool) {
	if pubURI == "" || !requireSubscribers {
		return
	}
	p.mu.Lock()
	ctrl := p.subCtrl
	p.mu.Unlock()
	if ctrl != nil {
		if err := ctrl.Connect(pubURI); err != nil {
			p.log.Errorf("Cannot connect controller to discovered pub uri: %v", err)
		}
	}
}

// ensureControllerLocked lazily creates the shared XPUB controller and
// registers it as an event source. Caller holds mu.
func (p *Publisher) ensureControllerLocked() (*zmqbus.Controller, error) {
	if p.subCtrl != nil {
		return p.subCtrl, nil
	}

	handler := &sourceHandler{emit: p.handleSourceEvent}
	ctrl, err := zmqbus.NewController(p.log, handler.handle)
	if err != nil {
		return nil, err
	}
	handler.mu.Lock()
	handler.view = ctrl
	handler.mu.Unlock()
	p.subCtrl = ctrl
	p.sources = append(p.sources, ctrl)
	return ctrl, nil
}

// Publish delivers the item to every client synchronously. Every client
// is attempted; the first error observed is returned.
func (p *Publisher) Publish(ctx context.Context, channel string, it *item.Item) error {
	clients, ctrl, err := p.snapshot()
	if err != nil {
		return err
	}

	var firstErr error
	for _, c := range clients {
		if err := c.Publish(ctx, channel, it); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.sendToPub(ctrl, channel, it); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// PublishAsync dispatches the item to every client. The callback, when
// not nil, is invoked exactly once with the aggregated outcome.
func (p *Publisher) PublishAsync(channel string, it *item.Item, cb Callback) error {
	clients, ctrl, err := p.snapshot()
	if err != nil {
		return err
	}

	dispatch := cb
	if cb != nil {
		if len(clients) == 0 {
			cb(true, "")
		} else {
			dispatch = newCompletionHandler(len(clients), cb).handle
		}
	}

	for _, c := range clients {
		if err := c.PublishAsync(channel, it, dispatch); err != nil && dispatch != nil {
			dispatch(false, err.Error())
		}
	}

	if err := p.sendToPub(ctrl, channel, it); err != nil {
		p.log.Errorf("Cannot publish on internal pub socket: %v", err)
	}
	return nil
}

// sendToPub emits the item on the shared XPUB socket, when one exists.
func (p *Publisher) sendToPub(ctrl *zmqbus.Controller, channel string, it *item.Item) error {
	if ctrl == nil {
		return nil
	}
	export, err := it.Export(true, true)
	if err != nil {
		return err
	}
	frame, err := p.codec.Marshal(export)
	if err != nil {
		return fmt.Errorf("cannot encode item: %w", err)
	}
	return ctrl.Publish([]byte(channel), frame)
}

// WaitAllSent blocks until every client drained its pending deliveries.
func (p *Publisher) WaitAllSent() error {
	clients, _, err := p.snapshot()
	if err != nil {
		return err
	}
	for _, c := range clients {
		c.WaitAllSent()
	}
	return nil
}

// Close drains and closes every client, stops the shared controller, and
// removes the publisher from the process registry.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	clients := p.clients
	ctrl := p.subCtrl
	p.subCtrl = nil
	p.mu.Unlock()

	for _, c := range clients {
		if err := c.Close(); err != nil && !errors.Is(err, ErrClosed) {
			p.log.Errorf("Cannot close client: %v", err)
		}
	}
	if ctrl != nil {
		ctrl.Stop()
	}
	deregister(p)
	return nil
}

// Closed reports whether Close has run.
func (p *Publisher) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// IsChannelSubscribedTo reports whether any source currently holds the
// channel.
func (p *Publisher) IsChannelSubscribedTo(channel string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.anySourceHasLocked(channel, nil)
}

func (p *Publisher) snapshot() ([]Client, *zmqbus.Controller, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, ErrClosed
	}
	clients := make([]Client, len(p.clients))
	copy(clients, p.clients)
	return clients, p.subCtrl, nil
}

// handleSourceEvent aggregates per-source events into the user callback.
// Sources deliver sub before their set gains the channel and unsub after
// it lost it, which makes both checks expressible against current state.
func (p *Publisher) handleSourceEvent(src SubscriptionView, event, channel string) {
	p.mu.Lock()
	fire := false
	switch event {
	case monitor.EventSubscribe:
		fire = !p.anySourceHasLocked(channel, nil)
	case monitor.EventUnsubscribe:
		fire = !p.anySourceHasLocked(channel, src)
	}
	cb := p.subCallback
	p.mu.Unlock()

	if fire && cb != nil {
		cb(event, channel)
	}
}

func (p *Publisher) anySourceHasLocked(channel string, skip SubscriptionView) bool {
	for _, src := range p.sources {
		if src == skip {
			continue
		}
		if src.IsChannelSubscribedTo(channel) {
			return true
		}
	}
	return false
}
