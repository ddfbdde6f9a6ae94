// Package fanout binds a fleet of transport clients together: one
// publish call reaches every configured endpoint, and subscription
// events observed across all endpoints collapse into a single
// per-channel signal.
package fanout

import (
	"context"
	"sync"

	"github.com/aquamarinepk/epcp/item"
)

// Callback receives the outcome of an asynchronous publish.
type Callback = func(ok bool, message string)

// Client is the capability set shared by all transport clients.
type Client interface {
	// Publish delivers the item synchronously.
	Publish(ctx context.Context, channel string, it *item.Item) error

	// PublishAsync dispatches the delivery and reports through the
	// callback exactly once. A non-nil error means no callback will fire.
	PublishAsync(channel string, it *item.Item, cb Callback) error

	// WaitAllSent blocks until pending asynchronous deliveries complete.
	WaitAllSent()

	// Close releases the client's resources.
	Close() error
}

// SubscriptionView answers whether a channel currently has subscribers,
// as seen by one event source.
type SubscriptionView interface {
	IsChannelSubscribedTo(channel string) bool
}

// completionHandler collapses the callbacks of a multi-client publish
// into a single user callback: success is the AND of all outcomes and
// the message is the first error observed.
type completionHandler struct {
	mu         sync.Mutex
	remaining  int
	ok         bool
	firstError string
	cb         Callback
}

func newCompletionHandler(calls int, cb Callback) *completionHandler {
	return &completionHandler{remaining: calls, ok: true, cb: cb}
}

func (h *completionHandler) handle(ok bool, message string) {
	h.mu.Lock()
	if !ok && h.ok {
		h.ok = false
		h.firstError = message
	}
	h.remaining--
	fire := h.remaining == 0
	result, firstError := h.ok, h.firstError
	h.mu.Unlock()

	if fire {
		h.cb(result, firstError)
	}
}

// sourceHandler binds a subscription event stream to its originating
// view. The builder holds mu while constructing the client, so events
// racing the construction wait for the view instead of getting lost.
type sourceHandler struct {
	mu   sync.Mutex
	view SubscriptionView
	emit func(src SubscriptionView, event, channel string)
}

func (h *sourceHandler) handle(event, channel string) {
	h.mu.Lock()
	view := h.view
	h.mu.Unlock()
	if view != nil {
		h.emit(view, event, channel)
	}
}
