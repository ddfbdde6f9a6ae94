// Package monitor maintains an eventually-consistent view of the
// channels currently subscribed on one HTTP endpoint.
//
// The view is built from two endpoint resources: a bulk items listing
// and a cursor-ordered change stream. A background stream task keeps a
// long-lived connection open and applies change records; whenever the
// cursor chain shows a gap, a fetch task re-reads the bulk listing and
// the stream catches up to the refreshed cursor.
package monitor

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aquamarinepk/epcp/httpclient"
	"github.com/aquamarinepk/epcp/log"
	"github.com/cenkalti/backoff/v4"
)

const (
	// EventSubscribe is delivered before the channel becomes visible in
	// the set; EventUnsubscribe after it has been removed. Downstream
	// aggregators rely on that ordering.
	EventSubscribe   = "sub"
	EventUnsubscribe = "unsub"

	streamPath = "/subscriptions/stream/"
	itemsPath  = "/subscriptions/items/"
)

// EventFunc receives subscription change events.
type EventFunc func(event, channel string)

// Monitor tracks the subscribed-channel set of one HTTP endpoint.
type Monitor struct {
	log      log.Logger
	http     *httpclient.Client
	headers  map[string]string
	callback EventFunc

	readTimeout    time.Duration
	catchUpTimeout time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration

	mu         sync.Mutex
	channels   map[string]bool
	lastCursor string
	catchUp    bool

	closed atomic.Bool
	failed atomic.Bool
	done   chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithAuthorization sets the Authorization header sent on every request.
func WithAuthorization(header string) Option {
	return func(m *Monitor) {
		if header != "" {
			m.headers["Authorization"] = header
		}
	}
}

// WithCallback sets the subscription event callback.
func WithCallback(cb EventFunc) Option {
	return func(m *Monitor) {
		m.callback = cb
	}
}

// WithHTTPClient replaces the transport client.
func WithHTTPClient(client *httpclient.Client) Option {
	return func(m *Monitor) {
		m.http = client
	}
}

// WithReadTimeout bounds the wait for the next stream record.
func WithReadTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.readTimeout = d
			m.catchUpTimeout = d
		}
	}
}

// WithBackoffIntervals tunes the reconnect/refetch backoff.
func WithBackoffIntervals(initial, max time.Duration) Option {
	return func(m *Monitor) {
		if initial > 0 && max >= initial {
			m.backoffInitial = initial
			m.backoffMax = max
		}
	}
}

// New creates a Monitor for the endpoint and starts its stream task.
func New(baseURI string, logger log.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		log:            logger.With("component", "submonitor"),
		headers:        make(map[string]string),
		channels:       make(map[string]bool),
		readTimeout:    60 * time.Second,
		catchUpTimeout: 60 * time.Second,
		backoffInitial: time.Second,
		backoffMax:     64 * time.Second,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.http == nil {
		m.http = httpclient.New(baseURI, logger)
	}

	go m.runStream()
	return m
}

// IsChannelSubscribedTo reports whether the channel is currently held.
func (m *Monitor) IsChannelSubscribedTo(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[channel]
}

// Failed reports whether the monitor shut down on a permanent error.
// Publishers gating on subscribers cannot decide while this is true.
func (m *Monitor) Failed() bool {
	return m.failed.Load()
}

// Closed reports whether the monitor has stopped, cooperatively or on a
// permanent error.
func (m *Monitor) Closed() bool {
	return m.closed.Load()
}

// Close cooperatively stops all background work.
func (m *Monitor) Close() {
	if m.closed.CompareAndSwap(false, true) {
		close(m.done)
	}
}

func (m *Monitor) emit(event, channel string) {
	if m.callback != nil {
		m.callback(event, channel)
	}
}

// streamRecord is one newline-framed change-stream entry.
type streamRecord struct {
	Item       subItem `json:"item"`
	PrevCursor string  `json:"prev_cursor"`
	Cursor     string  `json:"cursor"`
}

type subItem struct {
	State   string `json:"state"`
	Channel string `json:"channel"`
}

type itemsPage struct {
	Items      []subItem `json:"items"`
	LastCursor string    `json:"last_cursor"`
}

// runStream is the stream task: connect, fetch, monitor, reconnect.
func (m *Monitor) runStream() {
	bo := m.newBackOff(0)
	// The first retry after a failure is immediate; later ones back off
	// from backoffInitial up to backoffMax.
	immediate := true
	nextWait := func() time.Duration {
		if immediate {
			immediate = false
			return 0
		}
		return bo.NextBackOff()
	}
	for !m.closed.Load() {
		ctx, cancel := context.WithCancel(context.Background())
		resp, err := m.http.Stream(ctx, streamPath, m.headers)
		if err != nil {
			cancel()
			m.log.Debugf("Stream connect failed: %v", err)
			if !m.sleep(nextWait()) {
				return
			}
			continue
		}

		switch classifyStatus(resp.StatusCode) {
		case statusOK:
		case statusTransient:
			resp.Body.Close()
			cancel()
			if !m.sleep(nextWait()) {
				return
			}
			continue
		case statusPermanent:
			resp.Body.Close()
			cancel()
			m.log.Errorf("Stream endpoint rejected monitor with status %d", resp.StatusCode)
			m.failed.Store(true)
			m.Close()
			return
		}

		bo.Reset()
		immediate = true
		m.log.Debug("Stream connected")

		if ok := m.waitFetch(m.triggerFetch()); !ok {
			resp.Body.Close()
			cancel()
			if m.closed.Load() {
				return
			}
			continue
		}

		m.monitorStream(ctx, resp)
		resp.Body.Close()
		cancel()
	}
}

// triggerFetch runs the fetch task and returns its completion signal.
func (m *Monitor) triggerFetch() <-chan bool {
	result := make(chan bool, 1)
	go func() {
		result <- m.runFetch()
	}()
	return result
}

func (m *Monitor) waitFetch(result <-chan bool) bool {
	select {
	case ok := <-result:
		return ok
	case <-m.done:
		return false
	}
}

// monitorStream consumes change records until a read error, a timeout,
// an unrecoverable gap, or close.
func (m *Monitor) monitorStream(ctx context.Context, resp *http.Response) {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	catchUpDeadline := time.Now().Add(m.catchUpTimeout)

	for {
		timeout := m.readTimeout
		m.mu.Lock()
		inCatchUp := m.catchUp
		m.mu.Unlock()
		if inCatchUp {
			timeout = time.Until(catchUpDeadline)
			if timeout <= 0 {
				m.log.Debug("Catch-up phase timed out, reconnecting")
				return
			}
		}

		select {
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			var rec streamRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				m.log.Errorf("Cannot parse stream record: %v", err)
				continue
			}
			ok, startedCatchUp := m.applyRecord(rec)
			if !ok {
				return
			}
			if startedCatchUp {
				catchUpDeadline = time.Now().Add(m.catchUpTimeout)
			}
		case err := <-readErr:
			m.log.Debugf("Stream read ended: %v", err)
			return
		case <-time.After(timeout):
			m.log.Debug("Stream read timed out, reconnecting")
			return
		case <-m.done:
			return
		}
	}
}

// applyRecord processes one change record. It returns ok=false when the
// stream must reconnect (a gap refetch failed); startedCatchUp is set
// when a gap refetch armed a fresh catch-up phase.
func (m *Monitor) applyRecord(rec streamRecord) (ok, startedCatchUp bool) {
	m.mu.Lock()
	catchUp := m.catchUp
	last := m.lastCursor
	m.mu.Unlock()

	if catchUp {
		if !cursorsEqual(rec.PrevCursor, last) {
			// Not yet at the fetch cursor; keep skipping.
			return true, false
		}
		m.mu.Lock()
		m.catchUp = false
		m.mu.Unlock()
	} else if !cursorsEqual(rec.PrevCursor, last) {
		m.log.Debug("Cursor gap detected, refetching subscriptions")
		if !m.waitFetch(m.triggerFetch()) {
			return false, false
		}
		// Reprocess this record against the refreshed cursor: it either
		// ends the new catch-up phase or is superseded by the fetch.
		ok, _ = m.applyRecord(rec)
		return ok, true
	}

	m.applyItem(rec.Item.State, rec.Item.Channel)
	m.mu.Lock()
	m.lastCursor = rec.Cursor
	m.mu.Unlock()
	return true, false
}

// applyItem mutates the channel set. The callback fires before a channel
// becomes visible and after it has been removed.
func (m *Monitor) applyItem(state, channel string) {
	switch state {
	case "subscribed":
		m.mu.Lock()
		if m.channels[channel] {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.emit(EventSubscribe, channel)
		m.mu.Lock()
		m.channels[channel] = true
		m.mu.Unlock()
	case "unsubscribed":
		m.mu.Lock()
		if !m.channels[channel] {
			m.mu.Unlock()
			return
		}
		delete(m.channels, channel)
		m.mu.Unlock()
		m.emit(EventUnsubscribe, channel)
	}
}

// runFetch is the fetch task: paginate the bulk items listing, apply the
// result, and arm the stream catch-up phase.
func (m *Monitor) runFetch() bool {
	m.mu.Lock()
	cursor := m.lastCursor
	m.mu.Unlock()
	full := cursor == ""

	var items []subItem
	for {
		path := itemsPath
		if cursor != "" {
			path += "?" + url.Values{"since": {"cursor:" + cursor}}.Encode()
		}

		resp, ok := m.getWithBackoff(path)
		if !ok {
			return false
		}
		if resp.StatusCode == http.StatusNotFound {
			// The endpoint lost the subscription history.
			m.log.Error("Subscription history gone, dropping all channels")
			m.dropAll()
			return false
		}
		if !resp.IsSuccess() {
			m.log.Errorf("Subscription fetch rejected with status %d", resp.StatusCode)
			return false
		}

		var page itemsPage
		if err := resp.JSON(&page); err != nil {
			m.log.Errorf("Cannot parse subscription items: %v", err)
			return false
		}
		cursor = page.LastCursor
		if len(page.Items) == 0 {
			break
		}
		items = append(items, page.Items...)
	}

	if full {
		m.reconcile(items)
	}
	for _, it := range items {
		m.applyItem(it.State, it.Channel)
	}

	m.mu.Lock()
	m.lastCursor = cursor
	m.catchUp = true
	m.mu.Unlock()
	return true
}

// reconcile drops channels absent from a full state listing. Incremental
// fetches are deltas and never pass through here.
func (m *Monitor) reconcile(items []subItem) {
	subscribed := make(map[string]bool, len(items))
	for _, it := range items {
		if it.State == "subscribed" {
			subscribed[it.Channel] = true
		}
	}

	m.mu.Lock()
	var stale []string
	for ch := range m.channels {
		if !subscribed[ch] {
			stale = append(stale, ch)
		}
	}
	m.mu.Unlock()

	for _, ch := range stale {
		m.applyItem("unsubscribed", ch)
	}
}

// dropAll clears the set and cursor, delivering unsub for every channel.
func (m *Monitor) dropAll() {
	m.mu.Lock()
	held := make([]string, 0, len(m.channels))
	for ch := range m.channels {
		held = append(held, ch)
	}
	m.lastCursor = ""
	m.mu.Unlock()

	for _, ch := range held {
		m.applyItem("unsubscribed", ch)
	}
}

// getWithBackoff retries transient failures until the backoff gives up.
// The returned flag is false when the fetch interval was exhausted or
// the monitor closed.
func (m *Monitor) getWithBackoff(path string) (*httpclient.Response, bool) {
	bo := m.newBackOff(2 * m.backoffMax)
	for {
		resp, err := m.http.Get(context.Background(), path, m.headers)
		if err == nil && classifyStatus(resp.StatusCode) != statusTransient {
			return resp, true
		}
		if err != nil {
			m.log.Debugf("Subscription fetch attempt failed: %v", err)
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return nil, false
		}
		if !m.sleep(wait) {
			return nil, false
		}
	}
}

// sleep waits for the interval or until close. It returns false on close.
func (m *Monitor) sleep(d time.Duration) bool {
	if d <= 0 {
		return !m.closed.Load()
	}
	select {
	case <-time.After(d):
		return true
	case <-m.done:
		return false
	}
}

func (m *Monitor) newBackOff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.backoffInitial
	bo.MaxInterval = m.backoffMax
	bo.MaxElapsedTime = maxElapsed
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}

type statusClass int

const (
	statusOK statusClass = iota
	statusTransient
	statusPermanent
)

// classifyStatus follows the monitor policy: 2xx succeeds, server-class
// statuses other than 501 are transient, everything else (4xx, 501, and
// out-of-range codes) permanently disables the monitor.
func classifyStatus(code int) statusClass {
	switch {
	case code >= 200 && code < 300:
		return statusOK
	case code >= 500 && code < 600 && code != http.StatusNotImplemented:
		return statusTransient
	default:
		return statusPermanent
	}
}

// parseCursor extracts the comparable suffix of a cursor: the portion
// after the first '_' of its base64-decoded form. It reports false for
// an unparseable cursor; such cursors compare by their raw value.
func parseCursor(cursor string) (string, bool) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(cursor)
		if err != nil {
			return "", false
		}
	}
	_, suffix, found := strings.Cut(string(decoded), "_")
	if !found {
		return "", false
	}
	return suffix, true
}

func cursorsEqual(a, b string) bool {
	if a == b {
		return true
	}
	sa, okA := parseCursor(a)
	sb, okB := parseCursor(b)
	return okA && okB && sa == sb
}
