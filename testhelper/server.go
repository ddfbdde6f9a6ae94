// Package testhelper provides a fake EPCP endpoint for tests: it records
// publish batches and serves the subscription items and stream resources.
package testhelper

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
)

// PublishCall is one recorded POST /publish/ request.
type PublishCall struct {
	Items         []map[string]any
	Authorization string
}

// SubscriptionItem is one entry of the bulk items listing.
type SubscriptionItem struct {
	State   string `json:"state"`
	Channel string `json:"channel"`
}

// Server is a fake EPCP endpoint.
type Server struct {
	*httptest.Server

	mu              sync.Mutex
	publishCalls    []PublishCall
	publishStatuses []int

	items       []SubscriptionItem
	itemsCursor string
	itemsStatus int

	streamStatus int
	streamSubs   map[chan string]bool
}

// NewServer starts a fake endpoint. Close it with Server.Close.
func NewServer() *Server {
	s := &Server{
		itemsStatus:  http.StatusOK,
		streamStatus: http.StatusOK,
		streamSubs:   make(map[chan string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/publish/", s.handlePublish)
	mux.HandleFunc("/subscriptions/items/", s.handleItems)
	mux.HandleFunc("/subscriptions/stream/", s.handleStream)
	s.Server = httptest.NewServer(mux)
	return s
}

// Cursor builds a wire cursor whose comparable suffix is the given value.
func Cursor(suffix string) string {
	return base64.StdEncoding.EncodeToString([]byte("t_" + suffix))
}

// Publishes returns the recorded publish calls.
func (s *Server) Publishes() []PublishCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PublishCall, len(s.publishCalls))
	copy(out, s.publishCalls)
	return out
}

// QueuePublishStatus scripts the statuses of upcoming publish calls.
// Once the queue drains, calls succeed with 200.
func (s *Server) QueuePublishStatus(codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishStatuses = append(s.publishStatuses, codes...)
}

// SetSubscriptions replaces the full state served by the items listing.
func (s *Server) SetSubscriptions(cursorSuffix string, items ...SubscriptionItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = items
	s.itemsCursor = Cursor(cursorSuffix)
}

// SetItemsStatus forces a status on the items listing (e.g. 404).
func (s *Server) SetItemsStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.itemsStatus = code
}

// SetStreamStatus forces a status on stream connections.
func (s *Server) SetStreamStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamStatus = code
}

// PushStreamRecord broadcasts one change record to connected streams.
func (s *Server) PushStreamRecord(channel, state, prevCursorSuffix, cursorSuffix string) {
	rec := map[string]any{
		"item":        SubscriptionItem{State: state, Channel: channel},
		"prev_cursor": Cursor(prevCursorSuffix),
		"cursor":      Cursor(cursorSuffix),
	}
	line, _ := json.Marshal(rec)

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.streamSubs {
		select {
		case ch <- string(line):
		default:
		}
	}
}

// StreamClientCount returns the number of connected stream readers.
func (s *Server) StreamClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streamSubs)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.publishCalls = append(s.publishCalls, PublishCall{
		Items:         body.Items,
		Authorization: r.Header.Get("Authorization"),
	})
	status := http.StatusOK
	if len(s.publishStatuses) > 0 {
		status = s.publishStatuses[0]
		s.publishStatuses = s.publishStatuses[1:]
	}
	s.mu.Unlock()

	w.WriteHeader(status)
	if status >= 400 {
		fmt.Fprintf(w, "publish rejected with %d", status)
	}
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.itemsStatus
	cursor := s.itemsCursor
	items := s.items
	s.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}

	// A listing at the current cursor is already complete: empty page.
	since := r.URL.Query().Get("since")
	page := map[string]any{"items": items, "last_cursor": cursor}
	if since == "cursor:"+cursor {
		page["items"] = []SubscriptionItem{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(page)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.streamStatus
	s.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	lines := make(chan string, 16)
	s.mu.Lock()
	s.streamSubs[lines] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streamSubs, lines)
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case line := <-lines:
			fmt.Fprintln(w, line)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
