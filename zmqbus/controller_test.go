package zmqbus

import (
	"sync"
	"testing"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// startSub binds a SUB socket on an ephemeral port for the controller's
// XPUB to connect to.
func startSub(t *testing.T) (*zmq.Socket, string) {
	t.Helper()
	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		t.Fatalf("cannot create sub socket: %v", err)
	}
	sub.SetRcvtimeo(3 * time.Second)
	if err := sub.Bind("tcp://127.0.0.1:*"); err != nil {
		t.Fatalf("cannot bind sub socket: %v", err)
	}
	endpoint, err := sub.GetLastEndpoint()
	if err != nil {
		t.Fatalf("cannot resolve sub endpoint: %v", err)
	}
	t.Cleanup(func() { sub.Close() })
	return sub, endpoint
}

type controllerRecorder struct {
	mu     sync.Mutex
	events []string
	// visible records the controller's set membership at callback time.
	visible    map[string]bool
	controller *Controller
}

func (r *controllerRecorder) callback(event, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event+" "+channel)
	if r.controller != nil {
		r.visible[event+" "+channel] = r.controller.IsChannelSubscribedTo(channel)
	}
}

func (r *controllerRecorder) waitFor(t *testing.T, event string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, e := range r.events {
			if e == event {
				r.mu.Unlock()
				return
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t.Fatalf("event %q not observed; got %v", event, r.events)
}

func TestControllerSubscriptionEvents(t *testing.T) {
	sub, endpoint := startSub(t)

	rec := &controllerRecorder{visible: make(map[string]bool)}
	ctrl, err := NewController(testLogger(), rec.callback)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	defer ctrl.Stop()
	rec.mu.Lock()
	rec.controller = ctrl
	rec.mu.Unlock()

	if err := ctrl.Connect(endpoint); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Subscribing downstream surfaces a sub event upstream.
	sub.SetSubscribe("room")
	rec.waitFor(t, "sub room")
	if !ctrl.IsChannelSubscribedTo("room") {
		t.Error("expected room subscribed after sub event")
	}
	rec.mu.Lock()
	if rec.visible["sub room"] {
		t.Error("channel must not be visible while the sub event is delivered")
	}
	rec.mu.Unlock()

	// Published frames reach the subscriber as [channel, content].
	if err := ctrl.Publish([]byte("room"), []byte("payload")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	parts, err := sub.RecvMessageBytes(0)
	if err != nil {
		t.Fatalf("sub receive failed: %v", err)
	}
	if len(parts) != 2 || string(parts[0]) != "room" || string(parts[1]) != "payload" {
		t.Errorf("unexpected frame: %q", parts)
	}

	// Unsubscribing surfaces an unsub event after the set update.
	sub.SetUnsubscribe("room")
	rec.waitFor(t, "unsub room")
	if ctrl.IsChannelSubscribedTo("room") {
		t.Error("expected room removed after unsub event")
	}
	rec.mu.Lock()
	if rec.visible["unsub room"] {
		t.Error("channel must already be removed while the unsub event is delivered")
	}
	rec.mu.Unlock()
}

func TestControllerStopIsIdempotent(t *testing.T) {
	ctrl, err := NewController(testLogger(), nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	ctrl.Stop()
	ctrl.Stop()
}
