package fanout

import "sync"

// The process-wide registry of live publishers. A termination hook calls
// CloseAll so that queued deliveries drain before exit.
var (
	registryMu sync.Mutex
	registry   = make(map[*Publisher]struct{})
)

func register(p *Publisher) {
	registryMu.Lock()
	registry[p] = struct{}{}
	registryMu.Unlock()
}

func deregister(p *Publisher) {
	registryMu.Lock()
	delete(registry, p)
	registryMu.Unlock()
}

// CloseAll closes every live publisher. Suitable for process-exit hooks
// and safe to call more than once.
func CloseAll() {
	registryMu.Lock()
	live := make([]*Publisher, 0, len(registry))
	for p := range registry {
		live = append(live, p)
	}
	registryMu.Unlock()

	for _, p := range live {
		p.Close()
	}
}

// LiveCount returns the number of registered publishers.
func LiveCount() int {
	registryMu.Lock()
	defer registryMu.Unlock()
	return len(registry)
}
