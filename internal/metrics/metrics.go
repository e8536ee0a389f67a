package metrics

import "sync"

// Counter names used by the relay. Names are intentionally simple; a
// follow-up can export these via a real metrics backend.
const (
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"
	RoomJoins         = "room_joins"
	RoomLeaves        = "room_leaves"
	MessagesRelayed   = "messages_relayed"
	CallsInitiated    = "calls_initiated"
	CallsAccepted     = "calls_accepted"
	CallsDeclined     = "calls_declined"
	CallsEnded        = "calls_ended"
	CallsUnavailable  = "calls_unavailable"

	DropReasonUnknownTarget  = "drop_unknown_target"
	DropReasonRateLimited    = "drop_rate_limited"
	DropReasonSendBufferFull = "drop_send_buffer_full"
)

// Metrics is a minimal, concurrency-safe counter registry. It keeps the
// relay's routing decisions observable and testable without pulling in a
// metrics backend.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters, for the /metrics endpoint.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
