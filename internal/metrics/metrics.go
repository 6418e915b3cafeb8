package metrics

import "sync"

// Event names recorded by the relay.
const (
	ConnectionsOpened   = "signaling_connections_opened"
	ConnectionsClosed   = "signaling_connections_closed"
	RoomsJoined         = "signaling_rooms_joined"
	ParticipantsLeft    = "signaling_participants_left"
	EnvelopesRelayed    = "signaling_envelopes_relayed"
	RelayTargetGone     = "relay_target_gone"
	SlowConsumer        = "signaling_slow_consumer"
	BadMessage          = "signaling_bad_message"
	DropReasonRateLimit = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
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
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
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

// Snapshot returns a copy of every counter.
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
