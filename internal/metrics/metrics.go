package metrics

import "sync"

// Event names counted by the signaling client.
const (
	FramesReceived      = "frames_received"
	FramesSent          = "frames_sent"
	NonceViolations     = "nonce_violations"
	DecryptFailures     = "decrypt_failures"
	DecodeErrors        = "decode_errors"
	ProtocolErrors      = "protocol_errors"
	NoCommonTask        = "no_common_task"
	RespondersDropped   = "responders_dropped"
	HandshakesCompleted = "handshakes_completed"
	Restarts            = "restarts"
	InboundRateLimited  = "inbound_rate_limited"
	SessionsClosed      = "sessions_closed"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A nil *Metrics is valid and drops every update, so components can take an
// optional registry without nil checks at each call site.
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
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
