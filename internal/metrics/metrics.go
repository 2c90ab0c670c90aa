package metrics

import "sync"

// Relay event names.
const (
	PairWaiting    = "pair_waiting"
	PairConnected  = "pair_connected"
	PairSuperseded = "pair_superseded"
	PairExpired    = "pair_expired"

	MessageQueued   = "message_queued"
	MessageRejected = "message_rejected"
	BatchDelivered  = "batch_delivered"

	UnknownParticipant = "unknown_participant"
	MalformedPayload   = "malformed_payload"

	PushConnections = "ws_push_connections"

	// RateLimiterEvicted counts per-client buckets dropped to stay under the
	// tracked-client cap.
	RateLimiterEvicted = "rate_limiter_evicted"
)

// Drop reasons. These count requests refused before reaching the registry or
// messages refused because a bound was hit.
const (
	DropReasonRateLimited  = "rate_limited"
	DropReasonTooManyPairs = "too_many_pairs"
	DropReasonMailboxFull  = "mailbox_full"
	DropReasonTooLarge     = "message_too_large"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The zero value is ready to use.
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

func (m *Metrics) Add(name string, n uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
