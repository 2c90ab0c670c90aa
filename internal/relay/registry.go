package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/ratelimit"
)

// Status is the pairing state of a key.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusConnected Status = "connected"
)

const maxIDAttempts = 8

type Config struct {
	// MaxPairs caps the number of keys with a live record. 0 means unlimited.
	MaxPairs int
	// MaxMailboxMessages caps each mailbox. 0 means unlimited.
	MaxMailboxMessages int
	// PairIdleTimeout is how long a record may go untouched before Reap
	// removes it. 0 disables expiry.
	PairIdleTimeout time.Duration
}

// PairResult is what a participant learns when presenting a key.
type PairResult struct {
	ID     ParticipantID
	Status Status
}

type record struct {
	key      string
	status   Status
	ids      [2]ParticipantID
	lastSeen time.Time
}

type member struct {
	rec     *record
	partner ParticipantID // zero until the pairing completes
	box     *mailbox      // nil until the pairing completes
}

type Option func(*Registry)

// WithIDSource replaces the random participant id generator.
func WithIDSource(next func() (ParticipantID, error)) Option {
	return func(r *Registry) { r.newID = next }
}

func WithClock(c ratelimit.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// Registry pairs participants by key and relays payloads between partners.
type Registry struct {
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger
	newID   func() (ParticipantID, error)
	clock   ratelimit.Clock

	mu      sync.Mutex
	records map[string]*record
	members map[ParticipantID]*member
}

func NewRegistry(cfg Config, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Registry {
	if m == nil {
		m = &metrics.Metrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		cfg:     cfg,
		metrics: m,
		log:     logger,
		newID:   newParticipantID,
		clock:   ratelimit.RealClock{},
		records: make(map[string]*record),
		members: make(map[ParticipantID]*member),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pair registers a participant under key.
//
// The first participant for a key is told to wait. The second completes the
// pairing: both get a mailbox and a link to each other. A third participant
// for an already connected key supersedes the old pair, which loses its links
// and mailboxes, and becomes the first participant of a fresh record.
func (r *Registry) Pair(key string) (PairResult, error) {
	if key == "" {
		return PairResult{}, ErrKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	rec, ok := r.records[key]

	if ok && rec.status == StatusWaiting {
		id, err := r.allocateIDLocked()
		if err != nil {
			return PairResult{}, err
		}
		first := rec.ids[0]
		rec.ids[1] = id
		rec.status = StatusConnected
		rec.lastSeen = now

		r.members[first].partner = id
		r.members[first].box = newMailbox(r.cfg.MaxMailboxMessages)
		r.members[id] = &member{rec: rec, partner: first, box: newMailbox(r.cfg.MaxMailboxMessages)}

		r.metrics.Inc(metrics.PairConnected)
		r.log.Debug("pair connected", "key_hash", keyHash(key), "id", id, "partner", first)
		return PairResult{ID: id, Status: StatusConnected}, nil
	}

	if !ok && r.cfg.MaxPairs > 0 && len(r.records) >= r.cfg.MaxPairs {
		r.metrics.Inc(metrics.DropReasonTooManyPairs)
		return PairResult{}, ErrTooManyPairs
	}

	id, err := r.allocateIDLocked()
	if err != nil {
		return PairResult{}, err
	}
	if ok {
		// Connected: the previous pair is replaced.
		r.removeRecordLocked(rec)
		r.metrics.Inc(metrics.PairSuperseded)
		r.log.Debug("pair superseded", "key_hash", keyHash(key), "old_ids", rec.ids)
	}

	rec = &record{key: key, status: StatusWaiting, ids: [2]ParticipantID{id}, lastSeen: now}
	r.records[key] = rec
	r.members[id] = &member{rec: rec}

	r.metrics.Inc(metrics.PairWaiting)
	r.log.Debug("pair waiting", "key_hash", keyHash(key), "id", id)
	return PairResult{ID: id, Status: StatusWaiting}, nil
}

// Send appends msg to the mailbox of id's partner and returns the partner id.
func (r *Registry) Send(id ParticipantID, msg json.RawMessage) (ParticipantID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[id]
	if !ok || m.partner == 0 {
		r.metrics.Inc(metrics.UnknownParticipant)
		return 0, ErrUnknownParticipant
	}
	p, ok := r.members[m.partner]
	if !ok || p.box == nil {
		r.metrics.Inc(metrics.MessageRejected)
		return m.partner, ErrUnreachablePartner
	}
	if !p.box.push(msg) {
		r.metrics.Inc(metrics.DropReasonMailboxFull)
		return m.partner, ErrMailboxFull
	}
	m.rec.lastSeen = r.clock.Now()
	r.metrics.Inc(metrics.MessageQueued)
	return m.partner, nil
}

// Receive drains id's mailbox. Each payload is handed out at most once.
func (r *Registry) Receive(id ParticipantID) ([]json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[id]
	if !ok {
		r.metrics.Inc(metrics.UnknownParticipant)
		return nil, ErrUnknownParticipant
	}
	// A waiting participant polls before it has a mailbox; that still counts
	// as activity for idle expiry.
	m.rec.lastSeen = r.clock.Now()
	if m.box == nil {
		r.metrics.Inc(metrics.UnknownParticipant)
		return nil, ErrUnknownParticipant
	}
	msgs := m.box.drain()
	if len(msgs) > 0 {
		r.metrics.Inc(metrics.BatchDelivered)
	}
	return msgs, nil
}

// Watch exposes the wakeup channels of id's mailbox. notify receives a value
// after one or more enqueues; gone is closed once the mailbox is destroyed.
func (r *Registry) Watch(id ParticipantID) (notify <-chan struct{}, gone <-chan struct{}, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[id]
	if !ok {
		return nil, nil, ErrUnknownParticipant
	}
	m.rec.lastSeen = r.clock.Now()
	if m.box == nil {
		return nil, nil, ErrUnknownParticipant
	}
	return m.box.notify, m.box.gone, nil
}

// Reap removes records idle for longer than PairIdleTimeout and returns how
// many were removed.
func (r *Registry) Reap(now time.Time) int {
	if r.cfg.PairIdleTimeout <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, rec := range r.records {
		if now.Sub(rec.lastSeen) < r.cfg.PairIdleTimeout {
			continue
		}
		r.removeRecordLocked(rec)
		delete(r.records, rec.key)
		n++
	}
	if n > 0 {
		r.metrics.Add(metrics.PairExpired, uint64(n))
		r.log.Debug("expired idle pairs", "count", n)
	}
	return n
}

// Stats reports gauge values for the metrics endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := map[string]int{
		"pairs_waiting":   0,
		"pairs_connected": 0,
		"mailboxes":       0,
		"queued_messages": 0,
	}
	for _, rec := range r.records {
		if rec.status == StatusConnected {
			out["pairs_connected"]++
		} else {
			out["pairs_waiting"]++
		}
	}
	for _, m := range r.members {
		if m.box != nil {
			out["mailboxes"]++
			out["queued_messages"] += len(m.box.msgs)
		}
	}
	return out
}

// removeRecordLocked drops every member of rec along with their links and
// mailboxes. The caller owns r.records[rec.key].
func (r *Registry) removeRecordLocked(rec *record) {
	for _, id := range rec.ids {
		if id == 0 {
			continue
		}
		if m, ok := r.members[id]; ok && m.rec == rec {
			if m.box != nil {
				m.box.destroy()
			}
			delete(r.members, id)
		}
	}
}

func (r *Registry) allocateIDLocked() (ParticipantID, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := r.newID()
		if err != nil {
			return 0, err
		}
		if !id.Valid() {
			continue
		}
		if _, taken := r.members[id]; taken {
			continue
		}
		return id, nil
	}
	return 0, errors.New("failed to allocate unique participant id")
}

func keyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}
