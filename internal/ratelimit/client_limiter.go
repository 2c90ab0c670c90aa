package ratelimit

import (
	"container/list"
	"sync"
)

const defaultMaxClients = 4096

// ClientLimiter applies an independent token bucket to each client key (usually
// the remote IP). The set of buckets is bounded; once full, the least recently
// seen client is forgotten and will start again with a full bucket.
type ClientLimiter struct {
	clock     Clock
	perSecond int64
	burst     int64
	max       int

	onEvict func()

	mu      sync.Mutex
	clients map[string]*clientEntry
	lru     *list.List
}

type clientEntry struct {
	bucket *TokenBucket
	elem   *list.Element
}

// NewClientLimiter returns nil when perSecond <= 0; a nil *ClientLimiter allows
// everything.
func NewClientLimiter(clock Clock, perSecond, burst int64, maxClients int, onEvict func()) *ClientLimiter {
	if perSecond <= 0 {
		return nil
	}
	if clock == nil {
		clock = RealClock{}
	}
	if burst <= 0 {
		burst = perSecond
	}
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}
	return &ClientLimiter{
		clock:     clock,
		perSecond: perSecond,
		burst:     burst,
		max:       maxClients,
		onEvict:   onEvict,
		clients:   make(map[string]*clientEntry),
		lru:       list.New(),
	}
}

// Allow reports whether one more request from key fits its budget.
func (l *ClientLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	return l.bucketFor(key).Allow(1)
}

// Len returns the number of clients currently tracked.
func (l *ClientLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *ClientLimiter) bucketFor(key string) *TokenBucket {
	var evicted bool

	l.mu.Lock()
	if e, ok := l.clients[key]; ok {
		l.lru.MoveToFront(e.elem)
		l.mu.Unlock()
		return e.bucket
	}

	if len(l.clients) >= l.max {
		if back := l.lru.Back(); back != nil {
			l.lru.Remove(back)
			delete(l.clients, back.Value.(string))
			evicted = true
		}
	}

	b := NewTokenBucket(l.clock, l.burst, l.perSecond)
	l.clients[key] = &clientEntry{bucket: b, elem: l.lru.PushFront(key)}
	l.mu.Unlock()

	// Callback runs outside the lock.
	if evicted && l.onEvict != nil {
		l.onEvict()
	}
	return b
}
