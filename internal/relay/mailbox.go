package relay

import "encoding/json"

// mailbox is a FIFO of payloads waiting for one participant. It is only
// touched with Registry.mu held.
type mailbox struct {
	msgs []json.RawMessage
	max  int

	// notify holds at most one pending wakeup for a push watcher.
	notify chan struct{}
	// gone is closed when the mailbox is destroyed.
	gone chan struct{}
}

func newMailbox(max int) *mailbox {
	return &mailbox{
		max:    max,
		notify: make(chan struct{}, 1),
		gone:   make(chan struct{}),
	}
}

func (b *mailbox) push(msg json.RawMessage) bool {
	if b.max > 0 && len(b.msgs) >= b.max {
		return false
	}
	b.msgs = append(b.msgs, msg)
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

// drain returns everything queued and leaves the mailbox empty. The result is
// never nil so it encodes as [] rather than null.
func (b *mailbox) drain() []json.RawMessage {
	out := b.msgs
	b.msgs = nil
	if out == nil {
		out = []json.RawMessage{}
	}
	return out
}

func (b *mailbox) destroy() {
	select {
	case <-b.gone:
	default:
		close(b.gone)
	}
}
