package pollclient

import "time"

const (
	fastDelay   = 10 * time.Millisecond
	mediumDelay = 100 * time.Millisecond
	slowDelay   = time.Second

	fastRounds   = 10
	mediumRounds = 20
)

// Backoff tracks the interval between polls. It starts in the fast tier and
// slows down after 10 and then 20 consecutive rounds that delivered nothing.
//
// The zero value is not ready for use; call NewBackoff.
type Backoff struct {
	counter int
}

func NewBackoff() *Backoff {
	return &Backoff{counter: 1}
}

// Increase records a round that delivered no messages (or failed).
func (b *Backoff) Increase() {
	b.counter++
}

// Reset returns to the fast tier after a round that delivered messages.
func (b *Backoff) Reset() {
	b.counter = 1
}

// Delay is the wait before the next poll.
func (b *Backoff) Delay() time.Duration {
	switch {
	case b.counter > mediumRounds:
		return slowDelay
	case b.counter > fastRounds:
		return mediumDelay
	default:
		return fastDelay
	}
}
