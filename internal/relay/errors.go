package relay

import "errors"

var (
	ErrKey                = errors.New("no recognizable query key")
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrUnknownParticipant = errors.New("unknown participant")
	// ErrUnreachablePartner means the sender is linked but the partner's
	// mailbox is gone. Supersede removes links and mailboxes together, so this
	// only surfaces if that invariant is broken.
	ErrUnreachablePartner = errors.New("partner unreachable")
	ErrTooManyPairs       = errors.New("too many pairs")
	ErrMailboxFull        = errors.New("mailbox full")
	ErrRateLimited        = errors.New("rate limited")
)
