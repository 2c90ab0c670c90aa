// Package relay holds the rendezvous state of the signaling service: the
// pairing registry that matches two participants presenting the same key, and
// the per-participant mailboxes that carry opaque payloads between partners.
//
// All state lives in memory behind a single Registry mutex. Payloads are never
// inspected.
package relay
