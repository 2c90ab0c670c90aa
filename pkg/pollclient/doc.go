// Package pollclient is the client side of the XHR signaling relay. A Client
// pairs under a shared key and then long-polls the relay for messages from
// its partner, backing off from 10ms to 1s while the mailbox stays empty.
package pollclient
