// Package peer runs WebRTC offer/answer and trickle ICE between two
// participants paired through the signaling relay, ending in an open data
// channel.
package peer
