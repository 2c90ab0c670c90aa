// Package signaling exposes the relay registry over plain HTTP request/response
// endpoints that browsers can reach with XMLHttpRequest, plus an optional
// WebSocket channel that pushes mailbox contents as they arrive.
//
// Every protocol outcome, success or failure, is an HTTP 200 carrying a JSON
// body. Failures use the envelope {"err": "..."}.
package signaling
