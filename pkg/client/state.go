// Package client implements the broker's client runtime (spec §4.7): a
// WebSocket client sharing the server's wire codec, with reconnection,
// an offline queue, and client-side heartbeating. Grounded on the
// teacher's gobwas/ws usage on the server side — the teacher has no
// client dialer of its own, so the dial path here is built from
// ws.Dialer the way ws.UpgradeHTTP is used on the accept side.
package client

// State is the client's connection lifecycle (spec §4.7).
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
