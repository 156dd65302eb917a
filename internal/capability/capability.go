// Package capability defines the host-supplied object hosted agents are
// allowed to call, and a default implementation.
package capability

import (
	"net"
)

// Capability is consulted by the inbound server before accepting peers
// and code, and serves agent calls through its command table.
type Capability interface {
	AddressIsAllowed(addr net.Addr) bool
	CodeIsValid(code []byte) bool
	Commands() *Table
}

// LocalBroadcaster pushes an event to every locally hosted agent.
type LocalBroadcaster interface {
	Multicast(event string, args []any)
}

// Outbound enqueues fire-and-forget peer messages.
type Outbound interface {
	SendAgent(addr string, code []byte, briefcase map[string]any)
	SendBroadcast(addr, event string, args ...any)
}
