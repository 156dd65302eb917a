// Package controller hosts mobile agents on this node.
//
// A Controller owns two loopback listeners, one for agent capability calls
// (RPC) and one for pushed events, and a single reactor goroutine. The
// reactor is the only goroutine that decodes from or writes to an agent
// connection. Other goroutines reach it by appending a command to the
// queue and ringing the doorbell; per-connection watchers only report
// readiness and then park until the reactor has consumed the frame.
//
// Hosting an agent spawns a sandbox process, accepts its RPC connection
// and then its event connection, pushes the init event and registers both
// connections. Capability calls are served from the capability command
// table; failures and unknown methods become error envelopes, never
// reactor faults.
package controller
