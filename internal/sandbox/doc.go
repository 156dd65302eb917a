// Package sandbox is the agent side of hosting: the process that runs
// guest code, and the host helpers that launch it.
//
// A sandbox dials its RPC socket and then its event socket, waits for the
// init event carrying (code, briefcase), applies its resource profile and
// runs the code in a Starlark interpreter. The only value the guest sees
// besides the pure Starlark builtins is Api, a stub whose unknown
// attributes turn into synchronous capability calls, and Briefcase.
// There is no load statement, file, process or network primitive.
//
// Events are delivered by Api.listen, one per call, to the callbacks
// registered for that event name in descending priority order; equal
// priorities run in registration order.
package sandbox
