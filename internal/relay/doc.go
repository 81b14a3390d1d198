// Package relay is the stateless per-namespace fan-out bus.
//
// The relay interprets only join, timePing and heartbeat. Every other
// recognized message is written verbatim, byte for byte, to every other
// member of the sender's namespace; unrecognized lines are dropped. Nothing is
// persisted: a namespace exists while it has members and is deleted when the
// last one leaves.
package relay
