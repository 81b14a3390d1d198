// Package session owns relay session transport helpers shared by the relay and
// its nodes.
//
// Ownership boundary:
// - timeouts, heartbeat and liveness defaults
// - retry/backoff primitives
// - optional TLS transport settings
package session
