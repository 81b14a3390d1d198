// Package node runs one swarm member: a relay session, clock estimation,
// director election, catalog gossip, object transfer and the synchronized
// command scheduler.
//
// All swarm state is owned by a single event loop goroutine. The relay link,
// object fetches and operator intents talk to it only through channels, so the
// core packages it drives need no locking.
package node
