// Package protocol owns the relay wire contract.
//
// Every relay message is one JSON object per line with a "type" tag. The set
// of message types is closed: each type maps to exactly one Go struct with a
// fixed field schema, and unknown types are rejected at decode time.
//
// Ownership boundary:
// - message variants and their validation
// - line encode/decode and type peeking
// - relay routing classification (interpreted vs relayed)
//
// The object transfer wire (frame/tlv/schema) lives in subpackages.
package protocol
