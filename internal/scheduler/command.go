// Package scheduler turns director-issued global start instants into precisely
// timed local output.
//
// Every node, the director included, runs the same Execute path: the director
// feeds its own broadcast back in, so its local start is computed exactly like
// a follower's. Alignment is always derived from absolute state (elapsed global
// time since the start instant plus the current signed delay), which makes
// every correction idempotent.
package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrNotDirector   = errors.New("scheduler: self is not director")
	ErrClockUnlocked = errors.New("scheduler: clock base not locked")
	ErrNoObject      = errors.New("scheduler: object id required")
	ErrUnknownKind   = errors.New("scheduler: unknown command kind")
)

type Kind string

const (
	KindPlay   Kind = "play"
	KindStop   Kind = "stop"
	KindSelect Kind = "selectFile"
)

// Command is one director instruction. IssuedAtMs is the director's global
// time at issue and orders commands; GlobalStartMs is only set for play.
type Command struct {
	Kind          Kind
	ObjectID      string
	GlobalStartMs int64
	IssuedAtMs    int64
	IssuerID      string
}

func (c Command) String() string {
	return fmt.Sprintf("%s object=%q start=%d issued=%d issuer=%s", c.Kind, c.ObjectID, c.GlobalStartMs, c.IssuedAtMs, c.IssuerID)
}

// Alignment maps a running start onto local output position.
type Alignment struct {
	ObjectID              string
	StartedAtGlobalMs     int64
	LocalScheduleAnchorMs int64
	SignedDelayMs         int64
}
