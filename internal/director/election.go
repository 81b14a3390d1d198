// Package director decides which node of a namespace may issue commands.
//
// The director id is a last-writer-wins register stamped with the global time
// of the assert or take that wrote it, ties broken by the higher id. The relay
// never echoes a message to its sender, so plain arrival order would leave two
// racing takers each holding the other's id; the stamp makes concurrent takes
// converge on one winner. Unstamped messages apply in arrival order. The
// register is eventually consistent, not strongly consistent. A departed director leaves the
// register vacant; nothing elects a replacement automatically except the
// one-shot roster fallback at session start.
package director

import (
	"errors"
	"time"

	"github.com/danmuck/swarmsync/internal/membership"
	"github.com/rs/zerolog/log"
)

var ErrNotDirector = errors.New("director: self is not director")

type State int

const (
	Vacant State = iota
	SelfDirector
	OtherDirector
)

func (s State) String() string {
	switch s {
	case SelfDirector:
		return "self"
	case OtherDirector:
		return "other"
	}
	return "vacant"
}

// Action is the director message the caller must broadcast, if any.
type Action int

const (
	ActionNone Action = iota
	ActionAssert
	ActionTake
	ActionResign
)

const DefaultFallbackGrace = 1500 * time.Millisecond

// Election is owned by the node event loop; it is not safe for concurrent use.
type Election struct {
	self    membership.PeerID
	current membership.PeerID
	// stampMs is the global time of the write that produced current.
	stampMs int64
	grace   time.Duration

	// awaitingRoster is set until the first roster of a (re)joined session.
	awaitingRoster bool
	fallbackArmed  bool
	fallbackAt     time.Time
	trusted        bool
}

func New(self membership.PeerID, grace time.Duration) *Election {
	if grace <= 0 {
		grace = DefaultFallbackGrace
	}
	return &Election{self: self, grace: grace, awaitingRoster: true}
}

func (e *Election) State() State {
	switch {
	case e.current == "":
		return Vacant
	case e.current == e.self:
		return SelfDirector
	}
	return OtherDirector
}

// Current returns the director id, if any.
func (e *Election) Current() (membership.PeerID, bool) {
	return e.current, e.current != ""
}

// IsSelf is derived from the register, never stored.
func (e *Election) IsSelf() bool {
	return e.current != "" && e.current == e.self
}

// StampMs is the global time carried by this node's assert of the register.
func (e *Election) StampMs() int64 { return e.stampMs }

func (e *Election) Trusted() bool { return e.trusted }

// ObserveRoster reconciles the register with a fresh roster. globalMs stamps a
// self assert.
func (e *Election) ObserveRoster(view *membership.View, now time.Time, globalMs int64) Action {
	e.trusted = true
	if e.current != "" && !view.Contains(e.current) {
		log.Info().Msgf("director.Election.ObserveRoster director left id=%s", e.current)
		e.set("")
	}
	if !e.awaitingRoster {
		return ActionNone
	}
	e.awaitingRoster = false
	if e.current == e.self && view.Contains(e.self) {
		// peers saw this node leave and vacated; re-assert with the held stamp
		return ActionAssert
	}
	if e.current != "" {
		return ActionNone
	}
	if view.Alone() {
		e.stampMs = globalMs
		e.set(e.self)
		return ActionAssert
	}
	e.fallbackArmed = true
	e.fallbackAt = now.Add(e.grace)
	return ActionNone
}

// FallbackDeadline returns when ResolveFallback should run, if armed.
func (e *Election) FallbackDeadline() (time.Time, bool) {
	return e.fallbackAt, e.fallbackArmed
}

// ResolveFallback takes the lowest roster id as director when the register is
// still vacant after the grace window. An incumbent's assert arriving inside
// the window disarms it.
func (e *Election) ResolveFallback(view *membership.View, now time.Time, globalMs int64) Action {
	if !e.fallbackArmed || now.Before(e.fallbackAt) {
		return ActionNone
	}
	e.fallbackArmed = false
	if e.current != "" {
		return ActionNone
	}
	lowest, ok := view.Lowest()
	if !ok {
		return ActionNone
	}
	if lowest == e.self {
		e.stampMs = globalMs
		e.set(lowest)
		return ActionAssert
	}
	// stamp stays behind the lowest peer's own assert so it overwrites cleanly
	e.set(lowest)
	return ActionNone
}

// OnAssert applies a remote director:assert.
func (e *Election) OnAssert(id membership.PeerID, atMs int64) bool {
	return e.overwrite(id, atMs)
}

// OnTake applies a remote director:take.
func (e *Election) OnTake(id membership.PeerID, atMs int64) bool {
	return e.overwrite(id, atMs)
}

// OnResign vacates the register when the resigning peer holds it.
func (e *Election) OnResign(id membership.PeerID, atMs int64) bool {
	if id == "" || id != e.current {
		return false
	}
	e.stampMs = max(e.stampMs, atMs)
	e.set("")
	return true
}

// PeerLeft vacates the register when the director leaves.
func (e *Election) PeerLeft(id membership.PeerID) bool {
	return e.OnResign(id, 0)
}

// PeerJoined re-asserts an incumbent self director so late joiners converge.
func (e *Election) PeerJoined(id membership.PeerID) Action {
	if id == e.self || !e.IsSelf() {
		return ActionNone
	}
	return ActionAssert
}

// Take asserts self unconditionally from any state. globalMs must be the
// sender's current global time.
func (e *Election) Take(globalMs int64) Action {
	e.fallbackArmed = false
	e.stampMs = max(globalMs, e.stampMs+1)
	e.set(e.self)
	return ActionTake
}

func (e *Election) Resign(globalMs int64) (Action, error) {
	if !e.IsSelf() {
		return ActionNone, ErrNotDirector
	}
	e.stampMs = max(globalMs, e.stampMs)
	e.set("")
	return ActionResign, nil
}

// MarkUntrusted keeps the register but treats the next roster as a fresh join.
func (e *Election) MarkUntrusted() {
	e.trusted = false
	e.awaitingRoster = true
	e.fallbackArmed = false
}

func (e *Election) overwrite(id membership.PeerID, atMs int64) bool {
	if id == "" {
		return false
	}
	if atMs != 0 && (atMs < e.stampMs || (atMs == e.stampMs && id < e.current)) {
		log.Debug().Msgf(
			"director.Election.overwrite stale id=%s at=%d current=%s stamp=%d",
			id, atMs, e.current, e.stampMs,
		)
		return false
	}
	e.fallbackArmed = false
	if atMs != 0 {
		e.stampMs = atMs
	}
	if id == e.current {
		return false
	}
	e.set(id)
	return true
}

func (e *Election) set(id membership.PeerID) {
	if id == e.current {
		return
	}
	prev := e.current
	e.current = id
	log.Info().Msgf("director.Election.set self=%s from=%q to=%q state=%s", e.self, prev, id, e.State())
}
