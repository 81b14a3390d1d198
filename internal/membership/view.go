// Package membership tracks the live peer set of one namespace session from
// relay roster and presence events.
package membership

import (
	"slices"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PeerID is an opaque namespace-scoped session id. Its only ordering is the
// lexical tie-break used for deterministic fallback.
type PeerID string

// NewPeerID returns a random session id.
func NewPeerID() PeerID {
	return PeerID(uuid.New().String())
}

// View is owned by the node event loop; it is not safe for concurrent use.
type View struct {
	self       PeerID
	peers      map[PeerID]struct{}
	rosterSeen bool
	trusted    bool
}

func NewView(self PeerID) *View {
	return &View{self: self, peers: make(map[PeerID]struct{})}
}

func (v *View) Self() PeerID { return v.self }

// ApplyRoster replaces the peer set with a full relay roster and returns the
// peers that appeared and disappeared. A roster restores trust.
func (v *View) ApplyRoster(roster []string) (joined, left []PeerID) {
	next := make(map[PeerID]struct{}, len(roster))
	for _, raw := range roster {
		if raw == "" {
			continue
		}
		id := PeerID(raw)
		next[id] = struct{}{}
		if _, ok := v.peers[id]; !ok {
			joined = append(joined, id)
		}
	}
	for id := range v.peers {
		if _, ok := next[id]; !ok {
			left = append(left, id)
		}
	}
	slices.Sort(joined)
	slices.Sort(left)
	v.peers = next
	v.rosterSeen = true
	v.trusted = true
	log.Debug().Msgf(
		"membership.View.ApplyRoster self=%s peers=%d joined=%d left=%d",
		v.self, len(next), len(joined), len(left),
	)
	return joined, left
}

// Join records a single presence join and reports whether it was new.
func (v *View) Join(id PeerID) bool {
	if id == "" {
		return false
	}
	if _, ok := v.peers[id]; ok {
		return false
	}
	v.peers[id] = struct{}{}
	return true
}

// Leave records a single presence leave and reports whether the peer was known.
func (v *View) Leave(id PeerID) bool {
	if _, ok := v.peers[id]; !ok {
		return false
	}
	delete(v.peers, id)
	return true
}

func (v *View) Contains(id PeerID) bool {
	_, ok := v.peers[id]
	return ok
}

func (v *View) Len() int { return len(v.peers) }

// Peers returns the roster sorted ascending.
func (v *View) Peers() []PeerID {
	out := make([]PeerID, 0, len(v.peers))
	for id := range v.peers {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Others returns the sorted roster without self.
func (v *View) Others() []PeerID {
	return slices.DeleteFunc(v.Peers(), func(id PeerID) bool { return id == v.self })
}

// Lowest returns the lexically lowest peer id.
func (v *View) Lowest() (PeerID, bool) {
	peers := v.Peers()
	if len(peers) == 0 {
		return "", false
	}
	return peers[0], true
}

// Alone reports whether no peer other than self is present.
func (v *View) Alone() bool {
	return len(v.Others()) == 0
}

func (v *View) RosterSeen() bool { return v.rosterSeen }

func (v *View) Trusted() bool { return v.trusted }

// MarkUntrusted keeps the last roster but flags it stale until the next one.
func (v *View) MarkUntrusted() {
	v.trusted = false
}
