package relay

import (
	"slices"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// namespace is one live swarm: members keyed by user id.
type namespace struct {
	hash string

	mu      sync.RWMutex
	members map[string]*peerConn
}

func (ns *namespace) roster() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	out := make([]string, 0, len(ns.members))
	for id := range ns.members {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (ns *namespace) size() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.members)
}

// each calls fn for every member except skip.
func (ns *namespace) each(skip *peerConn, fn func(*peerConn)) {
	ns.mu.RLock()
	targets := make([]*peerConn, 0, len(ns.members))
	for _, pc := range ns.members {
		if pc != skip {
			targets = append(targets, pc)
		}
	}
	ns.mu.RUnlock()
	for _, pc := range targets {
		fn(pc)
	}
}

// hub owns the namespace registry. Reads go through the concurrent map;
// join and leave serialize on mu so an emptied namespace is never deleted
// while a concurrent join adds to it.
type hub struct {
	mu         sync.Mutex
	namespaces *xsync.Map[string, *namespace]
}

func newHub() *hub {
	return &hub{namespaces: xsync.NewMap[string, *namespace]()}
}

// join adds pc under userID and returns the namespace and any session it displaced.
func (h *hub) join(hash, userID string, pc *peerConn) (*namespace, *peerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ns, _ := h.namespaces.LoadOrStore(hash, &namespace{hash: hash, members: make(map[string]*peerConn)})
	ns.mu.Lock()
	prev := ns.members[userID]
	ns.members[userID] = pc
	ns.mu.Unlock()
	if prev == pc {
		prev = nil
	}
	return ns, prev
}

// leave removes pc if it still owns its user id. It reports whether pc was a
// member and whether the namespace was deleted.
func (h *hub) leave(hash, userID string, pc *peerConn) (ns *namespace, removed, emptied bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ns, ok := h.namespaces.Load(hash)
	if !ok {
		return nil, false, false
	}
	ns.mu.Lock()
	if ns.members[userID] == pc {
		delete(ns.members, userID)
		removed = true
	}
	empty := len(ns.members) == 0
	ns.mu.Unlock()
	if empty {
		h.namespaces.Delete(hash)
	}
	return ns, removed, empty
}

func (h *hub) lookup(hash string) (*namespace, bool) {
	return h.namespaces.Load(hash)
}

// NamespaceInfo is the admin view of one namespace.
type NamespaceInfo struct {
	Hash  string `json:"hash"`
	Peers int    `json:"peers"`
}

func (h *hub) snapshot() []NamespaceInfo {
	out := make([]NamespaceInfo, 0, h.namespaces.Size())
	h.namespaces.Range(func(hash string, ns *namespace) bool {
		out = append(out, NamespaceInfo{Hash: hash, Peers: ns.size()})
		return true
	})
	slices.SortFunc(out, func(a, b NamespaceInfo) int {
		switch {
		case a.Hash < b.Hash:
			return -1
		case a.Hash > b.Hash:
			return 1
		}
		return 0
	})
	return out
}
