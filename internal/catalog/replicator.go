package catalog

import (
	"time"

	"github.com/danmuck/swarmsync/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Presence reports whether the object bytes are already held locally.
type Presence interface {
	Has(objectID string) bool
}

// FetchRequest asks the object transport to pull bytes from one of Sources.
type FetchRequest struct {
	ObjectID    string
	ContentHash string
	Size        int64
	Sources     []string
}

type ReplicatorConfig struct {
	// Interval is the anti-entropy period after any change or churn.
	Interval time.Duration
	// MaxInterval caps the tapered period of an idle namespace.
	MaxInterval time.Duration
	BatchLimit  int
}

func DefaultReplicatorConfig() ReplicatorConfig {
	return ReplicatorConfig{
		Interval:    5 * time.Second,
		MaxInterval: 30 * time.Second,
		BatchLimit:  protocol.MaxBatch,
	}
}

func (c ReplicatorConfig) withDefaults() ReplicatorConfig {
	def := DefaultReplicatorConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = c.Interval
	}
	if c.BatchLimit <= 0 || c.BatchLimit > protocol.MaxBatch {
		c.BatchLimit = def.BatchLimit
	}
	return c
}

// Replicator is the gossip policy over a Catalog. It never sends: every method
// returns the messages the caller must broadcast.
type Replicator struct {
	cfg      ReplicatorConfig
	cat      *Catalog
	self     string
	locator  string
	presence Presence

	interval time.Duration
	nextAt   time.Time
	// lastFP is the fingerprint at the last anti-entropy round.
	lastFP   uint64
	fetching map[string]struct{}
	trusted  bool
}

// NewReplicator gossips cat on behalf of self. locator is this node's own
// transport address, added to entries it re-announces after a fetch.
func NewReplicator(cfg ReplicatorConfig, cat *Catalog, self, locator string, presence Presence) *Replicator {
	cfg = cfg.withDefaults()
	return &Replicator{
		cfg:      cfg,
		cat:      cat,
		self:     self,
		locator:  locator,
		presence: presence,
		interval: cfg.Interval,
		fetching: make(map[string]struct{}),
	}
}

func (r *Replicator) Catalog() *Catalog { return r.cat }

func (r *Replicator) Trusted() bool { return r.trusted }

// Interval is the current anti-entropy period.
func (r *Replicator) Interval() time.Duration { return r.interval }

// MarkUntrusted keeps the catalog but flags it stale until fresh gossip lands.
func (r *Replicator) MarkUntrusted() {
	r.trusted = false
}

// Joined is called on a fresh roster after (re)joining. An empty namespace has
// nothing to reconcile against, so it restores trust immediately.
func (r *Replicator) Joined(alone bool, now time.Time) *protocol.FileDigest {
	if alone {
		r.trusted = true
	}
	return r.OnPeerJoined(now)
}

// OnPeerJoined pushes a full digest immediately and resets the taper.
func (r *Replicator) OnPeerJoined(now time.Time) *protocol.FileDigest {
	r.reset(now)
	return r.digest()
}

// Tick runs anti-entropy when the current interval elapsed. It returns the
// digest to broadcast, if any, and fetches to retry for live entries whose
// bytes are still missing.
func (r *Replicator) Tick(now time.Time) (*protocol.FileDigest, []FetchRequest) {
	if now.Before(r.nextAt) {
		return nil, nil
	}
	fp := r.cat.Fingerprint()
	if fp == r.lastFP {
		r.interval = min(r.interval*2, r.cfg.MaxInterval)
	} else {
		r.interval = r.cfg.Interval
	}
	r.lastFP = fp
	r.nextAt = now.Add(r.interval)
	return r.digest(), r.missing()
}

// OnDigest answers a peer digest with a want addressed to that peer.
func (r *Replicator) OnDigest(msg *protocol.FileDigest) *protocol.FileWant {
	if msg.UserID == r.self {
		return nil
	}
	r.trusted = true
	peer := digestFromWire(msg.Items)
	if Fingerprint(peer) == r.cat.Fingerprint() {
		return nil
	}
	ids := r.cat.WantFromDigest(peer, r.cfg.BatchLimit)
	if len(ids) == 0 {
		return nil
	}
	log.Debug().Msgf("catalog.Replicator.OnDigest from=%s want=%d", msg.UserID, len(ids))
	return &protocol.FileWant{UserID: r.self, Target: msg.UserID, IDs: ids}
}

// OnWant answers a want addressed to self with entries split into batches of
// at most BatchLimit.
func (r *Replicator) OnWant(msg *protocol.FileWant) []*protocol.FileEntries {
	if msg.Target != r.self {
		return nil
	}
	entries := r.cat.Entries(msg.IDs)
	var out []*protocol.FileEntries
	for start := 0; start < len(entries); start += r.cfg.BatchLimit {
		end := min(start+r.cfg.BatchLimit, len(entries))
		batch := &protocol.FileEntries{UserID: r.self, Entries: make([]protocol.Entry, 0, end-start)}
		for _, e := range entries[start:end] {
			batch.Entries = append(batch.Entries, ToWire(e))
		}
		out = append(out, batch)
	}
	return out
}

// OnEntries merges full entries and returns what changed plus the fetches to
// start for newly applied live objects whose bytes are missing.
func (r *Replicator) OnEntries(entries []protocol.Entry, now time.Time) ([]Entry, []FetchRequest) {
	var applied []Entry
	var fetch []FetchRequest
	for _, w := range entries {
		e := FromWire(w)
		if !r.cat.Apply(e) {
			log.Trace().Msgf("catalog.Replicator.OnEntries stale id=%s version=%d", e.ObjectID, e.Version)
			continue
		}
		applied = append(applied, e)
		if req, ok := r.fetchFor(e); ok {
			fetch = append(fetch, req)
		}
	}
	if len(applied) > 0 {
		r.trusted = true
		r.reset(now)
	}
	return applied, fetch
}

// OnFetched re-announces an object this node now also serves. Nil when the
// entry was revoked while the fetch ran.
func (r *Replicator) OnFetched(objectID string, now time.Time) *protocol.FileAnnounce {
	delete(r.fetching, objectID)
	e, err := r.cat.AddSource(objectID, r.locator)
	if err != nil {
		return nil
	}
	r.reset(now)
	return &protocol.FileAnnounce{UserID: r.self, Entry: ToWire(e)}
}

// OnFetchFailed releases objectID for retry on a later tick.
func (r *Replicator) OnFetchFailed(objectID string) {
	delete(r.fetching, objectID)
}

// LocalAnnounce publishes a local object at a bumped version.
func (r *Replicator) LocalAnnounce(objectID string, meta Metadata, now time.Time) (*protocol.FileAnnounce, error) {
	if r.locator != "" {
		meta = meta.clone()
		meta.Sources = []string{r.locator}
	}
	e, err := r.cat.Announce(objectID, meta)
	if err != nil {
		return nil, err
	}
	r.reset(now)
	return &protocol.FileAnnounce{UserID: r.self, Entry: ToWire(e)}, nil
}

// LocalRevoke withdraws an object at a bumped version.
func (r *Replicator) LocalRevoke(objectID string, now time.Time) (*protocol.FileRevoke, error) {
	e, err := r.cat.Revoke(objectID)
	if err != nil {
		return nil, err
	}
	r.reset(now)
	return &protocol.FileRevoke{UserID: r.self, Entry: ToWire(e)}, nil
}

func (r *Replicator) fetchFor(e Entry) (FetchRequest, bool) {
	if e.Tombstone || r.presence.Has(e.ObjectID) {
		return FetchRequest{}, false
	}
	if _, busy := r.fetching[e.ObjectID]; busy {
		return FetchRequest{}, false
	}
	r.fetching[e.ObjectID] = struct{}{}
	return FetchRequest{
		ObjectID:    e.ObjectID,
		ContentHash: e.Metadata.ContentHash,
		Size:        e.Metadata.Size,
		Sources:     e.Metadata.Sources,
	}, true
}

func (r *Replicator) missing() []FetchRequest {
	var out []FetchRequest
	for _, e := range r.cat.Live() {
		if req, ok := r.fetchFor(e); ok {
			out = append(out, req)
		}
	}
	return out
}

func (r *Replicator) digest() *protocol.FileDigest {
	return &protocol.FileDigest{UserID: r.self, Items: digestToWire(r.cat.Digest())}
}

func (r *Replicator) reset(now time.Time) {
	r.interval = r.cfg.Interval
	r.nextAt = now.Add(r.interval)
}
