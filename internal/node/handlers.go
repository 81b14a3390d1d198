package node

import (
	"context"
	"time"

	"github.com/danmuck/swarmsync/internal/catalog"
	"github.com/danmuck/swarmsync/internal/director"
	"github.com/danmuck/swarmsync/internal/membership"
	"github.com/danmuck/swarmsync/internal/observability"
	"github.com/danmuck/swarmsync/internal/protocol"
	"github.com/danmuck/swarmsync/internal/scheduler"
	"github.com/danmuck/swarmsync/internal/transfer"
)

func (n *Node) handleInbound(in inbound) {
	switch {
	case in.up:
		n.link = in.link
		n.lastInbound = n.clock()
		return
	case in.down:
		if in.link == n.link {
			n.linkLost()
		}
		return
	}
	if in.link != n.link {
		return
	}
	n.lastInbound = n.clock()

	switch m := in.msg.(type) {
	case *protocol.Joined:
		n.onRoster(m.Peers)
	case *protocol.Peers:
		n.onRoster(m.Peers)
	case *protocol.Presence:
		n.onPresence(m)
	case *protocol.TimePong:
		n.onPong(m, in.recvLocalMs)
	case *protocol.DirectorAssert:
		n.elect.OnAssert(membership.PeerID(m.UserID), m.AtMs)
	case *protocol.DirectorTake:
		n.elect.OnTake(membership.PeerID(m.UserID), m.AtMs)
	case *protocol.DirectorResign:
		n.elect.OnResign(membership.PeerID(m.UserID), m.AtMs)
	case *protocol.FileDigest:
		if want := n.repl.OnDigest(m); want != nil {
			n.send(want)
		}
	case *protocol.FileWant:
		for _, batch := range n.repl.OnWant(m) {
			n.send(batch)
		}
	case *protocol.FileEntries:
		n.mergeEntries(m.Entries)
	case *protocol.FileAnnounce:
		n.mergeEntries([]protocol.Entry{m.Entry})
	case *protocol.FileRevoke:
		n.mergeEntries([]protocol.Entry{m.Entry})
	case *protocol.Play:
		n.onCommand(scheduler.Command{
			Kind: scheduler.KindPlay, ObjectID: m.ObjectID, GlobalStartMs: m.GlobalStartMs,
			IssuedAtMs: m.IssuedAtMs, IssuerID: m.UserID,
		})
	case *protocol.Stop:
		n.onCommand(scheduler.Command{Kind: scheduler.KindStop, IssuedAtMs: m.IssuedAtMs, IssuerID: m.UserID})
	case *protocol.SelectFile:
		n.onCommand(scheduler.Command{
			Kind: scheduler.KindSelect, ObjectID: m.ObjectID, IssuedAtMs: m.IssuedAtMs, IssuerID: m.UserID,
		})
	}
}

// linkLost keeps director and catalog state but distrusts it until the next
// roster and gossip round.
func (n *Node) linkLost() {
	n.link = nil
	n.view.MarkUntrusted()
	n.elect.MarkUntrusted()
	n.repl.MarkUntrusted()
	n.fallbackTimer.Stop()
	n.log.Warn().Msgf("node.linkLost director=%s catalog=%d", n.directorID(), n.repl.Catalog().Len())
}

func (n *Node) onRoster(roster []string) {
	fresh := !n.view.Trusted()
	joined, left := n.view.ApplyRoster(roster)
	for _, id := range left {
		n.elect.PeerLeft(id)
	}
	now := n.clock()
	n.sendDirector(n.elect.ObserveRoster(n.view, now, n.globalMs()))
	n.armFallback()
	if fresh {
		n.send(n.repl.Joined(n.view.Alone(), now))
		return
	}
	n.peersJoined(joined)
}

func (n *Node) onPresence(m *protocol.Presence) {
	id := membership.PeerID(m.UserID)
	switch m.Action {
	case protocol.PresenceJoin:
		if n.view.Join(id) {
			n.peersJoined([]membership.PeerID{id})
		}
	case protocol.PresenceLeave:
		if n.view.Leave(id) {
			n.elect.PeerLeft(id)
		}
	}
}

// peersJoined re-asserts an incumbent self director and pushes a digest so
// late joiners converge without waiting for a tick.
func (n *Node) peersJoined(ids []membership.PeerID) {
	if len(ids) == 0 {
		return
	}
	asserted := false
	for _, id := range ids {
		if n.elect.PeerJoined(id) == director.ActionAssert && !asserted {
			n.sendDirector(director.ActionAssert)
			asserted = true
		}
	}
	n.send(n.repl.OnPeerJoined(n.clock()))
}

func (n *Node) armFallback() {
	at, ok := n.elect.FallbackDeadline()
	if !ok {
		return
	}
	n.fallbackTimer.Reset(max(0, at.Sub(n.clock())))
}

func (n *Node) sendDirector(action director.Action) {
	self := string(n.id)
	at := n.elect.StampMs()
	switch action {
	case director.ActionAssert:
		n.send(&protocol.DirectorAssert{UserID: self, AtMs: at})
	case director.ActionTake:
		n.send(&protocol.DirectorTake{UserID: self, AtMs: at})
	case director.ActionResign:
		n.send(&protocol.DirectorResign{UserID: self, AtMs: at})
	}
}

func (n *Node) directorID() string {
	id, _ := n.elect.Current()
	return string(id)
}

func (n *Node) onPong(m *protocol.TimePong, recvLocalMs int64) {
	if !n.est.AddSample(m.T0, m.TS, recvLocalMs) {
		return
	}
	n.maybeLock()
}

// maybeLock freezes the base once the lock policy holds and persists it.
func (n *Node) maybeLock() {
	if !n.est.ShouldLock() {
		return
	}
	if err := n.est.LockBase(); err != nil {
		return
	}
	offset := n.est.CurrentOffsetMs()
	n.log.Info().Msgf("node.maybeLock offset_ms=%.1f rtt_ms=%.1f", offset, n.est.MedianRTTMs())
	n.saveOffset(offset)
}

// tickClock slews a released base, relocks it once drift is inside the dead
// band and publishes the clock gauges.
func (n *Node) tickClock() {
	now := n.clock()
	dt := now.Sub(n.lastSlew)
	n.lastSlew = now
	if n.est.SampleCount() > 0 {
		n.est.Slew(dt)
		n.maybeLock()
	}
	observability.SetClock(string(n.id), n.est.CurrentOffsetMs(), n.est.DriftMs())
	observability.SetCatalogEntries(string(n.id), len(n.repl.Catalog().Live()))
}

// onCommand executes a command from the current director. Commands from any
// other sender are ignored.
func (n *Node) onCommand(cmd scheduler.Command) {
	if cur, ok := n.elect.Current(); !ok || string(cur) != cmd.IssuerID {
		n.log.Debug().Msgf("node.onCommand not from director %s director=%s", cmd, n.directorID())
		return
	}
	n.execute(cmd)
}

func (n *Node) execute(cmd scheduler.Command) {
	if cmd.ObjectID != "" {
		n.ensurePrepared(cmd.ObjectID)
	}
	n.sched.Execute(cmd, n.localMs())
}

// ensurePrepared warms the engine from local bytes, or fetches them.
func (n *Node) ensurePrepared(objectID string) {
	if n.engine.Prepared(objectID) {
		return
	}
	if data, err := n.transport.Open(objectID); err == nil {
		if err := n.engine.Prepare(objectID, data); err != nil {
			n.log.Warn().Msgf("node.ensurePrepared prepare object=%s err=%v", objectID, err)
		}
		return
	}
	e, ok := n.repl.Catalog().Get(objectID)
	if !ok || e.Tombstone {
		n.log.Warn().Msgf("node.ensurePrepared unknown object=%s", objectID)
		return
	}
	n.startFetches([]catalog.FetchRequest{{
		ObjectID: objectID, ContentHash: e.Metadata.ContentHash, Size: e.Metadata.Size, Sources: e.Metadata.Sources,
	}})
}

func (n *Node) mergeEntries(entries []protocol.Entry) {
	applied, fetches := n.repl.OnEntries(entries, n.clock())
	if len(applied) > 0 {
		n.log.Debug().Msgf("node.mergeEntries applied=%d fetch=%d", len(applied), len(fetches))
	}
	n.startFetches(fetches)
}

func (n *Node) startFetches(reqs []catalog.FetchRequest) {
	for _, req := range reqs {
		go n.fetch(req)
	}
}

func (n *Node) fetch(req catalog.FetchRequest) {
	ctx, cancel := context.WithTimeout(n.runCtx, n.cfg.FetchTimeout)
	defer cancel()
	data, err := n.transport.Fetch(ctx, req.ObjectID, req.Sources, transfer.WithContentHash(req.ContentHash))
	select {
	case n.fetchDone <- fetchResult{req: req, data: data, err: err}:
	case <-n.stopped:
	}
}

func (n *Node) handleFetched(res fetchResult) {
	id := res.req.ObjectID
	observability.RecordFetch(string(n.id), res.err == nil)
	if res.err != nil {
		n.log.Warn().Msgf("node.handleFetched object=%s err=%v", id, res.err)
		n.repl.OnFetchFailed(id)
		return
	}
	if n.wants(id) {
		if err := n.engine.Prepare(id, res.data); err != nil {
			n.log.Warn().Msgf("node.handleFetched prepare object=%s err=%v", id, err)
		}
		n.sched.Realign(n.localMs())
	}
	if ann := n.repl.OnFetched(id, n.clock()); ann != nil {
		n.send(ann)
	}
}

// wants reports whether objectID is selected, pending or aligned.
func (n *Node) wants(objectID string) bool {
	if n.sched.Selected() == objectID {
		return true
	}
	if cmd, _, ok := n.sched.Pending(); ok && cmd.ObjectID == objectID {
		return true
	}
	a, ok := n.sched.Alignment()
	return ok && a.ObjectID == objectID
}

func (n *Node) restorePrefs() {
	if n.prefs == nil {
		n.sched.SetSignedDelay(n.cfg.SignedDelayMs, n.localMs())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, ok, err := n.prefs.Load(ctx, n.cfg.Namespace)
	if err != nil {
		n.log.Warn().Msgf("node.restorePrefs err=%v", err)
		return
	}
	delay := n.cfg.SignedDelayMs
	if ok {
		delay = p.SignedDelayMs
	}
	n.sched.SetSignedDelay(delay, n.localMs())
	if ok && p.HasOffset && n.cfg.OffsetPolicy.AllowResume(p.OffsetSavedAt, n.clock(), n.cfg.OffsetMaxAge) {
		n.est.Resume(p.OffsetMs)
		n.log.Info().Msgf("node.restorePrefs resumed offset_ms=%.1f saved_at=%s", p.OffsetMs, p.OffsetSavedAt.Format(time.RFC3339))
	}
}

func (n *Node) saveOffset(offset float64) {
	if n.prefs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.prefs.SaveOffset(ctx, n.cfg.Namespace, offset, n.clock()); err != nil {
		n.log.Warn().Msgf("node.saveOffset err=%v", err)
	}
}

func (n *Node) saveDelay(ms int64) {
	if n.prefs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.prefs.SaveSignedDelay(ctx, n.cfg.Namespace, ms); err != nil {
		n.log.Warn().Msgf("node.saveDelay err=%v", err)
	}
}
