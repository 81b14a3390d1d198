package node

import (
	"context"
	"errors"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/swarmsync/internal/catalog"
	"github.com/danmuck/swarmsync/internal/clocksync"
	"github.com/danmuck/swarmsync/internal/director"
	"github.com/danmuck/swarmsync/internal/logging"
	"github.com/danmuck/swarmsync/internal/membership"
	"github.com/danmuck/swarmsync/internal/observability"
	"github.com/danmuck/swarmsync/internal/output"
	"github.com/danmuck/swarmsync/internal/protocol"
	"github.com/danmuck/swarmsync/internal/scheduler"
	"github.com/danmuck/swarmsync/internal/store"
	"github.com/danmuck/swarmsync/internal/transfer"
	"github.com/rs/zerolog"
)

// Node is one swarm member. Construct with New and drive with Run or RunContext.
type Node struct {
	cfg   Config
	id    membership.PeerID
	log   zerolog.Logger
	clock func() time.Time

	est       *clocksync.Estimator
	view      *membership.View
	elect     *director.Election
	repl      *catalog.Replicator
	sched     *scheduler.Scheduler
	engine    output.Engine
	transport *transfer.Transport
	prefs     *store.Store
	transLn   net.Listener

	inbox     chan inbound
	intents   chan func()
	fetchDone chan fetchResult
	stopped   chan struct{}

	// parent of in-flight fetches; replaced by the RunContext ctx
	runCtx context.Context

	// owned by the event loop
	link          *link
	lastInbound   time.Time
	probeLocked   bool
	fallbackTimer *time.Timer
	lastSlew      time.Time
}

type fetchResult struct {
	req  catalog.FetchRequest
	data []byte
	err  error
}

// New builds a node and binds its object transport. A nil engine selects a
// virtual engine.
func New(cfg Config, engine output.Engine) (*Node, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	observability.RegisterMetrics()
	id := membership.PeerID(cfg.PeerID)
	if id == "" {
		id = membership.NewPeerID()
	}
	if engine == nil {
		engine = output.NewVirtual(string(id))
	}
	transport, err := transfer.New(cfg.Transfer, cfg.Namespace, nil)
	if err != nil {
		return nil, err
	}
	ln, err := transport.Listen()
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:       cfg,
		id:        id,
		log:       logging.Component("node").With().Str("peer", shortID(id)).Logger(),
		clock:     time.Now,
		est:       clocksync.New(cfg.Clock),
		view:      membership.NewView(id),
		elect:     director.New(id, cfg.FallbackGrace),
		engine:    engine,
		transport: transport,
		transLn:   ln,
		inbox:     make(chan inbound, 256),
		intents:   make(chan func()),
		fetchDone: make(chan fetchResult, 16),
		stopped:   make(chan struct{}),
		runCtx:    context.Background(),
	}
	n.repl = catalog.NewReplicator(cfg.Catalog, catalog.New(), string(id), transport.Locator(), transport)
	n.sched = scheduler.New(cfg.Scheduler, string(id), n.est, n.elect, engine)

	if cfg.PrefsPath != "" {
		prefs, err := store.Open(cfg.PrefsPath)
		if err != nil {
			_ = ln.Close()
			return nil, err
		}
		n.prefs = prefs
	}
	n.restorePrefs()
	return n, nil
}

func (n *Node) ID() membership.PeerID { return n.id }

// Locator is the object transport address other peers fetch from.
func (n *Node) Locator() string { return n.transport.Locator() }

// Run blocks until SIGINT or SIGTERM.
func (n *Node) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return n.RunContext(ctx)
}

// RunContext serves the transport, keeps the relay link alive and runs the
// event loop until ctx is done. A node runs once.
func (n *Node) RunContext(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer n.close()
	n.runCtx = ctx

	n.log.Info().Msgf("node.Node.Run id=%s namespace=%s relay=%q locator=%q", n.id, shortNS(n.cfg.Namespace), n.cfg.RelayAddr, n.Locator())
	errs := make(chan error, 2)
	go func() { errs <- n.transport.Serve(ctx, n.transLn) }()
	if n.cfg.AdminAddr != "" {
		go func() { errs <- n.serveAdmin(ctx, n.cfg.AdminAddr) }()
	}
	go func() {
		select {
		case err := <-errs:
			if err != nil {
				n.log.Error().Msgf("node.Node.Run serve err=%v", err)
				cancel()
			}
		case <-ctx.Done():
		}
	}()
	go n.superviseRelay(ctx)

	err := n.loop(ctx)
	cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *Node) close() {
	close(n.stopped)
	n.sched.Stop()
	if n.link != nil {
		n.link.close()
	}
	if n.prefs != nil {
		_ = n.prefs.Close()
	}
}

func (n *Node) loop(ctx context.Context) error {
	probe := time.NewTicker(n.cfg.ProbeInterval)
	defer probe.Stop()
	heartbeat := time.NewTicker(n.cfg.Session.HeartbeatInterval)
	defer heartbeat.Stop()
	realign := time.NewTicker(n.cfg.RealignInterval)
	defer realign.Stop()
	gossip := time.NewTicker(max(50*time.Millisecond, n.cfg.Catalog.Interval/4))
	defer gossip.Stop()
	n.fallbackTimer = time.NewTimer(time.Hour)
	n.fallbackTimer.Stop()
	defer n.fallbackTimer.Stop()
	n.lastSlew = n.clock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-n.inbox:
			n.handleInbound(in)
		case fn := <-n.intents:
			fn()
		case res := <-n.fetchDone:
			n.handleFetched(res)
		case <-n.sched.Due():
			n.sched.Fire(n.localMs())
		case <-probe.C:
			n.sendProbe()
			if locked := n.est.Locked(); locked != n.probeLocked {
				n.probeLocked = locked
				if locked {
					probe.Reset(n.cfg.LockedProbeInterval)
				} else {
					probe.Reset(n.cfg.ProbeInterval)
				}
			}
		case <-heartbeat.C:
			n.checkLiveness()
			n.send(&protocol.Heartbeat{TS: n.localMs()})
		case <-realign.C:
			n.tickClock()
			n.sched.Realign(n.localMs())
		case <-gossip.C:
			if n.link == nil {
				continue
			}
			digest, fetches := n.repl.Tick(n.clock())
			if digest != nil {
				n.send(digest)
			}
			n.startFetches(fetches)
		case <-n.fallbackTimer.C:
			n.sendDirector(n.elect.ResolveFallback(n.view, n.clock(), n.globalMs()))
		}
	}
}

func (n *Node) localMs() int64 { return n.clock().UnixMilli() }

func (n *Node) globalMs() int64 { return n.est.GlobalMs(n.localMs()) }

// send encodes msg onto the current link. Without a link the message is dropped.
func (n *Node) send(msg protocol.Message) {
	if n.link == nil {
		n.log.Debug().Msgf("node.send no link type=%s", msg.Kind())
		return
	}
	line, err := protocol.Encode(msg)
	if err != nil {
		n.log.Error().Msgf("node.send encode type=%s err=%v", msg.Kind(), err)
		return
	}
	if err := n.link.enqueue(line); err != nil {
		n.log.Warn().Msgf("node.send type=%s err=%v", msg.Kind(), err)
	}
}

func (n *Node) sendProbe() {
	if n.link == nil {
		return
	}
	n.send(&protocol.TimePing{T0: n.localMs()})
}

// checkLiveness drops a link that has been silent past SessionDeadAfter.
func (n *Node) checkLiveness() {
	if n.link == nil {
		return
	}
	if idle := n.clock().Sub(n.lastInbound); idle > n.cfg.Session.SessionDeadAfter {
		n.log.Warn().Msgf("node.checkLiveness relay silent idle=%s", idle)
		n.link.close()
	}
}

func shortID(id membership.PeerID) string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

func shortNS(ns string) string {
	if len(ns) <= 12 {
		return ns
	}
	return ns[:12]
}
