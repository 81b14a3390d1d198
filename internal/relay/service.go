package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/swarmsync/internal/logging"
	"github.com/danmuck/swarmsync/internal/observability"
	"github.com/danmuck/swarmsync/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	routeInterpreted = "interpreted"
	routeRelayed     = "relayed"
	routeDropped     = "dropped"
)

// Service accepts node sessions and fans namespace traffic out between them.
type Service struct {
	cfg Config
	log zerolog.Logger
	hub *hub
	// memberMu orders membership changes with the presence and peers
	// broadcasts they produce.
	memberMu sync.Mutex

	connsMu sync.Mutex
	conns   map[*peerConn]struct{}

	clientCount atomic.Int64
	started     time.Time
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultConfig())
}

func NewServiceWithConfig(cfg Config) *Service {
	observability.RegisterMetrics()
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     logging.Component("relay"),
		hub:     newHub(),
		conns:   make(map[*peerConn]struct{}),
		started: time.Now(),
	}
}

// Namespaces reports the live namespaces and their member counts.
func (s *Service) Namespaces() []NamespaceInfo {
	return s.hub.snapshot()
}

// Run blocks serving the session listener and admin surface until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

func (s *Service) RunContext(ctx context.Context) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.log.Info().Msgf("relay.Service.Run listening addr=%q tls=%t", ln.Addr().String(), s.cfg.Session.TLS.Enabled)

	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		go func() {
			adminErr <- s.serveAdmin(ctx, addr)
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			return err
		}
		return <-serveErr
	}
}

func (s *Service) listen() (net.Listener, error) {
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve runs the accept loop and liveness sweep on ln until ctx is done.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()
	go s.sweepLoop(ctx)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		pc := newPeerConn(conn, s.cfg.Session.SendQueue, s.log)
		s.trackConn(pc)
		go s.handleConn(pc)
	}
}

func (s *Service) handleConn(pc *peerConn) {
	defer s.untrackConn(pc)
	defer pc.close("session ended")
	active := s.clientCount.Add(1)
	s.log.Debug().Msgf("relay.session connected remote=%q active=%d", pc.remote, active)
	defer func() {
		remaining := s.clientCount.Add(-1)
		s.log.Debug().Msgf("relay.session disconnected remote=%q active=%d", pc.remote, remaining)
	}()
	go pc.writeLoop(s.cfg.Session.WriteTimeout)
	defer s.leave(pc)

	sc := protocol.NewScanner(pc.conn, s.cfg.Session.MaxLineBytes)
	for sc.Scan() {
		pc.touch(time.Now())
		s.handleLine(pc, sc.Bytes())
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug().Msgf("relay.handleConn read remote=%q err=%v", pc.remote, err)
	}
}

func (s *Service) handleLine(pc *peerConn, line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	t, err := protocol.PeekType(line)
	if err != nil {
		s.log.Debug().Msgf("relay.handleLine drop remote=%q err=%v", pc.remote, err)
		observability.RecordRelayMessage("invalid", routeDropped)
		return
	}
	switch {
	case protocol.Interpreted(t):
		s.interpret(pc, t, line)
	case protocol.Relayed(t):
		s.relay(pc, t, line)
	default:
		s.log.Debug().Msgf("relay.handleLine unknown type=%q remote=%q", t, pc.remote)
		observability.RecordRelayMessage("unknown", routeDropped)
	}
}

func (s *Service) interpret(pc *peerConn, t protocol.Type, line []byte) {
	msg, err := protocol.Decode(line)
	if err != nil {
		s.log.Debug().Msgf("relay.interpret drop type=%q err=%v", t, err)
		observability.RecordRelayMessage(string(t), routeDropped)
		return
	}
	observability.RecordRelayMessage(string(t), routeInterpreted)
	switch m := msg.(type) {
	case *protocol.Join:
		s.join(pc, m)
	case *protocol.TimePing:
		s.sendTo(pc, &protocol.TimePong{T0: m.T0, TS: time.Now().UnixMilli()})
	case *protocol.Heartbeat:
		// liveness only; touch already ran
	}
}

func (s *Service) join(pc *peerConn, m *protocol.Join) {
	if pc.joined() {
		s.log.Warn().Msgf("relay.join ignored rejoin remote=%q user=%q", pc.remote, pc.userID)
		return
	}
	s.memberMu.Lock()
	defer s.memberMu.Unlock()
	pc.userID, pc.hash = m.UserID, m.SwarmHash
	ns, prev := s.hub.join(m.SwarmHash, m.UserID, pc)
	if prev != nil {
		s.log.Warn().Msgf("relay.join evict duplicate user=%q prev=%q", m.UserID, prev.remote)
		prev.close("replaced by newer session")
	}
	roster := ns.roster()
	s.log.Info().Msgf("relay.join user=%q ns=%s peers=%d", m.UserID, shortHash(m.SwarmHash), len(roster))

	s.sendTo(pc, &protocol.Joined{SwarmHash: m.SwarmHash, UserID: m.UserID, Peers: roster})
	s.broadcast(ns, pc, &protocol.Presence{UserID: m.UserID, Action: protocol.PresenceJoin})
	s.broadcast(ns, nil, &protocol.Peers{Peers: roster})
	s.updateLoad()
}

func (s *Service) relay(pc *peerConn, t protocol.Type, line []byte) {
	if !pc.joined() {
		observability.RecordRelayMessage(string(t), routeDropped)
		return
	}
	ns, ok := s.hub.lookup(pc.hash)
	if !ok {
		observability.RecordRelayMessage(string(t), routeDropped)
		return
	}
	out := make([]byte, len(line)+1)
	copy(out, line)
	out[len(line)] = '\n'
	ns.each(pc, func(peer *peerConn) {
		peer.enqueue(out)
	})
	observability.RecordRelayMessage(string(t), routeRelayed)
}

func (s *Service) leave(pc *peerConn) {
	if !pc.joined() {
		return
	}
	s.memberMu.Lock()
	defer s.memberMu.Unlock()
	ns, removed, emptied := s.hub.leave(pc.hash, pc.userID, pc)
	if removed {
		s.log.Info().Msgf("relay.leave user=%q ns=%s emptied=%t", pc.userID, shortHash(pc.hash), emptied)
	}
	if removed && !emptied {
		s.broadcast(ns, nil, &protocol.Presence{UserID: pc.userID, Action: protocol.PresenceLeave})
		s.broadcast(ns, nil, &protocol.Peers{Peers: ns.roster()})
	}
	s.updateLoad()
}

func (s *Service) sendTo(pc *peerConn, msg protocol.Message) {
	line, err := protocol.Encode(msg)
	if err != nil {
		s.log.Error().Msgf("relay.sendTo encode type=%q err=%v", msg.Kind(), err)
		return
	}
	pc.enqueue(line)
}

// broadcast encodes msg once and queues it to every member except skip.
func (s *Service) broadcast(ns *namespace, skip *peerConn, msg protocol.Message) {
	line, err := protocol.Encode(msg)
	if err != nil {
		s.log.Error().Msgf("relay.broadcast encode type=%q err=%v", msg.Kind(), err)
		return
	}
	ns.each(skip, func(peer *peerConn) {
		peer.enqueue(line)
	})
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep closes sessions silent for longer than SessionDeadAfter.
func (s *Service) sweep(now time.Time) int {
	deadAfter := s.cfg.Session.SessionDeadAfter
	s.connsMu.Lock()
	var dead []*peerConn
	for pc := range s.conns {
		if pc.idleSince(now) > deadAfter {
			dead = append(dead, pc)
		}
	}
	s.connsMu.Unlock()
	for _, pc := range dead {
		s.log.Warn().Msgf("relay.sweep dead session remote=%q idle=%s", pc.remote, pc.idleSince(now))
		pc.close("liveness timeout")
	}
	return len(dead)
}

func (s *Service) trackConn(pc *peerConn) {
	s.connsMu.Lock()
	s.conns[pc] = struct{}{}
	s.connsMu.Unlock()
	s.updateLoad()
}

func (s *Service) untrackConn(pc *peerConn) {
	s.connsMu.Lock()
	delete(s.conns, pc)
	s.connsMu.Unlock()
	s.updateLoad()
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	conns := make([]*peerConn, 0, len(s.conns))
	for pc := range s.conns {
		conns = append(conns, pc)
	}
	s.connsMu.Unlock()
	for _, pc := range conns {
		pc.close("shutdown")
	}
}

func (s *Service) updateLoad() {
	s.connsMu.Lock()
	sessions := len(s.conns)
	s.connsMu.Unlock()
	observability.SetRelayLoad(sessions, s.hub.namespaces.Size())
}

func (s *Service) serveAdmin(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.AdminHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info().Msgf("relay.Service.serveAdmin listening addr=%q", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func shortHash(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12]
}
