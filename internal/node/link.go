package node

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/danmuck/swarmsync/internal/observability"
	"github.com/danmuck/swarmsync/internal/protocol"
	"github.com/danmuck/swarmsync/internal/protocol/session"
)

var ErrLinkDown = errors.New("node: relay link down")

// link is one relay connection. Writes go through a bounded queue drained by
// writeLoop; reads are delivered to the event loop as inbound values.
type link struct {
	conn      net.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// inbound is everything the relay side hands the event loop, in read order.
type inbound struct {
	link *link
	// up and down bracket the messages of one link.
	up, down    bool
	msg         protocol.Message
	recvLocalMs int64
}

func newLink(conn net.Conn, queue int) *link {
	return &link{conn: conn, send: make(chan []byte, queue), done: make(chan struct{})}
}

func (l *link) enqueue(line []byte) error {
	select {
	case <-l.done:
		return ErrLinkDown
	default:
	}
	select {
	case l.send <- line:
		return nil
	case <-l.done:
		return ErrLinkDown
	default:
		l.close()
		return ErrLinkDown
	}
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

func (l *link) writeLoop(writeTimeout time.Duration) {
	for {
		select {
		case <-l.done:
			return
		case line := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := l.conn.Write(line); err != nil {
				l.close()
				return
			}
		}
	}
}

func (n *Node) dialRelay(ctx context.Context) (net.Conn, error) {
	cfg := n.cfg.Session
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	if !cfg.TLS.Enabled {
		return d.DialContext(ctx, "tcp", n.cfg.RelayAddr)
	}
	tlsCfg, err := cfg.ClientTLSConfig(n.cfg.RelayAddr)
	if err != nil {
		return nil, err
	}
	td := tls.Dialer{NetDialer: &d, Config: tlsCfg}
	return td.DialContext(ctx, "tcp", n.cfg.RelayAddr)
}

// superviseRelay keeps one relay link alive until ctx is done, reconnecting
// with exponential backoff and jitter.
func (n *Node) superviseRelay(ctx context.Context) {
	backoff := session.NewBackoff(n.cfg.Session.Backoff)
	for ctx.Err() == nil {
		conn, err := n.dialRelay(ctx)
		if err != nil {
			delay := backoff.Next()
			observability.RecordReconnect(string(n.id))
			n.log.Warn().Msgf("node.superviseRelay dial attempt=%d addr=%q retry_in=%s err=%v", backoff.Attempt(), n.cfg.RelayAddr, delay, err)
			if !session.Sleep(ctx, delay) {
				return
			}
			continue
		}
		backoff.Reset()
		l := newLink(conn, n.cfg.Session.SendQueue)
		join, err := protocol.Encode(&protocol.Join{SwarmHash: n.cfg.Namespace, UserID: string(n.id)})
		if err != nil {
			n.log.Error().Msgf("node.superviseRelay encode join err=%v", err)
			l.close()
			return
		}
		_ = l.enqueue(join)
		go l.writeLoop(n.cfg.Session.WriteTimeout)
		n.readLink(ctx, l)
		l.close()
		if ctx.Err() != nil {
			return
		}
		observability.RecordReconnect(string(n.id))
		if !backoff.Wait(ctx) {
			return
		}
	}
}

// readLink delivers the link's lines to the event loop between an up and a
// down marker, returning when the connection ends.
func (n *Node) readLink(ctx context.Context, l *link) {
	stop := context.AfterFunc(ctx, l.close)
	defer stop()
	if !n.deliver(ctx, inbound{link: l, up: true}) {
		return
	}
	n.log.Info().Msgf("node.readLink connected relay=%q", n.cfg.RelayAddr)
	sc := protocol.NewScanner(l.conn, n.cfg.Session.MaxLineBytes)
	for sc.Scan() {
		recv := n.clock().UnixMilli()
		msg, err := protocol.Decode(sc.Bytes())
		if err != nil {
			n.log.Debug().Msgf("node.readLink drop err=%v", err)
			continue
		}
		if !n.deliver(ctx, inbound{link: l, msg: msg, recvLocalMs: recv}) {
			return
		}
	}
	n.log.Warn().Msgf("node.readLink disconnected relay=%q err=%v", n.cfg.RelayAddr, sc.Err())
	n.deliver(ctx, inbound{link: l, down: true})
}

func (n *Node) deliver(ctx context.Context, in inbound) bool {
	select {
	case n.inbox <- in:
		return true
	case <-ctx.Done():
		return false
	}
}
