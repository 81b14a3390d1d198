package relay

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// peerConn is one relay session. The reader goroutine owns userID and hash;
// every write goes through the bounded send queue drained by writeLoop.
type peerConn struct {
	conn   net.Conn
	remote string
	log    zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	lastSeen atomic.Int64

	userID string
	hash   string
}

func newPeerConn(conn net.Conn, queue int, logger zerolog.Logger) *peerConn {
	pc := &peerConn{
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		log:    logger,
		send:   make(chan []byte, queue),
		done:   make(chan struct{}),
	}
	pc.touch(time.Now())
	return pc
}

func (pc *peerConn) touch(now time.Time) {
	pc.lastSeen.Store(now.UnixNano())
}

func (pc *peerConn) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, pc.lastSeen.Load()))
}

func (pc *peerConn) joined() bool {
	return pc.hash != ""
}

// enqueue queues one line without blocking. A full queue closes the session.
func (pc *peerConn) enqueue(line []byte) bool {
	select {
	case <-pc.done:
		return false
	default:
	}
	select {
	case pc.send <- line:
		return true
	case <-pc.done:
		return false
	default:
		pc.close("send queue full")
		return false
	}
}

func (pc *peerConn) close(reason string) {
	pc.closeOnce.Do(func() {
		pc.log.Debug().Msgf("relay.peerConn.close remote=%q reason=%s", pc.remote, reason)
		close(pc.done)
		_ = pc.conn.Close()
	})
}

func (pc *peerConn) writeLoop(writeTimeout time.Duration) {
	for {
		select {
		case <-pc.done:
			return
		case line := <-pc.send:
			_ = pc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := pc.conn.Write(line); err != nil {
				pc.close("write: " + err.Error())
				return
			}
		}
	}
}
