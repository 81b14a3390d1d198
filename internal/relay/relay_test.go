package relay

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/swarmsync/internal/protocol"
	"github.com/danmuck/swarmsync/internal/protocol/session"
	"github.com/danmuck/swarmsync/internal/testutil/testlog"
	"github.com/danmuck/swarmsync/internal/testutil/tlstest"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const testHash = "4f1c0ffee0000000000000000000000000000000000000000000000000000000"

type testClient struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

func startRelay(t *testing.T, cfg Config) (*Service, string) {
	t.Helper()
	testlog.Start(t)
	svc := NewServiceWithConfig(cfg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return svc, ln.Addr().String()
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, rd: bufio.NewReader(conn)}
}

func (c *testClient) sendRaw(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *testClient) send(msg protocol.Message) {
	c.t.Helper()
	line, err := protocol.Encode(msg)
	require.NoError(c.t, err)
	_, err = c.conn.Write(line)
	require.NoError(c.t, err)
}

func (c *testClient) readLine() string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.rd.ReadString('\n')
	require.NoError(c.t, err)
	return line
}

func (c *testClient) read() protocol.Message {
	c.t.Helper()
	msg, err := protocol.Decode([]byte(c.readLine()))
	require.NoError(c.t, err)
	return msg
}

func (c *testClient) join(user string) *protocol.Joined {
	c.t.Helper()
	c.send(&protocol.Join{SwarmHash: testHash, UserID: user})
	joined, ok := c.read().(*protocol.Joined)
	require.True(c.t, ok)
	return joined
}

// expectClosed waits for the relay to drop the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, err := c.rd.ReadString('\n'); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.t.Fatalf("connection still open")
			}
			return
		}
	}
}

func TestJoinRepliesThenAnnouncesPresenceAndRoster(t *testing.T) {
	_, addr := startRelay(t, DefaultConfig())

	a := dial(t, addr)
	joinedA := a.join("a")
	require.Equal(t, []string{"a"}, joinedA.Peers)
	require.Equal(t, testHash, joinedA.SwarmHash)
	require.Equal(t, []string{"a"}, a.read().(*protocol.Peers).Peers)

	b := dial(t, addr)
	joinedB := b.join("b")
	require.Equal(t, []string{"a", "b"}, joinedB.Peers)
	require.Equal(t, []string{"a", "b"}, b.read().(*protocol.Peers).Peers)

	presence, ok := a.read().(*protocol.Presence)
	require.True(t, ok)
	require.Equal(t, "b", presence.UserID)
	require.Equal(t, protocol.PresenceJoin, presence.Action)
	require.Equal(t, []string{"a", "b"}, a.read().(*protocol.Peers).Peers)
}

func TestTimePingIsAnsweredWithoutJoin(t *testing.T) {
	_, addr := startRelay(t, DefaultConfig())
	c := dial(t, addr)

	before := time.Now().UnixMilli()
	c.send(&protocol.TimePing{T0: 42})
	pong, ok := c.read().(*protocol.TimePong)
	require.True(t, ok)
	require.Equal(t, int64(42), pong.T0)
	require.GreaterOrEqual(t, pong.TS, before)
}

func TestRelayForwardsVerbatimToOthersOnly(t *testing.T) {
	_, addr := startRelay(t, DefaultConfig())
	a := dial(t, addr)
	a.join("a")
	a.read() // peers
	b := dial(t, addr)
	b.join("b")
	b.read() // peers
	a.read() // presence
	a.read() // peers

	raw := `{"type":"play","userId":"a","fileId":"obj-1","startAt":1700000000000,"issuedAt":9,"extra":{"k":1}}`
	a.sendRaw(raw)
	require.Equal(t, raw+"\n", b.readLine())

	// The sender is excluded: its next line is the pong, not its own play.
	a.send(&protocol.TimePing{T0: 1})
	_, ok := a.read().(*protocol.TimePong)
	require.True(t, ok)
}

func TestUnknownAndUnjoinedTrafficIsDropped(t *testing.T) {
	_, addr := startRelay(t, DefaultConfig())
	outsider := dial(t, addr)
	outsider.sendRaw(`{"type":"stop","userId":"x"}`)

	a := dial(t, addr)
	a.join("a")
	a.read()
	b := dial(t, addr)
	b.join("b")
	b.read()

	a.sendRaw(`{"type":"chat","text":"hi"}`)
	a.sendRaw(`not json`)
	a.sendRaw(`{"type":"stop","userId":"a","issuedAt":3}`)
	require.Equal(t, `{"type":"stop","userId":"a","issuedAt":3}`+"\n", b.readLine())
}

func TestLeaveAnnouncesAndEmptyNamespaceIsDeleted(t *testing.T) {
	svc, addr := startRelay(t, DefaultConfig())
	a := dial(t, addr)
	a.join("a")
	a.read()
	b := dial(t, addr)
	b.join("b")
	b.read()
	a.read()
	a.read()
	require.Equal(t, []NamespaceInfo{{Hash: testHash, Peers: 2}}, svc.Namespaces())

	require.NoError(t, b.conn.Close())
	presence, ok := a.read().(*protocol.Presence)
	require.True(t, ok)
	require.Equal(t, "b", presence.UserID)
	require.Equal(t, protocol.PresenceLeave, presence.Action)
	require.Equal(t, []string{"a"}, a.read().(*protocol.Peers).Peers)

	require.NoError(t, a.conn.Close())
	require.Eventually(t, func() bool {
		return len(svc.Namespaces()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDuplicateUserEvictsOlderSession(t *testing.T) {
	svc, addr := startRelay(t, DefaultConfig())
	first := dial(t, addr)
	first.join("a")
	first.read()

	second := dial(t, addr)
	joined := second.join("a")
	require.Equal(t, []string{"a"}, joined.Peers)
	first.expectClosed()

	require.Never(t, func() bool {
		return len(svc.Namespaces()) == 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSweepClosesSilentSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SweepInterval = time.Hour
	svc, addr := startRelay(t, cfg)
	c := dial(t, addr)
	c.join("a")
	c.read()

	require.Zero(t, svc.sweep(time.Now()))
	require.Equal(t, 1, svc.sweep(time.Now().Add(cfg.Session.SessionDeadAfter+time.Second)))
	c.expectClosed()
}

func TestAdminNamespacesRequiresToken(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	cfg := DefaultConfig()
	cfg.AdminToken = "s3cret"
	svc := NewServiceWithConfig(cfg)
	h := svc.AdminHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/namespaces", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/namespaces", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"namespaces":[]}`, rec.Body.String())
}

func TestRelayServesTLS(t *testing.T) {
	testlog.Start(t)
	serverTLS, clientTLS := tlstest.Session(t)
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Session.TLS = serverTLS
	svc := NewServiceWithConfig(cfg)
	ln, err := svc.listen()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	addr := ln.Addr().String()
	tlsCfg, err := session.Config{TLS: clientTLS}.ClientTLSConfig(addr)
	require.NoError(t, err)
	conn, err := tls.Dial("tcp", addr, tlsCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	c := &testClient{t: t, conn: conn, rd: bufio.NewReader(conn)}

	joined := c.join("peer-a")
	require.Equal(t, []string{"peer-a"}, joined.Peers)

	// plain tcp clients fail the handshake
	plain := dial(t, addr)
	plain.sendRaw(`{"type":"timePing","t0":1}`)
	_ = plain.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = plain.rd.ReadString('\n')
	require.Error(t, err)
}
