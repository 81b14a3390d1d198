package transfer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/danmuck/swarmsync/internal/protocol/frame"
	"github.com/danmuck/swarmsync/internal/protocol/schema"
	"github.com/danmuck/swarmsync/internal/protocol/tlv"
	"github.com/danmuck/swarmsync/internal/testutil/testlog"
	"github.com/danmuck/swarmsync/internal/testutil/tlstest"
	"github.com/stretchr/testify/require"
)

func startTransport(t *testing.T, namespace string) *Transport {
	t.Helper()
	return startTransportWithConfig(t, DefaultConfig(), namespace)
}

func startTransportWithConfig(t *testing.T, cfg Config, namespace string) *Transport {
	t.Helper()
	tr, err := New(cfg, namespace, nil)
	require.NoError(t, err)
	ln, err := tr.Listen()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return tr
}

func TestFetchStoresObjectFromPeer(t *testing.T) {
	testlog.Start(t)
	seeder := startTransport(t, "ns")
	leecher := startTransport(t, "ns")
	data := []byte("a short track")
	require.NoError(t, seeder.Put("obj-1", data))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := leecher.Fetch(ctx, "obj-1", []string{leecher.Locator(), seeder.Locator()})
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.True(t, leecher.Has("obj-1"))
	stored, err := leecher.Open("obj-1")
	require.NoError(t, err)
	require.Equal(t, ContentHash(data), ContentHash(stored))
}

func TestFetchFallsThroughFailingSources(t *testing.T) {
	testlog.Start(t)
	empty := startTransport(t, "ns")
	seeder := startTransport(t, "ns")
	leecher := startTransport(t, "ns")
	require.NoError(t, seeder.Put("obj-1", []byte{1, 2, 3}))

	got, err := leecher.Fetch(context.Background(), "obj-1", []string{empty.Locator(), seeder.Locator()})
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)
}

func TestFetchErrors(t *testing.T) {
	testlog.Start(t)
	seeder := startTransport(t, "ns")
	stranger := startTransport(t, "other")
	require.NoError(t, seeder.Put("obj-1", []byte("x")))

	_, err := stranger.Fetch(context.Background(), "obj-1", []string{seeder.Locator()})
	require.ErrorIs(t, err, ErrRemote)
	require.ErrorContains(t, err, ErrNamespaceMismatch.Error())

	_, err = stranger.Fetch(context.Background(), "obj-1", []string{stranger.Locator()})
	require.ErrorIs(t, err, ErrNoSources)

	_, err = stranger.Fetch(context.Background(), "", []string{seeder.Locator()})
	require.ErrorIs(t, err, ErrEmptyID)

	peer := startTransport(t, "ns")
	_, err = peer.Fetch(context.Background(), "obj-1", []string{seeder.Locator()}, WithContentHash(ContentHash([]byte("y"))))
	require.ErrorIs(t, err, ErrHashMismatch)
	require.False(t, peer.Has("obj-1"))
	_, err = peer.Fetch(context.Background(), "obj-1", []string{seeder.Locator()}, WithContentHash(ContentHash([]byte("x"))))
	require.NoError(t, err)
}

func TestServerAnswersSeveralRequestsPerConnection(t *testing.T) {
	testlog.Start(t)
	seeder := startTransport(t, "ns")
	require.NoError(t, seeder.Put("a", []byte("alpha")))

	conn, err := net.Dial("tcp", seeder.Locator())
	require.NoError(t, err)
	defer conn.Close()

	for i, id := range []string{"a", "missing"} {
		req := frame.New(uint64(i+1), schema.MsgFetch, []byte("ns"), tlv.EncodeFields([]tlv.Field{
			tlv.String(schema.FieldObjectID, id),
		}))
		require.NoError(t, frame.WriteFrame(conn, req, frame.DefaultLimits()))
		resp, err := frame.ReadFrame(conn, frame.DefaultLimits())
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), resp.Header.MessageID)
		require.NotZero(t, resp.Header.Flags&frame.FlagIsResponse)
		if id == "a" {
			require.Equal(t, schema.MsgObject, resp.Header.MessageType)
			data, err := decodeResponse(resp, uint64(i+1), id)
			require.NoError(t, err)
			require.Equal(t, []byte("alpha"), data)
		} else {
			require.Equal(t, schema.MsgError, resp.Header.MessageType)
			require.NotZero(t, resp.Header.Flags&frame.FlagIsError)
		}
	}
}

func TestDirStore(t *testing.T) {
	ds, err := NewDirStore(t.TempDir())
	require.NoError(t, err)
	require.False(t, ds.Has("../../etc/passwd"))
	require.NoError(t, ds.Put("../../etc/passwd", []byte("safe")))
	require.True(t, ds.Has("../../etc/passwd"))
	data, err := ds.Get("../../etc/passwd")
	require.NoError(t, err)
	require.Equal(t, []byte("safe"), data)

	_, err = ds.Get("nope")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, ds.Put("", nil), ErrEmptyID)
}

func TestContentHashIsStable(t *testing.T) {
	require.Equal(t, ContentHash([]byte("x")), ContentHash([]byte("x")))
	require.NotEqual(t, ContentHash([]byte("x")), ContentHash([]byte("y")))
	require.Len(t, ContentHash(nil), 32)
}

func TestFetchOverTLS(t *testing.T) {
	testlog.Start(t)
	serverTLS, clientTLS := tlstest.Session(t)
	cfg := DefaultConfig()
	cfg.Session.TLS = serverTLS
	cfg.Session.TLS.CAFile = clientTLS.CAFile
	seeder := startTransportWithConfig(t, cfg, "ns")
	leecher := startTransportWithConfig(t, cfg, "ns")
	require.NoError(t, seeder.Put("obj-1", []byte("sealed")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := leecher.Fetch(ctx, "obj-1", []string{seeder.Locator()})
	require.NoError(t, err)
	require.Equal(t, []byte("sealed"), got)

	plain := startTransport(t, "ns")
	_, err = plain.Fetch(ctx, "obj-1", []string{seeder.Locator()})
	require.Error(t, err)
}
