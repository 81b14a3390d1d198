package transfer

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/swarmsync/internal/protocol/frame"
	"github.com/danmuck/swarmsync/internal/protocol/schema"
	"github.com/danmuck/swarmsync/internal/protocol/session"
	"github.com/danmuck/swarmsync/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoSources      = errors.New("transfer: no sources")
	ErrRemote         = errors.New("transfer: remote error")
	ErrUnexpectedType = errors.New("transfer: unexpected response type")
)

type Config struct {
	ListenAddr string
	// AdvertiseAddr is the locator peers dial; defaults to the bound address.
	AdvertiseAddr string
	// Dir stores objects on disk; empty keeps them in memory.
	Dir         string
	IdleTimeout time.Duration
	Limits      frame.Limits
	Session     session.Config
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:  "127.0.0.1:0",
		IdleTimeout: 30 * time.Second,
		Limits:      frame.DefaultLimits(),
		Session:     session.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	c.Session = c.Session.WithDefaults()
	return c
}

// Transport serves local objects and fetches remote ones for one namespace.
type Transport struct {
	cfg       Config
	namespace string
	objects   ObjectStore
	locator   string
	nextID    atomic.Uint64
}

// New builds a transport over objects. A nil store selects Dir or memory per cfg.
func New(cfg Config, namespace string, objects ObjectStore) (*Transport, error) {
	cfg = cfg.withDefaults()
	if objects == nil {
		if cfg.Dir != "" {
			ds, err := NewDirStore(cfg.Dir)
			if err != nil {
				return nil, err
			}
			objects = ds
		} else {
			objects = NewMemStore()
		}
	}
	return &Transport{cfg: cfg, namespace: namespace, objects: objects, locator: cfg.AdvertiseAddr}, nil
}

// Listen binds the configured address and records the locator.
func (t *Transport) Listen() (net.Listener, error) {
	var (
		ln  net.Listener
		err error
	)
	if t.cfg.Session.TLS.Enabled {
		var tlsCfg *tls.Config
		tlsCfg, err = t.cfg.Session.ServerTLSConfig()
		if err != nil {
			return nil, err
		}
		ln, err = tls.Listen("tcp", t.cfg.ListenAddr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", t.cfg.ListenAddr)
	}
	if err != nil {
		return nil, err
	}
	if t.locator == "" {
		t.locator = ln.Addr().String()
	}
	log.Info().Msgf("transfer.Transport.Listen addr=%q locator=%q", ln.Addr().String(), t.locator)
	return ln, nil
}

// Locator is the address peers fetch this node's objects from.
func (t *Transport) Locator() string { return t.locator }

func (t *Transport) Has(objectID string) bool { return t.objects.Has(objectID) }

func (t *Transport) Open(objectID string) ([]byte, error) { return t.objects.Get(objectID) }

func (t *Transport) Put(objectID string, data []byte) error { return t.objects.Put(objectID, data) }

// FetchOption narrows what Fetch accepts from a source.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	contentHash string
}

// WithContentHash rejects a source whose bytes do not hash to h.
func WithContentHash(h string) FetchOption {
	return func(o *fetchOptions) { o.contentHash = h }
}

// Fetch pulls objectID from the first source that serves it, stores it and
// returns the bytes. The own locator is skipped.
func (t *Transport) Fetch(ctx context.Context, objectID string, sources []string, opts ...FetchOption) ([]byte, error) {
	if objectID == "" {
		return nil, ErrEmptyID
	}
	var o fetchOptions
	for _, opt := range opts {
		opt(&o)
	}
	var errs []error
	tried := 0
	for _, src := range sources {
		if src == "" || src == t.locator {
			continue
		}
		tried++
		data, err := t.fetchFrom(ctx, src, objectID)
		if err == nil && o.contentHash != "" && ContentHash(data) != o.contentHash {
			err = ErrHashMismatch
		}
		if err != nil {
			log.Debug().Msgf("transfer.Fetch source failed object=%q source=%q err=%v", objectID, src, err)
			errs = append(errs, fmt.Errorf("%s: %w", src, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if err := t.objects.Put(objectID, data); err != nil {
			return nil, err
		}
		log.Info().Msgf("transfer.Fetch ok object=%q source=%q bytes=%d", objectID, src, len(data))
		return data, nil
	}
	if tried == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSources, objectID)
	}
	return nil, errors.Join(errs...)
}

func (t *Transport) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: t.cfg.Session.ConnectTimeout}
	if !t.cfg.Session.TLS.Enabled {
		return d.DialContext(ctx, "tcp", addr)
	}
	tlsCfg, err := t.cfg.Session.ClientTLSConfig(addr)
	if err != nil {
		return nil, err
	}
	td := tls.Dialer{NetDialer: &d, Config: tlsCfg}
	return td.DialContext(ctx, "tcp", addr)
}

func (t *Transport) fetchFrom(ctx context.Context, addr, objectID string) ([]byte, error) {
	conn, err := t.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	id := t.nextID.Add(1)
	req := frame.New(id, schema.MsgFetch, []byte(t.namespace), tlv.EncodeFields([]tlv.Field{
		tlv.String(schema.FieldObjectID, objectID),
	}))
	_ = conn.SetDeadline(time.Now().Add(t.cfg.IdleTimeout))
	if err := frame.WriteFrame(conn, req, t.cfg.Limits); err != nil {
		return nil, err
	}
	resp, err := frame.ReadFrame(bufio.NewReader(conn), t.cfg.Limits)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return decodeResponse(resp, id, objectID)
}

func decodeResponse(resp frame.Frame, id uint64, objectID string) ([]byte, error) {
	if resp.Header.MessageID != id {
		return nil, fmt.Errorf("%w: message_id=%d want=%d", ErrUnexpectedType, resp.Header.MessageID, id)
	}
	fields, err := tlv.DecodeFields(resp.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(resp.Header.MessageType, fields); err != nil {
		return nil, err
	}
	switch resp.Header.MessageType {
	case schema.MsgError:
		reason, _ := tlv.GetString(fields, schema.FieldReason)
		return nil, fmt.Errorf("%w: %s", ErrRemote, reason)
	case schema.MsgObject:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedType, resp.Header.MessageType)
	}
	gotID, _ := tlv.GetString(fields, schema.FieldObjectID)
	if gotID != objectID {
		return nil, fmt.Errorf("%w: object %q for %q", ErrUnexpectedType, gotID, objectID)
	}
	data, err := tlv.GetBytes(fields, schema.FieldContent)
	if err != nil {
		return nil, err
	}
	sizeField, _ := tlv.GetField(fields, schema.FieldSize)
	size, err := tlv.U64FromBytes(sizeField.Value)
	if err != nil {
		return nil, err
	}
	if size != uint64(len(data)) {
		return nil, fmt.Errorf("transfer: size %d does not match %d content bytes", size, len(data))
	}
	return data, nil
}
