package transfer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/swarmsync/internal/protocol/frame"
	"github.com/danmuck/swarmsync/internal/protocol/schema"
	"github.com/danmuck/swarmsync/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

var ErrNamespaceMismatch = errors.New("transfer: namespace mismatch")

// Serve answers fetch frames on ln until ctx is done.
func (t *Transport) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	var (
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		mu.Lock()
		for c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()
		go func() {
			t.handleConn(conn)
			mu.Lock()
			delete(conns, conn)
			mu.Unlock()
		}()
	}
}

func (t *Transport) handleConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.IdleTimeout))
		req, err := frame.ReadFrame(reader, t.cfg.Limits)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Msgf("transfer.handleConn read remote=%q err=%v", remote, err)
			}
			return
		}
		resp := t.answer(req)
		_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.Session.WriteTimeout))
		if err := frame.WriteFrame(conn, resp, t.cfg.Limits); err != nil {
			log.Warn().Msgf("transfer.handleConn write remote=%q err=%v", remote, err)
			return
		}
	}
}

func (t *Transport) answer(req frame.Frame) frame.Frame {
	fields, err := tlv.DecodeFields(req.Payload)
	if err == nil {
		err = schema.Validate(req.Header.MessageType, fields)
	}
	if err == nil && req.Header.MessageType != schema.MsgFetch {
		err = schema.ValidationError{MessageType: req.Header.MessageType, Reason: "not a fetch"}
	}
	objectID, _ := tlv.GetString(fields, schema.FieldObjectID)
	if err != nil {
		return t.errorFrame(req.Header.MessageID, objectID, err)
	}
	if !bytes.Equal(req.Auth, []byte(t.namespace)) {
		log.Warn().Msgf("transfer.answer namespace mismatch object=%q", objectID)
		return t.errorFrame(req.Header.MessageID, objectID, ErrNamespaceMismatch)
	}
	data, err := t.objects.Get(objectID)
	if err != nil {
		return t.errorFrame(req.Header.MessageID, objectID, err)
	}
	log.Debug().Msgf("transfer.answer serve object=%q bytes=%d", objectID, len(data))
	payload := tlv.EncodeFields([]tlv.Field{
		tlv.String(schema.FieldObjectID, objectID),
		tlv.U64(schema.FieldSize, uint64(len(data))),
		tlv.Bytes(schema.FieldContent, data),
	})
	resp := frame.New(req.Header.MessageID, schema.MsgObject, nil, payload)
	resp.Header.Flags = frame.FlagIsResponse
	return resp
}

func (t *Transport) errorFrame(messageID uint64, objectID string, cause error) frame.Frame {
	payload := tlv.EncodeFields([]tlv.Field{
		tlv.String(schema.FieldObjectID, objectID),
		tlv.String(schema.FieldReason, cause.Error()),
	})
	resp := frame.New(messageID, schema.MsgError, nil, payload)
	resp.Header.Flags = frame.FlagIsResponse | frame.FlagIsError
	return resp
}
