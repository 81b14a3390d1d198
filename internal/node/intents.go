package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/danmuck/swarmsync/internal/catalog"
	"github.com/danmuck/swarmsync/internal/protocol"
	"github.com/danmuck/swarmsync/internal/scheduler"
	"github.com/danmuck/swarmsync/internal/transfer"
)

var (
	ErrStopped    = errors.New("node: stopped")
	ErrNoSelected = errors.New("node: no object selected")
)

// do runs fn on the event loop and waits for it.
func (n *Node) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	wrapped := func() { result <- fn() }
	select {
	case n.intents <- wrapped:
	case <-n.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take makes this node director unconditionally.
func (n *Node) Take(ctx context.Context) error {
	return n.do(ctx, func() error {
		n.sendDirector(n.elect.Take(n.globalMs()))
		return nil
	})
}

// Resign gives up the director role; the register stays vacant until a take.
func (n *Node) Resign(ctx context.Context) error {
	return n.do(ctx, func() error {
		action, err := n.elect.Resign(n.globalMs())
		if err != nil {
			return err
		}
		n.sendDirector(action)
		return nil
	})
}

// Announce shares data under its content hash, which becomes the object id.
func (n *Node) Announce(ctx context.Context, name string, data []byte) (string, error) {
	id := transfer.ContentHash(data)
	if err := n.transport.Put(id, data); err != nil {
		return "", err
	}
	err := n.do(ctx, func() error {
		ann, err := n.repl.LocalAnnounce(id, catalog.Metadata{
			Name:        name,
			Size:        int64(len(data)),
			ContentHash: id,
		}, n.clock())
		if err != nil {
			return err
		}
		n.send(ann)
		return nil
	})
	return id, err
}

// AnnounceFile reads path and announces it under its base name.
func (n *Node) AnnounceFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return n.Announce(ctx, filepath.Base(path), data)
}

func (n *Node) Revoke(ctx context.Context, objectID string) error {
	return n.do(ctx, func() error {
		rev, err := n.repl.LocalRevoke(objectID, n.clock())
		if err != nil {
			return err
		}
		n.send(rev)
		return nil
	})
}

// Select issues a selectFile command as director.
func (n *Node) Select(ctx context.Context, objectID string) error {
	return n.do(ctx, func() error {
		if e, ok := n.repl.Catalog().Get(objectID); !ok || e.Tombstone {
			return fmt.Errorf("%w: %s", catalog.ErrUnknownObject, objectID)
		}
		return n.issue(scheduler.KindSelect, objectID)
	})
}

// Play issues a play of objectID, or of the selected object when empty.
func (n *Node) Play(ctx context.Context, objectID string) error {
	return n.do(ctx, func() error {
		if objectID == "" {
			objectID = n.sched.Selected()
		}
		if objectID == "" {
			return ErrNoSelected
		}
		return n.issue(scheduler.KindPlay, objectID)
	})
}

func (n *Node) Stop(ctx context.Context) error {
	return n.do(ctx, func() error {
		return n.issue(scheduler.KindStop, "")
	})
}

// issue stamps a director command, broadcasts it and runs it locally through
// the same path followers use.
func (n *Node) issue(kind scheduler.Kind, objectID string) error {
	if kind != scheduler.KindStop {
		n.ensurePrepared(objectID)
	}
	cmd, err := n.sched.Issue(kind, objectID, n.localMs())
	if err != nil {
		return err
	}
	switch cmd.Kind {
	case scheduler.KindPlay:
		n.send(&protocol.Play{UserID: cmd.IssuerID, ObjectID: cmd.ObjectID, GlobalStartMs: cmd.GlobalStartMs, IssuedAtMs: cmd.IssuedAtMs})
	case scheduler.KindStop:
		n.send(&protocol.Stop{UserID: cmd.IssuerID, IssuedAtMs: cmd.IssuedAtMs})
	case scheduler.KindSelect:
		n.send(&protocol.SelectFile{UserID: cmd.IssuerID, ObjectID: cmd.ObjectID, IssuedAtMs: cmd.IssuedAtMs})
	}
	n.sched.Execute(cmd, n.localMs())
	return nil
}

// SetDelay sets the local signed output delay and returns the clamped value.
func (n *Node) SetDelay(ctx context.Context, ms int64) (int64, error) {
	var applied int64
	err := n.do(ctx, func() error {
		applied = n.sched.SetSignedDelay(ms, n.localMs())
		n.saveDelay(applied)
		return nil
	})
	return applied, err
}

// Resync releases the locked clock base so it slews toward the live estimate
// and relocks inside the dead band.
func (n *Node) Resync(ctx context.Context) error {
	return n.do(ctx, func() error {
		n.est.Release()
		n.log.Info().Msgf("node.Resync released base offset_ms=%.1f live_ms=%.1f", n.est.CurrentOffsetMs(), n.est.LiveOffsetMs())
		return nil
	})
}

// Status is a point-in-time snapshot of the node.
type Status struct {
	ID             string          `json:"id"`
	Namespace      string          `json:"namespace"`
	Locator        string          `json:"locator"`
	Connected      bool            `json:"connected"`
	Peers          []string        `json:"peers"`
	Director       string          `json:"director,omitempty"`
	DirectorState  string          `json:"directorState"`
	Locked         bool            `json:"locked"`
	OffsetMs       float64         `json:"offsetMs"`
	DriftMs        float64         `json:"driftMs"`
	MedianRTTMs    float64         `json:"medianRttMs"`
	CatalogTrusted bool            `json:"catalogTrusted"`
	Objects        []ObjectStatus  `json:"objects"`
	Selected       string          `json:"selected,omitempty"`
	Playing        string          `json:"playing,omitempty"`
	PositionMs     int64           `json:"positionMs"`
	SignedDelayMs  int64           `json:"signedDelayMs"`
	Pending        *PendingCommand `json:"pending,omitempty"`
}

type ObjectStatus struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Version uint64 `json:"version"`
	Local   bool   `json:"local"`
}

type PendingCommand struct {
	ObjectID      string `json:"objectId"`
	GlobalStartMs int64  `json:"globalStartMs"`
	LocalStartMs  int64  `json:"localStartMs"`
}

func (n *Node) Status(ctx context.Context) (Status, error) {
	var st Status
	err := n.do(ctx, func() error {
		st = n.snapshot()
		return nil
	})
	return st, err
}

func (n *Node) snapshot() Status {
	now := n.localMs()
	st := Status{
		ID:             string(n.id),
		Namespace:      n.cfg.Namespace,
		Locator:        n.Locator(),
		Connected:      n.link != nil,
		Director:       n.directorID(),
		DirectorState:  n.elect.State().String(),
		Locked:         n.est.Locked(),
		OffsetMs:       n.est.CurrentOffsetMs(),
		DriftMs:        n.est.DriftMs(),
		MedianRTTMs:    n.est.MedianRTTMs(),
		CatalogTrusted: n.repl.Trusted(),
		Selected:       n.sched.Selected(),
		SignedDelayMs:  n.sched.SignedDelay(),
	}
	for _, id := range n.view.Peers() {
		st.Peers = append(st.Peers, string(id))
	}
	for _, e := range n.repl.Catalog().Live() {
		st.Objects = append(st.Objects, ObjectStatus{
			ID: e.ObjectID, Name: e.Metadata.Name, Size: e.Metadata.Size,
			Version: e.Version, Local: n.transport.Has(e.ObjectID),
		})
	}
	if pos, playing := n.engine.Position(now); playing {
		st.PositionMs = pos
		if a, ok := n.sched.Alignment(); ok {
			st.Playing = a.ObjectID
		}
	}
	if cmd, local, ok := n.sched.Pending(); ok {
		st.Pending = &PendingCommand{ObjectID: cmd.ObjectID, GlobalStartMs: cmd.GlobalStartMs, LocalStartMs: local}
	}
	return st
}
