package transfer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"
)

var (
	ErrNotFound     = errors.New("transfer: object not found")
	ErrEmptyID      = errors.New("transfer: empty object id")
	ErrHashMismatch = errors.New("transfer: content hash mismatch")
)

// ObjectStore holds the object bytes this node can serve.
type ObjectStore interface {
	Has(objectID string) bool
	Get(objectID string) ([]byte, error)
	Put(objectID string, data []byte) error
}

// ContentHash is the catalog content hash of data: 128-bit xxh3, hex encoded.
func ContentHash(data []byte) string {
	sum := xxh3.Hash128(data).Bytes()
	return hex.EncodeToString(sum[:])
}

// MemStore keeps objects in memory.
type MemStore struct {
	objects *xsync.Map[string, []byte]
}

func NewMemStore() *MemStore {
	return &MemStore{objects: xsync.NewMap[string, []byte]()}
}

func (m *MemStore) Has(objectID string) bool {
	_, ok := m.objects.Load(objectID)
	return ok
}

func (m *MemStore) Get(objectID string) ([]byte, error) {
	data, ok := m.objects.Load(objectID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, objectID)
	}
	return data, nil
}

func (m *MemStore) Put(objectID string, data []byte) error {
	if objectID == "" {
		return ErrEmptyID
	}
	m.objects.Store(objectID, append([]byte(nil), data...))
	return nil
}

// DirStore keeps one file per object under a root directory. File names are
// derived from the object id so arbitrary ids never escape the root.
type DirStore struct {
	root string
}

func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("transfer: create object dir: %w", err)
	}
	return &DirStore{root: root}, nil
}

func (d *DirStore) path(objectID string) string {
	sum := xxh3.HashString128(objectID).Bytes()
	return filepath.Join(d.root, hex.EncodeToString(sum[:])+".obj")
}

func (d *DirStore) Has(objectID string) bool {
	_, err := os.Stat(d.path(objectID))
	return err == nil
}

func (d *DirStore) Get(objectID string) ([]byte, error) {
	data, err := os.ReadFile(d.path(objectID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, objectID)
	}
	return data, err
}

// Put writes through a temp file and rename so readers never see a partial object.
func (d *DirStore) Put(objectID string, data []byte) error {
	if objectID == "" {
		return ErrEmptyID
	}
	tmp, err := os.CreateTemp(d.root, "put-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), d.path(objectID))
}
