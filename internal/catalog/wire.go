package catalog

import (
	"slices"

	"github.com/danmuck/swarmsync/internal/protocol"
)

func ToWire(e Entry) protocol.Entry {
	return protocol.Entry{
		ID:          e.ObjectID,
		Version:     e.Version,
		Tombstone:   e.Tombstone,
		Name:        e.Metadata.Name,
		Size:        e.Metadata.Size,
		ContentHash: e.Metadata.ContentHash,
		Sources:     slices.Clone(e.Metadata.Sources),
	}
}

func FromWire(w protocol.Entry) Entry {
	return Entry{
		ObjectID:  w.ID,
		Version:   w.Version,
		Tombstone: w.Tombstone,
		Metadata: Metadata{
			Name:        w.Name,
			Size:        w.Size,
			ContentHash: w.ContentHash,
			Sources:     slices.Clone(w.Sources),
		},
	}
}

func digestToWire(items []DigestItem) []protocol.DigestItem {
	out := make([]protocol.DigestItem, len(items))
	for i, it := range items {
		out[i] = protocol.DigestItem{ID: it.ObjectID, Version: it.Version, Tombstone: it.Tombstone}
	}
	return out
}

// digestFromWire converts and sorts a received digest.
func digestFromWire(items []protocol.DigestItem) []DigestItem {
	out := make([]DigestItem, len(items))
	for i, it := range items {
		out[i] = DigestItem{ObjectID: it.ID, Version: it.Version, Tombstone: it.Tombstone}
	}
	sortDigest(out)
	return out
}
