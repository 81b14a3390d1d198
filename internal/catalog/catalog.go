// Package catalog replicates shared-object metadata across a namespace.
//
// Each object id maps to a grow-only version register: an entry is replaced
// only by one with a strictly greater version, and every local mutation bumps
// the version, so merges are commutative and idempotent. Withdrawn objects
// stay as tombstones so their version keeps winning comparisons.
package catalog

import (
	"encoding/binary"
	"errors"
	"slices"
	"strings"

	"github.com/zeebo/xxh3"
)

var (
	ErrUnknownObject = errors.New("catalog: unknown object")
	ErrEmptyObjectID = errors.New("catalog: empty object id")
)

type Metadata struct {
	Name        string
	Size        int64
	ContentHash string
	// Sources are transport locators of peers holding the bytes.
	Sources []string
}

func (m Metadata) clone() Metadata {
	m.Sources = slices.Clone(m.Sources)
	return m
}

type Entry struct {
	ObjectID  string
	Version   uint64
	Tombstone bool
	Metadata  Metadata
}

// DigestItem is the compact per-object summary gossiped in place of full entries.
type DigestItem struct {
	ObjectID  string
	Version   uint64
	Tombstone bool
}

// Catalog is owned by the node event loop; it is not safe for concurrent use.
type Catalog struct {
	entries map[string]Entry
}

func New() *Catalog {
	return &Catalog{entries: make(map[string]Entry)}
}

// Apply merges one entry and reports whether local state changed.
func (c *Catalog) Apply(e Entry) bool {
	if e.ObjectID == "" || e.Version == 0 {
		return false
	}
	cur, ok := c.entries[e.ObjectID]
	if ok && e.Version <= cur.Version {
		return false
	}
	e.Metadata = e.Metadata.clone()
	c.entries[e.ObjectID] = e
	return true
}

func (c *Catalog) Get(objectID string) (Entry, bool) {
	e, ok := c.entries[objectID]
	if !ok {
		return Entry{}, false
	}
	e.Metadata = e.Metadata.clone()
	return e, true
}

// detached returns a stored entry whose metadata the caller may modify.
func (c *Catalog) detached(objectID string) Entry {
	e, _ := c.Get(objectID)
	return e
}

func (c *Catalog) Len() int { return len(c.entries) }

// Digest returns one item per known object sorted by id.
func (c *Catalog) Digest() []DigestItem {
	out := make([]DigestItem, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, DigestItem{ObjectID: e.ObjectID, Version: e.Version, Tombstone: e.Tombstone})
	}
	sortDigest(out)
	return out
}

// Fingerprint hashes the sorted digest. Equal fingerprints mean equal digests
// with overwhelming probability.
func (c *Catalog) Fingerprint() uint64 {
	return Fingerprint(c.Digest())
}

// Fingerprint folds each item into an xxh3 chain seeded by the previous hash.
// items must be sorted by object id.
func Fingerprint(items []DigestItem) uint64 {
	var h uint64
	var ib [9]byte
	for _, it := range items {
		h = xxh3.HashStringSeed(it.ObjectID, h)
		binary.LittleEndian.PutUint64(ib[:8], it.Version)
		ib[8] = 0
		if it.Tombstone {
			ib[8] = 1
		}
		h = xxh3.HashSeed(ib[:], h)
	}
	return h
}

// WantFromDigest lists ids, sorted, whose peer version is strictly greater than
// the local one or unknown locally, capped at limit when limit > 0.
func (c *Catalog) WantFromDigest(peer []DigestItem, limit int) []string {
	var want []string
	for _, it := range peer {
		if it.ObjectID == "" {
			continue
		}
		if cur, ok := c.entries[it.ObjectID]; ok && cur.Version >= it.Version {
			continue
		}
		want = append(want, it.ObjectID)
	}
	slices.Sort(want)
	want = slices.Compact(want)
	if limit > 0 && len(want) > limit {
		want = want[:limit]
	}
	return want
}

// Entries returns the known entries for ids in the given order, skipping unknown ids.
func (c *Catalog) Entries(ids []string) []Entry {
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := c.Get(id); ok {
			out = append(out, e)
		}
	}
	return out
}

// Live returns the non-tombstoned entries sorted by id.
func (c *Catalog) Live() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if !e.Tombstone {
			e.Metadata = e.Metadata.clone()
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.ObjectID, b.ObjectID) })
	return out
}

// Announce records a local object, or revives a tombstone, one version above
// whatever is known.
func (c *Catalog) Announce(objectID string, meta Metadata) (Entry, error) {
	if objectID == "" {
		return Entry{}, ErrEmptyObjectID
	}
	e := Entry{
		ObjectID: objectID,
		Version:  c.entries[objectID].Version + 1,
		Metadata: meta.clone(),
	}
	c.entries[objectID] = e
	return c.detached(objectID), nil
}

// Revoke bumps the version and sets the tombstone, keeping prior metadata.
func (c *Catalog) Revoke(objectID string) (Entry, error) {
	cur, ok := c.entries[objectID]
	if !ok {
		return Entry{}, ErrUnknownObject
	}
	cur.Version++
	cur.Tombstone = true
	c.entries[objectID] = cur
	return c.detached(objectID), nil
}

// AddSource bumps the version of a live entry and adds locator to its sources.
func (c *Catalog) AddSource(objectID, locator string) (Entry, error) {
	cur, ok := c.entries[objectID]
	if !ok || cur.Tombstone {
		return Entry{}, ErrUnknownObject
	}
	cur.Metadata = cur.Metadata.clone()
	if locator != "" && !slices.Contains(cur.Metadata.Sources, locator) {
		cur.Metadata.Sources = append(cur.Metadata.Sources, locator)
		slices.Sort(cur.Metadata.Sources)
	}
	cur.Version++
	c.entries[objectID] = cur
	return c.detached(objectID), nil
}

func sortDigest(items []DigestItem) {
	slices.SortFunc(items, func(a, b DigestItem) int { return strings.Compare(a.ObjectID, b.ObjectID) })
}
