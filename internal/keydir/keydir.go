// Package keydir is the bounded in-RAM key descriptor index. It maps a
// 32-bit key hash to the flash address of the key's current entry. Hash
// collisions are possible; callers disambiguate by comparing the on-flash
// key bytes of each candidate.
package keydir

import (
	"fmt"

	"github.com/i5heu/flintkv/pkg/status"
	"github.com/spaolacci/murmur3"
)

// State of a key descriptor.
type State uint8

const (
	// StateValid marks a key whose current entry carries a value.
	StateValid State = iota
	// StateDeleted marks a key whose current entry is a tombstone. The
	// descriptor is kept so the delete survives restarts until GC drops
	// the tombstone.
	StateDeleted
)

// Descriptor is the in-RAM state of one key.
type Descriptor struct {
	Hash  uint32
	TxID  uint32
	Addr  uint32
	State State

	// StaleCopies counts older physical entries for this key that still
	// exist on flash. A tombstone may only be dropped once this reaches
	// zero, otherwise a rescan would resurrect a superseded value.
	StaleCopies uint16

	// Reclaimed records that the current entry's bytes were already
	// counted reclaimable in its sector. Guards against double counting
	// when a pre-counted tombstone is later superseded.
	Reclaimed bool
}

// Index owns a fixed arena of at most maxEntries descriptors. Lookup is a
// linear scan; with the bounded entry counts of an embedded store that is
// both cheap and allocation-free.
type Index struct {
	descs []Descriptor
	max   int
}

// HashKey returns the index hash of raw key bytes.
func HashKey(key []byte) uint32 {
	return murmur3.Sum32(key)
}

// NewIndex creates an empty index with room for maxEntries descriptors.
func NewIndex(maxEntries int) *Index {
	return &Index{
		descs: make([]Descriptor, 0, maxEntries),
		max:   maxEntries,
	}
}

// Reset drops every descriptor.
func (x *Index) Reset() {
	x.descs = x.descs[:0]
}

// Len is the number of descriptors, tombstoned keys included.
func (x *Index) Len() int { return len(x.descs) }

// MaxEntries is the arena capacity.
func (x *Index) MaxEntries() int { return x.max }

// Valid counts descriptors in StateValid.
func (x *Index) Valid() uint32 {
	var n uint32
	for i := range x.descs {
		if x.descs[i].State == StateValid {
			n++
		}
	}
	return n
}

// Full reports whether no new key can be inserted.
func (x *Index) Full() bool { return len(x.descs) >= x.max }

// Insert appends a descriptor and returns its slot, or
// ErrResourceExhausted when the arena is full.
func (x *Index) Insert(d Descriptor) (int, error) {
	if x.Full() {
		return 0, fmt.Errorf("key index full at %d entries: %w",
			x.max, status.ErrResourceExhausted)
	}
	x.descs = append(x.descs, d)
	return len(x.descs) - 1, nil
}

// At returns a mutable reference to the descriptor in slot i.
func (x *Index) At(i int) *Descriptor { return &x.descs[i] }

// Remove deletes slot i. The last descriptor is swapped into the hole, so
// slots held across a Remove are invalidated.
func (x *Index) Remove(i int) {
	last := len(x.descs) - 1
	x.descs[i] = x.descs[last]
	x.descs = x.descs[:last]
}

// NextWithHash returns the first slot >= from whose descriptor has the
// given hash, or -1. Iterate collisions with:
//
//	for i := x.NextWithHash(h, 0); i >= 0; i = x.NextWithHash(h, i+1) { ... }
func (x *Index) NextWithHash(h uint32, from int) int {
	for i := from; i < len(x.descs); i++ {
		if x.descs[i].Hash == h {
			return i
		}
	}
	return -1
}
