// Package sectors tracks per-sector write and reclaim state for a flash
// partition. The table is a fixed arena sized at construction; nothing here
// touches flash.
package sectors

import (
	"fmt"

	"github.com/i5heu/flintkv/pkg/status"
)

// Descriptor is the in-RAM state of one sector.
type Descriptor struct {
	// Written is the write cursor: the distance from the sector start to
	// the next writable byte. Undecodable garbage skipped during scan is
	// included, since it is not writable either.
	Written uint32

	// Reclaimable is the byte count of superseded entries and no longer
	// needed tombstones in this sector. Freed by garbage collection.
	Reclaimable uint32
}

// Free returns how many writable bytes remain given the sector size.
func (d Descriptor) Free(sectorSize uint32) uint32 {
	return sectorSize - d.Written
}

// Table owns one Descriptor per usable sector of the partition.
type Table struct {
	sectorSize uint32
	descs      []Descriptor
}

// NewTable creates a table for sectorCount sectors of sectorSize bytes,
// all fully erased.
func NewTable(sectorSize, sectorCount uint32) *Table {
	return &Table{
		sectorSize: sectorSize,
		descs:      make([]Descriptor, sectorCount),
	}
}

// Reset marks every sector fully erased.
func (t *Table) Reset() {
	for i := range t.descs {
		t.descs[i] = Descriptor{}
	}
}

func (t *Table) SectorCount() uint32 { return uint32(len(t.descs)) }
func (t *Table) SectorSize() uint32  { return t.sectorSize }

// Get returns the descriptor of sector s.
func (t *Table) Get(s uint32) Descriptor { return t.descs[s] }

// EmptySectors counts sectors with nothing written.
func (t *Table) EmptySectors() uint32 {
	var n uint32
	for _, d := range t.descs {
		if d.Written == 0 {
			n++
		}
	}
	return n
}

// Allocate finds a sector with at least size free bytes and returns its
// index together with the partition-relative write address. Best-fit: the
// sector with the least sufficient free space wins, clustering small
// writes and preserving roomy sectors for large values.
//
// Normal writes must leave one fully erased sector untouched as the GC
// reserve; forGC allocations may consume it. With no fitting sector the
// table returns ErrResourceExhausted and the engine decides whether to
// garbage collect.
func (t *Table) Allocate(size uint32, forGC bool) (uint32, uint32, error) {
	return t.allocate(size, forGC, -1)
}

// AllocateForGC is Allocate for relocation writes. It may consume the
// reserve sector but never places data in the victim sector avoid.
func (t *Table) AllocateForGC(size, avoid uint32) (uint32, uint32, error) {
	return t.allocate(size, true, int(avoid))
}

func (t *Table) allocate(size uint32, forGC bool, avoid int) (uint32, uint32, error) {
	if size > t.sectorSize {
		return 0, 0, fmt.Errorf("allocation of %d bytes exceeds sector size %d: %w",
			size, t.sectorSize, status.ErrInvalidArgument)
	}
	empty := t.EmptySectors()
	best := -1
	var bestFree uint32
	for i, d := range t.descs {
		if i == avoid {
			continue
		}
		free := d.Free(t.sectorSize)
		if free < size {
			continue
		}
		if d.Written == 0 && !forGC && empty <= 1 {
			// Opening the last erased sector would leave GC without a
			// destination.
			continue
		}
		if best == -1 || free < bestFree {
			best = i
			bestFree = free
		}
	}
	if best == -1 {
		return 0, 0, fmt.Errorf("no sector with %d free bytes: %w",
			size, status.ErrResourceExhausted)
	}
	s := uint32(best)
	return s, s*t.sectorSize + t.descs[s].Written, nil
}

// MarkWritten advances sector s's write cursor by size bytes.
func (t *Table) MarkWritten(s, size uint32) error {
	if t.descs[s].Written+size > t.sectorSize {
		return fmt.Errorf("write cursor of sector %d past end (%d+%d > %d): %w",
			s, t.descs[s].Written, size, t.sectorSize, status.ErrInternal)
	}
	t.descs[s].Written += size
	return nil
}

// MarkReclaimable records size bytes of sector s as freeable by GC.
func (t *Table) MarkReclaimable(s, size uint32) error {
	if t.descs[s].Reclaimable+size > t.descs[s].Written {
		return fmt.Errorf("reclaimable of sector %d exceeds written (%d+%d > %d): %w",
			s, t.descs[s].Reclaimable, size, t.descs[s].Written, status.ErrInternal)
	}
	t.descs[s].Reclaimable += size
	return nil
}

// ChooseGCVictim returns the sector with the most reclaimable bytes, ties
// broken by the lowest index. With nothing reclaimable anywhere it returns
// ErrResourceExhausted.
func (t *Table) ChooseGCVictim() (uint32, error) {
	best := -1
	var bestReclaim uint32
	for i, d := range t.descs {
		if d.Reclaimable > bestReclaim {
			best = i
			bestReclaim = d.Reclaimable
		}
	}
	if best == -1 {
		return 0, fmt.Errorf("no reclaimable bytes in any sector: %w",
			status.ErrResourceExhausted)
	}
	return uint32(best), nil
}

// ResetSector marks sector s fully erased.
func (t *Table) ResetSector(s uint32) {
	t.descs[s] = Descriptor{}
}

// SectorOf returns the sector index containing the partition address addr.
func (t *Table) SectorOf(addr uint32) uint32 {
	return addr / t.sectorSize
}
