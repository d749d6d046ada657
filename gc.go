package flintkv

import (
	"errors"
	"fmt"

	"github.com/i5heu/flintkv/internal/entry"
	"github.com/i5heu/flintkv/internal/keydir"
	"github.com/i5heu/flintkv/pkg/status"
)

// collect runs one garbage collection cycle: pick the sector with the most
// reclaimable bytes, move every still-current entry out of it, then erase
// it. Relocated entries keep their transaction id, so a crash mid-cycle
// leaves byte-identical duplicates that the next Init resolves.
//
// The victim is walked twice. The first pass retires stale copies so that
// a tombstone whose last superseded copy lives in the victim is dropped
// rather than relocated by the second pass.
func (k *KVS) collect() error {
	victim, err := k.table.ChooseGCVictim()
	if err != nil {
		return err
	}
	if err := k.retireStaleCopies(victim); err != nil {
		return fmt.Errorf("sector %d: %w", victim, err)
	}
	moved, dropped, err := k.relocateCurrent(victim)
	if err != nil {
		return fmt.Errorf("sector %d: %w", victim, err)
	}

	if err := k.part.EraseSectors(victim*k.part.SectorSize(), 1); err != nil {
		return fmt.Errorf("erasing sector %d: %w", victim, err)
	}
	reclaimed := k.table.Get(victim).Written - moved
	k.table.ResetSector(victim)
	k.writeGen++

	k.log.Info("collected sector",
		"sector", victim,
		"movedBytes", moved,
		"droppedTombstones", dropped,
		"reclaimedBytes", reclaimed,
	)
	return nil
}

// victimWalker enumerates the decodable entries of one sector. Undecodable
// bytes are skipped by codec alignment, same as the Init scan.
type victimWalker struct {
	kvs    *KVS
	sector uint32
	off    uint32
	end    uint32
}

func (k *KVS) walkVictim(sector uint32) victimWalker {
	return victimWalker{
		kvs:    k,
		sector: sector,
		end:    k.table.Get(sector).Written,
	}
}

// next returns the partition address and header of the next decodable,
// checksum-valid entry, or ok=false at the end of the written region.
func (w *victimWalker) next() (uint32, entry.Header, bool, error) {
	k := w.kvs
	base := w.sector * k.part.SectorSize()
	for w.off+k.codec.HeaderSize() <= w.end {
		addr := base + w.off
		hdr, err := k.headerAt(addr)
		if err != nil {
			if errors.Is(err, status.ErrDataLoss) {
				w.off += k.codec.Alignment()
				continue
			}
			return 0, entry.Header{}, false, err
		}
		size := k.codec.Size(hdr)
		if w.off+size > w.end {
			w.off += k.codec.Alignment()
			continue
		}
		if err := k.codec.Verify(k.part, addr, hdr, k.scratch); err != nil {
			if errors.Is(err, status.ErrDataLoss) {
				w.off += k.codec.Alignment()
				continue
			}
			return 0, entry.Header{}, false, err
		}
		w.off += size
		return addr, hdr, true, nil
	}
	return 0, entry.Header{}, false, nil
}

// descriptorOf locates the index slot owning the entry at addr. The key is
// read into kb, which must hold MaxKeyLength bytes.
func (k *KVS) descriptorOf(addr uint32, hdr entry.Header, kb []byte) (int, error) {
	key := kb[:hdr.KeyLength]
	if err := k.codec.ReadKey(k.part, addr, hdr, key); err != nil {
		return -1, err
	}
	return k.findDescriptor(key, keydir.HashKey(key))
}

// retireStaleCopies decrements the stale copy count of every superseded
// entry resident in the victim. A tombstone whose count reaches zero here
// and that lives outside the victim has its bytes counted reclaimable now;
// one inside the victim is left for relocateCurrent to drop.
func (k *KVS) retireStaleCopies(victim uint32) error {
	var kb [entry.MaxKeyLength]byte
	w := k.walkVictim(victim)
	for {
		addr, hdr, ok, err := w.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		slot, err := k.descriptorOf(addr, hdr, kb[:])
		if err != nil {
			return err
		}
		if slot < 0 {
			continue
		}
		d := k.idx.At(slot)
		if d.Addr == addr {
			continue
		}
		if d.StaleCopies == 0 {
			return fmt.Errorf("stale copy at %#x with zero count: %w",
				addr, status.ErrInternal)
		}
		d.StaleCopies--
		if d.StaleCopies == 0 && d.State == keydir.StateDeleted &&
			k.table.SectorOf(d.Addr) != victim && !d.Reclaimed {
			size, err := k.entrySizeAt(d.Addr)
			if err != nil {
				return err
			}
			if err := k.table.MarkReclaimable(k.table.SectorOf(d.Addr), size); err != nil {
				return err
			}
			d.Reclaimed = true
		}
	}
}

// relocateCurrent copies every entry the index still points at out of the
// victim, except tombstones with no remaining stale copies, which are
// dropped together with their descriptors. Returns the byte count moved
// and the number of tombstones dropped.
func (k *KVS) relocateCurrent(victim uint32) (uint32, int, error) {
	var kb [entry.MaxKeyLength]byte
	var moved uint32
	var dropped int
	w := k.walkVictim(victim)
	for {
		addr, hdr, ok, err := w.next()
		if err != nil {
			return moved, dropped, err
		}
		if !ok {
			return moved, dropped, nil
		}
		slot, err := k.descriptorOf(addr, hdr, kb[:])
		if err != nil {
			return moved, dropped, err
		}
		if slot < 0 || k.idx.At(slot).Addr != addr {
			continue
		}
		d := k.idx.At(slot)
		if d.State == keydir.StateDeleted && d.StaleCopies == 0 {
			k.idx.Remove(slot)
			dropped++
			continue
		}
		size := k.codec.Size(hdr)
		newAddr, err := k.moveEntry(victim, addr, size)
		if err != nil {
			return moved, dropped, err
		}
		d.Addr = newAddr
		moved += size
	}
}

// moveEntry copies size bytes of the entry at addr into a sector other
// than the victim. The bytes are copied verbatim, digest included.
func (k *KVS) moveEntry(victim, addr, size uint32) (uint32, error) {
	sector, dst, err := k.table.AllocateForGC(size, victim)
	if err != nil {
		return 0, fmt.Errorf("relocating entry at %#x: %w", addr, err)
	}
	if err := k.part.Read(addr, k.scratch[:size]); err != nil {
		return 0, err
	}
	if err := k.part.Write(dst, k.scratch[:size]); err != nil {
		if errors.Is(err, status.ErrUnknown) {
			// The destination region may hold partially programmed bytes.
			// Burn it so no later write lands there.
			if markErr := k.table.MarkWritten(sector, size); markErr != nil {
				return 0, markErr
			}
		}
		return 0, fmt.Errorf("relocating entry at %#x to %#x: %w", addr, dst, err)
	}
	if err := k.table.MarkWritten(sector, size); err != nil {
		return 0, err
	}
	return dst, nil
}
