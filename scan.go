package flintkv

import (
	"errors"
	"fmt"

	"github.com/i5heu/flintkv/internal/entry"
	"github.com/i5heu/flintkv/internal/keydir"
	"github.com/i5heu/flintkv/pkg/flash"
	"github.com/i5heu/flintkv/pkg/status"
)

// Init rebuilds all in-RAM state from the partition contents. It may be
// called again at any time to force a rescan; the visible key set is
// unchanged by a rescan. Sectors holding nothing but undecodable bytes,
// such as a sector whose erase was interrupted, are erased here.
func (k *KVS) Init() error {
	k.initialized = false
	k.idx.Reset()
	k.table.Reset()
	k.txCounter = 0

	for s := uint32(0); s < k.part.SectorCount(); s++ {
		if err := k.scanSector(s); err != nil {
			return fmt.Errorf("init: scanning sector %d: %w", s, err)
		}
	}
	if err := k.settleTombstones(); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	k.initialized = true
	k.writeGen++
	k.log.Info("store initialized",
		"keys", k.idx.Valid(),
		"descriptors", k.idx.Len(),
		"emptySectors", k.table.EmptySectors(),
		"txCounter", k.txCounter,
	)
	return nil
}

// scanSector walks one sector contiguously from its start, admitting every
// checksum-valid entry into the index. The write cursor is advanced over
// consumed entries and over skipped garbage alike, so a later allocation
// never lands on programmed bytes. An erased window ends the walk only when
// the rest of the sector is erased too; otherwise it is skipped like
// garbage, since a burned region may be followed by later entries. A
// sector that yields no entry at all
// but is not erased is erased now, otherwise its garbage would keep its
// space unreachable forever.
func (k *KVS) scanSector(s uint32) error {
	base := s * k.part.SectorSize()
	hs := k.codec.HeaderSize()
	var off uint32
	decoded := 0

	for off+hs <= k.part.SectorSize() {
		addr := base + off
		win := k.scratch[:hs]
		if err := k.part.Read(addr, win); err != nil {
			return err
		}
		if allErased(win) {
			rest, err := k.part.IsErased(addr, k.part.SectorSize()-off, k.scratch)
			if err != nil {
				return err
			}
			if rest {
				// Free space from here on.
				break
			}
			// Erased gap left by an interrupted write; entries follow it.
			if err := k.skipGarbage(s, &off); err != nil {
				return err
			}
			continue
		}
		hdr, err := k.codec.ParseHeader(win)
		if err != nil {
			if errors.Is(err, status.ErrDataLoss) {
				if err := k.skipGarbage(s, &off); err != nil {
					return err
				}
				continue
			}
			return err
		}
		size := k.codec.Size(hdr)
		if off+size > k.part.SectorSize() {
			if err := k.skipGarbage(s, &off); err != nil {
				return err
			}
			continue
		}
		if err := k.codec.Verify(k.part, addr, hdr, k.scratch); err != nil {
			if errors.Is(err, status.ErrDataLoss) {
				if err := k.skipGarbage(s, &off); err != nil {
					return err
				}
				continue
			}
			return err
		}
		if err := k.table.MarkWritten(s, size); err != nil {
			return err
		}
		off += size
		if err := k.admitEntry(addr, hdr); err != nil {
			return err
		}
		decoded++
	}

	if decoded == 0 && k.table.Get(s).Written > 0 {
		if err := k.part.EraseSectors(base, 1); err != nil {
			return err
		}
		k.table.ResetSector(s)
		k.log.Warn("erased sector without any valid entry", "sector", s)
	}
	return nil
}

// skipGarbage advances the scan offset by one alignment step, keeping the
// sector's write cursor in step. The skipped bytes are never reclaimable.
func (k *KVS) skipGarbage(s uint32, off *uint32) error {
	step := k.codec.Alignment()
	if *off+step > k.part.SectorSize() {
		step = k.part.SectorSize() - *off
	}
	if err := k.table.MarkWritten(s, step); err != nil {
		return err
	}
	*off += step
	return nil
}

// admitEntry folds one decoded entry into the index. For a key already
// present the higher transaction id wins; on a tie the entry found later
// in scan order wins, which makes recovery from an interrupted collection
// deterministic. The losing copy's bytes become reclaimable and are
// counted on the winner as a stale copy.
func (k *KVS) admitEntry(addr uint32, hdr entry.Header) error {
	var kb [entry.MaxKeyLength]byte
	key := kb[:hdr.KeyLength]
	if err := k.codec.ReadKey(k.part, addr, hdr, key); err != nil {
		return err
	}
	h := keydir.HashKey(key)

	if hdr.TxID > k.txCounter {
		k.txCounter = hdr.TxID
	}

	state := keydir.StateValid
	if hdr.Tombstone {
		state = keydir.StateDeleted
	}

	slot, err := k.findDescriptor(key, h)
	if err != nil {
		return err
	}
	if slot < 0 {
		_, err := k.idx.Insert(keydir.Descriptor{
			Hash:  h,
			TxID:  hdr.TxID,
			Addr:  addr,
			State: state,
		})
		return err
	}

	d := k.idx.At(slot)
	if hdr.TxID >= d.TxID {
		// New copy wins; the old current entry becomes a stale copy.
		oldSize, err := k.entrySizeAt(d.Addr)
		if err != nil {
			return err
		}
		if err := k.table.MarkReclaimable(k.table.SectorOf(d.Addr), oldSize); err != nil {
			return err
		}
		d.TxID = hdr.TxID
		d.Addr = addr
		d.State = state
		d.Reclaimed = false
	} else {
		if err := k.table.MarkReclaimable(k.table.SectorOf(addr), k.codec.Size(hdr)); err != nil {
			return err
		}
	}
	d.StaleCopies++
	return nil
}

// settleTombstones counts the bytes of every tombstone with no remaining
// older copies as reclaimable. The descriptors stay in the index so the
// deletes keep masking any copy a partial collection may later expose.
func (k *KVS) settleTombstones() error {
	for i := 0; i < k.idx.Len(); i++ {
		d := k.idx.At(i)
		if d.State != keydir.StateDeleted || d.StaleCopies != 0 || d.Reclaimed {
			continue
		}
		size, err := k.entrySizeAt(d.Addr)
		if err != nil {
			return err
		}
		if err := k.table.MarkReclaimable(k.table.SectorOf(d.Addr), size); err != nil {
			return err
		}
		d.Reclaimed = true
	}
	return nil
}

func allErased(b []byte) bool {
	for _, v := range b {
		if v != flash.ErasedByte {
			return false
		}
	}
	return true
}
