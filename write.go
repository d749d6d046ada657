package flintkv

import (
	"errors"
	"fmt"

	"github.com/i5heu/flintkv/internal/keydir"
	"github.com/i5heu/flintkv/pkg/status"
)

// Put stores value under key, superseding any previous value or tombstone.
// The new entry is written before the index is updated, so a crash at any
// point leaves either the old or the new value visible after Init, never a
// hybrid.
func (k *KVS) Put(key, value []byte) error {
	if err := k.ready(); err != nil {
		return err
	}
	if len(key) < MinKeyLength || len(key) > MaxKeyLength {
		return fmt.Errorf("put: key length %d outside [%d, %d]: %w",
			len(key), MinKeyLength, MaxKeyLength, status.ErrInvalidArgument)
	}
	if len(value) > MaxValueLength {
		return fmt.Errorf("put: value length %d exceeds %d: %w",
			len(value), MaxValueLength, status.ErrInvalidArgument)
	}
	size := k.codec.EncodedSize(len(key), len(value))
	if size > k.part.SectorSize() {
		return fmt.Errorf("put: %d-byte entry exceeds sector size %d: %w",
			size, k.part.SectorSize(), status.ErrInvalidArgument)
	}

	h := keydir.HashKey(key)
	slot, err := k.findDescriptor(key, h)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	if slot < 0 && k.idx.Full() {
		return fmt.Errorf("put: key index full at %d entries: %w",
			k.idx.MaxEntries(), status.ErrResourceExhausted)
	}

	addr, err := k.writeEntry(key, value, false)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}

	// Garbage collection inside writeEntry may have compacted the index,
	// so the slot found above can be stale.
	slot, err = k.findDescriptor(key, h)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	if slot >= 0 {
		d := k.idx.At(slot)
		if err := k.retireCurrent(d); err != nil {
			return fmt.Errorf("put: retiring old entry: %w", err)
		}
		d.TxID = k.txCounter
		d.Addr = addr
		d.State = keydir.StateValid
		d.StaleCopies++
		d.Reclaimed = false
	} else {
		if _, err := k.idx.Insert(keydir.Descriptor{
			Hash:  h,
			TxID:  k.txCounter,
			Addr:  addr,
			State: keydir.StateValid,
		}); err != nil {
			return fmt.Errorf("put: %w", err)
		}
	}
	k.writeGen++
	k.writeOps.Add(1)
	return nil
}

// Delete writes a tombstone for key. The key's descriptor stays in the
// index in deleted state so the delete survives restarts until GC drops
// the tombstone.
func (k *KVS) Delete(key []byte) error {
	if err := k.ready(); err != nil {
		return err
	}
	if len(key) < MinKeyLength || len(key) > MaxKeyLength {
		return fmt.Errorf("delete: key length %d outside [%d, %d]: %w",
			len(key), MinKeyLength, MaxKeyLength, status.ErrInvalidArgument)
	}

	h := keydir.HashKey(key)
	slot, err := k.findDescriptor(key, h)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if slot < 0 || k.idx.At(slot).State == keydir.StateDeleted {
		return fmt.Errorf("delete of absent key: %w", status.ErrNotFound)
	}

	addr, err := k.writeEntry(key, nil, true)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	slot, err = k.findDescriptor(key, h)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if slot < 0 {
		return fmt.Errorf("delete: descriptor lost during collection: %w",
			status.ErrInternal)
	}
	d := k.idx.At(slot)
	if err := k.retireCurrent(d); err != nil {
		return fmt.Errorf("delete: retiring old entry: %w", err)
	}
	d.TxID = k.txCounter
	d.Addr = addr
	d.State = keydir.StateDeleted
	d.StaleCopies++
	d.Reclaimed = false
	k.writeGen++
	k.writeOps.Add(1)
	return nil
}

// writeEntry encodes and writes one entry, running garbage collection once
// if allocation fails. On success the transaction counter is advanced and
// the partition-relative entry address returned.
func (k *KVS) writeEntry(key, value []byte, tombstone bool) (uint32, error) {
	txID, err := k.nextTxID()
	if err != nil {
		return 0, err
	}
	size := k.codec.EncodedSize(len(key), len(value))

	sector, addr, err := k.table.Allocate(size, false)
	if errors.Is(err, status.ErrResourceExhausted) {
		if gcErr := k.collect(); gcErr != nil {
			return 0, fmt.Errorf("garbage collection: %w", gcErr)
		}
		sector, addr, err = k.table.Allocate(size, false)
	}
	if err != nil {
		return 0, err
	}

	n, err := k.codec.Encode(k.scratch, key, value, txID, tombstone)
	if err != nil {
		return 0, err
	}
	// Burn the id before touching flash. An interrupted write can leave a
	// decodable entry behind; it must never share its id with a later
	// successful write.
	k.txCounter = txID
	if err := k.part.Write(addr, k.scratch[:n]); err != nil {
		if errors.Is(err, status.ErrUnknown) {
			// The target region may be partially programmed. Burn it: the
			// cursor moves past so no later write lands on dirty bytes,
			// and the next scan will reject it by checksum.
			if markErr := k.table.MarkWritten(sector, size); markErr != nil {
				return 0, markErr
			}
		}
		return 0, fmt.Errorf("writing %d-byte entry at %#x: %w", n, addr, err)
	}
	if err := k.table.MarkWritten(sector, size); err != nil {
		return 0, err
	}
	return addr, nil
}
