package flintkv

import (
	"fmt"

	"github.com/i5heu/flintkv/internal/keydir"
	"github.com/i5heu/flintkv/pkg/status"
)

// Get copies the value stored under key into out and returns the full
// value size. With a short buffer the prefix is still copied and the error
// wraps ErrResourceExhausted; the returned size is always the stored one.
// The entry's checksum is verified on every read.
func (k *KVS) Get(key, out []byte) (int, error) {
	if err := k.ready(); err != nil {
		return 0, err
	}
	k.readOps.Add(1)
	if len(key) < MinKeyLength || len(key) > MaxKeyLength {
		return 0, fmt.Errorf("get of invalid key: %w", status.ErrNotFound)
	}
	slot, err := k.findDescriptor(key, keydir.HashKey(key))
	if err != nil {
		return 0, fmt.Errorf("get: %w", err)
	}
	if slot < 0 || k.idx.At(slot).State == keydir.StateDeleted {
		return 0, fmt.Errorf("get of absent key: %w", status.ErrNotFound)
	}
	return k.readValue(k.idx.At(slot).Addr, out)
}

// readValue verifies and copies the value of the entry at addr.
func (k *KVS) readValue(addr uint32, out []byte) (int, error) {
	hdr, err := k.headerAt(addr)
	if err != nil {
		return 0, fmt.Errorf("reading entry at %#x: %w", addr, err)
	}
	if err := k.codec.Verify(k.part, addr, hdr, k.scratch); err != nil {
		return 0, fmt.Errorf("verifying entry at %#x: %w", addr, err)
	}
	n, err := k.codec.ReadValue(k.part, addr, hdr, out)
	if err != nil {
		return 0, fmt.Errorf("reading value at %#x: %w", addr, err)
	}
	if n < int(hdr.ValueLength) {
		return int(hdr.ValueLength), fmt.Errorf(
			"value of %d bytes truncated to buffer of %d: %w",
			hdr.ValueLength, len(out), status.ErrResourceExhausted)
	}
	return int(hdr.ValueLength), nil
}

// Iterator walks the valid keys of the store in index order. It is lazy
// and finite, and invalidated by any intervening Put, Delete, Init or
// garbage collection.
type Iterator struct {
	kvs  *KVS
	gen  uint64
	slot int
}

// Items returns an iterator over the currently valid keys.
func (k *KVS) Items() *Iterator {
	return &Iterator{kvs: k, gen: k.writeGen, slot: -1}
}

// Next advances to the next valid key. It returns false when the iteration
// is done or the iterator has been invalidated.
func (it *Iterator) Next() bool {
	if it.gen != it.kvs.writeGen {
		return false
	}
	for it.slot++; it.slot < it.kvs.idx.Len(); it.slot++ {
		if it.kvs.idx.At(it.slot).State == keydir.StateValid {
			return true
		}
	}
	return false
}

// Item returns an accessor for the current position.
func (it *Iterator) Item() Item {
	return Item{kvs: it.kvs, gen: it.gen, slot: it.slot}
}

// Item is a handle on one stored key. It reads through to flash, so it
// stays only as valid as the iterator it came from.
type Item struct {
	kvs  *KVS
	gen  uint64
	slot int
}

func (im Item) stale() error {
	if im.gen != im.kvs.writeGen {
		return fmt.Errorf("item used after intervening write: %w",
			status.ErrInvalidArgument)
	}
	return nil
}

// Key reads the item's key bytes from flash.
func (im Item) Key() ([]byte, error) {
	if err := im.stale(); err != nil {
		return nil, err
	}
	d := im.kvs.idx.At(im.slot)
	hdr, err := im.kvs.headerAt(d.Addr)
	if err != nil {
		return nil, err
	}
	key := make([]byte, hdr.KeyLength)
	if err := im.kvs.codec.ReadKey(im.kvs.part, d.Addr, hdr, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ValueSize returns the stored value's size without copying it.
func (im Item) ValueSize() (uint32, error) {
	if err := im.stale(); err != nil {
		return 0, err
	}
	hdr, err := im.kvs.headerAt(im.kvs.idx.At(im.slot).Addr)
	if err != nil {
		return 0, err
	}
	return uint32(hdr.ValueLength), nil
}

// Get copies the item's value into out with the same semantics as KVS.Get.
func (im Item) Get(out []byte) (int, error) {
	if err := im.stale(); err != nil {
		return 0, err
	}
	im.kvs.readOps.Add(1)
	return im.kvs.readValue(im.kvs.idx.At(im.slot).Addr, out)
}
