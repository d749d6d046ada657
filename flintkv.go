// Package flintkv is an embedded, crash-safe key-value store for raw
// NOR-style flash. Keys and values are variable-length byte strings; all
// state besides the flash partition contents is rebuilt by Init. The store
// is single-threaded cooperative: it assumes exclusive access to its
// partition between public method calls.
package flintkv

import (
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/i5heu/flintkv/internal/entry"
	"github.com/i5heu/flintkv/internal/keydir"
	"github.com/i5heu/flintkv/internal/sectors"
	"github.com/i5heu/flintkv/pkg/flash"
	"github.com/i5heu/flintkv/pkg/status"
)

// Key and value bounds, re-exported from the entry format.
const (
	MinKeyLength   = entry.MinKeyLength
	MaxKeyLength   = entry.MaxKeyLength
	MaxValueLength = entry.MaxValueLength
)

// KVS is one key-value store bound to one flash partition. It owns a fixed
// key descriptor index, a fixed sector table and a sector-sized scratch
// buffer; no heap allocation happens on Put/Get/Delete paths.
type KVS struct {
	log    *slog.Logger
	part   *flash.Partition
	codec  *entry.Codec
	idx    *keydir.Index
	table  *sectors.Table
	config Config

	// txCounter is the highest transaction id assigned so far. It only
	// moves forward; on wrap the store refuses further writes.
	txCounter uint32

	initialized bool
	writeGen    uint64

	scratch []byte
	keyBuf  [entry.MaxKeyLength]byte

	readOps  atomic.Uint64
	writeOps atomic.Uint64
}

// New binds a store to a partition. The store is unusable until Init has
// scanned the partition.
func New(part *flash.Partition, format Format, config Config) (*KVS, error) {
	format = format.withDefaults()
	config = config.withDefaults()

	if part.SectorCount() > uint32(config.MaxUsableSectors) {
		return nil, fmt.Errorf("partition has %d sectors, table holds %d: %w",
			part.SectorCount(), config.MaxUsableSectors, status.ErrInvalidArgument)
	}
	codec, err := entry.NewCodec(format.Magic, format.Checksum, part.Alignment())
	if err != nil {
		return nil, fmt.Errorf("creating entry codec: %w", err)
	}
	if codec.EncodedSize(entry.MinKeyLength, 0) > part.SectorSize() {
		return nil, fmt.Errorf("sector size %d cannot hold a minimal entry: %w",
			part.SectorSize(), status.ErrInvalidArgument)
	}
	return &KVS{
		log:     config.Logger,
		part:    part,
		codec:   codec,
		idx:     keydir.NewIndex(config.MaxEntries),
		table:   sectors.NewTable(part.SectorSize(), part.SectorCount()),
		config:  config,
		scratch: make([]byte, part.SectorSize()),
	}, nil
}

// Size returns the number of currently valid keys.
func (k *KVS) Size() uint32 {
	return k.idx.Valid()
}

// MaxSize returns the key capacity of the index.
func (k *KVS) MaxSize() uint32 {
	return uint32(k.idx.MaxEntries())
}

// LogStats emits the accumulated read and write operation counters.
func (k *KVS) LogStats() {
	k.log.Info("kvs stats",
		"reads", k.readOps.Load(),
		"writes", k.writeOps.Load(),
		"keys", k.Size(),
		"descriptors", k.idx.Len(),
	)
}

func (k *KVS) ready() error {
	if !k.initialized {
		return fmt.Errorf("kvs used before Init: %w", status.ErrInternal)
	}
	return nil
}

// nextTxID returns the next transaction id, or refuses on wrap. It does not
// advance the counter; writeEntry does that before programming flash.
func (k *KVS) nextTxID() (uint32, error) {
	if k.txCounter == math.MaxUint32 {
		return 0, fmt.Errorf("transaction counter exhausted: %w", status.ErrInternal)
	}
	return k.txCounter + 1, nil
}

// headerAt reads and parses the entry header at addr.
func (k *KVS) headerAt(addr uint32) (entry.Header, error) {
	win := k.scratch[:k.codec.HeaderSize()]
	if err := k.part.Read(addr, win); err != nil {
		return entry.Header{}, err
	}
	return k.codec.ParseHeader(win)
}

// entrySizeAt returns the padded on-flash size of the entry at addr.
func (k *KVS) entrySizeAt(addr uint32) (uint32, error) {
	h, err := k.headerAt(addr)
	if err != nil {
		return 0, err
	}
	return k.codec.Size(h), nil
}

// findDescriptor locates the descriptor slot for key, resolving hash
// collisions by comparing on-flash key bytes. Returns -1 when absent.
func (k *KVS) findDescriptor(key []byte, h uint32) (int, error) {
	for i := k.idx.NextWithHash(h, 0); i >= 0; i = k.idx.NextWithHash(h, i+1) {
		d := k.idx.At(i)
		hdr, err := k.headerAt(d.Addr)
		if err != nil {
			return -1, fmt.Errorf("reading entry of descriptor %d: %w", i, err)
		}
		same, err := k.codec.KeyEquals(k.part, d.Addr, hdr, key, k.keyBuf[:])
		if err != nil {
			return -1, err
		}
		if same {
			return i, nil
		}
	}
	return -1, nil
}

// retireCurrent marks the descriptor's current entry bytes reclaimable,
// unless they were counted already (a tombstone whose stale copies ran out
// is pre-counted).
func (k *KVS) retireCurrent(d *keydir.Descriptor) error {
	if d.Reclaimed {
		return nil
	}
	size, err := k.entrySizeAt(d.Addr)
	if err != nil {
		return err
	}
	return k.table.MarkReclaimable(k.table.SectorOf(d.Addr), size)
}
