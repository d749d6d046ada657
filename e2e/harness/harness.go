// Package harness runs randomized end-to-end workloads against a store on
// an in-memory flash device, mirroring every operation into a reference
// map and comparing visible state after each step.
package harness

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"

	"github.com/i5heu/flintkv"
	"github.com/i5heu/flintkv/pkg/flash"
	"github.com/i5heu/flintkv/pkg/status"
)

// Options configures a workload harness.
type Options struct {
	// Flash geometry.
	SectorSize      uint32
	SectorCount     uint32
	Alignment       uint32
	PartitionStart  uint32
	PartitionCount  uint32
	PartitionAlign  uint32
	MaxEntries      int
	KeyPoolSize     int
	MaxValueLength  int
	RescanEveryNOps int

	Logger *slog.Logger
}

// DefaultOptions returns the reference geometry: four 4 KiB sectors with
// 16-byte alignment, the whole device as one partition.
func DefaultOptions() Options {
	return Options{
		SectorSize:      4096,
		SectorCount:     4,
		Alignment:       16,
		PartitionCount:  4,
		KeyPoolSize:     32,
		MaxValueLength:  256,
		RescanEveryNOps: 100,
	}
}

func (o Options) withDefaults() Options {
	if o.KeyPoolSize == 0 {
		o.KeyPoolSize = 32
	}
	if o.MaxValueLength == 0 {
		o.MaxValueLength = int(o.SectorSize / 16)
	}
	if o.PartitionCount == 0 {
		o.PartitionCount = o.SectorCount
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Harness couples a store under test with a map mirror of its expected
// contents.
type Harness struct {
	Dev  *flash.MemDevice
	KVS  *flintkv.KVS
	Opts Options

	mirror map[string][]byte
	logger *slog.Logger
	ops    int
}

// New builds a harness on a fresh, fully erased device.
func New(opts Options) (*Harness, error) {
	opts = opts.withDefaults()

	dev := flash.NewMemDevice(opts.SectorSize, opts.SectorCount, opts.Alignment)
	part, err := flash.NewPartition(dev, opts.PartitionStart, opts.PartitionCount, opts.PartitionAlign)
	if err != nil {
		return nil, fmt.Errorf("create partition: %w", err)
	}

	kvs, err := flintkv.New(part, flintkv.Format{}, flintkv.Config{
		MaxEntries: opts.MaxEntries,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}
	if err := kvs.Init(); err != nil {
		return nil, fmt.Errorf("initial scan: %w", err)
	}

	return &Harness{
		Dev:    dev,
		KVS:    kvs,
		Opts:   opts,
		mirror: make(map[string][]byte),
		logger: opts.Logger,
	}, nil
}

// Put writes through to the store and, on success, to the mirror.
// ErrResourceExhausted is tolerated: the store is allowed to refuse a
// write when neither free nor reclaimable space can hold it.
func (h *Harness) Put(key, value []byte) error {
	err := h.KVS.Put(key, value)
	if errors.Is(err, status.ErrResourceExhausted) {
		h.logger.Debug("put refused", "key", string(key), "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	h.mirror[string(key)] = append([]byte(nil), value...)
	return nil
}

// Delete removes the key from the store and the mirror. Deleting an
// absent key must report ErrNotFound.
func (h *Harness) Delete(key []byte) error {
	err := h.KVS.Delete(key)
	if _, present := h.mirror[string(key)]; !present {
		if !errors.Is(err, status.ErrNotFound) {
			return fmt.Errorf("delete of absent %q: %w", key, err)
		}
		return nil
	}
	if errors.Is(err, status.ErrResourceExhausted) {
		h.logger.Debug("delete refused", "key", string(key), "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	delete(h.mirror, string(key))
	return nil
}

// CheckKey compares the store's answer for one key with the mirror.
func (h *Harness) CheckKey(key []byte) error {
	out := make([]byte, h.Opts.SectorSize)
	n, err := h.KVS.Get(key, out)

	want, present := h.mirror[string(key)]
	if !present {
		if !errors.Is(err, status.ErrNotFound) {
			return fmt.Errorf("get of absent %q: %w", key, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("get %q: %w", key, err)
	}
	if !bytes.Equal(out[:n], want) {
		return fmt.Errorf("get %q: got %x, want %x", key, out[:n], want)
	}
	return nil
}

// CheckAll verifies the live key count and every key of the workload pool.
// Keys outside the pool are covered by the count only.
func (h *Harness) CheckAll() error {
	if got := h.KVS.Size(); int(got) != len(h.mirror) {
		return fmt.Errorf("store holds %d keys, mirror holds %d", got, len(h.mirror))
	}
	for i := 0; i < h.Opts.KeyPoolSize; i++ {
		if err := h.CheckKey(h.poolKey(i)); err != nil {
			return err
		}
	}
	return nil
}

// Rescan rebuilds the store's state from flash and verifies the mirror
// still matches.
func (h *Harness) Rescan() error {
	if err := h.KVS.Init(); err != nil {
		return fmt.Errorf("rescan: %w", err)
	}
	return h.CheckAll()
}

// Run applies n random operations drawn from rng. The mix is weighted
// toward writes so the workload churns flash and forces collections.
func (h *Harness) Run(rng *rand.Rand, n int) error {
	for i := 0; i < n; i++ {
		key := h.poolKey(rng.Intn(h.Opts.KeyPoolSize))

		var err error
		switch rng.Intn(10) {
		case 0, 1, 2, 3, 4, 5:
			value := make([]byte, rng.Intn(h.Opts.MaxValueLength+1))
			rng.Read(value)
			err = h.Put(key, value)
		case 6, 7:
			err = h.Delete(key)
		default:
			err = h.CheckKey(key)
		}
		if err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
		h.ops++

		if h.Opts.RescanEveryNOps > 0 && h.ops%h.Opts.RescanEveryNOps == 0 {
			if err := h.Rescan(); err != nil {
				return fmt.Errorf("op %d: %w", i, err)
			}
		}
	}
	return nil
}

// Ops reports how many operations the harness has applied.
func (h *Harness) Ops() int { return h.ops }

// LiveKeys reports the mirror's live key count.
func (h *Harness) LiveKeys() int { return len(h.mirror) }

func (h *Harness) poolKey(i int) []byte {
	return []byte(fmt.Sprintf("wk-%03d", i))
}
