package flash

import (
	"fmt"

	"github.com/i5heu/flintkv/pkg/status"
)

// Partition is a contiguous sector range of a Device reserved for one KVS
// instance. All engine I/O goes through a Partition; addresses passed to it
// are offsets from the partition start.
type Partition struct {
	dev         Device
	startSector uint32
	sectorCount uint32
	alignment   uint32
}

// NewPartition creates a partition covering sectorCount sectors starting at
// startSector. alignment must be a multiple of (and at least) the device
// alignment; 0 means "use the device alignment".
func NewPartition(dev Device, startSector, sectorCount, alignment uint32) (*Partition, error) {
	if alignment == 0 {
		alignment = dev.Alignment()
	}
	if alignment < dev.Alignment() || alignment%dev.Alignment() != 0 {
		return nil, fmt.Errorf("partition alignment %d incompatible with device alignment %d: %w",
			alignment, dev.Alignment(), status.ErrInvalidArgument)
	}
	if sectorCount == 0 || startSector+sectorCount > dev.SectorCount() {
		return nil, fmt.Errorf("partition sectors [%d, %d) outside device with %d sectors: %w",
			startSector, startSector+sectorCount, dev.SectorCount(), status.ErrInvalidArgument)
	}
	return &Partition{
		dev:         dev,
		startSector: startSector,
		sectorCount: sectorCount,
		alignment:   alignment,
	}, nil
}

func (p *Partition) SectorSize() uint32  { return p.dev.SectorSize() }
func (p *Partition) SectorCount() uint32 { return p.sectorCount }
func (p *Partition) Alignment() uint32   { return p.alignment }

// Size returns the partition capacity in bytes.
func (p *Partition) Size() uint32 {
	return p.sectorCount * p.dev.SectorSize()
}

func (p *Partition) base() uint32 {
	return p.startSector * p.dev.SectorSize()
}

func (p *Partition) Read(addr uint32, out []byte) error {
	if uint64(addr)+uint64(len(out)) > uint64(p.Size()) {
		return fmt.Errorf("read of %d bytes at %#x past partition end: %w",
			len(out), addr, status.ErrInvalidArgument)
	}
	return p.dev.Read(p.base()+addr, out)
}

func (p *Partition) Write(addr uint32, data []byte) error {
	if uint64(addr)+uint64(len(data)) > uint64(p.Size()) {
		return fmt.Errorf("write of %d bytes at %#x past partition end: %w",
			len(data), addr, status.ErrInvalidArgument)
	}
	if addr%p.alignment != 0 || uint32(len(data))%p.alignment != 0 {
		return fmt.Errorf("write of %d bytes at %#x violates alignment %d: %w",
			len(data), addr, p.alignment, status.ErrInvalidArgument)
	}
	return p.dev.Write(p.base()+addr, data)
}

// EraseSectors erases n sectors starting at the sector-aligned address addr.
func (p *Partition) EraseSectors(addr uint32, n uint32) error {
	if addr%p.SectorSize() != 0 {
		return fmt.Errorf("erase at non-sector boundary %#x: %w",
			addr, status.ErrInvalidArgument)
	}
	if uint64(addr)+uint64(n)*uint64(p.SectorSize()) > uint64(p.Size()) {
		return fmt.Errorf("erase of %d sectors at %#x past partition end: %w",
			n, addr, status.ErrInvalidArgument)
	}
	return p.dev.Erase(p.base()+addr, n)
}

// Erase resets the whole partition to the erased state.
func (p *Partition) Erase() error {
	return p.dev.Erase(p.base(), p.sectorCount)
}

// IsErased reports whether the n bytes at addr all read as ErasedByte.
func (p *Partition) IsErased(addr uint32, n uint32, scratch []byte) (bool, error) {
	for n > 0 {
		chunk := n
		if chunk > uint32(len(scratch)) {
			chunk = uint32(len(scratch))
		}
		if err := p.Read(addr, scratch[:chunk]); err != nil {
			return false, err
		}
		for _, b := range scratch[:chunk] {
			if b != ErasedByte {
				return false, nil
			}
		}
		addr += chunk
		n -= chunk
	}
	return true, nil
}
