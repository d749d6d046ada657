package flash

import (
	"fmt"

	"github.com/i5heu/flintkv/pkg/status"
)

// MemDevice is an in-memory flash device. It enforces the same rules a real
// NOR part would: aligned writes, erase-before-write, whole-sector erase.
//
// Tests can arm single-shot faults that cut a write or an erase short after
// a number of bytes, which is how power loss is simulated.
type MemDevice struct {
	sectorSize  uint32
	sectorCount uint32
	alignment   uint32
	buf         []byte

	writeFault faultPlan
	eraseFault faultPlan
}

// faultPlan arms one interrupted operation. countdown is the number of
// complete operations to let through first; keep is how many bytes of the
// faulted operation are applied before it fails.
type faultPlan struct {
	armed     bool
	countdown int
	keep      int
}

// NewMemDevice creates a device with the given geometry, fully erased.
func NewMemDevice(sectorSize, sectorCount, alignment uint32) *MemDevice {
	d := &MemDevice{
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
		alignment:   alignment,
		buf:         make([]byte, sectorSize*sectorCount),
	}
	for i := range d.buf {
		d.buf[i] = ErasedByte
	}
	return d
}

func (d *MemDevice) SectorSize() uint32  { return d.sectorSize }
func (d *MemDevice) SectorCount() uint32 { return d.sectorCount }
func (d *MemDevice) Alignment() uint32   { return d.alignment }

func (d *MemDevice) Read(addr uint32, out []byte) error {
	if uint64(addr)+uint64(len(out)) > uint64(len(d.buf)) {
		return fmt.Errorf("read of %d bytes at %#x past device end: %w",
			len(out), addr, status.ErrInvalidArgument)
	}
	copy(out, d.buf[addr:])
	return nil
}

func (d *MemDevice) Write(addr uint32, data []byte) error {
	if uint64(addr)+uint64(len(data)) > uint64(len(d.buf)) ||
		addr%d.alignment != 0 ||
		uint32(len(data))%d.alignment != 0 {
		return fmt.Errorf("write of %d bytes at %#x: %w",
			len(data), addr, status.ErrInvalidArgument)
	}
	for i := range data {
		if d.buf[addr+uint32(i)] != ErasedByte {
			return fmt.Errorf("write to non-erased byte at %#x: %w",
				addr+uint32(i), status.ErrUnknown)
		}
	}
	if d.writeFault.armed {
		if d.writeFault.countdown > 0 {
			d.writeFault.countdown--
		} else {
			keep := d.writeFault.keep
			if keep > len(data) {
				keep = len(data)
			}
			copy(d.buf[addr:], data[:keep])
			d.writeFault = faultPlan{}
			return fmt.Errorf("write interrupted after %d bytes at %#x: %w",
				keep, addr, status.ErrUnknown)
		}
	}
	copy(d.buf[addr:], data)
	return nil
}

func (d *MemDevice) Erase(addr uint32, sectors uint32) error {
	if addr%d.sectorSize != 0 {
		return fmt.Errorf("erase at non-sector boundary %#x: %w",
			addr, status.ErrInvalidArgument)
	}
	if uint64(addr)+uint64(sectors)*uint64(d.sectorSize) > uint64(len(d.buf)) {
		return fmt.Errorf("erase of %d sectors at %#x past device end: %w",
			sectors, addr, status.ErrInvalidArgument)
	}
	total := int(sectors * d.sectorSize)
	if d.eraseFault.armed {
		if d.eraseFault.countdown > 0 {
			d.eraseFault.countdown--
		} else {
			keep := d.eraseFault.keep
			if keep > total {
				keep = total
			}
			for i := 0; i < keep; i++ {
				d.buf[addr+uint32(i)] = ErasedByte
			}
			d.eraseFault = faultPlan{}
			return fmt.Errorf("erase interrupted after %d bytes at %#x: %w",
				keep, addr, status.ErrUnknown)
		}
	}
	for i := 0; i < total; i++ {
		d.buf[addr+uint32(i)] = ErasedByte
	}
	return nil
}

// BreakWrite arms a fault: the (after+1)-th Write from now applies only
// keep bytes and fails with ErrUnknown. The fault disarms after firing.
func (d *MemDevice) BreakWrite(after, keep int) {
	d.writeFault = faultPlan{armed: true, countdown: after, keep: keep}
}

// BreakErase arms a fault like BreakWrite, but for Erase. The interrupted
// erase leaves the tail of the region untouched.
func (d *MemDevice) BreakErase(after, keep int) {
	d.eraseFault = faultPlan{armed: true, countdown: after, keep: keep}
}

// ClearFaults disarms any pending write or erase fault.
func (d *MemDevice) ClearFaults() {
	d.writeFault = faultPlan{}
	d.eraseFault = faultPlan{}
}

// Corrupt flips the byte at addr without any alignment or erase checks.
// Test-only backdoor for checksum failure scenarios.
func (d *MemDevice) Corrupt(addr uint32) {
	d.buf[addr] ^= 0x5A
}

// Snapshot returns a copy of the raw device contents.
func (d *MemDevice) Snapshot() []byte {
	out := make([]byte, len(d.buf))
	copy(out, d.buf)
	return out
}

// Restore overwrites the raw device contents with a snapshot taken earlier.
func (d *MemDevice) Restore(snap []byte) {
	copy(d.buf, snap)
}
