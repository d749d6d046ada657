// Package flash models NOR-style flash memory: a fixed array of equal-size
// sectors with erase-before-write semantics. The KVS engine never talks to a
// device directly; all I/O goes through a Partition.
package flash

// ErasedByte is the value every byte of a sector holds after erase.
const ErasedByte = 0xFF

// Device is the contract a flash driver has to fulfil. Addresses are byte
// offsets from the start of the device.
//
// Write requires the target region to be in the erased state and both the
// address and length to be multiples of Alignment. Erase operates on whole
// sectors only.
type Device interface {
	SectorSize() uint32
	SectorCount() uint32

	// Alignment is the write granularity in bytes, one of
	// 1, 2, 4, 8, 16, 32 or 64.
	Alignment() uint32

	// Read fills out with the bytes at [addr, addr+len(out)).
	Read(addr uint32, out []byte) error

	// Write programs data at addr. The region must read back as all
	// ErasedByte beforehand.
	Write(addr uint32, data []byte) error

	// Erase resets sectors sectors starting at addr (which must be
	// sector-aligned) to the erased state.
	Erase(addr uint32, sectors uint32) error
}

// DeviceSize returns the total byte capacity of d.
func DeviceSize(d Device) uint32 {
	return d.SectorSize() * d.SectorCount()
}
