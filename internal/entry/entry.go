// Package entry implements the on-flash record format: a self-describing
// header followed by raw key bytes, raw value bytes and alignment padding.
//
// Header layout (little-endian, fixed order):
//
//	magic            4 B
//	checksum digest  0..16 B (width fixed by the configured checksum)
//	alignment_units  1 B (low 7 bits: alignment/16 - 1; bit 0x80: tombstone)
//	key_length       1 B
//	value_length     2 B
//	transaction_id   4 B
//
// The digest covers the whole padded entry with the digest field zeroed.
package entry

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/i5heu/flintkv/pkg/checksum"
	"github.com/i5heu/flintkv/pkg/flash"
	"github.com/i5heu/flintkv/pkg/status"
)

const (
	// MinKeyLength and MaxKeyLength bound the raw key bytes of an entry.
	MinKeyLength = 1
	MaxKeyLength = 64

	// MaxValueLength is the format capacity of the 2-byte value length
	// field. A partition further limits entries to a single sector.
	MaxValueLength = 0xFFFE

	// AlignmentGranule is the unit of the alignment_units header field.
	AlignmentGranule = 16

	tombstoneBit = 0x80
	unitsMask    = 0x7F

	fixedHeaderSize = 12
)

// Header is the decoded fixed part of an entry.
type Header struct {
	AlignmentUnits uint8
	KeyLength      uint8
	ValueLength    uint16
	TxID           uint32
	Tombstone      bool
}

// Alignment returns the entry alignment encoded in the header.
func (h Header) Alignment() uint32 {
	return (uint32(h.AlignmentUnits&unitsMask) + 1) * AlignmentGranule
}

// Codec encodes and decodes entries for one deployment format: a magic
// constant plus a checksum capability. A Codec is not safe for concurrent
// use; it owns the checksum state.
type Codec struct {
	magic  uint32
	ck     checksum.Checksum
	align  uint32
	digest [checksum.MaxDigestSize]byte
}

// NewCodec creates a codec whose entries are aligned to the smallest
// multiple of AlignmentGranule that is >= partitionAlign.
func NewCodec(magic uint32, ck checksum.Checksum, partitionAlign uint32) (*Codec, error) {
	if ck.Size() < 0 || ck.Size() > checksum.MaxDigestSize {
		return nil, fmt.Errorf("checksum digest size %d out of range: %w",
			ck.Size(), status.ErrInvalidArgument)
	}
	align := uint32(AlignmentGranule)
	for align < partitionAlign {
		align += AlignmentGranule
	}
	if align/AlignmentGranule > unitsMask+1 {
		return nil, fmt.Errorf("partition alignment %d exceeds entry format limit: %w",
			partitionAlign, status.ErrInvalidArgument)
	}
	return &Codec{magic: magic, ck: ck, align: align}, nil
}

// HeaderSize is the on-flash size of the header including the digest field.
func (c *Codec) HeaderSize() uint32 {
	return fixedHeaderSize + uint32(c.ck.Size())
}

// Alignment is the alignment this codec stamps into encoded entries.
func (c *Codec) Alignment() uint32 { return c.align }

// EncodedSize returns the padded on-flash size of an entry with the given
// key and value lengths.
func (c *Codec) EncodedSize(keyLen, valueLen int) uint32 {
	raw := c.HeaderSize() + uint32(keyLen) + uint32(valueLen)
	return roundUp(raw, c.align)
}

// Size returns the padded on-flash size of a decoded entry. The size is
// computed from the entry's own alignment, not the codec's, so entries
// written with a different partition alignment still scan correctly.
func (c *Codec) Size(h Header) uint32 {
	raw := c.HeaderSize() + uint32(h.KeyLength) + uint32(h.ValueLength)
	return roundUp(raw, h.Alignment())
}

// Encode serializes an entry into dst and returns the number of bytes
// written. dst must have room for EncodedSize(len(key), len(value)).
// Tombstones carry no value bytes.
func (c *Codec) Encode(dst []byte, key, value []byte, txID uint32, tombstone bool) (uint32, error) {
	if len(key) < MinKeyLength || len(key) > MaxKeyLength {
		return 0, fmt.Errorf("key length %d outside [%d, %d]: %w",
			len(key), MinKeyLength, MaxKeyLength, status.ErrInvalidArgument)
	}
	if len(value) > MaxValueLength {
		return 0, fmt.Errorf("value length %d exceeds %d: %w",
			len(value), MaxValueLength, status.ErrInvalidArgument)
	}
	if tombstone && len(value) != 0 {
		return 0, fmt.Errorf("tombstone with %d value bytes: %w",
			len(value), status.ErrInternal)
	}
	total := c.EncodedSize(len(key), len(value))
	if uint32(len(dst)) < total {
		return 0, fmt.Errorf("encode buffer of %d bytes for %d-byte entry: %w",
			len(dst), total, status.ErrInternal)
	}
	buf := dst[:total]

	hs := c.HeaderSize()
	binary.LittleEndian.PutUint32(buf[0:4], c.magic)
	digestField := buf[4 : 4+uint32(c.ck.Size())]
	for i := range digestField {
		digestField[i] = 0
	}
	units := uint8(c.align/AlignmentGranule - 1)
	if tombstone {
		units |= tombstoneBit
	}
	buf[hs-8] = units
	buf[hs-7] = uint8(len(key))
	binary.LittleEndian.PutUint16(buf[hs-6:hs-4], uint16(len(value)))
	binary.LittleEndian.PutUint32(buf[hs-4:hs], txID)

	n := copy(buf[hs:], key)
	n += copy(buf[hs+uint32(len(key)):], value)
	for i := hs + uint32(n); i < total; i++ {
		buf[i] = 0
	}

	c.ck.Reset()
	c.ck.Update(buf)
	copy(digestField, c.ck.Finish())
	return total, nil
}

// ParseHeader decodes and validates the fixed header from a raw window.
// The window must hold at least HeaderSize bytes read from flash. A magic
// mismatch or implausible length fields yield ErrDataLoss; the checksum is
// NOT verified here (see Verify).
func (c *Codec) ParseHeader(window []byte) (Header, error) {
	hs := c.HeaderSize()
	if uint32(len(window)) < hs {
		return Header{}, fmt.Errorf("header window of %d bytes: %w",
			len(window), status.ErrInternal)
	}
	if binary.LittleEndian.Uint32(window[0:4]) != c.magic {
		return Header{}, fmt.Errorf("magic mismatch: %w", status.ErrDataLoss)
	}
	h := Header{
		AlignmentUnits: window[hs-8],
		KeyLength:      window[hs-7],
		ValueLength:    binary.LittleEndian.Uint16(window[hs-6 : hs-4]),
		TxID:           binary.LittleEndian.Uint32(window[hs-4 : hs]),
	}
	h.Tombstone = h.AlignmentUnits&tombstoneBit != 0
	if h.KeyLength < MinKeyLength || h.KeyLength > MaxKeyLength {
		return Header{}, fmt.Errorf("key length %d: %w", h.KeyLength, status.ErrDataLoss)
	}
	if h.ValueLength > MaxValueLength {
		return Header{}, fmt.Errorf("value length %d: %w", h.ValueLength, status.ErrDataLoss)
	}
	if h.Tombstone && h.ValueLength != 0 {
		return Header{}, fmt.Errorf("tombstone with value length %d: %w",
			h.ValueLength, status.ErrDataLoss)
	}
	return h, nil
}

// Verify reads the whole entry at addr into scratch and checks its digest.
// scratch must hold Size(h) bytes. With a null checksum every parseable
// entry verifies.
func (c *Codec) Verify(p *flash.Partition, addr uint32, h Header, scratch []byte) error {
	if c.ck.Size() == 0 {
		return nil
	}
	size := c.Size(h)
	if uint32(len(scratch)) < size {
		return fmt.Errorf("verify scratch of %d bytes for %d-byte entry: %w",
			len(scratch), size, status.ErrInternal)
	}
	buf := scratch[:size]
	if err := p.Read(addr, buf); err != nil {
		return err
	}
	digestField := buf[4 : 4+uint32(c.ck.Size())]
	stored := c.digest[:c.ck.Size()]
	copy(stored, digestField)
	for i := range digestField {
		digestField[i] = 0
	}
	c.ck.Reset()
	c.ck.Update(buf)
	if !bytes.Equal(stored, c.ck.Finish()) {
		return fmt.Errorf("checksum mismatch at %#x: %w", addr, status.ErrDataLoss)
	}
	return nil
}

// ReadKey copies the entry's key bytes into out, which must hold
// h.KeyLength bytes.
func (c *Codec) ReadKey(p *flash.Partition, addr uint32, h Header, out []byte) error {
	return p.Read(addr+c.HeaderSize(), out[:h.KeyLength])
}

// ReadValue copies up to len(out) bytes of the entry's value into out and
// returns the number copied.
func (c *Codec) ReadValue(p *flash.Partition, addr uint32, h Header, out []byte) (int, error) {
	n := int(h.ValueLength)
	if n > len(out) {
		n = len(out)
	}
	if n == 0 {
		return 0, nil
	}
	err := p.Read(addr+c.HeaderSize()+uint32(h.KeyLength), out[:n])
	return n, err
}

// KeyEquals reports whether the entry's key bytes equal key, using scratch
// (at least MaxKeyLength bytes) for the flash read.
func (c *Codec) KeyEquals(p *flash.Partition, addr uint32, h Header, key []byte, scratch []byte) (bool, error) {
	if int(h.KeyLength) != len(key) {
		return false, nil
	}
	if err := c.ReadKey(p, addr, h, scratch); err != nil {
		return false, err
	}
	return bytes.Equal(scratch[:h.KeyLength], key), nil
}

func roundUp(v, align uint32) uint32 {
	return (v + align - 1) / align * align
}
