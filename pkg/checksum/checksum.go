// Package checksum provides the pluggable integrity capability consumed by
// the entry codec. A checksum is deterministic over a byte sequence and
// yields a digest of at most 16 bytes.
package checksum

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/sigurn/crc16"
)

// MaxDigestSize is the widest digest the entry header can carry.
const MaxDigestSize = 16

// Checksum is a streaming digest over a byte sequence. Implementations are
// stateful and must be Reset between entries.
type Checksum interface {
	Reset()
	Update(p []byte)

	// Finish returns the digest of everything passed to Update since the
	// last Reset. The returned slice is valid until the next Reset and has
	// length Size.
	Finish() []byte

	// Size is the digest width in bytes, 0..MaxDigestSize. It is constant
	// for the lifetime of the checksum.
	Size() int
}

// Crc16 is the default integrity capability: CRC-16/CCITT-FALSE with a
// little-endian 2-byte digest.
type Crc16 struct {
	table *crc16.Table
	crc   uint16
	out   [2]byte
}

// NewCrc16 creates a reset CRC-16 checksum.
func NewCrc16() *Crc16 {
	c := &Crc16{table: crc16.MakeTable(crc16.CRC16_CCITT_FALSE)}
	c.Reset()
	return c
}

func (c *Crc16) Reset() {
	c.crc = crc16.Init(c.table)
}

func (c *Crc16) Update(p []byte) {
	c.crc = crc16.Update(c.crc, p, c.table)
}

func (c *Crc16) Finish() []byte {
	binary.LittleEndian.PutUint16(c.out[:], crc16.Complete(c.crc, c.table))
	return c.out[:]
}

func (c *Crc16) Size() int { return 2 }

// Xxhash64 is a wider non-cryptographic digest (8 bytes, little-endian) for
// deployments that want more than 16 bits of error detection.
type Xxhash64 struct {
	d   *xxhash.Digest
	out [8]byte
}

func NewXxhash64() *Xxhash64 {
	return &Xxhash64{d: xxhash.New()}
}

func (x *Xxhash64) Reset() {
	x.d.Reset()
}

func (x *Xxhash64) Update(p []byte) {
	_, _ = x.d.Write(p)
}

func (x *Xxhash64) Finish() []byte {
	binary.LittleEndian.PutUint64(x.out[:], x.d.Sum64())
	return x.out[:]
}

func (x *Xxhash64) Size() int { return 8 }

// Null is the zero-width checksum. Entries carry no digest and every
// plausible header validates; callers accept the weaker integrity guarantee.
type Null struct{}

func (Null) Reset()         {}
func (Null) Update([]byte)  {}
func (Null) Finish() []byte { return nil }
func (Null) Size() int      { return 0 }
