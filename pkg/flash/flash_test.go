package flash

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/flintkv/pkg/status"
)

func TestMemDeviceStartsErased(t *testing.T) {
	dev := NewMemDevice(512, 4, 16)
	out := make([]byte, DeviceSize(dev))
	require.NoError(t, dev.Read(0, out))
	for i, b := range out {
		require.EqualValues(t, ErasedByte, b, "byte %d", i)
	}
}

func TestMemDeviceWriteReadRoundtrip(t *testing.T) {
	dev := NewMemDevice(512, 4, 16)
	data := bytes.Repeat([]byte{0xAB}, 32)
	require.NoError(t, dev.Write(64, data))

	out := make([]byte, 32)
	require.NoError(t, dev.Read(64, out))
	assert.Equal(t, data, out)
}

func TestMemDeviceRejectsUnalignedWrite(t *testing.T) {
	dev := NewMemDevice(512, 4, 16)
	data := make([]byte, 16)

	err := dev.Write(8, data)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	err = dev.Write(0, make([]byte, 8))
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
}

func TestMemDeviceRejectsOutOfRange(t *testing.T) {
	dev := NewMemDevice(512, 4, 16)

	assert.ErrorIs(t, dev.Read(DeviceSize(dev)-8, make([]byte, 16)),
		status.ErrInvalidArgument)
	assert.ErrorIs(t, dev.Write(DeviceSize(dev), make([]byte, 16)),
		status.ErrInvalidArgument)
	assert.ErrorIs(t, dev.Erase(100, 1), status.ErrInvalidArgument)
	assert.ErrorIs(t, dev.Erase(0, 5), status.ErrInvalidArgument)
}

func TestMemDeviceEnforcesEraseBeforeWrite(t *testing.T) {
	dev := NewMemDevice(512, 4, 16)
	data := make([]byte, 16)
	require.NoError(t, dev.Write(0, data))

	err := dev.Write(0, data)
	assert.ErrorIs(t, err, status.ErrUnknown)

	require.NoError(t, dev.Erase(0, 1))
	assert.NoError(t, dev.Write(0, data))
}

func TestMemDeviceWriteFault(t *testing.T) {
	dev := NewMemDevice(512, 4, 16)
	data := bytes.Repeat([]byte{0x11}, 32)

	dev.BreakWrite(1, 16)
	require.NoError(t, dev.Write(0, data), "first write passes through")

	err := dev.Write(64, data)
	require.ErrorIs(t, err, status.ErrUnknown)

	out := make([]byte, 32)
	require.NoError(t, dev.Read(64, out))
	assert.Equal(t, data[:16], out[:16], "kept prefix is programmed")
	for _, b := range out[16:] {
		assert.EqualValues(t, ErasedByte, b, "tail stays erased")
	}

	// The fault is single-shot.
	require.NoError(t, dev.Write(128, data))
}

func TestMemDeviceEraseFault(t *testing.T) {
	dev := NewMemDevice(512, 2, 16)
	data := bytes.Repeat([]byte{0x22}, 512)
	require.NoError(t, dev.Write(0, data))

	dev.BreakErase(0, 100)
	require.ErrorIs(t, dev.Erase(0, 1), status.ErrUnknown)

	out := make([]byte, 512)
	require.NoError(t, dev.Read(0, out))
	for i := 0; i < 100; i++ {
		assert.EqualValues(t, ErasedByte, out[i])
	}
	assert.EqualValues(t, 0x22, out[100], "tail of interrupted erase is untouched")
}

func TestMemDeviceSnapshotRestore(t *testing.T) {
	dev := NewMemDevice(512, 2, 16)
	require.NoError(t, dev.Write(0, bytes.Repeat([]byte{0x33}, 16)))
	snap := dev.Snapshot()

	require.NoError(t, dev.Erase(0, 2))
	dev.Restore(snap)

	out := make([]byte, 16)
	require.NoError(t, dev.Read(0, out))
	assert.Equal(t, bytes.Repeat([]byte{0x33}, 16), out)
}

func TestMemDeviceCorrupt(t *testing.T) {
	dev := NewMemDevice(512, 1, 16)
	require.NoError(t, dev.Write(0, make([]byte, 16)))

	dev.Corrupt(3)
	out := make([]byte, 16)
	require.NoError(t, dev.Read(0, out))
	assert.EqualValues(t, 0x5A, out[3])
}

func TestNewPartitionValidation(t *testing.T) {
	dev := NewMemDevice(512, 8, 16)

	_, err := NewPartition(dev, 0, 0, 0)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	_, err = NewPartition(dev, 6, 4, 0)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	_, err = NewPartition(dev, 0, 8, 8)
	assert.ErrorIs(t, err, status.ErrInvalidArgument, "below device alignment")

	_, err = NewPartition(dev, 0, 8, 24)
	assert.ErrorIs(t, err, status.ErrInvalidArgument, "not a multiple of device alignment")

	p, err := NewPartition(dev, 2, 4, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 16, p.Alignment(), "0 selects the device alignment")
	assert.EqualValues(t, 4*512, p.Size())
}

func TestPartitionAddressTranslation(t *testing.T) {
	dev := NewMemDevice(512, 8, 16)
	p, err := NewPartition(dev, 2, 4, 0)
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0x44}, 16)
	require.NoError(t, p.Write(0, data))

	out := make([]byte, 16)
	require.NoError(t, dev.Read(2*512, out))
	assert.Equal(t, data, out, "partition address 0 is device sector 2")

	assert.ErrorIs(t, p.Read(p.Size(), make([]byte, 1)), status.ErrInvalidArgument)
	assert.ErrorIs(t, p.Write(p.Size()-16, make([]byte, 32)), status.ErrInvalidArgument)
}

func TestPartitionEraseSectors(t *testing.T) {
	dev := NewMemDevice(512, 8, 16)
	p, err := NewPartition(dev, 2, 4, 0)
	require.NoError(t, err)

	require.NoError(t, p.Write(512, bytes.Repeat([]byte{0x55}, 16)))
	require.NoError(t, p.EraseSectors(512, 1))

	scratch := make([]byte, 64)
	erased, err := p.IsErased(512, 512, scratch)
	require.NoError(t, err)
	assert.True(t, erased)

	assert.ErrorIs(t, p.EraseSectors(100, 1), status.ErrInvalidArgument)
	assert.ErrorIs(t, p.EraseSectors(0, 5), status.ErrInvalidArgument)
}

func TestPartitionErase(t *testing.T) {
	dev := NewMemDevice(512, 8, 16)
	p, err := NewPartition(dev, 2, 4, 0)
	require.NoError(t, err)

	require.NoError(t, p.Write(0, bytes.Repeat([]byte{0x66}, 16)))
	require.NoError(t, p.Erase())

	scratch := make([]byte, 64)
	erased, err := p.IsErased(0, p.Size(), scratch)
	require.NoError(t, err)
	assert.True(t, erased)
}

func TestPartitionIsErasedFindsDirtyByte(t *testing.T) {
	dev := NewMemDevice(512, 2, 1)
	p, err := NewPartition(dev, 0, 2, 0)
	require.NoError(t, err)

	require.NoError(t, p.Write(700, []byte{0x01}))

	scratch := make([]byte, 64)
	erased, err := p.IsErased(0, p.Size(), scratch)
	require.NoError(t, err)
	assert.False(t, erased)

	_, err = p.IsErased(p.Size()-8, 16, scratch)
	assert.True(t, errors.Is(err, status.ErrInvalidArgument))
}
