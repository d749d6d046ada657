package keydir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/flintkv/pkg/status"
)

func TestHashKeyIsStable(t *testing.T) {
	assert.Equal(t, HashKey([]byte("abc")), HashKey([]byte("abc")))
	assert.NotEqual(t, HashKey([]byte("abc")), HashKey([]byte("abd")))
}

func TestInsertAndFull(t *testing.T) {
	x := NewIndex(2)
	assert.EqualValues(t, 2, x.MaxEntries())

	slot, err := x.Insert(Descriptor{Hash: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, slot)

	slot, err = x.Insert(Descriptor{Hash: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, slot)
	assert.True(t, x.Full())

	_, err = x.Insert(Descriptor{Hash: 3})
	assert.ErrorIs(t, err, status.ErrResourceExhausted)
	assert.Equal(t, 2, x.Len())
}

func TestValidCountsOnlyLiveKeys(t *testing.T) {
	x := NewIndex(4)
	_, err := x.Insert(Descriptor{Hash: 1, State: StateValid})
	require.NoError(t, err)
	_, err = x.Insert(Descriptor{Hash: 2, State: StateDeleted})
	require.NoError(t, err)
	_, err = x.Insert(Descriptor{Hash: 3, State: StateValid})
	require.NoError(t, err)

	assert.EqualValues(t, 2, x.Valid())
	assert.Equal(t, 3, x.Len())
}

func TestAtReturnsMutableDescriptor(t *testing.T) {
	x := NewIndex(2)
	slot, err := x.Insert(Descriptor{Hash: 9, TxID: 1})
	require.NoError(t, err)

	x.At(slot).TxID = 7
	assert.EqualValues(t, 7, x.At(slot).TxID)
}

func TestRemoveSwapsLastIntoHole(t *testing.T) {
	x := NewIndex(4)
	for i := uint32(1); i <= 3; i++ {
		_, err := x.Insert(Descriptor{Hash: i})
		require.NoError(t, err)
	}

	x.Remove(0)
	assert.Equal(t, 2, x.Len())
	assert.EqualValues(t, 3, x.At(0).Hash, "last descriptor fills the hole")
	assert.EqualValues(t, 2, x.At(1).Hash)

	x.Remove(1)
	x.Remove(0)
	assert.Zero(t, x.Len())
}

func TestNextWithHashWalksCollisions(t *testing.T) {
	x := NewIndex(8)
	hashes := []uint32{5, 9, 5, 7, 5}
	for _, h := range hashes {
		_, err := x.Insert(Descriptor{Hash: h})
		require.NoError(t, err)
	}

	var slots []int
	for i := x.NextWithHash(5, 0); i >= 0; i = x.NextWithHash(5, i+1) {
		slots = append(slots, i)
	}
	assert.Equal(t, []int{0, 2, 4}, slots)

	assert.Equal(t, -1, x.NextWithHash(6, 0))
	assert.Equal(t, -1, x.NextWithHash(5, 5))
}

func TestReset(t *testing.T) {
	x := NewIndex(4)
	_, err := x.Insert(Descriptor{Hash: 1})
	require.NoError(t, err)

	x.Reset()
	assert.Zero(t, x.Len())
	assert.False(t, x.Full())

	_, err = x.Insert(Descriptor{Hash: 2})
	assert.NoError(t, err)
}
