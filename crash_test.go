package flintkv

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/flintkv/pkg/status"
)

// getState classifies the visible state of key: the value, or nil for
// NotFound.
func getState(t *testing.T, kvs *KVS, key []byte) []byte {
	t.Helper()
	out := make([]byte, kvs.part.SectorSize())
	n, err := kvs.Get(key, out)
	if errors.Is(err, status.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	return append([]byte(nil), out[:n]...)
}

// TestPutInterruptedAtEveryOffset cuts the entry write of a fresh key
// short at every possible byte count. After a rescan the key must either
// be fully present or fully absent, and unrelated keys stay intact.
func TestPutInterruptedAtEveryOffset(t *testing.T) {
	dev, kvs := newTestKVSGeometry(t, 512, 8, 16, Config{})
	require.NoError(t, kvs.Put([]byte("stable"), []byte("baseline")))

	newValue := []byte("crash-payload")
	entrySize := int(kvs.codec.EncodedSize(len("crash"), len(newValue)))
	pristine := dev.Snapshot()

	for keep := 0; keep <= entrySize; keep++ {
		dev.Restore(pristine)
		dev.ClearFaults()
		require.NoError(t, kvs.Init())

		dev.BreakWrite(0, keep)
		err := kvs.Put([]byte("crash"), newValue)
		if keep < entrySize {
			require.ErrorIs(t, err, status.ErrUnknown, "keep=%d", keep)
		}
		dev.ClearFaults()

		require.NoError(t, kvs.Init(), "keep=%d", keep)
		assert.Equal(t, []byte("baseline"), getState(t, kvs, []byte("stable")),
			"keep=%d: unrelated key damaged", keep)

		got := getState(t, kvs, []byte("crash"))
		if got != nil {
			assert.Equal(t, newValue, got, "keep=%d: hybrid state visible", keep)
		}
	}
}

// TestOverwriteInterruptedAtEveryOffset is the same sweep for an update:
// the old value must stay visible unless the new entry landed completely.
func TestOverwriteInterruptedAtEveryOffset(t *testing.T) {
	dev, kvs := newTestKVSGeometry(t, 512, 8, 16, Config{})
	oldValue := []byte("old-value")
	newValue := []byte("new-value-longer")
	require.NoError(t, kvs.Put([]byte("k"), oldValue))

	entrySize := int(kvs.codec.EncodedSize(1, len(newValue)))
	pristine := dev.Snapshot()

	for keep := 0; keep <= entrySize; keep++ {
		dev.Restore(pristine)
		dev.ClearFaults()
		require.NoError(t, kvs.Init())

		dev.BreakWrite(0, keep)
		err := kvs.Put([]byte("k"), newValue)
		if keep < entrySize {
			require.ErrorIs(t, err, status.ErrUnknown, "keep=%d", keep)
		}
		dev.ClearFaults()

		require.NoError(t, kvs.Init(), "keep=%d", keep)
		got := getState(t, kvs, []byte("k"))
		require.NotNil(t, got, "keep=%d: key vanished", keep)
		if !bytes.Equal(got, oldValue) {
			assert.Equal(t, newValue, got, "keep=%d: hybrid state visible", keep)
		}
	}
}

// TestDeleteInterruptedAtEveryOffset cuts the tombstone write short. The
// key must stay fully present or be fully deleted.
func TestDeleteInterruptedAtEveryOffset(t *testing.T) {
	dev, kvs := newTestKVSGeometry(t, 512, 8, 16, Config{})
	value := []byte("doomed")
	require.NoError(t, kvs.Put([]byte("k"), value))

	entrySize := int(kvs.codec.EncodedSize(1, 0))
	pristine := dev.Snapshot()

	for keep := 0; keep <= entrySize; keep++ {
		dev.Restore(pristine)
		dev.ClearFaults()
		require.NoError(t, kvs.Init())

		dev.BreakWrite(0, keep)
		err := kvs.Delete([]byte("k"))
		if keep < entrySize {
			require.ErrorIs(t, err, status.ErrUnknown, "keep=%d", keep)
		}
		dev.ClearFaults()

		require.NoError(t, kvs.Init(), "keep=%d", keep)
		got := getState(t, kvs, []byte("k"))
		if got != nil {
			assert.Equal(t, value, got, "keep=%d: hybrid state visible", keep)
		}
	}
}

// TestWriteFaultDoesNotBrickTheStore checks that after an interrupted
// write the store keeps working: the damaged region is skipped and the
// next Put lands elsewhere.
func TestWriteFaultDoesNotBrickTheStore(t *testing.T) {
	dev, kvs := newTestKVSGeometry(t, 512, 8, 16, Config{})

	dev.BreakWrite(0, 8)
	require.ErrorIs(t, kvs.Put([]byte("k"), []byte("first")), status.ErrUnknown)

	require.NoError(t, kvs.Put([]byte("k"), []byte("second")))
	assert.Equal(t, []byte("second"), getState(t, kvs, []byte("k")))

	require.NoError(t, kvs.Init())
	assert.Equal(t, []byte("second"), getState(t, kvs, []byte("k")))
}

// TestCollectionEraseInterrupted interrupts the victim erase of a
// collection cycle at several byte counts. The relocated copies carry the
// same transaction ids as the originals, so a rescan must converge on the
// same visible contents no matter how much of the victim survived.
func TestCollectionEraseInterrupted(t *testing.T) {
	for _, keep := range []int{0, 1, 64, 200, 511} {
		t.Run(fmt.Sprintf("keep=%d", keep), func(t *testing.T) {
			dev, kvs := newTestKVSGeometry(t, 512, 4, 16, Config{})

			require.NoError(t, kvs.Put([]byte("stable"), []byte("payload")))
			filler := make([]byte, 200)

			// Churn until the next Put needs a collection, then cut its
			// erase short.
			dev.BreakErase(0, keep)
			var faulted bool
			for i := 0; i < 64; i++ {
				filler[0] = byte(i)
				err := kvs.Put([]byte("churn"), filler)
				if err != nil {
					require.ErrorIs(t, err, status.ErrUnknown)
					faulted = true
					break
				}
			}
			require.True(t, faulted, "the workload never triggered a collection")
			dev.ClearFaults()

			require.NoError(t, kvs.Init())
			assert.Equal(t, []byte("payload"), getState(t, kvs, []byte("stable")))
			churn := getState(t, kvs, []byte("churn"))
			require.NotNil(t, churn, "churn key vanished")

			// The store must stay fully usable afterwards.
			require.NoError(t, kvs.Put([]byte("after"), []byte("ok")))
			assert.Equal(t, []byte("ok"), getState(t, kvs, []byte("after")))
		})
	}
}

// TestRescanIsIdempotent runs Init twice over the same image and checks
// the visible contents agree, including after faults.
func TestRescanIsIdempotent(t *testing.T) {
	dev, kvs := newTestKVSGeometry(t, 512, 8, 16, Config{})

	for i := 0; i < 10; i++ {
		require.NoError(t, kvs.Put([]byte(fmt.Sprintf("key-%d", i)),
			bytes.Repeat([]byte{byte(i)}, 3*i)))
	}
	require.NoError(t, kvs.Delete([]byte("key-4")))
	dev.BreakWrite(0, 5)
	_ = kvs.Put([]byte("key-9"), []byte("interrupted"))
	dev.ClearFaults()

	require.NoError(t, kvs.Init())
	first := map[string][]byte{}
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("key-%d", i)
		first[key] = getState(t, kvs, []byte(key))
	}

	require.NoError(t, kvs.Init())
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("key-%d", i)
		assert.Equal(t, first[key], getState(t, kvs, []byte(key)), "key %q", key)
	}
}
