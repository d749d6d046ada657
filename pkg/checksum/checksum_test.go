package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func digestOf(c Checksum, data []byte) []byte {
	c.Reset()
	c.Update(data)
	out := make([]byte, c.Size())
	copy(out, c.Finish())
	return out
}

func TestDigestSizes(t *testing.T) {
	assert.Equal(t, 2, NewCrc16().Size())
	assert.Equal(t, 8, NewXxhash64().Size())
	assert.Equal(t, 0, Null{}.Size())
	assert.LessOrEqual(t, NewXxhash64().Size(), MaxDigestSize)
}

func TestDigestsAreDeterministic(t *testing.T) {
	for name, c := range map[string]Checksum{
		"crc16":    NewCrc16(),
		"xxhash64": NewXxhash64(),
	} {
		t.Run(name, func(t *testing.T) {
			data := []byte("the quick brown fox")
			first := digestOf(c, data)
			second := digestOf(c, data)
			assert.Equal(t, first, second)

			changed := digestOf(c, []byte("the quick brown foy"))
			assert.NotEqual(t, first, changed)
		})
	}
}

func TestIncrementalUpdateMatchesOneShot(t *testing.T) {
	data := []byte("split across several update calls")
	for name, mk := range map[string]func() Checksum{
		"crc16":    func() Checksum { return NewCrc16() },
		"xxhash64": func() Checksum { return NewXxhash64() },
	} {
		t.Run(name, func(t *testing.T) {
			c := mk()
			oneShot := digestOf(c, data)

			c.Reset()
			c.Update(data[:7])
			c.Update(data[7:20])
			c.Update(data[20:])
			require.Equal(t, oneShot, c.Finish())
		})
	}
}

func TestResetDropsState(t *testing.T) {
	c := NewCrc16()
	c.Update([]byte("garbage"))
	c.Reset()
	c.Update([]byte("payload"))
	assert.Equal(t, digestOf(NewCrc16(), []byte("payload")), c.Finish())
}

func TestNullChecksum(t *testing.T) {
	n := Null{}
	n.Reset()
	n.Update([]byte("anything"))
	assert.Empty(t, n.Finish())
}
