package packfile_test

import (
	"testing"

	"github.com/harlowlabs/gitcore/ginternals/packfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeSize7 mirrors the pack format's 7-bit continuation varint used
// standalone for delta base/result sizes (little-endian chunks).
func encodeSize7(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v > 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func TestApplyDeltaCopyAndInsert(t *testing.T) {
	t.Parallel()

	base := []byte("The quick brown fox jumps over the lazy dog")
	// target: "The quick brown fox jumps over the lazy cat"
	var delta []byte
	delta = append(delta, encodeSize7(uint64(len(base)))...)
	delta = append(delta, encodeSize7(uint64(len("The quick brown fox jumps over the lazy cat")))...)

	// copy offset=0 size=40 ("The quick brown fox jumps over the lazy ")
	copySize := 40
	delta = append(delta, 0x80|0x10) // MSB set, size byte 0 present (bit 4)
	delta = append(delta, byte(copySize))
	// insert "cat"
	delta = append(delta, byte(len("cat")))
	delta = append(delta, []byte("cat")...)

	out, err := packfile.ApplyDelta(base, delta)
	require.NoError(t, err)
	assert.Equal(t, "The quick brown fox jumps over the lazy cat", string(out))
}

func TestApplyDeltaBaseSizeMismatch(t *testing.T) {
	t.Parallel()

	base := []byte("hello")
	var delta []byte
	delta = append(delta, encodeSize7(999)...)
	delta = append(delta, encodeSize7(0)...)

	_, err := packfile.ApplyDelta(base, delta)
	require.Error(t, err)
	assert.ErrorIs(t, err, packfile.ErrDeltaBaseSizeMismatch)
}

func TestApplyDeltaResultSizeMismatch(t *testing.T) {
	t.Parallel()

	base := []byte("hello")
	var delta []byte
	delta = append(delta, encodeSize7(uint64(len(base)))...)
	delta = append(delta, encodeSize7(10)...) // target size promised as 10
	delta = append(delta, byte(3))
	delta = append(delta, []byte("abc")...) // only 3 bytes produced

	_, err := packfile.ApplyDelta(base, delta)
	require.Error(t, err)
	assert.ErrorIs(t, err, packfile.ErrDeltaResultSizeMismatch)
}

func TestApplyDeltaReservedOpcode(t *testing.T) {
	t.Parallel()

	base := []byte("hello")
	var delta []byte
	delta = append(delta, encodeSize7(uint64(len(base)))...)
	delta = append(delta, encodeSize7(0)...)
	delta = append(delta, 0x00)

	_, err := packfile.ApplyDelta(base, delta)
	require.Error(t, err)
	assert.ErrorIs(t, err, packfile.ErrDeltaOpcodeReserved)
}

func TestApplyDeltaCopyOutOfBounds(t *testing.T) {
	t.Parallel()

	base := []byte("hello")
	var delta []byte
	delta = append(delta, encodeSize7(uint64(len(base)))...)
	delta = append(delta, encodeSize7(100)...)
	delta = append(delta, 0x80|0x01|0x10) // offset byte 0 + size byte 0 present
	delta = append(delta, 0)              // offset = 0
	delta = append(delta, 100)            // size = 100, way past base length

	_, err := packfile.ApplyDelta(base, delta)
	require.Error(t, err)
	assert.ErrorIs(t, err, packfile.ErrDeltaInstructionInvalid)
}
