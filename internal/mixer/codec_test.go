package mixer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrames_SingleIndex(t *testing.T) {
	got := EncodeFrames(0x0a, []int{3}, 42, 1)
	assert.Equal(t, "000a00030001"+"2a", FrameHex(got))
}

func TestEncodeFrames_StereoConcatenated(t *testing.T) {
	got := EncodeFrames(1, []int{0, 1}, 15, 1)
	assert.Equal(t, "0001000000010f"+"0001000100010f", FrameHex(got))
}

func TestEncodeFrames_FourByteValue(t *testing.T) {
	got := EncodeFrames(20, []int{0}, float64(DBToRaw(-6)), 4)
	assert.Equal(t, "001400000004"+"00804dce", FrameHex(got))
}

func TestEncodeFrames_ClampsAndRounds(t *testing.T) {
	assert.Equal(t, "00010000000100", FrameHex(EncodeFrames(1, []int{0}, -3, 1)), "negative floors at zero")
	assert.Equal(t, "00010000000103", FrameHex(EncodeFrames(1, []int{0}, 2.5, 1)), "half rounds up")
	assert.Equal(t, "000100000001ff", FrameHex(EncodeFrames(1, []int{0}, 300, 1)), "saturates to one byte")
}

func TestEncodeFrames_NoIndices(t *testing.T) {
	assert.Empty(t, EncodeFrames(1, nil, 5, 1))
}

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame([]byte{0x00, 0x14, 0x00, 0x01, 0x00, 0x80, 0x4d, 0xce})
	require.NoError(t, err)
	assert.Equal(t, InboundFrame{ID: 20, Index: 1, Value: 0x804dce}, f)
}

func TestParseFrame_Malformed(t *testing.T) {
	for _, b := range [][]byte{
		nil,
		{0x00, 0x14, 0x00},
		{0x00, 0x14, 0x00, 0x01},
		make([]byte, 13),
	} {
		_, err := ParseFrame(b)
		assert.ErrorIs(t, err, ErrMalformedFrame, "len=%d", len(b))
	}
}

func TestRawValue(t *testing.T) {
	raw, n := rawValue(TypeTrim, -15)
	assert.Equal(t, 15.0, raw)
	assert.Equal(t, 1, n)

	raw, n = rawValue(TypeMixVol, 0)
	assert.Equal(t, float64(RefRaw), raw)
	assert.Equal(t, 4, n)

	raw, n = rawValue(TypeGain, 33)
	assert.Equal(t, 33.0, raw)
	assert.Equal(t, 1, n)

	assert.Equal(t, -15.0, logicalValue(TypeTrim, 15))
	assert.Equal(t, -6.0, logicalValue(TypeMixVol, 0x804dce))
	assert.Equal(t, 1.0, logicalValue(TypeToggle, 1))

	zero := logicalValue(TypeTrim, 0)
	assert.Equal(t, 0.0, zero)
	assert.False(t, math.Signbit(zero), "trim raw 0 is +0")
}
