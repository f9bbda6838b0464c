package mixer

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedFrame is returned by ParseFrame for frames it cannot address.
var ErrMalformedFrame = errors.New("mixer: malformed frame")

const (
	// frameAddrLen is id + index, both uint16 big-endian.
	frameAddrLen = 4
	// frameHeaderLen is id + index + length on outbound frames.
	frameHeaderLen = 6
	// maxValueLen is the widest value this codec carries.
	maxValueLen = 8

	lengthMixVol = 4
	lengthByte   = 1
)

// EncodeFrames builds one outbound payload addressing every index in indices.
// Each frame is id, index and length as uint16 big-endian followed by the
// value in length bytes. The value is rounded, floored at zero and saturated
// to what length bytes can hold.
func EncodeFrames(id int, indices []int, value float64, length int) []byte {
	if length < 1 {
		length = 1
	}
	if length > maxValueLen {
		length = maxValueLen
	}
	raw := encodeValue(value, length)

	buf := make([]byte, 0, len(indices)*(frameHeaderLen+length))
	for _, idx := range indices {
		buf = binary.BigEndian.AppendUint16(buf, uint16(id))
		buf = binary.BigEndian.AppendUint16(buf, uint16(idx))
		buf = binary.BigEndian.AppendUint16(buf, uint16(length))
		for shift := (length - 1) * 8; shift >= 0; shift -= 8 {
			buf = append(buf, byte(raw>>uint(shift)))
		}
	}
	return buf
}

func encodeValue(v float64, length int) uint64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Max(0, roundHalfUp(v))
	var limit uint64 = math.MaxUint64
	if length < maxValueLen {
		limit = 1<<(uint(length)*8) - 1
	}
	if v >= float64(limit) {
		return limit
	}
	return uint64(v)
}

// InboundFrame is a frame reported by the device.
type InboundFrame struct {
	ID    int
	Index int
	Value uint64
}

// ParseFrame reads id and index (uint16 big-endian each) and treats the rest
// of the message as a big-endian value. Messages shorter than the address,
// with no value bytes, or with a value wider than eight bytes are rejected.
func ParseFrame(b []byte) (InboundFrame, error) {
	if len(b) < frameAddrLen {
		return InboundFrame{}, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(b))
	}
	rest := b[frameAddrLen:]
	if len(rest) == 0 || len(rest) > maxValueLen {
		return InboundFrame{}, fmt.Errorf("%w: %d value bytes", ErrMalformedFrame, len(rest))
	}

	f := InboundFrame{
		ID:    int(binary.BigEndian.Uint16(b[0:2])),
		Index: int(binary.BigEndian.Uint16(b[2:4])),
	}
	for _, c := range rest {
		f.Value = f.Value<<8 | uint64(c)
	}
	return f, nil
}

// FrameHex renders a payload the way the device documentation writes it.
func FrameHex(b []byte) string { return hex.EncodeToString(b) }

// rawValue maps a logical value to what the device stores for typ, along with
// the frame length to send it in.
func rawValue(typ Type, v float64) (float64, int) {
	switch typ {
	case TypeMixVol:
		return float64(DBToRaw(v)), lengthMixVol
	case TypeTrim:
		// Trim is stored as a positive attenuation.
		return -v, lengthByte
	default:
		return v, lengthByte
	}
}

// logicalValue is the inverse of rawValue for inbound frames.
func logicalValue(typ Type, raw uint64) float64 {
	switch typ {
	case TypeMixVol:
		if raw > math.MaxInt64 {
			raw = math.MaxInt64
		}
		return RawToDB(int64(raw))
	case TypeTrim:
		// 0 - x keeps a raw 0 from becoming -0.
		return 0 - float64(raw)
	default:
		return float64(raw)
	}
}
