package s7

import (
	"encoding/binary"
	"fmt"
	"math"

	"fieldlink/device"
)

// S7 uses big-endian byte order natively. BOOL occupies one bit within its
// containing byte, INT is a 2-byte signed word, REAL a 4-byte IEEE-754 float.

// typeSize returns the number of bytes a scalar occupies on the wire.
// BOOL reads its whole containing byte.
func typeSize(t device.ScalarType) int {
	switch t {
	case device.TypeBool:
		return 1
	case device.TypeInt:
		return 2
	case device.TypeReal:
		return 4
	default:
		return 0
	}
}

func testBit(b byte, bit int) bool {
	return b&(1<<uint(bit)) != 0
}

func setBit(b byte, bit int, v bool) byte {
	if v {
		return b | 1<<uint(bit)
	}
	return b &^ (1 << uint(bit))
}

func encodeInt16(v int16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(v))
	return buf
}

func decodeInt16(b []byte) (int16, error) {
	if len(b) < 2 {
		return 0, fmt.Errorf("insufficient data for INT: %d bytes", len(b))
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

func encodeReal(v float32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(v))
	return buf
}

func decodeReal(b []byte) (float32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("insufficient data for REAL: %d bytes", len(b))
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}

// decodeScalar decodes raw bytes by declared type. For TypeBool the bit
// number selects the bit within the first byte.
func decodeScalar(t device.ScalarType, b []byte, bit int) (interface{}, error) {
	switch t {
	case device.TypeBool:
		if len(b) < 1 {
			return nil, fmt.Errorf("insufficient data for BOOL: %d bytes", len(b))
		}
		if bit < 0 || bit > 7 {
			return nil, fmt.Errorf("bit offset out of range: %d", bit)
		}
		return testBit(b[0], bit), nil
	case device.TypeInt:
		return decodeInt16(b)
	case device.TypeReal:
		return decodeReal(b)
	default:
		return nil, fmt.Errorf("unsupported scalar type: %v", t)
	}
}
