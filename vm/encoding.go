package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// All multi-byte container fields are little-endian.

// WriteUint32 writes a uint32 in little-endian format.
func WriteUint32(buf []byte, v uint32) {
	binary.LittleEndian.PutUint32(buf, v)
}

// ReadUint32 reads a uint32 in little-endian format.
func ReadUint32(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

// WriteUint16 writes a uint16 in little-endian format.
func WriteUint16(buf []byte, v uint16) {
	binary.LittleEndian.PutUint16(buf, v)
}

// ReadUint16 reads a uint16 in little-endian format.
func ReadUint16(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf)
}

// encodeUnits serializes code units as little-endian byte pairs.
func encodeUnits(units []CodeUnit) []byte {
	out := make([]byte, len(units)*CodeUnitSize)
	for i, u := range units {
		WriteUint16(out[i*CodeUnitSize:], uint16(u))
	}
	return out
}

// decodeUnits deserializes little-endian byte pairs into code units.
func decodeUnits(data []byte) ([]CodeUnit, error) {
	if len(data)%CodeUnitSize != 0 {
		return nil, fmt.Errorf("%w: instruction stream of %d bytes is not unit-aligned", ErrCorruptData, len(data))
	}
	units := make([]CodeUnit, len(data)/CodeUnitSize)
	for i := range units {
		units[i] = CodeUnit(ReadUint16(data[i*CodeUnitSize:]))
	}
	return units, nil
}

// cborEncMode is the canonical CBOR encoder used for container records, so
// identical inputs always produce identical bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}
