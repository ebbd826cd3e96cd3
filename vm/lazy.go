package vm

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Container format constants
// ---------------------------------------------------------------------------

// ContainerMagic is the tag identifying a quill lazy container.
var ContainerMagic = [4]byte{'Q', 'U', 'I', 'L'}

// ContainerVersion is the current container format version.
const ContainerVersion uint16 = 1

// ContainerHeaderSize is the fixed header size in bytes:
// magic(4) + version(2) + flags(2) + metadataOffset(4) + totalSize(4).
const ContainerHeaderSize = 16

// Container flags
const (
	ContainerFlagNone      uint16 = 0
	ContainerFlagDebugInfo uint16 = 1 << 0 // records carry line and exception tables
)

// ---------------------------------------------------------------------------
// Container error types
// ---------------------------------------------------------------------------

var (
	ErrInvalidMagic      = errors.New("invalid magic number: expected QUIL")
	ErrVersionMismatch   = errors.New("container version mismatch")
	ErrByteOrder         = errors.New("container was produced with opposite byte order")
	ErrCorruptHeader     = errors.New("corrupt container header")
	ErrCorruptData       = errors.New("corrupt container data")
	ErrUnexpectedEOF     = errors.New("unexpected end of container data")
	ErrInvalidCodeIndex  = errors.New("invalid code object index")
	ErrInvalidConstIndex = errors.New("invalid constant index")
	ErrInvalidStringIndex = errors.New("invalid string index")
	ErrInvalidBlobIndex  = errors.New("invalid blob index")
	ErrNotDehydrated     = errors.New("code object has no container backing")
)

// ---------------------------------------------------------------------------
// Wire records
// ---------------------------------------------------------------------------

// Metadata is the container-level metadata region. It is opaque to the
// execution core; the producer records provenance here.
type Metadata struct {
	Name     string `cbor:"1,keyasint,omitempty"`
	Producer string `cbor:"2,keyasint,omitempty"`
}

// codeRecord is the serialized form of one code object.
type codeRecord struct {
	Name           string   `cbor:"1,keyasint,omitempty"`
	Filename       string   `cbor:"2,keyasint,omitempty"`
	Flags          uint16   `cbor:"3,keyasint,omitempty"`
	ArgCount       int      `cbor:"4,keyasint,omitempty"`
	NLocals        int      `cbor:"5,keyasint,omitempty"`
	StackSize      int      `cbor:"6,keyasint,omitempty"`
	FirstLine      int      `cbor:"7,keyasint,omitempty"`
	Names          []string `cbor:"8,keyasint,omitempty"`
	Code           []byte   `cbor:"9,keyasint"`
	LineTable      []byte   `cbor:"10,keyasint,omitempty"`
	ExceptionTable []byte   `cbor:"11,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Container
// ---------------------------------------------------------------------------

// ContainerHeader is the parsed fixed header.
type ContainerHeader struct {
	Magic          [4]byte
	Version        uint16
	Flags          uint16
	MetadataOffset uint32
	TotalSize      uint32
}

// Container is an opened lazy container: one immutable backing buffer, the
// four offset tables, and the constants pool shared by every unit hydrated
// from it. The buffer is the keepalive: callers must keep the Container
// reachable at least as long as any unit hydrated from it, and must not
// mutate the data they passed to OpenContainer.
type Container struct {
	data   []byte
	header ContainerHeader
	meta   Metadata

	codeOffsets   []uint32
	constOffsets  []uint32
	stringOffsets []uint32
	blobOffsets   []uint32

	consts []Constant
}

// OpenContainer parses and validates a container's header and offset
// tables and decodes the shared constants pool. The data slice is retained;
// it must be immutable and outlive every unit hydrated from the container.
func OpenContainer(data []byte) (*Container, error) {
	if len(data) < ContainerHeaderSize {
		return nil, ErrCorruptHeader
	}

	var h ContainerHeader
	copy(h.Magic[:], data[0:4])
	if h.Magic != ContainerMagic {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidMagic, h.Magic[:])
	}
	h.Version = ReadUint16(data[4:])
	if h.Version != ContainerVersion {
		if h.Version == bits.ReverseBytes16(ContainerVersion) {
			return nil, ErrByteOrder
		}
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrVersionMismatch, ContainerVersion, h.Version)
	}
	h.Flags = ReadUint16(data[6:])
	h.MetadataOffset = ReadUint32(data[8:])
	h.TotalSize = ReadUint32(data[12:])
	if int(h.TotalSize) != len(data) {
		return nil, fmt.Errorf("%w: total size %d does not match %d data bytes", ErrCorruptHeader, h.TotalSize, len(data))
	}

	c := &Container{data: data, header: h}

	cur := uint32(ContainerHeaderSize)
	var err error
	if c.codeOffsets, cur, err = readOffsetTable(data, cur, h.TotalSize, "code"); err != nil {
		return nil, err
	}
	if c.constOffsets, cur, err = readOffsetTable(data, cur, h.TotalSize, "constant"); err != nil {
		return nil, err
	}
	if c.stringOffsets, cur, err = readOffsetTable(data, cur, h.TotalSize, "string"); err != nil {
		return nil, err
	}
	if c.blobOffsets, _, err = readOffsetTable(data, cur, h.TotalSize, "blob"); err != nil {
		return nil, err
	}

	c.consts = make([]Constant, len(c.constOffsets))
	for i, off := range c.constOffsets {
		payload, err := readLengthPrefixed(data, off, h.TotalSize)
		if err != nil {
			return nil, fmt.Errorf("constant %d: %w", i, err)
		}
		if err := cbor.Unmarshal(payload, &c.consts[i]); err != nil {
			return nil, fmt.Errorf("%w: constant %d: %v", ErrCorruptData, i, err)
		}
	}

	if h.MetadataOffset != 0 {
		payload, err := readLengthPrefixed(data, h.MetadataOffset, h.TotalSize)
		if err != nil {
			return nil, fmt.Errorf("metadata: %w", err)
		}
		if err := cbor.Unmarshal(payload, &c.meta); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrCorruptData, err)
		}
	}

	return c, nil
}

// readOffsetTable reads a count-prefixed table of absolute offsets and
// validates each against the container bounds.
func readOffsetTable(data []byte, cur, total uint32, kind string) ([]uint32, uint32, error) {
	if cur+4 > total {
		return nil, 0, fmt.Errorf("%w: %s table count", ErrUnexpectedEOF, kind)
	}
	count := ReadUint32(data[cur:])
	cur += 4
	if count > (total-cur)/4 {
		return nil, 0, fmt.Errorf("%w: %s table entries", ErrUnexpectedEOF, kind)
	}
	offsets := make([]uint32, count)
	for i := range offsets {
		off := ReadUint32(data[cur:])
		cur += 4
		if off >= total {
			return nil, 0, fmt.Errorf("%w: %s offset %d beyond total size %d", ErrCorruptData, kind, off, total)
		}
		offsets[i] = off
	}
	return offsets, cur, nil
}

// readLengthPrefixed reads a u32 length prefix at off and returns the
// following payload, bounds-checked against the container's total size.
// Bounds arithmetic is done in uint64 so offsets near the uint32 ceiling
// cannot wrap past the check.
func readLengthPrefixed(data []byte, off, total uint32) ([]byte, error) {
	if uint64(off)+4 > uint64(total) {
		return nil, fmt.Errorf("%w: record at offset %d", ErrUnexpectedEOF, off)
	}
	length := ReadUint32(data[off:])
	if uint64(off)+4+uint64(length) > uint64(total) {
		return nil, fmt.Errorf("%w: record of %d bytes at offset %d exceeds total size %d", ErrCorruptData, length, off, total)
	}
	return data[off+4 : off+4+length], nil
}

// Header returns the parsed container header.
func (c *Container) Header() ContainerHeader {
	return c.header
}

// Metadata returns the container's metadata region.
func (c *Container) Metadata() Metadata {
	return c.meta
}

// NumCodeObjects returns the number of code objects in the container.
func (c *Container) NumCodeObjects() int {
	return len(c.codeOffsets)
}

// Consts returns the constants pool shared by all units hydrated from this
// container. Callers must treat it as read-only.
func (c *Container) Consts() []Constant {
	return c.consts
}

// ConstAt returns the shared pool constant at the given table index.
func (c *Container) ConstAt(index int) (Constant, error) {
	if index < 0 || index >= len(c.consts) {
		return Constant{}, fmt.Errorf("%w: %d", ErrInvalidConstIndex, index)
	}
	return c.consts[index], nil
}

// StringAt returns the string at the given table index.
func (c *Container) StringAt(index int) (string, error) {
	if index < 0 || index >= len(c.stringOffsets) {
		return "", fmt.Errorf("%w: %d", ErrInvalidStringIndex, index)
	}
	payload, err := readLengthPrefixed(c.data, c.stringOffsets[index], c.header.TotalSize)
	if err != nil {
		return "", fmt.Errorf("string %d: %w", index, err)
	}
	return string(payload), nil
}

// BlobAt returns the blob at the given table index. The returned slice
// aliases the container's backing buffer and must not be mutated.
func (c *Container) BlobAt(index int) ([]byte, error) {
	if index < 0 || index >= len(c.blobOffsets) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlobIndex, index)
	}
	payload, err := readLengthPrefixed(c.data, c.blobOffsets[index], c.header.TotalSize)
	if err != nil {
		return nil, fmt.Errorf("blob %d: %w", index, err)
	}
	return payload, nil
}

// ---------------------------------------------------------------------------
// Dehydration and hydration
// ---------------------------------------------------------------------------

// NewDehydrated creates an inert handle for the code object at the given
// table index. The handle performs no parsing beyond the one offset bounds
// check; it hydrates on first use. It shares the container's constants
// pool from the start.
func (c *Container) NewDehydrated(index uint32) (*CodeObject, error) {
	if int(index) >= len(c.codeOffsets) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidCodeIndex, index, len(c.codeOffsets))
	}
	return &CodeObject{
		Consts:    c.consts,
		warmup:    QuickeningInitialWarmupValue,
		state:     warmCold,
		container: c,
		lazyIndex: index,
	}, nil
}

// Hydrate materializes a dehydrated unit into an ordinary cold code object
// by decoding its record from the container. Cost is proportional to the
// unit's size. Hydrating an already-hydrated unit is a no-op; a failure
// leaves the unit dehydrated and affects neither the container nor other
// units.
func (co *CodeObject) Hydrate() error {
	if co.IsHydrated() {
		return nil
	}
	c := co.container
	if c == nil {
		return ErrNotDehydrated
	}

	payload, err := readLengthPrefixed(c.data, c.codeOffsets[co.lazyIndex], c.header.TotalSize)
	if err != nil {
		return fmt.Errorf("hydrate code object %d: %w", co.lazyIndex, err)
	}
	var rec codeRecord
	if err := cbor.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("hydrate code object %d: %w: %v", co.lazyIndex, ErrCorruptData, err)
	}
	code, err := decodeUnits(rec.Code)
	if err != nil {
		return fmt.Errorf("hydrate code object %d: %w", co.lazyIndex, err)
	}

	co.Name = rec.Name
	co.Filename = rec.Filename
	co.Flags = rec.Flags
	co.ArgCount = rec.ArgCount
	co.NLocals = rec.NLocals
	co.StackSize = rec.StackSize
	co.FirstLine = rec.FirstLine
	co.Names = rec.Names
	co.LineTable = rec.LineTable
	co.ExceptionTable = rec.ExceptionTable
	co.code = code
	return nil
}
