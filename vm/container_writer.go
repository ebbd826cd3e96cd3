package vm

import (
	"bytes"
	"fmt"
	"os"

	"fortio.org/safecast"
)

// ---------------------------------------------------------------------------
// ContainerWriter: serializes code objects into a lazy container
// ---------------------------------------------------------------------------

// ContainerWriter assembles a lazy container: a shared constants pool,
// code objects, interned strings and opaque blobs, written out as the
// little-endian header, four offset tables and record payloads. The
// produced bytes round-trip through OpenContainer.
type ContainerWriter struct {
	meta    Metadata
	flags   uint16
	codes   []*CodeObject
	consts  []Constant
	strings []string
	blobs   [][]byte

	stringIndex map[string]uint32
}

// NewContainerWriter creates an empty writer.
func NewContainerWriter() *ContainerWriter {
	return &ContainerWriter{
		stringIndex: make(map[string]uint32),
	}
}

// SetMetadata sets the container's metadata region.
func (w *ContainerWriter) SetMetadata(m Metadata) {
	w.meta = m
}

// SetFlags sets the header feature flags.
func (w *ContainerWriter) SetFlags(flags uint16) {
	w.flags = flags
}

// SetConstants installs the shared constants pool. Every code object in
// the container references this one pool by index.
func (w *ContainerWriter) SetConstants(pool []Constant) {
	w.consts = pool
}

// AddCode registers a code object and returns its table index. The unit
// must be hydrated and still generic: a quickened stream carries cache
// offsets in its operand bytes and cannot be serialized.
func (w *ContainerWriter) AddCode(co *CodeObject) (uint32, error) {
	if !co.IsHydrated() {
		return 0, fmt.Errorf("cannot freeze %s: %w", co, ErrNotHydrated)
	}
	if co.IsQuickened() {
		return 0, fmt.Errorf("cannot freeze %s: stream is quickened", co)
	}
	idx, err := safecast.Conv[uint32](len(w.codes))
	if err != nil {
		return 0, fmt.Errorf("too many code objects: %w", err)
	}
	w.codes = append(w.codes, co)
	return idx, nil
}

// AddString interns a string and returns its table index. Duplicate
// strings share one entry.
func (w *ContainerWriter) AddString(s string) uint32 {
	if idx, ok := w.stringIndex[s]; ok {
		return idx
	}
	idx := uint32(len(w.strings))
	w.strings = append(w.strings, s)
	w.stringIndex[s] = idx
	return idx
}

// AddBlob appends an opaque blob and returns its table index.
func (w *ContainerWriter) AddBlob(b []byte) uint32 {
	idx := uint32(len(w.blobs))
	w.blobs = append(w.blobs, b)
	return idx
}

// Bytes assembles the container. The header's metadata offset and total
// size are computed last, once every payload offset is known.
func (w *ContainerWriter) Bytes() ([]byte, error) {
	tableSize := 4 * (4 + len(w.codes) + len(w.consts) + len(w.strings) + len(w.blobs))
	payloadBase := ContainerHeaderSize + tableSize

	var payload bytes.Buffer
	absOffset := func() (uint32, error) {
		return safecast.Conv[uint32](payloadBase + payload.Len())
	}
	writeRecord := func(b []byte) (uint32, error) {
		off, err := absOffset()
		if err != nil {
			return 0, fmt.Errorf("container too large: %w", err)
		}
		n, err := safecast.Conv[uint32](len(b))
		if err != nil {
			return 0, fmt.Errorf("record too large: %w", err)
		}
		var prefix [4]byte
		WriteUint32(prefix[:], n)
		payload.Write(prefix[:])
		payload.Write(b)
		return off, nil
	}

	codeOffsets := make([]uint32, len(w.codes))
	for i, co := range w.codes {
		enc, err := cborEncMode.Marshal(codeToRecord(co))
		if err != nil {
			return nil, fmt.Errorf("encode code object %s: %w", co, err)
		}
		if codeOffsets[i], err = writeRecord(enc); err != nil {
			return nil, err
		}
	}

	constOffsets := make([]uint32, len(w.consts))
	for i, con := range w.consts {
		enc, err := cborEncMode.Marshal(con)
		if err != nil {
			return nil, fmt.Errorf("encode constant %d: %w", i, err)
		}
		if constOffsets[i], err = writeRecord(enc); err != nil {
			return nil, err
		}
	}

	stringOffsets := make([]uint32, len(w.strings))
	for i, s := range w.strings {
		var err error
		if stringOffsets[i], err = writeRecord([]byte(s)); err != nil {
			return nil, err
		}
	}

	blobOffsets := make([]uint32, len(w.blobs))
	for i, b := range w.blobs {
		var err error
		if blobOffsets[i], err = writeRecord(b); err != nil {
			return nil, err
		}
	}

	metaEnc, err := cborEncMode.Marshal(w.meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	metadataOffset, err := writeRecord(metaEnc)
	if err != nil {
		return nil, err
	}

	totalSize, err := safecast.Conv[uint32](payloadBase + payload.Len())
	if err != nil {
		return nil, fmt.Errorf("container too large: %w", err)
	}

	out := make([]byte, 0, int(totalSize))
	var header [ContainerHeaderSize]byte
	copy(header[0:4], ContainerMagic[:])
	WriteUint16(header[4:], ContainerVersion)
	WriteUint16(header[6:], w.flags)
	WriteUint32(header[8:], metadataOffset)
	WriteUint32(header[12:], totalSize)
	out = append(out, header[:]...)

	out = appendOffsetTable(out, codeOffsets)
	out = appendOffsetTable(out, constOffsets)
	out = appendOffsetTable(out, stringOffsets)
	out = appendOffsetTable(out, blobOffsets)
	out = append(out, payload.Bytes()...)

	if len(out) != int(totalSize) {
		return nil, fmt.Errorf("%w: assembled %d bytes, header says %d", ErrCorruptData, len(out), totalSize)
	}
	return out, nil
}

// WriteFile assembles the container and writes it to path.
func (w *ContainerWriter) WriteFile(path string) error {
	data, err := w.Bytes()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// appendOffsetTable appends a count-prefixed table of absolute offsets.
func appendOffsetTable(out []byte, offsets []uint32) []byte {
	var word [4]byte
	WriteUint32(word[:], uint32(len(offsets)))
	out = append(out, word[:]...)
	for _, off := range offsets {
		WriteUint32(word[:], off)
		out = append(out, word[:]...)
	}
	return out
}

// codeToRecord captures a code object's serializable state. Warmup and
// cache state are runtime-only and never serialized.
func codeToRecord(co *CodeObject) codeRecord {
	return codeRecord{
		Name:           co.Name,
		Filename:       co.Filename,
		Flags:          co.Flags,
		ArgCount:       co.ArgCount,
		NLocals:        co.NLocals,
		StackSize:      co.StackSize,
		FirstLine:      co.FirstLine,
		Names:          co.Names,
		Code:           encodeUnits(co.Code()),
		LineTable:      co.LineTable,
		ExceptionTable: co.ExceptionTable,
	}
}
