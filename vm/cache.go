package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Cache addressing scheme
// ---------------------------------------------------------------------------

// CacheSlotSize is the width of one cache slot in bytes. Every record
// variant occupies exactly this many bytes; the addressing arithmetic below
// assumes a 4:1 slot:instruction size ratio.
const CacheSlotSize = 8

// UnitsPerSlot is the number of code units that fit in one cache slot.
const UnitsPerSlot = CacheSlotSize / CodeUnitSize

// The slot:instruction ratio is load-bearing; this fails to compile if a
// record variant changes the slot width.
var _ [CacheSlotSize]byte = [UnitsPerSlot * CodeUnitSize]byte{}

// OffsetFromArg computes the cache slot offset used by the instruction at
// nexti (instruction index plus one, matching the post-fetch instruction
// pointer) whose stream operand byte is oparg.
//
// The relation offset == (nexti>>1) + oparg reflects that roughly 1 in 4
// instructions needs a cache and those typically use 2 slots, so the slot
// count scales as about half the instruction count. The oparg term fine
// tunes the mapping so consecutive cached instructions do not collide, at
// the price of a hard 255-slot correction range.
func OffsetFromArg(oparg, nexti int) int {
	return (nexti >> 1) + oparg
}

// ArgFromOffset is the inverse of OffsetFromArg: the oparg to store in the
// stream so that the instruction at nexti addresses the given slot offset.
// The result is negative or above 255 when the offset is unreachable from
// that instruction.
func ArgFromOffset(offset, nexti int) int {
	return offset - (nexti >> 1)
}

// ---------------------------------------------------------------------------
// Cache slot records
// ---------------------------------------------------------------------------

// AdaptiveRecord is the slot variant driving specialization of one call
// site: the preserved user-level operand, the saturating hit/miss counter,
// and an index free for specialized data.
type AdaptiveRecord struct {
	OriginalArg SemanticArg
	Counter     uint8
	Index       uint16
}

// AttrCacheRecord is the slot variant guarding a specialized attribute
// load: the owner type's version tag and the source dictionary's version,
// or a positional hint when the dictionary shape is unversioned.
type AttrCacheRecord struct {
	TypeVersion       uint32
	DictVersionOrHint uint32
}

// CountRecord is the legacy placeholder variant holding a bare count.
type CountRecord struct {
	Count int32
}

// ---------------------------------------------------------------------------
// QuickenedBody: one allocation, two views
// ---------------------------------------------------------------------------

// QuickenedBody owns the single buffer backing a quickened unit: slotCount
// cache slots immediately followed by the instruction stream. Slots are
// indexed in reverse, so slot 0 is the 8 bytes directly before the first
// instruction and slot slotCount-1 is at the start of the buffer. Both
// views live and die together; all access is bounds-checked.
type QuickenedBody struct {
	buf       []byte
	slotCount int
	numUnits  int
}

// newQuickenedBody allocates the combined region and copies the instruction
// stream into its instruction view. The cache view starts zeroed.
func newQuickenedBody(code []CodeUnit, slotCount int) *QuickenedBody {
	b := &QuickenedBody{
		buf:       make([]byte, slotCount*CacheSlotSize+len(code)*CodeUnitSize),
		slotCount: slotCount,
		numUnits:  len(code),
	}
	for i, u := range code {
		b.SetUnit(i, u)
	}
	return b
}

// SlotCount returns the number of cache slots.
func (b *QuickenedBody) SlotCount() int {
	return b.slotCount
}

// NumUnits returns the instruction stream length in code units.
func (b *QuickenedBody) NumUnits() int {
	return b.numUnits
}

// slotBytes returns the 8-byte window of slot n. Slot 0 abuts the first
// instruction byte.
func (b *QuickenedBody) slotBytes(n int) []byte {
	if n < 0 || n >= b.slotCount {
		panic(fmt.Sprintf("vm: cache slot %d out of range [0,%d)", n, b.slotCount))
	}
	start := (b.slotCount - 1 - n) * CacheSlotSize
	return b.buf[start : start+CacheSlotSize]
}

// unitBytes returns the 2-byte window of instruction i.
func (b *QuickenedBody) unitBytes(i int) []byte {
	if i < 0 || i >= b.numUnits {
		panic(fmt.Sprintf("vm: instruction %d out of range [0,%d)", i, b.numUnits))
	}
	start := b.slotCount*CacheSlotSize + i*CodeUnitSize
	return b.buf[start : start+CodeUnitSize]
}

// Unit returns instruction i.
func (b *QuickenedBody) Unit(i int) CodeUnit {
	return CodeUnit(binary.LittleEndian.Uint16(b.unitBytes(i)))
}

// SetUnit replaces instruction i.
func (b *QuickenedBody) SetUnit(i int, u CodeUnit) {
	binary.LittleEndian.PutUint16(b.unitBytes(i), uint16(u))
}

// Units copies the instruction view out as a slice of code units.
func (b *QuickenedBody) Units() []CodeUnit {
	units := make([]CodeUnit, b.numUnits)
	for i := range units {
		units[i] = b.Unit(i)
	}
	return units
}

// SlotForInstruction returns the slot offset addressed by the instruction
// at nexti with stream operand oparg. It does not check that the slot was
// assigned to that instruction at quickening time.
func (b *QuickenedBody) SlotForInstruction(nexti int, oparg uint8) int {
	return OffsetFromArg(int(oparg), nexti)
}

// Adaptive reads slot n as an adaptive record.
func (b *QuickenedBody) Adaptive(n int) AdaptiveRecord {
	s := b.slotBytes(n)
	return AdaptiveRecord{
		OriginalArg: SemanticArg(s[0]),
		Counter:     s[1],
		Index:       binary.LittleEndian.Uint16(s[2:4]),
	}
}

// SetAdaptive writes slot n as an adaptive record.
func (b *QuickenedBody) SetAdaptive(n int, rec AdaptiveRecord) {
	s := b.slotBytes(n)
	s[0] = uint8(rec.OriginalArg)
	s[1] = rec.Counter
	binary.LittleEndian.PutUint16(s[2:4], rec.Index)
	binary.LittleEndian.PutUint32(s[4:8], 0)
}

// SetCounter updates only the saturating counter of slot n's adaptive
// record.
func (b *QuickenedBody) SetCounter(n int, counter uint8) {
	b.slotBytes(n)[1] = counter
}

// AttrCache reads slot n as an attribute-cache record.
func (b *QuickenedBody) AttrCache(n int) AttrCacheRecord {
	s := b.slotBytes(n)
	return AttrCacheRecord{
		TypeVersion:       binary.LittleEndian.Uint32(s[0:4]),
		DictVersionOrHint: binary.LittleEndian.Uint32(s[4:8]),
	}
}

// SetAttrCache writes slot n as an attribute-cache record.
func (b *QuickenedBody) SetAttrCache(n int, rec AttrCacheRecord) {
	s := b.slotBytes(n)
	binary.LittleEndian.PutUint32(s[0:4], rec.TypeVersion)
	binary.LittleEndian.PutUint32(s[4:8], rec.DictVersionOrHint)
}

// Count reads slot n as a legacy count record.
func (b *QuickenedBody) Count(n int) CountRecord {
	s := b.slotBytes(n)
	return CountRecord{Count: int32(binary.LittleEndian.Uint32(s[0:4]))}
}

// SetCount writes slot n as a legacy count record.
func (b *QuickenedBody) SetCount(n int, rec CountRecord) {
	s := b.slotBytes(n)
	binary.LittleEndian.PutUint32(s[0:4], uint32(rec.Count))
	binary.LittleEndian.PutUint32(s[4:8], 0)
}
