package vm

import "fmt"

// ---------------------------------------------------------------------------
// Code units
// ---------------------------------------------------------------------------

// CodeUnit is one fixed-width instruction: an 8-bit opcode in the low byte
// and an 8-bit operand in the high byte.
type CodeUnit uint16

// CodeUnitSize is the width of one code unit in bytes.
const CodeUnitSize = 2

// MakeUnit packs an opcode and operand into a code unit.
func MakeUnit(op Opcode, arg uint8) CodeUnit {
	return CodeUnit(uint16(op) | uint16(arg)<<8)
}

// Opcode returns the instruction's opcode.
func (u CodeUnit) Opcode() Opcode {
	return Opcode(u & 0xFF)
}

// Arg returns the instruction's raw operand byte. After quickening this byte
// holds a cache offset for cache-addressed instructions, not the semantic
// argument; see AdaptiveRecord.OriginalArg.
func (u CodeUnit) Arg() uint8 {
	return uint8(u >> 8)
}

// WithArg returns a copy of the unit with the operand byte replaced.
func (u CodeUnit) WithArg(arg uint8) CodeUnit {
	return MakeUnit(u.Opcode(), arg)
}

// SemanticArg is a user-level operand as emitted by the compiler front-end.
// It is a distinct type from the raw stream byte so that a cache offset can
// never be mistaken for the original argument once quickening has repurposed
// the operand byte.
type SemanticArg uint8

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack operations
const (
	OpNop Opcode = 0x00 // no operation
	OpPop Opcode = 0x01 // discard top of stack
	OpDup Opcode = 0x02 // duplicate top of stack
)

// Loads and stores
const (
	OpLoadConst  Opcode = 0x10 // push constant (8-bit pool index)
	OpLoadLocal  Opcode = 0x11 // push local (8-bit index)
	OpStoreLocal Opcode = 0x12 // store into local (8-bit index)
	OpLoadName   Opcode = 0x13 // push named global (8-bit name index)
)

// Attribute access (cache-addressed family)
const (
	OpLoadAttr         Opcode = 0x20 // generic attribute load (8-bit name index)
	OpLoadAttrAdaptive Opcode = 0x21 // quickened form, operand is a cache offset
	OpLoadAttrCached   Opcode = 0x22 // specialized form, guarded by an attribute-cache record
)

// Control flow
const (
	OpJump        Opcode = 0x30 // unconditional jump (8-bit target unit index)
	OpJumpIfFalse Opcode = 0x31 // conditional jump (8-bit target unit index)
	OpCall        Opcode = 0x32 // call with N arguments (8-bit argc)
	OpReturn      Opcode = 0x33 // return top of stack
)

// opcodeNames maps opcodes to their mnemonic for disassembly and errors.
var opcodeNames = map[Opcode]string{
	OpNop:              "NOP",
	OpPop:              "POP",
	OpDup:              "DUP",
	OpLoadConst:        "LOAD_CONST",
	OpLoadLocal:        "LOAD_LOCAL",
	OpStoreLocal:       "STORE_LOCAL",
	OpLoadName:         "LOAD_NAME",
	OpLoadAttr:         "LOAD_ATTR",
	OpLoadAttrAdaptive: "LOAD_ATTR_ADAPTIVE",
	OpLoadAttrCached:   "LOAD_ATTR_CACHED",
	OpJump:             "JUMP",
	OpJumpIfFalse:      "JUMP_IF_FALSE",
	OpCall:             "CALL",
	OpReturn:           "RETURN",
}

// String returns the opcode mnemonic.
func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))
}

// cacheRequirements gives, per opcode, the number of cache slots the
// instruction uses once quickened. Zero means the instruction does not opt
// into caching. Attribute loads use two slots: an adaptive record followed
// by an attribute-cache record.
var cacheRequirements = map[Opcode]int{
	OpLoadAttr: 2,
}

// adaptiveOpcodes maps a generic cacheable opcode to its quickened
// counter-driven form.
var adaptiveOpcodes = map[Opcode]Opcode{
	OpLoadAttr: OpLoadAttrAdaptive,
}

// genericOpcodes maps quickened forms back to the generic opcode, used when
// a slot deoptimizes.
var genericOpcodes = map[Opcode]Opcode{
	OpLoadAttrAdaptive: OpLoadAttr,
	OpLoadAttrCached:   OpLoadAttr,
}

// NeedsCache reports whether the opcode opts into cache addressing.
func (op Opcode) NeedsCache() bool {
	return cacheRequirements[op] > 0
}

// CacheEntries returns the number of cache slots the opcode uses, or zero.
func (op Opcode) CacheEntries() int {
	return cacheRequirements[op]
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: helper for constructing instruction streams
// ---------------------------------------------------------------------------

// BytecodeBuilder accumulates code units for a generic instruction stream.
type BytecodeBuilder struct {
	units []CodeUnit
}

// NewBytecodeBuilder creates an empty builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{units: make([]CodeUnit, 0, 32)}
}

// Emit appends one instruction and returns its unit index.
func (b *BytecodeBuilder) Emit(op Opcode, arg uint8) int {
	idx := len(b.units)
	b.units = append(b.units, MakeUnit(op, arg))
	return idx
}

// Len returns the number of units emitted so far.
func (b *BytecodeBuilder) Len() int {
	return len(b.units)
}

// Units returns the accumulated instruction stream.
func (b *BytecodeBuilder) Units() []CodeUnit {
	return b.units
}
