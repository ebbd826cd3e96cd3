package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

// ConstKind discriminates the constant pool variants.
type ConstKind uint8

const (
	ConstNil ConstKind = iota
	ConstBool
	ConstInt
	ConstFloat
	ConstString
)

// Constant is one entry of a unit's constant pool. The richer object model
// lives outside this core; constants carry only the immutable leaf values
// the compiler front-end emits.
type Constant struct {
	Kind  ConstKind `cbor:"1,keyasint"`
	Bool  bool      `cbor:"2,keyasint,omitempty"`
	Int   int64     `cbor:"3,keyasint,omitempty"`
	Float float64   `cbor:"4,keyasint,omitempty"`
	Str   string    `cbor:"5,keyasint,omitempty"`
}

// IntConst returns an integer constant.
func IntConst(v int64) Constant { return Constant{Kind: ConstInt, Int: v} }

// FloatConst returns a float constant.
func FloatConst(v float64) Constant { return Constant{Kind: ConstFloat, Float: v} }

// StringConst returns a string constant.
func StringConst(s string) Constant { return Constant{Kind: ConstString, Str: s} }

// BoolConst returns a boolean constant.
func BoolConst(v bool) Constant { return Constant{Kind: ConstBool, Bool: v} }

// NilConst returns the nil constant.
func NilConst() Constant { return Constant{Kind: ConstNil} }

// String renders the constant for disassembly.
func (c Constant) String() string {
	switch c.Kind {
	case ConstNil:
		return "nil"
	case ConstBool:
		return fmt.Sprintf("%t", c.Bool)
	case ConstInt:
		return fmt.Sprintf("%d", c.Int)
	case ConstFloat:
		return fmt.Sprintf("%g", c.Float)
	case ConstString:
		return fmt.Sprintf("%q", c.Str)
	}
	return "?"
}

// ---------------------------------------------------------------------------
// CodeObject: one function's bytecode program and tuning state
// ---------------------------------------------------------------------------

// warmupState tracks the quickening lifecycle of a unit.
type warmupState uint8

const (
	warmCold     warmupState = iota // generic stream, counting invocations
	warmQuick                       // quickened, cache store allocated
	warmTooLarge                    // over the size ceiling, stays generic forever
)

// CodeObject is one compiled function: its instruction stream, constant
// pool and metadata, plus the mutable execution-tuning state managed by
// this core. At most one executor may run or mutate a given CodeObject at
// a time; that serialization is the host's responsibility.
type CodeObject struct {
	// Identity and signature
	Name      string
	Filename  string
	Flags     uint16
	ArgCount  int
	NLocals   int
	StackSize int
	FirstLine int

	// Owned by the compiler collaborator
	Consts         []Constant
	Names          []string
	LineTable      []byte
	ExceptionTable []byte

	// Generic instruction stream; nil while dehydrated. Replaced by the
	// quickened body's instruction view at quickening time.
	code []CodeUnit

	// Quickening state
	warmup int
	state  warmupState
	body   *QuickenedBody

	// Lazy container backing, set only for dehydrated construction
	container *Container
	lazyIndex uint32
}

// CodeConstructor carries everything needed to build a cold CodeObject.
// An arguments struct keeps the many parameters maintainable; Validate
// catches the mistakes a signature would have.
type CodeConstructor struct {
	Name      string
	Filename  string
	Flags     uint16
	ArgCount  int
	NLocals   int
	StackSize int
	FirstLine int

	Code           []CodeUnit
	Consts         []Constant
	Names          []string
	LineTable      []byte
	ExceptionTable []byte
}

// ErrInvalidCode marks a constructor rejected by Validate.
var ErrInvalidCode = errors.New("invalid code constructor")

// Validate checks the constructor's internal consistency.
func (con *CodeConstructor) Validate() error {
	if con.ArgCount < 0 || con.NLocals < 0 || con.StackSize < 0 {
		return fmt.Errorf("%w: negative counts", ErrInvalidCode)
	}
	if con.ArgCount > con.NLocals {
		return fmt.Errorf("%w: argcount %d exceeds nlocals %d", ErrInvalidCode, con.ArgCount, con.NLocals)
	}
	for i, u := range con.Code {
		op := u.Opcode()
		if _, known := opcodeNames[op]; !known {
			return fmt.Errorf("%w: unknown opcode 0x%02X at unit %d", ErrInvalidCode, byte(op), i)
		}
		if _, quickenedForm := genericOpcodes[op]; quickenedForm {
			return fmt.Errorf("%w: quickened opcode %s at unit %d in a generic stream", ErrInvalidCode, op, i)
		}
	}
	return nil
}

// NewCode builds a cold CodeObject from a validated constructor. The warmup
// counter starts at the negative delay so the unit quickens after exactly
// QuickeningWarmupDelay invocations.
func NewCode(con *CodeConstructor) (*CodeObject, error) {
	if err := con.Validate(); err != nil {
		return nil, err
	}
	code := make([]CodeUnit, len(con.Code))
	copy(code, con.Code)
	return &CodeObject{
		Name:           con.Name,
		Filename:       con.Filename,
		Flags:          con.Flags,
		ArgCount:       con.ArgCount,
		NLocals:        con.NLocals,
		StackSize:      con.StackSize,
		FirstLine:      con.FirstLine,
		Consts:         con.Consts,
		Names:          con.Names,
		LineTable:      con.LineTable,
		ExceptionTable: con.ExceptionTable,
		code:           code,
		warmup:         QuickeningInitialWarmupValue,
		state:          warmCold,
	}, nil
}

// IsHydrated reports whether the unit has an instruction stream. Dehydrated
// handles return false until their first Hydrate.
func (co *CodeObject) IsHydrated() bool {
	return co.code != nil || co.body != nil
}

// IsQuickened reports whether the unit has been rewritten to its
// specialized-capable form.
func (co *CodeObject) IsQuickened() bool {
	return co.state == warmQuick
}

// TooLargeToQuicken reports whether the unit permanently skipped quickening
// because its stream exceeds the size ceiling.
func (co *CodeObject) TooLargeToQuicken() bool {
	return co.state == warmTooLarge
}

// Body returns the quickened body, or nil for a cold unit.
func (co *CodeObject) Body() *QuickenedBody {
	return co.body
}

// NumUnits returns the instruction stream length in code units.
func (co *CodeObject) NumUnits() int {
	if co.body != nil {
		return co.body.NumUnits()
	}
	return len(co.code)
}

// Instruction returns the current form of instruction i, reading the
// quickened view when present.
func (co *CodeObject) Instruction(i int) CodeUnit {
	if co.body != nil {
		return co.body.Unit(i)
	}
	if i < 0 || i >= len(co.code) {
		panic(fmt.Sprintf("vm: instruction %d out of range [0,%d)", i, len(co.code)))
	}
	return co.code[i]
}

// Code returns the current instruction stream. For a quickened unit this is
// a copy of the (possibly specialized) stream; for a cold unit it is the
// generic stream itself.
func (co *CodeObject) Code() []CodeUnit {
	if co.body != nil {
		return co.body.Units()
	}
	return co.code
}

// Const returns the constant at the given pool index.
// Panics if index is out of range.
func (co *CodeObject) Const(index int) Constant {
	if index < 0 || index >= len(co.Consts) {
		panic("vm: CodeObject.Const: index out of range")
	}
	return co.Consts[index]
}

// NameAt returns the name at the given index.
// Panics if index is out of range.
func (co *CodeObject) NameAt(index int) string {
	if index < 0 || index >= len(co.Names) {
		panic("vm: CodeObject.NameAt: index out of range")
	}
	return co.Names[index]
}

// String returns a short identity for logs and errors.
func (co *CodeObject) String() string {
	if co.Filename != "" {
		return co.Filename + ":" + co.Name
	}
	return co.Name
}
