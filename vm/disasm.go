package vm

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of the unit's current
// instruction stream. Quickened units show each cache-addressed
// instruction's slot offset, preserved original operand, counter and slot
// state alongside the rewritten operand byte.
func (co *CodeObject) Disassemble() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("; === %s ===\n", co))
	if !co.IsHydrated() {
		sb.WriteString("; (dehydrated)\n")
		return sb.String()
	}
	sb.WriteString(fmt.Sprintf("; args: %d, locals: %d, stack: %d\n", co.ArgCount, co.NLocals, co.StackSize))
	if co.IsQuickened() {
		sb.WriteString(fmt.Sprintf("; quickened: %d cache slots\n", co.Body().SlotCount()))
	} else if co.TooLargeToQuicken() {
		sb.WriteString("; too large to quicken\n")
	}

	if len(co.Consts) > 0 {
		sb.WriteString("; constants:\n")
		for i, con := range co.Consts {
			sb.WriteString(fmt.Sprintf(";   [%3d] %s\n", i, con))
		}
	}
	if len(co.Names) > 0 {
		sb.WriteString("; names:\n")
		for i, name := range co.Names {
			sb.WriteString(fmt.Sprintf(";   [%3d] %s\n", i, name))
		}
	}
	sb.WriteString("\n")

	for i := 0; i < co.NumUnits(); i++ {
		u := co.Instruction(i)
		sb.WriteString(fmt.Sprintf("%04d  %-20s %3d", i, u.Opcode(), u.Arg()))
		if body := co.Body(); body != nil {
			if _, quick := genericOpcodes[u.Opcode()]; quick {
				slot := body.SlotForInstruction(i+1, u.Arg())
				rec := body.Adaptive(slot)
				sb.WriteString(fmt.Sprintf("  ; slot %d, orig arg %d, counter 0x%02X, %s",
					slot, rec.OriginalArg, rec.Counter, co.SlotStateForInstruction(i+1)))
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// DisassembleUnits renders a bare instruction stream without unit context.
func DisassembleUnits(units []CodeUnit) string {
	var sb strings.Builder
	for i, u := range units {
		sb.WriteString(fmt.Sprintf("%04d  %-20s %3d\n", i, u.Opcode(), u.Arg()))
	}
	return sb.String()
}
