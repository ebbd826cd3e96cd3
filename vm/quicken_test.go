package vm

import (
	"errors"
	"testing"
)

// attrLoadCode builds a minimal unit with one attribute load: the stream is
// [LOAD_LOCAL 0, LOAD_ATTR attrArg, RETURN], so the load sits at unit 1 and
// executes with nexti 2.
func attrLoadCode(t *testing.T, attrArg uint8, names []string) *CodeObject {
	t.Helper()
	b := NewBytecodeBuilder()
	b.Emit(OpLoadLocal, 0)
	b.Emit(OpLoadAttr, attrArg)
	b.Emit(OpReturn, 0)
	co, err := NewCode(&CodeConstructor{
		Name:      "getAttr",
		Filename:  "attr_test.ql",
		ArgCount:  1,
		NLocals:   1,
		StackSize: 2,
		Code:      b.Units(),
		Names:     names,
	})
	if err != nil {
		t.Fatalf("NewCode: %v", err)
	}
	return co
}

// warmUp drives a cold unit through its full warmup and quickening.
func warmUp(t *testing.T, e *Engine, co *CodeObject) {
	t.Helper()
	for i := 0; i < QuickeningWarmupDelay; i++ {
		if _, err := e.WarmupTick(co); err != nil {
			t.Fatalf("WarmupTick %d: %v", i, err)
		}
	}
	if !co.IsQuickened() {
		t.Fatalf("unit not quickened after %d ticks", QuickeningWarmupDelay)
	}
}

func TestWarmupTriggersAfterDelay(t *testing.T) {
	e := NewEngine()
	co := attrLoadCode(t, 0, []string{"x"})

	for i := 0; i < QuickeningWarmupDelay-1; i++ {
		quickened, err := e.WarmupTick(co)
		if err != nil {
			t.Fatalf("WarmupTick %d: %v", i, err)
		}
		if quickened || co.IsQuickened() {
			t.Fatalf("quickened early, after %d ticks", i+1)
		}
	}
	quickened, err := e.WarmupTick(co)
	if err != nil {
		t.Fatalf("final WarmupTick: %v", err)
	}
	if !quickened || !co.IsQuickened() {
		t.Errorf("unit did not quicken on tick %d", QuickeningWarmupDelay)
	}
	if e.QuickenedCount() != 1 {
		t.Errorf("QuickenedCount = %d, want 1", e.QuickenedCount())
	}
}

func TestQuickenRewritesAttrLoad(t *testing.T) {
	e := NewEngine()
	co := attrLoadCode(t, 3, []string{"a", "b", "c", "d"})
	warmUp(t, e, co)

	body := co.Body()
	if body == nil {
		t.Fatal("quickened unit has no body")
	}
	// Untouched instructions keep their generic form.
	if got := body.Unit(0); got != MakeUnit(OpLoadLocal, 0) {
		t.Errorf("unit 0 rewritten: %04X", got)
	}
	if got := body.Unit(2); got != MakeUnit(OpReturn, 0) {
		t.Errorf("unit 2 rewritten: %04X", got)
	}

	// The attribute load becomes adaptive with its operand repurposed as a
	// cache offset; its original operand moves into the adaptive record.
	u := body.Unit(1)
	if u.Opcode() != OpLoadAttrAdaptive {
		t.Fatalf("unit 1 opcode = %s, want LOAD_ATTR_ADAPTIVE", u.Opcode())
	}
	slot := body.SlotForInstruction(2, u.Arg())
	rec := body.Adaptive(slot)
	if rec.OriginalArg != 3 {
		t.Errorf("adaptive record OriginalArg = %d, want 3", rec.OriginalArg)
	}
	if rec.Counter != saturatingStart() {
		t.Errorf("adaptive record Counter = 0x%02X, want 0x%02X", rec.Counter, saturatingStart())
	}
}

func TestQuickenLayoutForSingleAttrLoad(t *testing.T) {
	e := NewEngine()
	co := attrLoadCode(t, 0, []string{"x"})
	warmUp(t, e, co)

	body := co.Body()
	// nexti 2 forces a minimum offset of 1 for the adaptive record; with its
	// paired attribute-cache record that makes three slots total.
	if body.SlotCount() != 3 {
		t.Errorf("SlotCount = %d, want 3", body.SlotCount())
	}
	if arg := body.Unit(1).Arg(); arg != 0 {
		t.Errorf("cache oparg = %d, want 0", arg)
	}
	if slot := body.SlotForInstruction(2, body.Unit(1).Arg()); slot != 1 {
		t.Errorf("slot offset = %d, want 1", slot)
	}
}

func TestQuickenIsIdempotent(t *testing.T) {
	e := NewEngine()
	co := attrLoadCode(t, 0, []string{"x"})
	warmUp(t, e, co)

	body := co.Body()
	if err := e.Quicken(co); err != nil {
		t.Fatalf("second Quicken: %v", err)
	}
	if co.Body() != body {
		t.Error("second Quicken replaced the body")
	}
	if e.QuickenedCount() != 1 {
		t.Errorf("QuickenedCount = %d, want 1", e.QuickenedCount())
	}
}

func TestOversizedUnitNeverQuickens(t *testing.T) {
	b := NewBytecodeBuilder()
	for i := 0; i < MaxUnitsToQuicken; i++ {
		b.Emit(OpNop, 0)
	}
	b.Emit(OpReturn, 0)
	co, err := NewCode(&CodeConstructor{Name: "huge", Code: b.Units()})
	if err != nil {
		t.Fatalf("NewCode: %v", err)
	}

	e := NewEngine()
	for i := 0; i < QuickeningWarmupDelay*2; i++ {
		if _, err := e.WarmupTick(co); err != nil {
			t.Fatalf("WarmupTick %d: %v", i, err)
		}
	}
	if co.IsQuickened() {
		t.Error("oversized unit quickened")
	}
	if !co.TooLargeToQuicken() {
		t.Error("oversized unit not marked too large")
	}
	if e.QuickenedCount() != 0 {
		t.Errorf("QuickenedCount = %d, want 0", e.QuickenedCount())
	}
	// Still executable in its generic form.
	if co.Instruction(0).Opcode() != OpNop {
		t.Error("generic stream modified")
	}
}

func TestQuickenDehydratedUnitFails(t *testing.T) {
	co := &CodeObject{Name: "ghost", warmup: 0, state: warmCold}
	e := NewEngine()
	if err := e.Quicken(co); !errors.Is(err, ErrNotHydrated) {
		t.Errorf("Quicken on dehydrated unit: %v, want ErrNotHydrated", err)
	}
}

func TestPlanCacheLayoutPacksDensely(t *testing.T) {
	// Two attribute loads close together: the second one's minimum offset
	// from the addressing relation overlaps the first one's slots, so the
	// cursor pushes it past them.
	b := NewBytecodeBuilder()
	b.Emit(OpLoadLocal, 0)
	b.Emit(OpLoadAttr, 1) // nexti 2, min offset 1
	b.Emit(OpLoadAttr, 2) // nexti 3, min offset 1, cursor at 3
	b.Emit(OpReturn, 0)

	slotCount, assignments := planCacheLayout(b.Units())
	if len(assignments) != 2 {
		t.Fatalf("got %d assignments, want 2", len(assignments))
	}
	first, second := assignments[0], assignments[1]
	if first.offset != 1 || first.arg != 0 {
		t.Errorf("first assignment offset=%d arg=%d, want 1/0", first.offset, first.arg)
	}
	if second.offset != 3 || second.arg != 2 {
		t.Errorf("second assignment offset=%d arg=%d, want 3/2", second.offset, second.arg)
	}
	if slotCount != 5 {
		t.Errorf("slotCount = %d, want 5", slotCount)
	}
	// Each assignment's oparg must reproduce its offset.
	for _, a := range assignments {
		nexti := a.unit + 1
		if OffsetFromArg(a.arg, nexti) != a.offset {
			t.Errorf("assignment at unit %d: arg %d does not address offset %d", a.unit, a.arg, a.offset)
		}
	}
}

func TestPlanCacheLayoutSkipsOutOfRange(t *testing.T) {
	// A dense run of cached loads advances the slot cursor by two per load
	// while nexti>>1 grows by one every other load, so the correction term
	// crosses 255 partway through and those loads stay generic.
	big := NewBytecodeBuilder()
	for i := 0; i < 200; i++ {
		big.Emit(OpLoadAttr, 0)
	}

	slotCount, assignments := planCacheLayout(big.Units())
	if len(assignments) >= 200 {
		t.Fatalf("all %d loads got slots; expected range exhaustion", len(assignments))
	}
	last := assignments[len(assignments)-1]
	if last.arg > 255 {
		t.Errorf("assignment with out-of-range arg %d", last.arg)
	}
	if slotCount <= last.offset {
		t.Errorf("slotCount %d does not cover last offset %d", slotCount, last.offset)
	}
}
