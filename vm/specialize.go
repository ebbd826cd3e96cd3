package vm

import "fmt"

// ---------------------------------------------------------------------------
// Saturating counters
// ---------------------------------------------------------------------------

// The per-slot counter uses shift-based saturating arithmetic on one byte.
// Hits shift left, walking away from the all-ones sentinel; misses shift
// right and add the high bit, walking toward it. The sentinel value 255
// means "too many misses".

func saturatingIncrement(c uint8) uint8 {
	return c << 1
}

func saturatingDecrement(c uint8) uint8 {
	return (c >> 1) + 128
}

func saturatingZero() uint8 {
	return 255
}

// saturatingStart is the counter value for a freshly quickened slot.
// Shifting by 3 instead of 1 gives a just-specialized slot a short grace
// window before misses can push it to deoptimization.
func saturatingStart() uint8 {
	return saturatingZero() << 3
}

// specializationBackoff is the counter value after a failed specialization
// attempt, so a slot that failed once does not retry on every call.
const specializationBackoff = 64

func recordCacheHit(b *QuickenedBody, slot int) {
	b.SetCounter(slot, saturatingIncrement(b.Adaptive(slot).Counter))
}

func recordCacheMiss(b *QuickenedBody, slot int) {
	b.SetCounter(slot, saturatingDecrement(b.Adaptive(slot).Counter))
}

func tooManyCacheMisses(b *QuickenedBody, slot int) bool {
	return b.Adaptive(slot).Counter == saturatingZero()
}

func cacheBackoff(b *QuickenedBody, slot int) {
	b.SetCounter(slot, specializationBackoff)
}

// ---------------------------------------------------------------------------
// Object-model collaborator
// ---------------------------------------------------------------------------

// AttrOwner is the object-model view this core needs to specialize and
// validate attribute loads. Version tags must increment exactly when their
// source is mutated; a stale guard then causes a safe miss, never a wrong
// hit.
type AttrOwner interface {
	// TypeVersionTag identifies the owner's type layout.
	TypeVersionTag() uint32

	// DictVersion returns the owner dictionary's version tag. ok is false
	// when the dictionary shape does not support versioning.
	DictVersion() (version uint32, ok bool)

	// AttrIndex returns the positional hint for name in the owner's
	// dictionary, used as the guard when the dictionary is unversioned.
	AttrIndex(name string) (hint uint32, ok bool)
}

// attrGuard computes the second guard word for an owner: the dictionary
// version when available, otherwise the positional hint for name.
func attrGuard(owner AttrOwner, name string) (uint32, bool) {
	if v, ok := owner.DictVersion(); ok {
		return v, true
	}
	return owner.AttrIndex(name)
}

// ---------------------------------------------------------------------------
// Slot state
// ---------------------------------------------------------------------------

// SlotState is the lifecycle position of one cache-addressed call site.
type SlotState uint8

const (
	SlotUnspecialized SlotState = iota // adaptive form, counting toward an attempt
	SlotSpecialized                    // fast path guarded by cached versions
	SlotDeoptimized                    // fell back to the generic path for good
)

// String returns the state name.
func (s SlotState) String() string {
	switch s {
	case SlotUnspecialized:
		return "unspecialized"
	case SlotSpecialized:
		return "specialized"
	case SlotDeoptimized:
		return "deoptimized"
	}
	return "?"
}

// SlotStateForInstruction derives the call site's state from the current
// opcode at nexti-1. A generic opcode in a quickened stream means the slot
// deoptimized (or never opted in).
func (co *CodeObject) SlotStateForInstruction(nexti int) SlotState {
	switch co.Instruction(nexti - 1).Opcode() {
	case OpLoadAttrAdaptive:
		return SlotUnspecialized
	case OpLoadAttrCached:
		return SlotSpecialized
	default:
		return SlotDeoptimized
	}
}

// ---------------------------------------------------------------------------
// Specialize / validate / deoptimize
// ---------------------------------------------------------------------------

// adaptiveSlot resolves the adaptive record's slot for the instruction at
// nexti, which must currently be in a quickened form.
func adaptiveSlot(co *CodeObject, nexti int) (*QuickenedBody, int, error) {
	body := co.Body()
	if body == nil {
		return nil, 0, fmt.Errorf("code object %s is not quickened", co)
	}
	u := body.Unit(nexti - 1)
	if _, ok := genericOpcodes[u.Opcode()]; !ok {
		return nil, 0, fmt.Errorf("instruction %s at nexti %d is not cache-addressed", u.Opcode(), nexti)
	}
	return body, body.SlotForInstruction(nexti, u.Arg()), nil
}

// SpecializeAttrLoad attempts to upgrade the adaptive attribute load at
// nexti to its guarded fast form, using the runtime owner observed by the
// execution loop. A failed attempt backs the slot's counter off and leaves
// the adaptive form in place; failure is never surfaced as an error.
func (e *Engine) SpecializeAttrLoad(co *CodeObject, nexti int, owner AttrOwner) (bool, error) {
	body, slot, err := adaptiveSlot(co, nexti)
	if err != nil {
		return false, err
	}
	if body.Unit(nexti-1).Opcode() != OpLoadAttrAdaptive {
		return false, nil
	}
	if !e.Adaptive {
		e.stats.Deferred++
		return false, nil
	}

	rec := body.Adaptive(slot)
	name := co.NameAt(int(rec.OriginalArg))
	guard, ok := attrGuard(owner, name)
	if !ok {
		cacheBackoff(body, slot)
		e.stats.Failure++
		return false, nil
	}

	body.SetAttrCache(slot+1, AttrCacheRecord{
		TypeVersion:       owner.TypeVersionTag(),
		DictVersionOrHint: guard,
	})
	body.SetUnit(nexti-1, MakeUnit(OpLoadAttrCached, body.Unit(nexti-1).Arg()))
	e.stats.Success++
	return true, nil
}

// ValidateAttrLoad re-checks a specialized attribute load's guards against
// the current runtime owner. A match is a hit; a mismatch records miss
// pressure and, once the counter saturates, permanently deoptimizes the
// call site.
func (e *Engine) ValidateAttrLoad(co *CodeObject, nexti int, owner AttrOwner) (bool, error) {
	body, slot, err := adaptiveSlot(co, nexti)
	if err != nil {
		return false, err
	}
	if body.Unit(nexti-1).Opcode() != OpLoadAttrCached {
		return false, fmt.Errorf("instruction at nexti %d is not specialized", nexti)
	}

	rec := body.Adaptive(slot)
	cache := body.AttrCache(slot + 1)
	name := co.NameAt(int(rec.OriginalArg))
	guard, ok := attrGuard(owner, name)
	if ok && owner.TypeVersionTag() == cache.TypeVersion && guard == cache.DictVersionOrHint {
		recordCacheHit(body, slot)
		e.stats.Hits++
		return true, nil
	}

	recordCacheMiss(body, slot)
	e.stats.Misses++
	if tooManyCacheMisses(body, slot) {
		if err := e.DeoptimizeSlot(co, nexti); err != nil {
			return false, err
		}
	}
	return false, nil
}

// DeoptimizeSlot reverts the call site at nexti to its generic instruction,
// restoring the preserved original operand. The slot is terminal after
// this; the instruction never re-enters the adaptive protocol.
func (e *Engine) DeoptimizeSlot(co *CodeObject, nexti int) error {
	body, slot, err := adaptiveSlot(co, nexti)
	if err != nil {
		return err
	}
	u := body.Unit(nexti - 1)
	rec := body.Adaptive(slot)
	body.SetUnit(nexti-1, MakeUnit(genericOpcodes[u.Opcode()], uint8(rec.OriginalArg)))
	e.stats.Deopts++

	e.log.Debugf("deoptimized %s at nexti %d after repeated guard misses", co, nexti)
	if e.store != nil {
		e.store.RecordDeopt(co.String(), nexti)
	}
	return nil
}
