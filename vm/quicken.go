package vm

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"
)

// Warmup and quickening policy. Values are compared against zero in the hot
// path, so the counter starts at the negative delay.
const (
	QuickeningWarmupDelay        = 8
	QuickeningInitialWarmupValue = -QuickeningWarmupDelay

	// MaxUnitsToQuicken bounds worst-case cache memory: streams longer than
	// this never quicken.
	MaxUnitsToQuicken = 5000
)

// ErrNotHydrated is returned when a dehydrated unit is asked to quicken.
var ErrNotHydrated = errors.New("code object is not hydrated")

// Engine holds the process-scoped tuning state shared by all compiled
// units: diagnostics counters, specialization statistics, and optional
// stats persistence. It is explicit state passed by the host, not a
// singleton, so cores can be tested in isolation.
//
// Engine methods that mutate a CodeObject inherit that unit's
// single-active-executor precondition.
type Engine struct {
	log   commonlog.Logger
	stats SpecializationStats
	store *StatsStore

	quickenedCount int64

	// Adaptive disables specialization attempts (not quickening) when false.
	Adaptive bool
}

// NewEngine creates an engine with adaptive specialization enabled.
func NewEngine() *Engine {
	return &Engine{
		log:      commonlog.GetLogger("quill.engine"),
		Adaptive: true,
	}
}

// AttachStatsStore directs quickening and deoptimization outcomes to a
// persistent store. Pass nil to detach.
func (e *Engine) AttachStatsStore(store *StatsStore) {
	e.store = store
}

// Stats returns a snapshot of the engine's specialization statistics.
func (e *Engine) Stats() SpecializationStats {
	return e.stats
}

// QuickenedCount returns the number of units this engine has quickened.
func (e *Engine) QuickenedCount() int64 {
	return e.quickenedCount
}

// ---------------------------------------------------------------------------
// Warmup
// ---------------------------------------------------------------------------

// IncrementWarmup records one invocation of a cold unit.
func (co *CodeObject) IncrementWarmup() {
	if co.state == warmCold {
		co.warmup++
	}
}

// IsWarmedUp reports whether the unit has reached the quickening trigger.
func (co *CodeObject) IsWarmedUp() bool {
	return co.state == warmCold && co.warmup == 0
}

// WarmupTick records one invocation and quickens the unit if it just
// reached the trigger. Returns true when this call performed quickening.
func (e *Engine) WarmupTick(co *CodeObject) (bool, error) {
	co.IncrementWarmup()
	if !co.IsWarmedUp() {
		return false, nil
	}
	if err := e.Quicken(co); err != nil {
		return false, err
	}
	return co.IsQuickened(), nil
}

// ---------------------------------------------------------------------------
// Quickening
// ---------------------------------------------------------------------------

// cacheAssignment records one instruction's slot assignment from the layout
// scan: the unit index, the first slot offset it owns, the operand byte
// that addresses it, and the number of slots.
type cacheAssignment struct {
	unit    int
	offset  int
	arg     int
	entries int
}

// planCacheLayout scans a generic stream once and assigns cache slots to
// every instruction that opts in, packing slots densely while honoring the
// addressing relation. Instructions whose correction term would exceed the
// operand range keep their generic form.
func planCacheLayout(code []CodeUnit) (int, []cacheAssignment) {
	nextFree := 0
	var assignments []cacheAssignment
	for i, u := range code {
		need := u.Opcode().CacheEntries()
		if need == 0 {
			continue
		}
		nexti := i + 1
		offset := nextFree
		if min := OffsetFromArg(0, nexti); offset < min {
			offset = min
		}
		arg := ArgFromOffset(offset, nexti)
		if arg > 255 {
			// Out of addressing range this far into a dense stream; the
			// instruction stays generic.
			continue
		}
		assignments = append(assignments, cacheAssignment{
			unit:    i,
			offset:  offset,
			arg:     arg,
			entries: need,
		})
		nextFree = offset + need
	}
	return nextFree, assignments
}

// Quicken performs the one-shot rewrite of a warmed-up unit: it sizes and
// allocates the cache slot store, rewrites each participating instruction
// to its adaptive form with the operand byte repurposed as a cache offset,
// and stashes the original operand in the slot's adaptive record. Calling
// it on an already-quickened or too-large unit is a no-op.
func (e *Engine) Quicken(co *CodeObject) error {
	if !co.IsHydrated() {
		return fmt.Errorf("cannot quicken %s: %w", co, ErrNotHydrated)
	}
	if co.state != warmCold {
		return nil
	}
	if len(co.code) > MaxUnitsToQuicken {
		co.state = warmTooLarge
		e.log.Debugf("skipping quickening of %s: %d units exceeds ceiling %d",
			co, len(co.code), MaxUnitsToQuicken)
		return nil
	}

	slotCount, assignments := planCacheLayout(co.code)
	body := newQuickenedBody(co.code, slotCount)
	for _, a := range assignments {
		u := body.Unit(a.unit)
		body.SetUnit(a.unit, MakeUnit(adaptiveOpcodes[u.Opcode()], uint8(a.arg)))
		body.SetAdaptive(a.offset, AdaptiveRecord{
			OriginalArg: SemanticArg(u.Arg()),
			Counter:     saturatingStart(),
		})
	}

	co.body = body
	co.code = nil
	co.state = warmQuick
	e.quickenedCount++

	e.log.Debugf("quickened %s: %d units, %d cache slots", co, body.NumUnits(), slotCount)
	if e.store != nil {
		e.store.RecordQuickened(co.String(), body.NumUnits(), slotCount)
	}
	return nil
}
