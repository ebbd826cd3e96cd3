package vm

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *StatsStore {
	t.Helper()
	store, err := OpenStatsStore(filepath.Join(t.TempDir(), "stats.db"))
	if err != nil {
		t.Fatalf("OpenStatsStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStatsStoreRecordsEvents(t *testing.T) {
	store := openTestStore(t)
	store.RecordQuickened("demo.ql:answer", 2, 0)
	store.RecordQuickened("demo.ql:getAttr", 3, 3)
	store.RecordDeopt("demo.ql:getAttr", 2)

	events, err := store.Events()
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Event != "quickened" || events[0].Unit != "demo.ql:answer" || events[0].Units != 2 {
		t.Errorf("event 0: %+v", events[0])
	}
	if events[1].Detail != 3 {
		t.Errorf("event 1 slot count: %+v", events[1])
	}
	if events[2].Event != "deopt" || events[2].Detail != 2 {
		t.Errorf("event 2: %+v", events[2])
	}
	if events[0].At.IsZero() {
		t.Error("event timestamp not recorded")
	}
}

func TestEngineWritesToAttachedStore(t *testing.T) {
	store := openTestStore(t)
	e := NewEngine()
	e.AttachStatsStore(store)

	co := attrLoadCode(t, 0, []string{"x"})
	warmUp(t, e, co)

	owner := &testOwner{typeVersion: 1, dictVersion: 1, versioned: true}
	if ok, err := e.SpecializeAttrLoad(co, 2, owner); !ok || err != nil {
		t.Fatalf("SpecializeAttrLoad: ok=%t err=%v", ok, err)
	}
	if err := e.DeoptimizeSlot(co, 2); err != nil {
		t.Fatalf("DeoptimizeSlot: %v", err)
	}

	events, err := store.Events()
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want quicken + deopt", len(events))
	}
	if events[0].Event != "quickened" || events[1].Event != "deopt" {
		t.Errorf("events: %+v", events)
	}
	if events[0].Unit != "attr_test.ql:getAttr" {
		t.Errorf("event unit: %q", events[0].Unit)
	}
}
