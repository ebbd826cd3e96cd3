package vm

import (
	"strings"
	"testing"
)

func TestDisassembleColdUnit(t *testing.T) {
	co := attrLoadCode(t, 0, []string{"x"})
	out := co.Disassemble()
	for _, want := range []string{
		"; === attr_test.ql:getAttr ===",
		"LOAD_LOCAL",
		"LOAD_ATTR",
		"RETURN",
		";   [  0] x",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "quickened") {
		t.Errorf("cold unit reported as quickened:\n%s", out)
	}
}

func TestDisassembleQuickenedUnit(t *testing.T) {
	e := NewEngine()
	co := attrLoadCode(t, 0, []string{"x"})
	warmUp(t, e, co)
	out := co.Disassemble()
	for _, want := range []string{
		"; quickened: 3 cache slots",
		"LOAD_ATTR_ADAPTIVE",
		"slot 1, orig arg 0, counter 0xF8, unspecialized",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}
}

func TestDisassembleDehydratedUnit(t *testing.T) {
	c, err := OpenContainer(buildTestContainer(t))
	if err != nil {
		t.Fatalf("OpenContainer: %v", err)
	}
	co, err := c.NewDehydrated(0)
	if err != nil {
		t.Fatalf("NewDehydrated: %v", err)
	}
	if out := co.Disassemble(); !strings.Contains(out, "(dehydrated)") {
		t.Errorf("listing missing dehydrated marker:\n%s", out)
	}
}

func TestDisassembleUnits(t *testing.T) {
	out := DisassembleUnits([]CodeUnit{MakeUnit(OpLoadConst, 5), MakeUnit(OpReturn, 0)})
	if !strings.Contains(out, "0000  LOAD_CONST") || !strings.Contains(out, "0001  RETURN") {
		t.Errorf("listing:\n%s", out)
	}
}
