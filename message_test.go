package patchbay_test

import (
	"testing"

	"github.com/vsariola/patchbay"
)

func TestFromValue(t *testing.T) {
	type point struct{ X, Y int }
	cases := []struct {
		name  string
		value any
		want  patchbay.Message
	}{
		{"nil", nil, patchbay.Bang()},
		{"bool", true, patchbay.Bang()},
		{"struct", point{1, 2}, patchbay.Bang()},
		{"int", 42, patchbay.Float(42)},
		{"uint8", uint8(7), patchbay.Float(7)},
		{"float64", 2.5, patchbay.Float(2.5)},
		{"string", "x", patchbay.Symbol("x")},
		{"mixed list", []any{"a", 1, true, 2.5}, patchbay.List(patchbay.SymbolAtom("a"), patchbay.FloatAtom(1), patchbay.FloatAtom(2.5))},
		{"float slice", []float32{1, 2}, patchbay.List(patchbay.FloatAtom(1), patchbay.FloatAtom(2))},
		{"string slice", []string{"a", "b"}, patchbay.List(patchbay.SymbolAtom("a"), patchbay.SymbolAtom("b"))},
		{"int array", [2]int{3, 4}, patchbay.List(patchbay.FloatAtom(3), patchbay.FloatAtom(4))},
		{"empty list", []any{}, patchbay.List()},
		{"message", patchbay.Symbol("m"), patchbay.Symbol("m")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := patchbay.FromValue(c.value); !got.Equal(c.want) {
				t.Fatalf("FromValue(%#v) = %v (%v), want %v (%v)", c.value, got, got.Kind, c.want, c.want.Kind)
			}
		})
	}
}

func TestMessageString(t *testing.T) {
	cases := []struct {
		msg  patchbay.Message
		want string
	}{
		{patchbay.Bang(), "bang"},
		{patchbay.Float(0.5), "0.5"},
		{patchbay.Symbol("foo"), "symbol foo"},
		{patchbay.List(patchbay.FloatAtom(1), patchbay.SymbolAtom("b")), "1 b"},
	}
	for _, c := range cases {
		if got := c.msg.String(); got != c.want {
			t.Errorf("String() = %q, want %q", got, c.want)
		}
	}
}

func TestMessageAccessors(t *testing.T) {
	l := patchbay.List(patchbay.FloatAtom(3), patchbay.SymbolAtom("x"))
	if f, ok := l.FloatValue(); !ok || f != 3 {
		t.Errorf("FloatValue = %v, %v", f, ok)
	}
	if _, ok := l.SymbolValue(); ok {
		t.Error("list starting with a float has no symbol value")
	}
	if s, ok := patchbay.Symbol("y").SymbolValue(); !ok || s != "y" {
		t.Errorf("SymbolValue = %v, %v", s, ok)
	}
	if v, ok := patchbay.Float(2).Value().(float64); !ok || v != 2 {
		t.Errorf("Value = %v", patchbay.Float(2).Value())
	}
	if patchbay.Bang().Value() != nil {
		t.Error("bang should have no value")
	}
	if patchbay.ParseAtom("1e3") != patchbay.FloatAtom(1000) || patchbay.ParseAtom("$0-x") != patchbay.SymbolAtom("$0-x") {
		t.Error("ParseAtom")
	}
}
