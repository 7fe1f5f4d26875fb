package patchbay

import (
	"reflect"
	"strconv"
	"strings"
)

type (
	// MessageKind tells which of the four message variants a Message holds.
	MessageKind uint8

	// AtomKind tells if an Atom is a number or a symbol.
	AtomKind uint8

	// Atom is one element of a list message: either a float or a symbol.
	Atom struct {
		Kind   AtomKind
		Float  float32
		Symbol string
	}

	// Message is the tagged value passed between nodes, sent to the engine
	// from the control side, and emitted by the engine to subscribers. Only
	// the field matching Kind is meaningful.
	Message struct {
		Kind   MessageKind
		Float  float32
		Symbol string
		List   []Atom
	}

	// ScheduledMessage is a Message addressed to a channel, to be delivered
	// at an absolute time given in samples since the engine started. A
	// negative Time means "as soon as possible". Messages whose time is
	// already in the past are delivered at the start of the next block, they
	// are never dropped for being late.
	ScheduledMessage struct {
		Channel string
		Message Message
		Time    int64
	}
)

const (
	KindBang MessageKind = iota
	KindFloat
	KindSymbol
	KindList
)

const (
	AtomFloat AtomKind = iota
	AtomSymbol
)

// Unscheduled is the Time of a ScheduledMessage that should be delivered as
// soon as possible.
const Unscheduled int64 = -1

// PrintChannel is the channel on which print nodes emit their messages. The
// channel name starts with '#' so it cannot clash with names written in
// patches.
const PrintChannel = "#print"

// Bang returns a bang message.
func Bang() Message { return Message{Kind: KindBang} }

// Float returns a float message.
func Float(f float32) Message { return Message{Kind: KindFloat, Float: f} }

// Symbol returns a symbol message.
func Symbol(s string) Message { return Message{Kind: KindSymbol, Symbol: s} }

// List returns a list message. The atoms are not copied.
func List(atoms ...Atom) Message { return Message{Kind: KindList, List: atoms} }

// FloatAtom returns a numeric atom.
func FloatAtom(f float32) Atom { return Atom{Kind: AtomFloat, Float: f} }

// SymbolAtom returns a symbol atom.
func SymbolAtom(s string) Atom { return Atom{Kind: AtomSymbol, Symbol: s} }

// ParseAtom converts a textual token into an atom: tokens that parse as a
// number become floats, everything else becomes a symbol.
func ParseAtom(s string) Atom {
	if f, err := strconv.ParseFloat(s, 32); err == nil {
		return FloatAtom(float32(f))
	}
	return SymbolAtom(s)
}

// FromValue projects an arbitrary Go value into a Message: numbers become
// floats, strings become symbols, slices and arrays become lists (elements
// that are neither numeric nor textual are dropped), and anything else,
// including nil and booleans, becomes a bang.
func FromValue(v any) Message {
	switch x := v.(type) {
	case Message:
		return x
	case string:
		return Symbol(x)
	case []Atom:
		return List(append([]Atom(nil), x...)...)
	case []any:
		atoms := make([]Atom, 0, len(x))
		for _, e := range x {
			if a, ok := atomFromValue(e); ok {
				atoms = append(atoms, a)
			}
		}
		return List(atoms...)
	case []float32:
		atoms := make([]Atom, len(x))
		for i, f := range x {
			atoms[i] = FloatAtom(f)
		}
		return List(atoms...)
	case []float64:
		atoms := make([]Atom, len(x))
		for i, f := range x {
			atoms[i] = FloatAtom(float32(f))
		}
		return List(atoms...)
	case []string:
		atoms := make([]Atom, len(x))
		for i, s := range x {
			atoms[i] = SymbolAtom(s)
		}
		return List(atoms...)
	}
	if f, ok := toFloat(v); ok {
		return Float(f)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		atoms := make([]Atom, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if a, ok := atomFromValue(rv.Index(i).Interface()); ok {
				atoms = append(atoms, a)
			}
		}
		return List(atoms...)
	}
	return Bang()
}

func atomFromValue(v any) (Atom, bool) {
	if s, ok := v.(string); ok {
		return SymbolAtom(s), true
	}
	if f, ok := toFloat(v); ok {
		return FloatAtom(f), true
	}
	return Atom{}, false
}

func toFloat(v any) (float32, bool) {
	switch x := v.(type) {
	case float32:
		return x, true
	case float64:
		return float32(x), true
	case int:
		return float32(x), true
	case int8:
		return float32(x), true
	case int16:
		return float32(x), true
	case int32:
		return float32(x), true
	case int64:
		return float32(x), true
	case uint:
		return float32(x), true
	case uint8:
		return float32(x), true
	case uint16:
		return float32(x), true
	case uint32:
		return float32(x), true
	case uint64:
		return float32(x), true
	}
	return 0, false
}

// Value converts the message back into a plain Go value: nil for bang,
// float64 for float, string for symbol and []any for list.
func (m Message) Value() any {
	switch m.Kind {
	case KindFloat:
		return float64(m.Float)
	case KindSymbol:
		return m.Symbol
	case KindList:
		ret := make([]any, len(m.List))
		for i, a := range m.List {
			ret[i] = a.Value()
		}
		return ret
	}
	return nil
}

// Value returns float64 or string, depending on the kind of the atom.
func (a Atom) Value() any {
	if a.Kind == AtomSymbol {
		return a.Symbol
	}
	return float64(a.Float)
}

// FloatValue returns the number carried by a float message, or by the first
// element of a list message.
func (m Message) FloatValue() (float32, bool) {
	switch m.Kind {
	case KindFloat:
		return m.Float, true
	case KindList:
		if len(m.List) > 0 && m.List[0].Kind == AtomFloat {
			return m.List[0].Float, true
		}
	}
	return 0, false
}

// SymbolValue returns the text carried by a symbol message, or by the first
// element of a list message.
func (m Message) SymbolValue() (string, bool) {
	switch m.Kind {
	case KindSymbol:
		return m.Symbol, true
	case KindList:
		if len(m.List) > 0 && m.List[0].Kind == AtomSymbol {
			return m.List[0].Symbol, true
		}
	}
	return "", false
}

func (a Atom) String() string {
	if a.Kind == AtomSymbol {
		return a.Symbol
	}
	return strconv.FormatFloat(float64(a.Float), 'g', -1, 32)
}

func (m Message) String() string {
	switch m.Kind {
	case KindFloat:
		return strconv.FormatFloat(float64(m.Float), 'g', -1, 32)
	case KindSymbol:
		return "symbol " + m.Symbol
	case KindList:
		var b strings.Builder
		for i, a := range m.List {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(a.String())
		}
		return b.String()
	}
	return "bang"
}

func (k MessageKind) String() string {
	switch k {
	case KindBang:
		return "bang"
	case KindFloat:
		return "float"
	case KindSymbol:
		return "symbol"
	case KindList:
		return "list"
	}
	return "unknown"
}

// Equal reports whether two messages have the same kind and payload.
func (m Message) Equal(o Message) bool {
	if m.Kind != o.Kind {
		return false
	}
	switch m.Kind {
	case KindFloat:
		return m.Float == o.Float
	case KindSymbol:
		return m.Symbol == o.Symbol
	case KindList:
		if len(m.List) != len(o.List) {
			return false
		}
		for i := range m.List {
			if m.List[i] != o.List[i] {
				return false
			}
		}
	}
	return true
}
