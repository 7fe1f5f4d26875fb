package vm

import (
	"github.com/vsariola/patchbay"
)

type (
	loadbang struct{ noMessages }

	receive struct{ channel string }

	send struct{ channel string }

	printer struct{ prefix string }

	// number stores a number: bang outputs it, a number on the left inlet
	// replaces and outputs it, a number on the right inlet only replaces it.
	number struct{ value float32 }

	// binop is the family of arithmetic nodes. The right operand is "cold":
	// it is stored but triggers nothing.
	binop struct {
		op          func(a, b float32) float32
		left, right float32
	}

	// selector bangs the outlet of the first argument equal to the input, or
	// passes the input through its last outlet if nothing matches.
	selector struct {
		match []patchbay.Atom
	}

	metro struct {
		interval float64 // samples
		on       bool
	}

	delay struct {
		delay float64 // samples
	}

	tabread struct{ name string }

	tabwrite struct {
		name  string
		index int
	}

	// passthrough implements inlet and outlet, which mark the message ports
	// of an abstraction.
	passthrough struct{}
)

func (loadbang) Load(c *Context) {
	c.Outlet(0, patchbay.Bang())
}

func (r *receive) Channel() string { return r.channel }

func (r *receive) Message(c *Context, _ int, m patchbay.Message) {
	c.Outlet(0, m)
}

func (s *send) Message(c *Context, _ int, m patchbay.Message) {
	c.Send(s.channel, m)
}

func (p *printer) Message(c *Context, _ int, m patchbay.Message) {
	c.Print(p.prefix, m)
}

func (f *number) Message(c *Context, inlet int, m patchbay.Message) {
	if inlet == 1 {
		if v, ok := m.FloatValue(); ok {
			f.value = v
		}
		return
	}
	if m.Kind != patchbay.KindBang {
		v, ok := m.FloatValue()
		if !ok {
			return
		}
		f.value = v
	}
	c.Outlet(0, patchbay.Float(f.value))
}

func (b *binop) Message(c *Context, inlet int, m patchbay.Message) {
	if inlet == 1 {
		if v, ok := m.FloatValue(); ok {
			b.right = v
		}
		return
	}
	switch m.Kind {
	case patchbay.KindBang:
	case patchbay.KindFloat:
		b.left = m.Float
	case patchbay.KindList:
		if len(m.List) > 0 && m.List[0].Kind == patchbay.AtomFloat {
			b.left = m.List[0].Float
		}
		if len(m.List) > 1 && m.List[1].Kind == patchbay.AtomFloat {
			b.right = m.List[1].Float
		}
	default:
		return
	}
	c.Outlet(0, patchbay.Float(b.op(b.left, b.right)))
}

func (s *selector) Message(c *Context, inlet int, m patchbay.Message) {
	if inlet == 1 {
		if v, ok := m.FloatValue(); ok {
			s.match[0] = patchbay.FloatAtom(v)
		} else if v, ok := m.SymbolValue(); ok {
			s.match[0] = patchbay.SymbolAtom(v)
		}
		return
	}
	for i, a := range s.match {
		if a.Kind == patchbay.AtomFloat && m.Kind == patchbay.KindFloat && m.Float == a.Float ||
			a.Kind == patchbay.AtomSymbol && m.Kind == patchbay.KindSymbol && m.Symbol == a.Symbol {
			c.Outlet(i, patchbay.Bang())
			return
		}
	}
	c.Outlet(len(s.match), m)
}

func (t *metro) Message(c *Context, inlet int, m patchbay.Message) {
	if inlet == 1 {
		if v, ok := m.FloatValue(); ok {
			t.interval = clampInterval(c.Env().MsToSamples(float64(v)), c.Env())
		}
		return
	}
	switch m.Kind {
	case patchbay.KindBang:
		t.start(c)
	case patchbay.KindFloat:
		if m.Float != 0 {
			t.start(c)
		} else {
			t.stop(c)
		}
	case patchbay.KindSymbol:
		if m.Symbol == "stop" {
			t.stop(c)
		}
	}
}

func (t *metro) start(c *Context) {
	t.on = true
	t.Tick(c)
}

func (t *metro) stop(c *Context) {
	t.on = false
	c.UnsetClock()
}

func (t *metro) Tick(c *Context) {
	if !t.on {
		return
	}
	c.SetClock(t.interval)
	c.Outlet(0, patchbay.Bang())
}

func (d *delay) Message(c *Context, inlet int, m patchbay.Message) {
	if inlet == 1 {
		if v, ok := m.FloatValue(); ok {
			d.delay = max(c.Env().MsToSamples(float64(v)), 0)
		}
		return
	}
	switch m.Kind {
	case patchbay.KindBang:
		c.SetClock(d.delay)
	case patchbay.KindFloat:
		d.delay = max(c.Env().MsToSamples(float64(m.Float)), 0)
		c.SetClock(d.delay)
	case patchbay.KindSymbol:
		if m.Symbol == "stop" {
			c.UnsetClock()
		}
	}
}

func (d *delay) Tick(c *Context) {
	c.Outlet(0, patchbay.Bang())
}

func (t *tabread) Message(c *Context, _ int, m patchbay.Message) {
	v, ok := m.FloatValue()
	if !ok {
		return
	}
	a, ok := c.Array(t.name)
	if !ok || !a.TryLock() {
		return
	}
	data := a.Samples()
	if len(data) == 0 {
		a.Unlock()
		return
	}
	s := data[min(max(int(v), 0), len(data)-1)]
	a.Unlock()
	c.Outlet(0, patchbay.Float(s))
}

func (t *tabwrite) Message(c *Context, inlet int, m patchbay.Message) {
	v, ok := m.FloatValue()
	if !ok {
		return
	}
	if inlet == 1 {
		t.index = max(int(v), 0)
		return
	}
	a, ok := c.Array(t.name)
	if !ok || !a.TryLock() {
		return
	}
	if data := a.Samples(); len(data) > 0 {
		data[min(t.index, len(data)-1)] = v
	}
	a.Unlock()
}

func (passthrough) Message(c *Context, _ int, m patchbay.Message) {
	c.Outlet(0, m)
}

func clampInterval(samples float64, env *Env) float64 {
	return max(samples, env.MsToSamples(0.01), 1)
}
