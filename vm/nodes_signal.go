package vm

import (
	"math"

	"github.com/viterin/vek/vek32"
	"github.com/vsariola/patchbay"
)

type (
	// event is a message that takes effect at a sample offset inside the next
	// block. time < 0 means stop.
	event struct {
		offset int
		value  float32
		time   float32
	}

	// events is a fixed size queue of events for one block. When it
	// overflows, the last event is replaced, so the final state of the block
	// is still right.
	events struct {
		buf [16]event
		n   int
	}

	oscillator struct {
		freq   float32
		phase  float64
		conv   float64
		cosine bool
	}

	noise struct {
		seed int32
	}

	sigValue struct {
		value float32
		ev    events
	}

	line struct {
		cur, target, inc float64
		remaining        int
		rampMs           float32
		msToSamples      float64
		ev               events
	}

	sigop struct {
		op          byte
		left, right float32
	}

	clip struct {
		lo, hi float32
	}

	lop struct {
		coef, y float32
		conv    float32
	}

	delay1 struct {
		noMessages
		state []float32
	}

	adc struct {
		noMessages
		channels []int
	}

	dac struct {
		noMessages
		channels []int
	}

	tabplay struct {
		name string
		pos  int
		ev   events
	}

	tabwritesig struct {
		name string
		pos  int
		ev   events
	}

	snapshot struct {
		last float32
	}

	envelope struct {
		noMessages
		sums   []float32
		idx    int
		count  int
		period int
		db     float32
	}

	// sigpass implements inlet~ and outlet~, which mark the signal ports of
	// an abstraction.
	sigpass struct{ noMessages }
)

func (e *events) add(ev event) {
	if e.n == len(e.buf) {
		e.buf[e.n-1] = ev
		return
	}
	e.buf[e.n] = ev
	e.n++
}

func (o *oscillator) Message(c *Context, inlet int, m patchbay.Message) {
	v, ok := m.FloatValue()
	if !ok {
		return
	}
	if inlet == 0 {
		o.freq = v
		return
	}
	o.phase = float64(v) - math.Floor(float64(v))
}

func (o *oscillator) Process(b *Block) {
	out, in := b.Out[0], b.In[0]
	connected := b.Connected[0]
	for i := range out {
		f := o.freq
		if connected {
			f = in[i]
		}
		if o.cosine {
			out[i] = float32(math.Cos(2 * math.Pi * o.phase))
		} else {
			out[i] = float32(o.phase)
		}
		o.phase += float64(f) * o.conv
		o.phase -= math.Floor(o.phase)
	}
}

func (n *noise) Message(c *Context, _ int, m patchbay.Message) {
	if v, ok := m.FloatValue(); ok {
		n.seed = int32(v)
	}
}

func (n *noise) Process(b *Block) {
	out := b.Out[0]
	for i := range out {
		n.seed = n.seed*435898247 + 382842987
		out[i] = float32((n.seed&0x7fffffff)-0x40000000) * (1.0 / 0x40000000)
	}
}

func (s *sigValue) Message(c *Context, _ int, m patchbay.Message) {
	if v, ok := m.FloatValue(); ok {
		s.ev.add(event{offset: c.Offset(), value: v})
	}
}

func (s *sigValue) Process(b *Block) {
	out := b.Out[0]
	k := 0
	for i := range out {
		for k < s.ev.n && s.ev.buf[k].offset <= i {
			s.value = s.ev.buf[k].value
			k++
		}
		out[i] = s.value
	}
	for ; k < s.ev.n; k++ {
		s.value = s.ev.buf[k].value
	}
	s.ev.n = 0
}

func (l *line) Message(c *Context, inlet int, m patchbay.Message) {
	if inlet == 1 {
		if v, ok := m.FloatValue(); ok {
			l.rampMs = v
		}
		return
	}
	switch m.Kind {
	case patchbay.KindFloat:
		l.ev.add(event{offset: c.Offset(), value: m.Float, time: l.rampMs})
		l.rampMs = 0
	case patchbay.KindList:
		v, ok := m.FloatValue()
		if !ok {
			return
		}
		t := float32(0)
		if len(m.List) > 1 && m.List[1].Kind == patchbay.AtomFloat {
			t = m.List[1].Float
		}
		l.ev.add(event{offset: c.Offset(), value: v, time: t})
		l.rampMs = 0
	case patchbay.KindSymbol:
		if m.Symbol == "stop" {
			l.ev.add(event{offset: c.Offset(), time: -1})
		}
	}
}

func (l *line) apply(ev event) {
	if ev.time < 0 {
		l.target, l.remaining = l.cur, 0
		return
	}
	n := int(float64(ev.time) * l.msToSamples)
	if n <= 0 {
		l.cur, l.target, l.remaining = float64(ev.value), float64(ev.value), 0
		return
	}
	l.target = float64(ev.value)
	l.inc = (l.target - l.cur) / float64(n)
	l.remaining = n
}

func (l *line) Process(b *Block) {
	out := b.Out[0]
	k := 0
	for i := range out {
		for k < l.ev.n && l.ev.buf[k].offset <= i {
			l.apply(l.ev.buf[k])
			k++
		}
		out[i] = float32(l.cur)
		if l.remaining > 0 {
			l.remaining--
			if l.remaining == 0 {
				l.cur = l.target
			} else {
				l.cur += l.inc
			}
		}
	}
	for ; k < l.ev.n; k++ {
		l.apply(l.ev.buf[k])
	}
	l.ev.n = 0
}

func (s *sigop) Message(c *Context, inlet int, m patchbay.Message) {
	v, ok := m.FloatValue()
	if !ok {
		return
	}
	if inlet == 0 {
		s.left = v
	} else {
		s.right = v
	}
}

func (s *sigop) Process(b *Block) {
	out := b.Out[0]
	if b.Connected[0] {
		copy(out, b.In[0])
	} else {
		fill(out, s.left)
	}
	if b.Connected[1] {
		r := b.In[1]
		switch s.op {
		case '+':
			vek32.Add_Inplace(out, r)
		case '-':
			vek32.Sub_Inplace(out, r)
		case '*':
			vek32.Mul_Inplace(out, r)
		}
		return
	}
	switch s.op {
	case '+':
		vek32.AddNumber_Inplace(out, s.right)
	case '-':
		vek32.AddNumber_Inplace(out, -s.right)
	case '*':
		vek32.MulNumber_Inplace(out, s.right)
	}
}

func (cl *clip) Message(c *Context, inlet int, m patchbay.Message) {
	v, ok := m.FloatValue()
	if !ok {
		return
	}
	switch inlet {
	case 1:
		cl.lo = v
	case 2:
		cl.hi = v
	}
}

func (cl *clip) Process(b *Block) {
	out, in := b.Out[0], b.In[0]
	for i := range out {
		out[i] = min(max(in[i], cl.lo), cl.hi)
	}
}

func (l *lop) Message(c *Context, inlet int, m patchbay.Message) {
	if v, ok := m.FloatValue(); ok && inlet == 1 {
		l.setFreq(v)
	}
}

func (l *lop) setFreq(hz float32) {
	l.coef = min(max(hz*l.conv, 0), 1)
}

func (l *lop) Process(b *Block) {
	out, in := b.Out[0], b.In[0]
	y, coef := l.y, l.coef
	for i := range out {
		y += coef * (in[i] - y)
		out[i] = y
	}
	if math.IsNaN(float64(y)) || math.IsInf(float64(y), 0) {
		y = 0
	}
	l.y = y
}

func (d *delay1) Publish(b *Block) {
	copy(b.Out[0], d.state)
}

func (d *delay1) Process(b *Block) {
	copy(d.state, b.In[0])
}

func (a *adc) Process(b *Block) {
	for k, ch := range a.channels {
		out := b.Out[k]
		if in := b.Ctx.Input(ch - 1); in != nil {
			copy(out, in)
		} else {
			clear(out)
		}
	}
}

func (d *dac) Process(b *Block) {
	for k, ch := range d.channels {
		if !b.Connected[k] {
			continue
		}
		if out := b.Ctx.Output(ch - 1); out != nil {
			vek32.Add_Inplace(out, b.In[k])
		}
	}
}

func (t *tabplay) Message(c *Context, _ int, m patchbay.Message) {
	switch m.Kind {
	case patchbay.KindBang:
		t.ev.add(event{offset: c.Offset()})
	case patchbay.KindFloat, patchbay.KindList:
		v, _ := m.FloatValue()
		t.ev.add(event{offset: c.Offset(), value: max(v, 0)})
	case patchbay.KindSymbol:
		if m.Symbol == "stop" {
			t.ev.add(event{offset: c.Offset(), time: -1})
		}
	}
}

func (t *tabplay) Process(b *Block) {
	out := b.Out[0]
	clear(out)
	a, ok := b.Ctx.Array(t.name)
	if !ok {
		t.pos = -1
		t.ev.n = 0
		return
	}
	locked := a.TryLock()
	var data []float32
	if locked {
		data = a.Samples()
		defer a.Unlock()
	}
	k := 0
	for i := range out {
		for k < t.ev.n && t.ev.buf[k].offset <= i {
			if ev := t.ev.buf[k]; ev.time < 0 {
				t.pos = -1
			} else {
				t.pos = int(ev.value)
			}
			k++
		}
		if t.pos < 0 {
			continue
		}
		if !locked {
			t.pos++
			continue
		}
		if t.pos >= len(data) {
			t.pos = -1
			b.Ctx.SetClock(0)
			continue
		}
		out[i] = data[t.pos]
		t.pos++
	}
	t.ev.n = 0
	if locked && t.pos >= len(data) {
		t.pos = -1
		b.Ctx.SetClock(0)
	}
}

// Tick reports the end of playback on the right outlet.
func (t *tabplay) Tick(c *Context) {
	c.Outlet(1, patchbay.Bang())
}

func (t *tabwritesig) Message(c *Context, _ int, m patchbay.Message) {
	switch m.Kind {
	case patchbay.KindBang:
		t.ev.add(event{offset: c.Offset()})
	case patchbay.KindFloat:
		t.ev.add(event{offset: c.Offset(), value: max(m.Float, 0)})
	case patchbay.KindSymbol:
		if m.Symbol == "stop" {
			t.ev.add(event{offset: c.Offset(), time: -1})
		}
	}
}

func (t *tabwritesig) Process(b *Block) {
	in := b.In[0]
	a, ok := b.Ctx.Array(t.name)
	if !ok {
		t.pos = -1
		t.ev.n = 0
		return
	}
	locked := a.TryLock()
	var data []float32
	if locked {
		data = a.Samples()
		defer a.Unlock()
	}
	k := 0
	for i := range in {
		for k < t.ev.n && t.ev.buf[k].offset <= i {
			if ev := t.ev.buf[k]; ev.time < 0 {
				t.pos = -1
			} else {
				t.pos = int(ev.value)
			}
			k++
		}
		if t.pos < 0 {
			continue
		}
		if locked {
			if t.pos >= len(data) {
				t.pos = -1
				continue
			}
			data[t.pos] = in[i]
		}
		t.pos++
	}
	t.ev.n = 0
}

func (s *snapshot) Message(c *Context, _ int, m patchbay.Message) {
	if m.Kind == patchbay.KindBang {
		c.Outlet(0, patchbay.Float(s.last))
	}
}

func (s *snapshot) Process(b *Block) {
	in := b.In[0]
	s.last = in[len(in)-1]
}

func (e *envelope) Process(b *Block) {
	in := b.In[0]
	e.sums[e.idx] = vek32.Dot(in, in)
	e.idx = (e.idx + 1) % len(e.sums)
	e.count++
	if e.count < e.period {
		return
	}
	e.count = 0
	var total float32
	for _, s := range e.sums {
		total += s
	}
	ms := float64(total) / float64(len(e.sums)*len(in))
	e.db = 0
	if ms > 0 {
		e.db = float32(max(100+10*math.Log10(ms), 0))
	}
	b.Ctx.SetClockAt(float64(b.Ctx.BlockStart() + int64(len(in))))
}

func (e *envelope) Tick(c *Context) {
	c.Outlet(0, patchbay.Float(e.db))
}

func (sigpass) Process(b *Block) {
	copy(b.Out[0], b.In[0])
}

func fill(s []float32, v float32) {
	for i := range s {
		s[i] = v
	}
}
