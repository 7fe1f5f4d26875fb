package vm

import (
	"github.com/vsariola/patchbay"
	"github.com/vsariola/patchbay/arrays"
)

type (
	// Node is the state of one object of a running patch. Every node can
	// receive messages on its inlets; the optional interfaces below add the
	// other capabilities. Methods are called on the audio thread and must not
	// block or allocate.
	Node interface {
		Message(c *Context, inlet int, m patchbay.Message)
	}

	// Processor is a node that does signal processing once per block.
	Processor interface {
		Process(b *Block)
	}

	// Feedback is a unit delay: Publish is called at the start of every block,
	// before any other node, and should write the input captured by the
	// previous Process to the outlets.
	Feedback interface {
		Processor
		Publish(b *Block)
	}

	// Loader nodes are triggered once, on the first block after the program
	// has become active.
	Loader interface {
		Load(c *Context)
	}

	// Ticker nodes are called when the clock set with Context.SetClock
	// expires.
	Ticker interface {
		Tick(c *Context)
	}

	// Receiver nodes get every message sent to the channel they return.
	Receiver interface {
		Channel() string
	}

	// Opener nodes acquire shared resources when the program is built, on the
	// control side.
	Opener interface {
		Open(env *Env) error
	}

	// Closer nodes release what Opener acquired, on the control side, after
	// the program has been removed from the active set.
	Closer interface {
		Close(env *Env)
	}

	// Env is the environment a program is built in.
	Env struct {
		SampleRate     float64
		BlockSize      int
		InputChannels  int
		OutputChannels int
		DollarZero     int
		Arrays         *arrays.Store
	}

	// Block is the signal view of one node for one block. In and Out are
	// indexed by port; message ports have nil buffers. In buffers belong to
	// other nodes and must not be written. An unconnected signal inlet reads
	// zeros and has Connected set to false, so that mixed inlets can use their
	// scalar value instead.
	Block struct {
		In        [][]float32
		Out       [][]float32
		Connected []bool
		Ctx       *Context
	}

	// Context is the handle a node uses to talk to the rest of the engine.
	Context struct {
		prog    *Program
		id      int
		outlets [][]target
		clock   float64
		clocked bool
	}

	target struct {
		node, inlet int
	}
)

// Outlet sends m out of the given message outlet. Delivery is depth-first:
// every connected inlet, and everything that triggers, has handled m when
// Outlet returns.
func (c *Context) Outlet(outlet int, m patchbay.Message) {
	for _, t := range c.outlets[outlet] {
		c.prog.message(t.node, t.inlet, m)
	}
}

// Send delivers m to every receiver of the channel, in this and all other
// active programs, and to the control side if it listens to the channel.
func (c *Context) Send(channel string, m patchbay.Message) {
	if s := c.prog.sched; s != nil {
		s.dispatch(channel, m)
	}
}

// Print forwards m to the print hook of the engine.
func (c *Context) Print(prefix string, m patchbay.Message) {
	if s := c.prog.sched; s != nil && s.emit != nil {
		s.emit.Print(prefix, m)
	}
}

// Offset returns the sample offset, within the current block, of the event
// being handled. It is 0 during signal processing.
func (c *Context) Offset() int {
	if s := c.prog.sched; s != nil {
		return s.offset
	}
	return 0
}

// Now returns the logical time of the event being handled, in samples.
func (c *Context) Now() float64 {
	if s := c.prog.sched; s != nil {
		return s.now
	}
	return 0
}

// BlockStart returns the time of the first sample of the current block.
func (c *Context) BlockStart() int64 {
	if s := c.prog.sched; s != nil {
		return s.time
	}
	return 0
}

// SetClock arranges for the node's Tick to be called delay samples from now.
// A node has a single clock; setting it again replaces the previous time.
func (c *Context) SetClock(delay float64) {
	c.SetClockAt(c.Now() + delay)
}

// SetClockAt is like SetClock, but with an absolute time. Times that have
// already passed fire at the start of the next block.
func (c *Context) SetClockAt(t float64) {
	c.clock = t
	c.clocked = true
}

// UnsetClock cancels a pending Tick.
func (c *Context) UnsetClock() {
	c.clocked = false
}

// Env returns the environment of the program the node belongs to.
func (c *Context) Env() *Env { return &c.prog.env }

// Array looks up an array by name. Nodes should not cache the result across
// blocks, as arrays come and go with the patches defining them.
func (c *Context) Array(name string) (*arrays.Array, bool) {
	if c.prog.env.Arrays == nil {
		return nil, false
	}
	return c.prog.env.Arrays.Lookup(name)
}

// Input returns the samples of the given device input channel for the current
// block, or nil if there is no such channel.
func (c *Context) Input(ch int) []float32 {
	if s := c.prog.sched; s != nil && ch >= 0 && ch < len(s.io.In) {
		return s.io.In[ch]
	}
	return nil
}

// Output returns the output accumulator of the given device channel for the
// current block, or nil if there is no such channel.
func (c *Context) Output(ch int) []float32 {
	if s := c.prog.sched; s != nil && ch >= 0 && ch < len(s.io.Out) {
		return s.io.Out[ch]
	}
	return nil
}

// Len returns the number of samples in the block.
func (b *Block) Len() int { return b.Ctx.prog.env.BlockSize }

// MsToSamples converts milliseconds to samples at the program's sample rate.
func (e *Env) MsToSamples(ms float64) float64 {
	return ms * e.SampleRate / 1000
}

// noMessages is embedded by nodes that ignore all messages.
type noMessages struct{}

func (noMessages) Message(*Context, int, patchbay.Message) {}
