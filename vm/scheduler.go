package vm

import (
	"sync/atomic"

	"github.com/vsariola/patchbay"
)

// MaxDepth limits how deep message deliveries may nest, so that a message loop
// in a patch cannot overflow the stack of the audio thread. Deliveries beyond
// the limit are dropped and counted.
const MaxDepth = 1000

// MaxTicks limits how many clocks may fire in one block. A clock that keeps
// rescheduling itself inside the block, like a delay of 0 feeding its own
// inlet, is postponed to the next block once the limit is reached.
const MaxTicks = 1000

type (
	// Set is the immutable collection of programs processed by a Scheduler,
	// together with the table routing channels to receiver nodes. The control
	// side builds a new Set whenever a patch is opened or closed and swaps it
	// in between two blocks.
	Set struct {
		programs  []*Program
		receivers map[string][]receiverRef
	}

	// Emitter is where the scheduler sends messages leaving the graph. It is
	// called on the audio thread.
	Emitter interface {
		Emit(channel string, m patchbay.Message)
		Print(prefix string, m patchbay.Message)
	}

	// IO holds the device buffers of the current block, one slice per channel.
	IO struct {
		In, Out [][]float32
	}

	// Scheduler runs the active Set one block at a time. Swap and Stats may be
	// called from any goroutine; all other methods belong to the audio thread.
	Scheduler struct {
		blockSize int
		set       atomic.Pointer[Set]

		pending []patchbay.ScheduledMessage
		head    int

		time    int64
		now     float64
		offset  int
		depth   int
		ticks   int
		io      IO
		emit    Emitter
		active  *Set
		current *Program

		dropped   atomic.Uint64
		overflows atomic.Uint64
		blocks    atomic.Uint64
	}

	// SchedulerStats are counters of the scheduler since it was created.
	SchedulerStats struct {
		Blocks         uint64
		DroppedPending uint64
		Overflows      uint64
	}
)

// NewSet builds the receive table for the programs. The programs are
// processed in the given order.
func NewSet(programs ...*Program) *Set {
	s := &Set{programs: programs, receivers: map[string][]receiverRef{}}
	for _, p := range programs {
		for _, r := range p.receivers {
			s.receivers[r.channel] = append(s.receivers[r.channel], r)
		}
	}
	return s
}

// Programs returns the programs of the set.
func (s *Set) Programs() []*Program { return s.programs }

// Receives reports whether any program of the set has a receiver for the
// channel.
func (s *Set) Receives(channel string) bool {
	return len(s.receivers[channel]) > 0
}

// NewScheduler returns a scheduler producing blocks of blockSize samples and
// holding at most pendingCapacity not yet delivered messages.
func NewScheduler(blockSize, pendingCapacity int) *Scheduler {
	return &Scheduler{
		blockSize: blockSize,
		pending:   make([]patchbay.ScheduledMessage, 0, pendingCapacity),
	}
}

// BlockSize returns the number of samples per block.
func (s *Scheduler) BlockSize() int { return s.blockSize }

// Swap makes set the active set, starting from the next block.
func (s *Scheduler) Swap(set *Set) { s.set.Store(set) }

// Active returns the set that will be processed by the next block.
func (s *Scheduler) Active() *Set { return s.set.Load() }

// Time returns the time of the next block, in samples.
func (s *Scheduler) Time() int64 { return s.time }

func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Blocks:         s.blocks.Load(),
		DroppedPending: s.dropped.Load(),
		Overflows:      s.overflows.Load(),
	}
}

// Enqueue adds a message to the pending set. Messages are kept sorted by time;
// messages with equal times keep the order they were enqueued in. If the
// pending set is full the message is dropped, counted and false returned.
func (s *Scheduler) Enqueue(m patchbay.ScheduledMessage) bool {
	if s.head > 0 {
		n := copy(s.pending, s.pending[s.head:])
		s.pending = s.pending[:n]
		s.head = 0
	}
	if len(s.pending) == cap(s.pending) {
		s.dropped.Add(1)
		return false
	}
	lo, hi := 0, len(s.pending)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if s.pending[mid].Time <= m.Time {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	s.pending = s.pending[:len(s.pending)+1]
	copy(s.pending[lo+1:], s.pending[lo:])
	s.pending[lo] = m
	return true
}

// Pending returns the number of messages waiting for delivery.
func (s *Scheduler) Pending() int { return len(s.pending) - s.head }

// ProcessBlock computes one block. in and out hold one slice of BlockSize
// samples per device channel; out is overwritten. Messages due before the end
// of the block are delivered first, in time order, interleaved with expiring
// node clocks; then every program processes its signals.
func (s *Scheduler) ProcessBlock(in, out [][]float32, emit Emitter) {
	for _, o := range out {
		clear(o)
	}
	s.io = IO{In: in, Out: out}
	s.emit = emit
	set := s.set.Load()
	s.active = set
	if set != nil {
		for _, p := range set.programs {
			p.sched = s
		}
	}
	start := s.time
	end := start + int64(s.blockSize)
	s.ticks = 0
	for s.events(set, start, end) {
	}
	s.now, s.offset, s.current = float64(start), 0, nil
	if set != nil {
		for _, p := range set.programs {
			s.run(p)
		}
	}
	s.time = end
	s.emit = nil
	s.blocks.Add(1)
}

// events delivers everything due in [start, end). It returns true if it was
// interrupted by a panicking node, in which case it should be called again.
func (s *Scheduler) events(set *Set, start, end int64) (interrupted bool) {
	defer func() {
		if r := recover(); r != nil {
			if s.current != nil {
				s.current.crash(r)
			}
			s.depth, s.current = 0, nil
			interrupted = true
		}
	}()
	if set != nil {
		for _, p := range set.programs {
			if !p.loaded {
				p.loaded = true
				s.at(float64(start), start)
				s.current = p
				p.load()
				s.current = nil
			}
		}
	}
	for {
		var ctx *Context
		clockTime := float64(end)
		if set != nil && s.ticks < MaxTicks {
			for _, p := range set.programs {
				if p.crashed.Load() {
					continue
				}
				for _, id := range p.clocks {
					c := &p.ctxs[id]
					if c.clocked && c.clock < clockTime {
						ctx, clockTime = c, c.clock
					}
				}
			}
		}
		if s.head < len(s.pending) && s.pending[s.head].Time < end {
			t := max(s.pending[s.head].Time, start)
			if ctx == nil || float64(t) <= max(clockTime, float64(start)) {
				m := s.pending[s.head]
				s.pending[s.head] = patchbay.ScheduledMessage{}
				s.head++
				s.at(float64(t), start)
				s.dispatch(m.Channel, m.Message)
				continue
			}
		}
		if ctx == nil {
			break
		}
		if s.ticks++; s.ticks == MaxTicks {
			s.overflows.Add(1)
		}
		ctx.clocked = false
		s.at(max(clockTime, float64(start)), start)
		s.current = ctx.prog
		ctx.prog.nodes[ctx.id].(Ticker).Tick(ctx)
		s.current = nil
	}
	if s.head == len(s.pending) {
		s.pending = s.pending[:0]
		s.head = 0
	}
	return false
}

func (s *Scheduler) at(now float64, start int64) {
	s.now = now
	s.offset = min(int(now-float64(start)), s.blockSize-1)
}

func (s *Scheduler) run(p *Program) {
	if p.crashed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.crash(r)
		}
	}()
	p.process()
}

func (s *Scheduler) dispatch(channel string, m patchbay.Message) {
	if s.active != nil {
		for _, r := range s.active.receivers[channel] {
			s.deliver(r, m)
		}
	}
	if s.emit != nil {
		s.emit.Emit(channel, m)
	}
}

// deliver hands m to one receiver. A panic crashes the program that raised it
// and the remaining receivers still get the message.
func (s *Scheduler) deliver(r receiverRef, m patchbay.Message) {
	depth, current := s.depth, s.current
	defer func() {
		if v := recover(); v != nil {
			if s.current != nil {
				s.current.crash(v)
			} else {
				r.prog.crash(v)
			}
			s.depth, s.current = depth, current
		}
	}()
	r.prog.message(r.node, 0, m)
}
