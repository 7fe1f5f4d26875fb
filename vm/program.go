package vm

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/viterin/vek/vek32"
	"github.com/vsariola/patchbay"
	"github.com/vsariola/patchbay/graph"
)

// ErrUnknownType is returned when a patch uses a node type that is not in
// NodeTypes.
var ErrUnknownType = fmt.Errorf("%w: unknown node type", patchbay.ErrStructural)

type (
	// Program is one compiled patch: its nodes, the buffers connecting them
	// and the processing order. All memory the program needs while running is
	// allocated by NewProgram. A program is processed by at most one
	// Scheduler.
	Program struct {
		env    Env
		nodes  []Node
		specs  []graph.Spec
		ctxs   []Context
		blocks []Block

		order []int
		procs []Processor
		sums  [][]sumOp

		feedbackIDs []int
		feedback    []Feedback

		loaders   []int
		clocks    []int
		receivers []receiverRef
		opened    []Closer

		zero   []float32
		sched  *Scheduler
		loaded bool

		crashed atomic.Bool
		reason  atomic.Value
	}

	sumOp struct {
		dst  []float32
		srcs [][]float32
	}

	receiverRef struct {
		channel string
		prog    *Program
		node    int
	}
)

// NewProgram instantiates every node of the patch, connects them and computes
// the processing order. Patches are expected to be flat: abstractions must
// have been inlined before.
func NewProgram(p *patchbay.Patch, env Env) (*Program, error) {
	if env.BlockSize <= 0 {
		return nil, fmt.Errorf("%w: block size must be positive", patchbay.ErrInvalidArgument)
	}
	var g graph.Graph
	nodes := make([]Node, len(p.Nodes))
	for i, n := range p.Nodes {
		t, ok := Lookup(n.Type)
		if !ok {
			return nil, fmt.Errorf("node %d: %w %q", i, ErrUnknownType, n.Type)
		}
		node, spec, err := t.New(n.Atoms(), &env)
		if err != nil {
			return nil, fmt.Errorf("node %d (%s): %w", i, n.Type, err)
		}
		if spec.Name == "" {
			spec.Name = n.Type
		}
		nodes[i] = node
		g.AddNode(spec)
	}
	for _, c := range p.Connections {
		if _, err := g.Connect(graph.NodeID(c.From), c.Outlet, graph.NodeID(c.To), c.Inlet); err != nil {
			return nil, fmt.Errorf("connection %v: %w", c, err)
		}
	}
	plan, err := g.Compile()
	if err != nil {
		return nil, err
	}
	prog := link(plan, nodes, env)
	for _, n := range nodes {
		o, ok := n.(Opener)
		if !ok {
			continue
		}
		if err := o.Open(&prog.env); err != nil {
			prog.Close()
			return nil, err
		}
		if c, ok := n.(Closer); ok {
			prog.opened = append(prog.opened, c)
		}
	}
	return prog, nil
}

func link(plan *graph.Plan, nodes []Node, env Env) *Program {
	bs := env.BlockSize
	p := &Program{
		env:    env,
		nodes:  nodes,
		specs:  plan.Specs,
		ctxs:   make([]Context, len(nodes)),
		blocks: make([]Block, len(nodes)),
		zero:   make([]float32, bs),
	}
	for i, spec := range plan.Specs {
		c := &p.ctxs[i]
		*c = Context{prog: p, id: i, outlets: make([][]target, len(spec.Outlets))}
		b := &p.blocks[i]
		*b = Block{
			In:        make([][]float32, len(spec.Inlets)),
			Out:       make([][]float32, len(spec.Outlets)),
			Connected: make([]bool, len(spec.Inlets)),
			Ctx:       c,
		}
		for j, k := range spec.Outlets {
			if k == graph.Signal {
				b.Out[j] = make([]float32, bs)
			}
		}
		for j, k := range spec.Inlets {
			if k != graph.Message {
				b.In[j] = p.zero
			}
		}
	}
	for _, e := range plan.Message {
		c := &p.ctxs[e.From]
		c.outlets[e.Outlet] = append(c.outlets[e.Outlet], target{node: int(e.To), inlet: e.Inlet})
	}
	type port struct{ node, inlet int }
	sources := map[port][][]float32{}
	var ports []port
	for _, e := range plan.Signal {
		k := port{int(e.To), e.Inlet}
		if _, ok := sources[k]; !ok {
			ports = append(ports, k)
		}
		sources[k] = append(sources[k], p.blocks[e.From].Out[e.Outlet])
	}
	sums := make([][]sumOp, len(nodes))
	for _, k := range ports {
		srcs := sources[k]
		b := &p.blocks[k.node]
		b.Connected[k.inlet] = true
		if len(srcs) == 1 {
			b.In[k.inlet] = srcs[0]
			continue
		}
		dst := make([]float32, bs)
		b.In[k.inlet] = dst
		sums[k.node] = append(sums[k.node], sumOp{dst: dst, srcs: srcs})
	}
	for _, id := range plan.Order {
		n := nodes[id]
		if proc, ok := n.(Processor); ok {
			p.order = append(p.order, int(id))
			p.procs = append(p.procs, proc)
			p.sums = append(p.sums, sums[id])
		}
		if _, ok := n.(Loader); ok {
			p.loaders = append(p.loaders, int(id))
		}
	}
	for _, id := range plan.Feedback {
		if fb, ok := nodes[id].(Feedback); ok {
			p.feedbackIDs = append(p.feedbackIDs, int(id))
			p.feedback = append(p.feedback, fb)
		}
	}
	for i, n := range nodes {
		if _, ok := n.(Ticker); ok {
			p.clocks = append(p.clocks, i)
		}
		if r, ok := n.(Receiver); ok {
			p.receivers = append(p.receivers, receiverRef{channel: r.Channel(), prog: p, node: i})
		}
	}
	return p
}

// Close releases the shared resources acquired by the nodes, e.g. arrays. It
// must only be called after the program has been removed from the active set.
func (p *Program) Close() {
	for _, c := range p.opened {
		c.Close(&p.env)
	}
	p.opened = nil
}

// DollarZero returns the instance id the program was built with.
func (p *Program) DollarZero() int { return p.env.DollarZero }

// Len returns the number of nodes in the program.
func (p *Program) Len() int { return len(p.nodes) }

// Crashed reports whether a node of the program has panicked. A crashed
// program is skipped by the scheduler from then on.
func (p *Program) Crashed() (bool, error) {
	if !p.crashed.Load() {
		return false, nil
	}
	if err, ok := p.reason.Load().(error); ok {
		return true, err
	}
	return true, errors.New("program crashed")
}

func (p *Program) crash(r any) {
	if p.crashed.Swap(true) {
		return
	}
	p.reason.Store(fmt.Errorf("program $0=%d panicked: %v", p.env.DollarZero, r))
}

func (p *Program) message(node, inlet int, m patchbay.Message) {
	s := p.sched
	if s == nil || p.crashed.Load() {
		return
	}
	if s.depth >= MaxDepth {
		s.overflows.Add(1)
		return
	}
	s.depth++
	prev := s.current
	s.current = p
	p.nodes[node].Message(&p.ctxs[node], inlet, m)
	s.current = prev
	s.depth--
}

func (p *Program) load() {
	for _, id := range p.loaders {
		p.nodes[id].(Loader).Load(&p.ctxs[id])
	}
}

func (p *Program) process() {
	for i, fb := range p.feedback {
		fb.Publish(&p.blocks[p.feedbackIDs[i]])
	}
	for k, id := range p.order {
		for _, op := range p.sums[k] {
			copy(op.dst, op.srcs[0])
			for _, src := range op.srcs[1:] {
				vek32.Add_Inplace(op.dst, src)
			}
		}
		p.procs[k].Process(&p.blocks[id])
	}
}
