// Package graph holds the topology of a patch: nodes with typed ports and the
// connections between them. Compile turns a graph into an execution plan, in
// which every node comes after all the nodes feeding its signal inlets.
package graph

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"

	"github.com/vsariola/patchbay"
)

type (
	// NodeID indexes the nodes of a Graph in insertion order.
	NodeID int

	// PortKind is the type of a port. Outlets are either Signal or Message;
	// inlets can additionally be Mixed, accepting both a signal connection and
	// messages that set the value used while the inlet is not connected.
	PortKind int

	// Spec describes the ports of one node.
	Spec struct {
		Name    string
		Inlets  []PortKind
		Outlets []PortKind

		// Feedback marks a delay node: its signal outlets carry the input of
		// the previous block, so the edges leaving it do not constrain the
		// processing order and may close cycles.
		Feedback bool
	}

	// Edge is one connection. Kind is the kind of the source outlet.
	Edge struct {
		From   NodeID
		Outlet int
		To     NodeID
		Inlet  int
		Kind   PortKind
	}

	// Graph is a mutable patch topology. The zero value is an empty graph.
	Graph struct {
		specs []Spec
		edges []Edge
		set   map[Edge]struct{}
	}

	// Plan is the compiled, immutable form of a Graph.
	Plan struct {
		Specs []Spec

		// Order lists every node exactly once. Nodes come after all their
		// signal sources, except sources that are feedback nodes; ties are
		// broken by insertion order.
		Order []NodeID

		// Feedback lists the feedback nodes in insertion order.
		Feedback []NodeID

		// Signal and Message are the edges of each kind in insertion order.
		Signal  []Edge
		Message []Edge
	}
)

const (
	Message PortKind = iota
	Signal
	Mixed
)

var (
	// ErrUnknownNode is returned when a connection refers to a node that
	// does not exist.
	ErrUnknownNode = fmt.Errorf("%w: unknown node", patchbay.ErrStructural)

	// ErrDuplicateEdge is returned when the same connection is made twice.
	ErrDuplicateEdge = fmt.Errorf("%w: duplicate connection", patchbay.ErrStructural)
)

// CycleError is returned by Compile when signal edges form a loop that does not
// pass through a feedback node. Nodes lists the nodes that could not be
// ordered.
type CycleError struct {
	Nodes []NodeID
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("signal cycle without a feedback node through nodes %v", e.Nodes)
}

func (e *CycleError) Is(target error) bool { return target == patchbay.ErrStructural }

// PortMismatchError is returned when a connection refers to a port that does
// not exist, or connects ports of incompatible kinds.
type PortMismatchError struct {
	Edge   Edge
	Reason string
}

func (e *PortMismatchError) Error() string {
	return fmt.Sprintf("cannot connect %d:%d -> %d:%d: %s", e.Edge.From, e.Edge.Outlet, e.Edge.To, e.Edge.Inlet, e.Reason)
}

func (e *PortMismatchError) Is(target error) bool { return target == patchbay.ErrStructural }

// AddNode adds a node and returns its id.
func (g *Graph) AddNode(s Spec) NodeID {
	g.specs = append(g.specs, s)
	return NodeID(len(g.specs) - 1)
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int { return len(g.specs) }

// Spec returns the spec of a node.
func (g *Graph) Spec(n NodeID) Spec { return g.specs[n] }

// Connect adds an edge from an outlet to an inlet. The kind of the edge is the
// kind of the outlet; the inlet must accept it.
func (g *Graph) Connect(from NodeID, outlet int, to NodeID, inlet int) (Edge, error) {
	e := Edge{From: from, Outlet: outlet, To: to, Inlet: inlet}
	if from < 0 || int(from) >= len(g.specs) {
		return e, fmt.Errorf("%w %d", ErrUnknownNode, from)
	}
	if to < 0 || int(to) >= len(g.specs) {
		return e, fmt.Errorf("%w %d", ErrUnknownNode, to)
	}
	src, dst := g.specs[from], g.specs[to]
	if outlet < 0 || outlet >= len(src.Outlets) {
		return e, &PortMismatchError{Edge: e, Reason: fmt.Sprintf("%s has no outlet %d", src.Name, outlet)}
	}
	if inlet < 0 || inlet >= len(dst.Inlets) {
		return e, &PortMismatchError{Edge: e, Reason: fmt.Sprintf("%s has no inlet %d", dst.Name, inlet)}
	}
	e.Kind = src.Outlets[outlet]
	if !accepts(dst.Inlets[inlet], e.Kind) {
		return e, &PortMismatchError{Edge: e, Reason: fmt.Sprintf("%s outlet of %s cannot connect to %s inlet of %s", e.Kind, src.Name, dst.Inlets[inlet], dst.Name)}
	}
	if g.set == nil {
		g.set = map[Edge]struct{}{}
	}
	if _, ok := g.set[e]; ok {
		return e, fmt.Errorf("%w %d:%d -> %d:%d", ErrDuplicateEdge, from, outlet, to, inlet)
	}
	g.set[e] = struct{}{}
	g.edges = append(g.edges, e)
	return e, nil
}

func accepts(inlet, kind PortKind) bool {
	return inlet == Mixed || inlet == kind
}

// Compile computes the processing order of the graph with Kahn's algorithm,
// always picking the ready node that was inserted first. Signal edges leaving
// feedback nodes are excluded from the ordering constraints. Message edges
// never constrain the order.
func (g *Graph) Compile() (*Plan, error) {
	n := len(g.specs)
	p := &Plan{Specs: append([]Spec(nil), g.specs...)}
	indegree := make([]int, n)
	succ := make([][]NodeID, n)
	for _, e := range g.edges {
		if e.Kind != Signal {
			p.Message = append(p.Message, e)
			continue
		}
		p.Signal = append(p.Signal, e)
		if g.specs[e.From].Feedback {
			continue
		}
		indegree[e.To]++
		succ[e.From] = append(succ[e.From], e.To)
	}
	for i, s := range g.specs {
		if s.Feedback {
			if len(s.Inlets) == 0 || len(s.Outlets) == 0 || s.Inlets[0] == Message || s.Outlets[0] != Signal {
				return nil, &PortMismatchError{Edge: Edge{From: NodeID(i), To: NodeID(i)}, Reason: fmt.Sprintf("feedback node %s needs a signal inlet and a signal outlet", s.Name)}
			}
			p.Feedback = append(p.Feedback, NodeID(i))
		}
	}
	ready := &idHeap{}
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			heap.Push(ready, NodeID(i))
		}
	}
	p.Order = make([]NodeID, 0, n)
	for ready.Len() > 0 {
		id := heap.Pop(ready).(NodeID)
		p.Order = append(p.Order, id)
		for _, s := range succ[id] {
			indegree[s]--
			if indegree[s] == 0 {
				heap.Push(ready, s)
			}
		}
	}
	if len(p.Order) < n {
		var stuck []NodeID
		for i := 0; i < n; i++ {
			if indegree[i] > 0 {
				stuck = append(stuck, NodeID(i))
			}
		}
		sort.Slice(stuck, func(i, j int) bool { return stuck[i] < stuck[j] })
		return nil, &CycleError{Nodes: stuck}
	}
	return p, nil
}

// IsCycle reports whether err is a *CycleError.
func IsCycle(err error) bool {
	var c *CycleError
	return errors.As(err, &c)
}

func (k PortKind) String() string {
	switch k {
	case Message:
		return "message"
	case Signal:
		return "signal"
	case Mixed:
		return "mixed"
	}
	return "unknown"
}

// idHeap is a min-heap of node ids, used to pick the earliest inserted ready
// node.
type idHeap []NodeID

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *idHeap) Push(x any) {
	*h = append(*h, x.(NodeID))
}

func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
