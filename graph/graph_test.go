package graph_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/vsariola/patchbay"
	"github.com/vsariola/patchbay/graph"
)

var (
	source   = graph.Spec{Name: "osc~", Inlets: []graph.PortKind{graph.Mixed}, Outlets: []graph.PortKind{graph.Signal}}
	filter   = graph.Spec{Name: "lop~", Inlets: []graph.PortKind{graph.Mixed, graph.Message}, Outlets: []graph.PortKind{graph.Signal}}
	sink     = graph.Spec{Name: "dac~", Inlets: []graph.PortKind{graph.Signal, graph.Signal}}
	feedback = graph.Spec{Name: "feedback~", Inlets: []graph.PortKind{graph.Signal}, Outlets: []graph.PortKind{graph.Signal}, Feedback: true}
	number   = graph.Spec{Name: "f", Inlets: []graph.PortKind{graph.Message, graph.Message}, Outlets: []graph.PortKind{graph.Message}}
)

func build(t *testing.T, specs []graph.Spec, edges [][4]int) (*graph.Plan, error) {
	t.Helper()
	var g graph.Graph
	for _, s := range specs {
		g.AddNode(s)
	}
	for _, e := range edges {
		if _, err := g.Connect(graph.NodeID(e[0]), e[1], graph.NodeID(e[2]), e[3]); err != nil {
			t.Fatalf("connect %v failed: %v", e, err)
		}
	}
	return g.Compile()
}

func TestCompileOrder(t *testing.T) {
	cases := []struct {
		name  string
		specs []graph.Spec
		edges [][4]int
		want  []graph.NodeID
	}{
		{"insertion order without edges", []graph.Spec{source, source, sink}, nil, []graph.NodeID{0, 1, 2}},
		{"sink inserted first", []graph.Spec{sink, filter, source}, [][4]int{{2, 0, 1, 0}, {1, 0, 0, 0}}, []graph.NodeID{2, 1, 0}},
		{"diamond", []graph.Spec{sink, filter, filter, source}, [][4]int{{3, 0, 1, 0}, {3, 0, 2, 0}, {1, 0, 0, 0}, {2, 0, 0, 1}}, []graph.NodeID{3, 1, 2, 0}},
		{"feedback loop", []graph.Spec{feedback, filter, sink}, [][4]int{{0, 0, 1, 0}, {1, 0, 0, 0}, {1, 0, 2, 0}}, []graph.NodeID{1, 0, 2}},
		{"messages do not order", []graph.Spec{number, number}, [][4]int{{1, 0, 0, 0}, {0, 0, 1, 1}}, []graph.NodeID{0, 1}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p, err := build(t, c.specs, c.edges)
			if err != nil {
				t.Fatalf("Compile failed: %v", err)
			}
			if !reflect.DeepEqual(p.Order, c.want) {
				t.Fatalf("order = %v, want %v", p.Order, c.want)
			}
		})
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	specs := []graph.Spec{sink, filter, filter, source, feedback}
	edges := [][4]int{{3, 0, 1, 0}, {1, 0, 2, 0}, {2, 0, 4, 0}, {4, 0, 1, 0}, {2, 0, 0, 0}}
	first, err := build(t, specs, edges)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		p, err := build(t, specs, edges)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(p, first) {
			t.Fatalf("plans differ between compilations: %v vs %v", p, first)
		}
	}
	if !reflect.DeepEqual(first.Feedback, []graph.NodeID{4}) {
		t.Fatalf("feedback = %v", first.Feedback)
	}
}

func TestCycleWithoutFeedback(t *testing.T) {
	_, err := build(t, []graph.Spec{filter, filter, sink}, [][4]int{{0, 0, 1, 0}, {1, 0, 0, 0}, {1, 0, 2, 0}})
	var cycle *graph.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected a CycleError, got %v", err)
	}
	if !reflect.DeepEqual(cycle.Nodes, []graph.NodeID{0, 1, 2}) {
		t.Fatalf("cycle nodes = %v", cycle.Nodes)
	}
	if !errors.Is(err, patchbay.ErrStructural) {
		t.Fatal("CycleError should be a structural error")
	}
}

func TestConnectErrors(t *testing.T) {
	var g graph.Graph
	a := g.AddNode(source)
	b := g.AddNode(number)
	c := g.AddNode(sink)
	cases := []struct {
		name                  string
		from, outlet, to, inl int
		mismatch              bool
	}{
		{"signal to message inlet", int(a), 0, int(b), 0, true},
		{"message to signal inlet", int(b), 0, int(c), 0, true},
		{"missing outlet", int(a), 1, int(c), 0, true},
		{"missing inlet", int(a), 0, int(c), 2, true},
		{"unknown node", int(a), 0, 7, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.Connect(graph.NodeID(tc.from), tc.outlet, graph.NodeID(tc.to), tc.inl)
			if err == nil {
				t.Fatal("expected an error")
			}
			var pm *graph.PortMismatchError
			if errors.As(err, &pm) != tc.mismatch {
				t.Fatalf("unexpected error type: %v", err)
			}
			if !errors.Is(err, patchbay.ErrStructural) {
				t.Fatalf("%v is not a structural error", err)
			}
		})
	}
	if _, err := g.Connect(b, 0, b, 1); err != nil {
		t.Fatalf("message self connection should be allowed: %v", err)
	}
	if _, err := g.Connect(b, 0, b, 1); !errors.Is(err, graph.ErrDuplicateEdge) {
		t.Fatalf("expected duplicate edge error, got %v", err)
	}
}
