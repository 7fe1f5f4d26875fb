package vm

import (
	"sort"

	"golang.org/x/text/cases"

	"github.com/vsariola/patchbay"
	"github.com/vsariola/patchbay/graph"
)

type (
	// NodeType documents a node type and knows how to instantiate it from its
	// creation arguments.
	NodeType struct {
		Doc string
		New func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error)
	}
)

const (
	msg   = graph.Message
	sig   = graph.Signal
	mixed = graph.Mixed
)

// NodeNames is a list of all the names of node types, sorted alphabetically.
var NodeNames []string

func init() {
	NodeNames = make([]string, 0, len(NodeTypes))
	for k := range NodeTypes {
		NodeNames = append(NodeNames, k)
	}
	sort.Strings(NodeNames)
}

// Lookup finds a node type by name or alias. Names are matched without regard
// to case.
func Lookup(name string) (NodeType, bool) {
	if t, ok := NodeTypes[name]; ok {
		return t, true
	}
	folded := cases.Fold().String(name)
	if a, ok := Aliases[folded]; ok {
		folded = a
	}
	t, ok := NodeTypes[folded]
	return t, ok
}

func ports(kinds ...graph.PortKind) []graph.PortKind { return kinds }

func repeat(k graph.PortKind, n int) []graph.PortKind {
	ret := make([]graph.PortKind, n)
	for i := range ret {
		ret[i] = k
	}
	return ret
}

func argFloat(args []patchbay.Atom, i int, def float32) float32 {
	if i < len(args) && args[i].Kind == patchbay.AtomFloat {
		return args[i].Float
	}
	return def
}

func argSymbol(args []patchbay.Atom, i int) (string, bool) {
	if i < len(args) {
		return args[i].String(), true
	}
	return "", false
}

// argChannels parses the channel list of adc~ and dac~; the default is the
// stereo pair 1 2.
func argChannels(args []patchbay.Atom) []int {
	if len(args) == 0 {
		return []int{1, 2}
	}
	ret := make([]int, 0, len(args))
	for _, a := range args {
		if a.Kind == patchbay.AtomFloat {
			ret = append(ret, int(a.Float))
		}
	}
	return ret
}
