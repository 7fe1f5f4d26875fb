package patchbay

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

type (
	// Patch is the textual description of a dataflow graph: a list of nodes
	// and a list of connections between their ports. Patches are usually
	// stored as .yml files.
	Patch struct {
		Comment     string       `yaml:",omitempty"`
		Nodes       []Node       `yaml:"nodes"`
		Connections []Connection `yaml:"connections,omitempty"`
	}

	// Node is one object box of a patch, e.g. {type: "osc~", args: ["440"]}.
	// Type is either a built-in node type or the name of an abstraction, i.e.
	// another patch file that gets inlined.
	Node struct {
		Type string `yaml:"type"`

		// Args are the creation arguments, still in their textual form. $0 is
		// replaced with the instance identifier when the patch is opened and
		// $1..$9 with the arguments of an enclosing abstraction. Tokens that
		// parse as numbers become floats, all others symbols.
		Args []string `yaml:",flow,omitempty"`

		Comment string `yaml:",omitempty"`
	}

	// Connection connects outlet Outlet of node From to inlet Inlet of node
	// To. Node indices refer to Patch.Nodes. In YAML, a connection is written
	// as a flow sequence [from, outlet, to, inlet].
	Connection struct {
		From, Outlet, To, Inlet int
	}
)

// Copy makes a deep copy of a Patch.
func (p *Patch) Copy() *Patch {
	nodes := make([]Node, len(p.Nodes))
	for i, n := range p.Nodes {
		nodes[i] = n.Copy()
	}
	conns := make([]Connection, len(p.Connections))
	copy(conns, p.Connections)
	return &Patch{Comment: p.Comment, Nodes: nodes, Connections: conns}
}

// Copy makes a deep copy of a Node.
func (n Node) Copy() Node {
	args := make([]string, len(n.Args))
	copy(args, n.Args)
	return Node{Type: n.Type, Args: args, Comment: n.Comment}
}

// Atoms parses the creation arguments of the node.
func (n Node) Atoms() []Atom {
	ret := make([]Atom, len(n.Args))
	for i, a := range n.Args {
		ret[i] = ParseAtom(a)
	}
	return ret
}

func (c Connection) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	for _, v := range [...]int{c.From, c.Outlet, c.To, c.Inlet} {
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprint(v)})
	}
	return node, nil
}

func (c *Connection) UnmarshalYAML(value *yaml.Node) error {
	var v []int
	if err := value.Decode(&v); err != nil {
		return err
	}
	if len(v) != 4 {
		return fmt.Errorf("line %d: a connection should be [from, outlet, to, inlet], got %d numbers", value.Line, len(v))
	}
	c.From, c.Outlet, c.To, c.Inlet = v[0], v[1], v[2], v[3]
	return nil
}

func (c Connection) String() string {
	return fmt.Sprintf("%d:%d -> %d:%d", c.From, c.Outlet, c.To, c.Inlet)
}
