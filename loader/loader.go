// Package loader finds patch files, renders them as templates and inlines the
// abstractions they use, producing flat patches ready for vm.NewProgram.
//
// A patch file is a text/template (with the sprig functions) that renders to
// the YAML form of patchbay.Patch. The template sees the fields of Data. In
// node arguments, $0 is replaced by the instance number of the patch and $1 to
// $9 by the creation arguments of an abstraction.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig"
	"gopkg.in/yaml.v3"

	"github.com/vsariola/patchbay"
	"github.com/vsariola/patchbay/vm"
)

// MaxDepth is how deep abstractions may be nested.
const MaxDepth = 16

// Extensions are tried in order when a patch name has no extension.
var Extensions = []string{".yml", ".yaml"}

var (
	ErrNotFound = errors.New("patch not found")
	ErrTooDeep  = fmt.Errorf("%w: abstractions nested too deep", patchbay.ErrStructural)
)

type (
	// Loader resolves patch names against the directory of the opening patch
	// and a list of search paths. It is safe for concurrent use.
	Loader struct {
		mu    sync.RWMutex
		paths []string
	}

	// Data is what patch templates are executed with.
	Data struct {
		DollarZero int
		Args       []string
		SampleRate float64
		BlockSize  int
	}

	// Params control a load. NextDollarZero allocates the instance numbers of
	// abstractions; if it is nil, abstractions share the patch's number.
	Params struct {
		DollarZero     int
		SampleRate     float64
		BlockSize      int
		NextDollarZero func() int
	}
)

func New(paths ...string) *Loader {
	return &Loader{paths: append([]string(nil), paths...)}
}

// AddToSearchPath appends dir to the search path.
func (l *Loader) AddToSearchPath(dir string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paths = append(l.paths, dir)
}

func (l *Loader) ClearSearchPath() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paths = nil
}

func (l *Loader) SearchPath() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.paths...)
}

// Resolve finds the file of the patch name, looking in dir first and then in
// the search path.
func (l *Loader) Resolve(name, dir string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty patch name", ErrNotFound)
	}
	var dirs []string
	if filepath.IsAbs(name) {
		dirs = []string{""}
	} else {
		if dir != "" {
			dirs = append(dirs, dir)
		}
		dirs = append(dirs, l.SearchPath()...)
	}
	names := []string{name}
	if filepath.Ext(name) == "" {
		names = names[:0]
		for _, ext := range Extensions {
			names = append(names, name+ext)
		}
	}
	for _, d := range dirs {
		for _, n := range names {
			p := filepath.Join(d, n)
			if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %q", ErrNotFound, name)
}

// Parse reads the patch file at path, executes it as a template with data
// and decodes the result. Unknown fields are errors.
func Parse(path string, data Data) (*patchbay.Patch, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read patch %v: %w", path, err)
	}
	tmpl, err := template.New(filepath.Base(path)).Funcs(sprig.TxtFuncMap()).Parse(string(text))
	if err != nil {
		return nil, fmt.Errorf("could not parse template %v: %w", path, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("could not execute template %v: %w", path, err)
	}
	return Decode(buf.Bytes())
}

// Decode decodes the YAML form of a patch.
func Decode(b []byte) (*patchbay.Patch, error) {
	var p patchbay.Patch
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("could not decode patch: %w", err)
	}
	return &p, nil
}

// Load resolves, parses and flattens the patch name. It returns the flat
// patch and the path of the file it was loaded from.
func (l *Loader) Load(name, dir string, params Params) (*patchbay.Patch, string, error) {
	path, err := l.Resolve(name, dir)
	if err != nil {
		return nil, "", err
	}
	p, err := Parse(path, params.data(params.DollarZero, nil))
	if err != nil {
		return nil, path, err
	}
	flat, err := l.Flatten(p, filepath.Dir(path), params)
	return flat, path, err
}

// Flatten substitutes the dollar arguments of p and inlines every node whose
// type is not built in, looking up the abstraction relative to dir.
func (l *Loader) Flatten(p *patchbay.Patch, dir string, params Params) (*patchbay.Patch, error) {
	flat, _, err := l.flatten(p, dir, params.DollarZero, nil, params, 0)
	return flat, err
}

// ports lists the node indices of the inlets and outlets of a flattened
// abstraction.
type ports struct {
	inlets, outlets []int
}

func (l *Loader) flatten(p *patchbay.Patch, dir string, dz int, args []string, params Params, depth int) (*patchbay.Patch, ports, error) {
	subst := replacer(dz, args)
	ret := &patchbay.Patch{Comment: p.Comment}
	var own ports
	index := make([]int, len(p.Nodes))
	abstractions := map[int]ports{}
	for i, n := range p.Nodes {
		n = n.Copy()
		for k, a := range n.Args {
			n.Args[k] = subst.Replace(a)
		}
		if _, ok := vm.Lookup(n.Type); ok {
			index[i] = len(ret.Nodes)
			switch n.Type {
			case "inlet", "inlet~":
				own.inlets = append(own.inlets, index[i])
			case "outlet", "outlet~":
				own.outlets = append(own.outlets, index[i])
			}
			ret.Nodes = append(ret.Nodes, n)
			continue
		}
		if depth >= MaxDepth {
			return nil, ports{}, fmt.Errorf("node %d (%s): %w", i, n.Type, ErrTooDeep)
		}
		path, err := l.Resolve(n.Type, dir)
		if errors.Is(err, ErrNotFound) {
			return nil, ports{}, fmt.Errorf("node %d: %w %q", i, vm.ErrUnknownType, n.Type)
		}
		childDz := dz
		if params.NextDollarZero != nil {
			childDz = params.NextDollarZero()
		}
		parsed, err := Parse(path, params.data(childDz, n.Args))
		if err != nil {
			return nil, ports{}, fmt.Errorf("abstraction %s: %w", n.Type, err)
		}
		child, ps, err := l.flatten(parsed, filepath.Dir(path), childDz, n.Args, params, depth+1)
		if err != nil {
			return nil, ports{}, fmt.Errorf("abstraction %s: %w", n.Type, err)
		}
		base := len(ret.Nodes)
		for k := range ps.inlets {
			ps.inlets[k] += base
		}
		for k := range ps.outlets {
			ps.outlets[k] += base
		}
		ret.Nodes = append(ret.Nodes, child.Nodes...)
		for _, c := range child.Connections {
			ret.Connections = append(ret.Connections, patchbay.Connection{From: c.From + base, Outlet: c.Outlet, To: c.To + base, Inlet: c.Inlet})
		}
		abstractions[i] = ps
	}
	for _, c := range p.Connections {
		if c.From < 0 || c.From >= len(p.Nodes) || c.To < 0 || c.To >= len(p.Nodes) {
			return nil, ports{}, fmt.Errorf("%w: connection %v refers to a missing node", patchbay.ErrInvalidArgument, c)
		}
		from, outlet := index[c.From], c.Outlet
		if ps, ok := abstractions[c.From]; ok {
			if outlet < 0 || outlet >= len(ps.outlets) {
				return nil, ports{}, fmt.Errorf("%w: connection %v: abstraction %s has %d outlets", patchbay.ErrInvalidArgument, c, p.Nodes[c.From].Type, len(ps.outlets))
			}
			from, outlet = ps.outlets[outlet], 0
		}
		to, inlet := index[c.To], c.Inlet
		if ps, ok := abstractions[c.To]; ok {
			if inlet < 0 || inlet >= len(ps.inlets) {
				return nil, ports{}, fmt.Errorf("%w: connection %v: abstraction %s has %d inlets", patchbay.ErrInvalidArgument, c, p.Nodes[c.To].Type, len(ps.inlets))
			}
			to, inlet = ps.inlets[inlet], 0
		}
		ret.Connections = append(ret.Connections, patchbay.Connection{From: from, Outlet: outlet, To: to, Inlet: inlet})
	}
	return ret, own, nil
}

// replacer substitutes $0 with dz and $1..$9 with args; missing arguments
// become 0.
func replacer(dz int, args []string) *strings.Replacer {
	pairs := []string{"$0", strconv.Itoa(dz)}
	for i := 1; i <= 9; i++ {
		v := "0"
		if i <= len(args) {
			v = args[i-1]
		}
		pairs = append(pairs, "$"+strconv.Itoa(i), v)
	}
	return strings.NewReplacer(pairs...)
}

func (p Params) data(dz int, args []string) Data {
	return Data{DollarZero: dz, Args: args, SampleRate: p.SampleRate, BlockSize: p.BlockSize}
}
