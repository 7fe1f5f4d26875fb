package loader_test

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/vsariola/patchbay"
	"github.com/vsariola/patchbay/arrays"
	"github.com/vsariola/patchbay/loader"
	"github.com/vsariola/patchbay/vm"
)

func counterFrom(n int) func() int {
	return func() int {
		n++
		return n - 1
	}
}

func TestLoadInlinesAbstractions(t *testing.T) {
	l := loader.New()
	l.AddToSearchPath(filepath.Join("testdata", "lib"))
	params := loader.Params{DollarZero: 1000, SampleRate: 48000, BlockSize: 64, NextDollarZero: counterFrom(1001)}
	p, path, err := l.Load("main", "testdata", params)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if path != filepath.Join("testdata", "main.yml") {
		t.Errorf("path = %v", path)
	}
	if len(p.Nodes) != 16 {
		t.Fatalf("got %d nodes, want 16", len(p.Nodes))
	}
	args := []struct {
		index int
		typ   string
		args  []string
	}{
		{0, "r", []string{"1000-freq"}},
		{3, "osc~", []string{"220"}},
		{5, "*~", []string{"0.5"}},
		{8, "array", []string{"1001-wave", "8"}},
		{10, "osc~", []string{"330"}},
		{15, "array", []string{"1003-wave", "8"}},
	}
	for _, a := range args {
		n := p.Nodes[a.index]
		if n.Type != a.typ || !reflect.DeepEqual(n.Args, a.args) {
			t.Errorf("node %d = %v %v, want %v %v", a.index, n.Type, n.Args, a.typ, a.args)
		}
	}
	want := []patchbay.Connection{{From: 0, Outlet: 0, To: 2, Inlet: 0}, {From: 7, Outlet: 0, To: 1, Inlet: 0}, {From: 0, Outlet: 0, To: 9, Inlet: 0}, {From: 14, Outlet: 0, To: 1, Inlet: 0}, {From: 3, Outlet: 0, To: 4, Inlet: 0}, {From: 6, Outlet: 0, To: 7, Inlet: 0}}
	for _, c := range want {
		found := false
		for _, d := range p.Connections {
			found = found || c == d
		}
		if !found {
			t.Errorf("connection %v missing from %v", c, p.Connections)
		}
	}
	env := vm.Env{SampleRate: 48000, BlockSize: 64, OutputChannels: 2, DollarZero: 1000, Arrays: arrays.NewStore()}
	prog, err := vm.NewProgram(p, env)
	if err != nil {
		t.Fatalf("flattened patch does not compile: %v", err)
	}
	defer prog.Close()
	if env.Arrays.Size("1003-wave") != 8 {
		t.Error("abstraction array not defined")
	}
}

func TestLoadErrors(t *testing.T) {
	cases := []struct {
		name string
		want error
	}{
		{"missing", loader.ErrNotFound},
		{"loop", loader.ErrTooDeep},
		{"bad_port", patchbay.ErrInvalidArgument},
		{"unknown_field", nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, _, err := loader.New().Load(c.name, "testdata", loader.Params{DollarZero: 1})
			if err == nil {
				t.Fatal("expected an error")
			}
			if c.want != nil && !errors.Is(err, c.want) {
				t.Fatalf("got %v, want %v", err, c.want)
			}
		})
	}
}

func TestUnknownTypeWithoutSearchPath(t *testing.T) {
	_, _, err := loader.New().Load("voice", "testdata", loader.Params{})
	if !errors.Is(err, vm.ErrUnknownType) {
		t.Fatalf("got %v", err)
	}
}

func TestResolve(t *testing.T) {
	l := loader.New()
	if _, err := l.Resolve("gain", "testdata"); !errors.Is(err, loader.ErrNotFound) {
		t.Fatalf("gain found without search path: %v", err)
	}
	l.AddToSearchPath("testdata")
	l.AddToSearchPath(filepath.Join("testdata", "lib"))
	for _, name := range []string{"gain", "gain.yml", "voice"} {
		if _, err := l.Resolve(name, ""); err != nil {
			t.Errorf("Resolve(%q): %v", name, err)
		}
	}
	l.ClearSearchPath()
	if len(l.SearchPath()) != 0 {
		t.Fatal("search path not cleared")
	}
}
