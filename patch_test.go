package patchbay_test

import (
	"reflect"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/vsariola/patchbay"
)

const twoNodes = `nodes:
  - {type: osc~, args: ["440"]}
  - {type: dac~}
connections:
  - [0, 0, 1, 0]
  - [0, 0, 1, 1]
`

func TestPatchYAML(t *testing.T) {
	var p patchbay.Patch
	if err := yaml.Unmarshal([]byte(twoNodes), &p); err != nil {
		t.Fatalf("could not unmarshal: %v", err)
	}
	want := []patchbay.Connection{{0, 0, 1, 0}, {0, 0, 1, 1}}
	if !reflect.DeepEqual(p.Connections, want) {
		t.Fatalf("connections = %v", p.Connections)
	}
	b, err := yaml.Marshal(&p)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "- [0, 0, 1, 1]") {
		t.Fatalf("connections not written as flow sequences:\n%s", b)
	}
	var q patchbay.Patch
	if err := yaml.Unmarshal(b, &q); err != nil || !reflect.DeepEqual(p, q) {
		t.Fatalf("round trip changed the patch: %v\n%s", err, b)
	}
}

func TestBadConnection(t *testing.T) {
	var p patchbay.Patch
	err := yaml.Unmarshal([]byte("nodes: []\nconnections:\n  - [0, 1, 2]\n"), &p)
	if err == nil || !strings.Contains(err.Error(), "[from, outlet, to, inlet]") {
		t.Fatalf("got %v", err)
	}
}

func TestCopyIsDeep(t *testing.T) {
	var p patchbay.Patch
	yaml.Unmarshal([]byte(twoNodes), &p)
	q := p.Copy()
	q.Nodes[0].Args[0] = "220"
	q.Connections[0].To = 5
	if p.Nodes[0].Args[0] != "440" || p.Connections[0].To != 1 {
		t.Fatal("Copy shares memory with the original")
	}
	if atoms := p.Nodes[0].Atoms(); atoms[0] != patchbay.FloatAtom(440) {
		t.Fatalf("Atoms = %v", atoms)
	}
}
