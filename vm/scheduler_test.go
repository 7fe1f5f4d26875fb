package vm_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vsariola/patchbay"
	"github.com/vsariola/patchbay/arrays"
	"github.com/vsariola/patchbay/graph"
	"github.com/vsariola/patchbay/vm"
)

type emitted struct {
	channel string
	msg     patchbay.Message
	block   int
}

type recorder struct {
	block   int
	emitted []emitted
	printed []emitted
}

func (r *recorder) Emit(channel string, m patchbay.Message) {
	r.emitted = append(r.emitted, emitted{channel, m, r.block})
}

func (r *recorder) Print(prefix string, m patchbay.Message) {
	r.printed = append(r.printed, emitted{prefix, m, r.block})
}

func (r *recorder) on(channel string) []emitted {
	var ret []emitted
	for _, e := range r.emitted {
		if e.channel == channel {
			ret = append(ret, e)
		}
	}
	return ret
}

func testEnv() vm.Env {
	return vm.Env{SampleRate: 48000, BlockSize: 64, InputChannels: 1, OutputChannels: 2, DollarZero: 1001, Arrays: arrays.NewStore()}
}

func compile(t *testing.T, src string, env vm.Env) *vm.Program {
	t.Helper()
	var p patchbay.Patch
	if err := yaml.Unmarshal([]byte(src), &p); err != nil {
		t.Fatalf("could not parse patch: %v", err)
	}
	prog, err := vm.NewProgram(&p, env)
	if err != nil {
		t.Fatalf("NewProgram failed: %v", err)
	}
	return prog
}

// runner drives a scheduler block by block and collects the output.
type runner struct {
	s   *vm.Scheduler
	rec *recorder
	in  [][]float32
	out [][]float32
	// output of all blocks so far, per channel
	rendered [][]float32
}

func newRunner(env vm.Env, progs ...*vm.Program) *runner {
	r := &runner{s: vm.NewScheduler(env.BlockSize, 256), rec: &recorder{}}
	r.s.Swap(vm.NewSet(progs...))
	for i := 0; i < env.InputChannels; i++ {
		r.in = append(r.in, make([]float32, env.BlockSize))
	}
	for i := 0; i < env.OutputChannels; i++ {
		r.out = append(r.out, make([]float32, env.BlockSize))
		r.rendered = append(r.rendered, nil)
	}
	return r
}

func (r *runner) send(channel string, m patchbay.Message, time int64) {
	r.s.Enqueue(patchbay.ScheduledMessage{Channel: channel, Message: m, Time: time})
}

func (r *runner) run(blocks int) {
	for i := 0; i < blocks; i++ {
		r.s.ProcessBlock(r.in, r.out, r.rec)
		for c, o := range r.out {
			r.rendered[c] = append(r.rendered[c], o...)
		}
		r.rec.block++
	}
}

const echoPatch = `
nodes:
  - {type: r, args: [in]}
  - {type: s, args: [out]}
connections:
  - [0, 0, 1, 0]
`

func TestMessagesKeepSendOrder(t *testing.T) {
	r := newRunner(testEnv(), compile(t, echoPatch, testEnv()))
	want := []patchbay.Message{
		patchbay.Bang(),
		patchbay.Float(42),
		patchbay.Symbol("x"),
		patchbay.List(patchbay.FloatAtom(1), patchbay.FloatAtom(2)),
	}
	for _, m := range want {
		r.send("in", m, patchbay.Unscheduled)
	}
	r.run(1)
	got := r.rec.on("out")
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i, e := range got {
		if !e.msg.Equal(want[i]) {
			t.Errorf("message %d = %v, want %v", i, e.msg, want[i])
		}
	}
}

func TestLateMessageIsDeliveredNextBlock(t *testing.T) {
	r := newRunner(testEnv(), compile(t, echoPatch, testEnv()))
	r.run(3)
	r.send("in", patchbay.Float(1), 10)
	r.run(1)
	got := r.rec.on("out")
	if len(got) != 1 || got[0].block != 3 {
		t.Fatalf("late message was not delivered in the next block: %v", got)
	}
}

func TestFutureMessageWaits(t *testing.T) {
	r := newRunner(testEnv(), compile(t, echoPatch, testEnv()))
	r.send("in", patchbay.Float(2), 200)
	r.send("in", patchbay.Float(1), 130)
	r.run(4)
	got := r.rec.on("out")
	if len(got) != 2 {
		t.Fatalf("got %v", got)
	}
	if got[0].msg.Float != 1 || got[0].block != 2 || got[1].msg.Float != 2 || got[1].block != 3 {
		t.Fatalf("messages delivered out of time order: %v", got)
	}
}

func TestSubBlockOffset(t *testing.T) {
	env := testEnv()
	prog := compile(t, `
nodes:
  - {type: r, args: [v]}
  - {type: sig~}
  - {type: dac~, args: [1]}
connections:
  - [0, 0, 1, 0]
  - [1, 0, 2, 0]
`, env)
	r := newRunner(env, prog)
	r.send("v", patchbay.Float(1), 64+10)
	r.run(2)
	out := r.rendered[0]
	for i, v := range out {
		want := float32(0)
		if i >= 74 {
			want = 1
		}
		if v != want {
			t.Fatalf("sample %d = %v, want %v", i, v, want)
		}
	}
}

func TestFanInIsSummed(t *testing.T) {
	env := testEnv()
	r := newRunner(env, compile(t, `
nodes:
  - {type: sig~, args: [1]}
  - {type: sig~, args: [2]}
  - {type: dac~}
connections:
  - [0, 0, 2, 0]
  - [1, 0, 2, 0]
  - [1, 0, 2, 1]
`, env))
	r.run(1)
	if r.rendered[0][0] != 3 || r.rendered[1][63] != 2 {
		t.Fatalf("left %v, right %v", r.rendered[0][0], r.rendered[1][63])
	}
}

func TestFeedbackDelaysOneBlock(t *testing.T) {
	env := testEnv()
	r := newRunner(env, compile(t, `
nodes:
  - {type: sig~, args: [1]}
  - {type: +~}
  - {type: feedback~}
  - {type: dac~, args: [1]}
connections:
  - [0, 0, 1, 0]
  - [2, 0, 1, 1]
  - [1, 0, 2, 0]
  - [1, 0, 3, 0]
`, env))
	r.run(4)
	for b := 0; b < 4; b++ {
		if got := r.rendered[0][b*64+5]; got != float32(b+1) {
			t.Errorf("block %d: got %v, want %v", b, got, b+1)
		}
	}
}

func TestDeterminism(t *testing.T) {
	const src = `
nodes:
  - {type: noise~}
  - {type: osc~, args: [440]}
  - {type: "*~"}
  - {type: lop~, args: [1000]}
  - {type: dac~}
  - {type: r, args: [f]}
connections:
  - [0, 0, 2, 0]
  - [1, 0, 2, 1]
  - [2, 0, 3, 0]
  - [3, 0, 4, 0]
  - [1, 0, 4, 1]
  - [5, 0, 1, 0]
`
	render := func() [][]float32 {
		env := testEnv()
		r := newRunner(env, compile(t, src, env))
		r.send("f", patchbay.Float(220), 300)
		r.send("f", patchbay.Float(330), 301)
		r.run(16)
		return r.rendered
	}
	a, b := render(), render()
	for c := range a {
		for i := range a[c] {
			if math.Float32bits(a[c][i]) != math.Float32bits(b[c][i]) {
				t.Fatalf("channel %d sample %d differs: %v vs %v", c, i, a[c][i], b[c][i])
			}
		}
	}
}

func TestMetroTicksSampleAccurately(t *testing.T) {
	env := testEnv()
	r := newRunner(env, compile(t, `
nodes:
  - {type: loadbang}
  - {type: metro, args: [1]}
  - {type: s, args: [tick]}
connections:
  - [0, 0, 1, 0]
  - [1, 0, 2, 0]
`, env))
	r.run(10)
	ticks := r.rec.on("tick")
	if len(ticks) != 14 {
		t.Fatalf("got %d ticks in 640 samples, want 14", len(ticks))
	}
	for i, tick := range ticks {
		if want := i * 48 / 64; tick.block != want {
			t.Errorf("tick %d in block %d, want %d", i, tick.block, want)
		}
	}
}

func TestDelayAndStop(t *testing.T) {
	env := testEnv()
	r := newRunner(env, compile(t, `
nodes:
  - {type: r, args: [go]}
  - {type: del, args: [2]}
  - {type: s, args: [done]}
connections:
  - [0, 0, 1, 0]
  - [1, 0, 2, 0]
`, env))
	r.send("go", patchbay.Bang(), patchbay.Unscheduled)
	r.run(3)
	done := r.rec.on("done")
	if len(done) != 1 || done[0].block != 1 {
		t.Fatalf("delayed bang = %v, want one in block 1", done)
	}
	r.send("go", patchbay.Bang(), patchbay.Unscheduled)
	r.send("go", patchbay.Symbol("stop"), patchbay.Unscheduled)
	r.run(3)
	if len(r.rec.on("done")) != 1 {
		t.Fatal("stopped delay fired")
	}
}

func TestArithmeticAndSelect(t *testing.T) {
	env := testEnv()
	r := newRunner(env, compile(t, `
nodes:
  - {type: r, args: [in]}
  - {type: "+", args: [1]}
  - {type: sel, args: [3, 5]}
  - {type: s, args: [three]}
  - {type: s, args: [five]}
  - {type: s, args: [other]}
connections:
  - [0, 0, 1, 0]
  - [1, 0, 2, 0]
  - [2, 0, 3, 0]
  - [2, 1, 4, 0]
  - [2, 2, 5, 0]
`, env))
	for _, v := range []float32{2, 4, 9} {
		r.send("in", patchbay.Float(v), patchbay.Unscheduled)
	}
	r.run(1)
	if len(r.rec.on("three")) != 1 || len(r.rec.on("five")) != 1 {
		t.Fatalf("select did not match: %v", r.rec.emitted)
	}
	other := r.rec.on("other")
	if len(other) != 1 || other[0].msg.Float != 10 {
		t.Fatalf("select rejected %v, want [10]", other)
	}
}

func TestPrint(t *testing.T) {
	env := testEnv()
	r := newRunner(env, compile(t, `
nodes:
  - {type: loadbang}
  - {type: print, args: [hello]}
connections:
  - [0, 0, 1, 0]
`, env))
	r.run(2)
	if len(r.rec.printed) != 1 || r.rec.printed[0].channel != "hello" || r.rec.printed[0].msg.Kind != patchbay.KindBang {
		t.Fatalf("printed %v", r.rec.printed)
	}
}

func TestLineRamp(t *testing.T) {
	env := testEnv()
	env.SampleRate, env.BlockSize = 1000, 8
	r := newRunner(env, compile(t, `
nodes:
  - {type: r, args: [l]}
  - {type: line~}
  - {type: dac~, args: [1]}
connections:
  - [0, 0, 1, 0]
  - [1, 0, 2, 0]
`, env))
	r.send("l", patchbay.List(patchbay.FloatAtom(1), patchbay.FloatAtom(8)), patchbay.Unscheduled)
	r.run(2)
	for i, v := range r.rendered[0] {
		want := min(float32(i)/8, 1)
		if math.Abs(float64(v-want)) > 1e-6 {
			t.Fatalf("sample %d = %v, want %v", i, v, want)
		}
	}
}

func TestArrayRecordAndPlay(t *testing.T) {
	env := testEnv()
	prog := compile(t, `
nodes:
  - {type: array, args: [$0-tab, 128]}
  - {type: sig~, args: [0.5]}
  - {type: tabwrite~, args: [$0-tab]}
  - {type: r, args: [rec]}
  - {type: tabplay~, args: [$0-tab]}
  - {type: r, args: [play]}
  - {type: dac~, args: [1]}
  - {type: s, args: [done]}
connections:
  - [1, 0, 2, 0]
  - [3, 0, 2, 0]
  - [5, 0, 4, 0]
  - [4, 0, 6, 0]
  - [4, 1, 7, 0]
`, env)
	if env.Arrays.Size("$0-tab") != 128 {
		t.Fatalf("array not defined, size %d", env.Arrays.Size("$0-tab"))
	}
	r := newRunner(env, prog)
	r.send("rec", patchbay.Bang(), 32)
	r.run(2)
	got := make([]float32, 128)
	env.Arrays.Read("$0-tab", got, -1, 0)
	for i, v := range got {
		want := float32(0.5)
		if i >= 96 {
			want = 0
		}
		if v != want {
			t.Fatalf("recorded sample %d = %v, want %v", i, v, want)
		}
	}
	r.send("rec", patchbay.Symbol("stop"), patchbay.Unscheduled)
	r.send("play", patchbay.Bang(), patchbay.Unscheduled)
	r.run(3)
	if v := r.rendered[0][2*64]; v != 0.5 {
		t.Fatalf("playback sample 0 = %v, want 0.5", v)
	}
	if v := r.rendered[0][2*64+100]; v != 0 {
		t.Fatalf("playback sample 100 = %v, want 0", v)
	}
	if done := r.rec.on("done"); len(done) != 1 || done[0].block != 4 {
		t.Fatalf("end of playback = %v", done)
	}
	prog.Close()
	if env.Arrays.Size("$0-tab") != 0 {
		t.Fatal("closing the program should remove its array")
	}
}

func TestTableNodesSkipLockedArray(t *testing.T) {
	env := testEnv()
	r := newRunner(env, compile(t, `
nodes:
  - {type: table, args: [tab, 8]}
  - {type: r, args: [idx]}
  - {type: tabread, args: [tab]}
  - {type: s, args: [value]}
  - {type: r, args: [put]}
  - {type: tabwrite, args: [tab]}
connections:
  - [1, 0, 2, 0]
  - [2, 0, 3, 0]
  - [4, 0, 5, 0]
`, env))
	a, ok := env.Arrays.Lookup("tab")
	if !ok {
		t.Fatal("array not defined")
	}
	a.Write([]float32{0, 0, 0, 7}, -1, 0)
	if !a.TryLock() {
		t.Fatal("could not lock the array")
	}
	r.send("idx", patchbay.Float(3), patchbay.Unscheduled)
	r.send("put", patchbay.Float(9), patchbay.Unscheduled)
	done := make(chan struct{})
	go func() {
		r.run(1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		a.Unlock()
		t.Fatal("audio thread waited for the array lock")
	}
	a.Unlock()
	if got := r.rec.on("value"); len(got) != 0 {
		t.Fatalf("tabread on a locked array sent %v", got)
	}
	if v := a.Snapshot()[0]; v != 0 {
		t.Fatalf("tabwrite on a locked array wrote %v", v)
	}
	r.send("idx", patchbay.Float(3), patchbay.Unscheduled)
	r.send("put", patchbay.Float(9), patchbay.Unscheduled)
	r.run(1)
	if got := r.rec.on("value"); len(got) != 1 || got[0].msg.Float != 7 {
		t.Fatalf("tabread = %v, want 7", got)
	}
	if v := a.Snapshot()[0]; v != 9 {
		t.Fatalf("tabwrite wrote %v, want 9", v)
	}
}

func TestEnvelopeFollower(t *testing.T) {
	env := testEnv()
	r := newRunner(env, compile(t, `
nodes:
  - {type: sig~, args: [1]}
  - {type: env~}
  - {type: s, args: [db]}
connections:
  - [0, 0, 1, 0]
  - [1, 0, 2, 0]
`, env))
	r.run(40)
	db := r.rec.on("db")
	if len(db) == 0 {
		t.Fatal("env~ output nothing")
	}
	if last := db[len(db)-1].msg.Float; math.Abs(float64(last-100)) > 1e-3 {
		t.Fatalf("env~ of unit signal = %v, want 100", last)
	}
}

func TestMessageLoopIsBounded(t *testing.T) {
	env := testEnv()
	r := newRunner(env, compile(t, `
nodes:
  - {type: r, args: [loop]}
  - {type: s, args: [loop]}
connections:
  - [0, 0, 1, 0]
`, env))
	r.send("loop", patchbay.Bang(), patchbay.Unscheduled)
	r.run(1)
	if r.s.Stats().Overflows == 0 {
		t.Fatal("expected the recursion guard to trigger")
	}
}

func TestZeroDelayLoopIsBounded(t *testing.T) {
	env := testEnv()
	r := newRunner(env, compile(t, `
nodes:
  - {type: r, args: [go]}
  - {type: del, args: [0]}
  - {type: s, args: [tick]}
connections:
  - [0, 0, 1, 0]
  - [1, 0, 1, 0]
  - [1, 0, 2, 0]
`, env), compile(t, echoPatch, env))
	r.send("go", patchbay.Bang(), patchbay.Unscheduled)
	r.send("in", patchbay.Float(1), 10)
	done := make(chan struct{})
	go func() {
		r.run(2)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("ProcessBlock did not return")
	}
	if r.s.Stats().Overflows == 0 {
		t.Error("expected the clock limit to trigger")
	}
	if n := len(r.rec.on("tick")); n < vm.MaxTicks || n > 2*vm.MaxTicks {
		t.Errorf("got %d ticks, want between %d and %d", n, vm.MaxTicks, 2*vm.MaxTicks)
	}
	if out := r.rec.on("out"); len(out) != 1 || out[0].block != 0 {
		t.Errorf("message behind the loop = %v, want one in block 0", out)
	}
}

type panicker struct{}

func (panicker) Message(*vm.Context, int, patchbay.Message) { panic("boom") }

func TestCrashIsIsolated(t *testing.T) {
	vm.NodeTypes["test-panic"] = vm.NodeType{New: func([]patchbay.Atom, *vm.Env) (vm.Node, graph.Spec, error) {
		return panicker{}, graph.Spec{Inlets: []graph.PortKind{graph.Message}}, nil
	}}
	defer delete(vm.NodeTypes, "test-panic")
	env := testEnv()
	bad := compile(t, `
nodes:
  - {type: r, args: [x]}
  - {type: test-panic}
connections:
  - [0, 0, 1, 0]
`, env)
	good := compile(t, `
nodes:
  - {type: sig~, args: [1]}
  - {type: dac~, args: [1]}
  - {type: r, args: [x]}
  - {type: s, args: [y]}
connections:
  - [0, 0, 1, 0]
  - [2, 0, 3, 0]
`, env)
	r := newRunner(env, bad, good)
	r.send("x", patchbay.Bang(), patchbay.Unscheduled)
	r.send("x", patchbay.Bang(), patchbay.Unscheduled)
	r.run(2)
	if crashed, err := bad.Crashed(); !crashed || err == nil {
		t.Fatal("panicking program should be marked crashed")
	}
	if crashed, _ := good.Crashed(); crashed {
		t.Fatal("healthy program marked crashed")
	}
	if r.rendered[0][100] != 1 {
		t.Fatal("healthy program stopped producing audio")
	}
	if n := len(r.rec.on("y")); n != 2 {
		t.Fatalf("healthy program received %d messages, want 2", n)
	}
}

func TestNewProgramErrors(t *testing.T) {
	cases := []struct {
		name string
		src  string
	}{
		{"unknown type", `nodes: [{type: nope}]`},
		{"port mismatch", "nodes: [{type: osc~}, {type: f}]\nconnections: [[0, 0, 1, 0]]"},
		{"cycle", "nodes: [{type: +~}, {type: +~}]\nconnections: [[0, 0, 1, 0], [1, 0, 0, 0]]"},
		{"missing name", `nodes: [{type: receive}]`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var p patchbay.Patch
			if err := yaml.Unmarshal([]byte(c.src), &p); err != nil {
				t.Fatal(err)
			}
			_, err := vm.NewProgram(&p, testEnv())
			if !errors.Is(err, patchbay.ErrStructural) {
				t.Fatalf("expected a structural error, got %v", err)
			}
		})
	}
}

func TestDuplicateArrayFailsCleanly(t *testing.T) {
	env := testEnv()
	env.Arrays.Define("taken", 10)
	var p patchbay.Patch
	yaml.Unmarshal([]byte(`nodes: [{type: array, args: [mine]}, {type: array, args: [taken]}]`), &p)
	if _, err := vm.NewProgram(&p, env); err == nil {
		t.Fatal("expected an error")
	}
	if env.Arrays.Size("mine") != 0 {
		t.Fatal("arrays of a failed program should be released")
	}
}

func TestLookup(t *testing.T) {
	for _, name := range []string{"osc~", "OSC~", "r", "Sel", "table"} {
		if _, ok := vm.Lookup(name); !ok {
			t.Errorf("Lookup(%q) failed", name)
		}
	}
	if _, ok := vm.Lookup("nope~"); ok {
		t.Error("Lookup(nope~) should fail")
	}
}
