package vm

import (
	"fmt"
	"math"

	"github.com/vsariola/patchbay"
	"github.com/vsariola/patchbay/graph"
)

var errNoName = fmt.Errorf("%w: missing name argument", patchbay.ErrInvalidArgument)

// NodeTypes lists all the built-in node types. The port layout of each type is
// given by the graph.Spec its constructor returns.
var NodeTypes = map[string]NodeType{
	"loadbang": {
		Doc: "bangs once when the patch starts running",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			return loadbang{}, graph.Spec{Outlets: ports(msg)}, nil
		}},
	"receive": {
		Doc: "outputs every message sent to the channel given as argument",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			name, ok := argSymbol(args, 0)
			if !ok {
				return nil, graph.Spec{}, errNoName
			}
			return &receive{channel: name}, graph.Spec{Outlets: ports(msg)}, nil
		}},
	"send": {
		Doc: "sends its input to the channel given as argument",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			name, ok := argSymbol(args, 0)
			if !ok {
				return nil, graph.Spec{}, errNoName
			}
			return &send{channel: name}, graph.Spec{Inlets: ports(msg)}, nil
		}},
	"print": {
		Doc: "prints its input on the control side",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			prefix, ok := argSymbol(args, 0)
			if !ok {
				prefix = "print"
			}
			return &printer{prefix: prefix}, graph.Spec{Inlets: ports(msg)}, nil
		}},
	"float": {
		Doc: "stores a number",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			return &number{value: argFloat(args, 0, 0)}, graph.Spec{Inlets: ports(msg, msg), Outlets: ports(msg)}, nil
		}},
	"+": binopType(func(a, b float32) float32 { return a + b }),
	"-": binopType(func(a, b float32) float32 { return a - b }),
	"*": binopType(func(a, b float32) float32 { return a * b }),
	"/": binopType(func(a, b float32) float32 {
		if b == 0 {
			return 0
		}
		return a / b
	}),
	"select": {
		Doc: "bangs the outlet of the matching argument, passes other input through the last outlet",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			match := append([]patchbay.Atom(nil), args...)
			if len(match) == 0 {
				match = []patchbay.Atom{patchbay.FloatAtom(0)}
			}
			inlets := ports(msg)
			if len(match) == 1 {
				inlets = ports(msg, msg)
			}
			return &selector{match: match}, graph.Spec{Inlets: inlets, Outlets: repeat(msg, len(match)+1)}, nil
		}},
	"metro": {
		Doc: "bangs periodically, the interval is given in milliseconds",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			interval := clampInterval(env.MsToSamples(float64(argFloat(args, 0, 0))), env)
			return &metro{interval: interval}, graph.Spec{Inlets: ports(msg, msg), Outlets: ports(msg)}, nil
		}},
	"delay": {
		Doc: "bangs after a delay given in milliseconds",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			d := max(env.MsToSamples(float64(argFloat(args, 0, 0))), 0)
			return &delay{delay: d}, graph.Spec{Inlets: ports(msg, msg), Outlets: ports(msg)}, nil
		}},
	"tabread": {
		Doc: "outputs the value of an array at the input index",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			name, ok := argSymbol(args, 0)
			if !ok {
				return nil, graph.Spec{}, errNoName
			}
			return &tabread{name: name}, graph.Spec{Inlets: ports(msg), Outlets: ports(msg)}, nil
		}},
	"tabwrite": {
		Doc: "writes the left input to an array at the index given on the right",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			name, ok := argSymbol(args, 0)
			if !ok {
				return nil, graph.Spec{}, errNoName
			}
			return &tabwrite{name: name}, graph.Spec{Inlets: ports(msg, msg)}, nil
		}},
	"inlet": {
		Doc: "message inlet of an abstraction",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			return passthrough{}, graph.Spec{Inlets: ports(msg), Outlets: ports(msg)}, nil
		}},
	"outlet": {
		Doc: "message outlet of an abstraction",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			return passthrough{}, graph.Spec{Inlets: ports(msg), Outlets: ports(msg)}, nil
		}},
	"array": {
		Doc: "defines an array with the given name and size (default 100)",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			name, ok := argSymbol(args, 0)
			if !ok {
				return nil, graph.Spec{}, errNoName
			}
			return &arrayNode{name: name, size: int(argFloat(args, 1, 0))}, graph.Spec{}, nil
		}},
	"osc~": {
		Doc: "cosine oscillator",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			return &oscillator{freq: argFloat(args, 0, 0), conv: 1 / env.SampleRate, cosine: true},
				graph.Spec{Inlets: ports(mixed, msg), Outlets: ports(sig)}, nil
		}},
	"phasor~": {
		Doc: "sawtooth oscillator ramping from 0 to 1",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			return &oscillator{freq: argFloat(args, 0, 0), conv: 1 / env.SampleRate},
				graph.Spec{Inlets: ports(mixed, msg), Outlets: ports(sig)}, nil
		}},
	"noise~": {
		Doc: "white noise",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			return &noise{seed: 307}, graph.Spec{Inlets: ports(msg), Outlets: ports(sig)}, nil
		}},
	"sig~": {
		Doc: "converts numbers to a signal, sample accurately",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			return &sigValue{value: argFloat(args, 0, 0)}, graph.Spec{Inlets: ports(msg), Outlets: ports(sig)}, nil
		}},
	"line~": {
		Doc: "linear ramp generator; a list [target ms] or a number after setting the time on the right inlet",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			return &line{msToSamples: env.MsToSamples(1)}, graph.Spec{Inlets: ports(msg, msg), Outlets: ports(sig)}, nil
		}},
	"+~": sigopType('+'),
	"-~": sigopType('-'),
	"*~": sigopType('*'),
	"clip~": {
		Doc: "restricts a signal between two limits",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			return &clip{lo: argFloat(args, 0, -1), hi: argFloat(args, 1, 1)},
				graph.Spec{Inlets: ports(sig, msg, msg), Outlets: ports(sig)}, nil
		}},
	"lop~": {
		Doc: "one pole low pass filter, cutoff in Hz",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			l := &lop{conv: float32(2 * math.Pi / env.SampleRate)}
			l.setFreq(argFloat(args, 0, 0))
			return l, graph.Spec{Inlets: ports(sig, msg), Outlets: ports(sig)}, nil
		}},
	"feedback~": {
		Doc: "one block delay; the only way to close a signal loop",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			return &delay1{state: make([]float32, env.BlockSize)},
				graph.Spec{Inlets: ports(sig), Outlets: ports(sig), Feedback: true}, nil
		}},
	"adc~": {
		Doc: "audio input; arguments are 1-based device channels",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			ch := argChannels(args)
			return &adc{channels: ch}, graph.Spec{Outlets: repeat(sig, len(ch))}, nil
		}},
	"dac~": {
		Doc: "audio output; arguments are 1-based device channels",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			ch := argChannels(args)
			return &dac{channels: ch}, graph.Spec{Inlets: repeat(sig, len(ch))}, nil
		}},
	"tabplay~": {
		Doc: "plays an array; bangs the right outlet when done",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			name, ok := argSymbol(args, 0)
			if !ok {
				return nil, graph.Spec{}, errNoName
			}
			return &tabplay{name: name, pos: -1}, graph.Spec{Inlets: ports(msg), Outlets: ports(sig, msg)}, nil
		}},
	"tabwrite~": {
		Doc: "records a signal into an array, starting on bang",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			name, ok := argSymbol(args, 0)
			if !ok {
				return nil, graph.Spec{}, errNoName
			}
			return &tabwritesig{name: name, pos: -1}, graph.Spec{Inlets: ports(mixed)}, nil
		}},
	"snapshot~": {
		Doc: "outputs the last sample of the previous block on bang",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			return &snapshot{}, graph.Spec{Inlets: ports(mixed), Outlets: ports(msg)}, nil
		}},
	"env~": {
		Doc: "RMS envelope follower in dB, 100 being unit amplitude; arguments window and period in samples",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			window := max(int(argFloat(args, 0, 1024))/env.BlockSize, 1)
			period := max(int(argFloat(args, 1, float32(window*env.BlockSize/2)))/env.BlockSize, 1)
			return &envelope{sums: make([]float32, window), period: period},
				graph.Spec{Inlets: ports(sig), Outlets: ports(msg)}, nil
		}},
	"inlet~": {
		Doc: "signal inlet of an abstraction",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			return sigpass{}, graph.Spec{Inlets: ports(sig), Outlets: ports(sig)}, nil
		}},
	"outlet~": {
		Doc: "signal outlet of an abstraction",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			return sigpass{}, graph.Spec{Inlets: ports(sig), Outlets: ports(sig)}, nil
		}},
}

// Aliases maps the short names of node types to their full names.
var Aliases = map[string]string{
	"r":     "receive",
	"s":     "send",
	"f":     "float",
	"sel":   "select",
	"del":   "delay",
	"table": "array",
}

func binopType(op func(a, b float32) float32) NodeType {
	return NodeType{
		Doc: "arithmetic on numbers; the right inlet is stored without output",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			return &binop{op: op, right: argFloat(args, 0, 0)}, graph.Spec{Inlets: ports(msg, msg), Outlets: ports(msg)}, nil
		},
	}
}

func sigopType(op byte) NodeType {
	return NodeType{
		Doc: "arithmetic on signals; a number argument or message replaces the right signal",
		New: func(args []patchbay.Atom, env *Env) (Node, graph.Spec, error) {
			return &sigop{op: op, right: argFloat(args, 0, 0)}, graph.Spec{Inlets: ports(mixed, mixed), Outlets: ports(sig)}, nil
		},
	}
}
