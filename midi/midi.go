// Package midi turns incoming MIDI messages into engine messages, on the
// channels a patch can receive: notein, ctlin, bendin, pgmin, touchin and
// polytouchin. Channel numbers are 1-based in the messages, like in Pd.
//
// The package only uses the drivers registered with gomidi. Importing
// gitlab.com/gomidi/midi/v2/drivers/rtmididrv, which needs cgo, registers the
// system driver.
package midi

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"github.com/vsariola/patchbay"
)

const (
	NoteIn      = "notein"
	CtlIn       = "ctlin"
	BendIn      = "bendin"
	PgmIn       = "pgmin"
	TouchIn     = "touchin"
	PolyTouchIn = "polytouchin"
)

type (
	// Sender is where translated messages go; *engine.Engine is one.
	Sender interface {
		SendMessage(channel string, m patchbay.Message) error
	}

	Translator struct {
		sender  Sender
		dropped atomic.Uint64
	}
)

var ErrNoPort = errors.New("midi input not found")

func NewTranslator(s Sender) *Translator {
	return &Translator{sender: s}
}

// Translate converts a MIDI message. ok is false for messages that have no
// counterpart, e.g. clock or sysex.
func Translate(msg midi.Message) (channel string, m patchbay.Message, ok bool) {
	var ch, key, vel, cc, val, prog, pressure uint8
	var rel int16
	var abs uint16
	f := func(v uint8) patchbay.Atom { return patchbay.FloatAtom(float32(v)) }
	switch {
	case msg.GetNoteStart(&ch, &key, &vel):
		return NoteIn, patchbay.List(f(key), f(vel), f(ch+1)), true
	case msg.GetNoteEnd(&ch, &key):
		return NoteIn, patchbay.List(f(key), f(0), f(ch+1)), true
	case msg.GetControlChange(&ch, &cc, &val):
		return CtlIn, patchbay.List(f(val), f(cc), f(ch+1)), true
	case msg.GetPitchBend(&ch, &rel, &abs):
		return BendIn, patchbay.List(patchbay.FloatAtom(float32(abs)), f(ch+1)), true
	case msg.GetProgramChange(&ch, &prog):
		// program numbers are 1-based in Pd
		return PgmIn, patchbay.List(f(prog+1), f(ch+1)), true
	case msg.GetAfterTouch(&ch, &pressure):
		return TouchIn, patchbay.List(f(pressure), f(ch+1)), true
	case msg.GetPolyAfterTouch(&ch, &key, &pressure):
		return PolyTouchIn, patchbay.List(f(pressure), f(key), f(ch+1)), true
	}
	return "", patchbay.Message{}, false
}

// Handle translates msg and sends it. It has the signature of a gomidi
// listener. Messages the sender rejects are counted as dropped.
func (t *Translator) Handle(msg midi.Message, timestampms int32) {
	channel, m, ok := Translate(msg)
	if !ok {
		return
	}
	if err := t.sender.SendMessage(channel, m); err != nil {
		t.dropped.Add(1)
	}
}

// Dropped returns the number of messages the sender rejected.
func (t *Translator) Dropped() uint64 { return t.dropped.Load() }

// InPorts returns the names of the MIDI inputs of the registered driver.
func InPorts() ([]string, error) {
	ins, err := drivers.Ins()
	if err != nil {
		return nil, fmt.Errorf("could not list MIDI inputs: %w", err)
	}
	ret := make([]string, len(ins))
	for i, in := range ins {
		ret[i] = in.String()
	}
	return ret, nil
}

// FindInPort returns the first input whose name starts with prefix. An empty
// prefix takes the first input.
func FindInPort(prefix string) (drivers.In, error) {
	ins, err := drivers.Ins()
	if err != nil {
		return nil, fmt.Errorf("could not list MIDI inputs: %w", err)
	}
	for _, in := range ins {
		if strings.HasPrefix(in.String(), prefix) {
			return in, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoPort, prefix)
}

// Listen opens in and forwards its messages through t until stop is called.
func Listen(in drivers.In, t *Translator, log *slog.Logger) (stop func(), err error) {
	if log == nil {
		log = slog.Default()
	}
	if !in.IsOpen() {
		if err := in.Open(); err != nil {
			return nil, fmt.Errorf("opening MIDI input failed: %w", err)
		}
	}
	name := in.String()
	stopListening, err := midi.ListenTo(in, t.Handle, midi.HandleError(func(err error) {
		log.Warn("MIDI input error", "port", name, "err", err)
	}))
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("listening to MIDI input failed: %w", err)
	}
	log.Info("listening to MIDI input", "port", name)
	return func() {
		stopListening()
		in.Close()
	}, nil
}

// CloseDriver closes the registered MIDI driver.
func CloseDriver() {
	drivers.Close()
}
