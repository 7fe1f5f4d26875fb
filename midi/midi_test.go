package midi_test

import (
	"testing"

	gomidi "gitlab.com/gomidi/midi/v2"

	"github.com/vsariola/patchbay"
	"github.com/vsariola/patchbay/midi"
)

type sent struct {
	channel string
	msg     patchbay.Message
}

type recorder struct {
	sent []sent
	full bool
}

func (r *recorder) SendMessage(channel string, m patchbay.Message) error {
	if r.full {
		return patchbay.ErrQueueFull
	}
	r.sent = append(r.sent, sent{channel, m})
	return nil
}

func floats(v ...float32) patchbay.Message {
	atoms := make([]patchbay.Atom, len(v))
	for i, f := range v {
		atoms[i] = patchbay.FloatAtom(f)
	}
	return patchbay.List(atoms...)
}

func TestTranslate(t *testing.T) {
	cases := []struct {
		name    string
		msg     gomidi.Message
		channel string
		want    patchbay.Message
	}{
		{"note on", gomidi.NoteOn(0, 60, 100), midi.NoteIn, floats(60, 100, 1)},
		{"note on without velocity", gomidi.NoteOn(2, 61, 0), midi.NoteIn, floats(61, 0, 3)},
		{"note off", gomidi.NoteOff(15, 62), midi.NoteIn, floats(62, 0, 16)},
		{"control change", gomidi.ControlChange(1, 7, 127), midi.CtlIn, floats(127, 7, 2)},
		{"pitch bend", gomidi.Pitchbend(0, 0), midi.BendIn, floats(8192, 1)},
		{"program change", gomidi.ProgramChange(0, 4), midi.PgmIn, floats(5, 1)},
		{"aftertouch", gomidi.AfterTouch(3, 90), midi.TouchIn, floats(90, 4)},
		{"poly aftertouch", gomidi.PolyAfterTouch(0, 64, 10), midi.PolyTouchIn, floats(10, 64, 1)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			channel, m, ok := midi.Translate(c.msg)
			if !ok || channel != c.channel || !m.Equal(c.want) {
				t.Fatalf("got %v %v %v, want %v %v", channel, m, ok, c.channel, c.want)
			}
		})
	}
	if _, _, ok := midi.Translate(gomidi.TimingClock()); ok {
		t.Error("clock should not be translated")
	}
}

func TestHandleCountsDrops(t *testing.T) {
	var r recorder
	tr := midi.NewTranslator(&r)
	tr.Handle(gomidi.NoteOn(0, 60, 100), 0)
	tr.Handle(gomidi.TimingClock(), 0)
	r.full = true
	tr.Handle(gomidi.NoteOff(0, 60), 0)
	if len(r.sent) != 1 || r.sent[0].channel != midi.NoteIn {
		t.Fatalf("sent %v", r.sent)
	}
	if tr.Dropped() != 1 {
		t.Fatalf("Dropped = %d", tr.Dropped())
	}
}
