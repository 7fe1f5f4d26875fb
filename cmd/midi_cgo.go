//go:build cgo

package cmd

import (
	"log/slog"

	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/vsariola/patchbay/midi"
)

// OpenMIDI forwards the first MIDI input whose name starts with port to s.
func OpenMIDI(port string, s midi.Sender, log *slog.Logger) (stop func(), err error) {
	in, err := midi.FindInPort(port)
	if err != nil {
		return nil, err
	}
	stopListening, err := midi.Listen(in, midi.NewTranslator(s), log)
	if err != nil {
		return nil, err
	}
	return func() {
		stopListening()
		midi.CloseDriver()
	}, nil
}

func MIDIPorts() ([]string, error) {
	return midi.InPorts()
}
