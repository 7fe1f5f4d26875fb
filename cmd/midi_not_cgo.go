//go:build !cgo

package cmd

import (
	"errors"
	"log/slog"

	"github.com/vsariola/patchbay/midi"
)

// without cgo there is no MIDI driver
var errNoMIDI = errors.New("MIDI input needs a build with cgo")

func OpenMIDI(port string, s midi.Sender, log *slog.Logger) (stop func(), err error) {
	return nil, errNoMIDI
}

func MIDIPorts() ([]string, error) {
	return nil, errNoMIDI
}
