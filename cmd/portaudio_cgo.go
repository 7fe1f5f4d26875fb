//go:build cgo

package cmd

import (
	"github.com/vsariola/patchbay"
	"github.com/vsariola/patchbay/audio/portaudio"
)

func init() {
	Drivers["portaudio"] = func() (patchbay.AudioDriver, error) { return portaudio.New() }
	// portaudio is the only driver with audio input
	DefaultDriver = "portaudio"
}
