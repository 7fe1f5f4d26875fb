// Package cmd holds what the patchbay commands share: audio driver selection,
// MIDI input and logging.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/vsariola/patchbay"
	"github.com/vsariola/patchbay/audio"
	"github.com/vsariola/patchbay/audio/oto"
)

// Drivers are the audio drivers the commands can use, by name. Drivers that
// need cgo register themselves in files built only with cgo.
var Drivers = map[string]func() (patchbay.AudioDriver, error){
	"oto":     func() (patchbay.AudioDriver, error) { return oto.New(), nil },
	"offline": func() (patchbay.AudioDriver, error) { return audio.NewOffline(), nil },
}

// DefaultDriver is used when the user does not ask for a driver.
var DefaultDriver = "oto"

func DriverNames() []string {
	names := make([]string, 0, len(Drivers))
	for name := range Drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func NewDriver(name string) (patchbay.AudioDriver, error) {
	if name == "" {
		name = DefaultDriver
	}
	f, ok := Drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown audio driver %q, available: %s", name, strings.Join(DriverNames(), ", "))
	}
	return f()
}

// NewLogger returns a text logger; verbose enables debug messages.
func NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
