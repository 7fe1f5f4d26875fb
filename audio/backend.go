// Package audio drives an AudioProcessor from an AudioDriver and keeps track of
// the life cycle of the stream.
package audio

import (
	"fmt"
	"sync"

	"github.com/vsariola/patchbay"
)

// State is a state of the Backend state machine.
type State int

const (
	Uninitialized State = iota
	Configured
	Running
	Stopped
	Destroyed
)

// Backend owns the audio stream of an engine. Configure opens a stream,
// Start and Stop run it, and Destroy releases the stream and the driver for
// good. All methods are safe for concurrent use.
type Backend struct {
	mu     sync.Mutex
	driver patchbay.AudioDriver
	proc   patchbay.AudioProcessor
	state  State
	cfg    patchbay.StreamConfig
	stream patchbay.AudioStream
}

var errNotConfigured = fmt.Errorf("%w: audio stream not configured", patchbay.ErrStructural)

// NewBackend returns an unconfigured backend that will drive proc with audio
// from driver.
func NewBackend(driver patchbay.AudioDriver, proc patchbay.AudioProcessor) *Backend {
	return &Backend{driver: driver, proc: proc}
}

func (b *Backend) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Config returns the configuration of the current stream, if any.
func (b *Backend) Config() (patchbay.StreamConfig, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg, b.state != Uninitialized && b.state != Destroyed
}

// Driver returns the driver the backend was created with.
func (b *Backend) Driver() patchbay.AudioDriver { return b.driver }

// Configure validates cfg against the devices of the driver and opens a new
// stream, replacing the previous one. A running stream has to be stopped
// first.
func (b *Backend) Configure(cfg patchbay.StreamConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Destroyed:
		return patchbay.ErrEngineDestroyed
	case Running:
		return fmt.Errorf("%w: cannot configure a running stream", patchbay.ErrStructural)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := checkDevices(b.driver, cfg); err != nil {
		return err
	}
	if b.stream != nil {
		if err := b.stream.Close(); err != nil {
			return fmt.Errorf("could not close the previous stream: %w", err)
		}
		b.stream = nil
		b.state = Uninitialized
	}
	stream, err := b.driver.Open(cfg, b.proc)
	if err != nil {
		return err
	}
	b.stream, b.cfg, b.state = stream, cfg, Configured
	return nil
}

// Start starts the stream. Starting a running stream does nothing.
func (b *Backend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Destroyed:
		return patchbay.ErrEngineDestroyed
	case Uninitialized:
		return errNotConfigured
	case Running:
		return nil
	}
	if err := b.stream.Start(); err != nil {
		return fmt.Errorf("could not start audio stream: %w", err)
	}
	b.state = Running
	return nil
}

// Stop stops the stream. Stopping a stream that is not running does nothing.
func (b *Backend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Destroyed:
		return patchbay.ErrEngineDestroyed
	case Running:
		if err := b.stream.Stop(); err != nil {
			return fmt.Errorf("could not stop audio stream: %w", err)
		}
		b.state = Stopped
	}
	return nil
}

// Destroy stops and closes the stream and closes the driver. The backend
// cannot be used afterwards.
func (b *Backend) Destroy() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Destroyed {
		return patchbay.ErrEngineDestroyed
	}
	var first error
	if b.stream != nil {
		if b.state == Running {
			first = b.stream.Stop()
		}
		if err := b.stream.Close(); err != nil && first == nil {
			first = err
		}
		b.stream = nil
	}
	if err := b.driver.Close(); err != nil && first == nil {
		first = err
	}
	b.state = Destroyed
	return first
}

func checkDevices(driver patchbay.AudioDriver, cfg patchbay.StreamConfig) error {
	if cfg.InputChannels > 0 {
		d, err := findDevice(driver, cfg.InputDevice, true)
		if err != nil {
			return err
		}
		if cfg.InputChannels > d.MaxInputChannels {
			return &patchbay.DeviceConfigError{Reason: fmt.Sprintf("device %q has %d input channels, %d requested", d.Name, d.MaxInputChannels, cfg.InputChannels)}
		}
	}
	if cfg.OutputChannels > 0 {
		d, err := findDevice(driver, cfg.OutputDevice, false)
		if err != nil {
			return err
		}
		if cfg.OutputChannels > d.MaxOutputChannels {
			return &patchbay.DeviceConfigError{Reason: fmt.Sprintf("device %q has %d output channels, %d requested", d.Name, d.MaxOutputChannels, cfg.OutputChannels)}
		}
	}
	return nil
}

func findDevice(driver patchbay.AudioDriver, index int, input bool) (patchbay.Device, error) {
	if index < 0 {
		var d patchbay.Device
		var ok bool
		if input {
			d, ok = driver.DefaultInputDevice()
		} else {
			d, ok = driver.DefaultOutputDevice()
		}
		if !ok {
			dir := "output"
			if input {
				dir = "input"
			}
			return d, &patchbay.DeviceConfigError{Reason: "no default " + dir + " device"}
		}
		return d, nil
	}
	devices, err := driver.Devices()
	if err != nil {
		return patchbay.Device{}, &patchbay.DeviceConfigError{Reason: "could not list devices", Err: err}
	}
	for _, d := range devices {
		if d.Index == index {
			return d, nil
		}
	}
	return patchbay.Device{}, &patchbay.DeviceConfigError{Reason: fmt.Sprintf("no device with index %d", index)}
}

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Configured:
		return "configured"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Destroyed:
		return "destroyed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
