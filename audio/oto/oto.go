// Package oto is an output-only audio driver built on oto. The player pulls
// audio through an io.Reader, which runs the engine one callback at a time.
package oto

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/vsariola/patchbay"
)

type (
	// Driver implements patchbay.AudioDriver. oto allows only one context per
	// process, so all streams of a driver share the sample rate and channel
	// count of the first one.
	Driver struct {
		mu       sync.Mutex
		context  *oto.Context
		rate     int
		channels int
	}

	// Stream plays the output of an AudioProcessor.
	Stream struct {
		player *oto.Player
		reader *reader
	}

	reader struct {
		proc  patchbay.AudioProcessor
		out   []float32
		bytes []byte
		pos   int
	}
)

// MaxChannels is the largest channel count the driver offers.
const MaxChannels = 2

const defaultRate = 48000

var device = patchbay.Device{
	Index:             0,
	Name:              "default",
	HostAPI:           "oto",
	MaxOutputChannels: MaxChannels,
	DefaultSampleRate: defaultRate,
}

func New() *Driver {
	return &Driver{}
}

func (d *Driver) Devices() ([]patchbay.Device, error) {
	return []patchbay.Device{device}, nil
}

func (d *Driver) DefaultInputDevice() (patchbay.Device, bool) { return patchbay.Device{}, false }

func (d *Driver) DefaultOutputDevice() (patchbay.Device, bool) { return device, true }

func (d *Driver) Open(cfg patchbay.StreamConfig, p patchbay.AudioProcessor) (patchbay.AudioStream, error) {
	if cfg.InputChannels > 0 {
		return nil, &patchbay.DeviceConfigError{Reason: "oto has no audio input"}
	}
	if cfg.OutputDevice > 0 {
		return nil, &patchbay.DeviceConfigError{Reason: fmt.Sprintf("no device with index %d", cfg.OutputDevice)}
	}
	context, err := d.contextFor(cfg)
	if err != nil {
		return nil, err
	}
	r := &reader{
		proc:  p,
		out:   make([]float32, cfg.FramesPerBuffer*cfg.OutputChannels),
		bytes: make([]byte, 4*cfg.FramesPerBuffer*cfg.OutputChannels),
	}
	r.pos = len(r.bytes)
	return &Stream{player: context.NewPlayer(r), reader: r}, nil
}

func (d *Driver) contextFor(cfg patchbay.StreamConfig) (*oto.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.context != nil {
		if d.rate != cfg.SampleRate || d.channels != cfg.OutputChannels {
			return nil, &patchbay.DeviceConfigError{Reason: fmt.Sprintf("oto is already running at %d Hz with %d channels", d.rate, d.channels)}
		}
		if err := d.context.Resume(); err != nil {
			return nil, fmt.Errorf("cannot resume oto context: %w", err)
		}
		return d.context, nil
	}
	context, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   cfg.SampleRate,
		ChannelCount: cfg.OutputChannels,
		Format:       oto.FormatFloat32LE,
		BufferSize:   cfg.Duration() * 2,
	})
	if err != nil {
		return nil, &patchbay.DeviceConfigError{Reason: "cannot create oto context", Err: err}
	}
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		return nil, &patchbay.DeviceConfigError{Reason: "oto context did not become ready"}
	}
	d.context, d.rate, d.channels = context, cfg.SampleRate, cfg.OutputChannels
	return context, nil
}

// Close suspends the context; oto contexts live until the process exits.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.context == nil {
		return nil
	}
	if err := d.context.Suspend(); err != nil {
		return fmt.Errorf("cannot suspend oto context: %w", err)
	}
	return nil
}

func (s *Stream) Start() error {
	s.player.Play()
	return nil
}

func (s *Stream) Stop() error {
	s.player.Pause()
	return nil
}

func (s *Stream) Close() error {
	if err := s.player.Close(); err != nil {
		return fmt.Errorf("cannot close oto player: %w", err)
	}
	return nil
}

// Read is called by the player on its own goroutine. Every time the previous
// callback has been consumed, it runs the processor again.
func (r *reader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if r.pos == len(r.bytes) {
			r.proc.ProcessAudio(nil, r.out)
			encodeFloat32LE(r.bytes, r.out)
			r.pos = 0
		}
		c := copy(p[n:], r.bytes[r.pos:])
		n += c
		r.pos += c
	}
	return n, nil
}
