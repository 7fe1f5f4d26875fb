package audio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vsariola/patchbay"
)

type (
	// Offline is an AudioDriver without hardware. Its streams are advanced by
	// calling Tick or Render, or paced in real time by Run. It is used for
	// rendering to files and in tests.
	Offline struct {
		mu      sync.Mutex
		devices []patchbay.Device
		stream  *OfflineStream
	}

	// OfflineStream is a stream of the Offline driver. Callbacks only happen
	// while the stream is running.
	OfflineStream struct {
		mu      sync.Mutex
		cfg     patchbay.StreamConfig
		proc    patchbay.AudioProcessor
		in, out []float32
		running bool
		closed  bool
		frames  int64
	}
)

// OfflineChannels is the number of input and output channels of the virtual
// device of the Offline driver.
const OfflineChannels = 32

func NewOffline() *Offline {
	return &Offline{devices: []patchbay.Device{{
		Index:             0,
		Name:              "offline",
		HostAPI:           "offline",
		MaxInputChannels:  OfflineChannels,
		MaxOutputChannels: OfflineChannels,
		DefaultSampleRate: 48000,
	}}}
}

func (o *Offline) Devices() ([]patchbay.Device, error) {
	return append([]patchbay.Device(nil), o.devices...), nil
}

func (o *Offline) DefaultInputDevice() (patchbay.Device, bool) { return o.devices[0], true }

func (o *Offline) DefaultOutputDevice() (patchbay.Device, bool) { return o.devices[0], true }

func (o *Offline) Open(cfg patchbay.StreamConfig, p patchbay.AudioProcessor) (patchbay.AudioStream, error) {
	s := &OfflineStream{
		cfg:  cfg,
		proc: p,
		in:   make([]float32, cfg.FramesPerBuffer*cfg.InputChannels),
		out:  make([]float32, cfg.FramesPerBuffer*cfg.OutputChannels),
	}
	o.mu.Lock()
	o.stream = s
	o.mu.Unlock()
	return s, nil
}

// Stream returns the most recently opened stream, or nil.
func (o *Offline) Stream() *OfflineStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stream
}

func (o *Offline) Close() error { return nil }

func (s *OfflineStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	s.running = true
	return nil
}

func (s *OfflineStream) Stop() error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *OfflineStream) Close() error {
	s.mu.Lock()
	s.running, s.closed = false, true
	s.mu.Unlock()
	return nil
}

// Config returns the configuration the stream was opened with.
func (s *OfflineStream) Config() patchbay.StreamConfig { return s.cfg }

// Frames returns the number of frames processed so far.
func (s *OfflineStream) Frames() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// SetInput sets the interleaved input of the following callbacks. Missing
// samples are zero.
func (s *OfflineStream) SetInput(in []float32) {
	s.mu.Lock()
	n := copy(s.in, in)
	clear(s.in[n:])
	s.mu.Unlock()
}

// Tick runs one callback and returns the interleaved output, which is valid
// until the next call. If the stream is not running, nothing is processed and
// nil is returned.
func (s *OfflineStream) Tick() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.proc.ProcessAudio(s.in, s.out)
	s.frames += int64(s.cfg.FramesPerBuffer)
	return s.out
}

// Render runs callbacks until at least frames frames have been produced or
// the stream stops, and returns the output appended to dst.
func (s *OfflineStream) Render(dst []float32, frames int) []float32 {
	for done := 0; done < frames; done += s.cfg.FramesPerBuffer {
		out := s.Tick()
		if out == nil {
			break
		}
		dst = append(dst, out...)
	}
	return dst
}

// Run calls Tick at the rate a sound card would, until ctx is done or the
// stream is closed.
func (s *OfflineStream) Run(ctx context.Context) error {
	d := s.cfg.Duration()
	if d <= 0 {
		d = time.Millisecond
	}
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			s.Tick()
		}
	}
}

var errStreamClosed = errors.New("offline stream closed")
