//go:build cgo

// Package portaudio is a duplex audio driver built on PortAudio.
package portaudio

import (
	"fmt"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/vsariola/patchbay"
)

type (
	// Driver implements patchbay.AudioDriver. PortAudio is initialized by New
	// and terminated by Close.
	Driver struct {
		mu     sync.Mutex
		closed bool
	}

	stream struct {
		*pa.Stream
	}
)

func New() (*Driver, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("cannot initialize portaudio: %w", err)
	}
	return &Driver{}, nil
}

func (d *Driver) Devices() ([]patchbay.Device, error) {
	infos, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("cannot list portaudio devices: %w", err)
	}
	ret := make([]patchbay.Device, len(infos))
	for i, info := range infos {
		ret[i] = convert(info)
	}
	return ret, nil
}

func (d *Driver) DefaultInputDevice() (patchbay.Device, bool) {
	info, err := pa.DefaultInputDevice()
	if err != nil || info == nil {
		return patchbay.Device{}, false
	}
	return convert(info), true
}

func (d *Driver) DefaultOutputDevice() (patchbay.Device, bool) {
	info, err := pa.DefaultOutputDevice()
	if err != nil || info == nil {
		return patchbay.Device{}, false
	}
	return convert(info), true
}

// Open opens a stream with the requested devices. The callback runs on the
// PortAudio thread with interleaved buffers.
func (d *Driver) Open(cfg patchbay.StreamConfig, p patchbay.AudioProcessor) (patchbay.AudioStream, error) {
	var in, out *pa.DeviceInfo
	var err error
	if cfg.InputChannels > 0 {
		if in, err = lookup(cfg.InputDevice, pa.DefaultInputDevice); err != nil {
			return nil, err
		}
	}
	if cfg.OutputChannels > 0 {
		if out, err = lookup(cfg.OutputDevice, pa.DefaultOutputDevice); err != nil {
			return nil, err
		}
	}
	params := pa.LowLatencyParameters(in, out)
	params.Input.Channels = cfg.InputChannels
	params.Output.Channels = cfg.OutputChannels
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.FramesPerBuffer
	var s *pa.Stream
	switch {
	case cfg.InputChannels == 0:
		s, err = pa.OpenStream(params, func(out []float32) { p.ProcessAudio(nil, out) })
	case cfg.OutputChannels == 0:
		s, err = pa.OpenStream(params, func(in []float32) { p.ProcessAudio(in, nil) })
	default:
		s, err = pa.OpenStream(params, p.ProcessAudio)
	}
	if err != nil {
		return nil, &patchbay.DeviceConfigError{Reason: "cannot open portaudio stream", Err: err}
	}
	return stream{s}, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := pa.Terminate(); err != nil {
		return fmt.Errorf("cannot terminate portaudio: %w", err)
	}
	return nil
}

func lookup(index int, def func() (*pa.DeviceInfo, error)) (*pa.DeviceInfo, error) {
	if index < 0 {
		info, err := def()
		if err != nil {
			return nil, &patchbay.DeviceConfigError{Reason: "no default device", Err: err}
		}
		return info, nil
	}
	infos, err := pa.Devices()
	if err != nil {
		return nil, &patchbay.DeviceConfigError{Reason: "cannot list devices", Err: err}
	}
	if index >= len(infos) {
		return nil, &patchbay.DeviceConfigError{Reason: fmt.Sprintf("no device with index %d", index)}
	}
	return infos[index], nil
}

func convert(info *pa.DeviceInfo) patchbay.Device {
	d := patchbay.Device{
		Index:                    info.Index,
		Name:                     info.Name,
		MaxInputChannels:         info.MaxInputChannels,
		MaxOutputChannels:        info.MaxOutputChannels,
		DefaultLowInputLatency:   info.DefaultLowInputLatency,
		DefaultLowOutputLatency:  info.DefaultLowOutputLatency,
		DefaultHighInputLatency:  info.DefaultHighInputLatency,
		DefaultHighOutputLatency: info.DefaultHighOutputLatency,
		DefaultSampleRate:        info.DefaultSampleRate,
	}
	if info.HostApi != nil {
		d.HostAPI = info.HostApi.Name
	}
	return d
}
