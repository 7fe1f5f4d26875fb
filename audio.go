package patchbay

import "time"

type (
	// Device describes an audio device as reported by an AudioDriver.
	Device struct {
		Index                    int
		Name                     string
		HostAPI                  string `yaml:",omitempty"`
		MaxInputChannels         int
		MaxOutputChannels        int
		DefaultLowInputLatency   time.Duration
		DefaultLowOutputLatency  time.Duration
		DefaultHighInputLatency  time.Duration
		DefaultHighOutputLatency time.Duration
		DefaultSampleRate        float64
	}

	// StreamConfig is the configuration of a duplex audio stream. Device
	// indices refer to Device.Index; a negative index selects the default
	// device.
	StreamConfig struct {
		SampleRate      int
		InputChannels   int
		OutputChannels  int
		FramesPerBuffer int
		InputDevice     int
		OutputDevice    int
	}

	// AudioProcessor is called from the real-time audio thread once per
	// hardware callback. in and out are interleaved and hold exactly
	// FramesPerBuffer frames. ProcessAudio must not block, allocate or take
	// locks.
	AudioProcessor interface {
		ProcessAudio(in, out []float32)
	}

	// AudioStream is an opened, but not necessarily running, audio stream.
	AudioStream interface {
		Start() error
		Stop() error
		Close() error
	}

	// AudioDriver abstracts the platform audio API.
	AudioDriver interface {
		Devices() ([]Device, error)
		DefaultInputDevice() (Device, bool)
		DefaultOutputDevice() (Device, bool)
		Open(cfg StreamConfig, p AudioProcessor) (AudioStream, error)
		Close() error
	}
)

// Duration returns how long one callback of the stream lasts.
func (c StreamConfig) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.FramesPerBuffer) * time.Second / time.Duration(c.SampleRate)
}

// Validate checks the parts of the configuration that do not depend on the
// device.
func (c StreamConfig) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return &DeviceConfigError{Reason: "sample rate must be positive"}
	case c.FramesPerBuffer <= 0:
		return &DeviceConfigError{Reason: "frames per buffer must be positive"}
	case c.InputChannels < 0 || c.OutputChannels < 0:
		return &DeviceConfigError{Reason: "channel counts cannot be negative"}
	case c.InputChannels == 0 && c.OutputChannels == 0:
		return &DeviceConfigError{Reason: "stream needs at least one input or output channel"}
	}
	return nil
}
