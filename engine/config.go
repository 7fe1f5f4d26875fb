package engine

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vsariola/patchbay"
)

// Config is the configuration of an engine. The zero value is not usable, start
// from DefaultConfig.
type Config struct {
	SampleRate     int `yaml:"sampleRate"`
	InputChannels  int `yaml:"inputChannels"`
	OutputChannels int `yaml:"outputChannels"`
	// InputDevice and OutputDevice are device indices; -1 selects the default
	// device.
	InputDevice  int `yaml:"inputDevice"`
	OutputDevice int `yaml:"outputDevice"`
	// BlockSize is the number of samples processed at once. Messages can be
	// timed with sub-block accuracy, but receivers run once per block.
	BlockSize int `yaml:"blockSize"`
	// Ticks is the number of blocks computed per device callback.
	Ticks int `yaml:"ticks"`
	// QueueCapacity is the capacity of each of the two queues between the
	// control side and the audio thread.
	QueueCapacity int `yaml:"queueCapacity"`
	// PendingCapacity limits the number of messages waiting for their time
	// on the audio thread.
	PendingCapacity int           `yaml:"pendingCapacity"`
	SearchPaths     []string      `yaml:"searchPaths,omitempty"`
	PollInterval    time.Duration `yaml:"pollInterval"`
}

func DefaultConfig() Config {
	return Config{
		SampleRate:      48000,
		InputChannels:   1,
		OutputChannels:  2,
		InputDevice:     -1,
		OutputDevice:    -1,
		BlockSize:       64,
		Ticks:           1,
		QueueCapacity:   4096,
		PendingCapacity: 4096,
		PollInterval:    10 * time.Millisecond,
	}
}

// LoadConfig reads a YAML configuration file. Fields missing from the file
// keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("could not open config: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("could not parse config %v: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// StreamConfig returns the configuration of the audio stream the engine
// needs.
func (c Config) StreamConfig() patchbay.StreamConfig {
	return patchbay.StreamConfig{
		SampleRate:      c.SampleRate,
		InputChannels:   c.InputChannels,
		OutputChannels:  c.OutputChannels,
		FramesPerBuffer: c.BlockSize * c.Ticks,
		InputDevice:     c.InputDevice,
		OutputDevice:    c.OutputDevice,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.BlockSize <= 0 {
		errs = append(errs, errors.New("block size must be positive"))
	}
	if c.Ticks <= 0 {
		errs = append(errs, errors.New("ticks must be positive"))
	}
	if c.QueueCapacity <= 0 || c.PendingCapacity <= 0 {
		errs = append(errs, errors.New("queue capacities must be positive"))
	}
	if c.PollInterval < 0 {
		errs = append(errs, errors.New("poll interval cannot be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", patchbay.ErrInvalidArgument, err)
	}
	return c.StreamConfig().Validate()
}
