package patchbay

import (
	"errors"
	"fmt"
)

var (
	// ErrStructural is the root of all errors caused by the caller passing
	// something that does not fit the current state of the engine, e.g.
	// closing a patch twice. Test with errors.Is.
	ErrStructural = errors.New("structural error")

	// ErrInvalidArgument is returned when an argument is malformed or refers
	// to something that does not exist.
	ErrInvalidArgument = fmt.Errorf("%w: invalid argument", ErrStructural)

	// ErrEngineDestroyed is returned by every operation on an engine after it
	// has been destroyed.
	ErrEngineDestroyed = errors.New("engine destroyed")

	// ErrQueueFull is returned when a message could not be queued because the
	// bounded queue towards the audio thread was full. The message is dropped.
	ErrQueueFull = errors.New("queue full")
)

// DeviceConfigError is returned when the audio device rejects the requested
// stream configuration.
type DeviceConfigError struct {
	Reason string
	Err    error
}

func (e *DeviceConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device configuration failed: %s: %v", e.Reason, e.Err)
	}
	return "device configuration failed: " + e.Reason
}

func (e *DeviceConfigError) Unwrap() error {
	return e.Err
}
