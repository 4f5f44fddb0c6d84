// Package capture turns a hardware input device into a stream of canonical
// rate [audio.Frame] values.
//
// The hardware side is abstracted by [Backend]. A backend invokes a callback
// on its own real-time thread for every capture period; [Source] copies the
// samples out of that callback into a bounded queue without ever blocking,
// and a consumer goroutine resamples queued frames and hands them to a [Sink].
//
// When the queue is full the newest frame is dropped. Audio loss is
// preferred over stalling the driver thread.
package capture

import (
	"context"
	"errors"

	"github.com/MrWong99/duoscribe/pkg/audio"
)

// ErrNoDevice is returned by backends when the requested device id does not
// exist or has no input channels.
var ErrNoDevice = errors.New("capture: no such input device")

// Callback receives one capture period of mono int16 samples. The slice is
// only valid for the duration of the call.
type Callback func(in []int16)

// Stream is an opened hardware input stream.
type Stream interface {
	// Start begins invoking the callback.
	Start() error

	// Stop halts the callback. After Stop returns the callback is not invoked
	// again.
	Stop() error

	// Close releases the stream. It must be called after Stop.
	Close() error
}

// Backend opens hardware input streams. Implementations must be safe for
// concurrent use: the pipeline opens its devices in parallel.
type Backend interface {
	// Open prepares a mono input stream on dev at dev.NativeRate delivering
	// framesPerBuffer samples per callback. The stream is not started.
	Open(dev audio.Device, framesPerBuffer int, cb Callback) (Stream, error)
}

// DeviceInfo describes an input device reported by a [DeviceLister].
type DeviceInfo struct {
	ID                int     `json:"id"`
	Name              string  `json:"name"`
	MaxInputChannels  int     `json:"max_input_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
}

// DeviceLister is implemented by backends that can enumerate their devices.
type DeviceLister interface {
	Devices(ctx context.Context) ([]DeviceInfo, error)
}
