// Package portaudio implements [capture.Backend] on top of the PortAudio C
// library through github.com/gordonklaus/portaudio.
//
// Building requires the PortAudio development headers (portaudio19-dev on
// Debian, portaudio on Homebrew).
package portaudio

import (
	"context"
	"fmt"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/duoscribe/pkg/audio"
	"github.com/MrWong99/duoscribe/pkg/audio/capture"
)

// Backend opens PortAudio input streams. Device ids are indices into the
// host's PortAudio device list.
type Backend struct {
	mu     sync.Mutex
	closed bool
}

var (
	_ capture.Backend      = (*Backend)(nil)
	_ capture.DeviceLister = (*Backend)(nil)
)

// New initializes PortAudio. Call [Backend.Close] to release it.
func New() (*Backend, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Backend{}, nil
}

// Close terminates PortAudio. Streams must be closed first.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := pa.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// Devices implements [capture.DeviceLister]. Only devices with input channels
// are returned.
func (b *Backend) Devices(_ context.Context) ([]capture.DeviceInfo, error) {
	infos, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	out := make([]capture.DeviceInfo, 0, len(infos))
	for i, d := range infos {
		if d.MaxInputChannels < 1 {
			continue
		}
		out = append(out, capture.DeviceInfo{
			ID:                i,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		})
	}
	return out, nil
}

// Open implements [capture.Backend]. The stream is opened mono at
// dev.NativeRate with the device's default low input latency.
func (b *Backend) Open(dev audio.Device, framesPerBuffer int, cb capture.Callback) (capture.Stream, error) {
	infos, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	if dev.ID < 0 || dev.ID >= len(infos) || infos[dev.ID].MaxInputChannels < 1 {
		return nil, fmt.Errorf("portaudio: device %d: %w", dev.ID, capture.ErrNoDevice)
	}
	info := infos[dev.ID]

	params := pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   info,
			Channels: 1,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      float64(dev.NativeRate),
		FramesPerBuffer: framesPerBuffer,
	}
	stream, err := pa.OpenStream(params, func(in []int16) {
		cb(in)
	})
	if err != nil {
		return nil, fmt.Errorf("portaudio: open %q at %d Hz: %w", info.Name, dev.NativeRate, err)
	}
	return stream, nil
}
