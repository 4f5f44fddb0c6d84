// Package mock provides an in-memory [capture.Backend] for unit tests.
//
// The mocks are safe for concurrent use and record every call. A test drives
// audio through [Stream.Push], which invokes the registered callback the same
// way a driver thread would.
//
// Typical usage:
//
//	backend := &mock.Backend{}
//	src, err := capture.Open(ctx, backend, dev, sink)
//	backend.Stream(dev.ID).Push(make([]int16, 4096))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/duoscribe/pkg/audio"
	"github.com/MrWong99/duoscribe/pkg/audio/capture"
)

// OpenCall records the arguments of one [Backend.Open] call.
type OpenCall struct {
	Device          audio.Device
	FramesPerBuffer int
}

// Backend is a mock implementation of [capture.Backend].
type Backend struct {
	mu sync.Mutex

	// OpenErr, when set, is returned by Open for every device.
	OpenErr error

	// OpenErrByDevice overrides OpenErr for individual device ids.
	OpenErrByDevice map[int]error

	// StartErr is returned by Start of every stream opened afterwards.
	StartErr error

	// OpenCalls records every Open call in order.
	OpenCalls []OpenCall

	// DeviceList is returned by Devices, DevicesErr as its error.
	DeviceList []capture.DeviceInfo
	DevicesErr error

	streams map[int]*Stream
}

var (
	_ capture.Backend      = (*Backend)(nil)
	_ capture.DeviceLister = (*Backend)(nil)
)

// Devices implements [capture.DeviceLister].
func (b *Backend) Devices(context.Context) ([]capture.DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.DeviceList, b.DevicesErr
}

// Open implements [capture.Backend].
func (b *Backend) Open(dev audio.Device, framesPerBuffer int, cb capture.Callback) (capture.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenCalls = append(b.OpenCalls, OpenCall{Device: dev, FramesPerBuffer: framesPerBuffer})
	if err, ok := b.OpenErrByDevice[dev.ID]; ok && err != nil {
		return nil, err
	}
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	s := &Stream{cb: cb, startErr: b.StartErr}
	if b.streams == nil {
		b.streams = make(map[int]*Stream)
	}
	b.streams[dev.ID] = s
	return s, nil
}

// Stream returns the most recent stream opened for deviceID, or nil.
func (b *Backend) Stream(deviceID int) *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[deviceID]
}

// Stream is a mock implementation of [capture.Stream].
type Stream struct {
	mu       sync.Mutex
	cb       capture.Callback
	startErr error
	running  bool

	// StopErr and CloseErr are returned by Stop and Close.
	StopErr  error
	CloseErr error

	CallCountStart int
	CallCountStop  int
	CallCountClose int
}

var _ capture.Stream = (*Stream)(nil)

// Start implements [capture.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.startErr != nil {
		return s.startErr
	}
	s.running = true
	return nil
}

// Stop implements [capture.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.running = false
	return s.StopErr
}

// Close implements [capture.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.running = false
	return s.CloseErr
}

// Push delivers samples to the callback as a driver thread would. It reports
// false, without calling back, when the stream is not running.
func (s *Stream) Push(samples []int16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.cb(samples)
	return true
}

// Running reports whether the stream is started and not stopped.
func (s *Stream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
