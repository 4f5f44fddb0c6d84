// Package audio defines the frame and device types shared by the capture,
// resampling, and mixing stages of the duoscribe pipeline, together with the
// PCM conversion helpers they use.
//
// All PCM handled here is signed 16-bit little-endian. Captured frames are
// mono; mixed buffers may be interleaved multi-channel.
package audio

import (
	"fmt"
	"time"
)

const (
	// CanonicalRate is the sample rate in Hz every captured stream is
	// resampled to before mixing and transmission.
	CanonicalRate = 16000

	// BaseFrameSamples is the capture period, in samples, at [CanonicalRate].
	// Devices running at other rates scale it so that every device emits one
	// frame per 256 ms of wall-clock time.
	BaseFrameSamples = 4096

	// BytesPerSample is the width of one linear16 sample.
	BytesPerSample = 2
)

// Role distinguishes the two capture inputs.
type Role int

const (
	// RolePrimary is the local microphone (the "user" speaker).
	RolePrimary Role = iota

	// RoleSecondary is the loopback / what-you-hear device (the "system" speaker).
	RoleSecondary
)

// String returns the human-readable name of the role.
func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	default:
		return "unknown"
	}
}

// ParseRole converts a config string into a [Role].
func ParseRole(s string) (Role, error) {
	switch s {
	case "", "primary":
		return RolePrimary, nil
	case "secondary":
		return RoleSecondary, nil
	}
	return 0, fmt.Errorf("audio: unknown device role %q", s)
}

// Device identifies one hardware input stream for the lifetime of a pipeline run.
type Device struct {
	// ID is the backend-specific device index.
	ID int

	// Name is a human-readable label used in logs. May be empty.
	Name string

	// NativeRate is the sample rate in Hz the device is opened at.
	NativeRate int

	// Role is the capture role. The channel order of a multichannel mix
	// follows the device order, not the role.
	Role Role
}

// FramesPerBuffer returns the capture period in samples for a device running
// at nativeRate: BaseFrameSamples * nativeRate / CanonicalRate.
func FramesPerBuffer(nativeRate int) int {
	return BaseFrameSamples * nativeRate / CanonicalRate
}

// Frame is one capture period of mono PCM from a single device. Frames are
// never mutated after creation; conversions return a new Frame.
type Frame struct {
	// DeviceID is the [Device.ID] of the producing device.
	DeviceID int

	// Seq is the monotonic arrival order within the device, starting at 1.
	Seq uint64

	// Data is little-endian int16 mono PCM.
	Data []byte

	// SampleRate in Hz of Data.
	SampleRate int

	// Timestamp marks when the frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of int16 samples in the frame.
func (f Frame) Samples() int { return len(f.Data) / BytesPerSample }
