// Package mixer synchronizes per-device capture frames into one mixed PCM
// buffer per time slice.
//
// A [Mixer] holds one slot per configured device. Frames are stored in their
// device's slot as they arrive; once every slot is filled the frames are
// combined according to the [Mode], the result is emitted, and all slots are
// cleared together. Devices are therefore mixed pairwise by arrival, not by
// timestamp: a device with more latency contributes slightly older audio.
package mixer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"

	"github.com/MrWong99/duoscribe/pkg/audio"
)

// ErrUnknownDevice is returned by [Mixer.Handle] for a device that has no slot.
var ErrUnknownDevice = errors.New("mixer: unknown device")

// Mode selects how device streams are combined.
type Mode int

const (
	// ModeMonoSum averages all devices into a single channel.
	ModeMonoSum Mode = iota

	// ModeMultichannel interleaves devices as separate channels, in device order.
	ModeMultichannel
)

// String returns the human-readable name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeMonoSum:
		return "mono"
	case ModeMultichannel:
		return "multichannel"
	default:
		return "unknown"
	}
}

// Channels returns the channel count of a buffer mixed from devices inputs.
func (m Mode) Channels(devices int) int {
	if m == ModeMultichannel {
		return devices
	}
	return 1
}

// LengthPolicy decides how frames of different lengths are aligned before
// mixing. Lengths can diverge by a sample when devices run at rates that do
// not divide the canonical rate evenly.
type LengthPolicy int

const (
	// PadSilence extends shorter frames with zero samples up to the longest.
	PadSilence LengthPolicy = iota

	// TruncateShortest cuts every frame to the shortest one.
	TruncateShortest
)

// String returns the config name of the policy.
func (p LengthPolicy) String() string {
	switch p {
	case PadSilence:
		return "pad"
	case TruncateShortest:
		return "truncate"
	default:
		return "unknown"
	}
}

// Option configures a [Mixer] during construction.
type Option func(*Mixer)

// WithLengthPolicy sets the frame length alignment policy. Default: [PadSilence].
func WithLengthPolicy(p LengthPolicy) Option {
	return func(m *Mixer) {
		m.policy = p
	}
}

// WithPersist appends every emitted buffer to w. A write error is logged and
// disables persistence; mixing continues.
func WithPersist(w io.Writer) Option {
	return func(m *Mixer) {
		m.persist = w
	}
}

// Stats reports counters of a [Mixer].
type Stats struct {
	// Mixes is the number of buffers emitted.
	Mixes uint64

	// Overruns counts frames that replaced a still pending frame of the same
	// device because the other devices had not delivered yet.
	Overruns uint64

	// Misaligned counts mixes whose input frames had different lengths.
	Misaligned uint64
}

// Mixer is the stream synchronizer. It is not safe for concurrent use: all
// calls must come from the single goroutine that owns it.
type Mixer struct {
	devices []int
	index   map[int]int
	slots   [][]int16
	filled  int

	mode    Mode
	policy  LengthPolicy
	emit    func([]byte)
	persist io.Writer

	stats Stats
}

// New creates a Mixer for the given device ids. The device order defines the
// channel order in [ModeMultichannel]. emit receives every mixed buffer and
// must not retain it past the call unless it copies it.
func New(deviceIDs []int, mode Mode, emit func([]byte), opts ...Option) (*Mixer, error) {
	if len(deviceIDs) == 0 {
		return nil, errors.New("mixer: at least one device is required")
	}
	if mode != ModeMonoSum && mode != ModeMultichannel {
		return nil, fmt.Errorf("mixer: invalid mode %d", mode)
	}
	index := make(map[int]int, len(deviceIDs))
	for i, id := range deviceIDs {
		if _, dup := index[id]; dup {
			return nil, fmt.Errorf("mixer: duplicate device id %d", id)
		}
		index[id] = i
	}
	m := &Mixer{
		devices: slices.Clone(deviceIDs),
		index:   index,
		slots:   make([][]int16, len(deviceIDs)),
		mode:    mode,
		emit:    emit,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Mode returns the configured mixing mode.
func (m *Mixer) Mode() Mode { return m.mode }

// Channels returns the channel count of emitted buffers.
func (m *Mixer) Channels() int { return m.mode.Channels(len(m.devices)) }

// Stats returns a snapshot of the mixer counters.
func (m *Mixer) Stats() Stats { return m.stats }

// Pending reports how many slots currently hold a frame.
func (m *Mixer) Pending() int { return m.filled }

// Handle stores pcm (little-endian int16 mono) in the slot of deviceID. While
// any slot is still empty it returns (false, nil). When the frame completes
// the set, the slots are mixed, the buffer is emitted and persisted, all
// slots are cleared, and Handle returns (true, nil).
func (m *Mixer) Handle(deviceID int, pcm []byte) (bool, error) {
	i, ok := m.index[deviceID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownDevice, deviceID)
	}
	samples, err := audio.DecodePCM16(pcm)
	if err != nil {
		return false, fmt.Errorf("mixer: device %d: %w", deviceID, err)
	}

	if m.slots[i] != nil {
		m.stats.Overruns++
		slog.Debug("mixer: slot overrun, keeping latest frame", "device_id", deviceID)
	} else {
		m.filled++
	}
	m.slots[i] = samples

	if m.filled < len(m.slots) {
		return false, nil
	}

	arrays := m.align(m.slots)
	var mixed []int16
	switch m.mode {
	case ModeMonoSum:
		mixed = MixMean(arrays)
	case ModeMultichannel:
		mixed = Interleave(arrays)
	}
	buf := audio.EncodePCM16(mixed)

	if m.emit != nil {
		m.emit(buf)
	}
	if m.persist != nil {
		if _, err := m.persist.Write(buf); err != nil {
			slog.Warn("mixer: persisting mixed audio failed, persistence disabled", "err", err)
			m.persist = nil
		}
	}
	m.stats.Mixes++
	m.Reset()
	return true, nil
}

// Reset clears every slot. Pending frames are discarded.
func (m *Mixer) Reset() {
	for i := range m.slots {
		m.slots[i] = nil
	}
	m.filled = 0
}

// align applies the length policy, returning arrays of equal length.
func (m *Mixer) align(arrays [][]int16) [][]int16 {
	shortest, longest := len(arrays[0]), len(arrays[0])
	for _, a := range arrays[1:] {
		shortest = min(shortest, len(a))
		longest = max(longest, len(a))
	}
	if shortest == longest {
		return arrays
	}
	m.stats.Misaligned++

	out := make([][]int16, len(arrays))
	for i, a := range arrays {
		switch m.policy {
		case TruncateShortest:
			out[i] = a[:shortest]
		default:
			if len(a) == longest {
				out[i] = a
				continue
			}
			padded := make([]int16, longest)
			copy(padded, a)
			out[i] = padded
		}
	}
	return out
}

// MixMean returns the element-wise mean of equally long arrays, rounded to
// the nearest integer and clamped to the int16 range.
func MixMean(arrays [][]int16) []int16 {
	if len(arrays) == 0 {
		return nil
	}
	n := len(arrays[0])
	out := make([]int16, n)
	for i := range n {
		var sum int64
		for _, a := range arrays {
			sum += int64(a[i])
		}
		v := math.Round(float64(sum) / float64(len(arrays)))
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		out[i] = int16(v)
	}
	return out
}

// Interleave returns the arrays interleaved as channels:
// out[len(arrays)*i+k] == arrays[k][i]. All arrays must be equally long.
func Interleave(arrays [][]int16) []int16 {
	if len(arrays) == 0 {
		return nil
	}
	ch := len(arrays)
	n := len(arrays[0])
	out := make([]int16, n*ch)
	for k, a := range arrays {
		for i := range n {
			out[ch*i+k] = a[i]
		}
	}
	return out
}
