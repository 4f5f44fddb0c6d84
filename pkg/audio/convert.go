package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

var (
	// ErrOddLength is returned when a PCM byte slice does not hold a whole
	// number of int16 samples.
	ErrOddLength = errors.New("audio: odd byte count in linear16 PCM")

	// ErrInvalidRate is returned for a non-positive sample rate.
	ErrInvalidRate = errors.New("audio: sample rate must be positive")
)

// DecodePCM16 converts little-endian int16 PCM to samples.
func DecodePCM16(pcm []byte) ([]int16, error) {
	if len(pcm)%BytesPerSample != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddLength, len(pcm))
	}
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out, nil
}

// EncodePCM16 converts samples to little-endian int16 PCM.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// clamp16 rounds v to the nearest integer and saturates it to the int16 range.
func clamp16(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Resample converts samples from srcRate to dstRate by linear interpolation.
//
// The output holds floor(len(samples) * dstRate / srcRate) samples taken at
// evenly spaced positions over [0, len(samples)-1], so the first and last
// input samples are always reproduced exactly. When srcRate == dstRate the
// input slice is returned as is.
func Resample(samples []int16, srcRate, dstRate int) ([]int16, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("%w: %d -> %d", ErrInvalidRate, srcRate, dstRate)
	}
	if srcRate == dstRate {
		return samples, nil
	}
	n := len(samples)
	outLen := int(int64(n) * int64(dstRate) / int64(srcRate))
	if n == 0 || outLen == 0 {
		return []int16{}, nil
	}

	out := make([]int16, outLen)
	if outLen == 1 || n == 1 {
		for i := range out {
			out[i] = samples[0]
		}
		if outLen > 1 {
			out[outLen-1] = samples[n-1]
		}
		return out, nil
	}

	step := float64(n-1) / float64(outLen-1)
	for i := range outLen {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= n-1 {
			out[i] = samples[n-1]
			continue
		}
		frac := pos - float64(idx)
		s0 := float64(samples[idx])
		s1 := float64(samples[idx+1])
		out[i] = clamp16(s0 + (s1-s0)*frac)
	}
	return out, nil
}

// ResampleMono16 resamples 16-bit mono PCM bytes from srcRate to dstRate.
// If srcRate == dstRate, pcm is returned unchanged without allocation.
func ResampleMono16(pcm []byte, srcRate, dstRate int) ([]byte, error) {
	if srcRate == dstRate && srcRate > 0 {
		if len(pcm)%BytesPerSample != 0 {
			return nil, fmt.Errorf("%w: %d bytes", ErrOddLength, len(pcm))
		}
		return pcm, nil
	}
	samples, err := DecodePCM16(pcm)
	if err != nil {
		return nil, err
	}
	out, err := Resample(samples, srcRate, dstRate)
	if err != nil {
		return nil, err
	}
	return EncodePCM16(out), nil
}

// Resampler converts frames of one device to a target rate. It logs the rate
// mismatch once on the first conversion. Create one per device stream; it is
// not designed for shared use across goroutines.
type Resampler struct {
	Target         int
	warnedMismatch sync.Once
}

// Convert returns frame resampled to r.Target. A frame already at the target
// rate is returned unchanged. The returned frame keeps DeviceID, Seq and
// Timestamp of the input.
func (r *Resampler) Convert(frame Frame) (Frame, error) {
	if frame.SampleRate != r.Target {
		r.warnedMismatch.Do(func() {
			slog.Debug("resampling device stream",
				"device_id", frame.DeviceID,
				"from", formatString(frame.SampleRate, 1),
				"to", formatString(r.Target, 1),
			)
		})
	}
	pcm, err := ResampleMono16(frame.Data, frame.SampleRate, r.Target)
	if err != nil {
		return Frame{}, err
	}
	out := frame
	out.Data = pcm
	out.SampleRate = r.Target
	return out, nil
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
