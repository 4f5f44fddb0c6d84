// Package sink persists mixed PCM buffers to disk.
//
// Two formats are supported: [FormatRaw] appends the bytes exactly as they
// were sent to the recognizer (headerless little-endian int16, interleaved
// when multichannel), and [FormatWAV] writes the same samples inside a RIFF
// WAVE container using github.com/go-audio/wav.
package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/duoscribe/pkg/audio"
)

// Format selects the on-disk layout.
type Format string

const (
	// FormatRaw is headerless linear16 PCM.
	FormatRaw Format = "raw"

	// FormatWAV is 16-bit PCM WAVE.
	FormatWAV Format = "wav"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("sink: closed")

// ParseFormat converts a config string to a [Format]. The empty string maps
// to [FormatRaw].
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatRaw:
		return FormatRaw, nil
	case FormatWAV:
		return FormatWAV, nil
	}
	return "", fmt.Errorf("sink: unknown format %q", s)
}

// Writer is an open persistence target. Write receives whole mixed buffers.
type Writer interface {
	io.WriteCloser
}

// Open creates (truncating) the file at path and returns a writer for the
// given format. sampleRate and channels describe the buffers that will be
// written; they are only used by [FormatWAV].
func Open(path string, format Format, sampleRate, channels int) (Writer, error) {
	if channels < 1 || sampleRate <= 0 {
		return nil, fmt.Errorf("sink: invalid layout %d Hz x %d channels", sampleRate, channels)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sink: create %s: %w", path, err)
	}
	switch format {
	case FormatRaw, "":
		return &rawWriter{f: f}, nil
	case FormatWAV:
		return newWAVWriter(f, sampleRate, channels), nil
	default:
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("sink: unknown format %q", format)
	}
}

type rawWriter struct {
	mu     sync.Mutex
	f      *os.File
	closed bool
}

func (w *rawWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	return w.f.Write(p)
}

func (w *rawWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}

type wavWriter struct {
	mu     sync.Mutex
	f      *os.File
	enc    *wav.Encoder
	buf    *goaudio.IntBuffer
	closed bool
}

func newWAVWriter(f *os.File, sampleRate, channels int) *wavWriter {
	return &wavWriter{
		f:   f,
		enc: wav.NewEncoder(f, sampleRate, 16, channels, 1),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
			SourceBitDepth: 16,
		},
	}
}

func (w *wavWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	samples, err := audio.DecodePCM16(p)
	if err != nil {
		return 0, fmt.Errorf("sink: %w", err)
	}
	if cap(w.buf.Data) < len(samples) {
		w.buf.Data = make([]int, len(samples))
	}
	w.buf.Data = w.buf.Data[:len(samples)]
	for i, s := range samples {
		w.buf.Data[i] = int(s)
	}
	if err := w.enc.Write(w.buf); err != nil {
		return 0, fmt.Errorf("sink: wav write: %w", err)
	}
	return len(p), nil
}

// Close finalizes the RIFF header sizes and closes the file.
func (w *wavWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	encErr := w.enc.Close()
	fileErr := w.f.Close()
	if encErr != nil {
		return fmt.Errorf("sink: wav finalize: %w", encErr)
	}
	return fileErr
}
