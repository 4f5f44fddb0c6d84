package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/duoscribe/pkg/audio"
)

// DefaultQueueSize is the capacity of the per-device frame queue.
const DefaultQueueSize = 50

// dropLogEvery controls how often queue drops are logged after the first one.
const dropLogEvery = 100

// Sink receives resampled frames from the consumer goroutine. It should
// return promptly once ctx is cancelled.
type Sink func(ctx context.Context, frame audio.Frame)

// Option configures a [Source].
type Option func(*Source)

// WithQueueSize sets the bounded queue capacity. Values below 1 are ignored.
func WithQueueSize(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithTargetRate sets the rate frames are resampled to before reaching the
// sink. Default: [audio.CanonicalRate].
func WithTargetRate(rate int) Option {
	return func(s *Source) {
		if rate > 0 {
			s.resampler.Target = rate
		}
	}
}

// Stats are the counters of one [Source].
type Stats struct {
	DeviceID int `json:"device_id"`

	// Captured counts frames accepted into the queue.
	Captured uint64 `json:"captured"`

	// Dropped counts frames discarded because the queue was full.
	Dropped uint64 `json:"dropped"`

	// ResampleFailures counts frames the consumer could not convert.
	ResampleFailures uint64 `json:"resample_failures"`

	// CallbackPanics counts panics recovered inside the driver callback.
	CallbackPanics uint64 `json:"callback_panics"`
}

// Source captures one device. Create with [Open]; release with [Source.Stop].
type Source struct {
	dev       audio.Device
	sink      Sink
	queueSize int
	resampler audio.Resampler

	stream  Stream
	queue   chan audio.Frame
	started time.Time
	seq     atomic.Uint64
	closed  atomic.Bool

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error

	captured         atomic.Uint64
	dropped          atomic.Uint64
	resampleFailures atomic.Uint64
	panics           atomic.Uint64
	resampleWarned   atomic.Bool
}

// Open opens dev on backend, starts the hardware stream and the consumer
// goroutine. Resampled frames are passed to sink until ctx is cancelled or
// [Source.Stop] is called.
func Open(ctx context.Context, backend Backend, dev audio.Device, sink Sink, opts ...Option) (*Source, error) {
	if dev.NativeRate <= 0 {
		return nil, fmt.Errorf("capture: device %d: %w", dev.ID, audio.ErrInvalidRate)
	}
	if sink == nil {
		return nil, errors.New("capture: sink must not be nil")
	}
	s := &Source{
		dev:       dev,
		sink:      sink,
		queueSize: DefaultQueueSize,
		resampler: audio.Resampler{Target: audio.CanonicalRate},
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.queue = make(chan audio.Frame, s.queueSize)

	fpb := audio.FramesPerBuffer(dev.NativeRate)
	stream, err := backend.Open(dev, fpb, s.onSamples)
	if err != nil {
		return nil, fmt.Errorf("capture: open device %d: %w", dev.ID, err)
	}
	s.stream = stream

	cctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = time.Now()
	go s.consume(cctx)

	if err := stream.Start(); err != nil {
		cancel()
		<-s.done
		_ = stream.Close()
		return nil, fmt.Errorf("capture: start device %d: %w", dev.ID, err)
	}

	slog.Info("capture started",
		"device_id", dev.ID,
		"device_name", dev.Name,
		"role", dev.Role.String(),
		"native_rate", dev.NativeRate,
		"frames_per_buffer", fpb,
		"queue_size", s.queueSize,
	)
	return s, nil
}

// Device returns the device this source captures.
func (s *Source) Device() audio.Device { return s.dev }

// onSamples runs on the driver thread. It must never block or panic.
func (s *Source) onSamples(in []int16) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
		}
	}()
	if s.closed.Load() {
		return
	}
	frame := audio.Frame{
		DeviceID:   s.dev.ID,
		Seq:        s.seq.Add(1),
		Data:       audio.EncodePCM16(in),
		SampleRate: s.dev.NativeRate,
		Timestamp:  time.Since(s.started),
	}
	select {
	case s.queue <- frame:
		s.captured.Add(1)
	default:
		n := s.dropped.Add(1)
		if n == 1 || n%dropLogEvery == 0 {
			slog.Warn("capture queue full, dropping frame", "device_id", s.dev.ID, "dropped_total", n)
		}
	}
}

func (s *Source) consume(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.queue:
			out, err := s.resampler.Convert(frame)
			if err != nil {
				s.resampleFailures.Add(1)
				if s.resampleWarned.CompareAndSwap(false, true) {
					slog.Warn("capture: dropping frame that failed to resample",
						"device_id", s.dev.ID, "seq", frame.Seq, "err", err)
				}
				continue
			}
			s.sink(ctx, out)
		}
	}
}

// Stop halts the hardware stream, stops the consumer goroutine and discards
// frames still queued. It is safe to call more than once; later calls return
// the result of the first.
func (s *Source) Stop() error {
	s.stopOnce.Do(func() {
		s.closed.Store(true)
		var errs []error
		if err := s.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop stream: %w", err))
		}
		if err := s.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
		s.cancel()
		<-s.done
		discarded := audio.DiscardPending(s.queue)

		if len(errs) > 0 {
			s.stopErr = fmt.Errorf("capture: device %d: %w", s.dev.ID, errors.Join(errs...))
		}
		slog.Info("capture stopped",
			"device_id", s.dev.ID,
			"captured", s.captured.Load(),
			"dropped", s.dropped.Load(),
			"discarded", discarded,
		)
	})
	return s.stopErr
}

// Stats returns a snapshot of the source counters.
func (s *Source) Stats() Stats {
	return Stats{
		DeviceID:         s.dev.ID,
		Captured:         s.captured.Load(),
		Dropped:          s.dropped.Load(),
		ResampleFailures: s.resampleFailures.Load(),
		CallbackPanics:   s.panics.Load(),
	}
}
