package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

var ErrAlreadyCapturing = errors.New("already capturing")

// CaptureError reports that capture could not start.
type CaptureError struct {
	Reason string
	Err    error
}

func (e *CaptureError) Error() string {
	if e.Err == nil || e.Err.Error() == e.Reason {
		return "capture: " + e.Reason
	}
	return fmt.Sprintf("capture: %s: %v", e.Reason, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Device produces sample chunks from some input until stopped.
type Device interface {
	SampleRate() int
	Start(ctx context.Context, deliver func(SampleChunk)) error
	Stop() error
}

// Capture is the mono audio accumulated between Start and Stop.
type Capture struct {
	Samples    []float32
	SampleRate int
}

func (c Capture) Empty() bool { return len(c.Samples) == 0 }

func (c Capture) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(c.Samples)) / float64(c.SampleRate) * float64(time.Second))
}

// Source buffers mono audio from a Device and fans chunks out to a listener
// and level observers.
type Source struct {
	device Device
	log    *slog.Logger

	opMu sync.Mutex

	mu        sync.Mutex
	capturing bool
	buffer    []float32
	rate      int
	cancel    context.CancelFunc
	listener  func(SampleChunk)
	observers []func(float64)

	level atomic.Uint64
}

func NewSource(device Device, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{device: device, log: log.With(slog.String("component", "audio"))}
}

// SetListener registers the callback that receives a copy of every chunk
// while capturing.
func (s *Source) SetListener(fn func(SampleChunk)) {
	s.mu.Lock()
	s.listener = fn
	s.mu.Unlock()
}

// OnLevel registers an observer for per-chunk RMS levels.
func (s *Source) OnLevel(fn func(float64)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// SampleRate reports the device's native rate.
func (s *Source) SampleRate() int {
	return s.device.SampleRate()
}

// Level returns the most recent RMS level.
func (s *Source) Level() float64 {
	return math.Float64frombits(s.level.Load())
}

func (s *Source) Capturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capturing
}

func (s *Source) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.capturing {
		s.mu.Unlock()
		return &CaptureError{Reason: ErrAlreadyCapturing.Error(), Err: ErrAlreadyCapturing}
	}
	devCtx, cancel := context.WithCancel(ctx)
	s.capturing = true
	s.buffer = nil
	s.rate = 0
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.device.Start(devCtx, s.handle); err != nil {
		cancel()
		s.mu.Lock()
		s.capturing = false
		s.cancel = nil
		s.mu.Unlock()
		return &CaptureError{Reason: err.Error(), Err: err}
	}
	s.log.Debug("capture started", slog.Int("device_rate", s.device.SampleRate()))
	return nil
}

// Stop ends capture and hands over the buffered audio. It is a no-op
// returning an empty capture when not capturing.
func (s *Source) Stop() Capture {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if !s.capturing {
		s.mu.Unlock()
		return Capture{}
	}
	cancel := s.cancel
	s.mu.Unlock()

	if err := s.device.Stop(); err != nil {
		s.log.Warn("failed to stop audio device", slogError(err))
	}
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	out := Capture{Samples: s.buffer, SampleRate: s.rate}
	s.capturing = false
	s.buffer = nil
	s.rate = 0
	s.cancel = nil
	s.mu.Unlock()

	if out.SampleRate <= 0 {
		out.SampleRate = s.device.SampleRate()
	}
	s.log.Debug("capture stopped",
		slog.Int("samples", len(out.Samples)),
		slog.Int("sample_rate", out.SampleRate))
	return out
}

func (s *Source) handle(chunk SampleChunk) {
	s.mu.Lock()
	if !s.capturing {
		s.mu.Unlock()
		return
	}
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener(chunk.Clone())
	}

	mono := chunk.Mono()

	s.mu.Lock()
	if !s.capturing {
		s.mu.Unlock()
		return
	}
	if s.rate == 0 && chunk.SampleRate > 0 {
		s.rate = chunk.SampleRate
	}
	s.buffer = append(s.buffer, mono...)
	observers := s.observers
	s.mu.Unlock()

	level := Level(mono)
	s.level.Store(math.Float64bits(level))
	for _, fn := range observers {
		fn(level)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
