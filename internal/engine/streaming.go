package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/audio"
)

// DefaultFinalizeTimeout bounds FinalizeAndWait when no timeout is given.
const DefaultFinalizeTimeout = 1500 * time.Millisecond

// StreamEvent is a hypothesis or failure reported by a recognizer stream.
// A hypothesis covers the current segment only. A Final event closes the
// segment; once input has ended it also closes the stream.
type StreamEvent struct {
	Text  string
	Final bool
	Err   error
}

// Stream is one open recognition request.
type Stream interface {
	Push(chunk audio.SampleChunk) error
	// CloseSend signals end of input; a final event should follow.
	CloseSend() error
	// Events is closed once the stream is done.
	Events() <-chan StreamEvent
	Close() error
}

// Recognizer opens streams at a given capture rate.
type Recognizer interface {
	NewStream(ctx context.Context, sampleRate int) (Stream, error)
}

type StreamState string

const (
	StreamIdle       StreamState = "idle"
	StreamListening  StreamState = "listening"
	StreamFinalizing StreamState = "finalizing"
)

// StreamingEngine feeds live chunks to a recognizer and hands back the best
// text at end of input. A recognizer that cannot be opened behaves as one
// that never hears anything.
type StreamingEngine struct {
	rec     Recognizer
	log     *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	state  StreamState
	active *streamSession
}

type streamSession struct {
	stream Stream
	// set just before CloseSend; earlier finals only close a segment
	sendDone atomic.Bool

	mu       sync.Mutex
	segments []string
	partial  string

	settled    chan struct{}
	settleOnce sync.Once
	closed     chan struct{}
	closeOnce  sync.Once
}

func NewStreamingEngine(rec Recognizer, timeout time.Duration, log *slog.Logger) *StreamingEngine {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultFinalizeTimeout
	}
	return &StreamingEngine{
		rec:     rec,
		log:     log.With(slog.String("component", "streaming")),
		timeout: timeout,
		state:   StreamIdle,
	}
}

func (e *StreamingEngine) State() StreamState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// StartSession discards any previous stream and opens a new one.
func (e *StreamingEngine) StartSession(ctx context.Context, sampleRate int) {
	e.Cleanup()

	var sess *streamSession
	if e.rec != nil {
		stream, err := e.rec.NewStream(ctx, sampleRate)
		if err != nil {
			e.log.Warn("streaming recognizer unavailable", slogError(err))
		} else {
			sess = &streamSession{
				stream:  stream,
				settled: make(chan struct{}),
				closed:  make(chan struct{}),
			}
			go sess.pump(e.log)
		}
	}

	e.mu.Lock()
	e.active = sess
	e.state = StreamListening
	e.mu.Unlock()
}

// AppendChunk forwards a chunk to the open stream. Safe to call from the
// capture goroutine at any time; ignored unless listening.
func (e *StreamingEngine) AppendChunk(chunk audio.SampleChunk) {
	e.mu.Lock()
	if e.state != StreamListening || e.active == nil {
		e.mu.Unlock()
		return
	}
	sess := e.active
	e.mu.Unlock()

	if err := sess.stream.Push(chunk); err != nil {
		e.log.Debug("dropping chunk", slogError(err))
	}
}

// FinalizeAndWait ends input and waits up to timeout for a final result,
// a recognizer error or the stream closing. It returns the best text held
// at that point and always tears its own stream down. A session started
// meanwhile is left alone.
func (e *StreamingEngine) FinalizeAndWait(timeout time.Duration) string {
	e.mu.Lock()
	if e.state != StreamListening || e.active == nil {
		if e.active == nil {
			e.state = StreamIdle
		}
		e.mu.Unlock()
		return ""
	}
	e.state = StreamFinalizing
	sess := e.active
	e.mu.Unlock()
	defer e.cleanup(sess)

	if timeout <= 0 {
		timeout = e.timeout
	}
	sess.sendDone.Store(true)
	if err := sess.stream.CloseSend(); err != nil {
		e.log.Warn("streaming finalize failed", slogError(err))
		return sess.best()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-sess.settled:
	case <-timer.C:
		e.log.Debug("streaming finalize timed out", slog.Duration("timeout", timeout))
	}
	return sess.best()
}

// Cleanup closes the current stream, if any. Safe to call repeatedly.
func (e *StreamingEngine) Cleanup() {
	e.mu.Lock()
	sess := e.active
	e.active = nil
	e.state = StreamIdle
	e.mu.Unlock()

	e.closeSession(sess)
}

// cleanup closes sess and resets the engine only while sess is still the
// active stream.
func (e *StreamingEngine) cleanup(sess *streamSession) {
	e.mu.Lock()
	if e.active == sess {
		e.active = nil
		e.state = StreamIdle
	}
	e.mu.Unlock()

	e.closeSession(sess)
}

func (e *StreamingEngine) closeSession(sess *streamSession) {
	if sess == nil {
		return
	}
	sess.closeOnce.Do(func() {
		close(sess.closed)
		sess.settle()
		if err := sess.stream.Close(); err != nil {
			e.log.Debug("close stream", slogError(err))
		}
	})
}

func (s *streamSession) pump(log *slog.Logger) {
	defer s.settle()
	events := s.stream.Events()
	for {
		select {
		case <-s.closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.hear(ev)
			if ev.Err != nil {
				log.Warn("streaming recognizer error", slogError(ev.Err))
				return
			}
			if ev.Final && s.sendDone.Load() {
				return
			}
		}
	}
}

func (s *streamSession) settle() {
	s.settleOnce.Do(func() { close(s.settled) })
}

func (s *streamSession) hear(ev StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case ev.Final && ev.Text != "":
		s.segments = append(s.segments, ev.Text)
		s.partial = ""
	case ev.Final:
		if s.partial != "" {
			s.segments = append(s.segments, s.partial)
			s.partial = ""
		}
	case ev.Text != "":
		s.partial = ev.Text
	}
}

func (s *streamSession) best() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := s.segments
	if s.partial != "" {
		parts = append(parts[:len(parts):len(parts)], s.partial)
	}
	return strings.Join(parts, " ")
}
