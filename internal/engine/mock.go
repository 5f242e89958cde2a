package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/audio"
)

var errStreamClosed = errors.New("stream closed")

type mockRecognizer struct {
	text string
}

// NewMockRecognizer returns a recognizer that hears text as soon as any
// audio arrives and confirms it when input ends.
func NewMockRecognizer(text string) Recognizer {
	return &mockRecognizer{text: text}
}

func (m *mockRecognizer) NewStream(_ context.Context, _ int) (Stream, error) {
	return &mockStream{text: m.text, events: make(chan StreamEvent, 4)}, nil
}

type mockStream struct {
	text string

	mu       sync.Mutex
	heard    bool
	sentDone bool
	closed   bool
	events   chan StreamEvent
}

func (s *mockStream) Push(chunk audio.SampleChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.sentDone {
		return errStreamClosed
	}
	if s.heard || len(chunk.Samples) == 0 {
		return nil
	}
	s.heard = true
	if s.text != "" {
		s.events <- StreamEvent{Text: s.text}
	}
	return nil
}

func (s *mockStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.sentDone {
		return errStreamClosed
	}
	s.sentDone = true
	ev := StreamEvent{Final: true}
	if s.heard {
		ev.Text = s.text
	}
	s.events <- ev
	return nil
}

func (s *mockStream) Events() <-chan StreamEvent { return s.events }

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

type mockTranscriber struct {
	text  string
	delay time.Duration
}

// NewMockTranscriber returns a transcriber that answers text after delay.
func NewMockTranscriber(text string, delay time.Duration) Transcriber {
	return &mockTranscriber{text: text, delay: delay}
}

func (m *mockTranscriber) Transcribe(ctx context.Context, _ string, samples []float32) ([]string, error) {
	if m.delay > 0 {
		timer := time.NewTimer(m.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if m.text == "" || len(samples) == 0 {
		return nil, nil
	}
	return []string{m.text}, nil
}
