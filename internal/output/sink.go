// Package output delivers committed dictation text and refinements.
package output

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/engine"
)

// Primary is the text committed for a session. It is delivered at most once.
type Primary struct {
	SessionID string
	Text      string
	Engine    engine.Identity
	At        time.Time
}

// Refinement is the batch engine's differing answer, delivered after the
// streaming engine already won.
type Refinement struct {
	SessionID string
	Text      string
	Primary   string
	At        time.Time
}

// Sink receives committed text and refinements.
type Sink interface {
	InjectPrimary(ctx context.Context, p Primary) error
	PublishRefinement(ctx context.Context, r Refinement) error
}

// Fanout delivers to every sink, continuing past failures.
type Fanout []Sink

func (f Fanout) InjectPrimary(ctx context.Context, p Primary) error {
	var errs []error
	for _, s := range f {
		if err := s.InjectPrimary(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) PublishRefinement(ctx context.Context, r Refinement) error {
	var errs []error
	for _, s := range f {
		if err := s.PublishRefinement(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes deliveries to the log.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log.With(slog.String("component", "output"))}
}

func (s *LogSink) InjectPrimary(_ context.Context, p Primary) error {
	s.log.Info("dictation committed",
		slog.String("session_id", p.SessionID),
		slog.String("engine", string(p.Engine)),
		slog.Int("chars", len(p.Text)))
	return nil
}

func (s *LogSink) PublishRefinement(_ context.Context, r Refinement) error {
	s.log.Info("dictation refined",
		slog.String("session_id", r.SessionID),
		slog.Int("chars", len(r.Text)))
	return nil
}
