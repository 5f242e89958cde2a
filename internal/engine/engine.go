// Package engine hosts the two recognizers raced for every dictation
// session: an incremental streaming engine and a whole-buffer batch engine.
package engine

import (
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Identity names the engine that produced a result.
type Identity string

const (
	Streaming Identity = "streaming"
	Batch     Identity = "batch"
)

var (
	ErrNotLoaded         = errors.New("batch model not loaded")
	ErrEmptyInput        = errors.New("no samples to transcribe")
	ErrNativeUnavailable = errors.New("native whisper backend not compiled in")
)

// Result is one engine's answer for a session. Empty text means no speech.
type Result struct {
	Engine      Identity
	Text        string
	CompletedAt time.Time
}

func (r Result) Empty() bool { return strings.TrimSpace(r.Text) == "" }

// Normalize folds case and trims surrounding whitespace for reconciliation
// comparisons.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// NormalizeWhitespace collapses runs of whitespace and trims the ends.
func NormalizeWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
