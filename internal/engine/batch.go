package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/modelgate"
)

// Transcriber runs a model over 16 kHz mono samples and returns the
// recognized segments.
type Transcriber interface {
	Transcribe(ctx context.Context, modelPath string, samples []float32) ([]string, error)
}

// BatchEngine transcribes a complete recording once capture has stopped.
type BatchEngine struct {
	gate modelgate.Gate
	tr   Transcriber
	log  *slog.Logger

	// one model handle, one inference at a time
	inferMu sync.Mutex
}

func NewBatchEngine(gate modelgate.Gate, tr Transcriber, log *slog.Logger) *BatchEngine {
	if log == nil {
		log = slog.Default()
	}
	if gate == nil {
		gate = modelgate.Static(modelgate.NotReady())
	}
	return &BatchEngine{gate: gate, tr: tr, log: log.With(slog.String("component", "batch"))}
}

func (e *BatchEngine) IsReady() bool {
	return e.tr != nil && e.gate.Readiness().Ready
}

func (e *BatchEngine) Readiness() modelgate.Readiness {
	if e.tr == nil {
		return modelgate.NotReady()
	}
	return e.gate.Readiness()
}

// Transcribe blocks until the model has processed samples.
func (e *BatchEngine) Transcribe(ctx context.Context, samples []float32) (string, error) {
	ready := e.Readiness()
	if !ready.Ready {
		return "", ErrNotLoaded
	}
	if len(samples) == 0 {
		return "", ErrEmptyInput
	}

	e.inferMu.Lock()
	defer e.inferMu.Unlock()

	start := time.Now()
	segments, err := e.tr.Transcribe(ctx, ready.Path, samples)
	if err != nil {
		return "", err
	}
	text := NormalizeWhitespace(strings.Join(segments, " "))
	e.log.Debug("batch transcription finished",
		slog.Int("samples", len(samples)),
		slog.Int("segments", len(segments)),
		slog.Duration("elapsed", time.Since(start)))
	return text, nil
}
