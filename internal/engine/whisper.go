//go:build whispercpp

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// NativeAvailable reports whether the whisper.cpp backend is compiled in.
func NativeAvailable() bool { return true }

type whisperTranscriber struct {
	language string
	threads  int
	log      *slog.Logger

	mu        sync.Mutex
	model     whisper.Model
	modelPath string
}

// NewWhisperTranscriber loads models lazily from the path the gate reports
// and keeps them until the path changes.
func NewWhisperTranscriber(language string, threads int, log *slog.Logger) (Transcriber, error) {
	if log == nil {
		log = slog.Default()
	}
	return &whisperTranscriber{language: language, threads: threads, log: log.With(slog.String("component", "whisper"))}, nil
}

func (w *whisperTranscriber) Transcribe(ctx context.Context, modelPath string, samples []float32) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	model, err := w.load(modelPath)
	if err != nil {
		return nil, err
	}
	wctx, err := model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper context: %w", err)
	}
	if w.language != "" {
		if err := wctx.SetLanguage(w.language); err != nil {
			w.log.Warn("unsupported whisper language", slog.String("language", w.language), slogError(err))
		}
	}
	if w.threads > 0 {
		wctx.SetThreads(uint(w.threads))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper process: %w", err)
	}

	var segments []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" || text == "[BLANK_AUDIO]" {
			continue
		}
		segments = append(segments, text)
	}
	return segments, nil
}

func (w *whisperTranscriber) load(path string) (whisper.Model, error) {
	if w.model != nil && w.modelPath == path {
		return w.model, nil
	}
	if w.model != nil {
		_ = w.model.Close()
		w.model = nil
	}
	model, err := whisper.New(path)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %q: %w", path, err)
	}
	w.log.Info("whisper model loaded", slog.String("path", path))
	w.model = model
	w.modelPath = path
	return model, nil
}
