package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
)

const defaultMockText = "mock transcript"

// NewRecognizer builds the streaming backend selected by cfg. A disabled
// engine yields a nil recognizer, which the streaming engine treats as
// always empty.
func NewRecognizer(cfg config.StreamingConfig, log *slog.Logger) (Recognizer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Mode {
	case "", "mock":
		text := cfg.MockText
		if text == "" {
			text = defaultMockText
		}
		return NewMockRecognizer(text), nil
	case "bridge":
		return NewBridgeRecognizer(cfg.BridgeURL, cfg.Language, log)
	default:
		return nil, fmt.Errorf("unknown streaming mode %q", cfg.Mode)
	}
}

// NewTranscriber builds the batch backend selected by cfg. The whisper mode
// falls back to the mock backend when whisper.cpp is not compiled in.
func NewTranscriber(cfg config.BatchConfig, log *slog.Logger) (Transcriber, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if log == nil {
		log = slog.Default()
	}
	switch cfg.Mode {
	case "", "mock":
		return newMockFromConfig(cfg), nil
	case "exec":
		return NewExecTranscriber(cfg.Command, cfg.Language)
	case "whisper":
		tr, err := NewWhisperTranscriber(cfg.Language, cfg.Threads, log)
		if errors.Is(err, ErrNativeUnavailable) {
			log.Warn("whisper backend unavailable, using mock transcriber", slogError(err))
			return newMockFromConfig(cfg), nil
		}
		return tr, err
	default:
		return nil, fmt.Errorf("unknown batch mode %q", cfg.Mode)
	}
}

func newMockFromConfig(cfg config.BatchConfig) Transcriber {
	text := cfg.MockText
	if text == "" {
		text = defaultMockText
	}
	return NewMockTranscriber(text, time.Duration(cfg.MockDelayMS)*time.Millisecond)
}
