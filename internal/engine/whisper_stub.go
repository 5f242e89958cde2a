//go:build !whispercpp

package engine

import "log/slog"

// NativeAvailable reports whether the whisper.cpp backend is compiled in.
func NativeAvailable() bool { return false }

// NewWhisperTranscriber fails when the binary was built without whisper.cpp.
func NewWhisperTranscriber(string, int, *slog.Logger) (Transcriber, error) {
	return nil, ErrNativeUnavailable
}
