package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/resample"
	"github.com/mattn/go-shellwords"
)

// ExecTranscriber runs an external recognizer on a temporary WAV file. The
// command receives --audio <file> --model <path> [--language <lang>] and
// prints {"text": ...} or {"segments": [{"text": ...}]} on stdout.
type ExecTranscriber struct {
	cmd      []string
	language string
}

type execResult struct {
	Text     string `json:"text"`
	Segments []struct {
		Text string `json:"text"`
	} `json:"segments"`
}

func NewExecTranscriber(command, language string) (*ExecTranscriber, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse batch command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("batch command is empty")
	}
	return &ExecTranscriber{cmd: args, language: language}, nil
}

func (t *ExecTranscriber) Transcribe(ctx context.Context, modelPath string, samples []float32) ([]string, error) {
	file, err := os.CreateTemp("", "loqa_dictation_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writeWAV(file, samples, resample.TargetRate); err != nil {
		return nil, err
	}

	args := append([]string{}, t.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if modelPath != "" {
		args = append(args, "--model", modelPath)
	}
	if t.language != "" {
		args = append(args, "--language", t.language)
	}

	command := exec.CommandContext(ctx, t.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("batch command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	if len(resp.Segments) == 0 {
		if resp.Text == "" {
			return nil, nil
		}
		return []string{resp.Text}, nil
	}
	segments := make([]string, 0, len(resp.Segments))
	for _, seg := range resp.Segments {
		segments = append(segments, seg.Text)
	}
	return segments, nil
}

// writeWAV encodes mono float samples as 16-bit PCM.
func writeWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(audio.FloatToInt16(s))
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
