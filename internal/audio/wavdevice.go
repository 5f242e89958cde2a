package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

// WAVDevice replays a WAV file as if it were a microphone.
type WAVDevice struct {
	path     string
	chunk    time.Duration
	realtime bool

	rate     int
	channels int
	samples  []float32

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewWAVDevice decodes path up front so the device rate is known before
// capture starts.
func NewWAVDevice(path string, chunkMS int, realtime bool) (*WAVDevice, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return nil, errors.New("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return nil, errors.New("wav file has no usable format")
	}

	depth := int(dec.BitDepth)
	if depth <= 0 {
		depth = 16
	}
	scale := float32(int64(1) << (depth - 1))
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / scale
	}
	if chunkMS <= 0 {
		chunkMS = 20
	}
	return &WAVDevice{
		path:     path,
		chunk:    time.Duration(chunkMS) * time.Millisecond,
		realtime: realtime,
		rate:     buf.Format.SampleRate,
		channels: buf.Format.NumChannels,
		samples:  samples,
	}, nil
}

func (d *WAVDevice) SampleRate() int { return d.rate }

func (d *WAVDevice) Start(ctx context.Context, deliver func(SampleChunk)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return ErrAlreadyCapturing
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.replay(ctx, deliver, d.stop, d.done)
	return nil
}

func (d *WAVDevice) replay(ctx context.Context, deliver func(SampleChunk), stop, done chan struct{}) {
	defer close(done)

	frames := int(float64(d.rate) * d.chunk.Seconds())
	if frames <= 0 {
		frames = 1
	}
	step := frames * d.channels

	var ticker *time.Ticker
	if d.realtime {
		ticker = time.NewTicker(d.chunk)
		defer ticker.Stop()
	}

	for off := 0; off < len(d.samples); off += step {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}
		end := off + step
		if end > len(d.samples) {
			end = len(d.samples)
		}
		deliver(SampleChunk{
			Samples:    d.samples[off:end:end],
			Channels:   d.channels,
			SampleRate: d.rate,
		})
		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}
}

func (d *WAVDevice) Stop() error {
	d.mu.Lock()
	stop, done := d.stop, d.done
	d.stop, d.done = nil, nil
	d.mu.Unlock()
	if done == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}
