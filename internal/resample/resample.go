// Package resample converts captured mono audio to the 16 kHz rate the
// recognizers expect.
package resample

import (
	"errors"
	"math"

	"github.com/go-audio/audio"
)

// TargetRate is the rate every recognizer consumes.
const TargetRate = 16000

// zero crossings of the sinc kernel kept on each side of the output point
const zeroCrossings = 16

var ErrInvalidFormat = errors.New("resample: invalid buffer format")

// Resample converts mono samples at sourceRate to TargetRate. Samples at
// TargetRate are returned as is. The windowed-sinc converter runs first and
// the linear converter takes over when it fails or yields nothing.
func Resample(samples []float32, sourceRate int) []float32 {
	if sourceRate == TargetRate {
		return samples
	}
	buf := &audio.Float32Buffer{
		Format: &audio.Format{NumChannels: 1, SampleRate: sourceRate},
		Data:   samples,
	}
	out, err := Sinc(buf, TargetRate)
	if err == nil && len(out) > 0 {
		return out
	}
	return Linear(samples, sourceRate)
}

// Sinc resamples buf with a Blackman-windowed sinc kernel and returns mono
// samples. Interleaved channels are averaged per frame and integer buffers
// are scaled to [-1, 1] first. The output has
// ceil(frames*targetRate/sourceRate) samples and never leaves the range of
// the mixed input.
func Sinc(buf audio.Buffer, targetRate int) ([]float32, error) {
	if buf == nil {
		return nil, ErrInvalidFormat
	}
	format := buf.PCMFormat()
	if format == nil || format.NumChannels < 1 || format.SampleRate <= 0 || targetRate <= 0 {
		return nil, ErrInvalidFormat
	}
	in := downmix(buf.AsFloat32Buffer())
	n := len(in)
	if n == 0 {
		return nil, nil
	}
	src := format.SampleRate
	outLen := int((int64(n)*int64(targetRate) + int64(src) - 1) / int64(src))

	lo, hi := bounds(in)
	ratio := float64(targetRate) / float64(src)
	cutoff := math.Min(1, ratio)
	support := zeroCrossings / cutoff

	out := make([]float32, outLen)
	for i := range out {
		t := float64(i) / ratio
		first := int(math.Ceil(t - support))
		if first < 0 {
			first = 0
		}
		last := int(math.Floor(t + support))
		if last > n-1 {
			last = n - 1
		}

		var acc, norm float64
		for j := first; j <= last; j++ {
			x := float64(j) - t
			w := cutoff * sinc(cutoff*x) * blackman((x+support)/(2*support))
			acc += float64(in[j]) * w
			norm += w
		}

		var v float64
		if norm != 0 {
			v = acc / norm
		} else {
			v = float64(in[nearest(t, n)])
		}
		out[i] = clamp(float32(v), lo, hi)
	}
	return out, nil
}

// Linear resamples by linear interpolation. The output has
// floor(n*TargetRate/sourceRate) samples; empty input or a non-positive rate
// yields an empty slice.
func Linear(samples []float32, sourceRate int) []float32 {
	n := len(samples)
	if n == 0 || sourceRate <= 0 {
		return []float32{}
	}
	outLen := int(int64(n) * TargetRate / int64(sourceRate))
	out := make([]float32, outLen)
	step := float64(sourceRate) / TargetRate
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= n-1 {
			out[i] = samples[n-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx] + (samples[idx+1]-samples[idx])*frac
	}
	return out
}

func downmix(buf *audio.Float32Buffer) []float32 {
	channels := buf.Format.NumChannels
	frames := buf.NumFrames()
	if channels == 1 {
		return buf.Data[:frames]
	}
	out := make([]float32, frames)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += buf.Data[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// blackman evaluates the window at p in [0, 1].
func blackman(p float64) float64 {
	return 0.42 - 0.5*math.Cos(2*math.Pi*p) + 0.08*math.Cos(4*math.Pi*p)
}

func nearest(t float64, n int) int {
	i := int(math.Round(t))
	if i < 0 {
		return 0
	}
	if i > n-1 {
		return n - 1
	}
	return i
}

func bounds(in []float32) (float32, float32) {
	lo, hi := in[0], in[0]
	for _, v := range in[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
