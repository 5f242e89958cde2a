package audio

import "math"

// SampleChunk is a block of interleaved float32 samples delivered by a device.
type SampleChunk struct {
	Samples    []float32
	Channels   int
	SampleRate int
}

// Clone returns a chunk that shares no memory with c.
func (c SampleChunk) Clone() SampleChunk {
	out := c
	out.Samples = append([]float32(nil), c.Samples...)
	return out
}

// Frames returns the number of sample frames in the chunk.
func (c SampleChunk) Frames() int {
	if c.Channels <= 1 {
		return len(c.Samples)
	}
	return len(c.Samples) / c.Channels
}

// Mono downmixes the chunk by averaging channels. Trailing partial frames are
// dropped.
func (c SampleChunk) Mono() []float32 {
	if c.Channels <= 1 {
		return append([]float32(nil), c.Samples...)
	}
	frames := len(c.Samples) / c.Channels
	out := make([]float32, frames)
	inv := 1 / float32(c.Channels)
	for i := 0; i < frames; i++ {
		var sum float32
		base := i * c.Channels
		for ch := 0; ch < c.Channels; ch++ {
			sum += c.Samples[base+ch]
		}
		out[i] = sum * inv
	}
	return out
}

// Level computes the RMS of samples clamped to [0, 1].
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms > 1 {
		return 1
	}
	return rms
}
