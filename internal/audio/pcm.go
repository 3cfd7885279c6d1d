// Package audio converts captured audio into the 16 kHz mono float32
// PCM the inference engine expects.
package audio

import (
	"math"
	"time"
)

// EngineSampleRate is the sample rate the inference engine consumes.
const EngineSampleRate = 16000

// Clip is decoded PCM audio. Samples are interleaved when Channels > 1.
type Clip struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Duration returns the play time of the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	frames := len(c.Samples) / c.Channels
	return time.Duration(float64(frames) / float64(c.SampleRate) * float64(time.Second))
}

// Convert downmixes and resamples the clip to 16 kHz mono float32.
// Downmix averages channels; resampling is linear interpolation. The
// result is deterministic for a given input.
func Convert(clip Clip) []float32 {
	mono := downmix(clip)
	if clip.SampleRate == EngineSampleRate {
		return mono
	}
	return resample(mono, clip.SampleRate, EngineSampleRate)
}

func downmix(clip Clip) []float32 {
	if clip.Channels <= 1 {
		out := make([]float32, len(clip.Samples))
		copy(out, clip.Samples)
		return out
	}

	frames := len(clip.Samples) / clip.Channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < clip.Channels; ch++ {
			sum += clip.Samples[i*clip.Channels+ch]
		}
		out[i] = sum / float32(clip.Channels)
	}
	return out
}

func resample(samples []float32, from, to int) []float32 {
	if from <= 0 || to <= 0 || len(samples) == 0 {
		return nil
	}
	if from == to {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	ratio := float64(from) / float64(to)
	outLen := int(math.Round(float64(len(samples)) / ratio))
	if outLen < 1 {
		outLen = 1
	}

	out := make([]float32, outLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}
