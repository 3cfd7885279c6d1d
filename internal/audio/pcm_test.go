package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConvertDownmixesByAveraging(t *testing.T) {
	t.Parallel()

	clip := Clip{
		Samples:    []float32{1, 0, 0.5, -0.5, -1, 1},
		SampleRate: EngineSampleRate,
		Channels:   2,
	}

	out := Convert(clip)
	require.Equal(t, []float32{0.5, 0, 0}, out)
}

func TestConvertPassesThroughEngineRateMono(t *testing.T) {
	t.Parallel()

	clip := Clip{
		Samples:    []float32{0.1, 0.2, 0.3},
		SampleRate: EngineSampleRate,
		Channels:   1,
	}

	out := Convert(clip)
	require.Equal(t, clip.Samples, out)
}

func TestConvertResamplesToEngineRate(t *testing.T) {
	t.Parallel()

	// One second of 48 kHz audio should come out close to 16000 samples.
	in := make([]float32, 48000)
	for i := range in {
		in[i] = float32(i) / 48000
	}

	out := Convert(Clip{Samples: in, SampleRate: 48000, Channels: 1})
	require.InDelta(t, EngineSampleRate, len(out), 2)

	// Linear interpolation of a ramp stays a ramp.
	require.InDelta(t, 0, out[0], 1e-6)
	require.InDelta(t, 0.5, out[len(out)/2], 1e-3)
}

func TestConvertIsDeterministic(t *testing.T) {
	t.Parallel()

	clip := Clip{
		Samples:    []float32{0.9, -0.4, 0.2, 0.7, -0.1, 0.3, 0.5, -0.8},
		SampleRate: 44100,
		Channels:   2,
	}

	first := Convert(clip)
	second := Convert(clip)
	require.Equal(t, first, second)
}

func TestConvertUpsamples(t *testing.T) {
	t.Parallel()

	out := Convert(Clip{Samples: []float32{0, 1}, SampleRate: 8000, Channels: 1})
	require.Len(t, out, 4)
	require.Equal(t, float32(0), out[0])
	require.Equal(t, float32(0.5), out[2])
}

func TestClipDuration(t *testing.T) {
	t.Parallel()

	clip := Clip{
		Samples:    make([]float32, 32000),
		SampleRate: EngineSampleRate,
		Channels:   2,
	}
	require.Equal(t, time.Second, clip.Duration())

	require.Equal(t, time.Duration(0), Clip{}.Duration())
}
