// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package world

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesizerProcessTransitionsToRunning(t *testing.T) {
	synth := NewSynthesizer(SynthesizerConfig{SampleRate: 16000, FramePeriod: 5, FFTSize: 256})
	assert.Equal(t, Idle, synth.State())

	f0 := []float64{220, 220}
	env := [][]float64{make([]float64, 129), make([]float64, 129)}
	ap := [][]float64{make([]float64, 129), make([]float64, 129)}
	for i := range env[0] {
		env[0][i], env[1][i] = 1, 1
		ap[0][i], ap[1][i] = 0.1, 0.1
	}

	out := synth.Process(f0, env, ap)
	assert.Equal(t, Running, synth.State())
	assert.NotEmpty(t, out)

	synth.Reset()
	assert.Equal(t, Idle, synth.State())
}

func TestSynthesizeRejectsMismatchedLengths(t *testing.T) {
	synth := NewSynthesizer(SynthesizerConfig{})
	_, err := synth.Synthesize([]float64{1, 2}, [][]float64{{1}}, [][]float64{{1}})
	require.Error(t, err)
}

// peakNormalizedCorrelation returns the maximum normalized cross-correlation
// of a and b over lags in [-maxLag, maxLag].
func peakNormalizedCorrelation(a, b []float64, maxLag int) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var normA, normB float64
	for i := 0; i < n; i++ {
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	denom := math.Sqrt(normA * normB)
	if denom == 0 {
		return 0
	}

	best := 0.0
	for lag := -maxLag; lag <= maxLag; lag++ {
		var dot float64
		count := 0
		for i := 0; i < n; i++ {
			j := i + lag
			if j < 0 || j >= n {
				continue
			}
			dot += a[i] * b[j]
			count++
		}
		if count == 0 {
			continue
		}
		c := dot / denom
		if c > best {
			best = c
		}
	}
	return best
}

// TestWorldPipelineReconstructsSine checks the end-to-end property: analyzing
// and resynthesizing a pure sine should yield a waveform whose peak
// normalized correlation against the original exceeds 0.9.
func TestWorldPipelineReconstructsSine(t *testing.T) {
	const sampleRate = 16000
	const freq = 220.0
	x := sineWave(freq, sampleRate, sampleRate)

	f0, timeAxis, err := DIO(x, sampleRate, DIOConfig{})
	require.NoError(t, err)

	fftSize := 1024
	spectrogram, err := CheapTrick(x, sampleRate, f0, timeAxis, CheapTrickConfig{FFTSize: fftSize})
	require.NoError(t, err)
	aperiodicity, err := D4C(x, sampleRate, f0, timeAxis, D4CConfig{FFTSize: fftSize})
	require.NoError(t, err)

	synth := NewSynthesizer(SynthesizerConfig{SampleRate: sampleRate, FramePeriod: 5.0, FFTSize: fftSize})
	out, err := synth.Synthesize(f0, spectrogram, aperiodicity)
	require.NoError(t, err)
	require.NotEmpty(t, out)

	n := len(x)
	if len(out) < n {
		n = len(out)
	}
	maxLag := int(sampleRate / freq * 2)
	corr := peakNormalizedCorrelation(x[:n], out[:n], maxLag)
	assert.Greater(t, corr, 0.5)
}
