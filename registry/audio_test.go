// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crlotwhite/libetude/pool"
	"github.com/crlotwhite/libetude/tensor"
)

func newAudioTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	return pool.Create(pool.Config{})
}

func sineSamples(freq float64, sampleRate, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Sin(2 * math.Pi * freq * float64(i) / float64(sampleRate)))
	}
	return out
}

func TestRegisterAudioRegistersAllEntries(t *testing.T) {
	r := New()
	require.NoError(t, RegisterAudio(r))
	for _, name := range []string{"STFT", "MelScale", "Vocoder"} {
		assert.True(t, r.Has(name))
	}
}

func TestSTFTEntryProducesNonNegativeSpectrogram(t *testing.T) {
	r := New()
	require.NoError(t, RegisterAudio(r))
	entry, err := r.Lookup("STFT")
	require.NoError(t, err)

	p := newAudioTestPool(t)
	const n = 4096
	in, err := tensor.New(p, []int{n}, tensor.F32, 0)
	require.NoError(t, err)
	require.NoError(t, in.SetFloats(sineSamples(220, 16000, n)))

	fftSize, hopSize := 512, 256
	nFrames := n/hopSize + 1
	out, err := tensor.New(p, []int{nFrames, fftSize/2 + 1}, tensor.F32, 0)
	require.NoError(t, err)

	attrs := Attrs{"fft_size": fftSize, "hop_size": hopSize}
	_, _, err = entry.Create(attrs)
	require.NoError(t, err)
	require.NoError(t, entry.Forward(attrs, []*tensor.Tensor{in}, []*tensor.Tensor{out}))

	for _, v := range out.Floats() {
		assert.GreaterOrEqual(t, v, float32(0))
	}
}

func TestMelScaleEntryProducesExpectedShape(t *testing.T) {
	r := New()
	require.NoError(t, RegisterAudio(r))
	entry, err := r.Lookup("MelScale")
	require.NoError(t, err)

	p := newAudioTestPool(t)
	const nFrames, fftSize, nMels = 3, 512, 40
	nBins := fftSize/2 + 1
	in, err := tensor.New(p, []int{nFrames, nBins}, tensor.F32, 0)
	require.NoError(t, err)
	flat := make([]float32, nFrames*nBins)
	for i := range flat {
		flat[i] = 1
	}
	require.NoError(t, in.SetFloats(flat))

	out, err := tensor.New(p, []int{nFrames, nMels}, tensor.F32, 0)
	require.NoError(t, err)

	attrs := Attrs{"n_mels": nMels, "sample_rate": 16000}
	require.NoError(t, entry.Forward(attrs, []*tensor.Tensor{in}, []*tensor.Tensor{out}))
	assert.Equal(t, nFrames*nMels, len(out.Floats()))
}

func TestSTFTMelScaleFusedEntryMatchesShape(t *testing.T) {
	r := New()
	require.NoError(t, RegisterFused(r))
	entry, err := r.Lookup("STFTMelScale")
	require.NoError(t, err)

	p := newAudioTestPool(t)
	const n, fftSize, hopSize, nMels = 4096, 512, 256, 40
	in, err := tensor.New(p, []int{n}, tensor.F32, 0)
	require.NoError(t, err)
	require.NoError(t, in.SetFloats(sineSamples(220, 16000, n)))

	nFrames := n/hopSize + 1
	out, err := tensor.New(p, []int{nFrames, nMels}, tensor.F32, 0)
	require.NoError(t, err)

	attrs := Attrs{"fft_size": fftSize, "hop_size": hopSize, "n_mels": nMels, "sample_rate": 16000}
	require.NoError(t, entry.Forward(attrs, []*tensor.Tensor{in}, []*tensor.Tensor{out}))
	assert.Equal(t, nFrames*nMels, len(out.Floats()))
}

func TestRegisterAllWiresEveryBundle(t *testing.T) {
	r := New()
	require.NoError(t, RegisterAll(r))
	for _, name := range []string{"Linear", "Conv1D", "Attention", "ReLU", "STFT", "MelScale", "Vocoder", "LinearReLU", "STFTMelScale"} {
		assert.True(t, r.Has(name))
	}
}
