// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package melfb

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateFilterRowsNonNegativeAndNormalizedSum(t *testing.T) {
	fb, err := Create(Config{NFFT: 1024, NMels: 80, SampleRate: 16000, Scale: HTK, Normalize: true})
	require.NoError(t, err)
	for m := 0; m < fb.Config.NMels; m++ {
		var sum float64
		for b := 0; b < fb.nBins; b++ {
			v := fb.Dense[m*fb.nBins+b]
			assert.GreaterOrEqual(t, v, 0.0)
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-6)
	}
}

func TestSparseAndDenseAreRowEquivalent(t *testing.T) {
	fb, err := Create(Config{NFFT: 512, NMels: 40, SampleRate: 16000})
	require.NoError(t, err)

	spectrum := make([]float64, fb.nBins)
	for i := range spectrum {
		spectrum[i] = 1.0
	}
	dense, err := fb.Forward(spectrum, 1, false)
	require.NoError(t, err)
	sparse, err := fb.Forward(spectrum, 1, true)
	require.NoError(t, err)
	for i := range dense {
		assert.InDelta(t, dense[i], sparse[i], 1e-9)
	}
}

func TestMelRoundTripMSEBelowBound(t *testing.T) {
	fb, err := Create(Config{NFFT: 1024, NMels: 80, SampleRate: 16000, Scale: HTK})
	require.NoError(t, err)

	spectrum := make([]float64, fb.nBins)
	for i := range spectrum {
		spectrum[i] = 1.0
	}
	mel, err := fb.Forward(spectrum, 1, false)
	require.NoError(t, err)
	for _, v := range mel {
		assert.Greater(t, v, 0.0)
	}

	recon, err := fb.Reverse(mel, 1)
	require.NoError(t, err)
	var mse float64
	for i, v := range recon {
		d := v - spectrum[i]
		mse += d * d
	}
	mse /= float64(len(recon))
	assert.Less(t, mse, 100.0)
}

func TestFreqMelRoundTrip(t *testing.T) {
	for _, scale := range []ScaleType{HTK, Slaney} {
		for _, f := range []float64{100, 440, 1000, 4000, 8000} {
			m := FreqToMel(scale, f)
			back := MelToFreq(scale, m)
			assert.InDelta(t, f, back, 1e-6*math.Max(1, f))
		}
	}
}

func TestGetOrCreateCachesByConfig(t *testing.T) {
	cfg := Config{NFFT: 256, NMels: 20, SampleRate: 8000}
	a, err := GetOrCreate(cfg)
	require.NoError(t, err)
	b, err := GetOrCreate(cfg)
	require.NoError(t, err)
	assert.Same(t, a, b)
	ShutdownCache()
}

func TestCreateRejectsFMaxAboveNyquist(t *testing.T) {
	_, err := Create(Config{NFFT: 512, NMels: 10, SampleRate: 16000, FMax: 9000})
	require.Error(t, err)
}
