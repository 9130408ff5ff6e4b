// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package world

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheapTrickProducesNonNegativeEnvelope(t *testing.T) {
	const sampleRate = 16000
	x := sineWave(220, sampleRate, sampleRate)
	f0 := make([]float64, 20)
	for i := range f0 {
		f0[i] = 220
	}
	timeAxis := TimeAxisFor(len(f0), 5.0)

	spec, err := CheapTrick(x, sampleRate, f0, timeAxis, CheapTrickConfig{FFTSize: 512})
	require.NoError(t, err)
	require.Len(t, spec, len(f0))
	for _, row := range spec {
		require.Len(t, row, 512/2+1)
		for _, v := range row {
			assert.GreaterOrEqual(t, v, 0.0)
		}
	}
}

func TestCheapTrickHandlesUnvoicedFrames(t *testing.T) {
	const sampleRate = 16000
	x := make([]float64, sampleRate/10)
	f0 := []float64{0, 0, 0}
	timeAxis := TimeAxisFor(len(f0), 5.0)

	spec, err := CheapTrick(x, sampleRate, f0, timeAxis, CheapTrickConfig{FFTSize: 256})
	require.NoError(t, err)
	require.Len(t, spec, 3)
}

func TestCheapTrickRejectsMismatchedLengths(t *testing.T) {
	_, err := CheapTrick([]float64{1, 2, 3}, 16000, []float64{1, 2}, []float64{1}, CheapTrickConfig{})
	require.Error(t, err)
}
