// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package world

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestD4CUnvoicedFramesAreFullyAperiodic(t *testing.T) {
	const sampleRate = 16000
	x := sineWave(220, sampleRate, sampleRate/10)
	f0 := []float64{0, 0}
	timeAxis := TimeAxisFor(len(f0), 5.0)

	ap, err := D4C(x, sampleRate, f0, timeAxis, D4CConfig{FFTSize: 256})
	require.NoError(t, err)
	for _, row := range ap {
		for _, v := range row {
			assert.Equal(t, 1.0, v)
		}
	}
}

func TestD4CVoicedFramesStayInUnitRange(t *testing.T) {
	const sampleRate = 16000
	x := sineWave(220, sampleRate, sampleRate)
	f0 := make([]float64, 10)
	for i := range f0 {
		f0[i] = 220
	}
	timeAxis := TimeAxisFor(len(f0), 5.0)

	ap, err := D4C(x, sampleRate, f0, timeAxis, D4CConfig{FFTSize: 512})
	require.NoError(t, err)
	for _, row := range ap {
		for _, v := range row {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
		}
	}
}

func TestD4CRejectsMismatchedLengths(t *testing.T) {
	_, err := D4C([]float64{1, 2, 3}, 16000, []float64{1, 2}, []float64{1}, D4CConfig{})
	require.Error(t, err)
}
