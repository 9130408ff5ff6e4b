// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package world

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sineWave(freq float64, sampleRate, n int) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = math.Sin(2 * math.Pi * freq * float64(i) / float64(sampleRate))
	}
	return x
}

// TestDIOTracksPureSine checks that the mean F0 error stays under 10Hz over
// the middle half of frames for a pure 220Hz sine.
func TestDIOTracksPureSine(t *testing.T) {
	const sampleRate = 16000
	x := sineWave(220, sampleRate, sampleRate) // 1 second
	f0, timeAxis, err := DIO(x, sampleRate, DIOConfig{})
	require.NoError(t, err)
	require.Equal(t, len(f0), len(timeAxis))

	lo := len(f0) / 4
	hi := len(f0) - lo
	var sumErr float64
	var voiced int
	for i := lo; i < hi; i++ {
		if f0[i] > 0 {
			voiced++
			sumErr += math.Abs(f0[i] - 220)
		}
	}
	require.Greater(t, voiced, 0, "expected at least some voiced frames in the middle section")
	meanErr := sumErr / float64(voiced)
	assert.Less(t, meanErr, 10.0)

	voicedRatio := float64(voiced) / float64(hi-lo)
	assert.Greater(t, voicedRatio, 0.25)
}

// TestDIONoiseRobustness checks that with 20% noise added to a pure tone,
// voiced detection still holds for >=60% of the middle section's frames.
func TestDIONoiseRobustness(t *testing.T) {
	const sampleRate = 16000
	x := sineWave(220, sampleRate, sampleRate)
	r := rand.New(rand.NewSource(42))
	for i := range x {
		x[i] += 0.2 * (r.Float64()*2 - 1)
	}
	f0, _, err := DIO(x, sampleRate, DIOConfig{})
	require.NoError(t, err)

	lo := len(f0) / 4
	hi := len(f0) - lo
	var voiced int
	for i := lo; i < hi; i++ {
		if f0[i] > 0 {
			voiced++
		}
	}
	voicedRatio := float64(voiced) / float64(hi-lo)
	assert.GreaterOrEqual(t, voicedRatio, 0.6)
}

func TestDIORejectsInvalidInput(t *testing.T) {
	_, _, err := DIO(nil, 16000, DIOConfig{})
	require.Error(t, err)

	_, _, err = DIO([]float64{1, 2, 3}, 16000, DIOConfig{F0Floor: 500, F0Ceil: 100})
	require.Error(t, err)
}
