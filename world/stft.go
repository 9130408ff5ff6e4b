// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package world

import "math"

// STFT computes a fixed-hop magnitude spectrogram of x: frameLen-sample
// Blackman-windowed frames, hopSize samples apart, each zero-padded to
// fftSize before the FFT. This is the general-purpose STFT the registry's
// "STFT" operator and the optimizer's STFT->MelScale fusion target build
// on, grounded on the same extractFrame/powerSpectrum machinery CheapTrick
// and D4C use internally.
func STFT(x []float64, fftSize, hopSize int) [][]float64 {
	if hopSize < 1 {
		hopSize = fftSize / 2
	}
	if hopSize < 1 {
		hopSize = 1
	}
	nFrames := len(x)/hopSize + 1
	out := make([][]float64, nFrames)
	for t := 0; t < nFrames; t++ {
		center := t*hopSize + fftSize/2
		frame := extractFrame(x, center, fftSize, fftSize)
		power := powerSpectrum(frame, fftSize)
		row := make([]float64, len(power))
		for i, p := range power {
			row[i] = math.Sqrt(p)
		}
		out[t] = row
	}
	return out
}
