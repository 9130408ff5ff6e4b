// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package world implements the WORLD-vocoder analysis/synthesis pipeline:
// F0 extraction (DIO/Harvest), spectral envelope estimation (CheapTrick),
// aperiodicity estimation (D4C) and overlap-add synthesis.
//
// The FFT plumbing throughout follows the same pattern: build a
// []complex128 buffer, hand it to a gonum fourier transform, read back
// power/phase. Bandpass- and moving-average-filter steps are plain,
// self-contained DSP filters built the same way.
package world

import "math"

// Parameters bundles one WORLD analysis result.
type Parameters struct {
	SampleRate  int
	AudioLength int
	FramePeriod float64 // ms
	F0Length    int
	FFTSize     int

	F0            []float64
	TimeAxis      []float64
	Spectrogram   [][]float64 // [F0Length][FFTSize/2+1]
	Aperiodicity  [][]float64 // [F0Length][FFTSize/2+1]
}

// F0LengthFor computes the expected F0 sequence length for an analysis of
// audioLength samples at sampleRate with framePeriod milliseconds between
// frames.
func F0LengthFor(audioLength, sampleRate int, framePeriod float64) int {
	return int(math.Ceil(float64(audioLength)/(float64(sampleRate)*framePeriod/1000.0))) + 1
}

// TimeAxisFor returns the frame-center time axis (seconds) for f0Length
// frames spaced framePeriod milliseconds apart.
func TimeAxisFor(f0Length int, framePeriod float64) []float64 {
	axis := make([]float64, f0Length)
	for i := range axis {
		axis[i] = float64(i) * framePeriod / 1000.0
	}
	return axis
}

// NewSpectralMatrix allocates a [f0Length][fftSize/2+1] matrix.
func NewSpectralMatrix(f0Length, fftSize int) [][]float64 {
	nBins := fftSize/2 + 1
	m := make([][]float64, f0Length)
	for i := range m {
		m[i] = make([]float64, nBins)
	}
	return m
}

// Validate checks matching leading dimensions, finite values, and F0
// floor/ceil bounds for voiced frames.
func (p *Parameters) Validate(f0Floor, f0Ceil float64) error {
	if len(p.F0) != p.F0Length || len(p.Spectrogram) != p.F0Length || len(p.Aperiodicity) != p.F0Length {
		return errInvalidParameters("mismatched leading dimension")
	}
	for i, f0 := range p.F0 {
		if math.IsNaN(f0) || math.IsInf(f0, 0) {
			return errInvalidParameters("non-finite F0")
		}
		if f0 != 0 && (f0 < f0Floor || f0 > f0Ceil) {
			return errInvalidParameters("voiced F0 out of range")
		}
		for _, v := range p.Spectrogram[i] {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return errInvalidParameters("non-finite spectrogram value")
			}
		}
		for _, v := range p.Aperiodicity[i] {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return errInvalidParameters("non-finite aperiodicity value")
			}
		}
	}
	return nil
}
