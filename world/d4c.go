// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package world

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/crlotwhite/libetude/liberr"
)

// D4CConfig parameterizes the aperiodicity analyzer.
type D4CConfig struct {
	FFTSize    int
	Threshold  float64 // default 0.85
	NumBands   int     // number of frequency bands the ratio is computed over
}

func (c *D4CConfig) defaults() {
	if c.FFTSize <= 0 {
		c.FFTSize = 1024
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.85
	}
	if c.NumBands <= 0 {
		c.NumBands = 5
	}
}

// staticGroupDelay estimates the group delay of frame at a coarse frequency
// resolution by comparing the phase spectra of two shifted analysis windows,
// as a cheap stand-in for D4C's static group delay computation.
func staticGroupDelay(x []float64, center, fftSize int) []float64 {
	winLen := fftSize
	frameA := extractFrame(x, center, winLen, fftSize)
	frameB := extractFrame(x, center+1, winLen, fftSize)

	fft := fourier.NewFFT(fftSize)
	coeffsA := fft.Coefficients(nil, frameA)
	coeffsB := fft.Coefficients(nil, frameB)

	nBins := fftSize/2 + 1
	delay := make([]float64, nBins)
	for i := 0; i < nBins; i++ {
		phaseA := math.Atan2(imag(coeffsA[i]), real(coeffsA[i]))
		phaseB := math.Atan2(imag(coeffsB[i]), real(coeffsB[i]))
		d := phaseA - phaseB
		for d > math.Pi {
			d -= 2 * math.Pi
		}
		for d < -math.Pi {
			d += 2 * math.Pi
		}
		delay[i] = d
	}
	return delay
}

// bandAperiodicity reduces a per-bin group-delay signal to a single ratio in
// [0,1] for one frequency band by measuring how much the group delay departs
// from the flat (fully periodic) response.
func bandAperiodicity(delay []float64, lo, hi int) float64 {
	if hi <= lo {
		return 1
	}
	var sumAbs, sumSq float64
	n := 0
	for i := lo; i < hi && i < len(delay); i++ {
		sumAbs += math.Abs(delay[i])
		sumSq += delay[i] * delay[i]
		n++
	}
	if n == 0 {
		return 1
	}
	rms := math.Sqrt(sumSq / float64(n))
	ratio := rms / math.Pi
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	return ratio
}

// D4C estimates band-limited aperiodicity for every voiced frame.
// Unvoiced frames (F0=0) are fully aperiodic (ratio 1.0 across all bands).
func D4C(x []float64, sampleRate int, f0, timeAxis []float64, cfg D4CConfig) ([][]float64, error) {
	cfg.defaults()
	if len(f0) != len(timeAxis) {
		return nil, liberr.New(liberr.InvalidArgument, "world.D4C").Msg("f0/timeAxis length mismatch").Build()
	}
	nBins := cfg.FFTSize/2 + 1
	bandWidth := nBins / cfg.NumBands
	if bandWidth < 1 {
		bandWidth = 1
	}

	aperiodicity := make([][]float64, len(f0))
	for t := range f0 {
		row := make([]float64, nBins)
		if f0[t] <= 0 {
			for i := range row {
				row[i] = 1.0
			}
			aperiodicity[t] = row
			continue
		}

		center := int(timeAxis[t] * float64(sampleRate))
		delay := staticGroupDelay(x, center, cfg.FFTSize)

		bandRatios := make([]float64, cfg.NumBands)
		for b := 0; b < cfg.NumBands; b++ {
			lo := b * bandWidth
			hi := lo + bandWidth
			if b == cfg.NumBands-1 {
				hi = nBins
			}
			ratio := bandAperiodicity(delay, lo, hi)
			if ratio > cfg.Threshold {
				ratio = cfg.Threshold + (ratio-cfg.Threshold)*0.5
			}
			bandRatios[b] = ratio
		}

		// expand per-band ratios to per-bin via linear interpolation between
		// neighbouring bands, anchored at each band's first bin.
		for i := 0; i < nBins; i++ {
			bf := float64(i) / float64(bandWidth)
			b0 := int(bf)
			if b0 >= cfg.NumBands-1 {
				row[i] = bandRatios[cfg.NumBands-1]
				continue
			}
			frac := bf - float64(b0)
			row[i] = bandRatios[b0]*(1-frac) + bandRatios[b0+1]*frac
		}
		aperiodicity[t] = row
	}
	return aperiodicity, nil
}
