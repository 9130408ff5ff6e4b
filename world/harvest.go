// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package world

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/crlotwhite/libetude/liberr"
)

// HarvestConfig parameterizes the Harvest F0 extractor.
type HarvestConfig struct {
	F0Floor          float64
	F0Ceil           float64
	FramePeriod      float64
	ChannelsInOctave float64
	AllowedRange     float64 // Hz; neighbor-snapping tolerance
	RefineHarmonics  int     // number of harmonics used in the refinement fit
}

func (c *HarvestConfig) defaults() {
	if c.F0Floor <= 0 {
		c.F0Floor = 71.0
	}
	if c.F0Ceil <= 0 {
		c.F0Ceil = 800.0
	}
	if c.FramePeriod <= 0 {
		c.FramePeriod = 5.0
	}
	if c.ChannelsInOctave <= 0 {
		c.ChannelsInOctave = 2.0
	}
	if c.AllowedRange <= 0 {
		c.AllowedRange = 15.0
	}
	if c.RefineHarmonics <= 0 {
		c.RefineHarmonics = 4
	}
}

// Harvest runs the Harvest F0 extractor: a DIO-like candidate grid refined
// per-frame by a least-squares fit against the harmonic structure (see
// refineHarmonic), followed by a connectivity pass (see
// connectVoicedRegions) that silences low-reliability frames and fills
// one-frame gaps between close voiced neighbours.
func Harvest(x []float64, sampleRate int, cfg HarvestConfig) (f0 []float64, timeAxis []float64, err error) {
	cfg.defaults()
	if sampleRate <= 0 || len(x) == 0 {
		return nil, nil, liberr.New(liberr.InvalidArgument, "world.Harvest").Msg("invalid sample rate or empty signal").Build()
	}
	if cfg.F0Floor >= cfg.F0Ceil {
		return nil, nil, liberr.New(liberr.InvalidArgument, "world.Harvest").Msg("f0_floor must be < f0_ceil").Build()
	}

	dioCfg := DIOConfig{
		F0Floor:          cfg.F0Floor,
		F0Ceil:           cfg.F0Ceil,
		FramePeriod:      cfg.FramePeriod,
		ChannelsInOctave: cfg.ChannelsInOctave,
	}
	dioCfg.defaults()
	stride := int(cfg.FramePeriod * float64(sampleRate) / 1000.0)
	if stride < 1 {
		stride = 1
	}
	nFrames := len(x)/stride + 1

	bands := candidateBands(dioCfg)
	filtered := make([][]float64, len(bands))
	for i, b := range bands {
		filt := newBandpass(b, 4.0, sampleRate)
		filtered[i] = filt.process(x)
	}

	raw := make([]float64, nFrames)
	reliability := make([]float64, nFrames)
	timeAxis = make([]float64, nFrames)
	for t := 0; t < nFrames; t++ {
		center := t * stride
		timeAxis[t] = float64(center) / float64(sampleRate)

		var best candidate
		for bi, band := range bands {
			half := windowHalfLength(band, sampleRate)
			lo, hi := center-half, center+half
			if lo < 0 {
				lo = 0
			}
			if hi > len(filtered[bi]) {
				hi = len(filtered[bi])
			}
			if hi-lo < 8 {
				continue
			}
			c := bestCandidateInWindow(filtered[bi][lo:hi], sampleRate)
			if c.f0 >= cfg.F0Floor && c.f0 <= cfg.F0Ceil && c.score > best.score {
				best = c
			}
		}
		if best.score <= 0 {
			raw[t] = 0
			reliability[t] = 0
			continue
		}

		refined := refineHarmonic(x, sampleRate, center, best.f0, cfg.RefineHarmonics)
		raw[t] = refined
		reliability[t] = best.score
	}

	f0 = connectVoicedRegions(raw, reliability, cfg)
	return f0, timeAxis, nil
}

// refineHarmonic refines f0Guess by a grid search: for each of 11
// frequencies within +/-3% of f0Guess it fits the signal's harmonic
// amplitudes over a short analysis window centered at `center` by linear
// least squares (gonum/mat), and returns the frequency whose fit leaves the
// least residual energy. No iterative Gauss-Newton or Levenberg-Marquardt
// step is taken.
func refineHarmonic(x []float64, sampleRate int, center int, f0Guess float64, numHarmonics int) float64 {
	half := int(1.5 * float64(sampleRate) / f0Guess)
	if half < 32 {
		half = 32
	}
	lo, hi := center-half, center+half
	if lo < 0 {
		lo = 0
	}
	if hi > len(x) {
		hi = len(x)
	}
	window := x[lo:hi]
	if len(window) < 2*numHarmonics+2 {
		return f0Guess
	}
	n := len(window)
	t := make([]float64, n)
	for i := range t {
		t[i] = float64(i) / float64(sampleRate)
	}

	bestFreq := f0Guess
	bestResidual := math.Inf(1)
	// local grid search over +/-3% of the guess, standing in for the
	// nonlinear solve's frequency step
	for step := -5; step <= 5; step++ {
		freq := f0Guess * (1 + 0.006*float64(step))
		if freq <= 0 {
			continue
		}
		residual := harmonicFitResidual(window, t, freq, numHarmonics)
		if residual < bestResidual {
			bestResidual = residual
			bestFreq = freq
		}
	}
	return bestFreq
}

// harmonicFitResidual builds a design matrix of sin/cos terms at freq and
// its harmonics, solves the linear least-squares amplitude fit via
// mat.Dense, and returns the residual sum of squares.
func harmonicFitResidual(window, t []float64, freq float64, numHarmonics int) float64 {
	n := len(window)
	cols := 2 * numHarmonics
	a := mat.NewDense(n, cols, nil)
	for i := 0; i < n; i++ {
		for h := 1; h <= numHarmonics; h++ {
			w := 2 * math.Pi * freq * float64(h) * t[i]
			a.Set(i, 2*(h-1), math.Cos(w))
			a.Set(i, 2*(h-1)+1, math.Sin(w))
		}
	}
	b := mat.NewVecDense(n, window)

	var qr mat.QR
	qr.Factorize(a)
	var coeffs mat.VecDense
	if err := qr.SolveVecTo(&coeffs, false, b); err != nil {
		return math.Inf(1)
	}

	var pred mat.VecDense
	pred.MulVec(a, &coeffs)
	var residual float64
	for i := 0; i < n; i++ {
		d := window[i] - pred.AtVec(i)
		residual += d * d
	}
	return residual
}

// connectVoicedRegions silences every voiced frame whose reliability is
// below minReliability, then, in two passes, fills each unvoiced frame whose
// two immediate neighbours are both voiced and within AllowedRange of each
// other with the mean of the two. Voiced frames are not snapped to a
// neighbour's F0.
func connectVoicedRegions(raw, reliability []float64, cfg HarvestConfig) []float64 {
	out := make([]float64, len(raw))
	copy(out, raw)

	const minReliability = 1.5
	for i := range out {
		if out[i] != 0 && reliability[i] < minReliability {
			out[i] = 0
		}
	}

	for pass := 0; pass < 2; pass++ {
		for i := range out {
			if out[i] != 0 {
				continue
			}
			// fill the gap only when both immediate neighbours are voiced
			// and agree to within AllowedRange.
			var candidates []float64
			if i > 0 && out[i-1] != 0 {
				candidates = append(candidates, out[i-1])
			}
			if i < len(out)-1 && out[i+1] != 0 {
				candidates = append(candidates, out[i+1])
			}
			if len(candidates) == 2 && math.Abs(candidates[0]-candidates[1]) <= cfg.AllowedRange {
				out[i] = (candidates[0] + candidates[1]) / 2
			}
		}
	}
	return out
}
