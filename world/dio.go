// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package world

import (
	"math"

	"github.com/crlotwhite/libetude/liberr"
)

// DIOConfig parameterizes the DIO F0 extractor.
type DIOConfig struct {
	F0Floor             float64
	F0Ceil              float64
	FramePeriod         float64 // ms
	ChannelsInOctave     float64
	ConfidenceThreshold float64 // minimum candidate score (1/CV) to accept
	MedianWindow        int     // 3..5
}

func (c *DIOConfig) defaults() {
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
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 2.5 // accept candidates whose 1/CV exceeds this
	}
	if c.MedianWindow <= 0 {
		c.MedianWindow = 3
	}
}

// candidateBands returns the logarithmically-spaced center frequencies
// from F0Floor to F0Ceil, ChannelsInOctave entries per octave.
func candidateBands(cfg DIOConfig) []float64 {
	octaves := math.Log2(cfg.F0Ceil / cfg.F0Floor)
	n := int(octaves*cfg.ChannelsInOctave) + 1
	bands := make([]float64, n)
	for i := range bands {
		bands[i] = cfg.F0Floor * math.Pow(2, float64(i)/cfg.ChannelsInOctave)
		if bands[i] > cfg.F0Ceil {
			bands[i] = cfg.F0Ceil
		}
	}
	return bands
}

type candidate struct {
	f0    float64
	score float64 // higher is better (1/CV)
}

// bestCandidateInWindow extracts the best-scoring F0 candidate from a
// windowed, band-pass-filtered segment using four interval estimators:
// positive- and negative-going zero crossings, and peak/valley intervals.
func bestCandidateInWindow(window []float64, sampleRate int) candidate {
	estimators := [][]float64{
		zeroCrossingIntervals(window, true),
		zeroCrossingIntervals(window, false),
		peakIntervals(window, true),
		peakIntervals(window, false),
	}
	best := candidate{}
	for _, intervals := range estimators {
		if len(intervals) < 2 {
			continue
		}
		cv := coefficientOfVariation(intervals)
		if math.IsInf(cv, 1) || cv == 0 {
			continue
		}
		score := 1.0 / cv
		meanInterval := mean(intervals)
		if meanInterval <= 0 {
			continue
		}
		f0 := float64(sampleRate) / meanInterval
		if score > best.score {
			best = candidate{f0: f0, score: score}
		}
	}
	return best
}

func peakIntervals(x []float64, maxima bool) []float64 {
	var idx []int
	for i := 1; i < len(x)-1; i++ {
		if maxima && x[i-1] < x[i] && x[i] >= x[i+1] {
			idx = append(idx, i)
		} else if !maxima && x[i-1] > x[i] && x[i] <= x[i+1] {
			idx = append(idx, i)
		}
	}
	if len(idx) < 2 {
		return nil
	}
	out := make([]float64, 0, len(idx)-1)
	for i := 1; i < len(idx); i++ {
		out = append(out, float64(idx[i]-idx[i-1]))
	}
	return out
}

// windowHalfLength returns half the analysis window length in samples for a
// candidate band frequency: roughly 1.5 periods each side (~3 periods
// total), giving a window length of roughly 3*sampleRate/F0.
func windowHalfLength(bandHz float64, sampleRate int) int {
	n := int(1.5 * float64(sampleRate) / bandHz)
	if n < 32 {
		n = 32
	}
	return n
}

// DIO runs the DIO F0 extractor over audio x sampled at sampleRate,
// producing an F0 array of length (len(x)/stride)+1 and a matching time
// axis.
func DIO(x []float64, sampleRate int, cfg DIOConfig) (f0 []float64, timeAxis []float64, err error) {
	cfg.defaults()
	if sampleRate <= 0 || len(x) == 0 {
		return nil, nil, liberr.New(liberr.InvalidArgument, "world.DIO").Msg("invalid sample rate or empty signal").Build()
	}
	if cfg.F0Floor >= cfg.F0Ceil {
		return nil, nil, liberr.New(liberr.InvalidArgument, "world.DIO").Msg("f0_floor must be < f0_ceil").Build()
	}

	stride := int(cfg.FramePeriod * float64(sampleRate) / 1000.0)
	if stride < 1 {
		stride = 1
	}
	nFrames := len(x)/stride + 1

	bands := candidateBands(cfg)
	filtered := make([][]float64, len(bands))
	for i, b := range bands {
		filt := newBandpass(b, 4.0, sampleRate)
		filtered[i] = filt.process(x)
	}

	rawF0 := make([]float64, nFrames)
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
		if best.score >= cfg.ConfidenceThreshold {
			rawF0[t] = best.f0
		} else {
			rawF0[t] = 0
		}
	}

	f0 = medianFilter(rawF0, cfg.MedianWindow)
	// median filtering over zeros and voiced values can introduce small
	// nonzero leakage into unvoiced frames; re-silence anything the raw
	// detector called unvoiced on both neighbors.
	for i := range f0 {
		if rawF0[i] == 0 && (i == 0 || rawF0[i-1] == 0) && (i == len(rawF0)-1 || rawF0[i+1] == 0) {
			f0[i] = 0
		}
	}
	return f0, timeAxis, nil
}
