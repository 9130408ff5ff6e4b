// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package world

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// biquad is a direct-form-II-transposed second-order IIR section, using the
// RBJ audio-EQ-cookbook band-pass design: a single reusable
// coefficient-carrying filter struct applied sample-by-sample.
type biquad struct {
	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     float64
}

// newBandpass designs a band-pass biquad with constant 0 dB peak gain,
// centered at centerHz with the given Q, sampled at sampleRate.
func newBandpass(centerHz, q float64, sampleRate int) *biquad {
	w0 := 2 * math.Pi * centerHz / float64(sampleRate)
	alpha := math.Sin(w0) / (2 * q)
	cosW0 := math.Cos(w0)

	b0 := alpha
	b1 := 0.0
	b2 := -alpha
	a0 := 1 + alpha
	a1 := -2 * cosW0
	a2 := 1 - alpha

	return &biquad{
		b0: b0 / a0,
		b1: b1 / a0,
		b2: b2 / a0,
		a1: a1 / a0,
		a2: a2 / a0,
	}
}

func (f *biquad) process(in []float64) []float64 {
	out := make([]float64, len(in))
	for i, x := range in {
		y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
		f.x2, f.x1 = f.x1, x
		f.y2, f.y1 = f.y1, y
		out[i] = y
	}
	return out
}

// movingAverage applies a simple boxcar smoothing of the given window size.
func movingAverage(in []float64, window int) []float64 {
	if window < 1 {
		window = 1
	}
	out := make([]float64, len(in))
	var sum float64
	for i := range in {
		sum += in[i]
		if i >= window {
			sum -= in[i-window]
		}
		n := window
		if i < window {
			n = i + 1
		}
		out[i] = sum / float64(n)
	}
	return out
}

// medianFilter applies a centered median filter of the given window
// (DIOConfig.MedianWindow, 3 by default) to suppress spurious F0 jumps;
// near the edges the window is truncated.
func medianFilter(in []float64, window int) []float64 {
	if window < 1 {
		window = 1
	}
	half := window / 2
	out := make([]float64, len(in))
	buf := make([]float64, 0, window)
	for i := range in {
		buf = buf[:0]
		for k := i - half; k <= i+half; k++ {
			if k < 0 || k >= len(in) {
				continue
			}
			buf = append(buf, in[k])
		}
		out[i] = median(buf)
	}
	return out
}

// median uses gonum/stat's empirical quantile at p=0.5 over the sorted
// window, rather than a hand-rolled odd/even split.
func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// zeroCrossingIntervals returns the sample-count intervals between
// consecutive positive-going (rising is true) or negative-going zero
// crossings in x.
func zeroCrossingIntervals(x []float64, rising bool) []float64 {
	var crossings []int
	for i := 1; i < len(x); i++ {
		if rising && x[i-1] < 0 && x[i] >= 0 {
			crossings = append(crossings, i)
		} else if !rising && x[i-1] > 0 && x[i] <= 0 {
			crossings = append(crossings, i)
		}
	}
	if len(crossings) < 2 {
		return nil
	}
	intervals := make([]float64, 0, len(crossings)-1)
	for i := 1; i < len(crossings); i++ {
		intervals = append(intervals, float64(crossings[i]-crossings[i-1]))
	}
	return intervals
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func coefficientOfVariation(xs []float64) float64 {
	if len(xs) < 2 {
		return math.Inf(1)
	}
	m := mean(xs)
	if m == 0 {
		return math.Inf(1)
	}
	var variance float64
	for _, x := range xs {
		d := x - m
		variance += d * d
	}
	variance /= float64(len(xs))
	return math.Sqrt(variance) / m
}
