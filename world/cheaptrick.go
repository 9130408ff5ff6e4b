// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package world

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/crlotwhite/libetude/liberr"
)

// CheapTrickConfig parameterizes spectral-envelope estimation.
type CheapTrickConfig struct {
	FFTSize    int
	SampleRate int
	Q1         float64 // cepstral lifter parameter, default -0.15
}

func (c *CheapTrickConfig) defaults() {
	if c.FFTSize <= 0 {
		c.FFTSize = 1024
	}
	if c.Q1 == 0 {
		c.Q1 = -0.15
	}
}

func blackmanWindow(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := 0; i < n; i++ {
		x := 2 * math.Pi * float64(i) / float64(n-1)
		w[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}
	return w
}

// extractFrame pulls a centered, zero-padded window of length winLen out of
// x around sample center, into a buffer of length fftSize.
func extractFrame(x []float64, center, winLen, fftSize int) []float64 {
	buf := make([]float64, fftSize)
	half := winLen / 2
	win := blackmanWindow(winLen)
	for i := 0; i < winLen; i++ {
		srcIdx := center - half + i
		if srcIdx < 0 || srcIdx >= len(x) {
			continue
		}
		buf[i] = x[srcIdx] * win[i]
	}
	return buf
}

func powerSpectrum(frame []float64, fftSize int) []float64 {
	fft := fourier.NewFFT(fftSize)
	coeffs := fft.Coefficients(nil, frame)
	nBins := fftSize/2 + 1
	out := make([]float64, nBins)
	for i := 0; i < nBins; i++ {
		re, im := real(coeffs[i]), imag(coeffs[i])
		out[i] = re*re + im*im
	}
	return out
}

// smoothByF0 applies a rectangular-window moving average whose width tracks
// the frame's F0 (in bins), approximating the harmonic-ripple-removing
// smoothing step of CheapTrick.
func smoothByF0(power []float64, f0 float64, sampleRate, fftSize int) []float64 {
	if f0 <= 0 {
		return power
	}
	widthBins := int(f0 / float64(sampleRate) * float64(fftSize))
	if widthBins < 1 {
		widthBins = 1
	}
	n := len(power)
	out := make([]float64, n)
	for i := range power {
		lo, hi := i-widthBins/2, i+widthBins/2
		if lo < 0 {
			lo = 0
		}
		if hi >= n {
			hi = n - 1
		}
		var sum float64
		for k := lo; k <= hi; k++ {
			sum += power[k]
		}
		out[i] = sum / float64(hi-lo+1)
	}
	return out
}

// cepstralLifter removes residual harmonic ripple by transforming the log
// power spectrum to the cepstral domain via gonum's fourier.DCT, zeroing
// cepstral coefficients above a cutoff derived from q1, and transforming
// back.
func cepstralLifter(power []float64, q1 float64) []float64 {
	n := len(power)
	logP := make([]float64, n)
	for i, p := range power {
		if p <= 0 {
			p = 1e-12
		}
		logP[i] = math.Log(p)
	}
	dct := fourier.NewDCT(n)
	ceps := dct.Transform(nil, logP)

	cutoff := int(float64(n) * (1 + q1))
	if cutoff < 1 {
		cutoff = 1
	}
	if cutoff > n {
		cutoff = n
	}
	for i := cutoff; i < n; i++ {
		ceps[i] = 0
	}

	idct := fourier.NewDCT(n)
	smoothed := idct.Transform(nil, ceps)
	// gonum's DCT (DCT-II) pairs with its own inverse scaling; normalize by
	// 2n as is standard for a DCT-II/DCT-III round trip.
	out := make([]float64, n)
	for i, v := range smoothed {
		out[i] = math.Exp(v / (2 * float64(n)))
	}
	return out
}

// CheapTrick estimates the spectral envelope for every frame given F0
// contour f0 and time axis timeAxis, aligned to the signal x.
// Unvoiced frames (F0=0) use a fixed window length equal to FFTSize.
func CheapTrick(x []float64, sampleRate int, f0, timeAxis []float64, cfg CheapTrickConfig) ([][]float64, error) {
	cfg.defaults()
	if len(f0) != len(timeAxis) {
		return nil, liberr.New(liberr.InvalidArgument, "world.CheapTrick").Msg("f0/timeAxis length mismatch").Build()
	}
	nBins := cfg.FFTSize/2 + 1
	spectrogram := make([][]float64, len(f0))

	for t := range f0 {
		center := int(timeAxis[t] * float64(sampleRate))
		var winLen int
		if f0[t] > 0 {
			winLen = int(3.0 * float64(sampleRate) / f0[t])
			if winLen%2 == 0 {
				winLen++
			}
			if winLen > cfg.FFTSize {
				winLen = cfg.FFTSize
			}
		} else {
			winLen = cfg.FFTSize
		}
		if winLen < 8 {
			winLen = 8
		}

		frame := extractFrame(x, center, winLen, cfg.FFTSize)
		power := powerSpectrum(frame, cfg.FFTSize)
		if len(power) != nBins {
			power = power[:nBins]
		}
		smoothed := smoothByF0(power, f0[t], sampleRate, cfg.FFTSize)
		lifted := cepstralLifter(smoothed, cfg.Q1)

		row := make([]float64, nBins)
		for i, v := range lifted {
			if v < 0 {
				v = 0
			}
			row[i] = v
		}
		spectrogram[t] = row
	}
	return spectrogram, nil
}
