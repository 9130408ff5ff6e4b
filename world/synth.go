// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package world

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/crlotwhite/libetude/liberr"
)

// SynthesizerState tracks the run mode of a streaming Synthesizer.
type SynthesizerState int

const (
	// Idle means no chunk has been processed since construction or Reset.
	Idle SynthesizerState = iota
	// Running means at least one chunk has been processed and the overlap
	// tail carries state for the next call to Process.
	Running
)

// SynthesizerConfig parameterizes waveform resynthesis from WORLD
// parameters.
type SynthesizerConfig struct {
	SampleRate  int
	FramePeriod float64 // ms
	FFTSize     int
}

func (c *SynthesizerConfig) defaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 44100
	}
	if c.FramePeriod <= 0 {
		c.FramePeriod = 5.0
	}
	if c.FFTSize <= 0 {
		c.FFTSize = 1024
	}
}

// Synthesizer performs overlap-add resynthesis from spectral envelope and
// aperiodicity parameters, either in one shot (Synthesize) or incrementally
// across chunks (Process/Reset) for real-time use.
type Synthesizer struct {
	cfg   SynthesizerConfig
	state SynthesizerState
	tail  []float64 // overlapping carry-over from the previous chunk
	rng   *rand.Rand
}

// NewSynthesizer constructs a Synthesizer in the Idle state.
func NewSynthesizer(cfg SynthesizerConfig) *Synthesizer {
	cfg.defaults()
	return &Synthesizer{
		cfg:   cfg,
		state: Idle,
		rng:   rand.New(rand.NewSource(1)),
	}
}

// State reports whether the synthesizer has carried-over overlap state.
func (s *Synthesizer) State() SynthesizerState { return s.state }

// Reset discards any carried-over overlap state and returns to Idle.
func (s *Synthesizer) Reset() {
	s.tail = nil
	s.state = Idle
}

// Synthesize renders a complete waveform from an F0 contour, spectral
// envelope and aperiodicity matrices in one call.
func (s *Synthesizer) Synthesize(f0 []float64, spectrogram, aperiodicity [][]float64) ([]float64, error) {
	if len(f0) != len(spectrogram) || len(f0) != len(aperiodicity) {
		return nil, liberr.New(liberr.InvalidArgument, "world.Synthesizer.Synthesize").Msg("parameter length mismatch").Build()
	}
	s.Reset()
	var out []float64
	for t := range f0 {
		chunk := s.Process(f0[t:t+1], spectrogram[t:t+1], aperiodicity[t:t+1])
		out = append(out, chunk...)
	}
	return out, nil
}

// Process renders and returns the waveform samples for the given contiguous
// span of frames, overlap-adding against the tail carried from the previous
// call. Calling Process transitions the synthesizer into Running.
func (s *Synthesizer) Process(f0 []float64, spectrogram, aperiodicity [][]float64) []float64 {
	s.cfg.defaults()
	hop := int(s.cfg.FramePeriod * float64(s.cfg.SampleRate) / 1000.0)
	if hop < 1 {
		hop = 1
	}
	frameLen := s.cfg.FFTSize

	totalLen := hop*len(f0) + frameLen
	out := make([]float64, totalLen)

	for t := range f0 {
		frame := s.renderFrame(f0[t], spectrogram[t], aperiodicity[t])
		start := t * hop
		for i, v := range frame {
			if start+i >= len(out) {
				break
			}
			out[start+i] += v
		}
	}

	// overlap-add the previous call's tail into the start of this chunk.
	if len(s.tail) > 0 {
		for i, v := range s.tail {
			if i < len(out) {
				out[i] += v
			}
		}
	}

	produced := hop * len(f0)
	if produced > len(out) {
		produced = len(out)
	}
	s.tail = append([]float64(nil), out[produced:]...)
	s.state = Running
	return out[:produced]
}

// renderFrame synthesizes one analysis frame's worth of audio by mixing the
// envelope-shaped impulse response from periodicComponent (scaled by
// 1-aperiodicity) with band-shaped noise (scaled by aperiodicity).
func (s *Synthesizer) renderFrame(f0 float64, envelope, aperiodicity []float64) []float64 {
	n := s.cfg.FFTSize
	periodic := s.periodicComponent(f0, envelope, n)
	noise := s.noiseComponent(envelope, n)

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		var ap float64
		if i < len(aperiodicity) {
			ap = aperiodicity[i]
		} else if len(aperiodicity) > 0 {
			ap = aperiodicity[len(aperiodicity)-1]
		}
		out[i] = periodic[i]*(1-ap) + noise[i]*ap
	}
	return out
}

// periodicComponent builds the impulse response of the spectrum from
// minimumPhaseSpectrum, excited by a single impulse at frame start: the
// voiced branch of resynthesis. f0 only decides whether the frame is
// voiced; it does not set the pulse spacing.
func (s *Synthesizer) periodicComponent(f0 float64, envelope []float64, n int) []float64 {
	if f0 <= 0 || len(envelope) == 0 {
		return make([]float64, n)
	}
	spectrum := minimumPhaseSpectrum(envelope, n)
	fft := fourier.NewFFT(n)
	ifftIn := make([]complex128, n/2+1)
	copy(ifftIn, spectrum)
	time := fft.Sequence(nil, ifftIn)

	out := make([]float64, n)
	copy(out, time)
	return out
}

// noiseComponent builds white noise colored by the spectral envelope: the
// unvoiced/aperiodic branch of resynthesis.
func (s *Synthesizer) noiseComponent(envelope []float64, n int) []float64 {
	white := make([]float64, n)
	for i := range white {
		white[i] = s.rng.Float64()*2 - 1
	}
	if len(envelope) == 0 {
		return white
	}
	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, white)
	nBins := n/2 + 1
	for i := 0; i < nBins && i < len(coeffs); i++ {
		gain := 0.0
		if i < len(envelope) {
			gain = math.Sqrt(envelope[i])
		}
		coeffs[i] *= complex(gain, 0)
	}
	time := fft.Sequence(nil, coeffs)
	out := make([]float64, n)
	copy(out, time)
	return out
}

// minimumPhaseSpectrum derives a spectrum from a magnitude-only spectral
// envelope in the cepstral domain: the DCT of log|H| has its
// non-DC/Nyquist coefficients doubled, is transformed back and
// re-exponentiated. Every bin is returned as a real, non-negative value;
// no phase is reconstructed, so the result is zero-phase, not
// minimum-phase.
func minimumPhaseSpectrum(envelope []float64, n int) []complex128 {
	nBins := n/2 + 1
	logMag := make([]float64, nBins)
	for i, v := range envelope {
		if i >= nBins {
			break
		}
		if v <= 0 {
			v = 1e-12
		}
		logMag[i] = math.Log(v)
	}

	dct := fourier.NewDCT(nBins)
	ceps := dct.Transform(nil, logMag)
	for i := 1; i < nBins-1; i++ {
		ceps[i] *= 2
	}
	idct := fourier.NewDCT(nBins)
	minPhaseLog := idct.Transform(nil, ceps)

	out := make([]complex128, nBins)
	for i := 0; i < nBins; i++ {
		mag := math.Exp(minPhaseLog[i] / (2 * float64(nBins)))
		out[i] = complex(mag, 0)
	}
	return out
}
