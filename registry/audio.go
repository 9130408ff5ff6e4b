// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"github.com/crlotwhite/libetude/liberr"
	"github.com/crlotwhite/libetude/melfb"
	"github.com/crlotwhite/libetude/tensor"
	"github.com/crlotwhite/libetude/world"
)

// RegisterAudio registers the audio-domain operator bundle: STFT, MelScale,
// Vocoder, dispatched through the same {Create, Forward, Destroy} table
// the dense operators use.
func RegisterAudio(r *Registry) error {
	for _, e := range []Entry{stftEntry(), melScaleEntry(), vocoderEntry()} {
		if err := r.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// RegisterFused registers the fused operator forms the optimizer's fusion
// pass rewrites a producer's op_type to.
func RegisterFused(r *Registry) error {
	for _, e := range []Entry{linearReLUEntry(), stftMelScaleEntry()} {
		if err := r.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// RegisterAll registers every built-in operator bundle: dense, audio and
// fused.
func RegisterAll(r *Registry) error {
	if err := RegisterBasic(r); err != nil {
		return err
	}
	if err := RegisterAudio(r); err != nil {
		return err
	}
	return RegisterFused(r)
}

func intAttr(attrs Attrs, key string, def int) int {
	if v, ok := attrs[key].(int); ok && v > 0 {
		return v
	}
	return def
}

// stftEntry wraps world.STFT: a 1-D [length] audio tensor input produces a
// 2-D [frames, fftSize/2+1] magnitude-spectrogram output.
func stftEntry() Entry {
	return Entry{
		Name: "STFT",
		Create: func(Attrs) (int, int, error) {
			return 1, 1, nil
		},
		Forward: func(attrs Attrs, in, out []*tensor.Tensor) error {
			if len(in) != 1 || len(out) != 1 {
				return liberr.New(liberr.InvalidArgument, "STFT.Forward").Msg("expected 1 input and 1 output").Build()
			}
			fftSize := intAttr(attrs, "fft_size", 1024)
			hopSize := intAttr(attrs, "hop_size", fftSize/2)
			return stftForward(in[0], fftSize, hopSize, out[0])
		},
		Destroy: func(Attrs) {},
	}
}

func stftForward(in *tensor.Tensor, fftSize, hopSize int, out *tensor.Tensor) error {
	if len(in.Shape) != 1 {
		return liberr.New(liberr.InvalidArgument, "STFT.Forward").Msg("expects rank-1 audio input").Build()
	}
	samples := in.Floats()
	x := make([]float64, len(samples))
	for i, v := range samples {
		x[i] = float64(v)
	}
	spec := world.STFT(x, fftSize, hopSize)
	if len(out.Shape) != 2 || out.Shape[0] != len(spec) || (len(spec) > 0 && out.Shape[1] != len(spec[0])) {
		return liberr.New(liberr.InvalidArgument, "STFT.Forward").Msg("output shape mismatch").Build()
	}
	return writeMatrix(spec, out)
}

func writeMatrix(m [][]float64, out *tensor.Tensor) error {
	nRows := len(m)
	nCols := 0
	if nRows > 0 {
		nCols = len(m[0])
	}
	flat := make([]float32, nRows*nCols)
	for i, row := range m {
		for j, v := range row {
			flat[i*nCols+j] = float32(v)
		}
	}
	return out.SetFloats(flat)
}

func readMatrix(in *tensor.Tensor) [][]float64 {
	nRows, nCols := in.Shape[0], in.Shape[1]
	flat := in.Floats()
	m := make([][]float64, nRows)
	for i := 0; i < nRows; i++ {
		row := make([]float64, nCols)
		for j := 0; j < nCols; j++ {
			row[j] = float64(flat[i*nCols+j])
		}
		m[i] = row
	}
	return m
}

// melScaleEntry wraps melfb.FilterBank.Forward: a 2-D [frames, fftBins]
// spectrogram input produces a 2-D [frames, nMels] mel-band output.
func melScaleEntry() Entry {
	return Entry{
		Name: "MelScale",
		Create: func(Attrs) (int, int, error) {
			return 1, 1, nil
		},
		Forward: func(attrs Attrs, in, out []*tensor.Tensor) error {
			if len(in) != 1 || len(out) != 1 {
				return liberr.New(liberr.InvalidArgument, "MelScale.Forward").Msg("expected 1 input and 1 output").Build()
			}
			nMels := intAttr(attrs, "n_mels", 80)
			sampleRate := intAttr(attrs, "sample_rate", 16000)
			return melScaleForward(in[0], nMels, sampleRate, out[0])
		},
		Destroy: func(Attrs) {},
	}
}

func melScaleForward(in *tensor.Tensor, nMels, sampleRate int, out *tensor.Tensor) error {
	if len(in.Shape) != 2 {
		return liberr.New(liberr.InvalidArgument, "MelScale.Forward").Msg("expects rank-2 spectrogram input").Build()
	}
	nFrames, nBins := in.Shape[0], in.Shape[1]
	fftSize := (nBins - 1) * 2
	fb, err := melfb.GetOrCreate(melfb.Config{NFFT: fftSize, NMels: nMels, SampleRate: sampleRate})
	if err != nil {
		return err
	}
	flat := in.Floats()
	spectrogram := make([]float64, len(flat))
	for i, v := range flat {
		spectrogram[i] = float64(v)
	}
	mel, err := fb.Forward(spectrogram, nFrames, false)
	if err != nil {
		return err
	}
	if out.Shape[0] != nFrames || out.Shape[1] != nMels {
		return liberr.New(liberr.InvalidArgument, "MelScale.Forward").Msg("output shape mismatch").Build()
	}
	flatOut := make([]float32, len(mel))
	for i, v := range mel {
		flatOut[i] = float32(v)
	}
	return out.SetFloats(flatOut)
}

// vocoderEntry wraps world.Synthesizer.Synthesize: F0, spectral-envelope
// and aperiodicity tensor inputs produce a 1-D waveform output.
func vocoderEntry() Entry {
	return Entry{
		Name: "Vocoder",
		Create: func(Attrs) (int, int, error) {
			return 3, 1, nil // f0, spectrogram, aperiodicity
		},
		Forward: func(attrs Attrs, in, out []*tensor.Tensor) error {
			if len(in) != 3 || len(out) != 1 {
				return liberr.New(liberr.InvalidArgument, "Vocoder.Forward").Msg("expected f0, spectrogram, aperiodicity inputs").Build()
			}
			sampleRate := intAttr(attrs, "sample_rate", 44100)
			fftSize := intAttr(attrs, "fft_size", 1024)
			framePeriod := 5.0
			if fp, ok := attrs["frame_period"].(float64); ok && fp > 0 {
				framePeriod = fp
			}
			return vocoderForward(in[0], in[1], in[2], sampleRate, fftSize, framePeriod, out[0])
		},
		Destroy: func(Attrs) {},
	}
}

func vocoderForward(f0T, specT, apT *tensor.Tensor, sampleRate, fftSize int, framePeriod float64, out *tensor.Tensor) error {
	if len(f0T.Shape) != 1 {
		return liberr.New(liberr.InvalidArgument, "Vocoder.Forward").Msg("expects rank-1 f0 input").Build()
	}
	f0Flat := f0T.Floats()
	f0 := make([]float64, len(f0Flat))
	for i, v := range f0Flat {
		f0[i] = float64(v)
	}
	spectrogram := readMatrix(specT)
	aperiodicity := readMatrix(apT)

	synth := world.NewSynthesizer(world.SynthesizerConfig{SampleRate: sampleRate, FramePeriod: framePeriod, FFTSize: fftSize})
	samples, err := synth.Synthesize(f0, spectrogram, aperiodicity)
	if err != nil {
		return err
	}
	if len(out.Shape) != 1 || out.Shape[0] != len(samples) {
		return liberr.New(liberr.InvalidArgument, "Vocoder.Forward").Msg("output shape mismatch").Build()
	}
	flat := make([]float32, len(samples))
	for i, v := range samples {
		flat[i] = float32(v)
	}
	return out.SetFloats(flat)
}

// stftMelScaleEntry fuses STFT and MelScale into a single pass, the target
// of the optimizer's STFT->MelScale fusion rewrite.
func stftMelScaleEntry() Entry {
	stft := stftEntry()
	return Entry{
		Name:   "STFTMelScale",
		Create: stft.Create,
		Forward: func(attrs Attrs, in, out []*tensor.Tensor) error {
			fftSize := intAttr(attrs, "fft_size", 1024)
			hopSize := intAttr(attrs, "hop_size", fftSize/2)
			if len(in) != 1 {
				return liberr.New(liberr.InvalidArgument, "STFTMelScale.Forward").Msg("expected 1 input").Build()
			}
			samples := in[0].Floats()
			x := make([]float64, len(samples))
			for i, v := range samples {
				x[i] = float64(v)
			}
			spec := world.STFT(x, fftSize, hopSize)

			nMels := intAttr(attrs, "n_mels", 80)
			sampleRate := intAttr(attrs, "sample_rate", 16000)
			fb, err := melfb.GetOrCreate(melfb.Config{NFFT: fftSize, NMels: nMels, SampleRate: sampleRate})
			if err != nil {
				return err
			}
			flat := make([]float64, 0, len(spec)*len(spec[0]))
			for _, row := range spec {
				flat = append(flat, row...)
			}
			mel, err := fb.Forward(flat, len(spec), false)
			if err != nil {
				return err
			}
			if len(out) != 1 || out[0].Shape[0] != len(spec) || out[0].Shape[1] != nMels {
				return liberr.New(liberr.InvalidArgument, "STFTMelScale.Forward").Msg("output shape mismatch").Build()
			}
			flatOut := make([]float32, len(mel))
			for i, v := range mel {
				flatOut[i] = float32(v)
			}
			return out[0].SetFloats(flatOut)
		},
		Destroy: stft.Destroy,
	}
}
