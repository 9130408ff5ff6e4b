// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package audioio loads and saves PCM WAV audio through tensor.Tensor,
// the pool-arena tensor type used throughout the rest of this module.
package audioio

import (
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/crlotwhite/libetude/liberr"
	"github.com/crlotwhite/libetude/pool"
	"github.com/crlotwhite/libetude/tensor"
)

// Info describes a decoded WAV file's format, mirroring sound.Wave's
// SampleRate/Channels/Duration accessors.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Load decodes filename into a single-channel, pool-backed tensor of
// samples normalized to -1..1, selecting channel (0-indexed); pass -1 for
// a mono down-mix average across all channels. Multi-channel, channel-
// preserving loads are not supported.
func Load(p *pool.Pool, filename string, channel int) (*tensor.Tensor, Info, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, Info{}, liberr.New(liberr.IO, "audioio.Load").Context("file", filename).Wrap(err).Build()
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, Info{}, liberr.New(liberr.InvalidFormat, "audioio.Load").Context("file", filename).Msg("not a valid wav file").Build()
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Info{}, liberr.New(liberr.IO, "audioio.Load").Context("file", filename).Wrap(err).Build()
	}

	info := Info{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	samples := samplesFromBuffer(buf, info.Channels, channel)

	t, err := tensor.New(p, []int{len(samples)}, tensor.F32, 0)
	if err != nil {
		return nil, Info{}, err
	}
	if err := t.SetFloats(samples); err != nil {
		return nil, Info{}, err
	}
	return t, info, nil
}

func samplesFromBuffer(buf *audio.IntBuffer, channels, channel int) []float32 {
	nFrames := buf.NumFrames()
	if channel >= 0 && channels > 1 {
		out := make([]float32, nFrames)
		for i := 0; i < nFrames; i++ {
			out[i] = normalize(buf, i*channels+channel)
		}
		return out
	}
	if channels <= 1 {
		out := make([]float32, nFrames)
		for i := 0; i < nFrames; i++ {
			out[i] = normalize(buf, i)
		}
		return out
	}
	// channel < 0 with multiple channels: mono down-mix by averaging.
	out := make([]float32, nFrames)
	for i := 0; i < nFrames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += normalize(buf, i*channels+c)
		}
		out[i] = sum / float32(channels)
	}
	return out
}

func normalize(buf *audio.IntBuffer, idx int) float32 {
	switch buf.SourceBitDepth {
	case 32:
		return float32(buf.Data[idx]) / float32(0x7FFFFFFF)
	case 24:
		return float32(buf.Data[idx]) / float32(0x7FFFFF)
	case 16:
		return float32(buf.Data[idx]) / float32(0x7FFF)
	case 8:
		return float32(buf.Data[idx]) / float32(0x7F)
	default:
		return float32(buf.Data[idx]) / float32(0x7FFF)
	}
}

// Save encodes t (a mono, -1..1-normalized sample tensor) as 16-bit PCM
// WAV at sampleRate.
func Save(filename string, t *tensor.Tensor, sampleRate int) error {
	f, err := os.Create(filename)
	if err != nil {
		return liberr.New(liberr.IO, "audioio.Save").Context("file", filename).Wrap(err).Build()
	}
	defer f.Close()
	return SaveTo(f, t, sampleRate)
}

// SaveTo encodes t to w, for callers (e.g. streaming output) that don't
// want a filesystem round-trip.
func SaveTo(w io.WriteSeeker, t *tensor.Tensor, sampleRate int) error {
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	samples := t.Floats()
	ints := make([]int, len(samples))
	for i, v := range samples {
		ints[i] = denormalize(v)
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           ints,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return liberr.New(liberr.IO, "audioio.SaveTo").Wrap(err).Build()
	}
	if err := enc.Close(); err != nil {
		return liberr.New(liberr.IO, "audioio.SaveTo").Wrap(err).Build()
	}
	return nil
}

func denormalize(v float32) int {
	if v > 1 {
		v = 1
	}
	if v < -1 {
		v = -1
	}
	return int(v * 0x7FFF)
}
