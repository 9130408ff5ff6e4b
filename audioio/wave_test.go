// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package audioio

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crlotwhite/libetude/liberr"
	"github.com/crlotwhite/libetude/pool"
	"github.com/crlotwhite/libetude/tensor"
)

func sineTensor(p *pool.Pool, sampleRate int, freq float64, seconds float64) []float32 {
	n := int(float64(sampleRate) * seconds)
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.4 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	p := pool.Create(pool.Config{})
	dir := t.TempDir()
	path := filepath.Join(dir, "tone.wav")

	sampleRate := 16000
	samples := sineTensor(p, sampleRate, 220, 0.05)
	in, err := tensor.New(p, []int{len(samples)}, tensor.F32, 0)
	require.NoError(t, err)
	require.NoError(t, in.SetFloats(samples))

	require.NoError(t, Save(path, in, sampleRate))

	out, info, err := Load(p, path, 0)
	require.NoError(t, err)
	assert.Equal(t, sampleRate, info.SampleRate)
	assert.Equal(t, 1, info.Channels)
	assert.Equal(t, in.Size, out.Size)

	// 16-bit PCM round-trip introduces quantization noise but should stay
	// close to the original normalized waveform.
	got := out.Floats()
	want := in.Floats()
	var maxDiff float32
	for i := range want {
		d := got[i] - want[i]
		if d < 0 {
			d = -d
		}
		if d > maxDiff {
			maxDiff = d
		}
	}
	assert.Less(t, maxDiff, float32(0.01))
}

func TestLoadRejectsMissingFile(t *testing.T) {
	p := pool.Create(pool.Config{})
	_, _, err := Load(p, "/nonexistent/path/does-not-exist.wav", 0)
	require.Error(t, err)
	assert.Equal(t, liberr.IO, liberr.CodeOf(err))
}

func TestLoadRejectsNonWavFile(t *testing.T) {
	p := pool.Create(pool.Config{})
	dir := t.TempDir()
	path := filepath.Join(dir, "not-a-wav.txt")
	require.NoError(t, os.WriteFile(path, []byte("this is not a wav file"), 0o644))

	_, _, err := Load(p, path, 0)
	require.Error(t, err)
	assert.Equal(t, liberr.InvalidFormat, liberr.CodeOf(err))
}
