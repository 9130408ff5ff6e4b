// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package modelfile

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crlotwhite/libetude/liberr"
	"github.com/crlotwhite/libetude/pool"
	"github.com/crlotwhite/libetude/tensor"
)

func newTestPool() *pool.Pool {
	return pool.Create(pool.Config{})
}

func sampleModel(p *pool.Pool) *Model {
	w, _ := tensor.New(p, []int{2, 3}, tensor.F32, 0)
	w.SetFloats([]float32{1, 2, 3, 4, 5, 6})
	b, _ := tensor.New(p, []int{2}, tensor.F32, 0)
	b.SetFloats([]float32{0.5, -0.5})

	return &Model{
		Metadata: Metadata{
			InputDim:    3,
			OutputDim:   2,
			HiddenDim:   16,
			NumLayers:   2,
			SampleRate:  24000,
			MelChannels: 80,
			HopLength:   240,
			WinLength:   960,
		},
		Weights: map[string]*tensor.Tensor{
			"layer0.weight": w,
			"layer0.bias":   b,
		},
	}
}

func TestEncodeThenDecodeRoundTrips(t *testing.T) {
	p := newTestPool()
	m := sampleModel(p)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, m))

	got, err := Decode(p, &buf)
	require.NoError(t, err)

	assert.Equal(t, m.Metadata, got.Metadata)
	require.Len(t, got.Weights, 2)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, got.Weights["layer0.weight"].Floats())
	assert.Equal(t, []int{2, 3}, got.Weights["layer0.weight"].Shape)
	assert.Equal(t, []float32{0.5, -0.5}, got.Weights["layer0.bias"].Floats())
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	p := newTestPool()
	m := sampleModel(p)
	path := filepath.Join(t.TempDir(), "model.letf")

	require.NoError(t, Save(path, m))

	got, err := Load(p, path)
	require.NoError(t, err)
	assert.Equal(t, m.Metadata, got.Metadata)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, got.Weights["layer0.weight"].Floats())
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	p := newTestPool()
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0, 1, 0, 0, 0})
	_, err := Decode(p, buf)
	require.Error(t, err)
	assert.Equal(t, liberr.InvalidFormat, liberr.CodeOf(err))
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	p := newTestPool()
	var buf bytes.Buffer
	m := sampleModel(p)
	require.NoError(t, Encode(&buf, m))

	raw := buf.Bytes()
	// version is the second little-endian uint32, right after magic.
	raw[4] = 0xFF
	_, err := Decode(p, bytes.NewReader(raw))
	require.Error(t, err)
	assert.Equal(t, liberr.InvalidFormat, liberr.CodeOf(err))
}

func TestLoadRejectsMissingFile(t *testing.T) {
	p := newTestPool()
	_, err := Load(p, filepath.Join(t.TempDir(), "missing.letf"))
	require.Error(t, err)
	assert.Equal(t, liberr.IO, liberr.CodeOf(err))
}
