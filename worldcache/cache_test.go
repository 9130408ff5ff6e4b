// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package worldcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crlotwhite/libetude/world"
)

func writeTempAudioFile(t *testing.T, dir string, contents []byte) string {
	t.Helper()
	path := filepath.Join(dir, "audio.wav")
	require.NoError(t, os.WriteFile(path, contents, 0o644))
	return path
}

func sampleParams() *world.Parameters {
	return &world.Parameters{
		SampleRate:  16000,
		AudioLength: 1600,
		FramePeriod: 5.0,
		F0Length:    3,
		FFTSize:     8,
		F0:          []float64{0, 220, 221},
		TimeAxis:    []float64{0, 0.005, 0.010},
		Spectrogram: [][]float64{{0, 1, 2, 3, 4}, {0, 1, 2, 3, 4}, {0, 1, 2, 3, 4}},
		Aperiodicity: [][]float64{
			{0.1, 0.1, 0.1, 0.1, 0.1},
			{0.2, 0.2, 0.2, 0.2, 0.2},
			{0.3, 0.3, 0.3, 0.3, 0.3},
		},
	}
}

func TestSetThenGetRoundTrips(t *testing.T) {
	dir := t.TempDir()
	audioPath := writeTempAudioFile(t, dir, []byte("fake wav contents"))

	c, err := Open(Config{IndexPath: filepath.Join(dir, "index.bin")})
	require.NoError(t, err)

	params := sampleParams()
	require.NoError(t, c.Set(audioPath, 16000, params))

	got, ok, err := c.Get(audioPath)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, params.F0, got.F0)
	assert.Equal(t, params.Spectrogram, got.Spectrogram)
	assert.Equal(t, params.Aperiodicity, got.Aperiodicity)
}

func TestGetMissesOnUntrackedFile(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Config{IndexPath: filepath.Join(dir, "index.bin")})
	require.NoError(t, err)

	audioPath := writeTempAudioFile(t, dir, []byte("never cached"))
	_, ok, err := c.Get(audioPath)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetMissesOnStaleFile(t *testing.T) {
	dir := t.TempDir()
	audioPath := writeTempAudioFile(t, dir, []byte("v1"))

	c, err := Open(Config{IndexPath: filepath.Join(dir, "index.bin")})
	require.NoError(t, err)
	require.NoError(t, c.Set(audioPath, 16000, sampleParams()))

	require.NoError(t, os.WriteFile(audioPath, []byte("v2 changed contents"), 0o644))
	_, ok, err := c.Get(audioPath)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompressedPayloadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	audioPath := writeTempAudioFile(t, dir, []byte("compressed case"))

	c, err := Open(Config{IndexPath: filepath.Join(dir, "index.bin"), Compress: true})
	require.NoError(t, err)
	params := sampleParams()
	require.NoError(t, c.Set(audioPath, 16000, params))

	got, ok, err := c.Get(audioPath)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, params.F0, got.F0)
}

func TestReopenLoadsPersistedIndex(t *testing.T) {
	dir := t.TempDir()
	audioPath := writeTempAudioFile(t, dir, []byte("persisted"))
	indexPath := filepath.Join(dir, "index.bin")

	c1, err := Open(Config{IndexPath: indexPath})
	require.NoError(t, err)
	require.NoError(t, c1.Set(audioPath, 16000, sampleParams()))

	c2, err := Open(Config{IndexPath: indexPath})
	require.NoError(t, err)
	got, ok, err := c2.Get(audioPath)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got.F0, 3)
}

func TestEvictsLeastRecentlyUsedWhenOverCapacity(t *testing.T) {
	dir := t.TempDir()
	pathA := writeTempAudioFile(t, dir, []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
	pathB := filepath.Join(dir, "b.wav")
	require.NoError(t, os.WriteFile(pathB, []byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"), 0o644))

	// sampleParams serializes to a 304-byte payload: one entry fits under
	// the cap, two do not.
	c, err := Open(Config{IndexPath: filepath.Join(dir, "index.bin"), MaxTotalSize: 400})
	require.NoError(t, err)
	require.NoError(t, c.Set(pathA, 16000, sampleParams()))
	require.NoError(t, c.Set(pathB, 16000, sampleParams()))

	_, okA, err := c.Get(pathA)
	require.NoError(t, err)
	assert.False(t, okA, "A should have been evicted once B pushed total size over the cap")

	_, okB, err := c.Get(pathB)
	require.NoError(t, err)
	assert.True(t, okB)
}
