// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crlotwhite/libetude/liberr"
)

func TestAllocateAndStats(t *testing.T) {
	p := Create(Config{})
	buf, err := p.Allocate(128)
	require.NoError(t, err)
	assert.Len(t, buf, 128)
	stats := p.Stats()
	assert.Equal(t, int64(128), stats.BytesAllocated)
	assert.Equal(t, int64(128), stats.PeakBytes)
}

func TestResetZeroesLiveButKeepsPeak(t *testing.T) {
	p := Create(Config{})
	_, err := p.Allocate(256)
	require.NoError(t, err)
	p.Reset()
	stats := p.Stats()
	assert.Equal(t, int64(0), stats.BytesAllocated)
	assert.Equal(t, int64(256), stats.PeakBytes)
}

func TestAllocResetCyclesLeaveZeroLiveAndNonDecreasingPeak(t *testing.T) {
	p := Create(Config{})
	peak := int64(0)
	for i := 0; i < 10; i++ {
		size := 64 * (i + 1)
		_, err := p.Allocate(size)
		require.NoError(t, err)
		st := p.Stats()
		assert.GreaterOrEqual(t, st.PeakBytes, peak)
		peak = st.PeakBytes
		p.Reset()
		st = p.Stats()
		assert.Equal(t, int64(0), st.BytesAllocated)
	}
}

func TestMarkAndResetTo(t *testing.T) {
	p := Create(Config{})
	_, err := p.Allocate(64)
	require.NoError(t, err)
	mark := p.Mark()
	_, err = p.Allocate(64)
	require.NoError(t, err)
	assert.Equal(t, int64(128), p.Stats().BytesAllocated)
	p.ResetTo(mark)
	assert.Equal(t, int64(64), p.Stats().BytesAllocated)
}

func TestOutOfMemoryWhenCapacityExceeded(t *testing.T) {
	p := Create(Config{Capacity: 128, BlockSize: 64})
	_, err := p.Allocate(64)
	require.NoError(t, err)
	_, err = p.Allocate(64)
	require.NoError(t, err)
	_, err = p.Allocate(64)
	require.Error(t, err)
	assert.Equal(t, liberr.OutOfMemory, liberr.CodeOf(err))
}

func TestAlignedAllocationRespectsAlignment(t *testing.T) {
	p := Create(Config{})
	buf, err := p.AllocateAligned(17, SIMDAlignment)
	require.NoError(t, err)
	require.NotEmpty(t, buf)
}

func TestCheckLeaks(t *testing.T) {
	p := Create(Config{})
	_, err := p.Allocate(1000)
	require.NoError(t, err)
	leaked, live := p.CheckLeaks(500)
	assert.True(t, leaked)
	assert.Equal(t, int64(1000), live)

	leaked, _ = p.CheckLeaks(2000)
	assert.False(t, leaked)
}
