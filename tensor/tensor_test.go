// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crlotwhite/libetude/liberr"
	"github.com/crlotwhite/libetude/pool"
)

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	return pool.Create(pool.Config{})
}

func TestNewComputesStridesAndSize(t *testing.T) {
	p := newTestPool(t)
	tn, err := New(p, []int{2, 3, 4}, F32, 0)
	require.NoError(t, err)
	assert.Equal(t, 24, tn.Size)
	assert.Equal(t, []int{12, 4, 1}, tn.Strides)
	assert.True(t, tn.OwnsMemory())
}

func TestNewRejectsZeroSizedDims(t *testing.T) {
	p := newTestPool(t)
	_, err := New(p, []int{2, 0, 4}, F32, 0)
	require.Error(t, err)
	assert.Equal(t, liberr.InvalidArgument, liberr.CodeOf(err))
}

func TestReshapeRequiresEqualElementCount(t *testing.T) {
	p := newTestPool(t)
	tn, err := New(p, []int{2, 3}, F32, 0)
	require.NoError(t, err)

	r, err := tn.Reshape([]int{3, 2})
	require.NoError(t, err)
	assert.Equal(t, 6, r.Size)

	_, err = tn.Reshape([]int{4, 4})
	require.Error(t, err)
	assert.Equal(t, liberr.InvalidArgument, liberr.CodeOf(err))
}

func TestViewSharesBackingStore(t *testing.T) {
	p := newTestPool(t)
	tn, err := New(p, []int{4}, F32, 0)
	require.NoError(t, err)
	require.NoError(t, tn.SetFloats([]float32{1, 2, 3, 4}))

	v, err := View([]int{2, 2}, F32, tn.Bytes())
	require.NoError(t, err)
	assert.False(t, v.OwnsMemory())
	got, err := v.Float32At(2)
	require.NoError(t, err)
	assert.Equal(t, float32(3), got)
}

func TestFillAndFloats(t *testing.T) {
	p := newTestPool(t)
	tn, err := New(p, []int{5}, F32, 0)
	require.NoError(t, err)
	require.NoError(t, tn.Fill(2.5))
	for _, v := range tn.Floats() {
		assert.Equal(t, float32(2.5), v)
	}
}

func TestBoundsChecked(t *testing.T) {
	p := newTestPool(t)
	tn, err := New(p, []int{2}, F32, 0)
	require.NoError(t, err)
	_, err = tn.Float32At(5)
	require.Error(t, err)
}
