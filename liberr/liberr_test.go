// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package liberr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildComposesMessageAndWrap(t *testing.T) {
	cause := errors.New("disk full")
	err := New(IO, "pool.grow").Msg("allocation failed").Wrap(cause).Context("bytes", 1024).Build()

	assert.Equal(t, IO, err.Code)
	assert.Equal(t, "pool.grow", err.Op)
	assert.Equal(t, cause, err.Err)
	assert.Equal(t, 1024, err.Context["bytes"])
	assert.Contains(t, err.Error(), "allocation failed")
	assert.Contains(t, err.Error(), "disk full")
}

func TestCodeOfUnwrapsWrappedError(t *testing.T) {
	inner := New(NotFound, "registry.Lookup").Msg("missing").Build()
	outer := New(Runtime, "caller").Wrap(inner).Build()

	assert.Equal(t, NotFound, CodeOf(outer))
}

func TestCodeOfDefaultsToRuntimeForForeignErrors(t *testing.T) {
	assert.Equal(t, Runtime, CodeOf(errors.New("not ours")))
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(OutOfMemory, "pool.grow").Build()
	b := New(OutOfMemory, "tensor.New").Build()
	c := New(IO, "pool.grow").Build()

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestLastErrorRecordsMostRecentBuild(t *testing.T) {
	first := Of(InvalidArgument, "tensor.New", "bad shape")
	require.Equal(t, first, LastError())

	second := Of(NotFound, "registry.Lookup", "missing entry")
	require.Equal(t, second, LastError())
}

func TestCodeStringMatchesConstantName(t *testing.T) {
	cases := map[Code]string{
		InvalidArgument: "InvalidArgument",
		OutOfMemory:     "OutOfMemory",
		NotFound:        "NotFound",
		Cycle:           "Cycle",
		Runtime:         "Runtime",
		Code(999):       "Runtime",
	}
	for code, want := range cases {
		assert.Equal(t, want, code.String())
	}
}
