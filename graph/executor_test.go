// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crlotwhite/libetude/liberr"
)

func TestExecuteHonorsCancellation(t *testing.T) {
	g := buildDiamond(t)
	require.NoError(t, g.TopologicalSort())

	ctx := NewContext()
	ctx.Cancel()
	err := Execute(g, ctx)
	require.Error(t, err)
	assert.Equal(t, liberr.Cancelled, liberr.CodeOf(err))
}

func TestWithTimeoutCancelsAfterBudget(t *testing.T) {
	ctx := NewContext()
	stop := ctx.WithTimeout(20 * time.Millisecond)
	defer stop()
	assert.False(t, ctx.Cancelled())
	time.Sleep(50 * time.Millisecond)
	assert.True(t, ctx.Cancelled())
}

func TestPauseResumeFlags(t *testing.T) {
	ctx := NewContext()
	assert.False(t, ctx.Paused())
	ctx.Pause()
	assert.True(t, ctx.Paused())
	ctx.Resume()
	assert.False(t, ctx.Paused())
}
