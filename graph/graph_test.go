// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crlotwhite/libetude/liberr"
	"github.com/crlotwhite/libetude/pool"
	"github.com/crlotwhite/libetude/registry"
	"github.com/crlotwhite/libetude/tensor"
)

func passRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	require.NoError(t, r.Register(registry.Entry{
		Name:    "Pass",
		Create:  func(registry.Attrs) (int, int, error) { return 0, 0, nil },
		Forward: func(registry.Attrs, []*tensor.Tensor, []*tensor.Tensor) error { return nil },
		Destroy: func(registry.Attrs) {},
	}))
	return r
}

// buildDiamond creates A,B,C,D with edges A->B, A->C, B->D, C->D, using a
// trivial always-succeeds operator.
func buildDiamond(t *testing.T) *Graph {
	t.Helper()
	p := pool.Create(pool.Config{})
	g := New(passRegistry(t), p)
	a, err := g.AddNode("A", "Pass", nil)
	require.NoError(t, err)
	b, err := g.AddNode("B", "Pass", nil)
	require.NoError(t, err)
	c, err := g.AddNode("C", "Pass", nil)
	require.NoError(t, err)
	d, err := g.AddNode("D", "Pass", nil)
	require.NoError(t, err)
	require.NoError(t, g.Connect(a.ID, b.ID))
	require.NoError(t, g.Connect(a.ID, c.ID))
	require.NoError(t, g.Connect(b.ID, d.ID))
	require.NoError(t, g.Connect(c.ID, d.ID))
	return g
}

func TestLinearDiamondTopologicalOrderAndLevels(t *testing.T) {
	g := buildDiamond(t)
	require.NoError(t, g.TopologicalSort())

	a, _ := g.FindByName("A")
	d, _ := g.FindByName("D")
	assert.Equal(t, 0, a.ExecOrder)
	assert.Equal(t, 3, d.ExecOrder)

	levels, err := Levels(g)
	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.Len(t, levels[0], 1)
	assert.Len(t, levels[1], 2)
	assert.Len(t, levels[2], 1)
}

func TestExecuteCompletesAllNodes(t *testing.T) {
	g := buildDiamond(t)
	require.NoError(t, Execute(g, nil))
	for _, n := range g.Nodes() {
		assert.Equal(t, Completed, n.State)
	}
}

func TestExecuteParallelCompletesAllNodes(t *testing.T) {
	g := buildDiamond(t)
	require.NoError(t, ExecuteParallel(g, nil, 4))
	for _, n := range g.Nodes() {
		assert.Equal(t, Completed, n.State)
	}
}

func TestCycleRejection(t *testing.T) {
	p := pool.Create(pool.Config{})
	g := New(passRegistry(t), p)
	a, _ := g.AddNode("A", "Pass", nil)
	b, _ := g.AddNode("B", "Pass", nil)
	c, _ := g.AddNode("C", "Pass", nil)
	require.NoError(t, g.Connect(a.ID, b.ID))
	require.NoError(t, g.Connect(b.ID, c.ID))
	require.NoError(t, g.Connect(c.ID, a.ID))

	assert.True(t, g.HasCycle())
	err := g.TopologicalSort()
	require.Error(t, err)
	assert.Equal(t, liberr.Cycle, liberr.CodeOf(err))
}

func TestConnectRejectsSelfLoopAndDuplicate(t *testing.T) {
	g := buildDiamond(t)
	a, _ := g.FindByName("A")
	err := g.Connect(a.ID, a.ID)
	require.Error(t, err)

	b, _ := g.FindByName("B")
	err = g.Connect(a.ID, b.ID)
	require.Error(t, err)
	assert.Equal(t, liberr.AlreadyExists, liberr.CodeOf(err))
}

func TestRemoveNodeSeversEdges(t *testing.T) {
	g := buildDiamond(t)
	b, _ := g.FindByName("B")
	require.NoError(t, g.RemoveNode(b.ID))
	_, err := g.FindByName("B")
	require.Error(t, err)

	a, _ := g.FindByName("A")
	for _, out := range a.OutEdges {
		assert.NotEqual(t, b.ID, out)
	}
}

func TestExecuteShortCircuitsOnError(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(registry.Entry{
		Name:    "Pass",
		Create:  func(registry.Attrs) (int, int, error) { return 0, 0, nil },
		Forward: func(registry.Attrs, []*tensor.Tensor, []*tensor.Tensor) error { return nil },
		Destroy: func(registry.Attrs) {},
	}))
	require.NoError(t, r.Register(registry.Entry{
		Name:   "Fail",
		Create: func(registry.Attrs) (int, int, error) { return 0, 0, nil },
		Forward: func(registry.Attrs, []*tensor.Tensor, []*tensor.Tensor) error {
			return liberr.New(liberr.Runtime, "Fail.Forward").Build()
		},
		Destroy: func(registry.Attrs) {},
	}))
	p := pool.Create(pool.Config{})
	g := New(r, p)
	a, _ := g.AddNode("A", "Fail", nil)
	b, _ := g.AddNode("B", "Pass", nil)
	require.NoError(t, g.Connect(a.ID, b.ID))

	err := Execute(g, nil)
	require.Error(t, err)
	assert.Equal(t, Error, a.State)
	assert.Equal(t, Ready, b.State)
}
