// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package graph

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crlotwhite/libetude/liberr"
)

// Context carries cancellation and pause/resume flags shared by every
// executor run against a Graph.
type Context struct {
	cancel atomic.Bool
	paused atomic.Bool

	// OnProgress, if set, is invoked after each node completes, with the
	// node's name, a zero-based index and the node count. Execute passes
	// the node's position in the execution order; ExecuteParallel passes
	// the number of nodes that completed before it.
	OnProgress func(nodeName string, index, total int)
}

// NewContext returns a fresh, unarmed Context.
func NewContext() *Context { return &Context{} }

// Cancel requests cancellation; the executor observes it between node
// boundaries.
func (c *Context) Cancel() { c.cancel.Store(true) }

// Cancelled reports whether Cancel has been called.
func (c *Context) Cancelled() bool { return c.cancel.Load() }

// Pause / Resume toggle the pause flag, observed at the parallel executor's
// level barrier.
func (c *Context) Pause()  { c.paused.Store(true) }
func (c *Context) Resume() { c.paused.Store(false) }
func (c *Context) Paused() bool { return c.paused.Load() }

// WithTimeout arms a watchdog goroutine that calls Cancel() after d
// elapses, unless stop is called first.
func (c *Context) WithTimeout(d time.Duration) (stop func()) {
	timer := time.AfterFunc(d, c.Cancel)
	return func() { timer.Stop() }
}

// Execute runs the graph serially: ensures a topological sort exists, walks
// execution order, transitions each node Ready->Running->Completed/Error,
// short-circuiting on the first error.
func Execute(g *Graph, ctx *Context) error {
	if ctx == nil {
		ctx = NewContext()
	}
	if !g.IsSorted {
		if err := g.TopologicalSort(); err != nil {
			return err
		}
	}
	total := len(g.ExecutionOrder)
	for i, id := range g.ExecutionOrder {
		if ctx.Cancelled() {
			cancelRemaining(g, i)
			return liberr.New(liberr.Cancelled, "graph.Execute").Build()
		}
		n := g.Node(id)
		if err := runNode(g, n); err != nil {
			return err
		}
		if ctx.OnProgress != nil {
			ctx.OnProgress(n.Name, i, total)
		}
	}
	return nil
}

func runNode(g *Graph, n *Node) error {
	n.State = Running
	entry, err := g.Registry.Lookup(n.OpType)
	if err != nil {
		n.State = Error
		return err
	}
	if err := entry.Forward(n.Attrs, n.Inputs, n.Outputs); err != nil {
		n.State = Error
		return liberr.New(liberr.InvalidState, "graph.runNode").
			Context("node", n.Name).Wrap(err).Build()
	}
	n.State = Completed
	return nil
}

func cancelRemaining(g *Graph, from int) {
	for _, id := range g.ExecutionOrder[from:] {
		n := g.Node(id)
		if n.State == Ready || n.State == Pending {
			n.State = Cancelled
		}
	}
}

// Levels partitions the sorted execution order into levels, where a node's
// level is the length of the longest path from any source to it.
func Levels(g *Graph) ([][]NodeID, error) {
	if !g.IsSorted {
		if err := g.TopologicalSort(); err != nil {
			return nil, err
		}
	}
	level := make(map[NodeID]int, len(g.ExecutionOrder))
	maxLevel := 0
	for _, id := range g.ExecutionOrder {
		n := g.Node(id)
		lvl := 0
		for _, in := range n.InEdges {
			if level[in]+1 > lvl {
				lvl = level[in] + 1
			}
		}
		level[id] = lvl
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}
	levels := make([][]NodeID, maxLevel+1)
	for _, id := range g.ExecutionOrder {
		l := level[id]
		levels[l] = append(levels[l], id)
	}
	return levels, nil
}

// ExecuteParallel partitions the sorted order into levels and dispatches
// each level's nodes to a bounded worker pool via errgroup, enforcing a
// barrier between levels: no node at level k+1 starts until every node at
// level k has completed or a fatal error aborts the run.
// numThreads=1 degenerates to serial execution.
func ExecuteParallel(g *Graph, ctx *Context, numThreads int) error {
	if ctx == nil {
		ctx = NewContext()
	}
	if numThreads <= 1 {
		return Execute(g, ctx)
	}
	levels, err := Levels(g)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, numThreads)
	total := len(g.ExecutionOrder)
	done := 0
	var mu sync.Mutex

	for _, level := range levels {
		if ctx.Cancelled() {
			cancelAllReady(g)
			return liberr.New(liberr.Cancelled, "graph.ExecuteParallel").Build()
		}
		for ctx.Paused() {
			time.Sleep(time.Millisecond)
		}

		eg, _ := errgroup.WithContext(context.Background())
		for _, id := range level {
			id := id
			eg.Go(func() error {
				sem <- struct{}{}
				defer func() { <-sem }()
				n := g.Node(id)
				if err := runNode(g, n); err != nil {
					return err
				}
				mu.Lock()
				done++
				if ctx.OnProgress != nil {
					ctx.OnProgress(n.Name, done-1, total)
				}
				mu.Unlock()
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			cancelAllReady(g)
			return err
		}
	}
	return nil
}

func cancelAllReady(g *Graph) {
	for _, n := range g.Nodes() {
		if n.State == Ready || n.State == Pending {
			n.State = Cancelled
		}
	}
}
