// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package optimize implements the graph optimizer pipeline:
// operator fusion, dead-code elimination, constant folding, memory-reuse
// planning, parallel-section planning and cache-locality reordering.
// Passes mutate a graph.Graph in place and are selected by flag via
// Optimize.
package optimize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/crlotwhite/libetude/graph"
	"github.com/crlotwhite/libetude/liberr"
)

// ConstOpType marks a node as a compile-time constant: its Outputs are
// already populated and hold the same values on every graph invocation.
const ConstOpType = "Const"

// Pass selects one optimizer stage for Optimize.
type Pass string

const (
	PassFusion        Pass = "fusion"
	PassDeadCode      Pass = "dead_code"
	PassConstantFold  Pass = "constant_fold"
	PassMemoryReuse   Pass = "memory_reuse"
	PassParallelPlan  Pass = "parallel_plan"
	PassCacheLocality Pass = "cache_locality"
)

// Optimize runs the requested passes, in order, against g. The graph's
// IsSorted flag is cleared afterward so the next Execute/ExecuteParallel
// call re-sorts.
func Optimize(g *graph.Graph, passes ...Pass) error {
	for _, p := range passes {
		switch p {
		case PassFusion:
			if _, err := FuseLinearReLU(g); err != nil {
				return err
			}
			if _, err := FuseSTFTMelScale(g); err != nil {
				return err
			}
		case PassDeadCode:
			if _, err := DeadCodeElimination(g); err != nil {
				return err
			}
		case PassConstantFold:
			if err := ConstantFold(g); err != nil {
				return err
			}
		case PassMemoryReuse:
			if _, err := PlanMemoryReuse(g); err != nil {
				return err
			}
		case PassParallelPlan:
			if _, err := graph.Levels(g); err != nil {
				return err
			}
		case PassCacheLocality:
			if err := ReorderForCacheLocality(g); err != nil {
				return err
			}
		default:
			return liberr.New(liberr.InvalidArgument, "optimize.Optimize").Context("pass", string(p)).Build()
		}
	}
	g.IsSorted = false
	g.IsOptimized = true
	return nil
}

func ensureSorted(g *graph.Graph) error {
	if g.IsSorted {
		return nil
	}
	return g.TopologicalSort()
}

// FuseLinearReLU rewrites single-consumer Linear->ReLU chains into one
// LinearReLU node, returning the number of fusions applied.
func FuseLinearReLU(g *graph.Graph) (int, error) {
	return fusePattern(g, "Linear", "ReLU", "LinearReLU")
}

// FuseSTFTMelScale rewrites single-consumer STFT->MelScale chains into one
// STFTMelScale node, returning the number of fusions applied.
func FuseSTFTMelScale(g *graph.Graph) (int, error) {
	return fusePattern(g, "STFT", "MelScale", "STFTMelScale")
}

// fusePattern absorbs a single-consumer node of type consumerOp following
// a node of type producerOp into one node of type fusedOp. Fusion is
// refused (silently skipped) when the producer has more than one consumer,
// since removing the consumer would then orphan the producer's other
// dependents' expectations about the unfused shape.
func fusePattern(g *graph.Graph, producerOp, consumerOp, fusedOp string) (int, error) {
	fused := 0
	for _, n := range g.Nodes() {
		if n.OpType != producerOp || len(n.OutEdges) != 1 {
			continue
		}
		c := g.Node(n.OutEdges[0])
		if c == nil || c.OpType != consumerOp || len(c.InEdges) != 1 {
			continue
		}
		downs := append([]graph.NodeID(nil), c.OutEdges...)
		for _, down := range downs {
			if err := g.Connect(n.ID, down); err != nil {
				return fused, err
			}
		}
		wasOutput := false
		for _, id := range g.Outputs() {
			if id == c.ID {
				wasOutput = true
				break
			}
		}
		if err := g.RemoveNode(c.ID); err != nil {
			return fused, err
		}
		if wasOutput {
			if err := g.SetOutput(n.ID); err != nil {
				return fused, err
			}
		}
		n.OpType = fusedOp
		fused++
	}
	return fused, nil
}

// DeadCodeElimination marks every designated output node reachable and
// back-propagates reachability through incoming edges, removing any node
// never reached.
func DeadCodeElimination(g *graph.Graph) (int, error) {
	reachable := map[graph.NodeID]bool{}
	queue := append([]graph.NodeID(nil), g.Outputs()...)
	for _, id := range queue {
		reachable[id] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n := g.Node(id)
		if n == nil {
			continue
		}
		for _, pred := range n.InEdges {
			if !reachable[pred] {
				reachable[pred] = true
				queue = append(queue, pred)
			}
		}
	}

	removed := 0
	for _, n := range g.Nodes() {
		if reachable[n.ID] {
			continue
		}
		if err := g.RemoveNode(n.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ConstantFold executes, once, every node whose predecessors are all
// already constant (marked ConstOpType or previously folded), then
// relabels it ConstOpType and severs its now-irrelevant input edges, so
// its Outputs stand in as a literal on every subsequent execution.
func ConstantFold(g *graph.Graph) error {
	if err := ensureSorted(g); err != nil {
		return err
	}
	constSet := map[graph.NodeID]bool{}
	for _, n := range g.Nodes() {
		if n.OpType == ConstOpType {
			constSet[n.ID] = true
		}
	}

	for changed := true; changed; {
		changed = false
		for _, id := range g.ExecutionOrder {
			n := g.Node(id)
			if n == nil || constSet[n.ID] || len(n.InEdges) == 0 {
				continue
			}
			allConst := true
			for _, pred := range n.InEdges {
				if !constSet[pred] {
					allConst = false
					break
				}
			}
			if !allConst {
				continue
			}
			if err := foldNode(g, n); err != nil {
				return err
			}
			constSet[n.ID] = true
			changed = true
		}
	}
	return nil
}

func foldNode(g *graph.Graph, n *graph.Node) error {
	entry, err := g.Registry.Lookup(n.OpType)
	if err != nil {
		return err
	}
	if err := entry.Forward(n.Attrs, n.Inputs, n.Outputs); err != nil {
		return err
	}
	for _, pred := range append([]graph.NodeID(nil), n.InEdges...) {
		if err := g.Disconnect(pred, n.ID); err != nil {
			return err
		}
	}
	n.OpType = ConstOpType
	return nil
}

// PlanMemoryReuse computes each node's liveness interval (its own position
// in execution order through the last consumer's position) and bin-packs
// output buffers with a first-fit pass, recording the result on g.MemPlan
// for the executor.
func PlanMemoryReuse(g *graph.Graph) (*graph.MemoryPlan, error) {
	if err := ensureSorted(g); err != nil {
		return nil, err
	}

	type interval struct {
		name       string
		start, end int
		size       int
	}
	nodes := g.Nodes()
	intervals := make([]interval, 0, len(nodes))
	for _, n := range nodes {
		end := n.ExecOrder
		for _, out := range n.OutEdges {
			if c := g.Node(out); c != nil && c.ExecOrder > end {
				end = c.ExecOrder
			}
		}
		size := 0
		for _, t := range n.Outputs {
			size += t.Size
		}
		intervals = append(intervals, interval{name: n.Name, start: n.ExecOrder, end: end, size: size})
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i].start < intervals[j].start })

	type slot struct{ end, size int }
	var slots []slot
	bufferOf := make(map[string]int, len(intervals))
	for _, iv := range intervals {
		placed := -1
		for i, s := range slots {
			if s.end < iv.start && s.size >= iv.size {
				placed = i
				break
			}
		}
		if placed == -1 {
			slots = append(slots, slot{end: iv.end, size: iv.size})
			placed = len(slots) - 1
		} else {
			slots[placed].end = iv.end
			if iv.size > slots[placed].size {
				slots[placed].size = iv.size
			}
		}
		bufferOf[iv.name] = placed
	}

	plan := &graph.MemoryPlan{BufferOf: bufferOf, NumSlots: len(slots)}
	g.MemPlan = plan
	return plan, nil
}

// ReorderForCacheLocality keeps each execution level's node set intact but
// reorders nodes within a level so that nodes reading the same set of
// input tensors sit consecutively.
func ReorderForCacheLocality(g *graph.Graph) error {
	levels, err := graph.Levels(g)
	if err != nil {
		return err
	}

	newOrder := make([]graph.NodeID, 0, len(g.ExecutionOrder))
	for _, level := range levels {
		sorted := append([]graph.NodeID(nil), level...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return inputKey(g, sorted[i]) < inputKey(g, sorted[j])
		})
		newOrder = append(newOrder, sorted...)
	}

	g.ExecutionOrder = newOrder
	for i, id := range newOrder {
		if n := g.Node(id); n != nil {
			n.ExecOrder = i
		}
	}
	return nil
}

func inputKey(g *graph.Graph, id graph.NodeID) string {
	n := g.Node(id)
	if n == nil || len(n.InEdges) == 0 {
		return ""
	}
	ids := append([]graph.NodeID(nil), n.InEdges...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var sb strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&sb, "%d,", id)
	}
	return sb.String()
}
