// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package graph

import (
	"github.com/crlotwhite/libetude/liberr"
	"github.com/crlotwhite/libetude/pool"
	"github.com/crlotwhite/libetude/registry"
)

// MemoryPlan records the output-buffer-sharing decisions computed by the
// optimizer's memory-reuse pass. A nil plan means no reuse has been
// planned. Execute and ExecuteParallel do not read the plan and never
// allocate node outputs; callers attach each node's output tensors.
type MemoryPlan struct {
	// BufferOf maps a node name to the arena slot (buffer index) its
	// output tensors should be backed by. Nodes sharing a slot must have
	// non-overlapping liveness intervals.
	BufferOf map[string]int
	NumSlots int
}

// Graph owns a set of nodes, a registry reference, a memory pool and the
// bookkeeping needed for topological scheduling.
type Graph struct {
	Registry *registry.Registry
	Pool     *pool.Pool

	nodes    []*Node
	byName   map[string]NodeID
	inputs   map[NodeID]bool
	outputs  map[NodeID]bool

	ExecutionOrder []NodeID
	IsSorted       bool
	IsOptimized    bool

	MemPlan *MemoryPlan
}

// New creates an empty Graph bound to reg and p.
func New(reg *registry.Registry, p *pool.Pool) *Graph {
	return &Graph{
		Registry: reg,
		Pool:     p,
		byName:   make(map[string]NodeID),
		inputs:   make(map[NodeID]bool),
		outputs:  make(map[NodeID]bool),
	}
}

// AddNode registers a new Node with ExecOrder=-1. The Node is an ordinary
// Go allocation; nothing is drawn from the graph's pool.
func (g *Graph) AddNode(name, opType string, attrs registry.Attrs) (*Node, error) {
	if name == "" {
		return nil, liberr.New(liberr.InvalidArgument, "graph.AddNode").Msg("name required").Build()
	}
	if _, exists := g.byName[name]; exists {
		return nil, liberr.New(liberr.AlreadyExists, "graph.AddNode").Context("name", name).Build()
	}
	id := NodeID(len(g.nodes))
	n := &Node{
		ID:        id,
		Name:      name,
		OpType:    opType,
		Attrs:     attrs,
		ExecOrder: -1,
		State:     Ready,
		live:      true,
	}
	g.nodes = append(g.nodes, n)
	g.byName[name] = id
	g.IsSorted = false
	return n, nil
}

// RemoveNode tombstones a node and severs its edges. The NodeID is never
// reused.
func (g *Graph) RemoveNode(id NodeID) error {
	n, err := g.nodeAt(id)
	if err != nil {
		return err
	}
	for _, in := range n.InEdges {
		if src, err := g.nodeAt(in); err == nil {
			src.OutEdges = removeID(src.OutEdges, id)
		}
	}
	for _, out := range n.OutEdges {
		if dst, err := g.nodeAt(out); err == nil {
			dst.InEdges = removeID(dst.InEdges, id)
		}
	}
	n.live = false
	delete(g.byName, n.Name)
	delete(g.inputs, id)
	delete(g.outputs, id)
	g.IsSorted = false
	return nil
}

func removeID(s []NodeID, id NodeID) []NodeID {
	out := s[:0]
	for _, v := range s {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func (g *Graph) nodeAt(id NodeID) (*Node, error) {
	if id < 0 || int(id) >= len(g.nodes) || !g.nodes[id].live {
		return nil, liberr.New(liberr.NotFound, "graph.nodeAt").Context("id", int(id)).Build()
	}
	return g.nodes[id], nil
}

// FindByName resolves a node by its unique name.
func (g *Graph) FindByName(name string) (*Node, error) {
	id, ok := g.byName[name]
	if !ok {
		return nil, liberr.New(liberr.NotFound, "graph.FindByName").Context("name", name).Build()
	}
	return g.nodeAt(id)
}

// Connect adds an edge src -> dst. Rejects self-loops, duplicate edges and
// IDs that are not live nodes of this graph.
func (g *Graph) Connect(src, dst NodeID) error {
	if src == dst {
		return liberr.New(liberr.InvalidArgument, "graph.Connect").Msg("self-loop rejected").Build()
	}
	s, err := g.nodeAt(src)
	if err != nil {
		return err
	}
	d, err := g.nodeAt(dst)
	if err != nil {
		return err
	}
	for _, e := range s.OutEdges {
		if e == dst {
			return liberr.New(liberr.AlreadyExists, "graph.Connect").Msg("duplicate edge").Build()
		}
	}
	s.OutEdges = append(s.OutEdges, dst)
	d.InEdges = append(d.InEdges, src)
	g.IsSorted = false
	return nil
}

// Disconnect removes the edge src -> dst if present.
func (g *Graph) Disconnect(src, dst NodeID) error {
	s, err := g.nodeAt(src)
	if err != nil {
		return err
	}
	d, err := g.nodeAt(dst)
	if err != nil {
		return err
	}
	s.OutEdges = removeID(s.OutEdges, dst)
	d.InEdges = removeID(d.InEdges, src)
	g.IsSorted = false
	return nil
}

// SetInput / SetOutput designate a node as a graph input or output.
func (g *Graph) SetInput(id NodeID) error {
	if _, err := g.nodeAt(id); err != nil {
		return err
	}
	g.inputs[id] = true
	return nil
}

func (g *Graph) SetOutput(id NodeID) error {
	if _, err := g.nodeAt(id); err != nil {
		return err
	}
	g.outputs[id] = true
	return nil
}

// Outputs returns the designated output node IDs.
func (g *Graph) Outputs() []NodeID {
	out := make([]NodeID, 0, len(g.outputs))
	for id := range g.outputs {
		out = append(out, id)
	}
	return out
}

// Nodes returns every live node, in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if n.live {
			out = append(out, n)
		}
	}
	return out
}

// Node returns the node at id, or nil if tombstoned/out of range.
func (g *Graph) Node(id NodeID) *Node {
	n, err := g.nodeAt(id)
	if err != nil {
		return nil
	}
	return n
}

// TopologicalSort runs Kahn's algorithm: initialize a queue with
// zero-in-degree nodes (tie-broken by insertion index for determinism),
// dequeue into execution order, decrement downstream in-degree, enqueue
// newly-zeroed nodes. If any node remains unqueued, the graph has a cycle
// and sort fails with Cycle.
func (g *Graph) TopologicalSort() error {
	nodes := g.Nodes()
	indeg := make(map[NodeID]int, len(nodes))
	for _, n := range nodes {
		indeg[n.ID] = len(n.InEdges)
	}

	queue := make([]NodeID, 0, len(nodes))
	for _, n := range nodes {
		if indeg[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	order := make([]NodeID, 0, len(nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		n := g.Node(id)
		n.ExecOrder = len(order) - 1
		for _, out := range n.OutEdges {
			indeg[out]--
			if indeg[out] == 0 {
				queue = append(queue, out)
			}
		}
	}

	if len(order) != len(nodes) {
		for _, n := range nodes {
			n.ExecOrder = -1
		}
		return liberr.New(liberr.Cycle, "graph.TopologicalSort").Msg("graph contains a cycle").Build()
	}

	g.ExecutionOrder = order
	g.IsSorted = true
	return nil
}

// HasCycle runs an independent DFS with three-color marking; it never
// mutates ExecOrder.
func (g *Graph) HasCycle() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[NodeID]int)
	nodes := g.Nodes()
	for _, n := range nodes {
		color[n.ID] = white
	}

	var visit func(id NodeID) bool
	visit = func(id NodeID) bool {
		color[id] = gray
		n := g.Node(id)
		for _, out := range n.OutEdges {
			switch color[out] {
			case gray:
				return true
			case white:
				if visit(out) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, n := range nodes {
		if color[n.ID] == white {
			if visit(n.ID) {
				return true
			}
		}
	}
	return false
}
