// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package graph implements the directed-acyclic operator graph: nodes,
// edges, topological order, cycle detection and execution. Edges use
// arena indices (NodeID ints into the graph's node slice) rather than
// owning pointers, breaking the otherwise natural reference cycle in a
// mutable node adjacency list while keeping O(1) lookup and
// removal-by-tombstoning.
package graph

import (
	"github.com/crlotwhite/libetude/registry"
	"github.com/crlotwhite/libetude/tensor"
)

// State is a node's execution lifecycle state.
type State int

const (
	Ready State = iota
	Pending
	Running
	Completed
	Error
	Cancelled
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Pending:
		return "Pending"
	case Running:
		return "Running"
	case Completed:
		return "Completed"
	case Error:
		return "Error"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// NodeID is an arena index into a Graph's node slice. A tombstoned node
// (removed) has its slot's live flag cleared but the index is never reused
// within the same Graph.
type NodeID int

const invalidNodeID NodeID = -1

// Node belongs to exactly one Graph.
type Node struct {
	ID       NodeID
	Name     string
	OpType   string
	Attrs    registry.Attrs
	Inputs   []*tensor.Tensor
	Outputs  []*tensor.Tensor
	InEdges  []NodeID
	OutEdges []NodeID

	// ExecOrder is the node's position in the topological order, -1 if
	// unsorted.
	ExecOrder int
	State     State

	live bool
}
