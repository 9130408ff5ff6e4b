// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry implements the operator registry: a keyed table from
// operator name to {create, forward, destroy}. Entries are value types
// (not interfaces), preferring plain structs over virtual dispatch.
package registry

import (
	"reflect"
	"sync"

	"github.com/crlotwhite/libetude/liberr"
	"github.com/crlotwhite/libetude/tensor"
)

// Attrs is the opaque, per-node attribute bag each operator's Create
// function populates and each operator's Forward/Destroy down-casts.
type Attrs map[string]any

// CreateFunc attaches per-node attributes and reports the wired input/output
// slot counts for a node of this operator type.
type CreateFunc func(attrs Attrs) (inputs, outputs int, err error)

// ForwardFunc reads input tensors and writes outputs. Operators are
// stateless with respect to the graph; all per-invocation state lives in
// attrs or the tensors themselves.
type ForwardFunc func(attrs Attrs, inputs []*tensor.Tensor, outputs []*tensor.Tensor) error

// DestroyFunc releases attribute memory owned by attrs.
type DestroyFunc func(attrs Attrs)

// Entry is one operator's dispatch table.
type Entry struct {
	Name    string
	Create  CreateFunc
	Forward ForwardFunc
	Destroy DestroyFunc
}

// Registry is a read-mostly keyed table, guarded by a read-write lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds an entry. Re-registering the identical entry is a no-op
// (idempotent); registering a conflicting entry under an existing name
// returns AlreadyExists.
func (r *Registry) Register(e Entry) error {
	if e.Name == "" {
		return liberr.New(liberr.InvalidArgument, "registry.Register").Msg("name required").Build()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[e.Name]; ok {
		if sameEntry(existing, e) {
			return nil
		}
		return liberr.New(liberr.AlreadyExists, "registry.Register").Context("name", e.Name).Build()
	}
	r.entries[e.Name] = e
	return nil
}

func sameEntry(a, b Entry) bool {
	// Function values are not comparable in Go; entries are considered
	// identical when they share the same name and their Create, Forward
	// and Destroy funcs share the same code (re-registration from the same
	// call site, e.g. RegisterBasic run twice).
	same := func(x, y any) bool { return reflect.ValueOf(x).Pointer() == reflect.ValueOf(y).Pointer() }
	return a.Name == b.Name && same(a.Create, b.Create) && same(a.Forward, b.Forward) && same(a.Destroy, b.Destroy)
}

// Lookup returns the Entry for name. O(1) amortized.
func (r *Registry) Lookup(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, liberr.New(liberr.NotFound, "registry.Lookup").Context("name", name).Build()
	}
	return e, nil
}

// Unregister removes name, if present. Removing an unregistered name is a
// no-op, matching Register's idempotent-by-name semantics.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names returns every registered operator name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	return out
}
