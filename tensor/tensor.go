// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tensor implements the N-dimensional, pool-backed buffer that
// flows through every graph node, across dtypes, device locations and
// pool-arena-backed allocation.
package tensor

import (
	"fmt"
	"math"

	"github.com/crlotwhite/libetude/liberr"
	"github.com/crlotwhite/libetude/pool"
)

// MaxDims is the maximum number of dimensions a Tensor's shape may carry.
const MaxDims = 8

// Device identifies where a tensor's backing store lives.
type Device int

const (
	Host Device = iota
	Accelerator
	Shared
)

// Tensor is a typed N-dimensional buffer with row-major strides.
type Tensor struct {
	Shape   []int
	Strides []int
	DType   DType
	Device  Device
	Size    int // element count, product(Shape)
	data    []byte
	owns    bool
	pool    *pool.Pool
}

func rowMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

func product(shape []int) int {
	p := 1
	for _, s := range shape {
		p *= s
	}
	return p
}

func validateShape(op string, shape []int) error {
	if len(shape) == 0 || len(shape) > MaxDims {
		return liberr.New(liberr.InvalidArgument, op).Msgf("shape must have 1..%d dims, got %d", MaxDims, len(shape)).Build()
	}
	for _, d := range shape {
		if d <= 0 {
			return liberr.New(liberr.InvalidArgument, op).Msg("zero or negative dimension").Build()
		}
	}
	return nil
}

// New allocates a new Tensor of the given shape and dtype from p. Tensors
// participating in SIMD paths should pass align=pool.SIMDAlignment;
// otherwise pass 0 to use the pool's configured minimum.
func New(p *pool.Pool, shape []int, dt DType, align int) (*Tensor, error) {
	if err := validateShape("tensor.New", shape); err != nil {
		return nil, err
	}
	size := product(shape)
	nbytes := size * dt.Size()
	if align <= 0 {
		align = dt.Alignment()
	}
	buf, err := p.AllocateAligned(nbytes, align)
	if err != nil {
		return nil, err
	}
	t := &Tensor{
		Shape:   append([]int(nil), shape...),
		Strides: rowMajorStrides(shape),
		DType:   dt,
		Device:  Host,
		Size:    size,
		data:    buf,
		owns:    true,
		pool:    p,
	}
	return t, nil
}

// View constructs a Tensor that shares backing storage with an existing
// byte slice (e.g. a slice of another Tensor's data). owns_memory is false:
// destroying/discarding the view never frees the backing store.
func View(shape []int, dt DType, data []byte) (*Tensor, error) {
	if err := validateShape("tensor.View", shape); err != nil {
		return nil, err
	}
	size := product(shape)
	need := size * dt.Size()
	if len(data) < need {
		return nil, liberr.New(liberr.InvalidArgument, "tensor.View").Msg("backing slice too small").Build()
	}
	return &Tensor{
		Shape:   append([]int(nil), shape...),
		Strides: rowMajorStrides(shape),
		DType:   dt,
		Device:  Host,
		Size:    size,
		data:    data[:need],
		owns:    false,
	}, nil
}

// OwnsMemory reports whether destroying this Tensor would free its backing
// store (always false for views).
func (t *Tensor) OwnsMemory() bool { return t.owns }

// Bytes exposes the raw backing store.
func (t *Tensor) Bytes() []byte { return t.data }

// Reshape returns a new Tensor view over the same backing store with a
// different shape of equal element count. Fails with liberr.InvalidArgument
// (mapped from the spec's Shape kind, folded into the same closed taxonomy)
// on an element-count mismatch.
func (t *Tensor) Reshape(shape []int) (*Tensor, error) {
	if err := validateShape("tensor.Reshape", shape); err != nil {
		return nil, err
	}
	if product(shape) != t.Size {
		return nil, liberr.New(liberr.InvalidArgument, "tensor.Reshape").
			Msgf("element count mismatch: have %d want %d", t.Size, product(shape)).Build()
	}
	return &Tensor{
		Shape:   append([]int(nil), shape...),
		Strides: rowMajorStrides(shape),
		DType:   t.DType,
		Device:  t.Device,
		Size:    t.Size,
		data:    t.data,
		owns:    false,
		pool:    t.pool,
	}, nil
}

// Copy returns a new, independently-owned Tensor allocated from p with the
// same shape, dtype and contents as t.
func (t *Tensor) Copy(p *pool.Pool) (*Tensor, error) {
	out, err := New(p, t.Shape, t.DType, t.DType.Alignment())
	if err != nil {
		return nil, err
	}
	copy(out.data, t.data)
	return out, nil
}

// Fill sets every f32 element of t to v. Non-float dtypes are unsupported.
func (t *Tensor) Fill(v float32) error {
	if t.DType != F32 {
		return liberr.New(liberr.Unsupported, "tensor.Fill").Msg("Fill only supports f32").Build()
	}
	for i := 0; i < t.Size; i++ {
		t.SetFloat32(i, v)
	}
	return nil
}

func (t *Tensor) boundsCheck(op string, i int) error {
	if i < 0 || i >= t.Size {
		return liberr.New(liberr.InvalidArgument, op).Msgf("index %d out of range [0,%d)", i, t.Size).Build()
	}
	return nil
}

// Float32At returns the flat element i interpreted as f32. Bounds-checked.
func (t *Tensor) Float32At(i int) (float32, error) {
	if err := t.boundsCheck("tensor.Float32At", i); err != nil {
		return 0, err
	}
	return t.float32Unchecked(i), nil
}

func (t *Tensor) float32Unchecked(i int) float32 {
	off := i * 4
	bits := uint32(t.data[off]) | uint32(t.data[off+1])<<8 | uint32(t.data[off+2])<<16 | uint32(t.data[off+3])<<24
	return math.Float32frombits(bits)
}

// SetFloat32 writes the flat element i. Unlike Float32At it does not check
// i against Size; an index past the backing store panics.
func (t *Tensor) SetFloat32(i int, v float32) {
	off := i * 4
	bits := math.Float32bits(v)
	t.data[off] = byte(bits)
	t.data[off+1] = byte(bits >> 8)
	t.data[off+2] = byte(bits >> 16)
	t.data[off+3] = byte(bits >> 24)
}

// Floats returns the tensor's contents copied into a []float32 slice (f32
// tensors only). Convenience for DSP code operating through gonum.
func (t *Tensor) Floats() []float32 {
	out := make([]float32, t.Size)
	for i := range out {
		out[i] = t.float32Unchecked(i)
	}
	return out
}

// SetFloats copies src into the tensor's backing store (f32 tensors only,
// len(src) must equal t.Size).
func (t *Tensor) SetFloats(src []float32) error {
	if len(src) != t.Size {
		return liberr.New(liberr.InvalidArgument, "tensor.SetFloats").Msg("length mismatch").Build()
	}
	for i, v := range src {
		t.SetFloat32(i, v)
	}
	return nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor{shape=%v dtype=%s device=%d owns=%v}", t.Shape, t.DType, t.Device, t.owns)
}
