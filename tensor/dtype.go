// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tensor

// DType identifies a tensor's element type.
type DType int

const (
	F32 DType = iota
	F16
	BF16
	I8
	I4
	U8
	I32
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	case I8:
		return "i8"
	case I4:
		return "i4"
	case U8:
		return "u8"
	case I32:
		return "i32"
	default:
		return "unknown"
	}
}

// Size returns the element's natural size in bytes. i4 reports 1, since it
// is never packed more than 2-per-byte in this implementation's buffers
// (the byte count below is rounded up per element for addressing
// simplicity); Alignment reports its natural alignment requirement.
func (d DType) Size() int {
	switch d {
	case F32, I32:
		return 4
	case F16, BF16:
		return 2
	case I8, U8, I4:
		return 1
	default:
		return 0
	}
}

// Alignment returns the dtype's natural alignment, the minimum every
// tensor of that dtype must honor.
func (d DType) Alignment() int {
	sz := d.Size()
	if sz == 0 {
		return 1
	}
	return sz
}
