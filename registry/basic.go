// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"math"

	"github.com/crlotwhite/libetude/liberr"
	"github.com/crlotwhite/libetude/tensor"
)

// RegisterBasic registers the dense operator bundle: Linear, Conv1D,
// Attention, plus the ReLU activation.
func RegisterBasic(r *Registry) error {
	for _, e := range []Entry{linearEntry(), conv1DEntry(), attentionEntry(), reluEntry()} {
		if err := r.Register(e); err != nil {
			return err
		}
	}
	return nil
}

func linearEntry() Entry {
	return Entry{
		Name: "Linear",
		Create: func(attrs Attrs) (int, int, error) {
			if _, ok := attrs["weight"].(*tensor.Tensor); !ok {
				return 0, 0, liberr.New(liberr.InvalidArgument, "Linear.Create").Msg("missing weight attribute").Build()
			}
			return 1, 1, nil
		},
		Forward: func(attrs Attrs, in, out []*tensor.Tensor) error {
			if len(in) != 1 || len(out) != 1 {
				return liberr.New(liberr.InvalidArgument, "Linear.Forward").Msg("expected 1 input and 1 output").Build()
			}
			w := attrs["weight"].(*tensor.Tensor)
			bias, _ := attrs["bias"].(*tensor.Tensor)
			return linearForward(in[0], w, bias, out[0])
		},
		Destroy: func(Attrs) {},
	}
}

// linearForward computes out = in * W^T + bias for a 2-D [batch, inDim]
// input and [outDim, inDim] weight.
func linearForward(in, w, bias, out *tensor.Tensor) error {
	if len(in.Shape) != 2 || len(w.Shape) != 2 {
		return liberr.New(liberr.InvalidArgument, "Linear.Forward").Msg("expects rank-2 input/weight").Build()
	}
	batch, inDim := in.Shape[0], in.Shape[1]
	outDim := w.Shape[0]
	if w.Shape[1] != inDim {
		return liberr.New(liberr.InvalidArgument, "Linear.Forward").Msg("dimension mismatch").Build()
	}
	if out.Shape[0] != batch || out.Shape[1] != outDim {
		return liberr.New(liberr.InvalidArgument, "Linear.Forward").Msg("output shape mismatch").Build()
	}
	xi := in.Floats()
	wi := w.Floats()
	var bi []float32
	if bias != nil {
		bi = bias.Floats()
	}
	res := make([]float32, batch*outDim)
	for b := 0; b < batch; b++ {
		for o := 0; o < outDim; o++ {
			var sum float32
			for k := 0; k < inDim; k++ {
				sum += xi[b*inDim+k] * wi[o*inDim+k]
			}
			if bi != nil {
				sum += bi[o]
			}
			res[b*outDim+o] = sum
		}
	}
	return out.SetFloats(res)
}

func reluEntry() Entry {
	return Entry{
		Name: "ReLU",
		Create: func(Attrs) (int, int, error) {
			return 1, 1, nil
		},
		Forward: func(attrs Attrs, in, out []*tensor.Tensor) error {
			xs := in[0].Floats()
			for i, v := range xs {
				if v < 0 {
					xs[i] = 0
				}
			}
			return out[0].SetFloats(xs)
		},
		Destroy: func(Attrs) {},
	}
}

func conv1DEntry() Entry {
	return Entry{
		Name: "Conv1D",
		Create: func(attrs Attrs) (int, int, error) {
			if _, ok := attrs["weight"].(*tensor.Tensor); !ok {
				return 0, 0, liberr.New(liberr.InvalidArgument, "Conv1D.Create").Msg("missing weight attribute").Build()
			}
			return 1, 1, nil
		},
		Forward: func(attrs Attrs, in, out []*tensor.Tensor) error {
			w := attrs["weight"].(*tensor.Tensor) // [outCh, inCh, k]
			stride := 1
			if s, ok := attrs["stride"].(int); ok && s > 0 {
				stride = s
			}
			return conv1DForward(in[0], w, stride, out[0])
		},
		Destroy: func(Attrs) {},
	}
}

// conv1DForward performs a naive valid-mode 1-D convolution over an
// [inCh, length] input with an [outCh, inCh, k] weight.
func conv1DForward(in, w *tensor.Tensor, stride int, out *tensor.Tensor) error {
	if len(in.Shape) != 2 || len(w.Shape) != 3 {
		return liberr.New(liberr.InvalidArgument, "Conv1D.Forward").Msg("expects [inCh,len] input and [outCh,inCh,k] weight").Build()
	}
	inCh, length := in.Shape[0], in.Shape[1]
	outCh, wInCh, k := w.Shape[0], w.Shape[1], w.Shape[2]
	if wInCh != inCh {
		return liberr.New(liberr.InvalidArgument, "Conv1D.Forward").Msg("channel mismatch").Build()
	}
	outLen := (length-k)/stride + 1
	if outLen <= 0 {
		return liberr.New(liberr.InvalidArgument, "Conv1D.Forward").Msg("kernel larger than input").Build()
	}
	if out.Shape[0] != outCh || out.Shape[1] != outLen {
		return liberr.New(liberr.InvalidArgument, "Conv1D.Forward").Msg("output shape mismatch").Build()
	}
	xi := in.Floats()
	wi := w.Floats()
	res := make([]float32, outCh*outLen)
	for oc := 0; oc < outCh; oc++ {
		for t := 0; t < outLen; t++ {
			var sum float32
			base := t * stride
			for ic := 0; ic < inCh; ic++ {
				for kk := 0; kk < k; kk++ {
					sum += xi[ic*length+base+kk] * wi[(oc*inCh+ic)*k+kk]
				}
			}
			res[oc*outLen+t] = sum
		}
	}
	return out.SetFloats(res)
}

func attentionEntry() Entry {
	return Entry{
		Name: "Attention",
		Create: func(Attrs) (int, int, error) {
			return 3, 1, nil // query, key, value
		},
		Forward: func(attrs Attrs, in, out []*tensor.Tensor) error {
			if len(in) != 3 || len(out) != 1 {
				return liberr.New(liberr.InvalidArgument, "Attention.Forward").Msg("expected query,key,value inputs").Build()
			}
			return attentionForward(in[0], in[1], in[2], out[0])
		},
		Destroy: func(Attrs) {},
	}
}

// attentionForward computes scaled dot-product attention over
// [seq, dim] query/key/value tensors.
func attentionForward(q, k, v, out *tensor.Tensor) error {
	if len(q.Shape) != 2 || len(k.Shape) != 2 || len(v.Shape) != 2 {
		return liberr.New(liberr.InvalidArgument, "Attention.Forward").Msg("expects rank-2 tensors").Build()
	}
	seqQ, dim := q.Shape[0], q.Shape[1]
	seqK := k.Shape[0]
	if k.Shape[1] != dim || v.Shape[0] != seqK {
		return liberr.New(liberr.InvalidArgument, "Attention.Forward").Msg("dimension mismatch").Build()
	}
	vDim := v.Shape[1]
	qi, ki, vi := q.Floats(), k.Floats(), v.Floats()
	scale := float32(1.0 / math.Sqrt(float64(dim)))
	res := make([]float32, seqQ*vDim)
	scores := make([]float32, seqK)
	for i := 0; i < seqQ; i++ {
		var maxScore float32 = -math.MaxFloat32
		for j := 0; j < seqK; j++ {
			var dot float32
			for d := 0; d < dim; d++ {
				dot += qi[i*dim+d] * ki[j*dim+d]
			}
			dot *= scale
			scores[j] = dot
			if dot > maxScore {
				maxScore = dot
			}
		}
		var sum float32
		for j := 0; j < seqK; j++ {
			scores[j] = float32(math.Exp(float64(scores[j] - maxScore)))
			sum += scores[j]
		}
		for j := 0; j < seqK; j++ {
			w := scores[j] / sum
			for d := 0; d < vDim; d++ {
				res[i*vDim+d] += w * vi[j*vDim+d]
			}
		}
	}
	return out.SetFloats(res)
}
