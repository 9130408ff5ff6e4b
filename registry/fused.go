// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import "github.com/crlotwhite/libetude/tensor"

// RegisterFused (audio.go) adds the fused operator forms the optimizer's
// fusion pass rewrites a producer's op_type to: LinearReLU and
// STFTMelScale. Each fused entry builds its constituent entries itself, so
// it does not depend on RegisterBasic or RegisterAudio having run.

func linearReLUEntry() Entry {
	lin := linearEntry()
	relu := reluEntry()
	return Entry{
		Name:   "LinearReLU",
		Create: lin.Create,
		Forward: func(attrs Attrs, in, out []*tensor.Tensor) error {
			if err := lin.Forward(attrs, in, out); err != nil {
				return err
			}
			return relu.Forward(attrs, out, out)
		},
		Destroy: lin.Destroy,
	}
}
