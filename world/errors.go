// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package world

import "github.com/crlotwhite/libetude/liberr"

func errInvalidParameters(msg string) error {
	return liberr.New(liberr.InvalidArgument, "world.Parameters.Validate").Msg(msg).Build()
}
