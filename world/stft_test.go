// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package world

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSTFTShapeAndNonNegative(t *testing.T) {
	const sampleRate = 16000
	x := sineWave(220, sampleRate, 4096)
	spec := STFT(x, 512, 256)
	require.NotEmpty(t, spec)
	for _, row := range spec {
		require.Len(t, row, 512/2+1)
		for _, v := range row {
			assert.GreaterOrEqual(t, v, 0.0)
		}
	}
}
