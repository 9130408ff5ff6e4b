// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crlotwhite/libetude/liberr"
	"github.com/crlotwhite/libetude/tensor"
)

func noopEntry(name string) Entry {
	return Entry{
		Name: name,
		Create: func(Attrs) (int, int, error) {
			return 1, 1, nil
		},
		Forward: func(Attrs, []*tensor.Tensor, []*tensor.Tensor) error {
			return nil
		},
	}
}

func TestRegisterThenLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(noopEntry("identity")))

	e, err := r.Lookup("identity")
	require.NoError(t, err)
	assert.Equal(t, "identity", e.Name)
	assert.True(t, r.Has("identity"))
}

func TestRegisterRejectsConflictingName(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(noopEntry("identity")))

	err := r.Register(Entry{Name: "identity", Create: func(Attrs) (int, int, error) { return 2, 2, nil }})
	require.Error(t, err)
	assert.Equal(t, liberr.AlreadyExists, liberr.CodeOf(err))
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	r := New()
	err := r.Register(Entry{})
	require.Error(t, err)
	assert.Equal(t, liberr.InvalidArgument, liberr.CodeOf(err))
}

func TestLookupMissingReturnsNotFound(t *testing.T) {
	r := New()
	_, err := r.Lookup("missing")
	require.Error(t, err)
	assert.Equal(t, liberr.NotFound, liberr.CodeOf(err))
}

func TestUnregisterRemovesEntry(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(noopEntry("identity")))
	r.Unregister("identity")
	assert.False(t, r.Has("identity"))
}

func TestUnregisterUnknownNameIsNoop(t *testing.T) {
	r := New()
	assert.NotPanics(t, func() { r.Unregister("never-registered") })
}

func TestNamesListsEveryEntry(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(noopEntry("a")))
	require.NoError(t, r.Register(noopEntry("b")))

	assert.ElementsMatch(t, []string{"a", "b"}, r.Names())
}
