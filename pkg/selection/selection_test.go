// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package selection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_Effective(t *testing.T) {
	all := []string{"a", "b", "c"}

	assert.Equal(t, []string{"a", "b", "c"}, State{All: all, Explicit: nil}.Effective())

	none := State{All: all, Explicit: []string{}}.Effective()
	require.NotNil(t, none)
	assert.Empty(t, none)

	assert.Equal(t, []string{"c"}, State{All: all, Explicit: []string{"c"}}.Effective())
}

func TestSelection_FirstToggleStartsFromFullSet(t *testing.T) {
	s := New([]string{"a", "b", "c"})
	require.True(t, s.IsImplicit())

	s.Toggle("a")

	assert.False(t, s.IsImplicit())
	assert.Equal(t, []string{"b", "c"}, s.Effective())
	assert.False(t, s.IsSelected("a"))
	assert.True(t, s.IsSelected("b"))
}

func TestSelection_ToggleBackKeepsDocumentOrder(t *testing.T) {
	s := New([]string{"a", "b", "c"})
	s.Toggle("b")
	s.Toggle("b")

	assert.Equal(t, []string{"a", "b", "c"}, s.Effective())
	assert.False(t, s.IsImplicit(), "re-adding does not collapse back to implicit all")

	s.SelectNone()
	s.Toggle("c")
	s.Toggle("a")
	assert.Equal(t, []string{"a", "c"}, s.Effective())
}

func TestSelection_ToggleUnknownIgnored(t *testing.T) {
	s := New([]string{"a"})
	s.Toggle("zzz")
	assert.True(t, s.IsImplicit())
}

func TestSelection_NoneAndAllAreDistinct(t *testing.T) {
	s := New([]string{"a", "b"})

	s.SelectNone()
	snap := s.Snapshot()
	require.NotNil(t, snap.Explicit)
	assert.Empty(t, s.Effective())
	assert.Equal(t, "", s.Joined())

	s.SelectAll()
	assert.Nil(t, s.Snapshot().Explicit)
	assert.Equal(t, "a,b", s.Joined())
}

func TestSelection_SetAllDropsDeletedIDs(t *testing.T) {
	s := New([]string{"a", "b", "c"})
	s.Toggle("a") // explicit [b c]

	s.SetAll([]string{"a", "c", "d"})

	assert.Equal(t, []string{"c"}, s.Effective())
}

func TestSelection_SetAllFollowsNewOrder(t *testing.T) {
	s := New([]string{"a", "b", "c"})
	s.Toggle("b") // explicit [a c]

	s.SetAll([]string{"c", "b", "a"})

	assert.Equal(t, []string{"c", "a"}, s.Effective())
}

func TestSelection_SetAllKeepsImplicit(t *testing.T) {
	s := New([]string{"a"})
	s.SetAll([]string{"a", "b"})

	assert.True(t, s.IsImplicit())
	assert.Equal(t, []string{"a", "b"}, s.Effective())
}

func TestSelection_SetAllKeepsExplicitEmpty(t *testing.T) {
	s := New([]string{"a", "b"})
	s.SelectNone()
	s.SetAll([]string{"b"})

	snap := s.Snapshot()
	require.NotNil(t, snap.Explicit)
	assert.Empty(t, snap.Explicit)
}

func TestSelection_SnapshotIsCopy(t *testing.T) {
	s := New([]string{"a", "b"})
	s.Toggle("a")

	snap := s.Snapshot()
	snap.Explicit[0] = "mutated"
	snap.All[0] = "mutated"

	assert.Equal(t, []string{"b"}, s.Effective())
	assert.True(t, s.IsSelected("b"))
}

func TestNew_DedupesDocumentSet(t *testing.T) {
	s := New([]string{"a", "", "a", "b"})
	assert.Equal(t, []string{"a", "b"}, s.Snapshot().All)
}
