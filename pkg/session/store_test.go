// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Marker Tests
// =============================================================================

func TestStore_MarkersStrictlyIncrease(t *testing.T) {
	s := NewStore()

	a := s.NextMarker()
	c, err := s.BeginClear()
	require.NoError(t, err)
	b := s.NextMarker()

	assert.Less(t, a, c)
	assert.Less(t, c, b)
}

func TestStore_ConcurrentMarkersAreUnique(t *testing.T) {
	s := NewStore()
	const n = 200

	var wg sync.WaitGroup
	seen := make(chan Marker, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- s.NextMarker()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[Marker]bool)
	for m := range seen {
		require.False(t, unique[m], "duplicate marker %d", m)
		unique[m] = true
	}
	assert.Len(t, unique, n)
}

// =============================================================================
// Clear Lifecycle Tests
// =============================================================================

func TestStore_BeginClear(t *testing.T) {
	s := NewStore(WithStartMarker(1004))

	m, err := s.BeginClear()
	require.NoError(t, err)
	assert.Equal(t, Marker(1005), m)

	state := s.Snapshot()
	assert.True(t, state.IsClearing)
	assert.Equal(t, Marker(1005), state.PendingClearMarker)
	assert.Equal(t, Marker(0), state.LastCommittedClearMarker)
}

func TestStore_BeginClearWhilePendingIsRejected(t *testing.T) {
	s := NewStore()

	first, err := s.BeginClear()
	require.NoError(t, err)

	_, err = s.BeginClear()
	assert.ErrorIs(t, err, ErrClearInProgress)
	assert.Equal(t, first, s.Snapshot().PendingClearMarker, "pending marker must not be overwritten")
}

func TestStore_FinishClear(t *testing.T) {
	s := NewStore(WithStartMarker(1004))
	m, err := s.BeginClear()
	require.NoError(t, err)

	assert.True(t, s.FinishClear(m))

	state := s.Snapshot()
	assert.False(t, state.IsClearing)
	assert.Equal(t, Marker(0), state.PendingClearMarker)
	assert.Equal(t, Marker(1005), state.LastCommittedClearMarker)
}

func TestStore_FailClear(t *testing.T) {
	s := NewStore(WithStartMarker(1004))
	m, err := s.BeginClear()
	require.NoError(t, err)

	assert.True(t, s.FailClear(m))

	state := s.Snapshot()
	assert.False(t, state.IsClearing)
	assert.False(t, state.HasPendingClear())
	assert.Equal(t, Marker(0), state.LastCommittedClearMarker, "fail must not advance committed marker")
}

func TestStore_SettleWithWrongMarkerIsNoop(t *testing.T) {
	s := NewStore()
	m, err := s.BeginClear()
	require.NoError(t, err)

	assert.False(t, s.FinishClear(m+1))
	assert.False(t, s.FailClear(m+1))
	assert.False(t, s.FinishClear(0))

	state := s.Snapshot()
	assert.True(t, state.IsClearing)
	assert.Equal(t, m, state.PendingClearMarker)
}

func TestStore_SettleTwiceIsNoop(t *testing.T) {
	s := NewStore()
	m, err := s.BeginClear()
	require.NoError(t, err)

	require.True(t, s.FinishClear(m))
	assert.False(t, s.FinishClear(m))
	assert.False(t, s.FailClear(m))
	assert.Equal(t, m, s.Snapshot().LastCommittedClearMarker)
}

func TestStore_ClearAfterFailedClear(t *testing.T) {
	s := NewStore()
	first, err := s.BeginClear()
	require.NoError(t, err)
	require.True(t, s.FailClear(first))

	second, err := s.BeginClear()
	require.NoError(t, err)
	assert.Greater(t, second, first)
}

// =============================================================================
// Observer Tests
// =============================================================================

func TestStore_ObserversSeeEveryTransitionInOrder(t *testing.T) {
	s := NewStore()

	var got []Transition
	unsubscribe := s.Subscribe(func(tr Transition) {
		got = append(got, tr)
	})

	m1, err := s.BeginClear()
	require.NoError(t, err)
	s.FinishClear(m1)
	m2, err := s.BeginClear()
	require.NoError(t, err)
	s.FailClear(m2)

	require.Len(t, got, 4)
	assert.Equal(t, TransitionBeginClear, got[0].Kind)
	assert.True(t, got[0].State.IsClearing)
	assert.Equal(t, TransitionFinishClear, got[1].Kind)
	assert.Equal(t, m1, got[1].State.LastCommittedClearMarker)
	assert.Equal(t, TransitionBeginClear, got[2].Kind)
	assert.Equal(t, TransitionFailClear, got[3].Kind)
	assert.Equal(t, m2, got[3].Marker)

	unsubscribe()
	unsubscribe()
	m3, err := s.BeginClear()
	require.NoError(t, err)
	s.FinishClear(m3)
	assert.Len(t, got, 4, "unsubscribed observer must not be called")
}

func TestStore_ObserverMayReadSnapshot(t *testing.T) {
	s := NewStore()
	var observed State
	s.Subscribe(func(Transition) {
		observed = s.Snapshot()
	})

	m, err := s.BeginClear()
	require.NoError(t, err)
	assert.Equal(t, m, observed.PendingClearMarker)
}

func TestStore_RejectedBeginClearDoesNotNotify(t *testing.T) {
	s := NewStore()
	calls := 0
	s.Subscribe(func(Transition) { calls++ })

	_, err := s.BeginClear()
	require.NoError(t, err)
	_, err = s.BeginClear()
	require.Error(t, err)

	assert.Equal(t, 1, calls)
}
