// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session holds the clear/stream ordering state of one chat session.
//
// The Store is the single source of truth for whether a clear is in
// progress and which markers have been committed. Markers are issued from
// one shared counter for both stream starts and clear begins, so any two
// operations are totally ordered regardless of clock resolution.
//
// The Store is mutated only through BeginClear, FinishClear and FailClear.
// Stream event handlers never write to it; they read it through IsStale.
package session

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/notebookchat/pkg/logging"
)

// ErrClearInProgress is returned by BeginClear when a previous clear has
// not yet been finished or failed.
var ErrClearInProgress = errors.New("session: clear already in progress")

// Marker is a monotonic value that totally orders sends and clears.
// The zero Marker is never issued and means "none".
type Marker uint64

// State is a point-in-time view of the Store.
type State struct {
	IsClearing               bool
	PendingClearMarker       Marker
	LastCommittedClearMarker Marker
}

// HasPendingClear reports whether a clear has begun but not settled.
func (s State) HasPendingClear() bool {
	return s.PendingClearMarker != 0
}

// Watermark is the highest clear marker that invalidates streams:
// max(LastCommittedClearMarker, PendingClearMarker).
func (s State) Watermark() Marker {
	if s.PendingClearMarker > s.LastCommittedClearMarker {
		return s.PendingClearMarker
	}
	return s.LastCommittedClearMarker
}

// TransitionKind names a Store state change.
type TransitionKind string

const (
	TransitionBeginClear  TransitionKind = "begin_clear"
	TransitionFinishClear TransitionKind = "finish_clear"
	TransitionFailClear   TransitionKind = "fail_clear"
)

// Transition is delivered to observers after every state change.
type Transition struct {
	Kind   TransitionKind
	Marker Marker
	State  State
}

// Observer is notified synchronously of each Transition.
type Observer func(Transition)

// Store is the session state store. The zero value is not usable; call
// NewStore.
type Store struct {
	counter atomic.Uint64

	mu    sync.RWMutex
	state State

	// notifyMu serialises observer delivery so observers see transitions
	// in the order they happened.
	notifyMu  sync.Mutex
	observers map[uint64]Observer
	nextObsID uint64

	logger *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the Store's logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStartMarker seeds the counter so the next issued marker is start+1.
// Tests use it to reproduce concrete marker values.
func WithStartMarker(start Marker) Option {
	return func(s *Store) {
		s.counter.Store(uint64(start))
	}
}

// NewStore creates an empty Store: not clearing, nothing committed.
func NewStore(opts ...Option) *Store {
	s := &Store{
		observers: make(map[uint64]Observer),
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "session_store")
	return s
}

// NextMarker issues a marker for a stream start. It is strictly greater
// than every marker issued before it.
func (s *Store) NextMarker() Marker {
	return Marker(s.counter.Add(1))
}

// Snapshot returns the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsStale reports whether a stream started at start must be ignored
// under the current state.
func (s *Store) IsStale(start Marker) bool {
	return IsStale(start, s.Snapshot())
}

// BeginClear enters the clearing state and returns the clear's marker.
//
// The marker is issued while holding the state lock, so no stream can be
// issued a marker that sorts after the clear yet was opened before it
// became visible. A pending clear is never overwritten: a second call
// before FinishClear/FailClear returns ErrClearInProgress.
func (s *Store) BeginClear() (Marker, error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.state.HasPendingClear() {
		pending := s.state.PendingClearMarker
		s.mu.Unlock()
		s.logger.Warn("begin clear rejected", "pending_marker", pending)
		return 0, ErrClearInProgress
	}
	m := Marker(s.counter.Add(1))
	s.state.IsClearing = true
	s.state.PendingClearMarker = m
	snap := s.state
	s.mu.Unlock()

	s.logger.Debug("clear begun", "marker", m)
	s.notify(Transition{Kind: TransitionBeginClear, Marker: m, State: snap})
	return m, nil
}

// FinishClear commits the clear identified by m. It returns false and
// changes nothing when m is not the pending clear.
func (s *Store) FinishClear(m Marker) bool {
	return s.settle(m, TransitionFinishClear)
}

// FailClear rolls back the clear identified by m without advancing the
// committed marker. It returns false and changes nothing when m is not
// the pending clear.
func (s *Store) FailClear(m Marker) bool {
	return s.settle(m, TransitionFailClear)
}

func (s *Store) settle(m Marker, kind TransitionKind) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if m == 0 || s.state.PendingClearMarker != m {
		pending := s.state.PendingClearMarker
		s.mu.Unlock()
		s.logger.Debug("settle ignored", "kind", kind, "marker", m, "pending_marker", pending)
		return false
	}
	if kind == TransitionFinishClear {
		s.state.LastCommittedClearMarker = m
	}
	s.state.PendingClearMarker = 0
	s.state.IsClearing = false
	snap := s.state
	s.mu.Unlock()

	s.logger.Debug("clear settled", "kind", kind, "marker", m)
	s.notify(Transition{Kind: kind, Marker: m, State: snap})
	return true
}

// Subscribe registers an observer and returns a function that removes it.
// Observers run on the goroutine that caused the transition. They may call
// Snapshot but must not call Subscribe, BeginClear, FinishClear or FailClear.
func (s *Store) Subscribe(obs Observer) (unsubscribe func()) {
	s.notifyMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = obs
	s.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.notifyMu.Lock()
			delete(s.observers, id)
			s.notifyMu.Unlock()
		})
	}
}

// notify must be called with notifyMu held.
func (s *Store) notify(t Transition) {
	for id := uint64(0); id < s.nextObsID; id++ {
		if obs, ok := s.observers[id]; ok {
			obs(t)
		}
	}
}
