// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package selection resolves which notebook documents a query is scoped to.
//
// A Selection has three states that must stay distinct:
//
//   - implicit all: nothing chosen yet, every document is in scope
//   - explicit subset: the user picked some documents
//   - explicit empty: the user deselected everything
//
// Implicit all is represented by a nil explicit set, so it keeps tracking
// the document list as documents are added.
package selection

import (
	"strings"
	"sync"
)

// State is a snapshot of a Selection.
type State struct {
	All []string

	// Explicit is nil for "implicit all". A non-nil empty slice means
	// "none selected".
	Explicit []string
}

// Effective returns Explicit when set, otherwise All.
func (s State) Effective() []string {
	if s.Explicit != nil {
		return s.Explicit
	}
	return s.All
}

// Selection tracks the document set and the user's choice. Safe for
// concurrent use.
type Selection struct {
	mu       sync.RWMutex
	all      []string
	explicit []string
}

// New creates a Selection over all, starting in the implicit-all state.
func New(all []string) *Selection {
	return &Selection{all: dedupe(all)}
}

// Snapshot returns copies of the document set and the explicit subset.
func (s *Selection) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{All: clone(s.all), Explicit: clone(s.explicit)}
}

// Effective returns the ids a query should be scoped to.
func (s *Selection) Effective() []string {
	return s.Snapshot().Effective()
}

// IsImplicit reports whether no explicit choice has been made.
func (s *Selection) IsImplicit() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.explicit == nil
}

// IsSelected reports whether id is in the effective selection.
func (s *Selection) IsSelected(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.explicit == nil {
		return indexOf(s.all, id) >= 0
	}
	return indexOf(s.explicit, id) >= 0
}

// Toggle flips id in the explicit subset. From implicit all, the subset
// starts as the full document set, so the first toggle deselects id.
// A re-added id takes its place in document order. Unknown ids are
// ignored.
func (s *Selection) Toggle(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if indexOf(s.all, id) < 0 {
		return
	}
	if s.explicit == nil {
		s.explicit = clone(s.all)
	}
	if i := indexOf(s.explicit, id); i >= 0 {
		s.explicit = append(s.explicit[:i], s.explicit[i+1:]...)
		return
	}
	selected := s.explicit
	s.explicit = inOrder(s.all, func(d string) bool {
		return d == id || indexOf(selected, d) >= 0
	})
}

// SelectAll returns to the implicit-all state.
func (s *Selection) SelectAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.explicit = nil
}

// SelectNone makes the explicit subset empty.
func (s *Selection) SelectNone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.explicit = []string{}
}

// SetAll replaces the document set. Explicit ids that no longer exist are
// dropped so they can neither block a send nor be silently ignored by the
// backend, and the rest follow the new document order. An explicit empty
// subset stays empty.
func (s *Selection) SetAll(all []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.all = dedupe(all)
	if s.explicit == nil {
		return
	}
	selected := s.explicit
	s.explicit = inOrder(s.all, func(d string) bool {
		return indexOf(selected, d) >= 0
	})
}

// inOrder returns the ids of all that keep accepts, in the order of all.
// The result is never nil.
func inOrder(all []string, keep func(string) bool) []string {
	out := make([]string, 0, len(all))
	for _, id := range all {
		if keep(id) {
			out = append(out, id)
		}
	}
	return out
}

// Joined returns the effective selection in wire form: comma-joined ids.
func (s *Selection) Joined() string {
	return Join(s.Effective())
}

// Join comma-joins ids.
func Join(ids []string) string {
	return strings.Join(ids, ",")
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

// clone preserves nil-ness: the difference between nil and empty is the
// difference between implicit all and none.
func clone(ids []string) []string {
	if ids == nil {
		return nil
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
