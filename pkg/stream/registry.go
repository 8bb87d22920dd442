// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"sort"
	"sync"

	"github.com/AleutianAI/notebookchat/pkg/logging"
)

// CloseFunc closes one stream. Implementations must be idempotent and
// must not block on the stream's reader goroutine.
type CloseFunc func()

// Registry tracks the close functions of every open stream, keyed by a
// caller-chosen ID. Safe for concurrent use.
//
// Close functions always run outside the registry lock, so a close
// function may call Unregister.
type Registry struct {
	mu      sync.Mutex
	entries map[string]CloseFunc
	logger  *logging.Logger
}

// NewRegistry creates an empty Registry. A nil logger discards output.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		entries: make(map[string]CloseFunc),
		logger:  logger.With("component", "stream_registry"),
	}
}

// Register records closeFn under id. If id is already registered, the
// previous close function is invoked first so no handle is ever leaked.
func (r *Registry) Register(id string, closeFn CloseFunc) {
	r.mu.Lock()
	prev, exists := r.entries[id]
	r.entries[id] = closeFn
	n := len(r.entries)
	r.mu.Unlock()

	if exists && prev != nil {
		r.logger.Warn("replacing registered stream", "stream_id", id)
		prev()
	}
	activeStreams.Set(float64(n))
	r.logger.Debug("stream registered", "stream_id", id, "open", n)
}

// Unregister forgets id without closing it. It reports whether id was
// registered.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	n := len(r.entries)
	r.mu.Unlock()

	if ok {
		activeStreams.Set(float64(n))
		r.logger.Debug("stream unregistered", "stream_id", id, "open", n)
	}
	return ok
}

// CloseAll empties the registry, then invokes every close function that
// was registered. It returns how many streams were closed.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	fns := r.entries
	r.entries = make(map[string]CloseFunc)
	r.mu.Unlock()

	for id, fn := range fns {
		if fn != nil {
			fn()
		}
		r.logger.Debug("stream closed by teardown", "stream_id", id)
	}
	activeStreams.Set(0)
	return len(fns)
}

// Len returns the number of registered streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// IDs returns the registered IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}
