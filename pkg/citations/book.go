// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package citations

import "sync"

// Book holds the citation set of each completed assistant message, keyed
// by message ID. Sets are independent: attaching to one message never
// touches another.
type Book struct {
	mu   sync.RWMutex
	sets map[string][]Citation
}

// NewBook creates an empty Book.
func NewBook() *Book {
	return &Book{sets: make(map[string][]Citation)}
}

// Attach stores records for messageID, replacing any previous set.
// Attaching an empty set removes the entry.
func (b *Book) Attach(messageID string, records []Citation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(records) == 0 {
		delete(b.sets, messageID)
		return
	}
	cp := make([]Citation, len(records))
	copy(cp, records)
	b.sets[messageID] = cp
}

// Get returns a copy of the set for messageID.
func (b *Book) Get(messageID string) []Citation {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set := b.sets[messageID]
	if set == nil {
		return nil
	}
	cp := make([]Citation, len(set))
	copy(cp, set)
	return cp
}

// Retain drops every set whose message ID is not in keep. It is called
// after a refetch so citations never outlive their messages.
func (b *Book) Retain(keep []string) {
	live := make(map[string]bool, len(keep))
	for _, id := range keep {
		live[id] = true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.sets {
		if !live[id] {
			delete(b.sets, id)
		}
	}
}

// Remove drops the set for one message.
func (b *Book) Remove(messageID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sets, messageID)
}

// Reset removes every set.
func (b *Book) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sets = make(map[string][]Citation)
}

// Len returns the number of messages with citations.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sets)
}
