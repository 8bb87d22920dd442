// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devserver

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/notebookchat/pkg/backend"
	"github.com/AleutianAI/notebookchat/pkg/citations"
)

// ErrNotFound is returned for unknown notebooks or items.
var ErrNotFound = errors.New("not found")

// notebookData is everything stored for one notebook.
type notebookData struct {
	notebook  backend.Notebook
	documents []backend.Document
	content   map[string]string
	messages  []backend.Message
	notes     []backend.Note
	saved     []backend.SavedCitation
}

// Store is the in-memory data behind the dev server. Safe for concurrent
// use.
type Store struct {
	mu        sync.RWMutex
	notebooks map[string]*notebookData
	order     []string
	now       func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		notebooks: make(map[string]*notebookData),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Seed creates a notebook with the given documents and returns it. Used
// by the notebookd binary and tests for a ready-made fixture.
func (s *Store) Seed(name string, filenames ...string) backend.Notebook {
	nb := s.CreateNotebook(name)
	for _, f := range filenames {
		_, _ = s.AddDocument(nb.ID, f, "Contents of "+f+".")
	}
	return nb
}

// -----------------------------------------------------------------------------
// Notebooks
// -----------------------------------------------------------------------------

func (s *Store) ListNotebooks() []backend.Notebook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]backend.Notebook, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.notebooks[id].notebook)
	}
	return out
}

func (s *Store) CreateNotebook(name string) backend.Notebook {
	s.mu.Lock()
	defer s.mu.Unlock()
	nb := backend.Notebook{ID: uuid.New().String(), Name: name, CreatedAt: s.now()}
	s.notebooks[nb.ID] = &notebookData{notebook: nb, content: make(map[string]string)}
	s.order = append(s.order, nb.ID)
	return nb
}

func (s *Store) DeleteNotebook(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notebooks[id]; !ok {
		return ErrNotFound
	}
	delete(s.notebooks, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return nil
}

// get returns the notebook or ErrNotFound. Caller holds s.mu.
func (s *Store) get(id string) (*notebookData, error) {
	nb, ok := s.notebooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return nb, nil
}

// -----------------------------------------------------------------------------
// Documents
// -----------------------------------------------------------------------------

func (s *Store) ListDocuments(notebookID string) ([]backend.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nb, err := s.get(notebookID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(nb.documents), nil
}

// AddDocument appends a document at the next citation position.
func (s *Store) AddDocument(notebookID, filename, content string) (backend.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nb, err := s.get(notebookID)
	if err != nil {
		return backend.Document{}, err
	}
	doc := backend.Document{
		ID:         uuid.New().String(),
		NotebookID: notebookID,
		Filename:   filename,
		Order:      len(nb.documents) + 1,
		SizeBytes:  int64(len(content)),
		CreatedAt:  s.now(),
	}
	nb.documents = append(nb.documents, doc)
	nb.content[doc.ID] = content
	return doc, nil
}

// DeleteDocument removes a document and renumbers the rest.
func (s *Store) DeleteDocument(notebookID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nb, err := s.get(notebookID)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(nb.documents, func(d backend.Document) bool { return d.ID == documentID })
	if idx < 0 {
		return ErrNotFound
	}
	nb.documents = slices.Delete(nb.documents, idx, idx+1)
	delete(nb.content, documentID)
	renumber(nb.documents)
	return nil
}

// ReorderDocuments applies order, which must name every document once.
func (s *Store) ReorderDocuments(notebookID string, order []string) ([]backend.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nb, err := s.get(notebookID)
	if err != nil {
		return nil, err
	}
	if len(order) != len(nb.documents) {
		return nil, errors.New("order must list every document exactly once")
	}
	byID := make(map[string]backend.Document, len(nb.documents))
	for _, d := range nb.documents {
		byID[d.ID] = d
	}
	reordered := make([]backend.Document, 0, len(order))
	for _, id := range order {
		d, ok := byID[id]
		if !ok {
			return nil, errors.New("order must list every document exactly once")
		}
		delete(byID, id)
		reordered = append(reordered, d)
	}
	renumber(reordered)
	nb.documents = reordered
	return slices.Clone(reordered), nil
}

func renumber(docs []backend.Document) {
	for i := range docs {
		docs[i].Order = i + 1
	}
}

// -----------------------------------------------------------------------------
// Messages
// -----------------------------------------------------------------------------

func (s *Store) ListMessages(notebookID string) ([]backend.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nb, err := s.get(notebookID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(nb.messages), nil
}

// AppendMessage persists a message and returns it with ID and timestamp.
func (s *Store) AppendMessage(notebookID string, role backend.Role, content string, records []citations.Citation) (backend.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nb, err := s.get(notebookID)
	if err != nil {
		return backend.Message{}, err
	}
	msg := backend.Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		CreatedAt: s.now(),
		Citations: records,
	}
	nb.messages = append(nb.messages, msg)
	return msg, nil
}

func (s *Store) DeleteMessage(notebookID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nb, err := s.get(notebookID)
	if err != nil {
		return err
	}
	before := len(nb.messages)
	nb.messages = slices.DeleteFunc(nb.messages, func(m backend.Message) bool { return m.ID == messageID })
	if len(nb.messages) == before {
		return ErrNotFound
	}
	return nil
}

// ClearMessages deletes the whole conversation.
func (s *Store) ClearMessages(notebookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nb, err := s.get(notebookID)
	if err != nil {
		return err
	}
	nb.messages = nil
	return nil
}

// -----------------------------------------------------------------------------
// Notes and saved citations
// -----------------------------------------------------------------------------

func (s *Store) ListNotes(notebookID string) ([]backend.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nb, err := s.get(notebookID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(nb.notes), nil
}

func (s *Store) AddNote(notebookID, title, content string) (backend.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nb, err := s.get(notebookID)
	if err != nil {
		return backend.Note{}, err
	}
	note := backend.Note{
		ID:         uuid.New().String(),
		NotebookID: notebookID,
		Title:      title,
		Content:    content,
		CreatedAt:  s.now(),
	}
	nb.notes = append(nb.notes, note)
	return note, nil
}

func (s *Store) DeleteNote(notebookID, noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nb, err := s.get(notebookID)
	if err != nil {
		return err
	}
	before := len(nb.notes)
	nb.notes = slices.DeleteFunc(nb.notes, func(n backend.Note) bool { return n.ID == noteID })
	if len(nb.notes) == before {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListSavedCitations(notebookID string) ([]backend.SavedCitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nb, err := s.get(notebookID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(nb.saved), nil
}

func (s *Store) SaveCitation(notebookID, messageID string, c citations.Citation) (backend.SavedCitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nb, err := s.get(notebookID)
	if err != nil {
		return backend.SavedCitation{}, err
	}
	sc := backend.SavedCitation{
		ID:         uuid.New().String(),
		NotebookID: notebookID,
		MessageID:  messageID,
		Citation:   c,
		CreatedAt:  s.now(),
	}
	nb.saved = append(nb.saved, sc)
	return sc, nil
}

func (s *Store) DeleteSavedCitation(notebookID, savedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nb, err := s.get(notebookID)
	if err != nil {
		return err
	}
	before := len(nb.saved)
	nb.saved = slices.DeleteFunc(nb.saved, func(sc backend.SavedCitation) bool { return sc.ID == savedID })
	if len(nb.saved) == before {
		return ErrNotFound
	}
	return nil
}
