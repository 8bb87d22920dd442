// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backend

import (
	"time"

	"github.com/AleutianAI/notebookchat/pkg/citations"
)

// =============================================================================
// Resources
// =============================================================================

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Notebook groups documents, conversation history and notes.
type Notebook struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is a source file uploaded to a notebook. Order is the 1-based
// position that citation markers refer to.
type Document struct {
	ID         string    `json:"id"`
	NotebookID string    `json:"notebook_id"`
	Filename   string    `json:"filename"`
	Order      int       `json:"order"`
	SizeBytes  int64     `json:"size_bytes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Message is one persisted conversation turn.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`

	// Citations is populated for assistant messages when the backend
	// persisted the citation set alongside the answer.
	Citations []citations.Citation `json:"citations,omitempty"`
}

// Note is a user-authored note pinned to a notebook.
type Note struct {
	ID         string    `json:"id"`
	NotebookID string    `json:"notebook_id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// SavedCitation is a citation the user bookmarked from an answer.
type SavedCitation struct {
	ID         string             `json:"id"`
	NotebookID string             `json:"notebook_id"`
	MessageID  string             `json:"message_id"`
	Citation   citations.Citation `json:"citation"`
	CreatedAt  time.Time          `json:"created_at"`
}

// =============================================================================
// Requests
// =============================================================================

// CreateNotebookRequest is the body of POST /api/notebooks.
type CreateNotebookRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

// CreateMessageRequest is the body of POST .../messages.
type CreateMessageRequest struct {
	Role    Role   `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"required"`
}

// ReorderDocumentsRequest is the body of PUT .../documents/order. Order
// lists every document id in its new position.
type ReorderDocumentsRequest struct {
	Order []string `json:"order" validate:"required,min=1,dive,required"`
}

// CreateNoteRequest is the body of POST .../notes.
type CreateNoteRequest struct {
	Title   string `json:"title" validate:"required,max=200"`
	Content string `json:"content"`
}

// SaveCitationRequest is the body of POST .../citations.
type SaveCitationRequest struct {
	MessageID string             `json:"message_id" validate:"required"`
	Citation  citations.Citation `json:"citation"`
}
