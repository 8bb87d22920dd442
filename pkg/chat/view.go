// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"github.com/AleutianAI/notebookchat/pkg/backend"
	"github.com/AleutianAI/notebookchat/pkg/citations"
	"github.com/AleutianAI/notebookchat/pkg/selection"
)

// View is a point-in-time copy of everything a renderer needs.
type View struct {
	NotebookID string
	TopicMode  string

	// Messages holds the persisted history plus the optimistic user
	// message of the answer in progress.
	Messages []backend.Message

	// Partial is the text received so far for the answer in progress, or
	// the text kept from an answer that failed.
	Partial string

	// PendingCitations are the records received for the answer in
	// progress, not yet attached to a message.
	PendingCitations []citations.Citation

	Streaming bool
	Clearing  bool
	LastError error

	Documents []backend.Document
	Selection selection.State
}

// UpdateKind says what changed.
type UpdateKind string

const (
	UpdateSent        UpdateKind = "sent"
	UpdateToken       UpdateKind = "token"
	UpdateCitations   UpdateKind = "citations"
	UpdateDone        UpdateKind = "done"
	UpdateError       UpdateKind = "error"
	UpdateClearing    UpdateKind = "clearing"
	UpdateCleared     UpdateKind = "cleared"
	UpdateClearFailed UpdateKind = "clear_failed"
	UpdateRefreshed   UpdateKind = "refreshed"
	UpdateDocuments   UpdateKind = "documents"
	UpdateMode        UpdateKind = "mode"
)

// Update is delivered to view observers after every state change.
type Update struct {
	Kind UpdateKind

	// Token is the text of an UpdateToken.
	Token string

	// MessageID is set on UpdateDone.
	MessageID string

	View View
}

// ViewObserver receives updates. Observers run with the session lock
// held, in update order, and must not call back into the Session.
type ViewObserver func(Update)
