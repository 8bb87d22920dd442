// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devserver

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/notebookchat/pkg/backend"
)

// maxUploadBytes limits uploaded document size.
const maxUploadBytes = 10 << 20

// respondError writes {"error": msg} with the status matching err.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrNotFound) {
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// bindJSON decodes and validates the request body into req. It writes the
// 400 response itself and reports whether the handler should go on.
func (s *Server) bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return false
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// -----------------------------------------------------------------------------
// Notebooks
// -----------------------------------------------------------------------------

func (s *Server) listNotebooks(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.ListNotebooks())
}

func (s *Server) createNotebook(c *gin.Context) {
	var req backend.CreateNotebookRequest
	if !s.bindJSON(c, &req) {
		return
	}
	c.JSON(http.StatusCreated, s.store.CreateNotebook(req.Name))
}

func (s *Server) deleteNotebook(c *gin.Context) {
	if err := s.store.DeleteNotebook(c.Param("notebookId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Documents
// -----------------------------------------------------------------------------

func (s *Server) listDocuments(c *gin.Context) {
	docs, err := s.store.ListDocuments(c.Param("notebookId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, docs)
}

func (s *Server) uploadDocument(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}
	if header.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	f, err := header.Open()
	if err != nil {
		respondError(c, err)
		return
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		respondError(c, err)
		return
	}

	doc, err := s.store.AddDocument(c.Param("notebookId"), header.Filename, string(content))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func (s *Server) reorderDocuments(c *gin.Context) {
	var req backend.ReorderDocumentsRequest
	if !s.bindJSON(c, &req) {
		return
	}
	docs, err := s.store.ReorderDocuments(c.Param("notebookId"), req.Order)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, docs)
}

func (s *Server) deleteDocument(c *gin.Context) {
	if err := s.store.DeleteDocument(c.Param("notebookId"), c.Param("documentId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Messages
// -----------------------------------------------------------------------------

func (s *Server) listMessages(c *gin.Context) {
	msgs, err := s.store.ListMessages(c.Param("notebookId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) createMessage(c *gin.Context) {
	var req backend.CreateMessageRequest
	if !s.bindJSON(c, &req) {
		return
	}
	msg, err := s.store.AppendMessage(c.Param("notebookId"), req.Role, req.Content, nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) deleteMessage(c *gin.Context) {
	if err := s.store.DeleteMessage(c.Param("notebookId"), c.Param("messageId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// clearMessages honours injected faults: a held clear waits for release
// before anything else, then an injected failure leaves the history
// untouched.
func (s *Server) clearMessages(c *gin.Context) {
	gate, status := s.takeClearFault()
	if gate != nil {
		select {
		case <-gate:
		case <-c.Request.Context().Done():
			return
		}
	}

	if status != 0 {
		clearsServed.WithLabelValues("injected_failure").Inc()
		c.JSON(status, gin.H{"error": "injected clear failure"})
		return
	}

	if err := s.store.ClearMessages(c.Param("notebookId")); err != nil {
		respondError(c, err)
		return
	}
	clearsServed.WithLabelValues("success").Inc()
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Notes and saved citations
// -----------------------------------------------------------------------------

func (s *Server) listNotes(c *gin.Context) {
	notes, err := s.store.ListNotes(c.Param("notebookId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, notes)
}

func (s *Server) createNote(c *gin.Context) {
	var req backend.CreateNoteRequest
	if !s.bindJSON(c, &req) {
		return
	}
	note, err := s.store.AddNote(c.Param("notebookId"), req.Title, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, note)
}

func (s *Server) deleteNote(c *gin.Context) {
	if err := s.store.DeleteNote(c.Param("notebookId"), c.Param("noteId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listSavedCitations(c *gin.Context) {
	saved, err := s.store.ListSavedCitations(c.Param("notebookId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (s *Server) saveCitation(c *gin.Context) {
	var req backend.SaveCitationRequest
	if !s.bindJSON(c, &req) {
		return
	}
	sc, err := s.store.SaveCitation(c.Param("notebookId"), req.MessageID, req.Citation)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sc)
}

func (s *Server) deleteSavedCitation(c *gin.Context) {
	if err := s.store.DeleteSavedCitation(c.Param("notebookId"), c.Param("savedId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
