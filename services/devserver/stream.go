// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/notebookchat/pkg/backend"
	"github.com/AleutianAI/notebookchat/pkg/citations"
)

// errClientGone ends a stream whose client disconnected.
var errClientGone = errors.New("client disconnected")

// answerRequest is a validated chat query.
type answerRequest struct {
	notebookID string
	message    string
	mode       string
	documents  []backend.Document
}

// parseAnswerRequest reads the query parameters and persists the user
// message. It writes the error response itself and returns ok=false on
// failure.
func (s *Server) parseAnswerRequest(c *gin.Context) (answerRequest, bool) {
	req := answerRequest{
		notebookID: c.Param("notebookId"),
		message:    strings.TrimSpace(c.Query("message")),
		mode:       c.Query("mode"),
	}
	if req.message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return req, false
	}

	all, err := s.store.ListDocuments(req.notebookID)
	if err != nil {
		respondError(c, err)
		return req, false
	}

	raw, present := c.GetQuery("documents")
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	req.documents = filterDocuments(all, ids, present)

	if _, err := s.store.AppendMessage(req.notebookID, backend.RoleUser, req.message, nil); err != nil {
		respondError(c, err)
		return req, false
	}
	return req, true
}

// streamSSE serves GET .../chat/stream as text/event-stream.
func (s *Server) streamSSE(c *gin.Context) {
	req, ok := s.parseAnswerRequest(c)
	if !ok {
		return
	}

	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	w, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Writer.Flush()

	result := s.serveAnswer(c.Request.Context(), w, req)
	streamsServed.WithLabelValues("sse", result).Inc()
}

// streamWebSocket serves GET .../chat/ws. The query arrives in the URL;
// client messages are read only to notice disconnects.
func (s *Server) streamWebSocket(c *gin.Context) {
	req, ok := s.parseAnswerRequest(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	result := s.serveAnswer(ctx, NewWebSocketWriter(conn), req)
	if result != "disconnected" {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	streamsServed.WithLabelValues("websocket", result).Inc()
}

// serveAnswer writes one scripted answer: token frames, then citations,
// then done. The assistant message is persisted before the done frame so
// a client refetching on done sees it. Returns the metric result label.
func (s *Server) serveAnswer(ctx context.Context, w FrameWriter, req answerRequest) string {
	gate, failAfter, failMsg := s.takeStreamFault()
	answer := ComposeAnswer(req.message, req.mode, req.documents)
	logger := s.logger.With("notebook_id", req.notebookID)

	if s.config.KeepAliveInterval > 0 {
		stopKeepAlive := s.startKeepAlive(ctx, w)
		defer stopKeepAlive()
	}

	for i, tok := range answer.Tokens {
		if i == failAfter {
			_ = w.WriteFrame("error", gin.H{"message": failMsg})
			logger.Info("stream failed by injection", "after_tokens", i)
			return "failed"
		}
		if err := s.pause(ctx); err != nil {
			return "disconnected"
		}
		if err := w.WriteFrame("token", gin.H{"text": tok}); err != nil {
			return "disconnected"
		}
		tokensServed.Inc()
	}
	if failAfter >= len(answer.Tokens) {
		_ = w.WriteFrame("error", gin.H{"message": failMsg})
		return "failed"
	}

	if len(answer.Records) > 0 {
		if err := w.WriteFrame("citations", gin.H{"records": answer.Records}); err != nil {
			return "disconnected"
		}
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "disconnected"
		}
	}

	msg, err := s.store.AppendMessage(req.notebookID, backend.RoleAssistant, answer.Text(), citations.Dedupe(answer.Records))
	if err != nil {
		_ = w.WriteFrame("error", gin.H{"message": err.Error()})
		return "failed"
	}
	if err := w.WriteFrame("done", gin.H{"message_id": msg.ID}); err != nil {
		return "disconnected"
	}
	logger.Debug("answer streamed", "message_id", msg.ID, "tokens", len(answer.Tokens))
	return "done"
}

// pause waits TokenDelay or until ctx ends.
func (s *Server) pause(ctx context.Context) error {
	if s.config.TokenDelay <= 0 {
		if ctx.Err() != nil {
			return errClientGone
		}
		return nil
	}
	t := time.NewTimer(s.config.TokenDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return errClientGone
	}
}

// startKeepAlive writes keep-alive frames until the returned stop is
// called or ctx ends.
func (s *Server) startKeepAlive(ctx context.Context, w FrameWriter) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.config.KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.WriteKeepAlive(); err != nil {
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
