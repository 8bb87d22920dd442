// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrStreamingNotSupported is returned when the ResponseWriter cannot
// flush.
var ErrStreamingNotSupported = errors.New("streaming not supported")

// FrameWriter emits named answer frames to one client.
//
// # Thread Safety
//
// Implementations are safe for concurrent use: the keep-alive ticker and
// the answer loop write from different goroutines.
type FrameWriter interface {
	// WriteFrame serialises payload to JSON and sends it as event.
	WriteFrame(event string, payload any) error

	// WriteKeepAlive sends a frame clients ignore.
	WriteKeepAlive() error
}

// =============================================================================
// SSE
// =============================================================================

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter wraps w. Headers must already be set with SetSSEHeaders.
func NewSSEWriter(w http.ResponseWriter) (FrameWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingNotSupported
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) WriteFrame(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write %s frame: %w", event, err)
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) WriteKeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// SetSSEHeaders sets the response headers for an event stream. Must be
// called before the first write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// WebSocket
// =============================================================================

type wsEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type wsWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewWebSocketWriter wraps an upgraded connection. Each frame is one text
// message holding {"event": ..., "data": ...}.
func NewWebSocketWriter(conn *websocket.Conn) FrameWriter {
	return &wsWriter{conn: conn}
}

func (s *wsWriter) WriteFrame(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(wsEnvelope{Event: event, Data: data})
}

func (s *wsWriter) WriteKeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local development server
	},
}
