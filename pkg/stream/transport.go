// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/notebookchat/pkg/selection"
	"github.com/AleutianAI/notebookchat/pkg/telemetry"
)

// =============================================================================
// INTERFACES
// =============================================================================

// FrameSource yields the frames of one open push connection, in
// server-emission order.
type FrameSource interface {
	// Next blocks until the next frame arrives. It returns io.EOF when the
	// server closes the connection cleanly.
	Next(ctx context.Context) (Frame, error)

	// Close releases the connection. Safe to call more than once and
	// concurrently with Next, which then returns an error.
	Close() error
}

// Transport opens push connections. The connection lives until ctx is
// cancelled or the returned source is closed.
type Transport interface {
	Connect(ctx context.Context, q Query) (FrameSource, error)
}

// HTTPClient abstracts *http.Client so tests can inject responses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// QUERY
// =============================================================================

// Query is everything the backend needs to answer one message.
type Query struct {
	NotebookID string `validate:"required"`
	Message    string `validate:"required"`
	TopicMode  string
	Selection  []string
	Provider   string
	Model      string
}

// Values encodes the query as connection parameters. A nil Selection
// leaves "documents" out, which the backend reads as every document; a
// non-nil empty Selection is sent as "documents=" and selects none.
func (q Query) Values() url.Values {
	v := url.Values{}
	v.Set("message", q.Message)
	if q.Selection != nil {
		v.Set("documents", selection.Join(q.Selection))
	}
	if q.TopicMode != "" {
		v.Set("mode", q.TopicMode)
	}
	if q.Provider != "" {
		v.Set("provider", q.Provider)
	}
	if q.Model != "" {
		v.Set("model", q.Model)
	}
	return v
}

// StreamPath is the push endpoint for a notebook, relative to the base URL.
func StreamPath(notebookID string) string {
	return "/api/notebooks/" + url.PathEscape(notebookID) + "/chat/stream"
}

// WebSocketPath is the WebSocket push endpoint for a notebook.
func WebSocketPath(notebookID string) string {
	return "/api/notebooks/" + url.PathEscape(notebookID) + "/chat/ws"
}

// =============================================================================
// SSE TRANSPORT
// =============================================================================

// SSETransport opens one GET text/event-stream request per query.
type SSETransport struct {
	BaseURL string
	Client  HTTPClient
}

// NewSSETransport creates an SSE transport. A nil client uses an
// http.Client without a timeout: answers stream for as long as they take
// and cancellation goes through the context.
func NewSSETransport(baseURL string, client HTTPClient) *SSETransport {
	if client == nil {
		client = &http.Client{}
	}
	return &SSETransport{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

// Connect issues the request and validates the response status.
func (t *SSETransport) Connect(ctx context.Context, q Query) (FrameSource, error) {
	target := t.BaseURL + StreamPath(q.NotebookID) + "?" + q.Values().Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	telemetry.InjectContext(ctx, req.Header)

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("open stream: server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return &sseSource{body: resp.Body, reader: NewFrameReader(resp.Body)}, nil
}

type sseSource struct {
	body      io.ReadCloser
	reader    *FrameReader
	closeOnce sync.Once
	closeErr  error
}

// Next reads the next frame. A done ctx closes the body, which is the
// only way to unblock a pending read; the source is unusable afterwards.
func (s *sseSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	frame, err := s.reader.Next()
	stop()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Frame{}, ctxErr
		}
		return Frame{}, err
	}
	return frame, nil
}

func (s *sseSource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

// =============================================================================
// WEBSOCKET TRANSPORT
// =============================================================================

// wsMessage is the envelope the WebSocket endpoint sends per frame.
type wsMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WebSocketTransport carries the same named frames over a WebSocket, for
// deployments whose proxies buffer text/event-stream responses.
type WebSocketTransport struct {
	BaseURL string
	Dialer  *websocket.Dialer
}

// NewWebSocketTransport creates a WebSocket transport. baseURL may use
// http(s) or ws(s); http schemes are rewritten.
func NewWebSocketTransport(baseURL string, dialer *websocket.Dialer) *WebSocketTransport {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return &WebSocketTransport{BaseURL: base, Dialer: dialer}
}

// Connect dials the WebSocket endpoint.
func (t *WebSocketTransport) Connect(ctx context.Context, q Query) (FrameSource, error) {
	target := t.BaseURL + WebSocketPath(q.NotebookID) + "?" + q.Values().Encode()

	header := http.Header{}
	telemetry.InjectContext(ctx, header)

	conn, resp, err := t.Dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("open stream: websocket handshake failed (%d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("open stream: %w", err)
	}

	src := &wsSource{conn: conn}

	// Closing the connection is the only way to unblock ReadMessage.
	context.AfterFunc(ctx, func() { _ = src.Close() })
	return src, nil
}

type wsSource struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (s *wsSource) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return Frame{}, io.EOF
			}
			return Frame{}, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return Frame{}, fmt.Errorf("decode websocket frame: %w", err)
		}
		if msg.Event == "" {
			continue
		}
		return Frame{Name: msg.Event, Data: msg.Data}, nil
	}
}

func (s *wsSource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

var (
	_ Transport   = (*SSETransport)(nil)
	_ Transport   = (*WebSocketTransport)(nil)
	_ FrameSource = (*sseSource)(nil)
	_ FrameSource = (*wsSource)(nil)
)
