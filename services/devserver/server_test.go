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
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/notebookchat/pkg/backend"
	"github.com/AleutianAI/notebookchat/pkg/stream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestServer starts a server with one seeded notebook.
func newTestServer(t *testing.T, config Config) (*Server, *httptest.Server, backend.Notebook) {
	t.Helper()
	s := New(config)
	nb := s.Store().Seed("Research", "a.pdf", "b.pdf")
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts, nb
}

func newBackendClient(t *testing.T, baseURL string) *backend.Client {
	t.Helper()
	client, err := backend.New(backend.Config{BaseURL: baseURL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return client
}

// readEvents drains src into decoded events until EOF or a terminal
// event.
func readEvents(t *testing.T, src stream.FrameSource) []stream.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []stream.Event
	for {
		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		ev, ok, err := stream.DecodeFrame(frame)
		require.NoError(t, err)
		if !ok {
			continue
		}
		events = append(events, ev)
		if ev.IsTerminal() {
			return events
		}
	}
}

func eventTypes(events []stream.Event) []stream.EventType {
	out := make([]stream.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func joinTokens(events []stream.Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == stream.EventToken {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

// =============================================================================
// REST
// =============================================================================

func TestServer_Healthz(t *testing.T) {
	s := New(Config{})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestServer_Metrics(t *testing.T) {
	s := New(Config{})
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestServer_NotebooksAndDocuments(t *testing.T) {
	_, ts, nb := newTestServer(t, Config{})
	client := newBackendClient(t, ts.URL)
	ctx := context.Background()

	notebooks, err := client.ListNotebooks(ctx)
	require.NoError(t, err)
	require.Len(t, notebooks, 1)
	assert.Equal(t, nb.ID, notebooks[0].ID)

	created, err := client.CreateNotebook(ctx, "Second")
	require.NoError(t, err)
	assert.Equal(t, "Second", created.Name)

	doc, err := client.UploadDocument(ctx, nb.ID, "c.txt", strings.NewReader("some text"))
	require.NoError(t, err)
	assert.Equal(t, 3, doc.Order)
	assert.Equal(t, int64(9), doc.SizeBytes)

	docs, err := client.ListDocuments(ctx, nb.ID)
	require.NoError(t, err)
	require.Len(t, docs, 3)

	reordered, err := client.ReorderDocuments(ctx, nb.ID, []string{docs[2].ID, docs[0].ID, docs[1].ID})
	require.NoError(t, err)
	assert.Equal(t, "c.txt", reordered[0].Filename)

	require.NoError(t, client.DeleteDocument(ctx, nb.ID, docs[1].ID))
	err = client.DeleteDocument(ctx, nb.ID, docs[1].ID)
	assert.True(t, backend.IsNotFound(err), "second delete: %v", err)

	require.NoError(t, client.DeleteNotebook(ctx, created.ID))
	_, err = client.ListDocuments(ctx, created.ID)
	assert.True(t, backend.IsNotFound(err))
}

func TestServer_ReorderRejectsPartialOrder(t *testing.T) {
	_, ts, nb := newTestServer(t, Config{})
	client := newBackendClient(t, ts.URL)

	docs, err := client.ListDocuments(context.Background(), nb.ID)
	require.NoError(t, err)

	_, err = client.ReorderDocuments(context.Background(), nb.ID, []string{docs[0].ID})
	var apiErr *backend.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestServer_CreateNotebookValidation(t *testing.T) {
	s := New(Config{})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/notebooks", strings.NewReader(`{"name":""}`))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_NotesAndSavedCitations(t *testing.T) {
	_, ts, nb := newTestServer(t, Config{})
	client := newBackendClient(t, ts.URL)
	ctx := context.Background()

	note, err := client.CreateNote(ctx, nb.ID, backend.CreateNoteRequest{Title: "Todo", Content: "read a.pdf"})
	require.NoError(t, err)
	notes, err := client.ListNotes(ctx, nb.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.NoError(t, client.DeleteNote(ctx, nb.ID, note.ID))

	saved, err := client.SaveCitation(ctx, nb.ID, backend.SaveCitationRequest{MessageID: "m-1"})
	require.NoError(t, err)
	list, err := client.ListSavedCitations(ctx, nb.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "m-1", list[0].MessageID)
	require.NoError(t, client.DeleteSavedCitation(ctx, nb.ID, saved.ID))
}

// =============================================================================
// Clear
// =============================================================================

func TestServer_ClearMessages(t *testing.T) {
	s, ts, nb := newTestServer(t, Config{})
	client := newBackendClient(t, ts.URL)
	ctx := context.Background()

	_, err := client.CreateMessage(ctx, nb.ID, backend.CreateMessageRequest{Role: backend.RoleUser, Content: "hi"})
	require.NoError(t, err)

	s.FailClears(1, http.StatusServiceUnavailable)
	err = client.ClearMessages(ctx, nb.ID)
	var apiErr *backend.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)

	msgs, _ := client.ListMessages(ctx, nb.ID)
	assert.Len(t, msgs, 1, "failed clear keeps history")

	require.NoError(t, client.ClearMessages(ctx, nb.ID), "only one failure was injected")
	msgs, _ = client.ListMessages(ctx, nb.ID)
	assert.Empty(t, msgs)
}

func TestServer_HoldClears(t *testing.T) {
	s, ts, nb := newTestServer(t, Config{})
	client := newBackendClient(t, ts.URL)

	release := s.HoldClears()
	done := make(chan error, 1)
	go func() { done <- client.ClearMessages(context.Background(), nb.ID) }()

	select {
	case err := <-done:
		t.Fatalf("clear returned before release: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	release()
	release()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("clear did not return after release")
	}
}

// =============================================================================
// Streaming
// =============================================================================

func TestServer_StreamSSE(t *testing.T) {
	s, ts, nb := newTestServer(t, Config{KeepAliveInterval: time.Millisecond})
	transport := stream.NewSSETransport(ts.URL, nil)

	src, err := transport.Connect(context.Background(), stream.Query{NotebookID: nb.ID, Message: "what is new?"})
	require.NoError(t, err)
	defer src.Close()

	events := readEvents(t, src)
	require.NotEmpty(t, events)
	types := eventTypes(events)
	assert.Equal(t, stream.EventDone, types[len(types)-1])
	assert.Equal(t, stream.EventCitations, types[len(types)-2])

	text := joinTokens(events)
	assert.Contains(t, text, "[1]")
	assert.Contains(t, text, "[2]")

	done := events[len(events)-1]
	assert.NotEmpty(t, done.MessageID)

	msgs, err := s.Store().ListMessages(nb.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, backend.RoleUser, msgs[0].Role)
	assert.Equal(t, "what is new?", msgs[0].Content)
	assert.Equal(t, done.MessageID, msgs[1].ID)
	assert.Equal(t, text, msgs[1].Content)
	assert.Len(t, msgs[1].Citations, 2, "persisted citations are deduplicated")
}

func TestServer_StreamExplicitEmptySelection(t *testing.T) {
	_, ts, nb := newTestServer(t, Config{})
	transport := stream.NewSSETransport(ts.URL, nil)

	src, err := transport.Connect(context.Background(), stream.Query{
		NotebookID: nb.ID,
		Message:    "hello",
		Selection:  []string{},
	})
	require.NoError(t, err)
	defer src.Close()

	events := readEvents(t, src)
	assert.NotContains(t, eventTypes(events), stream.EventCitations)
	assert.Contains(t, joinTokens(events), "No documents are selected")
}

func TestServer_StreamSelectionSubset(t *testing.T) {
	s, ts, nb := newTestServer(t, Config{})
	docs, _ := s.Store().ListDocuments(nb.ID)
	transport := stream.NewSSETransport(ts.URL, nil)

	src, err := transport.Connect(context.Background(), stream.Query{
		NotebookID: nb.ID,
		Message:    "hello",
		Selection:  []string{docs[1].ID},
	})
	require.NoError(t, err)
	defer src.Close()

	events := readEvents(t, src)
	text := joinTokens(events)
	assert.Contains(t, text, "[2]")
	assert.NotContains(t, text, "[1]")
}

func TestServer_StreamValidation(t *testing.T) {
	_, ts, nb := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + stream.StreamPath(nb.ID))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing message")

	resp, err = http.Get(ts.URL + stream.StreamPath("missing") + "?message=hi")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_FailNextStream(t *testing.T) {
	s, ts, nb := newTestServer(t, Config{})
	s.FailNextStream(2, "model unavailable")
	transport := stream.NewSSETransport(ts.URL, nil)

	src, err := transport.Connect(context.Background(), stream.Query{NotebookID: nb.ID, Message: "hi"})
	require.NoError(t, err)
	events := readEvents(t, src)
	src.Close()

	require.Len(t, events, 3)
	assert.Equal(t, []stream.EventType{stream.EventToken, stream.EventToken, stream.EventError}, eventTypes(events))
	assert.Contains(t, events[2].Err.Error(), "model unavailable")

	msgs, _ := s.Store().ListMessages(nb.ID)
	assert.Len(t, msgs, 1, "failed answer is not persisted")

	src, err = transport.Connect(context.Background(), stream.Query{NotebookID: nb.ID, Message: "again"})
	require.NoError(t, err)
	defer src.Close()
	events = readEvents(t, src)
	assert.Equal(t, stream.EventDone, events[len(events)-1].Type, "fault applies once")
}

func TestServer_HoldStreams(t *testing.T) {
	s, ts, nb := newTestServer(t, Config{})
	release := s.HoldStreams()
	transport := stream.NewSSETransport(ts.URL, nil)

	src, err := transport.Connect(context.Background(), stream.Query{NotebookID: nb.ID, Message: "hi"})
	require.NoError(t, err)
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		frame, err := src.Next(ctx)
		require.NoError(t, err)
		if frame.Name == string(stream.EventCitations) {
			break
		}
	}

	msgs, _ := s.Store().ListMessages(nb.ID)
	assert.Len(t, msgs, 1, "held answer is not persisted yet")

	release()
	events := readEvents(t, src)
	require.Len(t, events, 1)
	assert.Equal(t, stream.EventDone, events[0].Type)
}

func TestServer_StreamWebSocket(t *testing.T) {
	s, ts, nb := newTestServer(t, Config{})
	transport := stream.NewWebSocketTransport(ts.URL, nil)

	src, err := transport.Connect(context.Background(), stream.Query{NotebookID: nb.ID, Message: "over ws", TopicMode: "broad"})
	require.NoError(t, err)
	defer src.Close()

	events := readEvents(t, src)
	require.NotEmpty(t, events)
	assert.Equal(t, stream.EventDone, events[len(events)-1].Type)
	assert.True(t, strings.HasPrefix(joinTokens(events), "(broad) "))

	msgs, _ := s.Store().ListMessages(nb.ID)
	assert.Len(t, msgs, 2)
}
