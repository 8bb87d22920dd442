// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/AleutianAI/notebookchat/pkg/backend"
	"github.com/AleutianAI/notebookchat/pkg/citations"
	"github.com/AleutianAI/notebookchat/pkg/logging"
	"github.com/AleutianAI/notebookchat/pkg/stream"
)

var spanRecorder = tracetest.NewSpanRecorder()

func TestMain(m *testing.M) {
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder)))
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

const waitTimeout = 5 * time.Second

// =============================================================================
// Test Doubles
// =============================================================================

// fakeSource is a FrameSource fed by the test through push.
type fakeSource struct {
	frames    chan stream.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		frames: make(chan stream.Frame, 32),
		closed: make(chan struct{}),
	}
}

func (s *fakeSource) push(name, data string) {
	s.frames <- stream.Frame{Name: name, Data: []byte(data)}
}

func (s *fakeSource) Next(ctx context.Context) (stream.Frame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return stream.Frame{}, io.EOF
		}
		return f, nil
	case <-s.closed:
		return stream.Frame{}, errors.New("source closed")
	case <-ctx.Done():
		return stream.Frame{}, ctx.Err()
	}
}

func (s *fakeSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeTransport creates a source per Connect and hands it to the test.
type fakeTransport struct {
	mu        sync.Mutex
	queries   []stream.Query
	connected chan *fakeSource
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: make(chan *fakeSource, 8)}
}

func (t *fakeTransport) Connect(ctx context.Context, q stream.Query) (stream.FrameSource, error) {
	t.mu.Lock()
	t.queries = append(t.queries, q)
	t.mu.Unlock()
	src := newFakeSource()
	t.connected <- src
	return src, nil
}

func (t *fakeTransport) next(tb testing.TB) *fakeSource {
	tb.Helper()
	select {
	case src := <-t.connected:
		return src
	case <-time.After(waitTimeout):
		tb.Fatal("no stream was opened")
		return nil
	}
}

func (t *fakeTransport) lastQuery() stream.Query {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queries[len(t.queries)-1]
}

func (t *fakeTransport) connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queries)
}

// openTransport hands out sources that stay open until closed.
type openTransport struct{}

func (openTransport) Connect(ctx context.Context, q stream.Query) (stream.FrameSource, error) {
	return newFakeSource(), nil
}

// fakeBackend is an in-memory Backend with hooks to hold or fail calls.
type fakeBackend struct {
	mu        sync.Mutex
	messages  []backend.Message
	documents []backend.Document
	clearErr  error
	clears    int

	// clearGate, when set, blocks ClearMessages until closed.
	clearGate chan struct{}

	// listGate, when set, blocks ListMessages after it has copied the
	// history; listStarted is signalled first.
	listGate    chan struct{}
	listStarted chan struct{}
}

func (b *fakeBackend) ListMessages(ctx context.Context, notebookID string) ([]backend.Message, error) {
	b.mu.Lock()
	msgs := slices.Clone(b.messages)
	gate, started := b.listGate, b.listStarted
	b.mu.Unlock()

	if gate != nil {
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return msgs, nil
}

func (b *fakeBackend) ClearMessages(ctx context.Context, notebookID string) error {
	b.mu.Lock()
	gate := b.clearGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.clears++
	if b.clearErr != nil {
		return b.clearErr
	}
	b.messages = nil
	return nil
}

func (b *fakeBackend) ListDocuments(ctx context.Context, notebookID string) ([]backend.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.documents), nil
}

func (b *fakeBackend) DeleteDocument(ctx context.Context, notebookID, documentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.documents = slices.DeleteFunc(b.documents, func(d backend.Document) bool { return d.ID == documentID })
	return nil
}

func (b *fakeBackend) setMessages(msgs ...backend.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = msgs
}

// updates collects observer updates on a channel.
type updates chan Update

func (u updates) await(tb testing.TB, kind UpdateKind) Update {
	tb.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case up := <-u:
			if up.Kind == kind {
				return up
			}
		case <-deadline:
			tb.Fatalf("no %s update", kind)
			return Update{}
		}
	}
}

func newTestSession(t *testing.T, mutate func(*Config)) (*Session, *fakeTransport, *fakeBackend, updates) {
	t.Helper()
	transport := newFakeTransport()
	fb := &fakeBackend{}

	config := DefaultConfig()
	config.NotebookID = "nb-1"
	config.Transport = transport
	config.Backend = fb
	config.Logger = logging.Discard()
	if mutate != nil {
		mutate(&config)
	}

	s, err := New(config)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	ch := make(updates, 256)
	s.Subscribe(func(u Update) { ch <- u })
	return s, transport, fb, ch
}

func msg(id string, role backend.Role, content string) backend.Message {
	return backend.Message{ID: id, Role: role, Content: content}
}

func waitIdle(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_Validation(t *testing.T) {
	transport := newFakeTransport()
	fb := &fakeBackend{}

	_, err := New(Config{Transport: transport, Backend: fb})
	assert.Error(t, err, "notebook id is required")

	_, err = New(Config{NotebookID: "nb", Backend: fb})
	assert.Error(t, err, "transport is required")

	_, err = New(Config{NotebookID: "nb", Transport: transport})
	assert.Error(t, err, "backend is required")
}

// =============================================================================
// Send
// =============================================================================

func TestSend_StreamsAnswerAndReloadsHistory(t *testing.T) {
	s, transport, fb, ups := newTestSession(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Send(ctx, "  capital of France?  "))
	src := transport.next(t)
	assert.Equal(t, "capital of France?", transport.lastQuery().Message)

	view := s.View()
	require.Len(t, view.Messages, 1)
	assert.Equal(t, backend.RoleUser, view.Messages[0].Role)
	assert.True(t, view.Streaming)

	records := []citations.Citation{
		{ID: "c1", DocumentOrder: 1, Score: 0.5},
		{ID: "c2", DocumentOrder: 1, Score: 0.9},
	}
	fb.setMessages(
		msg("u-1", backend.RoleUser, "capital of France?"),
		backend.Message{ID: "m-1", Role: backend.RoleAssistant, Content: "Paris [1]", Citations: records},
	)

	src.push("token", `{"text":"Paris "}`)
	up := ups.await(t, UpdateToken)
	assert.Equal(t, "Paris ", up.Token)
	assert.Equal(t, "Paris ", up.View.Partial)

	src.push("token", `{"text":"[1]"}`)
	src.push("citations", `{"records":[{"id":"c1","document_order":1,"score":0.5},{"id":"c2","document_order":1,"score":0.9}]}`)
	src.push("done", `{"message_id":"m-1"}`)

	done := ups.await(t, UpdateDone)
	assert.Equal(t, "m-1", done.MessageID)
	ups.await(t, UpdateRefreshed)
	waitIdle(t, s)

	view = s.View()
	assert.False(t, view.Streaming)
	assert.Empty(t, view.Partial)
	assert.Empty(t, view.PendingCitations)
	require.Len(t, view.Messages, 2)
	assert.Equal(t, "u-1", view.Messages[0].ID, "optimistic message replaced by the persisted one")
	assert.Equal(t, "m-1", view.Messages[1].ID)

	best := s.Citations("m-1")
	require.Len(t, best, 1)
	assert.Equal(t, "c2", best[0].ID)

	segments := s.Segments(view.Messages[1])
	require.Len(t, segments, 2)
	assert.Equal(t, citations.SegmentReference, segments[1].Kind)
	assert.Equal(t, "c2", segments[1].Citation.ID)
	assert.Zero(t, s.Registry().Len())
}

func TestSend_EmptyMessage(t *testing.T) {
	s, transport, _, _ := newTestSession(t, nil)

	assert.ErrorIs(t, s.Send(context.Background(), "   "), ErrEmptyMessage)
	assert.Zero(t, transport.connects())
	assert.Empty(t, s.View().Messages)
}

func TestSend_SupersedesPreviousStream(t *testing.T) {
	s, transport, _, ups := newTestSession(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Send(ctx, "first"))
	first := transport.next(t)
	first.push("token", `{"text":"old "}`)
	ups.await(t, UpdateToken)

	require.NoError(t, s.Send(ctx, "second"))
	second := transport.next(t)

	require.Eventually(t, first.isClosed, waitTimeout, time.Millisecond, "previous source is closed")
	assert.Equal(t, 1, s.Registry().Len(), "at most one stream is open")
	assert.Empty(t, s.View().Partial, "buffers reset for the new answer")

	second.push("token", `{"text":"new"}`)
	up := ups.await(t, UpdateToken)
	assert.Equal(t, "new", up.View.Partial)
}

func TestSend_UsesEffectiveSelectionAndMode(t *testing.T) {
	s, transport, fb, _ := newTestSession(t, func(c *Config) {
		c.TopicMode = "focused"
		c.Provider = "ollama"
		c.Model = "llama3"
	})
	fb.documents = []backend.Document{
		{ID: "d1", Order: 1}, {ID: "d2", Order: 2}, {ID: "d3", Order: 3},
	}
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	require.NoError(t, s.Send(ctx, "all"))
	transport.next(t)
	q := transport.lastQuery()
	assert.Equal(t, []string{"d1", "d2", "d3"}, q.Selection, "implicit all sends every document")
	assert.Equal(t, "focused", q.TopicMode)
	assert.Equal(t, "ollama", q.Provider)
	assert.Equal(t, "llama3", q.Model)

	s.ToggleDocument("d2")
	require.NoError(t, s.Send(ctx, "subset"))
	transport.next(t)
	assert.Equal(t, []string{"d1", "d3"}, transport.lastQuery().Selection)

	s.SelectNoDocuments()
	require.NoError(t, s.Send(ctx, "none"))
	transport.next(t)
	q = transport.lastQuery()
	assert.NotNil(t, q.Selection)
	assert.Empty(t, q.Selection)
	assert.Equal(t, "", q.Values().Get("documents"))
	assert.True(t, q.Values().Has("documents"), "explicit empty selection is sent")

	s.SelectAllDocuments()
	assert.Nil(t, s.View().Selection.Explicit)
}

// =============================================================================
// Stream errors
// =============================================================================

func TestStreamError_KeepsPartialByDefault(t *testing.T) {
	s, transport, _, ups := newTestSession(t, nil)

	require.NoError(t, s.Send(context.Background(), "hi"))
	src := transport.next(t)
	src.push("token", `{"text":"half an answer"}`)
	src.push("error", `{"message":"model crashed"}`)

	ups.await(t, UpdateError)
	waitIdle(t, s)

	view := s.View()
	assert.False(t, view.Streaming)
	assert.Equal(t, "half an answer", view.Partial)
	require.Error(t, view.LastError)
	assert.Contains(t, view.LastError.Error(), "model crashed")
	assert.Len(t, view.Messages, 1, "user message stays")
	assert.Zero(t, s.Registry().Len())
}

func TestStreamError_DiscardsPartialWhenConfigured(t *testing.T) {
	s, transport, _, ups := newTestSession(t, func(c *Config) { c.KeepPartialOnError = false })

	require.NoError(t, s.Send(context.Background(), "hi"))
	src := transport.next(t)
	src.push("token", `{"text":"half"}`)
	close(src.frames)

	up := ups.await(t, UpdateError)
	assert.Empty(t, up.View.Partial)
	assert.ErrorIs(t, up.View.LastError, stream.ErrStreamEnded)
}

// =============================================================================
// Clear
// =============================================================================

func TestClear_Success(t *testing.T) {
	s, transport, fb, ups := newTestSession(t, nil)
	ctx := context.Background()

	fb.setMessages(msg("u-1", backend.RoleUser, "hi"), msg("m-1", backend.RoleAssistant, "hello"))
	require.NoError(t, s.Refresh(ctx))
	require.Len(t, s.View().Messages, 2)

	require.NoError(t, s.Clear(ctx))
	ups.await(t, UpdateClearing)
	ups.await(t, UpdateCleared)

	view := s.View()
	assert.Empty(t, view.Messages)
	assert.False(t, view.Clearing)
	assert.Equal(t, 1, fb.clears)

	snap := s.Store().Snapshot()
	assert.False(t, snap.HasPendingClear())
	assert.NotZero(t, snap.LastCommittedClearMarker)

	require.NoError(t, s.Send(ctx, "after clear"))
	transport.next(t)
}

func TestClear_TearsDownStreamAndDropsLateEvents(t *testing.T) {
	s, transport, _, ups := newTestSession(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Send(ctx, "hi"))
	src := transport.next(t)
	src.push("token", `{"text":"before "}`)
	ups.await(t, UpdateToken)

	require.NoError(t, s.Clear(ctx))
	require.Eventually(t, src.isClosed, waitTimeout, time.Millisecond)
	assert.Zero(t, s.Registry().Len())

	src.push("token", `{"text":"late"}`)
	src.push("done", `{"message_id":"m-late"}`)
	waitIdle(t, s)

	view := s.View()
	assert.Empty(t, view.Messages)
	assert.Empty(t, view.Partial)
	assert.False(t, view.Streaming)
	assert.Nil(t, s.Citations("m-late"))
}

func TestClear_RejectsSendAndClearWhilePending(t *testing.T) {
	s, transport, fb, ups := newTestSession(t, nil)
	ctx := context.Background()

	gate := make(chan struct{})
	fb.clearGate = gate

	clearDone := make(chan error, 1)
	go func() { clearDone <- s.Clear(ctx) }()
	ups.await(t, UpdateClearing)
	assert.True(t, s.View().Clearing)

	assert.ErrorIs(t, s.Send(ctx, "too soon"), ErrClearing)
	assert.ErrorIs(t, s.Clear(ctx), ErrClearing)
	assert.Zero(t, transport.connects(), "rejected send makes no request")
	assert.Empty(t, s.View().Messages, "rejected send is not queued")

	close(gate)
	select {
	case err := <-clearDone:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("clear did not finish")
	}

	require.NoError(t, s.Send(ctx, "now"))
	transport.next(t)
	assert.Equal(t, 1, transport.connects())
}

func TestClear_FailureRestoresHistory(t *testing.T) {
	s, _, fb, ups := newTestSession(t, nil)
	ctx := context.Background()

	fb.setMessages(msg("u-1", backend.RoleUser, "hi"), msg("m-1", backend.RoleAssistant, "hello"))
	require.NoError(t, s.Refresh(ctx))
	fb.clearErr = errors.New("backend unavailable")

	err := s.Clear(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend unavailable")
	ups.await(t, UpdateClearFailed)

	view := s.View()
	assert.False(t, view.Clearing)
	require.Len(t, view.Messages, 2, "history reloaded after the failed clear")
	assert.Equal(t, "m-1", view.Messages[1].ID)
	require.Error(t, view.LastError)

	snap := s.Store().Snapshot()
	assert.False(t, snap.HasPendingClear())
	assert.Zero(t, snap.LastCommittedClearMarker)
}

func TestRefresh_DroppedWhenClearStartsMeanwhile(t *testing.T) {
	s, _, fb, _ := newTestSession(t, nil)
	ctx := context.Background()

	fb.setMessages(msg("u-1", backend.RoleUser, "old"))
	gate := make(chan struct{})
	fb.listGate = gate
	fb.listStarted = make(chan struct{}, 1)

	refreshDone := make(chan error, 1)
	go func() { refreshDone <- s.Refresh(ctx) }()
	select {
	case <-fb.listStarted:
	case <-time.After(waitTimeout):
		t.Fatal("refresh did not reach the backend")
	}

	require.NoError(t, s.Clear(ctx))
	close(gate)

	select {
	case err := <-refreshDone:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("refresh did not return")
	}
	assert.Empty(t, s.View().Messages, "pre-clear history is not resurrected")
}

func TestRefetch_LaterAnswerNotLostToEarlierReload(t *testing.T) {
	s, transport, fb, ups := newTestSession(t, nil)
	ctx := context.Background()

	gate := make(chan struct{})
	fb.listGate = gate
	fb.listStarted = make(chan struct{}, 8)

	// answer A finishes; its reload copies [uA mA] and is held
	require.NoError(t, s.Send(ctx, "first"))
	srcA := transport.next(t)
	fb.setMessages(msg("uA", backend.RoleUser, "first"), msg("mA", backend.RoleAssistant, "one"))
	srcA.push("done", `{"message_id":"mA"}`)
	ups.await(t, UpdateDone)
	select {
	case <-fb.listStarted:
	case <-time.After(waitTimeout):
		t.Fatal("reload after the first answer did not reach the backend")
	}

	// answer B finishes while A's reload is still in flight
	fb.setMessages(
		msg("uA", backend.RoleUser, "first"), msg("mA", backend.RoleAssistant, "one"),
		msg("uB", backend.RoleUser, "second"), msg("mB", backend.RoleAssistant, "two"),
	)
	require.NoError(t, s.Send(ctx, "second"))
	srcB := transport.next(t)
	srcB.push("token", `{"text":"two"}`)
	srcB.push("done", `{"message_id":"mB"}`)
	require.Equal(t, "mB", ups.await(t, UpdateDone).MessageID)

	// let B's reload reach the shared request before it returns
	time.Sleep(20 * time.Millisecond)
	close(gate)
	waitIdle(t, s)

	var ids []string
	for _, m := range s.View().Messages {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"uA", "mA", "uB", "mB"}, ids)
}

func TestSendAndClear_AtMostOneOpenStream(t *testing.T) {
	config := DefaultConfig()
	config.NotebookID = "nb-1"
	config.Transport = openTransport{}
	config.Backend = &fakeBackend{}
	config.Logger = logging.Discard()
	s, err := New(config)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	stop := make(chan struct{})
	maxOpen := make(chan int, 1)
	go func() {
		highest := 0
		for {
			if n := s.Registry().Len(); n > highest {
				highest = n
			}
			select {
			case <-stop:
				maxOpen <- highest
				return
			default:
			}
		}
	}()

	var sent atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				var err error
				if (g+i)%3 == 0 {
					err = s.Clear(ctx)
				} else if err = s.Send(ctx, "question"); err == nil {
					sent.Add(1)
				}
				if err != nil && !errors.Is(err, ErrClearing) {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(stop)

	assert.LessOrEqual(t, <-maxOpen, 1, "at most one stream is registered at any instant")
	assert.LessOrEqual(t, s.Registry().Len(), 1)
	assert.Positive(t, sent.Load())
}

// =============================================================================
// Topic mode, documents, observers, lifecycle
// =============================================================================

func TestSetTopicMode_AbandonsAnswerInProgress(t *testing.T) {
	s, transport, _, ups := newTestSession(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Send(ctx, "hi"))
	src := transport.next(t)
	src.push("token", `{"text":"partial"}`)
	ups.await(t, UpdateToken)

	s.SetTopicMode("broad")
	up := ups.await(t, UpdateMode)
	assert.Equal(t, "broad", up.View.TopicMode)
	assert.False(t, up.View.Streaming)
	assert.Empty(t, up.View.Partial)
	require.Eventually(t, src.isClosed, waitTimeout, time.Millisecond)

	require.NoError(t, s.Send(ctx, "again"))
	transport.next(t)
	assert.Equal(t, "broad", transport.lastQuery().TopicMode)
	assert.Equal(t, "broad", s.TopicMode())
}

func TestDocuments_DeleteReconcilesSelection(t *testing.T) {
	s, _, fb, _ := newTestSession(t, nil)
	ctx := context.Background()
	fb.documents = []backend.Document{{ID: "d1", Order: 1}, {ID: "d2", Order: 2}}
	require.NoError(t, s.Load(ctx))

	s.ToggleDocument("d1")
	s.ToggleDocument("d1")
	require.Equal(t, []string{"d2", "d1"}, s.View().Selection.Explicit)

	require.NoError(t, s.DeleteDocument(ctx, "d1"))
	view := s.View()
	require.Len(t, view.Documents, 1)
	assert.Equal(t, []string{"d2"}, view.Selection.Explicit)
	assert.Equal(t, []string{"d2"}, view.Selection.All)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	s, _, _, _ := newTestSession(t, nil)

	var mu sync.Mutex
	var kinds []UpdateKind
	unsubscribe := s.Subscribe(func(u Update) {
		mu.Lock()
		kinds = append(kinds, u.Kind)
		mu.Unlock()
	})

	s.SetTopicMode("broad")
	unsubscribe()
	unsubscribe()
	s.SetTopicMode("focused")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []UpdateKind{UpdateMode}, kinds)
}

func TestClose_StopsEverything(t *testing.T) {
	s, transport, _, _ := newTestSession(t, nil)

	require.NoError(t, s.Send(context.Background(), "hi"))
	src := transport.next(t)

	s.Close()
	s.Close()
	require.Eventually(t, src.isClosed, waitTimeout, time.Millisecond)
	assert.ErrorIs(t, s.Send(context.Background(), "after"), ErrClosed)
	assert.ErrorIs(t, s.Clear(context.Background()), ErrClosed)
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrClosed)
}

func TestSend_RecordsSpan(t *testing.T) {
	s, transport, _, _ := newTestSession(t, nil)

	require.NoError(t, s.Send(context.Background(), "traced"))
	transport.next(t)

	var found bool
	for _, span := range spanRecorder.Ended() {
		if span.Name() != "chat.Send" {
			continue
		}
		for _, kv := range span.Attributes() {
			if kv.Key == "chat.notebook_id" && kv.Value.AsString() == "nb-1" {
				found = true
			}
		}
	}
	assert.True(t, found, "chat.Send span with notebook id")
}
