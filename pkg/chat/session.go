// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chat coordinates one notebook conversation: sending messages
// over a push stream, clearing the conversation, and reconciling the
// local transcript with the backend.
//
// # Architecture
//
//	Send  → close previous Handle → optimistic user message → stream.Client.Open
//	Clear → Store.BeginClear → Registry.CloseAll → reset → Backend.ClearMessages
//	      → Store.FinishClear | Store.FailClear + refetch
//
// A single mutex guards the transcript. The stream client is given the
// same mutex, so a stream event is checked against the clear markers and
// applied without a clear being able to start in between.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/notebookchat/pkg/backend"
	"github.com/AleutianAI/notebookchat/pkg/citations"
	"github.com/AleutianAI/notebookchat/pkg/logging"
	"github.com/AleutianAI/notebookchat/pkg/selection"
	"github.com/AleutianAI/notebookchat/pkg/session"
	"github.com/AleutianAI/notebookchat/pkg/stream"
	"github.com/AleutianAI/notebookchat/pkg/telemetry"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrClearing is returned by Send and Clear while a clear is pending.
	ErrClearing = errors.New("chat: conversation is being cleared")

	// ErrEmptyMessage is returned by Send for blank input.
	ErrEmptyMessage = errors.New("chat: message is empty")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("chat: session closed")
)

// =============================================================================
// INTERFACES
// =============================================================================

// Backend is the part of the notebook REST API a Session uses.
// *backend.Client satisfies it.
type Backend interface {
	ListMessages(ctx context.Context, notebookID string) ([]backend.Message, error)
	ClearMessages(ctx context.Context, notebookID string) error
	ListDocuments(ctx context.Context, notebookID string) ([]backend.Document, error)
	DeleteDocument(ctx context.Context, notebookID, documentID string) error
}

var _ Backend = (*backend.Client)(nil)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config configures a Session.
type Config struct {
	NotebookID string

	// TopicMode, Provider and Model are forwarded with every query.
	TopicMode string
	Provider  string
	Model     string

	// KeepPartialOnError keeps the text received before a stream failed
	// visible as View.Partial. Default: true.
	KeepPartialOnError bool

	Transport stream.Transport
	Backend   Backend

	// Store holds the clear markers. Default: a new Store.
	Store *session.Store

	Logger *logging.Logger
}

// DefaultConfig returns a Config with defaults applied. NotebookID,
// Transport and Backend still need to be set.
func DefaultConfig() Config {
	return Config{KeepPartialOnError: true}
}

// =============================================================================
// SESSION
// =============================================================================

// Session is the controller for one notebook conversation. All methods
// are safe for concurrent use.
type Session struct {
	config   Config
	logger   *logging.Logger
	store    *session.Store
	registry *stream.Registry
	client   *stream.Client
	backend  Backend
	sel      *selection.Selection
	book     *citations.Book
	refetchG singleflight.Group

	// lifetime of streams and background refetches
	ctx    context.Context
	cancel context.CancelFunc

	unsubscribeStore func()

	mu        sync.Mutex
	closed    bool
	topicMode string
	messages  []backend.Message
	partial   strings.Builder
	pending   []citations.Citation
	lastErr   error
	current   *stream.Handle
	tokens    int
	documents []backend.Document

	// the optimistic user message of the answer in progress
	inflightUser *backend.Message

	// background history reloads; reloadIdle is closed when the count
	// drops back to zero
	reloads    int
	reloadIdle chan struct{}

	observers map[uint64]ViewObserver
	nextObsID uint64
}

// New creates a Session.
//
// # Description
//
// Wires a stream client to the session's mutex and store, and starts
// with an empty transcript. Call Load to fetch documents and history.
//
// # Inputs
//
//   - config: NotebookID, Transport and Backend are required.
//
// # Outputs
//
//   - *Session: Ready to use. Call Close when done.
//   - error: Non-nil if config is invalid.
func New(config Config) (*Session, error) {
	if err := validator.New().Var(config.NotebookID, "required"); err != nil {
		return nil, fmt.Errorf("chat: notebook id: %w", err)
	}
	if config.Transport == nil {
		return nil, errors.New("chat: transport is required")
	}
	if config.Backend == nil {
		return nil, errors.New("chat: backend is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With("notebook_id", config.NotebookID)

	store := config.Store
	if store == nil {
		store = session.NewStore(session.WithLogger(logger))
	}

	s := &Session{
		config:    config,
		logger:    logger,
		store:     store,
		backend:   config.Backend,
		sel:       selection.New(nil),
		book:      citations.NewBook(),
		topicMode: config.TopicMode,
		observers: make(map[uint64]ViewObserver),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.registry = stream.NewRegistry(logger)

	client, err := stream.NewClient(stream.ClientConfig{
		Transport: config.Transport,
		Store:     store,
		Registry:  s.registry,
		Lock:      &s.mu,
		Logger:    logger,
	})
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("chat: %w", err)
	}
	s.client = client

	s.unsubscribeStore = store.Subscribe(func(t session.Transition) {
		logger.Debug("clear state changed",
			"transition", t.Kind,
			"marker", t.Marker,
			"committed", t.State.LastCommittedClearMarker,
		)
	})

	return s, nil
}

// Store returns the session's clear-marker store.
func (s *Session) Store() *session.Store { return s.store }

// Registry returns the registry of open streams.
func (s *Session) Registry() *stream.Registry { return s.registry }

// -----------------------------------------------------------------------------
// Observers
// -----------------------------------------------------------------------------

// Subscribe registers obs for every subsequent update. The returned
// function removes it and is safe to call more than once.
func (s *Session) Subscribe(obs ViewObserver) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = obs
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

// publishLocked delivers an update. Caller holds s.mu.
func (s *Session) publishLocked(u Update) {
	if len(s.observers) == 0 {
		return
	}
	u.View = s.viewLocked()
	ids := make([]uint64, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		s.observers[id](u)
	}
}

// -----------------------------------------------------------------------------
// View
// -----------------------------------------------------------------------------

// View returns a copy of the current state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() View {
	snap := s.store.Snapshot()
	v := View{
		NotebookID:       s.config.NotebookID,
		TopicMode:        s.topicMode,
		Messages:         append([]backend.Message(nil), s.messages...),
		Partial:          s.partial.String(),
		PendingCitations: append([]citations.Citation(nil), s.pending...),
		Streaming:        s.current != nil,
		Clearing:         snap.IsClearing,
		LastError:        s.lastErr,
		Documents:        append([]backend.Document(nil), s.documents...),
		Selection:        s.sel.Snapshot(),
	}
	return v
}

// Citations returns the deduplicated citations of a completed answer.
func (s *Session) Citations(messageID string) []citations.Citation {
	return s.book.Get(messageID)
}

// Segments splits a message into literal text and resolved references.
func (s *Session) Segments(m backend.Message) []citations.Segment {
	records := s.book.Get(m.ID)
	if records == nil {
		records = m.Citations
	}
	return citations.ParseMarkers(m.Content, records)
}

// -----------------------------------------------------------------------------
// Send
// -----------------------------------------------------------------------------

// Send asks the backend to answer text.
//
// # Description
//
// Rejected with ErrClearing while a clear is pending; nothing is queued
// and no request is made. Otherwise the previous stream (if any) is
// closed, the transient buffers are reset, an optimistic user message is
// appended and a new stream is opened with the effective selection.
// Send returns once the stream is open; the answer arrives through view
// updates.
//
// # Inputs
//
//   - ctx: Used for tracing only. The stream outlives the call.
//   - text: Message text. Blank text returns ErrEmptyMessage.
//
// # Outputs
//
//   - error: ErrClearing, ErrEmptyMessage, ErrClosed, or a stream error.
func (s *Session) Send(ctx context.Context, text string) (err error) {
	ctx, span := tracer.Start(ctx, "chat.Send",
		trace.WithAttributes(attribute.String("chat.notebook_id", s.config.NotebookID)),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	text = strings.TrimSpace(text)
	if text == "" {
		sendsTotal.WithLabelValues("rejected_empty").Inc()
		return ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.store.Snapshot().IsClearing {
		sendsTotal.WithLabelValues("rejected_clearing").Inc()
		s.logger.Debug("send rejected while clearing")
		return ErrClearing
	}

	s.closeCurrentLocked()
	s.resetTransientLocked()

	user := backend.Message{
		ID:        "local-" + uuid.New().String(),
		Role:      backend.RoleUser,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	}
	s.messages = append(s.messages, user)
	s.inflightUser = &user

	docs := s.sel.Effective()
	query := stream.Query{
		NotebookID: s.config.NotebookID,
		Message:    text,
		TopicMode:  s.topicMode,
		Selection:  docs,
		Provider:   s.config.Provider,
		Model:      s.config.Model,
	}

	// The stream lives as long as the session but carries this trace.
	streamCtx := trace.ContextWithSpanContext(s.ctx, span.SpanContext())

	var handle *stream.Handle
	handle, err = s.client.Open(streamCtx, query, s.streamHandlers(&handle))
	if err != nil {
		s.messages = s.messages[:len(s.messages)-1]
		s.inflightUser = nil
		sendsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("open stream: %w", err)
	}
	s.current = handle

	span.SetAttributes(
		attribute.String("chat.stream_id", handle.ID()),
		attribute.Int64("chat.marker", int64(handle.StartMarker())),
		attribute.Int("chat.documents", len(docs)),
	)
	sendsTotal.WithLabelValues("accepted").Inc()
	telemetry.LoggerWithTrace(ctx, s.logger).Info("message sent",
		"stream_id", handle.ID(),
		"marker", handle.StartMarker(),
		"documents", len(docs),
		"topic_mode", s.topicMode,
	)
	s.publishLocked(Update{Kind: UpdateSent})
	return nil
}

// streamHandlers builds the handlers of one stream. They run with s.mu
// held. handle is filled in by Send before the lock is released, so it is
// always set by the time a handler runs.
func (s *Session) streamHandlers(handle **stream.Handle) stream.Handlers {
	return stream.Handlers{
		OnToken: func(text string) {
			s.partial.WriteString(text)
			s.tokens++
			s.publishLocked(Update{Kind: UpdateToken, Token: text})
		},
		OnCitations: func(records []citations.Citation) {
			s.pending = append(s.pending, records...)
			s.publishLocked(Update{Kind: UpdateCitations})
		},
		OnDone: func(messageID string) {
			h := *handle
			s.finishAnswerLocked(h, messageID)
		},
		OnError: func(err error) {
			h := *handle
			if s.current == h {
				s.current = nil
			}
			s.inflightUser = nil
			s.lastErr = err
			if !s.config.KeepPartialOnError {
				s.partial.Reset()
			}
			s.pending = nil
			recordAnswer(s.ctx, "error", s.tokens)
			s.publishLocked(Update{Kind: UpdateError})
		},
	}
}

// finishAnswerLocked turns the streamed buffers into an assistant message
// and schedules a history reload gated on the stream's start marker.
func (s *Session) finishAnswerLocked(h *stream.Handle, messageID string) {
	if messageID == "" {
		messageID = "local-" + uuid.New().String()
	}
	records := citations.Dedupe(s.pending)
	answer := backend.Message{
		ID:        messageID,
		Role:      backend.RoleAssistant,
		Content:   s.partial.String(),
		CreatedAt: time.Now().UTC(),
		Citations: records,
	}
	s.messages = append(s.messages, answer)
	s.book.Attach(messageID, records)

	if s.current == h {
		s.current = nil
	}
	s.inflightUser = nil
	recordAnswer(s.ctx, "done", s.tokens)
	s.partial.Reset()
	s.pending = nil
	s.tokens = 0

	s.publishLocked(Update{Kind: UpdateDone, MessageID: messageID})

	if s.closed {
		return
	}
	gate := h.StartMarker()
	s.beginReloadLocked()
	go func() {
		defer s.endReload()
		if err := s.refetch(s.ctx, gate); err != nil {
			s.logger.Warn("history reload after answer failed", "error", err)
		}
	}()
}

func (s *Session) beginReloadLocked() {
	if s.reloads == 0 {
		s.reloadIdle = make(chan struct{})
	}
	s.reloads++
}

func (s *Session) endReload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads--
	if s.reloads == 0 {
		close(s.reloadIdle)
		s.reloadIdle = nil
	}
}

// reloadsIdle returns a channel closed once no background reload is
// running, or nil if none is.
func (s *Session) reloadsIdle() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reloadIdle == nil {
		return nil
	}
	return s.reloadIdle
}

// closeCurrentLocked closes the stream in progress, if any.
func (s *Session) closeCurrentLocked() {
	if s.current != nil {
		s.current.Close()
		s.current = nil
	}
}

// resetTransientLocked empties the per-answer buffers.
func (s *Session) resetTransientLocked() {
	s.partial.Reset()
	s.pending = nil
	s.lastErr = nil
	s.tokens = 0
}

// -----------------------------------------------------------------------------
// Clear
// -----------------------------------------------------------------------------

// Clear deletes the conversation.
//
// # Description
//
// Under the session lock: begins a clear in the store, tears down every
// open stream and empties the local transcript. The backend call runs
// without the lock. On success the clear is committed. On failure it is
// abandoned, the history is reloaded and the error is returned.
//
// # Inputs
//
//   - ctx: Bounds the backend calls.
//
// # Outputs
//
//   - error: ErrClearing if a clear is already pending, ErrClosed, or
//     the wrapped backend error.
func (s *Session) Clear(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "chat.Clear",
		trace.WithAttributes(attribute.String("chat.notebook_id", s.config.NotebookID)),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	marker, err := s.store.BeginClear()
	if err != nil {
		s.mu.Unlock()
		recordClear("rejected", 0)
		return fmt.Errorf("%w: %w", ErrClearing, err)
	}
	closed := s.registry.CloseAll()
	s.current = nil
	s.inflightUser = nil
	s.messages = nil
	s.resetTransientLocked()
	s.book.Reset()
	s.publishLocked(Update{Kind: UpdateClearing})
	s.mu.Unlock()

	span.SetAttributes(
		attribute.Int64("chat.clear_marker", int64(marker)),
		attribute.Int("chat.streams_closed", closed),
	)
	telemetry.LoggerWithTrace(ctx, s.logger).Info("clearing conversation", "marker", marker, "streams_closed", closed)

	start := time.Now()
	clearErr := s.backend.ClearMessages(ctx, s.config.NotebookID)
	elapsed := time.Since(start)

	s.mu.Lock()
	if clearErr == nil {
		s.store.FinishClear(marker)
		recordClear("success", elapsed)
		s.publishLocked(Update{Kind: UpdateCleared})
		s.mu.Unlock()
		s.logger.Info("conversation cleared", "marker", marker)
		return nil
	}
	s.store.FailClear(marker)
	s.lastErr = clearErr
	recordClear("failure", elapsed)
	s.publishLocked(Update{Kind: UpdateClearFailed})
	gate := s.store.NextMarker()
	s.mu.Unlock()

	s.logger.Warn("clear failed, reloading history", "marker", marker, "error", clearErr)
	if rerr := s.refetch(ctx, gate); rerr != nil {
		s.logger.Warn("history reload after failed clear failed", "error", rerr)
	}
	return fmt.Errorf("clear conversation: %w", clearErr)
}

// -----------------------------------------------------------------------------
// History
// -----------------------------------------------------------------------------

// Refresh reloads the persisted history.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	gate := s.store.NextMarker()
	s.mu.Unlock()
	return s.refetch(ctx, gate)
}

// listing is one shared ListMessages call and the marker issued when it
// started.
type listing struct {
	messages []backend.Message
	issued   session.Marker
}

// refetch loads the history and applies it unless a clear began after
// gate was issued. Concurrent reloads within the same clear epoch share
// one request, but only one that started after this reload was asked
// for: an older request may predate the answer being persisted.
func (s *Session) refetch(ctx context.Context, gate session.Marker) (err error) {
	ctx, span := tracer.Start(ctx, "chat.refetch",
		trace.WithAttributes(attribute.Int64("chat.gate", int64(gate))),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	requested := s.store.NextMarker()
	var fetched []backend.Message
	for {
		key := fmt.Sprintf("messages:%d", s.store.Snapshot().Watermark())
		v, err, shared := s.refetchG.Do(key, func() (any, error) {
			issued := s.store.NextMarker()
			msgs, err := s.backend.ListMessages(ctx, s.config.NotebookID)
			return listing{messages: msgs, issued: issued}, err
		})
		span.SetAttributes(attribute.Bool("chat.shared", shared))
		if err != nil {
			refetchesTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("list messages: %w", err)
		}
		l := v.(listing)
		if l.issued > requested {
			fetched = l.messages
			break
		}
		refetchesTotal.WithLabelValues("reissued").Inc()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if s.store.IsStale(gate) {
		refetchesTotal.WithLabelValues("stale").Inc()
		span.SetAttributes(attribute.Bool("chat.stale", true))
		s.logger.Debug("dropped stale history", "gate", gate)
		return nil
	}

	msgs := append([]backend.Message(nil), fetched...)
	if s.inflightUser != nil && !endsWithUser(msgs, s.inflightUser.Content) {
		msgs = append(msgs, *s.inflightUser)
	}
	s.messages = msgs

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
		if len(m.Citations) > 0 {
			s.book.Attach(m.ID, citations.Dedupe(m.Citations))
		}
	}
	s.book.Retain(ids)

	refetchesTotal.WithLabelValues("applied").Inc()
	s.publishLocked(Update{Kind: UpdateRefreshed})
	return nil
}

func endsWithUser(msgs []backend.Message, content string) bool {
	if len(msgs) == 0 {
		return false
	}
	last := msgs[len(msgs)-1]
	return last.Role == backend.RoleUser && last.Content == content
}

// -----------------------------------------------------------------------------
// Topic mode and documents
// -----------------------------------------------------------------------------

// SetTopicMode switches the topic mode for subsequent sends. An answer in
// progress is abandoned and the transient buffers are reset; the
// persisted conversation is left alone.
func (s *Session) SetTopicMode(mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || mode == s.topicMode {
		return
	}
	s.topicMode = mode
	s.closeCurrentLocked()
	s.inflightUser = nil
	s.resetTransientLocked()
	s.logger.Info("topic mode changed", "topic_mode", mode)
	s.publishLocked(Update{Kind: UpdateMode})
}

// TopicMode returns the current topic mode.
func (s *Session) TopicMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topicMode
}

// Load fetches documents and history.
func (s *Session) Load(ctx context.Context) error {
	if err := s.RefreshDocuments(ctx); err != nil {
		return err
	}
	return s.Refresh(ctx)
}

// RefreshDocuments reloads the notebook's documents and reconciles the
// selection with them.
func (s *Session) RefreshDocuments(ctx context.Context) error {
	docs, err := s.backend.ListDocuments(ctx, s.config.NotebookID)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.documents = docs
	s.sel.SetAll(ids)
	s.publishLocked(Update{Kind: UpdateDocuments})
	return nil
}

// DeleteDocument deletes a document and reloads the document set.
func (s *Session) DeleteDocument(ctx context.Context, documentID string) error {
	if err := s.backend.DeleteDocument(ctx, s.config.NotebookID, documentID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return s.RefreshDocuments(ctx)
}

// ToggleDocument flips one document in or out of the selection.
func (s *Session) ToggleDocument(documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sel.Toggle(documentID)
	s.publishLocked(Update{Kind: UpdateDocuments})
}

// SelectAllDocuments returns to the implicit all-documents selection.
func (s *Session) SelectAllDocuments() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sel.SelectAll()
	s.publishLocked(Update{Kind: UpdateDocuments})
}

// SelectNoDocuments selects nothing; answers then draw on no documents.
func (s *Session) SelectNoDocuments() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sel.SelectNone()
	s.publishLocked(Update{Kind: UpdateDocuments})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Wait blocks until the answer in progress (if any) has ended and its
// history reload has been applied, or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	h := s.current
	s.mu.Unlock()

	if h != nil {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	idle := s.reloadsIdle()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down every stream and waits for background reloads. The
// session cannot be used afterwards. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	n := s.registry.CloseAll()
	s.current = nil
	s.cancel()
	s.mu.Unlock()

	s.unsubscribeStore()
	if idle := s.reloadsIdle(); idle != nil {
		<-idle
	}
	s.logger.Debug("session closed", "streams_closed", n)
}
