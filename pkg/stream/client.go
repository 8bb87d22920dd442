// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stream opens push-channel connections for chat queries and
// delivers their decoded events to caller handlers.
//
// The layering follows the CLI streaming path:
//
//	Transport (SSE / WebSocket) → FrameSource → DecodeFrame → staleness gate → Handlers
//
// Every open stream is tracked in a Registry so a clear can tear all of
// them down at once. Each event is checked against the session Store
// under a caller-supplied lock before its handler runs; the same lock
// must be held by whoever calls Store.BeginClear, which makes "check then
// apply" atomic with respect to a clear starting.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AleutianAI/notebookchat/pkg/citations"
	"github.com/AleutianAI/notebookchat/pkg/logging"
	"github.com/AleutianAI/notebookchat/pkg/session"
)

// ErrInvalidQuery wraps validation failures from Open.
var ErrInvalidQuery = errors.New("stream: invalid query")

// =============================================================================
// Handlers
// =============================================================================

// Handlers receive the events of one stream. Each handler runs with the
// client's lock held, on the stream's reader goroutine, and must not
// block or take that lock again. Nil handlers are skipped.
type Handlers struct {
	OnToken     func(text string)
	OnCitations func(records []citations.Citation)
	OnDone      func(messageID string)
	OnError     func(err error)
}

// =============================================================================
// State
// =============================================================================

// State is the lifecycle state of one stream.
type State int32

const (
	StateOpen State = iota
	StateStreaming
	StateDone
	StateError
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the stream has ended.
func (s State) IsTerminal() bool {
	return s >= StateDone
}

// =============================================================================
// Client
// =============================================================================

// ClientConfig configures a Client. Transport and Store are required.
type ClientConfig struct {
	Transport Transport
	Store     *session.Store

	// Registry tracks open streams. Default: a new Registry.
	Registry *Registry

	// Lock serialises staleness checks and handler calls. Share it with
	// the code that calls Store.BeginClear. Default: a private mutex.
	Lock sync.Locker

	Logger *logging.Logger
}

// Client opens streams. Safe for concurrent use.
type Client struct {
	transport Transport
	store     *session.Store
	registry  *Registry
	lock      sync.Locker
	logger    *logging.Logger
	validate  *validator.Validate
}

// NewClient creates a Client from config.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Transport == nil {
		return nil, errors.New("stream: transport is required")
	}
	if config.Store == nil {
		return nil, errors.New("stream: session store is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registry := config.Registry
	if registry == nil {
		registry = NewRegistry(logger)
	}
	lock := config.Lock
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &Client{
		transport: config.Transport,
		store:     config.Store,
		registry:  registry,
		lock:      lock,
		logger:    logger.With("component", "stream_client"),
		validate:  validator.New(),
	}, nil
}

// Registry returns the registry the client registers streams in.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Open starts a stream for q and returns its handle immediately. The
// connection is established on the stream's goroutine; connection
// failures arrive as an error event.
//
// The stream lives until a terminal event, Handle.Close, a registry
// teardown, or cancellation of ctx. Pass a context that outlives the
// call site, not a request-scoped one.
func (c *Client) Open(ctx context.Context, q Query, h Handlers) (*Handle, error) {
	if err := c.validate.Struct(q); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	handle := &Handle{
		id:       uuid.New().String(),
		start:    c.store.NextMarker(),
		client:   c,
		query:    q,
		handlers: h,
		ctx:      streamCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	c.registry.Register(handle.id, handle.Close)
	streamsOpened.WithLabelValues(transportLabel(c.transport)).Inc()

	c.logger.Debug("stream opened",
		"stream_id", handle.id,
		"marker", handle.start,
		"notebook_id", q.NotebookID,
		"documents", len(q.Selection),
	)

	go handle.run()
	return handle, nil
}

// =============================================================================
// Handle
// =============================================================================

// Handle is one open stream.
type Handle struct {
	id       string
	start    session.Marker
	client   *Client
	query    Query
	handlers Handlers

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	src    FrameSource
	closed bool

	state    atomic.Int32
	stopOnce sync.Once
	err      error
	done     chan struct{}
}

// ID returns the registry key of the stream.
func (h *Handle) ID() string { return h.id }

// StartMarker returns the marker issued when the stream was opened.
func (h *Handle) StartMarker() session.Marker { return h.start }

// State returns the current lifecycle state.
func (h *Handle) State() State { return State(h.state.Load()) }

// Done is closed when the stream's goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the stream's goroutine has exited.
func (h *Handle) Wait() { <-h.done }

// Err returns the terminal error of a stream that ended in StateError.
// Only meaningful after Done is closed.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

// Close cancels the stream. It never blocks on the reader goroutine and
// is safe to call any number of times, before the first frame or after
// termination.
func (h *Handle) Close() {
	h.stop(StateCancelled)
}

// stop moves the stream to a terminal state exactly once: the first
// caller decides the state.
func (h *Handle) stop(final State) {
	h.stopOnce.Do(func() {
		h.state.Store(int32(final))

		h.mu.Lock()
		h.closed = true
		src := h.src
		h.mu.Unlock()

		h.cancel()
		if src != nil {
			if err := src.Close(); err != nil {
				h.client.logger.Debug("stream source close failed", "stream_id", h.id, "error", err)
			}
		}
		h.client.registry.Unregister(h.id)
		recordTerminal(final)
	})
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// attach stores the connected source unless the stream was closed while
// connecting, in which case the source is closed immediately.
func (h *Handle) attach(src FrameSource) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = src.Close()
		return false
	}
	h.src = src
	h.mu.Unlock()
	return true
}

func (h *Handle) run() {
	defer close(h.done)

	src, err := h.client.transport.Connect(h.ctx, h.query)
	if err != nil {
		h.fail(err)
		return
	}
	if !h.attach(src) {
		return
	}

	for index := 0; ; index++ {
		frame, err := src.Next(h.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamEnded
			}
			h.fail(err)
			return
		}

		ev, ok, err := DecodeFrame(frame)
		if err != nil {
			h.fail(err)
			return
		}
		if !ok {
			index--
			continue
		}
		ev.Index = index

		if h.dispatch(ev) {
			return
		}
	}
}

// fail delivers a synthetic error event unless the stream was already
// cancelled, in which case the read error is just the cancellation.
func (h *Handle) fail(err error) {
	if h.isClosed() {
		h.stop(StateCancelled)
		return
	}
	h.client.logger.Debug("stream transport failed", "stream_id", h.id, "error", err)
	h.dispatch(Event{Type: EventError, Err: err})
}

// dispatch gates ev and runs its handler. It reports whether the stream
// has ended.
func (h *Handle) dispatch(ev Event) bool {
	c := h.client
	c.lock.Lock()
	defer c.lock.Unlock()

	if h.isClosed() {
		recordEvent(ev.Type, outcomeCancelled)
		return true
	}

	stale := c.store.IsStale(h.start)

	switch ev.Type {
	case EventToken, EventCitations:
		if stale {
			recordEvent(ev.Type, outcomeStale)
			c.logger.Debug("dropped stale event", "stream_id", h.id, "type", ev.Type, "marker", h.start)
			return false
		}
		h.state.CompareAndSwap(int32(StateOpen), int32(StateStreaming))
		recordEvent(ev.Type, outcomeApplied)
		if ev.Type == EventToken && h.handlers.OnToken != nil {
			h.handlers.OnToken(ev.Text)
		}
		if ev.Type == EventCitations && h.handlers.OnCitations != nil {
			h.handlers.OnCitations(ev.Citations)
		}
		return false

	case EventDone:
		// Cleanup does not depend on the filter's verdict.
		h.stop(StateDone)
		if stale {
			recordEvent(ev.Type, outcomeStale)
			return true
		}
		recordEvent(ev.Type, outcomeApplied)
		if h.handlers.OnDone != nil {
			h.handlers.OnDone(ev.MessageID)
		}
		return true

	case EventError:
		h.err = ev.Err
		h.stop(StateError)
		if stale {
			recordEvent(ev.Type, outcomeStale)
			return true
		}
		recordEvent(ev.Type, outcomeApplied)
		c.logger.Warn("stream failed", "stream_id", h.id, "error", ev.Err)
		if h.handlers.OnError != nil {
			h.handlers.OnError(ev.Err)
		}
		return true
	}

	return false
}
