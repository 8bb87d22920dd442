// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package devserver is a self-contained notebook backend for local
// development and integration tests.
//
// It serves the REST resources the backend client consumes and streams
// scripted answers over SSE and WebSocket. Answers are deterministic and
// cite the selected documents, so client behaviour can be asserted end to
// end. Fault injection hooks make the awkward cases reproducible: failing
// or slow clears, streams that abort mid-answer, and answers held open
// before their terminal frame.
package devserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/notebookchat/pkg/logging"
	"github.com/AleutianAI/notebookchat/pkg/telemetry"
)

// Config configures a Server.
type Config struct {
	// ServiceName names the server in traces. Default: notebookd.
	ServiceName string

	// TokenDelay is the pause before each token frame.
	TokenDelay time.Duration

	// KeepAliveInterval is the period of keep-alive frames on open
	// streams. Zero disables them.
	KeepAliveInterval time.Duration

	// Logger receives request logs. Default: logging.Discard().
	Logger *logging.Logger
}

// Server is the development backend.
type Server struct {
	config   Config
	store    *Store
	logger   *logging.Logger
	validate *validator.Validate
	engine   *gin.Engine

	mu              sync.Mutex
	clearFailures   int
	clearFailStatus int
	clearGate       chan struct{}
	streamFailAfter int
	streamFailMsg   string
	streamGate      chan struct{}
}

// New creates a server backed by an empty store.
func New(config Config) *Server {
	if config.ServiceName == "" {
		config.ServiceName = "notebookd"
	}
	if config.Logger == nil {
		config.Logger = logging.Discard()
	}

	s := &Server{
		config:          config,
		store:           NewStore(),
		logger:          config.Logger,
		validate:        validator.New(),
		streamFailAfter: -1,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(config.ServiceName))
	router.Use(requestLogger(s.logger))
	s.setupRoutes(router)
	s.engine = router
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Store returns the backing store for seeding and assertions.
func (s *Server) Store() *Store {
	return s.store
}

func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	metrics := telemetry.MetricsHandler()
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	router.GET("/metrics", gin.WrapH(metrics))

	notebooks := router.Group("/api/notebooks")
	{
		notebooks.GET("", s.listNotebooks)
		notebooks.POST("", s.createNotebook)
		notebooks.DELETE("/:notebookId", s.deleteNotebook)

		notebooks.GET("/:notebookId/documents", s.listDocuments)
		notebooks.POST("/:notebookId/documents", s.uploadDocument)
		notebooks.PUT("/:notebookId/documents/order", s.reorderDocuments)
		notebooks.DELETE("/:notebookId/documents/:documentId", s.deleteDocument)

		notebooks.GET("/:notebookId/messages", s.listMessages)
		notebooks.POST("/:notebookId/messages", s.createMessage)
		notebooks.DELETE("/:notebookId/messages", s.clearMessages)
		notebooks.DELETE("/:notebookId/messages/:messageId", s.deleteMessage)

		notebooks.GET("/:notebookId/notes", s.listNotes)
		notebooks.POST("/:notebookId/notes", s.createNote)
		notebooks.DELETE("/:notebookId/notes/:noteId", s.deleteNote)

		notebooks.GET("/:notebookId/citations", s.listSavedCitations)
		notebooks.POST("/:notebookId/citations", s.saveCitation)
		notebooks.DELETE("/:notebookId/citations/:savedId", s.deleteSavedCitation)

		notebooks.GET("/:notebookId/chat/stream", s.streamSSE)
		notebooks.GET("/:notebookId/chat/ws", s.streamWebSocket)
	}
}

// requestLogger logs one line per request once the handler returns.
func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		telemetry.LoggerWithTrace(c.Request.Context(), logger).Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// =============================================================================
// Fault Injection
// =============================================================================

// FailClears makes the next n clear requests fail with status.
func (s *Server) FailClears(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearFailures = n
	s.clearFailStatus = status
}

// HoldClears blocks clear requests until release is called. Held requests
// also return when the client disconnects.
func (s *Server) HoldClears() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.clearGate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.clearGate == gate {
				s.clearGate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// FailNextStream makes the next answer stream send an error frame with
// message after afterTokens token frames.
func (s *Server) FailNextStream(afterTokens int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamFailAfter = afterTokens
	s.streamFailMsg = message
}

// HoldStreams pauses answer streams after their citations frame until
// release is called. The assistant message is not persisted while held.
func (s *Server) HoldStreams() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.streamGate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.streamGate == gate {
				s.streamGate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// takeClearFault consumes one injected clear failure. It returns the gate
// to wait on, if any, and the status to fail with, or 0.
func (s *Server) takeClearFault() (gate chan struct{}, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clearFailures > 0 {
		s.clearFailures--
		status = s.clearFailStatus
	}
	return s.clearGate, status
}

// takeStreamFault consumes the injected stream failure. failAfter is -1
// when the stream should complete.
func (s *Server) takeStreamFault() (gate chan struct{}, failAfter int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	failAfter, message = s.streamFailAfter, s.streamFailMsg
	s.streamFailAfter, s.streamFailMsg = -1, ""
	return s.streamGate, failAfter, message
}
