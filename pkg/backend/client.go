// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package backend is the REST client for the notebook service: notebooks,
// documents, persisted messages, notes and saved citations. Answers are
// not produced here; they arrive over the push channel in package stream.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/notebookchat/pkg/logging"
	"github.com/AleutianAI/notebookchat/pkg/telemetry"
)

// =============================================================================
// INTERFACES
// =============================================================================

// HTTPClient abstracts *http.Client so tests can inject transports.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// ERRORS
// =============================================================================

// APIError is returned for any response outside the 2xx range.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if body == "" {
		body = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s %s: server error (%d): %s", e.Method, e.Path, e.StatusCode, body)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4096

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config configures a Client.
type Config struct {
	// BaseURL of the notebook service, e.g. "http://localhost:8080".
	BaseURL string `validate:"required,url"`

	// HTTPClient used for requests. Default: http.Client with Timeout.
	HTTPClient HTTPClient

	// Timeout of the default HTTP client. Default: 30s.
	Timeout time.Duration

	// RequestsPerSecond paces outgoing requests. Zero disables pacing.
	RequestsPerSecond float64 `validate:"gte=0"`

	// Burst is the limiter bucket size. Default: 1 when pacing.
	Burst int `validate:"gte=0"`

	Logger *logging.Logger
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the notebook service REST API. Safe for concurrent use.
type Client struct {
	baseURL  string
	http     HTTPClient
	limiter  *rate.Limiter
	validate *validator.Validate
	logger   *logging.Logger
}

// New creates a Client.
//
// # Description
//
// Validates config, applies defaults and builds the request limiter.
// With RequestsPerSecond at zero the limiter never blocks.
//
// # Inputs
//
//   - config: BaseURL is required; everything else has a default.
//
// # Outputs
//
//   - *Client: Ready to use.
//   - error: Non-nil if config fails validation.
func New(config Config) (*Client, error) {
	v := validator.New()
	if err := v.StructPartial(config, "BaseURL", "RequestsPerSecond", "Burst"); err != nil {
		return nil, fmt.Errorf("backend: invalid config: %w", err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	burst := config.Burst
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
		if burst <= 0 {
			burst = 1
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		http:     httpClient,
		limiter:  rate.NewLimiter(limit, burst),
		validate: v,
		logger:   logger.With("component", "backend_client"),
	}, nil
}

// BaseURL returns the normalised service URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// -----------------------------------------------------------------------------
// Notebooks
// -----------------------------------------------------------------------------

// ListNotebooks returns every notebook.
func (c *Client) ListNotebooks(ctx context.Context) ([]Notebook, error) {
	var out []Notebook
	err := c.doJSON(ctx, http.MethodGet, "/api/notebooks", nil, &out)
	return out, err
}

// CreateNotebook creates a notebook named name.
func (c *Client) CreateNotebook(ctx context.Context, name string) (*Notebook, error) {
	req := CreateNotebookRequest{Name: name}
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("create notebook: %w", err)
	}
	var out Notebook
	if err := c.doJSON(ctx, http.MethodPost, "/api/notebooks", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteNotebook deletes a notebook and everything in it.
func (c *Client) DeleteNotebook(ctx context.Context, notebookID string) error {
	return c.doJSON(ctx, http.MethodDelete, notebookPath(notebookID), nil, nil)
}

// -----------------------------------------------------------------------------
// Documents
// -----------------------------------------------------------------------------

// ListDocuments returns the notebook's documents in citation order.
func (c *Client) ListDocuments(ctx context.Context, notebookID string) ([]Document, error) {
	var out []Document
	err := c.doJSON(ctx, http.MethodGet, notebookPath(notebookID)+"/documents", nil, &out)
	return out, err
}

// UploadDocument uploads content as a multipart "file" field.
func (c *Client) UploadDocument(ctx context.Context, notebookID, filename string, content io.Reader) (*Document, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, errors.New("upload document: filename is required")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("upload document: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("upload document: read content: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("upload document: %w", err)
	}

	var out Document
	path := notebookPath(notebookID) + "/documents"
	if err := c.do(ctx, http.MethodPost, path, mw.FormDataContentType(), &buf, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteDocument removes one document.
func (c *Client) DeleteDocument(ctx context.Context, notebookID, documentID string) error {
	path := notebookPath(notebookID) + "/documents/" + url.PathEscape(documentID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// ReorderDocuments sets the citation order of the notebook's documents
// and returns them in the new order.
func (c *Client) ReorderDocuments(ctx context.Context, notebookID string, order []string) ([]Document, error) {
	req := ReorderDocumentsRequest{Order: order}
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("reorder documents: %w", err)
	}
	var out []Document
	err := c.doJSON(ctx, http.MethodPut, notebookPath(notebookID)+"/documents/order", req, &out)
	return out, err
}

// -----------------------------------------------------------------------------
// Messages
// -----------------------------------------------------------------------------

// ListMessages returns the persisted conversation, oldest first.
func (c *Client) ListMessages(ctx context.Context, notebookID string) ([]Message, error) {
	var out []Message
	err := c.doJSON(ctx, http.MethodGet, notebookPath(notebookID)+"/messages", nil, &out)
	return out, err
}

// CreateMessage persists one message outside the streaming flow.
func (c *Client) CreateMessage(ctx context.Context, notebookID string, req CreateMessageRequest) (*Message, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	var out Message
	if err := c.doJSON(ctx, http.MethodPost, notebookPath(notebookID)+"/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteMessage removes one message.
func (c *Client) DeleteMessage(ctx context.Context, notebookID, messageID string) error {
	path := notebookPath(notebookID) + "/messages/" + url.PathEscape(messageID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// ClearMessages deletes the whole conversation of a notebook.
func (c *Client) ClearMessages(ctx context.Context, notebookID string) error {
	return c.doJSON(ctx, http.MethodDelete, notebookPath(notebookID)+"/messages", nil, nil)
}

// -----------------------------------------------------------------------------
// Notes
// -----------------------------------------------------------------------------

// ListNotes returns the notebook's notes.
func (c *Client) ListNotes(ctx context.Context, notebookID string) ([]Note, error) {
	var out []Note
	err := c.doJSON(ctx, http.MethodGet, notebookPath(notebookID)+"/notes", nil, &out)
	return out, err
}

// CreateNote adds a note.
func (c *Client) CreateNote(ctx context.Context, notebookID string, req CreateNoteRequest) (*Note, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("create note: %w", err)
	}
	var out Note
	if err := c.doJSON(ctx, http.MethodPost, notebookPath(notebookID)+"/notes", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteNote removes a note.
func (c *Client) DeleteNote(ctx context.Context, notebookID, noteID string) error {
	path := notebookPath(notebookID) + "/notes/" + url.PathEscape(noteID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// -----------------------------------------------------------------------------
// Saved citations
// -----------------------------------------------------------------------------

// ListSavedCitations returns the notebook's bookmarked citations.
func (c *Client) ListSavedCitations(ctx context.Context, notebookID string) ([]SavedCitation, error) {
	var out []SavedCitation
	err := c.doJSON(ctx, http.MethodGet, notebookPath(notebookID)+"/citations", nil, &out)
	return out, err
}

// SaveCitation bookmarks a citation from an answer.
func (c *Client) SaveCitation(ctx context.Context, notebookID string, req SaveCitationRequest) (*SavedCitation, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("save citation: %w", err)
	}
	var out SavedCitation
	if err := c.doJSON(ctx, http.MethodPost, notebookPath(notebookID)+"/citations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSavedCitation removes a bookmark.
func (c *Client) DeleteSavedCitation(ctx context.Context, notebookID, savedID string) error {
	path := notebookPath(notebookID) + "/citations/" + url.PathEscape(savedID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// =============================================================================
// TRANSPORT HELPERS
// =============================================================================

func notebookPath(notebookID string) string {
	return "/api/notebooks/" + url.PathEscape(notebookID)
}

// doJSON encodes in (when non-nil) as the request body and decodes the
// response into out (when non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s %s: encode request: %w", method, path, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, contentType, body, out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: build request: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	telemetry.InjectContext(ctx, req.Header)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("backend request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
