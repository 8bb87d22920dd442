// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/notebookchat/cmd/notebookchat/config"
	"github.com/AleutianAI/notebookchat/pkg/backend"
	"github.com/AleutianAI/notebookchat/pkg/chat"
	"github.com/AleutianAI/notebookchat/pkg/logging"
	"github.com/AleutianAI/notebookchat/pkg/stream"
	"github.com/AleutianAI/notebookchat/pkg/ux"
)

// errNoNotebook is returned when no notebook was named and none can be
// picked automatically.
var errNoNotebook = errors.New("no notebook selected: pass --notebook or set chat.notebook in the config")

// App holds what every command needs: configuration, output, and a
// client for the notebook service.
type App struct {
	Config  config.NotebookChatConfig
	Logger  *logging.Logger
	Printer *ux.Printer
	Backend *backend.Client

	// streamClient carries push streams. It has no timeout.
	streamClient *http.Client
}

// NewApp builds the backend client from cfg.
func NewApp(cfg config.NotebookChatConfig, logger *logging.Logger, printer *ux.Printer) (*App, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if printer == nil {
		printer = ux.NewPrinter(nil, nil)
	}

	client, err := backend.New(backend.Config{
		BaseURL:           cfg.Backend.BaseURL,
		Timeout:           cfg.Backend.Timeout,
		RequestsPerSecond: cfg.Backend.RequestsPerSecond,
		Burst:             cfg.Backend.Burst,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		Config:       cfg,
		Logger:       logger,
		Printer:      printer,
		Backend:      client,
		streamClient: &http.Client{},
	}, nil
}

// Transport returns the push transport named by the config.
func (a *App) Transport() stream.Transport {
	if a.Config.Backend.Transport == config.TransportWebSocket {
		return stream.NewWebSocketTransport(a.Config.Backend.BaseURL, websocket.DefaultDialer)
	}
	return stream.NewSSETransport(a.Config.Backend.BaseURL, a.streamClient)
}

// OpenSession creates a chat session for notebookID and loads its
// documents and history. The caller must Close it.
func (a *App) OpenSession(ctx context.Context, notebookID string) (*chat.Session, error) {
	cfg := chat.DefaultConfig()
	cfg.NotebookID = notebookID
	cfg.TopicMode = a.Config.Chat.TopicMode
	cfg.Provider = a.Config.Chat.Provider
	cfg.Model = a.Config.Chat.Model
	cfg.KeepPartialOnError = a.Config.Chat.KeepPartialOnError
	cfg.Transport = a.Transport()
	cfg.Backend = a.Backend
	cfg.Logger = a.Logger

	s, err := chat.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Load(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("load notebook %s: %w", notebookID, err)
	}
	return s, nil
}

// ResolveNotebook maps a notebook id or name to an id.
//
// # Description
//
// ref falls back to the configured default notebook. With neither, the
// only notebook on the server is used if there is exactly one.
// Names match case-insensitively.
//
// # Outputs
//
//   - string: The notebook id.
//   - error: errNoNotebook, a not-found error, or a backend error.
func (a *App) ResolveNotebook(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		ref = a.Config.Chat.Notebook
	}

	notebooks, err := a.Backend.ListNotebooks(ctx)
	if err != nil {
		return "", fmt.Errorf("list notebooks: %w", err)
	}

	if ref == "" {
		if len(notebooks) == 1 {
			return notebooks[0].ID, nil
		}
		return "", errNoNotebook
	}

	for _, nb := range notebooks {
		if nb.ID == ref {
			return nb.ID, nil
		}
	}
	for _, nb := range notebooks {
		if strings.EqualFold(nb.Name, ref) {
			return nb.ID, nil
		}
	}
	return "", fmt.Errorf("notebook %q not found", ref)
}
