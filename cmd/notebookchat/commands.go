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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/notebookchat/cmd/notebookchat/config"
	"github.com/AleutianAI/notebookchat/pkg/logging"
	"github.com/AleutianAI/notebookchat/pkg/telemetry"
	"github.com/AleutianAI/notebookchat/pkg/ux"
)

// --- Global Command Variables ---
var (
	configPath       string
	baseURL          string
	transportName    string
	notebookRef      string
	topicMode        string
	logLevel         string
	personalityLevel string // UX personality level (full/minimal/machine)

	// set by PersistentPreRunE
	cli               *App
	telemetryShutdown func(context.Context) error

	rootCmd = &cobra.Command{
		Use:   "notebookchat",
		Short: "Chat with the documents of a notebook",
		Long: `notebookchat streams answers grounded in a notebook's documents,
with [N] references to the cited documents and a source list
under every answer.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// --- Chat ---
	chatCmd = &cobra.Command{
		Use:   "chat [notebook]",
		Short: "Start an interactive chat with a notebook",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runChatCommand, // Defined in cmd_chat.go
	}
	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question and print the answer with its sources",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAskCommand, // Defined in cmd_chat.go
	}
	clearCmd = &cobra.Command{
		Use:   "clear [notebook]",
		Short: "Delete a notebook's conversation history",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runClearCommand, // Defined in cmd_chat.go
	}

	// --- Notebooks ---
	notebooksCmd = &cobra.Command{
		Use:     "notebooks",
		Aliases: []string{"nb"},
		Short:   "List notebooks",
		Args:    cobra.NoArgs,
		RunE:    runListNotebooks, // Defined in cmd_notebooks.go
	}
	notebookCreateCmd = &cobra.Command{
		Use:   "create [name]",
		Short: "Create a notebook",
		Args:  cobra.ExactArgs(1),
		RunE:  runCreateNotebook,
	}
	notebookDeleteCmd = &cobra.Command{
		Use:   "delete [notebook]",
		Short: "Delete a notebook and everything in it",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeleteNotebook,
	}

	// --- Documents ---
	docsCmd = &cobra.Command{
		Use:   "docs",
		Short: "List the documents of a notebook in citation order",
		Args:  cobra.NoArgs,
		RunE:  runListDocuments, // Defined in cmd_notebooks.go
	}
	docsUploadCmd = &cobra.Command{
		Use:   "upload [file...]",
		Short: "Upload documents to a notebook",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runUploadDocuments,
	}
	docsDeleteCmd = &cobra.Command{
		Use:   "delete [number|id]",
		Short: "Delete a document; later documents are renumbered",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeleteDocument,
	}
	docsOrderCmd = &cobra.Command{
		Use:   "order [number|id...]",
		Short: "Reorder documents; every document must be listed once",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runReorderDocuments,
	}

	// --- Notes and saved citations ---
	notesCmd = &cobra.Command{
		Use:   "notes",
		Short: "List a notebook's notes",
		Args:  cobra.NoArgs,
		RunE:  runListNotes, // Defined in cmd_notebooks.go
	}
	notesAddCmd = &cobra.Command{
		Use:   "add [title] [content...]",
		Short: "Add a note",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAddNote,
	}
	savedCmd = &cobra.Command{
		Use:   "saved",
		Short: "List bookmarked citations",
		Args:  cobra.NoArgs,
		RunE:  runListSavedCitations,
	}

	// --- Development backend ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the in-memory development backend",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}
)

func init() {
	rootCmd.PersistentPreRunE = setup

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default ~/.notebookchat/notebookchat.yaml)")
	pf.StringVar(&baseURL, "base-url", "", "Notebook service URL (overrides backend.base_url)")
	pf.StringVar(&transportName, "transport", "", "Push transport: sse or websocket")
	pf.StringVarP(&notebookRef, "notebook", "n", "", "Notebook id or name")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&personalityLevel, "personality", "",
		"Output style: full, minimal, machine (env: NOTEBOOKCHAT_PERSONALITY)")

	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&topicMode, "mode", "m", "", "Topic mode forwarded with every message")

	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVarP(&topicMode, "mode", "m", "", "Topic mode forwarded with the message")

	rootCmd.AddCommand(clearCmd)
	clearCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	rootCmd.AddCommand(notebooksCmd)
	notebooksCmd.AddCommand(notebookCreateCmd)
	notebooksCmd.AddCommand(notebookDeleteCmd)

	rootCmd.AddCommand(docsCmd)
	docsCmd.AddCommand(docsUploadCmd)
	docsCmd.AddCommand(docsDeleteCmd)
	docsCmd.AddCommand(docsOrderCmd)

	rootCmd.AddCommand(notesCmd)
	notesCmd.AddCommand(notesAddCmd)
	rootCmd.AddCommand(savedCmd)

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (overrides dev_server.addr)")
	serveCmd.Flags().Bool("seed", true, "Create a demo notebook with sample documents")
}

// setup loads the config, applies flag overrides and builds the App.
func setup(cmd *cobra.Command, _ []string) error {
	var (
		cfg config.NotebookChatConfig
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		err = config.Load()
		cfg = config.Global
	}
	if err != nil {
		return err
	}
	applyFlags(&cfg)
	if err := config.Validate(cfg); err != nil {
		return err
	}

	switch {
	case personalityLevel != "":
		ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
	case cfg.Chat.Personality != "":
		ux.SetPersonalityLevel(ux.ParsePersonalityLevel(cfg.Chat.Personality))
	default:
		ux.InitPersonality()
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.LogDir,
		Service: "notebookchat",
		JSON:    cfg.Logging.JSON,
		// log lines would interleave with streamed tokens
		Quiet: cmd == chatCmd,
	})

	telemetryShutdown, err = telemetry.Init(cmd.Context(), cfg.Telemetry)
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
	}

	cli, err = NewApp(cfg, logger, ux.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr()))
	if err != nil {
		return fmt.Errorf("backend client: %w", err)
	}
	return nil
}

func applyFlags(cfg *config.NotebookChatConfig) {
	if baseURL != "" {
		cfg.Backend.BaseURL = baseURL
	}
	if transportName != "" {
		cfg.Backend.Transport = transportName
	}
	if notebookRef != "" {
		cfg.Chat.Notebook = notebookRef
	}
	if topicMode != "" {
		cfg.Chat.TopicMode = topicMode
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}
