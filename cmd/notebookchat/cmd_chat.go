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
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/notebookchat/pkg/ux"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func runChatCommand(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	notebookID, err := cli.ResolveNotebook(ctx, firstArg(args))
	if err != nil {
		return err
	}
	session, err := cli.OpenSession(ctx, notebookID)
	if err != nil {
		return err
	}
	defer session.Close()

	runner := NewChatRunner(ChatRunnerConfig{
		Session: session,
		Backend: cli.Backend,
		Input:   NewInteractiveInputReader(100),
		Printer: cli.Printer,
		Logger:  cli.Logger,
	})
	defer runner.Close()

	return runner.Run(ctx)
}

func runAskCommand(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	notebookID, err := cli.ResolveNotebook(ctx, "")
	if err != nil {
		return err
	}
	session, err := cli.OpenSession(ctx, notebookID)
	if err != nil {
		return err
	}
	defer session.Close()

	runner := NewChatRunner(ChatRunnerConfig{
		Session: session,
		Printer: cli.Printer,
		Logger:  cli.Logger,
	})
	defer runner.Close()

	return runner.Ask(ctx, strings.Join(args, " "))
}

func runClearCommand(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	notebookID, err := cli.ResolveNotebook(ctx, firstArg(args))
	if err != nil {
		return err
	}

	yes, _ := cmd.Flags().GetBool("yes")
	if !yes && ux.IsInteractive() {
		cli.Printer.Raw(fmt.Sprintf("Delete the conversation of notebook %s? [y/N] ", notebookID))
		answer, err := NewStdinReader(os.Stdin).ReadLine()
		if err != nil {
			return err
		}
		if !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
			cli.Printer.Muted("aborted")
			return nil
		}
	}

	session, err := cli.OpenSession(ctx, notebookID)
	if err != nil {
		return err
	}
	defer session.Close()

	return ux.WithSpinner(cli.Printer, "clear conversation", func() error {
		return session.Clear(ctx)
	})
}
