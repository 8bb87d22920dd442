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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/notebookchat/services/devserver"
)

const demoNotebookName = "Demo"

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	cfg := cli.Config.DevServer
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Addr = addr
	}

	srv := devserver.New(devserver.Config{
		TokenDelay:        cfg.TokenDelay,
		KeepAliveInterval: cfg.KeepAliveInterval,
		Logger:            cli.Logger,
	})
	if seed, _ := cmd.Flags().GetBool("seed"); seed && len(cfg.Seed) > 0 {
		nb := srv.Store().Seed(demoNotebookName, cfg.Seed...)
		cli.Printer.Info(fmt.Sprintf("seeded notebook %q (%s) with %d documents", nb.Name, nb.ID, len(cfg.Seed)))
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	cli.Printer.Success("development backend listening on " + cfg.Addr)
	cli.Logger.Info("dev server started", "addr", cfg.Addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	cli.Logger.Info("dev server stopped")
	return nil
}
