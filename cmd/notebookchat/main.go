// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command notebookchat chats with a notebook's documents from the
// terminal. Answers stream in with inline [N] references to the
// notebook's documents; `notebookchat serve` runs a local development
// backend.
package main

import (
	"context"
	"os"
	"time"

	"github.com/AleutianAI/notebookchat/pkg/ux"
)

func main() {
	// Execute the root command. Cobra handles parsing the arguments.
	err := rootCmd.Execute()
	shutdown()
	if err != nil {
		ux.NewPrinter(nil, nil).Error(err.Error())
		os.Exit(1)
	}
}

// shutdown flushes telemetry and closes the logger.
func shutdown() {
	if telemetryShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetryShutdown(ctx)
	}
	if cli != nil {
		_ = cli.Logger.Close()
	}
}
