// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"sync"
	"time"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner shows a one-line progress animation while a blocking call runs,
// e.g. a conversation clear.
type Spinner struct {
	printer  *Printer
	interval time.Duration

	mu      sync.Mutex
	message string
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewSpinner creates a spinner printing through p.
func NewSpinner(p *Printer, message string) *Spinner {
	return &Spinner{printer: p, message: message, interval: 80 * time.Millisecond}
}

// Start begins the animation. In machine mode the message is printed once.
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	if !ShouldShowProgress() {
		fmt.Fprintf(s.printer.Out, "PROGRESS: %s\n", s.currentMessage())
		close(done)
		return
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for frame := 0; ; frame = (frame + 1) % len(spinnerFrames) {
			select {
			case <-stop:
				fmt.Fprint(s.printer.Out, "\r\033[K")
				return
			case <-ticker.C:
				fmt.Fprintf(s.printer.Out, "\r%s %s", Styles.Highlight.Render(spinnerFrames[frame]), s.currentMessage())
			}
		}
	}()
}

// Stop halts the animation and clears its line. Safe to call when not
// running.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
}

// UpdateMessage changes the message while running
func (s *Spinner) UpdateMessage(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

func (s *Spinner) currentMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.message
}

// WithSpinner runs fn behind a spinner and reports the outcome.
func WithSpinner(p *Printer, message string, fn func() error) error {
	spin := NewSpinner(p, message)
	spin.Start()
	err := fn()
	spin.Stop()

	if err != nil {
		p.Error(fmt.Sprintf("%s: %v", message, err))
		return err
	}
	p.Success(message)
	return nil
}
