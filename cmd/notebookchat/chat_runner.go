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
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/AleutianAI/notebookchat/pkg/backend"
	"github.com/AleutianAI/notebookchat/pkg/chat"
	"github.com/AleutianAI/notebookchat/pkg/citations"
	"github.com/AleutianAI/notebookchat/pkg/logging"
	"github.com/AleutianAI/notebookchat/pkg/ux"
)

const replHelp = `Commands:
  /clear          clear the conversation
  /mode [name]    show or switch the topic mode
  /docs           list documents and the selection
  /toggle <n|id>  add or remove a document from the selection
  /all            select every document
  /none           select no documents
  /save <n>       bookmark citation [n] of the last answer
  /history        print the conversation
  /help           show this help
  /quit           leave`

// ChatRunner is the interactive chat loop over one Session.
//
// # Description
//
// Each input line is either a slash command or a message. Messages are
// sent and the runner waits for the answer to end before reading the
// next line. Outside machine mode tokens are printed as they arrive;
// in machine mode the finished answer is printed in one piece.
//
// # Thread Safety
//
// Run must be called from one goroutine. The view observer runs on the
// session's stream goroutine and only touches fields guarded by mu.
type ChatRunner struct {
	session *chat.Session
	backend *backend.Client
	input   InputReader
	printer *ux.Printer
	logger  *logging.Logger

	mu           sync.Mutex
	live         bool // tokens of the current answer are printed live
	printedLabel bool
	lastAnswerID string

	unsubscribe func()
}

// ChatRunnerConfig configures a ChatRunner.
type ChatRunnerConfig struct {
	Session *chat.Session

	// Backend is used for /save. Optional.
	Backend *backend.Client

	Input   InputReader
	Printer *ux.Printer
	Logger  *logging.Logger
}

// NewChatRunner creates a runner and subscribes it to the session.
func NewChatRunner(config ChatRunnerConfig) *ChatRunner {
	logger := config.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	printer := config.Printer
	if printer == nil {
		printer = ux.NewPrinter(nil, nil)
	}
	r := &ChatRunner{
		session: config.Session,
		backend: config.Backend,
		input:   config.Input,
		printer: printer,
		logger:  logger,
	}
	r.unsubscribe = config.Session.Subscribe(r.observe)
	return r
}

// observe prints live tokens. It runs with the session lock held and
// must not call back into the session.
func (r *ChatRunner) observe(u chat.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch u.Kind {
	case chat.UpdateToken:
		if !r.live {
			return
		}
		if !r.printedLabel {
			r.printer.Raw(ux.RoleLabel(backend.RoleAssistant) + "\n")
			r.printedLabel = true
		}
		r.printer.Raw(u.Token)
	case chat.UpdateDone:
		r.lastAnswerID = u.MessageID
	}
}

// Run reads lines until /quit, EOF or ctx is done.
func (r *ChatRunner) Run(ctx context.Context) error {
	r.printHeader()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if p, ok := r.input.(PromptingInputReader); ok {
			p.SetPrompt(r.prompt())
		} else if ux.GetPersonality().Level != ux.PersonalityMachine {
			r.printer.Raw(r.prompt())
		}

		line, err := r.input.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := r.handleCommand(ctx, line)
			if err != nil {
				r.printer.Error(err.Error())
			}
			if quit {
				return nil
			}
			continue
		}

		if err := r.Ask(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.printer.Error(err.Error())
		}
	}
}

// Close detaches the runner from the session.
func (r *ChatRunner) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
}

func (r *ChatRunner) prompt() string {
	if mode := r.session.TopicMode(); mode != "" {
		return fmt.Sprintf("[%s] > ", mode)
	}
	return "> "
}

func (r *ChatRunner) printHeader() {
	view := r.session.View()
	r.printer.Title("Notebook " + view.NotebookID)
	r.printer.Raw(ux.RenderDocuments(view.Documents, view.Selection) + "\n")
	if len(view.Messages) > 0 {
		r.printer.Raw(ux.RenderTranscript(r.session, view.Messages) + "\n")
	}
	r.printer.Muted("Type /help for commands.")
}

// Ask sends one message and blocks until its answer has ended, then
// prints the answer (or what survived of it) and its citations.
func (r *ChatRunner) Ask(ctx context.Context, text string) error {
	r.mu.Lock()
	r.live = ux.ShouldShowProgress()
	r.printedLabel = false
	r.lastAnswerID = ""
	r.mu.Unlock()

	if err := r.session.Send(ctx, text); err != nil {
		if errors.Is(err, chat.ErrClearing) {
			return errors.New("the conversation is being cleared; message not sent")
		}
		return err
	}
	if err := r.session.Wait(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	live, printedLabel, answerID := r.live, r.printedLabel, r.lastAnswerID
	r.live = false
	r.mu.Unlock()

	view := r.session.View()
	if live && printedLabel {
		r.printer.Raw("\n")
	}

	if view.LastError != nil {
		if !live && view.Partial != "" {
			r.printer.Raw(ux.RenderPartial(view.Partial) + "\n")
		}
		return fmt.Errorf("answer failed: %w", view.LastError)
	}

	msg, ok := findMessage(view.Messages, answerID)
	if !ok {
		// superseded, e.g. by a mode switch from another goroutine
		return nil
	}
	if live {
		if ux.GetPersonality().ShowFooter {
			if footer := ux.RenderFooter(r.session.Citations(msg.ID)); footer != "" {
				r.printer.Raw(footer + "\n")
			}
		}
		return nil
	}
	r.printer.Raw(ux.RenderMessage(r.session, msg) + "\n")
	return nil
}

func findMessage(messages []backend.Message, id string) (backend.Message, bool) {
	if id == "" {
		return backend.Message{}, false
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].ID == id {
			return messages[i], true
		}
	}
	return backend.Message{}, false
}

// handleCommand runs a slash command. quit reports /quit.
func (r *ChatRunner) handleCommand(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]

	switch name {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		r.printer.Raw(replHelp + "\n")

	case "/clear":
		// WithSpinner reports the outcome itself
		_ = ux.WithSpinner(r.printer, "clear conversation", func() error {
			return r.session.Clear(ctx)
		})

	case "/mode":
		if len(args) == 0 {
			mode := r.session.TopicMode()
			if mode == "" {
				mode = "(default)"
			}
			r.printer.Info("topic mode: " + mode)
			return false, nil
		}
		mode := strings.Join(args, " ")
		if mode == "default" {
			mode = ""
		}
		r.session.SetTopicMode(mode)
		r.printer.Success("topic mode set to " + strings.Join(args, " "))

	case "/docs":
		if err := r.session.RefreshDocuments(ctx); err != nil {
			return false, err
		}
		r.printDocuments()

	case "/toggle":
		if len(args) != 1 {
			return false, errors.New("usage: /toggle <number|id>")
		}
		id, err := r.documentID(args[0])
		if err != nil {
			return false, err
		}
		r.session.ToggleDocument(id)
		r.printDocuments()

	case "/all":
		r.session.SelectAllDocuments()
		r.printDocuments()

	case "/none":
		r.session.SelectNoDocuments()
		r.printDocuments()

	case "/save":
		return false, r.saveCitation(ctx, args)

	case "/history":
		view := r.session.View()
		if len(view.Messages) == 0 {
			r.printer.Muted("(no messages)")
			return false, nil
		}
		r.printer.Raw(ux.RenderTranscript(r.session, view.Messages) + "\n")

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

func (r *ChatRunner) printDocuments() {
	view := r.session.View()
	r.printer.Raw(ux.RenderDocuments(view.Documents, view.Selection) + "\n")
}

// documentID resolves a citation number or a document id.
func (r *ChatRunner) documentID(ref string) (string, error) {
	docs := r.session.View().Documents
	if n, err := strconv.Atoi(ref); err == nil {
		for _, d := range docs {
			if d.Order == n {
				return d.ID, nil
			}
		}
		return "", fmt.Errorf("no document number %d", n)
	}
	for _, d := range docs {
		if d.ID == ref {
			return d.ID, nil
		}
	}
	return "", fmt.Errorf("no document %q", ref)
}

// saveCitation bookmarks citation [n] of the most recent answer.
func (r *ChatRunner) saveCitation(ctx context.Context, args []string) error {
	if r.backend == nil {
		return errors.New("saving citations is not available")
	}
	if len(args) != 1 {
		return errors.New("usage: /save <n>")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("usage: /save <n>: %w", err)
	}

	view := r.session.View()
	var answer *backend.Message
	for i := len(view.Messages) - 1; i >= 0; i-- {
		if view.Messages[i].Role == backend.RoleAssistant {
			answer = &view.Messages[i]
			break
		}
	}
	if answer == nil {
		return errors.New("no answer to cite yet")
	}

	var found *citations.Citation
	for _, c := range r.session.Citations(answer.ID) {
		if c.DocumentOrder == n {
			c := c
			found = &c
			break
		}
	}
	if found == nil {
		return fmt.Errorf("the last answer has no citation [%d]", n)
	}

	if _, err := r.backend.SaveCitation(ctx, view.NotebookID, backend.SaveCitationRequest{
		MessageID: answer.ID,
		Citation:  *found,
	}); err != nil {
		return err
	}
	r.printer.Success(fmt.Sprintf("saved [%d] %s", n, found.Filename))
	return nil
}
