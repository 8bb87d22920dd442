// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/notebookchat/pkg/citations"
)

// EventType is the name of a push-channel frame.
type EventType string

const (
	EventToken     EventType = "token"
	EventCitations EventType = "citations"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// ErrStreamEnded is reported when the connection closes without a done
// frame.
var ErrStreamEnded = errors.New("stream: connection closed before done")

// ServerError is carried by an error frame sent by the backend.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return "stream: server aborted the answer"
	}
	return "stream: server error: " + e.Message
}

// Event is a decoded push-channel frame.
type Event struct {
	Type EventType

	// Text is set for token events.
	Text string

	// Citations is set for citations events.
	Citations []citations.Citation

	// MessageID is the persisted assistant message ID, set for done events.
	MessageID string

	// Err is set for error events.
	Err error

	// Index is the 0-based position of the event within its stream.
	Index int
}

// IsTerminal reports whether the event ends the stream.
func (e Event) IsTerminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

type tokenPayload struct {
	Text string `json:"text"`
}

type citationsPayload struct {
	Records []citations.Citation `json:"records"`
}

type donePayload struct {
	MessageID string `json:"message_id"`
}

type errorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// DecodeFrame converts a frame into an Event. ok is false for frames the
// client does not understand (keep-alives, unknown event names); those
// are skipped rather than treated as errors.
//
// Unnamed frames whose JSON carries a "type" field are accepted too, so
// backends that multiplex on a single "message" event still work.
func DecodeFrame(f Frame) (ev Event, ok bool, err error) {
	name := f.Name
	if name == "" || name == "message" {
		var probe struct {
			Type string `json:"type"`
		}
		if len(f.Data) == 0 || json.Unmarshal(f.Data, &probe) != nil || probe.Type == "" {
			return Event{}, false, nil
		}
		name = probe.Type
	}

	switch EventType(name) {
	case EventToken:
		var p tokenPayload
		if err := unmarshal(f, &p); err != nil {
			return Event{}, false, err
		}
		return Event{Type: EventToken, Text: p.Text}, true, nil

	case EventCitations:
		var p citationsPayload
		if err := unmarshal(f, &p); err != nil {
			return Event{}, false, err
		}
		return Event{Type: EventCitations, Citations: p.Records}, true, nil

	case EventDone:
		var p donePayload
		if len(f.Data) > 0 {
			if err := unmarshal(f, &p); err != nil {
				return Event{}, false, err
			}
		}
		return Event{Type: EventDone, MessageID: p.MessageID}, true, nil

	case EventError:
		var p errorPayload
		if len(f.Data) > 0 {
			_ = json.Unmarshal(f.Data, &p)
		}
		msg := p.Message
		if msg == "" {
			msg = p.Error
		}
		return Event{Type: EventError, Err: &ServerError{Message: msg}}, true, nil
	}

	return Event{}, false, nil
}

func unmarshal(f Frame, v any) error {
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s frame: %w", f.Name, err)
	}
	return nil
}
