// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// maxFrameLine bounds a single SSE line. Citation frames carry full
// snippets and can exceed bufio's 64KB default.
const maxFrameLine = 4 << 20

// Frame is one dispatched Server-Sent Events block.
//
// SSE format (https://html.spec.whatwg.org/multipage/server-sent-events.html):
//
//	event: token
//	data: {"text":"Hel"}
//
//	event: done
//	data: {"message_id":"m-1"}
//
// A blank line dispatches the accumulated fields. Multiple data lines are
// joined with "\n". Lines starting with ":" are comments.
type Frame struct {
	Name string
	Data []byte
	ID   string
}

// FrameReader decodes SSE frames from a byte stream, one at a time and
// in order. It holds no goroutines; the caller drives it with Next.
type FrameReader struct {
	scanner *bufio.Scanner
}

// NewFrameReader wraps r. The caller remains responsible for closing r.
func NewFrameReader(r io.Reader) *FrameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameLine)
	return &FrameReader{scanner: scanner}
}

// Next returns the next non-empty frame. It returns io.EOF once the
// underlying reader is exhausted; a trailing frame with no closing blank
// line is still dispatched.
func (fr *FrameReader) Next() (Frame, error) {
	var (
		name    string
		id      string
		data    bytes.Buffer
		hasData bool
	)

	dispatch := func() (Frame, bool) {
		if !hasData && name == "" {
			return Frame{}, false
		}
		return Frame{Name: name, Data: bytes.Clone(data.Bytes()), ID: id}, true
	}

	for fr.scanner.Scan() {
		line := strings.TrimSuffix(fr.scanner.Text(), "\r")

		if line == "" {
			if f, ok := dispatch(); ok {
				return f, nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitField(line)
		switch field {
		case "event":
			name = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			id = value
		}
	}

	if err := fr.scanner.Err(); err != nil {
		return Frame{}, err
	}
	if f, ok := dispatch(); ok {
		return f, nil
	}
	return Frame{}, io.EOF
}

// splitField splits "field: value", dropping one leading space from the
// value. A line without a colon is a field with an empty value.
func splitField(line string) (string, string) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimPrefix(line[i+1:], " ")
}
