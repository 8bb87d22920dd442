// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devserver

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/notebookchat/pkg/backend"
	"github.com/AleutianAI/notebookchat/pkg/citations"
)

// maxCitedDocuments caps how many documents one answer cites.
const maxCitedDocuments = 3

// Answer is a scripted reply: the tokens to stream and the citation
// records to send before the terminal frame.
type Answer struct {
	Tokens  []string
	Records []citations.Citation
}

// Text is the concatenated answer.
func (a Answer) Text() string {
	return strings.Join(a.Tokens, "")
}

// ComposeAnswer builds a deterministic reply to message grounded in docs.
//
// Each cited document gets an inline [N] marker, N being its Order, and
// two citation records with different scores so clients have duplicates
// to collapse. An empty docs slice yields an ungrounded reply with no
// records.
func ComposeAnswer(message, mode string, docs []backend.Document) Answer {
	var b strings.Builder
	if mode != "" {
		fmt.Fprintf(&b, "(%s) ", mode)
	}

	if len(docs) == 0 {
		fmt.Fprintf(&b, "No documents are selected, so I cannot ground an answer to %q.", message)
		return Answer{Tokens: tokenize(b.String())}
	}

	cited := docs
	if len(cited) > maxCitedDocuments {
		cited = cited[:maxCitedDocuments]
	}

	fmt.Fprintf(&b, "Here is what your sources say about %q.", message)
	records := make([]citations.Citation, 0, 2*len(cited))
	for i, d := range cited {
		fmt.Fprintf(&b, " %s discusses it [%d].", d.Filename, d.Order)

		base := 0.9 - 0.1*float64(i)
		page := 1
		records = append(records,
			citations.Citation{
				ID:            d.ID + "#1",
				DocumentOrder: d.Order,
				Filename:      d.Filename,
				Score:         base - 0.05,
				Location:      &citations.Location{Page: &page},
				Text:          "Opening passage of " + d.Filename + ".",
			},
			citations.Citation{
				ID:            d.ID + "#2",
				DocumentOrder: d.Order,
				Filename:      d.Filename,
				Score:         base,
				Text:          "Most relevant passage of " + d.Filename + ".",
			},
		)
	}

	return Answer{Tokens: tokenize(b.String()), Records: records}
}

// tokenize splits text into word tokens that keep their trailing space,
// so concatenating them restores the input.
func tokenize(text string) []string {
	var tokens []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == ' ' {
			tokens = append(tokens, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		tokens = append(tokens, text[start:])
	}
	return tokens
}

// filterDocuments applies a documents query parameter. present is false
// when the parameter was absent, which selects every document; an empty
// list selects none.
func filterDocuments(all []backend.Document, ids []string, present bool) []backend.Document {
	if !present {
		return all
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]backend.Document, 0, len(ids))
	for _, d := range all {
		if _, ok := want[d.ID]; ok {
			out = append(out, d)
		}
	}
	return out
}
