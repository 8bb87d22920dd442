// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/notebookchat/pkg/backend"
	"github.com/AleutianAI/notebookchat/pkg/citations"
	"github.com/AleutianAI/notebookchat/pkg/selection"
)

// maxSnippetRunes bounds the citation text shown in the footer.
const maxSnippetRunes = 120

// CitationSource resolves the references of rendered messages.
// *chat.Session satisfies it.
type CitationSource interface {
	Segments(m backend.Message) []citations.Segment
	Citations(messageID string) []citations.Citation
}

// RenderSegments joins segments, styling resolved references.
func RenderSegments(segments []citations.Segment) string {
	plain := GetPersonality().Level == PersonalityMachine
	var b strings.Builder
	for _, seg := range segments {
		if seg.Kind == citations.SegmentReference && !plain {
			b.WriteString(Styles.Reference.Render(seg.Text))
			continue
		}
		b.WriteString(seg.Text)
	}
	return b.String()
}

// RoleLabel returns the speaker heading of a message.
func RoleLabel(role backend.Role) string {
	if GetPersonality().Level == PersonalityMachine {
		return strings.ToUpper(string(role)) + ":"
	}
	if role == backend.RoleUser {
		return Styles.User.Render("You")
	}
	return Styles.Assistant.Render("Assistant")
}

// RenderMessage renders one turn. Assistant turns get their citation
// footer when the personality asks for it.
func RenderMessage(src CitationSource, m backend.Message) string {
	var b strings.Builder
	b.WriteString(RoleLabel(m.Role))
	b.WriteString("\n")

	if m.Role == backend.RoleUser {
		b.WriteString(m.Content)
		return b.String()
	}

	b.WriteString(RenderSegments(src.Segments(m)))
	if GetPersonality().ShowFooter {
		if footer := RenderFooter(src.Citations(m.ID)); footer != "" {
			b.WriteString("\n")
			b.WriteString(footer)
		}
	}
	return b.String()
}

// RenderTranscript renders every message separated by blank lines.
func RenderTranscript(src CitationSource, messages []backend.Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, RenderMessage(src, m))
	}
	return strings.Join(parts, "\n\n")
}

// RenderFooter lists deduplicated citations, one per cited document.
// Returns "" for no records.
func RenderFooter(records []citations.Citation) string {
	if len(records) == 0 {
		return ""
	}
	machine := GetPersonality().Level == PersonalityMachine

	var b strings.Builder
	if machine {
		b.WriteString("SOURCES:")
	} else {
		b.WriteString(Styles.Muted.Render("Sources"))
	}
	for _, c := range citations.Dedupe(records) {
		b.WriteString("\n")
		line := fmt.Sprintf("[%d] %s", c.DocumentOrder, c.Filename)
		if loc := FormatLocation(c.Location); loc != "" {
			line += " (" + loc + ")"
		}
		if machine {
			fmt.Fprintf(&b, "%s\t%.2f\t%s", line, c.Score, Truncate(c.Text, maxSnippetRunes))
			continue
		}
		b.WriteString("  " + Styles.Reference.Render(line))
		if c.Text != "" {
			b.WriteString("\n      " + Styles.Muted.Render(Truncate(c.Text, maxSnippetRunes)))
		}
	}
	return b.String()
}

// FormatLocation describes where in its document a citation points.
func FormatLocation(loc *citations.Location) string {
	if loc == nil {
		return ""
	}
	var parts []string
	if loc.Sheet != "" {
		parts = append(parts, "sheet "+loc.Sheet)
	}
	if loc.Page != nil {
		parts = append(parts, fmt.Sprintf("p. %d", *loc.Page))
	}
	if loc.Paragraph != nil {
		parts = append(parts, fmt.Sprintf("¶ %d", *loc.Paragraph))
	}
	return strings.Join(parts, ", ")
}

// Truncate shortens s to at most n runes, marking the cut with "…".
func Truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

// RenderPartial renders the text of an answer in progress, or the text
// kept after a failed answer.
func RenderPartial(text string) string {
	if text == "" {
		return ""
	}
	if GetPersonality().Level == PersonalityMachine {
		return "PARTIAL: " + text
	}
	return Styles.Partial.Render(text)
}

// RenderDocuments lists documents in citation order with their selection
// state.
func RenderDocuments(docs []backend.Document, sel selection.State) string {
	machine := GetPersonality().Level == PersonalityMachine

	var b strings.Builder
	switch {
	case sel.Explicit == nil:
		b.WriteString("Documents (all selected)")
	case len(sel.Explicit) == 0:
		b.WriteString("Documents (none selected)")
	default:
		fmt.Fprintf(&b, "Documents (%d of %d selected)", len(sel.Explicit), len(docs))
	}
	if !machine {
		header := b.String()
		b.Reset()
		b.WriteString(Styles.Title.Render(header))
	}

	selected := make(map[string]bool)
	for _, id := range sel.Effective() {
		selected[id] = true
	}
	for _, d := range docs {
		mark := "[ ]"
		if selected[d.ID] {
			mark = "[x]"
		}
		fmt.Fprintf(&b, "\n%s %d. %s", mark, d.Order, d.Filename)
		if machine {
			fmt.Fprintf(&b, "\t%s", d.ID)
		}
	}
	return b.String()
}
