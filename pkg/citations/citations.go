// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package citations reconciles inline reference markers in assistant text
// with the structured citation records delivered by the answer stream.
//
// Everything here is pure and deterministic. Callers re-run ParseMarkers
// and Dedupe on every render instead of caching: inputs are small and
// change with every token.
package citations

import (
	"regexp"
	"sort"
	"strconv"
)

// Location pins a citation to a place inside its source document. Only
// the fields relevant to the document type are set.
type Location struct {
	Page      *int   `json:"page,omitempty"`
	Sheet     string `json:"sheet,omitempty"`
	Paragraph *int   `json:"paragraph,omitempty"`
}

// Citation is one passage backing part of an assistant answer.
type Citation struct {
	ID string `json:"id"`

	// DocumentOrder is the 1-based position of the source document in the
	// notebook. Inline markers [N] refer to it.
	DocumentOrder int `json:"document_order"`

	Filename string    `json:"filename"`
	Score    float64   `json:"score"`
	Location *Location `json:"location,omitempty"`

	// Text is the cited snippet or, for short sources, the full text.
	Text string `json:"text"`
}

// =============================================================================
// Inline Marker Parsing
// =============================================================================

// SegmentKind distinguishes literal text from a resolved reference.
type SegmentKind int

const (
	SegmentText SegmentKind = iota
	SegmentReference
)

// Segment is one piece of rendered assistant text.
type Segment struct {
	Kind SegmentKind

	// Text is the literal text, or the original marker for references.
	Text string

	// Number is N for a reference segment.
	Number int

	// Citation is the best record for document N. Set only for
	// SegmentReference.
	Citation *Citation
}

var markerPattern = regexp.MustCompile(`\[(\d+)\]`)

// ParseMarkers splits text into literal and reference segments.
//
// A marker [N] becomes a reference when some record has DocumentOrder N;
// the highest-scoring such record is attached. Markers with no matching
// record stay literal. Adjacent literal text is merged.
//
//	ParseMarkers("See [1] and [9].", recs)
//	// [{Text "See "} {Ref 1} {Text " and [9]."}]
func ParseMarkers(text string, records []Citation) []Segment {
	if text == "" {
		return nil
	}

	best := bestByDocument(records)
	segments := make([]Segment, 0, 4)

	appendText := func(s string) {
		if s == "" {
			return
		}
		if n := len(segments); n > 0 && segments[n-1].Kind == SegmentText {
			segments[n-1].Text += s
			return
		}
		segments = append(segments, Segment{Kind: SegmentText, Text: s})
	}

	last := 0
	for _, loc := range markerPattern.FindAllStringSubmatchIndex(text, -1) {
		raw := text[loc[0]:loc[1]]
		n, err := strconv.Atoi(text[loc[2]:loc[3]])
		cit, ok := best[n]
		if err != nil || !ok {
			continue
		}
		appendText(text[last:loc[0]])
		c := cit
		segments = append(segments, Segment{
			Kind:     SegmentReference,
			Text:     raw,
			Number:   n,
			Citation: &c,
		})
		last = loc[1]
	}
	appendText(text[last:])

	return segments
}

// ReferencedNumbers returns the distinct document numbers that resolve
// to a citation, in order of first appearance.
func ReferencedNumbers(segments []Segment) []int {
	seen := make(map[int]bool)
	var out []int
	for _, seg := range segments {
		if seg.Kind != SegmentReference || seen[seg.Number] {
			continue
		}
		seen[seg.Number] = true
		out = append(out, seg.Number)
	}
	return out
}

// =============================================================================
// Footer Deduplication
// =============================================================================

// Dedupe keeps the highest-scoring record per DocumentOrder and returns
// the survivors ascending by DocumentOrder. On equal scores the record
// seen first wins. The input is not modified.
//
//	Dedupe([{doc 1, 0.9} {doc 1, 0.95} {doc 2, 0.5}])
//	// [{doc 1, 0.95} {doc 2, 0.5}]
func Dedupe(records []Citation) []Citation {
	best := bestByDocument(records)
	out := make([]Citation, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DocumentOrder < out[j].DocumentOrder
	})
	return out
}

func bestByDocument(records []Citation) map[int]Citation {
	best := make(map[int]Citation, len(records))
	for _, c := range records {
		cur, ok := best[c.DocumentOrder]
		if !ok || c.Score > cur.Score {
			best[c.DocumentOrder] = c
		}
	}
	return best
}
