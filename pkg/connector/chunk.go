// Copyright 2025-2026 Disclawd Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxMessageLength is the outbound message limit in code points.
const DefaultMaxMessageLength = 4000

const fenceMarker = "```"

// ChunkText splits text into pieces of at most limit code points. Text at or
// under the limit is returned as a single chunk unchanged. Breakpoints are
// chosen in priority order: keep fenced code blocks whole, then prefer a
// blank line, a single line break, a sentence end, and a word boundary past
// 30% of the limit, before hard-cutting. Emitted chunks lose trailing
// whitespace and the remainder loses leading whitespace.
func ChunkText(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultMaxMessageLength
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	rest := text
	for utf8.RuneCountInString(rest) > limit {
		cand, minBytes := candidateSlice(rest, limit)
		cut := breakIndex(cand, minBytes)
		chunk := strings.TrimRightFunc(cand[:cut], unicode.IsSpace)
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		rest = strings.TrimLeftFunc(rest[cut:], unicode.IsSpace)
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// candidateSlice returns the longest prefix of s within limit code points,
// plus the byte offset corresponding to 30% of the limit. Both are byte
// offsets into s so the caller can slice without re-counting runes.
func candidateSlice(s string, limit int) (string, int) {
	minRunes := limit * 3 / 10
	count := 0
	minBytes := 0
	end := len(s)
	for i := range s {
		if count == minRunes {
			minBytes = i
		}
		if count == limit {
			end = i
			break
		}
		count++
	}
	return s[:end], minBytes
}

// breakIndex picks the best cut position (byte offset) within the candidate.
func breakIndex(cand string, minBytes int) int {
	// An odd number of fence markers means the last one opens a block that
	// continues past the limit; cut immediately before the newline that
	// precedes it so the fence is never split. Without such a newline the
	// lower-priority strategies apply.
	if strings.Count(cand, fenceMarker)%2 == 1 {
		fenceIdx := strings.LastIndex(cand, fenceMarker)
		if nl := strings.LastIndex(cand[:fenceIdx], "\n"); nl >= 0 {
			return nl
		}
	}
	if i := strings.LastIndex(cand, "\n\n"); i >= minBytes {
		return i
	}
	if i := strings.LastIndex(cand, "\n"); i >= minBytes {
		return i
	}
	if i := lastSentenceEnd(cand, minBytes); i >= 0 {
		return i
	}
	if i := lastWordBoundary(cand, minBytes); i >= 0 {
		return i
	}
	return len(cand)
}

// lastSentenceEnd finds the byte offset just after the last sentence
// terminator that is followed by whitespace and sits past minBytes, or -1.
func lastSentenceEnd(s string, minBytes int) int {
	best := -1
	var prev rune
	havePrev := false
	for i, r := range s {
		if havePrev && unicode.IsSpace(r) && (prev == '.' || prev == '!' || prev == '?') && i >= minBytes {
			best = i
		}
		prev = r
		havePrev = true
	}
	return best
}

// lastWordBoundary finds the last whitespace byte offset past minBytes, or -1.
func lastWordBoundary(s string, minBytes int) int {
	best := -1
	for i, r := range s {
		if unicode.IsSpace(r) && i >= minBytes {
			best = i
		}
	}
	return best
}
