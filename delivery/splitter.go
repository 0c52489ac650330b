// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import "unicode/utf8"

// TruncationMarker ends a unit whose content continues in the next
// unit of the chain.
const TruncationMarker = "..."

// SplitPlan is the splitter's decision for one chunk of buffered text.
type SplitPlan struct {
	// Target is the content the active unit should hold after the
	// flush.
	Target string

	// Sealed is true when the active unit takes no further content
	// and a chained unit must be created for Carry.
	Sealed bool

	// Carry is the part of the chunk that did not fit. It is empty
	// unless Sealed is set, and non-empty when it is.
	Carry string
}

// Split decides how chunk is placed given the active unit's current
// content and the unit size limit maxSize. Sizes are counted in
// characters (runes), not bytes.
//
// If active+chunk fits, the chunk is appended whole, including the
// exact-fit case. Otherwise, when the space left in the active unit
// exceeds minChars, as much of the chunk as fits ahead of
// TruncationMarker is kept and the rest carried. When the space left
// is minChars or less, the active unit is sealed unchanged and the
// whole chunk is carried.
func Split(active, chunk string, maxSize, minChars int) SplitPlan {
	activeLength := utf8.RuneCountInString(active)
	chunkLength := utf8.RuneCountInString(chunk)
	if activeLength+chunkLength <= maxSize {
		return SplitPlan{Target: active + chunk}
	}

	markerLength := utf8.RuneCountInString(TruncationMarker)
	available := maxSize - activeLength
	if available <= minChars || available <= markerLength {
		return SplitPlan{Target: active, Sealed: true, Carry: chunk}
	}

	head, tail := splitRunes(chunk, available-markerLength)
	return SplitPlan{Target: active + head + TruncationMarker, Sealed: true, Carry: tail}
}

// splitRunes cuts s after its first n runes.
func splitRunes(s string, n int) (string, string) {
	if n <= 0 {
		return "", s
	}
	count := 0
	for index := range s {
		if count == n {
			return s[:index], s[index:]
		}
		count++
	}
	return s, ""
}

// truncateRunes shortens s to at most n runes.
func truncateRunes(s string, n int) string {
	head, _ := splitRunes(s, n)
	return head
}
