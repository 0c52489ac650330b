// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"strings"
	"unicode/utf8"
)

// fenceDelimiter opens and closes a fenced code block.
const fenceDelimiter = "```"

// balanceFences closes an unterminated fenced code block by appending
// a closing delimiter on its own line. openAtStart means content
// continues a code block opened in an earlier unit, so its first
// delimiter closes that block. It returns the content and whether it
// is balanced. Content that is already balanced is returned
// untouched. If the closing delimiter would push the content past
// maxSize, the content is returned unmodified with ok false.
func balanceFences(content string, maxSize int, openAtStart bool) (string, bool) {
	count := strings.Count(content, fenceDelimiter)
	if openAtStart {
		count++
	}
	if count%2 == 0 {
		return content, true
	}
	closing := fenceDelimiter
	if !strings.HasSuffix(content, "\n") {
		closing = "\n" + fenceDelimiter
	}
	if utf8.RuneCountInString(content)+utf8.RuneCountInString(closing) > maxSize {
		return content, false
	}
	return content + closing, true
}
