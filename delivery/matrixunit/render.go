// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package matrixunit

import (
	"bytes"
	"html"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	goldmarkhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/bureau-foundation/courier/delivery"
	"github.com/bureau-foundation/courier/messaging"
)

// StreamingIndicator is appended to a unit while it is still receiving
// text.
const StreamingIndicator = " ⚪"

// Status marker colours, as data-mx-color values.
const (
	ColorComplete  = "#1f8b4c"
	ColorContinued = "#e67e22"
	ColorFailed    = "#e74c3c"
)

// The goldmark instance is shared: configuration never changes and
// Convert keeps its state per call. Raw HTML in generated text is
// escaped, not passed through.
var (
	markdownInstance goldmark.Markdown
	markdownOnce     sync.Once
)

func getMarkdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownInstance = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(goldmarkhtml.WithHardWraps()),
		)
	})
	return markdownInstance
}

// renderHTML converts Markdown to the HTML subset Matrix clients
// display. Conversion failure falls back to escaped text with line
// breaks, which every client renders.
func renderHTML(markdown string) string {
	var buffer bytes.Buffer
	if err := getMarkdown().Convert([]byte(markdown), &buffer); err != nil {
		return strings.ReplaceAll(html.EscapeString(markdown), "\n", "<br>")
	}
	return strings.TrimRight(buffer.String(), "\n")
}

// statusMarker returns the HTML status line for a terminal state.
func statusMarker(state delivery.UnitState) string {
	switch state {
	case delivery.StateComplete:
		return `<font data-mx-color="` + ColorComplete + `">●</font>`
	case delivery.StateContinued:
		return `<font data-mx-color="` + ColorContinued + `">● continued</font>`
	case delivery.StateFailed:
		return `<font data-mx-color="` + ColorFailed + `">● failed</font>`
	default:
		return ""
	}
}

// render builds the message content for update. The caller adds the
// relation (reply, thread, or edit).
func render(update delivery.Update, plain bool) messaging.MessageContent {
	if plain {
		return messaging.NewTextMessage(update.Content)
	}

	body := update.Content
	formatted := renderHTML(update.Content)
	if update.State == delivery.StateStreaming {
		body += StreamingIndicator
		if trimmed, ok := strings.CutSuffix(formatted, "</p>"); ok {
			formatted = trimmed + StreamingIndicator + "</p>"
		} else {
			formatted += StreamingIndicator
		}
	} else if marker := statusMarker(update.State); marker != "" {
		formatted += "\n<p>" + marker + "</p>"
		if update.State == delivery.StateFailed {
			body += "\n\n(failed)"
		}
	}
	return messaging.NewTextMessage(body).WithHTML(formatted)
}
