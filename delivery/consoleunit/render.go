// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package consoleunit

import (
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
	"golang.org/x/term"

	"github.com/bureau-foundation/courier/delivery"
)

// Frame colours per terminal state.
const (
	colorComplete  = "#1f8b4c"
	colorContinued = "#e67e22"
	colorFailed    = "#e74c3c"
)

var (
	markdownParserInstance goldmark.Markdown
	markdownParserOnce     sync.Once
)

func getMarkdownParser() goldmark.Markdown {
	markdownParserOnce.Do(func() {
		markdownParserInstance = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdownParserInstance
}

// DetectProfile returns the colour profile for output: the terminal's
// profile when output is a terminal, no colour otherwise.
func DetectProfile(output io.Writer) termenv.Profile {
	file, ok := output.(*os.File)
	if !ok || !term.IsTerminal(int(file.Fd())) {
		return termenv.Ascii
	}
	return termenv.NewOutput(file).EnvColorProfile()
}

// renderer frames unit content for one output.
type renderer struct {
	profile     termenv.Profile
	lipRenderer *lipgloss.Renderer
}

func newRenderer(output io.Writer, profile termenv.Profile) *renderer {
	// SetColorProfile pins the profile; lipgloss otherwise re-detects
	// it from the environment.
	lipRenderer := lipgloss.NewRenderer(output, termenv.WithProfile(profile))
	lipRenderer.SetColorProfile(profile)
	return &renderer{profile: profile, lipRenderer: lipRenderer}
}

// frame renders one unit: sanitized content, highlighted code, and a
// border whose colour and title reflect state.
func (r *renderer) frame(index int, update delivery.Update) string {
	content := ansi.Strip(update.Content)
	if r.profile != termenv.Ascii {
		content = r.highlightFences(content)
	}

	color, label := colorComplete, ""
	switch update.State {
	case delivery.StateContinued:
		color, label = colorContinued, " continued"
	case delivery.StateFailed:
		color, label = colorFailed, " failed"
	}

	title := r.lipRenderer.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color(color)).
		Render("● " + unitTitle(index) + label)
	box := r.lipRenderer.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(color)).
		Padding(0, 1).
		Render(content)
	return title + "\n" + box + "\n"
}

func unitTitle(index int) string {
	if index == 0 {
		return "response"
	}
	return "continuation " + strconv.Itoa(index)
}

// highlightFences replaces the body of every fenced code block with
// its syntax-highlighted rendering. Fence lines and all other text stay
// as written; an unknown or missing language leaves the block as is.
func (r *renderer) highlightFences(content string) string {
	source := []byte(content)
	document := getMarkdownParser().Parser().Parse(text.NewReader(source))

	type replacement struct {
		start, stop int
		text        string
	}
	var replacements []replacement
	ast.Walk(document, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || node.Kind() != ast.KindFencedCodeBlock {
			return ast.WalkContinue, nil
		}
		block := node.(*ast.FencedCodeBlock)
		lines := block.Lines()
		language := string(block.Language(source))
		if lines.Len() == 0 || language == "" {
			return ast.WalkSkipChildren, nil
		}
		start, stop := lines.At(0).Start, lines.At(lines.Len()-1).Stop
		var highlighted strings.Builder
		if err := quick.Highlight(&highlighted, string(source[start:stop]), language, r.formatter(), "monokai"); err != nil {
			return ast.WalkSkipChildren, nil
		}
		replacements = append(replacements, replacement{start: start, stop: stop, text: highlighted.String()})
		return ast.WalkSkipChildren, nil
	})
	if len(replacements) == 0 {
		return content
	}

	sort.Slice(replacements, func(i, j int) bool { return replacements[i].start < replacements[j].start })
	var output strings.Builder
	position := 0
	for _, replacement := range replacements {
		output.Write(source[position:replacement.start])
		output.WriteString(replacement.text)
		position = replacement.stop
	}
	output.Write(source[position:])
	return output.String()
}

func (r *renderer) formatter() string {
	switch r.profile {
	case termenv.TrueColor:
		return "terminal16m"
	case termenv.ANSI256:
		return "terminal256"
	default:
		return "terminal16"
	}
}
